// Package stream provides filtered change-stream subscriptions. A filter
// combines an operation mask with an optional CEL expression evaluated
// against each changed document, so consumers subscribe to exactly the
// changes they care about.
package stream

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"driftdb/internal/storage"
)

// Compiler compiles CEL filter expressions for change-stream subscriptions.
type Compiler struct {
	env *cel.Env
}

// NewCompiler creates a compiler exposing the change-event variables:
// doc (payload map), id, deleted and operation.
func NewCompiler() (*Compiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("id", cel.StringType),
		cel.Variable("deleted", cel.BoolType),
		cel.Variable("operation", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &Compiler{env: env}, nil
}

// Compile compiles the expression. An empty expression matches everything.
func (c *Compiler) Compile(expr string) (*Filter, error) {
	if expr == "" {
		return &Filter{}, nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation error: %w", err)
	}
	return &Filter{prg: prg}, nil
}

// Filter decides whether a change event is delivered to a subscriber.
type Filter struct {
	prg cel.Program
	ops map[storage.Operation]bool
}

// WithOperations restricts the filter to the given operation types. Without
// a restriction all operations pass.
func (f *Filter) WithOperations(ops ...storage.Operation) *Filter {
	f.ops = make(map[storage.Operation]bool, len(ops))
	for _, op := range ops {
		f.ops[op] = true
	}
	return f
}

// Matches evaluates the filter against one change event. Evaluation errors
// (e.g. a missing field) count as no match.
func (f *Filter) Matches(event storage.ChangeEvent) (bool, error) {
	if f.ops != nil && !f.ops[event.Operation] {
		return false, nil
	}
	if f.prg == nil {
		return true, nil
	}

	out, _, err := f.prg.Eval(map[string]interface{}{
		"doc":       event.Document.Data,
		"id":        event.DocumentID,
		"deleted":   event.Document.Deleted,
		"operation": event.Operation.String(),
	})
	if err != nil {
		return false, err
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL result is not boolean: %T", out.Value())
	}
	return result, nil
}

// Subscribe opens a filtered subscription on the instance's change stream.
// Delivered bulks carry only matching events; bulks with no match are
// dropped entirely. The returned cancel func releases the subscription.
func Subscribe(ctx context.Context, instance storage.Instance, filter *Filter) (<-chan storage.EventBulk, func(), error) {
	in, cancel, err := instance.ChangeStream(ctx)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan storage.EventBulk)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case bulk, ok := <-in:
				if !ok {
					return
				}
				filtered := filterBulk(bulk, filter)
				if len(filtered.Events) == 0 {
					continue
				}
				select {
				case out <- filtered:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, cancel, nil
}

func filterBulk(bulk storage.EventBulk, filter *Filter) storage.EventBulk {
	if filter == nil {
		return bulk
	}
	events := make([]storage.ChangeEvent, 0, len(bulk.Events))
	for _, event := range bulk.Events {
		if ok, err := filter.Matches(event); err == nil && ok {
			events = append(events, event)
		}
	}
	out := bulk
	out.Events = events
	return out
}
