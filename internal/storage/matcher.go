package storage

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"driftdb/pkg/model"
)

// DocumentMatcher returns a predicate applying the query selector to one
// document. Engines are free to use indexes, but their results must match
// this naive matcher applied to the full document set.
func DocumentMatcher(q model.Query) func(model.DocumentData) bool {
	return func(doc model.DocumentData) bool {
		if doc.Deleted && !q.WithDeleted {
			return false
		}
		for _, f := range q.Selector {
			if !matchFilter(doc, f) {
				return false
			}
		}
		return true
	}
}

func matchFilter(doc model.DocumentData, f model.Filter) bool {
	value, exists := doc.Field(f.Field)

	if f.Op == model.OpExists {
		want, _ := f.Value.(bool)
		return exists == want
	}
	if !exists {
		return false
	}

	switch f.Op {
	case model.OpEq:
		return compareValues(value, f.Value) == 0
	case model.OpNe:
		return compareValues(value, f.Value) != 0
	case model.OpGt:
		return compareValues(value, f.Value) > 0
	case model.OpGte:
		return compareValues(value, f.Value) >= 0
	case model.OpLt:
		return compareValues(value, f.Value) < 0
	case model.OpLte:
		return compareValues(value, f.Value) <= 0
	case model.OpIn:
		items := reflect.ValueOf(f.Value)
		if items.Kind() != reflect.Slice && items.Kind() != reflect.Array {
			return false
		}
		for i := 0; i < items.Len(); i++ {
			if compareValues(value, items.Index(i).Interface()) == 0 {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// SortComparator returns a deterministic comparator for the query sort. The
// primary key is always the final tie-break so result order is stable across
// engines.
func SortComparator(q model.Query) func(a, b model.DocumentData) bool {
	return func(a, b model.DocumentData) bool {
		for _, o := range q.Sort {
			av, _ := a.Field(o.Field)
			bv, _ := b.Field(o.Field)
			cmp := compareValues(av, bv)
			if cmp == 0 {
				continue
			}
			if o.Direction == "desc" {
				return cmp > 0
			}
			return cmp < 0
		}
		return a.ID < b.ID
	}
}

// ApplyQuery runs the naive matcher, comparator and skip/limit window over
// docs. The reference engines delegate to this after loading candidates.
func ApplyQuery(docs []model.DocumentData, q model.Query) []model.DocumentData {
	matcher := DocumentMatcher(q)
	matched := make([]model.DocumentData, 0, len(docs))
	for _, doc := range docs {
		if matcher(doc) {
			matched = append(matched, doc)
		}
	}

	less := SortComparator(q)
	sort.SliceStable(matched, func(i, j int) bool { return less(matched[i], matched[j]) })

	if q.Skip > 0 {
		if q.Skip >= len(matched) {
			return []model.DocumentData{}
		}
		matched = matched[q.Skip:]
	}
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}
	return matched
}

// compareValues orders two JSON-ish values. Types are ranked first (null <
// bool < number < string < array < object), then values within the same type
// are compared, so sorting is total and deterministic.
func compareValues(a, b interface{}) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return ra - rb
	}

	switch ra {
	case 0: // null
		return 0
	case 1: // bool
		ab, bb := a.(bool), b.(bool)
		if ab == bb {
			return 0
		}
		if !ab {
			return -1
		}
		return 1
	case 2: // number
		af, bf := toFloat(a), toFloat(b)
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	case 3: // string
		return strings.Compare(a.(string), b.(string))
	default:
		// Arrays and objects: compare serialized forms. Rarely used as sort
		// keys; determinism matters more than a meaningful order.
		return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
	}
}

func typeRank(v interface{}) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		return 2
	case string:
		return 3
	case []interface{}:
		return 4
	default:
		return 5
	}
}

func toFloat(v interface{}) float64 {
	switch tv := v.(type) {
	case float64:
		return tv
	case float32:
		return float64(tv)
	case int:
		return float64(tv)
	case int32:
		return float64(tv)
	case int64:
		return float64(tv)
	case uint:
		return float64(tv)
	case uint32:
		return float64(tv)
	case uint64:
		return float64(tv)
	default:
		return 0
	}
}
