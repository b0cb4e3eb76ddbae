package model

// FilterOp defines the supported selector operators.
type FilterOp string

const (
	OpEq     FilterOp = "=="     // Equal
	OpNe     FilterOp = "!="     // Not equal
	OpGt     FilterOp = ">"      // Greater than
	OpGte    FilterOp = ">="     // Greater than or equal
	OpLt     FilterOp = "<"      // Less than
	OpLte    FilterOp = "<="     // Less than or equal
	OpIn     FilterOp = "in"     // Value in array
	OpExists FilterOp = "exists" // Field presence
)

// ValidOps returns all valid selector operators.
func ValidOps() []FilterOp {
	return []FilterOp{OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpExists}
}

// IsValid checks if the operator is valid.
func (op FilterOp) IsValid() bool {
	switch op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpExists:
		return true
	}
	return false
}

// Filters is a slice of Filter, combined with AND semantics.
type Filters []Filter

// Filter represents one selector condition.
type Filter struct {
	Field string      `json:"field"`
	Op    FilterOp    `json:"op"`
	Value interface{} `json:"value"`
}

// Validate checks if the filter is valid.
func (f Filter) Validate() bool {
	if f.Field == "" {
		return false
	}
	return f.Op.IsValid()
}
