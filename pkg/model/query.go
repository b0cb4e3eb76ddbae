package model

// Order represents one sort key of a query.
type Order struct {
	Field     string `json:"field"`
	Direction string `json:"direction"` // "asc" or "desc"
}

// Query is the engine-independent prepared query: selector plus sort plus
// skip/limit. Engines may use their own indexes internally but must produce
// results matching a naive selector match and comparator over the full
// document set, with the primary key as the deterministic sort tie-break.
type Query struct {
	Selector    Filters `json:"selector"`
	Sort        []Order `json:"sort"`
	Skip        int     `json:"skip"`
	Limit       int     `json:"limit"` // 0 means unlimited
	WithDeleted bool    `json:"withDeleted"`
}

// Validate checks operators and sort directions.
func (q Query) Validate() error {
	for _, f := range q.Selector {
		if !f.Validate() {
			return ErrInvalidQuery
		}
	}
	for _, o := range q.Sort {
		if o.Field == "" {
			return ErrInvalidQuery
		}
		if o.Direction != "" && o.Direction != "asc" && o.Direction != "desc" {
			return ErrInvalidQuery
		}
	}
	if q.Skip < 0 || q.Limit < 0 {
		return ErrInvalidQuery
	}
	return nil
}
