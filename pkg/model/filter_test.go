package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterOpIsValid(t *testing.T) {
	for _, op := range ValidOps() {
		assert.True(t, op.IsValid(), string(op))
	}
	assert.False(t, FilterOp("contains").IsValid())
	assert.False(t, FilterOp("").IsValid())
}

func TestFilterValidate(t *testing.T) {
	assert.True(t, Filter{Field: "name", Op: OpEq, Value: "a"}.Validate())
	assert.True(t, Filter{Field: "age", Op: OpExists, Value: true}.Validate())
	assert.False(t, Filter{Field: "", Op: OpEq, Value: "a"}.Validate())
	assert.False(t, Filter{Field: "name", Op: FilterOp("like"), Value: "a"}.Validate())
}

func TestQueryValidate(t *testing.T) {
	valid := Query{
		Selector: Filters{{Field: "name", Op: OpEq, Value: "a"}},
		Sort:     []Order{{Field: "age", Direction: "desc"}},
		Limit:    10,
	}
	assert.NoError(t, valid.Validate())

	// Direction defaults to ascending when empty.
	assert.NoError(t, Query{Sort: []Order{{Field: "age"}}}.Validate())

	tests := []struct {
		name string
		q    Query
	}{
		{"bad operator", Query{Selector: Filters{{Field: "name", Op: FilterOp("~")}}}},
		{"empty selector field", Query{Selector: Filters{{Op: OpEq}}}},
		{"empty sort field", Query{Sort: []Order{{Direction: "asc"}}}},
		{"bad direction", Query{Sort: []Order{{Field: "age", Direction: "down"}}}},
		{"negative skip", Query{Skip: -1}},
		{"negative limit", Query{Limit: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.q.Validate(), ErrInvalidQuery)
		})
	}
}
