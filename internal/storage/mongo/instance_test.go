package mongo

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"go.mongodb.org/mongo-driver/mongo"
)

func TestIsTransactionUnsupported(t *testing.T) {
	standalone := mongo.CommandError{
		Code:    20,
		Message: "Transaction numbers are only allowed on a replica set member or mongos",
	}
	assert.True(t, isTransactionUnsupported(standalone))
	assert.True(t, isTransactionUnsupported(fmt.Errorf("run transaction: %w", standalone)))
	assert.True(t, isTransactionUnsupported(errors.New("(IllegalOperation) Transaction numbers are only allowed on a replica set member or mongos")))

	assert.False(t, isTransactionUnsupported(nil))
	assert.False(t, isTransactionUnsupported(errors.New("connection refused")))
	assert.False(t, isTransactionUnsupported(mongo.CommandError{Code: 112, Message: "WriteConflict"}))
}
