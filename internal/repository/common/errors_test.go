package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestPqErrorClassification(t *testing.T) {
	wrapped := func(code pq.ErrorCode) error {
		return fmt.Errorf("ledger: post: %w", &pq.Error{Code: code})
	}

	assert.True(t, IsUniqueViolation(wrapped("23505")))
	assert.False(t, IsUniqueViolation(wrapped("23514")))
	assert.True(t, IsCheckViolation(wrapped("23514")))

	assert.True(t, IsRetryable(wrapped("40001")))
	assert.True(t, IsRetryable(wrapped("40P01")))
	assert.False(t, IsRetryable(wrapped("23505")))

	plain := errors.New("connection reset")
	assert.False(t, IsUniqueViolation(plain))
	assert.False(t, IsRetryable(plain))
	assert.False(t, IsRetryable(nil))
}
