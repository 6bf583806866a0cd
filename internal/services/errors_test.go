package services

import (
	"database/sql/driver"
	"errors"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestWrapStorageErr(t *testing.T) {
	t.Run("nil passes through", func(t *testing.T) {
		assert.NoError(t, wrapStorageErr(nil))
	})

	t.Run("lock and timeout codes map to ErrLockTimeout", func(t *testing.T) {
		for _, code := range []string{"55P03", "40001", "40P01", "57014"} {
			err := wrapStorageErr(&pq.Error{Code: pq.ErrorCode(code)})
			assert.ErrorIs(t, err, ErrLockTimeout, "code %s", code)
		}
	})

	t.Run("connection failures map to ErrStorageUnavailable", func(t *testing.T) {
		assert.ErrorIs(t, wrapStorageErr(driver.ErrBadConn), ErrStorageUnavailable)
		assert.ErrorIs(t, wrapStorageErr(&pq.Error{Code: "08006"}), ErrStorageUnavailable)
	})

	t.Run("other errors pass through unchanged", func(t *testing.T) {
		cause := errors.New("syntax error")
		assert.Equal(t, cause, wrapStorageErr(cause))

		uniqueErr := &pq.Error{Code: "23505"}
		assert.Equal(t, error(uniqueErr), wrapStorageErr(uniqueErr))
	})
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(ErrLockTimeout))
	assert.True(t, IsTransient(ErrStorageUnavailable))
	assert.False(t, IsTransient(ErrInsufficientFunds))
	assert.False(t, IsTransient(ErrStudentNotFound))
	assert.False(t, IsTransient(nil))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "55P03"}))
	assert.False(t, isUniqueViolation(errors.New("not a pq error")))
	assert.False(t, isUniqueViolation(nil))
}
