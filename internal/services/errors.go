package services

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/lib/pq"
)

// Ledger error taxonomy. InsufficientFunds, StudentNotFound and ItemNotFound
// are final and leave zero mutation behind. LockTimeout and
// StorageUnavailable are transient; a caller may retry the whole operation
// from scratch. Duplicate reward processing is not an error at all.
var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrStudentNotFound    = errors.New("student not found")
	ErrItemNotFound       = errors.New("item not found")
	ErrAlreadyOwned       = errors.New("item already owned")
	ErrEntryNotFound      = errors.New("inventory entry not found")
	ErrSubmissionNotFound = errors.New("quiz submission not found")
	ErrAlreadyRedeemed    = errors.New("inventory entry already redeemed")
	ErrInvalidAmount      = errors.New("amount sign does not match transaction type")
	ErrLockTimeout        = errors.New("lock timeout")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// IsTransient reports whether the error is worth a fresh retry of the whole
// operation.
func IsTransient(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrStorageUnavailable)
}

// wrapStorageErr maps low-level Postgres failures onto the taxonomy.
// Lock/serialization/timeout failures become ErrLockTimeout; connection
// class failures become ErrStorageUnavailable. Anything else passes through.
func wrapStorageErr(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return ErrStorageUnavailable
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case "55P03", "40001", "40P01", "57014":
			// lock_not_available, serialization_failure, deadlock_detected,
			// query_canceled (statement_timeout)
			return ErrLockTimeout
		}
		if strings.HasPrefix(string(pqErr.Code), "08") {
			return ErrStorageUnavailable
		}
	}

	return err
}

// isUniqueViolation reports a Postgres unique-constraint violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
