package database

import (
	"errors"

	"github.com/lib/pq"
)

// Postgres error codes that indicate a transient lock or serialization
// conflict. Callers holding row locks retry on these.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

// IsSerializationConflict reports whether err is a serialization failure
// or deadlock that is safe to retry on a fresh transaction.
func IsSerializationConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	code := string(pqErr.Code)
	return code == codeSerializationFailure || code == codeDeadlockDetected
}

// IsLockTimeout reports whether err is a lock_timeout expiry on a row lock.
func IsLockTimeout(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return string(pqErr.Code) == codeLockNotAvailable
}

// IsRetryable reports whether a transaction that failed with err can be
// retried without operator intervention.
func IsRetryable(err error) bool {
	return IsSerializationConflict(err) || IsLockTimeout(err)
}
