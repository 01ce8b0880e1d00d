package ledger

import (
	"errors"
	"fmt"
)

// Sentinel errors for the credit engine. Handlers map these onto HTTP
// status codes; callers match with errors.Is.
var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrWalletFrozen        = errors.New("wallet is frozen")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrUnknownAction       = errors.New("unknown action type")
	ErrTransientConflict   = errors.New("transient conflict, retry later")
	ErrOrderExpired        = errors.New("order expired")
	ErrOrderNotFound       = errors.New("order not found")
)

// ValidationError indicates malformed or out-of-range caller input.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// InsufficientCreditsError carries how far short the wallet fell. It
// matches ErrInsufficientCredits under errors.Is.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}
