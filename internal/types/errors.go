package types

import (
	"github.com/pkg/errors"
)

var (
	// ErrQuoteUnavailable covers every way a quote can fail to resolve:
	// network errors, bad status, no pairs, unusable price.
	ErrQuoteUnavailable = errors.New("quote unavailable")

	ErrNotFound           = errors.New("alert not found")
	ErrInvalidAlert       = errors.New("invalid alert definition")
	ErrNotificationFailed = errors.New("notification failed")
	ErrPersistence        = errors.New("persistence failure")
)

// InvalidAlertError is returned by NewAlert and never persisted.
type InvalidAlertError struct {
	Reason string
}

func (e *InvalidAlertError) Error() string {
	return ErrInvalidAlert.Error() + ": " + e.Reason
}

func (e *InvalidAlertError) Unwrap() error {
	return ErrInvalidAlert
}
