package openhab

import (
	"errors"
	"fmt"
)

var (
	// ErrUnexpectedStatus is matched by every StatusError.
	ErrUnexpectedStatus = errors.New("unexpected HTTP status")
	// ErrNotFound is returned for single-item lookups answered with 404.
	ErrNotFound = errors.New("not found")
)

// StatusError carries a non-2xx reply.
type StatusError struct {
	Method string
	Path   string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %s: %d", e.Method, e.Path, ErrUnexpectedStatus, e.Code)
}

// Is lets errors.Is match ErrUnexpectedStatus, and ErrNotFound for 404.
func (e *StatusError) Is(target error) bool {
	if target == ErrUnexpectedStatus {
		return true
	}
	return target == ErrNotFound && e.Code == 404
}
