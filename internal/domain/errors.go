package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the client core, the hub and the offer store.
var (
	ErrDuplicateItem   = errors.New("item already in offer")
	ErrItemNotFound    = errors.New("item not in offer")
	ErrInvalidPrice    = errors.New("invalid price")
	ErrInvalidItemKey  = errors.New("invalid item key")
	ErrEditLocked      = errors.New("offer is locked for editing")
	ErrNotAllowed      = errors.New("action not allowed in current state")
	ErrInFlight        = errors.New("action already in progress")
	ErrNoOffer         = errors.New("no offer allocated")
	ErrNotConnected    = errors.New("channel not connected")
	ErrStaleSession    = errors.New("session closed before the action completed")
	ErrUnknownMessage  = errors.New("unknown message type")
	ErrOfferNotFound   = errors.New("offer not found")
	ErrInvalidStatus   = errors.New("invalid offer status transition")
	ErrConnectTimedOut = errors.New("connect timed out")
)

// ValidationError reports bad input rejected at the point of entry.
type ValidationError struct {
	Field string
	Value string
	Err   error
}

// NewValidationError creates a ValidationError for field with the offending value.
func NewValidationError(field, value string, err error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Err: err}
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ChannelError reports a transport failure. The session cannot proceed until
// the user retries.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// PersistenceError reports a failed offer store call. The transition that
// needed it did not happen and nothing was broadcast.
type PersistenceError struct {
	Op     string
	Status int
	Err    error
}

func (e *PersistenceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("offer store %s (status %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("offer store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or unexpected message. Such messages are
// logged and dropped.
type ProtocolError struct {
	Type string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("protocol: %v", e.Err)
	}
	return fmt.Sprintf("protocol %q: %v", e.Type, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsUserFacing reports whether err should produce explicit error feedback.
// Gating refusals are communicated by disabled actions instead.
func IsUserFacing(err error) bool {
	var chErr *ChannelError
	var pErr *PersistenceError
	return errors.As(err, &chErr) || errors.As(err, &pErr)
}
