package models

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared across modules.
var (
	ErrEmptyIdentity      = errors.New("user identity cannot be empty")
	ErrEmptyMessage       = errors.New("message body cannot be empty")
	ErrMessageTooLong     = errors.New("message body exceeds maximum length")
	ErrUserNotFound       = errors.New("user not found")
	ErrLanguageDetection  = errors.New("language detection failed")
	ErrEmptyUpdate        = errors.New("no fields to update")
	ErrDisplayNameTooLong = errors.New("display name exceeds maximum length")
)

// ValidationError reports a missing or unresolvable input to a turn.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// StoreError wraps a persistence failure with the operation that failed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// GenerationError wraps a failure of the text-generation capability,
// including timeouts and empty output.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// ValidateInbound checks an inbound (identity, body) pair before a turn starts.
func ValidateInbound(identity, body string) error {
	if strings.TrimSpace(identity) == "" {
		return &ValidationError{Field: "identity", Err: ErrEmptyIdentity}
	}
	if strings.TrimSpace(body) == "" {
		return &ValidationError{Field: "body", Err: ErrEmptyMessage}
	}
	if len(body) > MaxMessageBodyLength {
		return &ValidationError{Field: "body", Err: ErrMessageTooLong}
	}
	return nil
}
