package event

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrLookup     = errors.New("lookup failed")
	ErrValidation = errors.New("validation failed")
)

// LookupError reports a name that does not resolve to a known domain,
// projector, aggregate type or snapshot table. Options lists valid names.
type LookupError struct {
	Kind    string
	Name    string
	Options []string
}

func NewLookupError(kind, name string, options []string) *LookupError {
	return &LookupError{Kind: kind, Name: name, Options: options}
}

func (e *LookupError) Error() string {
	msg := fmt.Sprintf("unknown %s %q", e.Kind, e.Name)
	if len(e.Options) > 0 {
		msg += "; valid options: " + strings.Join(e.Options, ", ")
	}
	return msg
}

func (e *LookupError) Is(target error) bool { return target == ErrLookup }

// ValidationError rejects bad input before any work starts.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
