package lifecycle

import (
	"errors"
	"fmt"
)

// ErrMalformedEvent is returned when an inbound notification cannot be turned
// into a Context. It is never retried.
var ErrMalformedEvent = errors.New("malformed lifecycle event")

// MalformedEventError names the field that made a notification unusable.
type MalformedEventError struct {
	Field  string
	Reason string
}

func (e *MalformedEventError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrMalformedEvent, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrMalformedEvent, e.Field, e.Reason)
}

func (e *MalformedEventError) Is(target error) bool {
	return target == ErrMalformedEvent
}
