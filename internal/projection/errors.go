package projection

import (
	"errors"
	"fmt"
)

// ErrInvalidEvent marks a run aborted because an event could not be mapped
// or applied. Retrying fails identically until the event or the policy
// changes.
var ErrInvalidEvent = errors.New("projection: invalid event")

// InvalidEventError describes the event that aborted a run. Err is the
// underlying cause when the failure came from replay rather than mapping.
type InvalidEventError struct {
	Projection string
	EventID    string
	EventType  string
	Reason     string
	Err        error
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("%s projection failed at event %s (%s): %s", e.Projection, e.EventID, e.EventType, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidEvent and the cause, if any.
func (e *InvalidEventError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvalidEvent}
	}
	return []error{ErrInvalidEvent, e.Err}
}
