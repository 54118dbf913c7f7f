package misc

import (
	"fmt"
	"time"
)

// TimedOutError Generic error for timeouts
type TimedOutError struct {
	msg   string
	after time.Duration
}

func (t *TimedOutError) Error() string {
	return fmt.Sprintf("%s after %s", t.msg, t.after)
}

func (t *TimedOutError) Is(e error) bool {
	_, ok := e.(*TimedOutError)
	return ok
}

// After returns the duration that was waited before giving up
func (t *TimedOutError) After() time.Duration {
	return t.after
}

func NewTimedOutError(msg string, after time.Duration) error {
	return &TimedOutError{msg, after}
}

// ClosedError is returned by components that were used after Close
type ClosedError struct {
	what string
}

func (c *ClosedError) Error() string {
	return c.what + " is closed"
}

func (c *ClosedError) Is(e error) bool {
	_, ok := e.(*ClosedError)
	return ok
}

func NewClosedError(what string) error {
	return &ClosedError{what}
}
