package detector

import "errors"

var (
	// ErrTooManyParseErrors is returned when the ping finder keeps producing garbage
	ErrTooManyParseErrors = errors.New("too many consecutive parse errors")

	ErrAlreadyStarted = errors.New("session already started")

	// ErrEndedUnexpectedly is the fault of a session that stopped without being asked to
	ErrEndedUnexpectedly = errors.New("detector session ended unexpectedly")
)

// NotFoundError is reported when the ping finder could not find its SDR
type NotFoundError struct {
	msg string
}

func (n *NotFoundError) Error() string {
	return n.msg
}

func (n *NotFoundError) Is(e error) bool {
	_, ok := e.(*NotFoundError)
	return ok
}

func NewNotFoundError(msg string) error {
	return &NotFoundError{msg}
}

// StuckError is reported when the SDR is claimed by something else
type StuckError struct {
	msg string
}

func (s *StuckError) Error() string {
	return s.msg
}

func (s *StuckError) Is(e error) bool {
	_, ok := e.(*StuckError)
	return ok
}

func NewStuckError(msg string) error {
	return &StuckError{msg}
}

// ProcessStuckError is returned when the ping finder ignored the termination request
type ProcessStuckError struct {
	PID int
}

func (p *ProcessStuckError) Error() string {
	return "ping finder process was stuck and had to be killed"
}

func (p *ProcessStuckError) Is(e error) bool {
	_, ok := e.(*ProcessStuckError)
	return ok
}
