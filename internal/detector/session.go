package detector

import "context"

// Session is one run of the external ping finder.
//
// Start launches the session and returns a channel that yields exactly one
// value once the session has ended: nil on a requested stop, the fault
// otherwise. No ping is sent after that value. Stop requests termination and
// blocks until the session ended, it is safe to call more than once.
type Session interface {
	Start(ctx context.Context, cfg Config, runDir string, pings chan<- Ping) (<-chan error, error)
	Stop()
}

// Factory creates a fresh session for every run
type Factory func(cfg Config) Session
