// Package position turns a GPS receiver into a stream of fixes and keeps
// track of the most recent one.
package position

import (
	"context"
	"fmt"
	"time"

	"github.com/LeoCommon/rtt-drone/pkg/geo"
)

// Fix is a single position sample. A Fix with Valid == false is a NoFix.
type Fix struct {
	Time      time.Time
	Latitude  float64
	Longitude float64
	// Altitude above mean sea level in meters
	Altitude float64
	// Heading is the course over ground in degrees, 0 if unknown
	Heading float64
	// Quality is the receiver fix quality indicator, 0 means no fix
	Quality int
	Valid   bool
}

func (f Fix) String() string {
	return fmt.Sprintf("Fix(%s) valid: %v - lat: %f lon: %f alt: %f heading: %f",
		f.Time.Format(time.RFC3339), f.Valid, f.Latitude, f.Longitude, f.Altitude, f.Heading)
}

// Sample is one element of a position source stream, either a fix or a read error
type Sample struct {
	Fix *Fix
	Err error
}

// Projected is a fix converted to planar grid coordinates
type Projected struct {
	geo.UTM
	Altitude float64
	Heading  float64
}

// Source produces an unbounded stream of samples until ctx is cancelled or
// Close is called. Samples may only be called once.
type Source interface {
	Samples(ctx context.Context) (<-chan Sample, error)
	Close() error
	String() string
}

// State of the tracker as observed by its consumers
type State int

const (
	StateInitializing State = iota
	StateWaiting
	StateRunning
	StateError
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateWaiting:
		return "waiting"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

// send delivers a sample unless ctx is done
func send(ctx context.Context, out chan<- Sample, s Sample) bool {
	select {
	case out <- s:
		return true
	case <-ctx.Done():
		return false
	}
}
