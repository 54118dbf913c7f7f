// Package estimator locates transmitters from the positioned pings of a run.
package estimator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LeoCommon/rtt-drone/internal/detector"
	"github.com/LeoCommon/rtt-drone/pkg/geo"
)

const DefaultMinPings = 3

// Estimate is the location of the transmitter on Frequency after Pings detections
type Estimate struct {
	Run       detector.RunID
	Time      time.Time
	Frequency int64
	geo.UTM
	Pings int
}

func (e Estimate) String() string {
	return fmt.Sprintf("%d Hz at %.1fE %.1fN %s (%d pings)", e.Frequency, e.Easting, e.Northing, e.Zone, e.Pings)
}

// Estimator is fed every detection of the active run
type Estimator interface {
	// Add returns the updated estimate of the ping frequency, false while there is none
	Add(rec detector.Record) (Estimate, bool)
	// Estimates returns the latest estimate of every frequency
	Estimates() []Estimate
	// Reset forgets all pings, called when a new run starts
	Reset()
}

type track struct {
	run        detector.RunID
	zone       string
	epsg       int
	weight     float64
	east, nrth float64
	pings      int
	last       time.Time
}

func (t *track) estimate(freq int64) Estimate {
	return Estimate{
		Run:       t.run,
		Time:      t.last,
		Frequency: freq,
		UTM: geo.UTM{
			Easting:  t.east / t.weight,
			Northing: t.nrth / t.weight,
			Zone:     t.zone,
			EPSG:     t.epsg,
		},
		Pings: t.pings,
	}
}

// Centroid places a transmitter at the amplitude weighted centroid of the
// positions its pings were heard at.
type Centroid struct {
	minPings int

	mu     sync.Mutex
	tracks map[int64]*track
}

func NewCentroid(minPings int) *Centroid {
	if minPings <= 0 {
		minPings = DefaultMinPings
	}
	return &Centroid{
		minPings: minPings,
		tracks:   make(map[int64]*track),
	}
}

func (c *Centroid) Add(rec detector.Record) (Estimate, bool) {
	p := rec.Position
	if p == nil || rec.Amplitude <= 0 {
		return Estimate{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tracks[rec.Frequency]
	// Positions of different projections can not be averaged
	if !ok || t.epsg != p.EPSG || t.run != rec.Run {
		t = &track{run: rec.Run, zone: p.Zone, epsg: p.EPSG}
		c.tracks[rec.Frequency] = t
	}

	t.weight += rec.Amplitude
	t.east += rec.Amplitude * p.Easting
	t.nrth += rec.Amplitude * p.Northing
	t.pings++
	if rec.Time.After(t.last) {
		t.last = rec.Time
	}

	if t.pings < c.minPings {
		return Estimate{}, false
	}
	return t.estimate(rec.Frequency), true
}

func (c *Centroid) Estimates() []Estimate {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Estimate
	for freq, t := range c.tracks {
		if t.pings >= c.minPings {
			out = append(out, t.estimate(freq))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Frequency < out[j].Frequency })
	return out
}

func (c *Centroid) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = make(map[int64]*track)
}
