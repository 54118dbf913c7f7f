package position

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/LeoCommon/rtt-drone/pkg/log"
	"github.com/adrianmo/go-nmea"
	"go.uber.org/zap"
)

// nmeaAssembler merges GGA (position, altitude, quality) and RMC (course, date)
// sentences and produces one fix per GGA sentence
type nmeaAssembler struct {
	now     func() time.Time
	heading float64
	date    nmea.Date
}

func newNMEAAssembler() *nmeaAssembler {
	return &nmeaAssembler{now: time.Now}
}

func sentenceType(line string) string {
	// $GPGGA,... / $GNRMC,...
	if len(line) < 7 || line[0] != '$' || line[6] != ',' {
		return ""
	}
	return line[3:6]
}

// Feed consumes one line, it returns a sample for every GGA sentence and nil otherwise
func (a *nmeaAssembler) Feed(line string) *Sample {
	line = strings.TrimSpace(line)

	typ := sentenceType(line)
	if typ != nmea.TypeGGA && typ != nmea.TypeRMC {
		return nil
	}

	s, err := nmea.Parse(line)
	if err != nil {
		return &Sample{Err: err}
	}

	switch m := s.(type) {
	case nmea.RMC:
		if m.Date.Valid {
			a.date = m.Date
		}
		if m.Validity == nmea.ValidRMC {
			a.heading = m.Course
		}
		return nil

	case nmea.GGA:
		fix := &Fix{
			Time:      a.timestamp(m.Time),
			Latitude:  m.Latitude,
			Longitude: m.Longitude,
			Altitude:  m.Altitude,
			Heading:   a.heading,
		}

		quality, err := strconv.Atoi(m.FixQuality)
		if err == nil {
			fix.Quality = quality
		}
		fix.Valid = fix.Quality > 0
		return &Sample{Fix: fix}
	}

	return nil
}

func (a *nmeaAssembler) timestamp(t nmea.Time) time.Time {
	if !t.Valid || !a.date.Valid {
		return a.now().UTC()
	}

	return time.Date(2000+a.date.YY, time.Month(a.date.MM), a.date.DD,
		t.Hour, t.Minute, t.Second, t.Millisecond*int(time.Millisecond), time.UTC)
}

// streamNMEA reads lines from r until it fails or ctx is cancelled and emits samples
func streamNMEA(ctx context.Context, r io.Reader, out chan<- Sample, name string) {
	asm := newNMEAAssembler()
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		s := asm.Feed(scanner.Text())
		if s == nil {
			continue
		}

		if !send(ctx, out, *s) {
			return
		}
	}

	err := scanner.Err()
	if ctx.Err() != nil {
		return
	}

	if err == nil {
		err = io.ErrUnexpectedEOF
	}

	if !errors.Is(err, io.EOF) {
		log.Error("nmea stream terminated", zap.String("source", name), zap.Error(err))
	}
	send(ctx, out, Sample{Err: err})
}
