package recorder

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/LeoCommon/rtt-drone/internal/detector"
	"github.com/LeoCommon/rtt-drone/internal/estimator"
	"github.com/LeoCommon/rtt-drone/pkg/file"
)

var estimateHeader = []string{
	"Run", "Timestamp", "Frequency", "Easting", "Northing", "Zone", "EPSG Code", "Pings",
}

// EstimateName returns the location estimation log of a run opened at t
func EstimateName(run detector.RunID, t time.Time) string {
	return fmt.Sprintf("location_estimation_log_%s_run%s.csv", t.UTC().Format("20060102_150405"), run)
}

type estimateSink struct {
	f *os.File
	w *csv.Writer
}

func openEstimates(path string) (*estimateSink, error) {
	f, err := file.OpenAppendP(path, 0750)
	if err != nil {
		return nil, err
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	s := &estimateSink{f: f, w: csv.NewWriter(f)}
	if st.Size() == 0 {
		if err = s.w.Write(estimateHeader); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *estimateSink) Write(est estimator.Estimate) error {
	return s.w.Write([]string{
		est.Run.String(),
		est.Time.UTC().Format(time.RFC3339Nano),
		strconv.FormatInt(est.Frequency, 10),
		formatFloat(est.Easting),
		formatFloat(est.Northing),
		est.Zone,
		strconv.Itoa(est.EPSG),
		strconv.Itoa(est.Pings),
	})
}

func (s *estimateSink) Flush() error {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return err
	}
	return s.f.Sync()
}

func (s *estimateSink) Close() error {
	return errors.Join(s.Flush(), s.f.Close())
}

// ReadEstimates parses a location estimation log
func ReadEstimates(path string) ([]estimator.Estimate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(estimateHeader)

	if _, err = r.Read(); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	var out []estimator.Estimate
	for line := 2; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}

		est, err := parseEstimate(row)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, est)
	}
}

func parseEstimate(row []string) (est estimator.Estimate, err error) {
	if est.Run, err = detector.ParseRunID(row[0]); err != nil {
		return
	}
	if est.Time, err = time.Parse(time.RFC3339Nano, row[1]); err != nil {
		return
	}
	if est.Frequency, err = strconv.ParseInt(row[2], 10, 64); err != nil {
		return
	}
	if est.Easting, err = strconv.ParseFloat(row[3], 64); err != nil {
		return
	}
	if est.Northing, err = strconv.ParseFloat(row[4], 64); err != nil {
		return
	}
	est.Zone = row[5]
	if est.EPSG, err = strconv.Atoi(row[6]); err != nil {
		return
	}
	est.Pings, err = strconv.Atoi(row[7])
	return
}
