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
	"github.com/LeoCommon/rtt-drone/internal/position"
	"github.com/LeoCommon/rtt-drone/pkg/file"
	"github.com/LeoCommon/rtt-drone/pkg/geo"
)

var csvHeader = []string{
	"Run", "Timestamp", "Frequency", "Amplitude", "SNR",
	"Easting", "Northing", "Zone", "Altitude", "Heading", "EPSG Code",
}

// CSVName returns the log file name of a run opened at t
func CSVName(run detector.RunID, t time.Time) string {
	return fmt.Sprintf("ping_log_%s_run%s.csv", t.UTC().Format("20060102_150405"), run)
}

type csvSink struct {
	f *os.File
	w *csv.Writer
}

func openCSV(path string) (*csvSink, error) {
	f, err := file.OpenAppendP(path, 0750)
	if err != nil {
		return nil, err
	}

	s := &csvSink{f: f, w: csv.NewWriter(f)}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	// Reopened logs already carry the header
	if st.Size() == 0 {
		if err = s.w.Write(csvHeader); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	return s, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func (s *csvSink) Write(rec detector.Record) error {
	row := []string{
		rec.Run.String(),
		rec.Time.UTC().Format(time.RFC3339Nano),
		strconv.FormatInt(rec.Frequency, 10),
		formatFloat(rec.Amplitude),
		formatFloat(rec.SNR),
		"", "", "", "", "", "",
	}

	if p := rec.Position; p != nil {
		row[5] = formatFloat(p.Easting)
		row[6] = formatFloat(p.Northing)
		row[7] = p.Zone
		row[8] = formatFloat(p.Altitude)
		row[9] = formatFloat(p.Heading)
		row[10] = strconv.Itoa(p.EPSG)
	}

	return s.w.Write(row)
}

func (s *csvSink) Flush() error {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return err
	}
	return s.f.Sync()
}

func (s *csvSink) Close() error {
	return errors.Join(s.Flush(), s.f.Close())
}

// ReadCSV parses a ping log back into records
func ReadCSV(path string) ([]detector.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(csvHeader)

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	for i, name := range csvHeader {
		if header[i] != name {
			return nil, fmt.Errorf("unexpected column %q, expected %q", header[i], name)
		}
	}

	var records []detector.Record
	for line := 2; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, err
		}

		rec, err := parseRow(row)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
}

func parseRow(row []string) (rec detector.Record, err error) {
	if rec.Run, err = detector.ParseRunID(row[0]); err != nil {
		return
	}
	if rec.Time, err = time.Parse(time.RFC3339Nano, row[1]); err != nil {
		return
	}
	if rec.Frequency, err = strconv.ParseInt(row[2], 10, 64); err != nil {
		return
	}
	if rec.Amplitude, err = strconv.ParseFloat(row[3], 64); err != nil {
		return
	}
	if rec.SNR, err = strconv.ParseFloat(row[4], 64); err != nil {
		return
	}

	if row[5] == "" {
		return rec, nil
	}

	p := &position.Projected{UTM: geo.UTM{Zone: row[7]}}
	if p.Easting, err = strconv.ParseFloat(row[5], 64); err != nil {
		return
	}
	if p.Northing, err = strconv.ParseFloat(row[6], 64); err != nil {
		return
	}
	if p.Altitude, err = strconv.ParseFloat(row[8], 64); err != nil {
		return
	}
	if p.Heading, err = strconv.ParseFloat(row[9], 64); err != nil {
		return
	}
	if p.EPSG, err = strconv.Atoi(row[10]); err != nil {
		return
	}

	rec.Position = p
	return rec, nil
}
