package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/LeoCommon/rtt-drone/internal/detector"
	"github.com/LeoCommon/rtt-drone/internal/position"
	"github.com/LeoCommon/rtt-drone/pkg/geo"
	_ "github.com/mattn/go-sqlite3"
)

// IndexName is the SQLite mirror inside a run directory
const IndexName = "detections.db"

const (
	initIndexSQL = `
CREATE TABLE IF NOT EXISTS detections (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    run       TEXT    NOT NULL,
    timestamp TEXT    NOT NULL,
    frequency INTEGER NOT NULL,
    amplitude REAL    NOT NULL,
    snr       REAL    NOT NULL,
    easting   REAL,
    northing  REAL,
    zone      TEXT,
    altitude  REAL,
    heading   REAL,
    epsg      INTEGER
);
CREATE INDEX IF NOT EXISTS idx_detections_run ON detections (run, timestamp);`

	insertDetectionSQL = `
INSERT INTO detections (run,
                        timestamp,
                        frequency,
                        amplitude,
                        snr,
                        easting,
                        northing,
                        zone,
                        altitude,
                        heading,
                        epsg)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectDetectionsSQL = `
SELECT run,
       timestamp,
       frequency,
       amplitude,
       snr,
       easting,
       northing,
       zone,
       altitude,
       heading,
       epsg
FROM detections
ORDER BY id`

	checkpointSQL = `PRAGMA wal_checkpoint(PASSIVE)`
)

type indexSink struct {
	db     *sql.DB
	insert *sql.Stmt
}

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func openIndex(path string) (*indexSink, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", path, "_journal_mode=WAL&_synchronous=FULL"))
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	// One writer, the controller goroutine
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(initIndexSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	stmt, err := db.Prepare(insertDetectionSQL)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("preparing statement: %w", err)
	}

	return &indexSink{db: db, insert: stmt}, nil
}

func (s *indexSink) Write(rec detector.Record) error {
	var (
		easting, northing, altitude, heading sql.NullFloat64
		zone                                 sql.NullString
		epsg                                 sql.NullInt64
	)

	if p := rec.Position; p != nil {
		easting = sql.NullFloat64{Float64: p.Easting, Valid: true}
		northing = sql.NullFloat64{Float64: p.Northing, Valid: true}
		zone = sql.NullString{String: p.Zone, Valid: true}
		altitude = sql.NullFloat64{Float64: p.Altitude, Valid: true}
		heading = sql.NullFloat64{Float64: p.Heading, Valid: true}
		epsg = sql.NullInt64{Int64: int64(p.EPSG), Valid: true}
	}

	_, err := s.insert.Exec(rec.Run.String(), rec.Time.UTC().Format(time.RFC3339Nano), rec.Frequency, rec.Amplitude, rec.SNR,
		easting, northing, zone, altitude, heading, epsg)
	if err != nil {
		return fmt.Errorf("inserting detection: %w", err)
	}
	return nil
}

func (s *indexSink) Flush() error {
	_, err := s.db.Exec(checkpointSQL)
	return err
}

func (s *indexSink) Close() (err error) {
	defer closeWithError(s.db, &err)
	defer closeWithError(s.insert, &err)
	return s.Flush()
}

// ReadIndex returns every record stored in a run index in insertion order
func ReadIndex(ctx context.Context, path string) (records []detector.Record, err error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", path, "mode=ro"))
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	defer closeWithError(db, &err)

	rows, err := db.QueryContext(ctx, selectDetectionsSQL)
	if err != nil {
		return nil, fmt.Errorf("querying detections: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var (
			rec                                  detector.Record
			run, ts                              string
			easting, northing, altitude, heading sql.NullFloat64
			zone                                 sql.NullString
			epsg                                 sql.NullInt64
		)

		if err = rows.Scan(&run, &ts, &rec.Frequency, &rec.Amplitude, &rec.SNR,
			&easting, &northing, &zone, &altitude, &heading, &epsg); err != nil {
			return nil, fmt.Errorf("scanning detection: %w", err)
		}

		if rec.Run, err = detector.ParseRunID(run); err != nil {
			return nil, err
		}
		if rec.Time, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, err
		}

		if easting.Valid {
			rec.Position = &position.Projected{
				UTM: geo.UTM{
					Easting:  easting.Float64,
					Northing: northing.Float64,
					Zone:     zone.String,
					EPSG:     int(epsg.Int64),
				},
				Altitude: altitude.Float64,
				Heading:  heading.Float64,
			}
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}
