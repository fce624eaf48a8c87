package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/seabus0316/geofs-flightradar/internal/track"
	"github.com/seabus0316/geofs-flightradar/pkg/logger"
	_ "modernc.org/sqlite"
)

// TrackStorage is a SQLite-based durable store for track points
type TrackStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewTrackStorage opens (creating if needed) the SQLite database at dbPath
func NewTrackStorage(dbPath string, log *logger.Logger) (*TrackStorage, error) {
	storageLogger := log.Named("sqlite")

	storageLogger.Info("Initializing SQLite storage",
		logger.String("path", dbPath))

	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode=WAL", "journal mode"},
		{"PRAGMA synchronous=NORMAL", "synchronous mode"},
		{"PRAGMA busy_timeout=5000", "busy timeout"},
		{"PRAGMA cache_size=10000", "cache size"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %s: %w", p.what, err)
		}
	}

	if err := initDatabase(db, storageLogger); err != nil {
		db.Close()
		return nil, err
	}

	return &TrackStorage{
		db:     db,
		logger: storageLogger,
	}, nil
}

// Close closes the database connection
func (s *TrackStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// initDatabase initializes the database schema
func initDatabase(db *sql.DB, log *logger.Logger) error {
	log.Info("Initializing database schema")

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS track_points (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			aircraft_id TEXT NOT NULL,
			lat REAL NOT NULL,
			lon REAL NOT NULL,
			alt INTEGER,
			spd INTEGER,
			hdg INTEGER,
			ts INTEGER NOT NULL     -- Unix milliseconds, UTC
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create track_points table: %w", err)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_track_points_aircraft ON track_points(aircraft_id)`,
		`CREATE INDEX IF NOT EXISTS idx_track_points_ts ON track_points(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_track_points_aircraft_ts ON track_points(aircraft_id, ts)`,
	}
	for _, stmt := range indexes {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create track_points index: %w", err)
		}
	}

	return nil
}

// AppendPoints inserts a batch of points in a single transaction
func (s *TrackStorage) AppendPoints(ctx context.Context, records []track.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO track_points (aircraft_id, lat, lon, alt, spd, hdg, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare track point insert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		_, err := stmt.ExecContext(ctx,
			r.AircraftID,
			r.Lat,
			r.Lon,
			r.Altitude,
			r.Speed,
			r.Heading,
			r.Timestamp.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert track point for %s: %w", r.AircraftID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit track points batch: %w", err)
	}

	s.logger.Debug("Inserted track points batch",
		logger.Int("count", len(records)))

	return nil
}

// LoadSince returns all points newer than since, ordered by aircraft then time
func (s *TrackStorage) LoadSince(ctx context.Context, since time.Time) ([]track.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT aircraft_id, lat, lon, alt, spd, hdg, ts
		FROM track_points
		WHERE ts > ?
		ORDER BY aircraft_id, ts
	`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query track points: %w", err)
	}
	defer rows.Close()

	var records []track.Record
	for rows.Next() {
		var r track.Record
		var ts int64
		if err := rows.Scan(&r.AircraftID, &r.Lat, &r.Lon, &r.Altitude, &r.Speed, &r.Heading, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan track point: %w", err)
		}
		r.Timestamp = time.UnixMilli(ts).UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating track point rows: %w", err)
	}

	return records, nil
}

// QueryPoints returns one aircraft's points newer than since, ascending
func (s *TrackStorage) QueryPoints(ctx context.Context, aircraftID string, since time.Time) ([]track.Point, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT lat, lon, alt, spd, hdg, ts
		FROM track_points
		WHERE aircraft_id = ? AND ts > ?
		ORDER BY ts
	`, aircraftID, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query track for %s: %w", aircraftID, err)
	}
	defer rows.Close()

	points := []track.Point{}
	for rows.Next() {
		var p track.Point
		var ts int64
		if err := rows.Scan(&p.Lat, &p.Lon, &p.Altitude, &p.Speed, &p.Heading, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan track point: %w", err)
		}
		p.Timestamp = time.UnixMilli(ts).UTC()
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating track point rows: %w", err)
	}

	return points, nil
}

// DeleteBefore removes points older than cutoff and reports how many went
func (s *TrackStorage) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM track_points WHERE ts < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old track points: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted track points: %w", err)
	}
	return n, nil
}

// DeleteAircraft removes every point for one aircraft
func (s *TrackStorage) DeleteAircraft(ctx context.Context, aircraftID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM track_points WHERE aircraft_id = ?`, aircraftID); err != nil {
		return fmt.Errorf("failed to delete track for %s: %w", aircraftID, err)
	}
	return nil
}

// Count returns the number of stored points
func (s *TrackStorage) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM track_points`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count track points: %w", err)
	}
	return n, nil
}

var _ track.Storage = (*TrackStorage)(nil)
