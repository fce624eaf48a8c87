package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/seabus0316/geofs-flightradar/internal/config"
	"github.com/seabus0316/geofs-flightradar/internal/track"
	"github.com/seabus0316/geofs-flightradar/pkg/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS track_points (
	id BIGSERIAL PRIMARY KEY,
	aircraft_id TEXT NOT NULL,
	lat DOUBLE PRECISION NOT NULL,
	lon DOUBLE PRECISION NOT NULL,
	alt INTEGER,
	spd INTEGER,
	hdg INTEGER,
	ts TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_track_points_aircraft ON track_points(aircraft_id);
CREATE INDEX IF NOT EXISTS idx_track_points_ts ON track_points(ts);
CREATE INDEX IF NOT EXISTS idx_track_points_aircraft_ts ON track_points(aircraft_id, ts);
`

// TrackStorage is a PostgreSQL-based durable store for track points
type TrackStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// ConnString builds a lib/pq connection string from the configuration.
// An explicit URL wins over the individual fields.
func ConnString(cfg config.PostgresConfig) string {
	if cfg.URL != "" {
		return cfg.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.Username,
		cfg.Password,
		cfg.Database,
		cfg.SSLMode,
	)
}

// Connect opens and pings the database, then ensures the schema exists
func Connect(ctx context.Context, cfg config.PostgresConfig, log *logger.Logger) (*TrackStorage, error) {
	storageLogger := log.Named("postgres")

	db, err := sql.Open("postgres", ConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	storageLogger.Info("Connected to PostgreSQL",
		logger.String("host", cfg.Host),
		logger.String("database", cfg.Database))

	return &TrackStorage{db: db, logger: storageLogger}, nil
}

// ConnectWithRetry attempts to connect with exponential backoff. A maxRetries
// of 0 retries until ctx is cancelled.
func ConnectWithRetry(ctx context.Context, cfg config.PostgresConfig, maxRetries int, initialDelay time.Duration, log *logger.Logger) (*TrackStorage, error) {
	delay := initialDelay
	attempt := 0

	for {
		attempt++

		s, err := Connect(ctx, cfg, log)
		if err == nil {
			return s, nil
		}

		if maxRetries > 0 && attempt >= maxRetries {
			return nil, fmt.Errorf("failed to connect after %d attempts: %w", attempt, err)
		}

		log.Warn("Database connection failed, retrying",
			logger.Int("attempt", attempt),
			logger.Duration("delay", delay),
			logger.Error(err))

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect cancelled: %w", ctx.Err())
		case <-time.After(delay):
		}

		delay *= 2
		if delay > 60*time.Second {
			delay = 60 * time.Second
		}
	}
}

// Close closes the database connection
func (s *TrackStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// AppendPoints bulk-loads a batch with COPY inside a transaction
func (s *TrackStorage) AppendPoints(ctx context.Context, records []track.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("track_points", "aircraft_id", "lat", "lon", "alt", "spd", "hdg", "ts"))
	if err != nil {
		return fmt.Errorf("failed to prepare copy statement: %w", err)
	}

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.AircraftID, r.Lat, r.Lon, r.Altitude, r.Speed, r.Heading, r.Timestamp.UTC()); err != nil {
			stmt.Close()
			return fmt.Errorf("failed to copy track point for %s: %w", r.AircraftID, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("failed to flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("failed to close copy statement: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit track points batch: %w", err)
	}
	return nil
}

// LoadSince returns all points newer than since, ordered by aircraft then time
func (s *TrackStorage) LoadSince(ctx context.Context, since time.Time) ([]track.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT aircraft_id, lat, lon, alt, spd, hdg, ts
		FROM track_points
		WHERE ts > $1
		ORDER BY aircraft_id, ts
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query track points: %w", err)
	}
	defer rows.Close()

	var records []track.Record
	for rows.Next() {
		var r track.Record
		if err := rows.Scan(&r.AircraftID, &r.Lat, &r.Lon, &r.Altitude, &r.Speed, &r.Heading, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan track point: %w", err)
		}
		r.Timestamp = r.Timestamp.UTC()
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
		WHERE aircraft_id = $1 AND ts > $2
		ORDER BY ts
	`, aircraftID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query track for %s: %w", aircraftID, err)
	}
	defer rows.Close()

	points := []track.Point{}
	for rows.Next() {
		var p track.Point
		if err := rows.Scan(&p.Lat, &p.Lon, &p.Altitude, &p.Speed, &p.Heading, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan track point: %w", err)
		}
		p.Timestamp = p.Timestamp.UTC()
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating track point rows: %w", err)
	}
	return points, nil
}

// DeleteBefore removes points older than cutoff and reports how many went
func (s *TrackStorage) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM track_points WHERE ts < $1`, cutoff.UTC())
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
	if _, err := s.db.ExecContext(ctx, `DELETE FROM track_points WHERE aircraft_id = $1`, aircraftID); err != nil {
		return fmt.Errorf("failed to delete track for %s: %w", aircraftID, err)
	}
	return nil
}

var _ track.Storage = (*TrackStorage)(nil)
