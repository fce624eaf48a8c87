package track

import (
	"context"
	"time"
)

// Point is one historical position sample. Points are immutable once created.
type Point struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Altitude  int       `json:"alt"` // Feet; AGL when the producer supplied it, otherwise MSL
	Speed     int       `json:"spd"` // Knots
	Heading   int       `json:"hdg"` // Degrees
	Timestamp time.Time `json:"ts"`
}

// Record is a point tagged with the aircraft it belongs to, as persisted
type Record struct {
	AircraftID string
	Point
}

// Storage is the durable collaborator behind the track store. Each call must
// be atomic on its own; no cross-call transactions are assumed.
type Storage interface {
	// AppendPoints persists a batch of points
	AppendPoints(ctx context.Context, records []Record) error
	// LoadSince returns every point newer than since, ordered by aircraft and timestamp
	LoadSince(ctx context.Context, since time.Time) ([]Record, error)
	// QueryPoints returns one aircraft's points newer than since, ascending
	QueryPoints(ctx context.Context, aircraftID string, since time.Time) ([]Point, error)
	// DeleteBefore removes points older than cutoff across all aircraft
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// DeleteAircraft removes all points for one aircraft
	DeleteAircraft(ctx context.Context, aircraftID string) error
}

// Stats summarizes the store for health reporting
type Stats struct {
	Aircraft      int    `json:"aircraft"`
	Points        int    `json:"points"`
	PendingWrites int    `json:"pending_writes"`
	DroppedWrites uint64 `json:"dropped_writes"`
	FailedWrites  uint64 `json:"failed_writes"`
}
