package track

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/seabus0316/geofs-flightradar/pkg/logger"
)

const (
	historyCacheTTL = 2 * time.Second
	backfillTimeout = 2 * time.Second
)

// Options configures a Store
type Options struct {
	Budget               Budget
	MaxStoredPerAircraft int // Drop-oldest cap per aircraft, 0 disables
	WriteQueueSize       int
	WriteBatchSize       int
	CacheSize            int
	Retry                RetryConfig
}

// DefaultOptions returns the store defaults
func DefaultOptions() Options {
	return Options{
		Budget:               DefaultBudget(),
		MaxStoredPerAircraft: 100000,
		WriteQueueSize:       8192,
		WriteBatchSize:       256,
		CacheSize:            512,
		Retry:                DefaultRetryConfig(),
	}
}

type cachedHistory struct {
	version    uint64
	window     time.Duration
	computedAt time.Time
	points     []Point
}

// Store keeps per-aircraft trajectories in memory and mirrors them to a
// durable Storage through a single background writer. Memory is the source of
// truth for reads; storage is read back by Restore and, for tracks trimmed by
// the per-aircraft cap, by History.
type Store struct {
	mu       sync.RWMutex
	tracks   map[string][]Point
	versions map[string]uint64
	trimmed  map[string]bool // Aircraft whose oldest points were dropped from memory
	seq      uint64

	cache   *lru.Cache[string, cachedHistory]
	storage Storage
	opts    Options
	logger  *logger.Logger
	now     func() time.Time

	writes   chan writeOp
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	running  atomic.Bool

	droppedWrites atomic.Uint64
	failedWrites  atomic.Uint64
}

// NewStore creates a track store. storage may be nil for a memory-only store.
func NewStore(storage Storage, opts Options, log *logger.Logger) (*Store, error) {
	return NewStoreWithClock(storage, opts, log, time.Now)
}

// NewStoreWithClock creates a track store with an injectable clock
func NewStoreWithClock(storage Storage, opts Options, log *logger.Logger, now func() time.Time) (*Store, error) {
	defaults := DefaultOptions()
	if opts.Budget.Max <= 0 {
		opts.Budget = defaults.Budget
	}
	if opts.WriteQueueSize <= 0 {
		opts.WriteQueueSize = defaults.WriteQueueSize
	}
	if opts.WriteBatchSize <= 0 {
		opts.WriteBatchSize = defaults.WriteBatchSize
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaults.CacheSize
	}
	if opts.Retry.Multiplier <= 0 {
		opts.Retry = defaults.Retry
	}

	cache, err := lru.New[string, cachedHistory](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create history cache: %w", err)
	}

	return &Store{
		tracks:   make(map[string][]Point),
		versions: make(map[string]uint64),
		trimmed:  make(map[string]bool),
		cache:    cache,
		storage:  storage,
		opts:     opts,
		logger:   log.Named("tracks"),
		now:      now,
		writes:   make(chan writeOp, opts.WriteQueueSize),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Append records a point for an aircraft. The in-memory history stays sorted
// even if points arrive out of order. Persistence is asynchronous and never
// blocks the caller.
func (s *Store) Append(aircraftID string, p Point) {
	if aircraftID == "" {
		return
	}
	p.Timestamp = p.Timestamp.UTC()

	s.mu.Lock()
	s.tracks[aircraftID] = s.insertLocked(aircraftID, s.tracks[aircraftID], p)
	s.bumpLocked(aircraftID)
	s.mu.Unlock()

	s.enqueue(writeOp{kind: opAppend, record: Record{AircraftID: aircraftID, Point: p}})
}

func (s *Store) insertLocked(aircraftID string, pts []Point, p Point) []Point {
	n := len(pts)
	if n == 0 || !p.Timestamp.Before(pts[n-1].Timestamp) {
		pts = append(pts, p)
	} else {
		i := sort.Search(n, func(i int) bool { return pts[i].Timestamp.After(p.Timestamp) })
		pts = append(pts, Point{})
		copy(pts[i+1:], pts[i:])
		pts[i] = p
	}

	// Trim in chunks so the cap does not cost a copy on every append.
	max := s.opts.MaxStoredPerAircraft
	if max > 0 && len(pts) > max+max/10 {
		trimmed := make([]Point, max, max+max/10+1)
		copy(trimmed, pts[len(pts)-max:])
		pts = trimmed
		s.trimmed[aircraftID] = true
	}
	return pts
}

func (s *Store) bumpLocked(aircraftID string) {
	s.seq++
	s.versions[aircraftID] = s.seq
}

// History returns an aircraft's points from the last window, ascending and
// simplified to the point budget for their span. A non-positive window
// returns everything retained. When memory no longer holds the start of the
// window, the missing prefix is read from storage.
func (s *Store) History(aircraftID string, window time.Duration) []Point {
	now := s.now()

	s.mu.RLock()
	version, ok := s.versions[aircraftID]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	if cached, hit := s.cache.Get(aircraftID); hit && cached.version == version &&
		cached.window == window && now.Sub(cached.computedAt) < historyCacheTTL {
		s.mu.RUnlock()
		return clonePoints(cached.points)
	}

	pts := s.tracks[aircraftID]
	trimmed := s.trimmed[aircraftID]
	start := 0
	var cutoff time.Time
	if window > 0 {
		cutoff = now.Add(-window)
		start = sort.Search(len(pts), func(i int) bool { return !pts[i].Timestamp.Before(cutoff) })
	}
	filtered := clonePoints(pts[start:])
	s.mu.RUnlock()

	if trimmed && start == 0 && s.storage != nil {
		filtered = s.backfill(aircraftID, cutoff, filtered)
	}

	if len(filtered) == 0 {
		return nil
	}

	span := filtered[len(filtered)-1].Timestamp.Sub(filtered[0].Timestamp)
	simplified := Simplify(filtered, PointBudget(span, s.opts.Budget))

	s.cache.Add(aircraftID, cachedHistory{
		version:    version,
		window:     window,
		computedAt: now,
		points:     simplified,
	})
	return clonePoints(simplified)
}

// backfill prepends stored points older than the oldest in-memory point.
// Storage errors leave the in-memory history as is.
func (s *Store) backfill(aircraftID string, since time.Time, mem []Point) []Point {
	if len(mem) == 0 {
		return mem
	}

	ctx, cancel := context.WithTimeout(context.Background(), backfillTimeout)
	defer cancel()

	// QueryPoints is exclusive of since; the window includes its cutoff.
	if !since.IsZero() {
		since = since.Add(-time.Millisecond)
	}
	stored, err := s.storage.QueryPoints(ctx, aircraftID, since)
	if err != nil {
		s.logger.Warn("Failed to backfill track from storage",
			logger.String("aircraft_id", aircraftID),
			logger.Error(err))
		return mem
	}

	oldest := mem[0].Timestamp
	n := sort.Search(len(stored), func(i int) bool { return !stored[i].Timestamp.Before(oldest) })
	if n == 0 {
		return mem
	}

	out := make([]Point, 0, n+len(mem))
	out = append(out, stored[:n]...)
	return append(out, mem...)
}

// Len returns the number of retained points for an aircraft
func (s *Store) Len(aircraftID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracks[aircraftID])
}

// IDs returns aircraft with at least one retained point, sorted
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.tracks))
	for id := range s.tracks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clear drops an aircraft's history from memory and schedules the storage delete
// behind any pending appends for it
func (s *Store) Clear(aircraftID string) {
	s.mu.Lock()
	_, existed := s.tracks[aircraftID]
	delete(s.tracks, aircraftID)
	delete(s.versions, aircraftID)
	delete(s.trimmed, aircraftID)
	s.mu.Unlock()
	s.cache.Remove(aircraftID)

	if existed {
		s.logger.Debug("Cleared track", logger.String("aircraft_id", aircraftID))
	}
	s.enqueue(writeOp{kind: opClear, aircraftID: aircraftID})
}

// Prune removes points older than olderThan from memory and storage.
// Aircraft left without points are forgotten.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) error {
	removed := 0
	emptied := 0

	s.mu.Lock()
	for id, pts := range s.tracks {
		i := sort.Search(len(pts), func(i int) bool { return !pts[i].Timestamp.Before(olderThan) })
		if i == 0 {
			continue
		}
		removed += i
		if i == len(pts) {
			delete(s.tracks, id)
			delete(s.versions, id)
			delete(s.trimmed, id)
			emptied++
		} else {
			s.tracks[id] = clonePoints(pts[i:])
			s.bumpLocked(id)
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.cache.Purge()
	}

	s.logger.Info("Pruned in-memory tracks",
		logger.Int("points_removed", removed),
		logger.Int("aircraft_emptied", emptied),
		logger.Time("cutoff", olderThan))

	if s.storage == nil {
		return nil
	}

	deleted, err := s.storage.DeleteBefore(ctx, olderThan)
	if err != nil {
		return fmt.Errorf("failed to prune stored points: %w", err)
	}
	s.logger.Info("Pruned stored tracks", logger.Int64("rows_deleted", deleted))
	return nil
}

// Restore loads points newer than since from storage into memory. It is meant
// to run once at startup before producers connect.
func (s *Store) Restore(ctx context.Context, since time.Time) error {
	if s.storage == nil {
		return nil
	}

	records, err := s.storage.LoadSince(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to load stored tracks: %w", err)
	}

	s.mu.Lock()
	for _, r := range records {
		r.Timestamp = r.Timestamp.UTC()
		s.tracks[r.AircraftID] = s.insertLocked(r.AircraftID, s.tracks[r.AircraftID], r.Point)
		s.bumpLocked(r.AircraftID)
	}
	aircraft := len(s.tracks)
	s.mu.Unlock()

	s.logger.Info("Restored tracks from storage",
		logger.Int("points", len(records)),
		logger.Int("aircraft", aircraft),
		logger.Time("since", since))
	return nil
}

// Stats returns counters for health reporting
func (s *Store) Stats() Stats {
	s.mu.RLock()
	points := 0
	for _, pts := range s.tracks {
		points += len(pts)
	}
	aircraft := len(s.tracks)
	s.mu.RUnlock()

	return Stats{
		Aircraft:      aircraft,
		Points:        points,
		PendingWrites: len(s.writes),
		DroppedWrites: s.droppedWrites.Load(),
		FailedWrites:  s.failedWrites.Load(),
	}
}

func clonePoints(pts []Point) []Point {
	if len(pts) == 0 {
		return nil
	}
	out := make([]Point, len(pts))
	copy(out, pts)
	return out
}
