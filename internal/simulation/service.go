package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/seabus0316/geofs-flightradar/internal/aircraft"
	"github.com/seabus0316/geofs-flightradar/internal/physics"
	"github.com/seabus0316/geofs-flightradar/internal/relay"
	"github.com/seabus0316/geofs-flightradar/pkg/logger"
)

// IDPrefix marks simulated aircraft ids so they never collide with players
const IDPrefix = "sim:"

var (
	// ErrLimitReached is returned when the simulated fleet is full
	ErrLimitReached = errors.New("maximum number of simulated aircraft reached")
	// ErrNotFound is returned for an unknown simulated aircraft id
	ErrNotFound = errors.New("simulated aircraft not found")
	// ErrInvalidControls is returned for out-of-range flight controls
	ErrInvalidControls = errors.New("invalid simulation controls")
)

// Reporter receives simulated positions the way a player's reports arrive
type Reporter interface {
	SubmitPosition(raw json.RawMessage, session relay.Session) (aircraft.State, error)
	ClearAircraft(id, reason string) bool
}

// Options configures the simulated traffic source
type Options struct {
	MaxAircraft    int
	UpdateInterval time.Duration
}

// DefaultOptions returns the defaults used by the server
func DefaultOptions() Options {
	return Options{
		MaxAircraft:    10,
		UpdateInterval: time.Second,
	}
}

// Controls are the pilot inputs of a simulated aircraft
type Controls struct {
	Heading      float64 `json:"heading"`       // degrees true
	Speed        float64 `json:"speed"`         // knots
	VerticalRate float64 `json:"vertical_rate"` // feet per minute
}

// Validate checks controls against the ranges a light jet can fly
func (c Controls) Validate() error {
	switch {
	case c.Heading < 0 || c.Heading >= 360:
		return fmt.Errorf("%w: heading must be 0-359", ErrInvalidControls)
	case c.Speed < 0 || c.Speed > 500:
		return fmt.Errorf("%w: speed must be 0-500 knots", ErrInvalidControls)
	case c.VerticalRate < -3000 || c.VerticalRate > 3000:
		return fmt.Errorf("%w: vertical rate must be -3000 to 3000 fpm", ErrInvalidControls)
	}
	return nil
}

// SimulatedAircraft is one aircraft flown by dead reckoning
type SimulatedAircraft struct {
	ID           string    `json:"aircraftId"`
	Callsign     string    `json:"callsign"`
	AircraftType string    `json:"type"`
	Lat          float64   `json:"lat"`
	Lon          float64   `json:"lon"`
	Altitude     float64   `json:"altMSL"`
	Controls     Controls  `json:"controls"`
	LastUpdate   time.Time `json:"lastUpdate"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Service flies simulated aircraft and reports them into the relay, so the
// radar can be exercised without live players.
type Service struct {
	aircraft map[string]*SimulatedAircraft
	mutex    sync.RWMutex
	// reportMu is held from reading the fleet until its reports are submitted,
	// and around removals, so a removed aircraft is never reported again
	reportMu sync.Mutex
	reporter Reporter
	opts     Options
	rand     *rand.Rand
	now      func() time.Time
	logger   *logger.Logger
}

// NewService creates a new simulation service
func NewService(reporter Reporter, opts Options, log *logger.Logger) *Service {
	return NewServiceWithClock(reporter, opts, log, time.Now)
}

// NewServiceWithClock creates a simulation service with an injected clock
func NewServiceWithClock(reporter Reporter, opts Options, log *logger.Logger, now func() time.Time) *Service {
	defaults := DefaultOptions()
	if opts.MaxAircraft <= 0 {
		opts.MaxAircraft = defaults.MaxAircraft
	}
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = defaults.UpdateInterval
	}
	return &Service{
		aircraft: make(map[string]*SimulatedAircraft),
		reporter: reporter,
		opts:     opts,
		rand:     rand.New(rand.NewSource(now().UnixNano())),
		now:      now,
		logger:   log.Named("simulation"),
	}
}

// CreateAircraft spawns an aircraft and reports its first position at once
func (s *Service) CreateAircraft(lat, lon, altitude float64, controls Controls) (SimulatedAircraft, error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return SimulatedAircraft{}, fmt.Errorf("%w: coordinates out of range", ErrInvalidControls)
	}
	if altitude < 0 || altitude > 60000 {
		return SimulatedAircraft{}, fmt.Errorf("%w: altitude must be 0-60000 ft", ErrInvalidControls)
	}
	if err := controls.Validate(); err != nil {
		return SimulatedAircraft{}, err
	}

	s.reportMu.Lock()
	defer s.reportMu.Unlock()

	s.mutex.Lock()
	if len(s.aircraft) >= s.opts.MaxAircraft {
		s.mutex.Unlock()
		return SimulatedAircraft{}, fmt.Errorf("%w (%d)", ErrLimitReached, s.opts.MaxAircraft)
	}

	now := s.now().UTC()
	a := &SimulatedAircraft{
		ID:           s.generateUniqueID(),
		Callsign:     fmt.Sprintf("SIM%03d", s.rand.Intn(999)+1),
		AircraftType: "SIM",
		Lat:          lat,
		Lon:          lon,
		Altitude:     altitude,
		Controls:     controls,
		LastUpdate:   now,
		CreatedAt:    now,
	}
	s.aircraft[a.ID] = a
	created := *a
	s.mutex.Unlock()

	s.logger.Info("Created simulated aircraft",
		logger.String("aircraft_id", created.ID),
		logger.String("callsign", created.Callsign),
		logger.Float64("lat", lat),
		logger.Float64("lon", lon))

	s.report(created)
	return created, nil
}

// UpdateControls changes the heading, speed and vertical rate being flown
func (s *Service) UpdateControls(id string, controls Controls) error {
	if err := controls.Validate(); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	a, exists := s.aircraft[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	a.Controls = controls

	s.logger.Debug("Updated simulation controls",
		logger.String("aircraft_id", id),
		logger.Float64("heading", controls.Heading),
		logger.Float64("speed", controls.Speed),
		logger.Float64("vertical_rate", controls.VerticalRate))
	return nil
}

// RemoveAircraft stops simulating an aircraft and clears it from the radar
func (s *Service) RemoveAircraft(id string) error {
	s.reportMu.Lock()
	defer s.reportMu.Unlock()

	s.mutex.Lock()
	if _, exists := s.aircraft[id]; !exists {
		s.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.aircraft, id)
	s.mutex.Unlock()

	s.reporter.ClearAircraft(id, "simulation")
	s.logger.Info("Removed simulated aircraft", logger.String("aircraft_id", id))
	return nil
}

// GetAircraft returns a simulated aircraft by id
func (s *Service) GetAircraft(id string) (SimulatedAircraft, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	a, exists := s.aircraft[id]
	if !exists {
		return SimulatedAircraft{}, false
	}
	return *a, true
}

// GetAllAircraft returns all simulated aircraft ordered by id
func (s *Service) GetAllAircraft() []SimulatedAircraft {
	s.mutex.RLock()
	result := make([]SimulatedAircraft, 0, len(s.aircraft))
	for _, a := range s.aircraft {
		result = append(result, *a)
	}
	s.mutex.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Count returns the number of simulated aircraft
func (s *Service) Count() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.aircraft)
}

// Run advances and reports the fleet every update interval until ctx ends
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.UpdateInterval)
	defer ticker.Stop()

	s.logger.Info("Simulation started",
		logger.Duration("interval", s.opts.UpdateInterval),
		logger.Int("max_aircraft", s.opts.MaxAircraft))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Simulation stopped")
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick moves every aircraft to the current time and reports it
func (s *Service) Tick() {
	s.reportMu.Lock()
	defer s.reportMu.Unlock()

	for _, a := range s.UpdatePositions() {
		s.report(a)
	}
}

// UpdatePositions dead-reckons every aircraft forward to now and returns
// copies of the new states
func (s *Service) UpdatePositions() []SimulatedAircraft {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now().UTC()
	moved := make([]SimulatedAircraft, 0, len(s.aircraft))
	for _, a := range s.aircraft {
		if dt := now.Sub(a.LastUpdate).Seconds(); dt > 0 {
			advance(a, dt)
			a.LastUpdate = now
		}
		moved = append(moved, *a)
	}
	return moved
}

// advance applies dt seconds of flight along the current controls
func advance(a *SimulatedAircraft, dt float64) {
	distanceNM := a.Controls.Speed * dt / 3600
	heading := physics.DegreesToRadians(a.Controls.Heading)

	a.Lat += distanceNM * math.Cos(heading) / 60
	if cosLat := math.Cos(physics.DegreesToRadians(a.Lat)); cosLat > 1e-6 {
		a.Lon += distanceNM * math.Sin(heading) / (60 * cosLat)
	}
	a.Lat = math.Max(-90, math.Min(90, a.Lat))
	if a.Lon > 180 {
		a.Lon -= 360
	} else if a.Lon < -180 {
		a.Lon += 360
	}

	a.Altitude += a.Controls.VerticalRate * dt / 60
	if a.Altitude < 0 {
		a.Altitude = 0
		a.Controls.VerticalRate = 0
	}
}

// report submits one aircraft as a position_update payload. Callers hold
// reportMu; copies of aircraft removed since they were taken are skipped.
func (s *Service) report(a SimulatedAircraft) {
	if !s.IsSimulated(a.ID) {
		return
	}

	payload, err := json.Marshal(map[string]interface{}{
		"id":       a.ID,
		"callsign": a.Callsign,
		"type":     a.AircraftType,
		"lat":      a.Lat,
		"lon":      a.Lon,
		"altMSL":   math.Round(a.Altitude),
		"heading":  math.Round(a.Controls.Heading),
		"speed":    math.Round(a.Controls.Speed),
		"vspeed":   math.Round(a.Controls.VerticalRate),
	})
	if err != nil {
		s.logger.Error("Failed to encode simulated report", logger.Error(err))
		return
	}
	if _, err := s.reporter.SubmitPosition(payload, nil); err != nil {
		s.logger.Warn("Simulated report rejected",
			logger.String("aircraft_id", a.ID),
			logger.Error(err))
	}
}

// generateUniqueID returns a sim-prefixed 6-digit hex id; caller holds the lock
func (s *Service) generateUniqueID() string {
	for {
		id := fmt.Sprintf("%s%06X", IDPrefix, s.rand.Intn(0xFFFFFF))
		if _, exists := s.aircraft[id]; !exists {
			return id
		}
	}
}

// IsSimulated reports whether id belongs to a simulated aircraft
func (s *Service) IsSimulated(id string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	_, exists := s.aircraft[id]
	return exists
}
