package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seabus0316/geofs-flightradar/internal/aircraft"
	"github.com/seabus0316/geofs-flightradar/internal/physics"
	"github.com/seabus0316/geofs-flightradar/internal/track"
	"github.com/seabus0316/geofs-flightradar/internal/websocket"
	"github.com/seabus0316/geofs-flightradar/pkg/logger"
)

// Errors returned to the transport layer. None of them reach producers.
var (
	ErrObserverReport = errors.New("observers cannot report positions")
	ErrNotPermitted   = errors.New("session may not clear this aircraft")
	ErrUnknownRole    = errors.New("unknown role")

	errSnapshotDropped = errors.New("session closed or send buffer full")
)

// Hub is the broadcast side of the session hub
type Hub interface {
	QueueUpdate(key string, payload any)
	// BroadcastRemoval drops pending updates for keys and announces messages;
	// no later flush may deliver an update queued before it
	BroadcastRemoval(keys []string, messages ...*websocket.Message)
	// InOrder runs fn ordered against flushes and removals
	InOrder(fn func())
	IsAircraftBound(aircraftID, exceptSessionID string) bool
}

// Session is one connected client as seen by the coordinator
type Session interface {
	ID() string
	Role() websocket.Role
	SetRole(role websocket.Role) error
	AircraftID() string
	BindAircraft(id string) string
	SendMessage(msg *websocket.Message) bool
	SendMessageWait(ctx context.Context, msg *websocket.Message) error
}

// Options configures the coordinator
type Options struct {
	LivenessTimeout       time.Duration
	HistoryWindow         time.Duration // History sent to observers on hello
	HistoryChunkSize      int           // Points per aircraft_track_history page
	ClearHistoryOnTimeout bool
	AllowCallsignIdentity bool
	MagneticHeading       bool
	InitialStateTimeout   time.Duration // Bound on delivering snapshot and history to one observer
}

// DefaultOptions returns the coordinator defaults
func DefaultOptions() Options {
	return Options{
		LivenessTimeout:       30 * time.Second,
		HistoryWindow:         12 * time.Hour,
		HistoryChunkSize:      200,
		AllowCallsignIdentity: true,
		MagneticHeading:       true,
		InitialStateTimeout:   30 * time.Second,
	}
}

// TrackHistoryPage is the payload of aircraft_track_history
type TrackHistoryPage struct {
	AircraftID string        `json:"aircraftId"`
	Points     []track.Point `json:"points"`
	Current    int           `json:"current"` // 1-based page number
	Total      int           `json:"total"`
	IsLast     bool          `json:"isLast"`
}

// TrackClear is the payload of aircraft_track_clear
type TrackClear struct {
	AircraftID string `json:"aircraftId"`
}

// Stats are coordinator counters for health reporting
type Stats struct {
	Aircraft         int    `json:"aircraft"`
	Accepted         uint64 `json:"accepted"`
	Dropped          uint64 `json:"dropped"`
	TimeoutRemovals  uint64 `json:"timeout_removals"`
	ExplicitRemovals uint64 `json:"explicit_removals"`
}

// Coordinator owns the per-aircraft lifecycle: it is the only component that
// moves an aircraft between absent and active, and it keeps the registry,
// the track store and the observers in step while doing so.
type Coordinator struct {
	registry *aircraft.Registry
	tracks   *track.Store
	hub      Hub
	opts     Options
	logger   *logger.Logger
	now      func() time.Time

	// lifecycleMu serializes moving aircraft between absent and active, so an
	// update is never queued for an aircraft whose removal was announced
	lifecycleMu sync.Mutex

	accepted         atomic.Uint64
	dropped          atomic.Uint64
	timeoutRemovals  atomic.Uint64
	explicitRemovals atomic.Uint64
}

// NewCoordinator wires a coordinator over its collaborators
func NewCoordinator(registry *aircraft.Registry, tracks *track.Store, hub Hub, opts Options, log *logger.Logger) *Coordinator {
	return NewCoordinatorWithClock(registry, tracks, hub, opts, log, time.Now)
}

// NewCoordinatorWithClock is NewCoordinator with an injectable clock
func NewCoordinatorWithClock(registry *aircraft.Registry, tracks *track.Store, hub Hub, opts Options, log *logger.Logger, now func() time.Time) *Coordinator {
	defaults := DefaultOptions()
	if opts.LivenessTimeout <= 0 {
		opts.LivenessTimeout = defaults.LivenessTimeout
	}
	if opts.HistoryChunkSize <= 0 {
		opts.HistoryChunkSize = defaults.HistoryChunkSize
	}
	if opts.InitialStateTimeout <= 0 {
		opts.InitialStateTimeout = defaults.InitialStateTimeout
	}

	return &Coordinator{
		registry: registry,
		tracks:   tracks,
		hub:      hub,
		opts:     opts,
		logger:   log.Named("relay"),
		now:      now,
	}
}

// SubmitPosition ingests one position report. session is nil for HTTP
// producers. A player session is bound to the reported aircraft; an
// undeclared session becomes a player by reporting.
func (c *Coordinator) SubmitPosition(raw json.RawMessage, session Session) (aircraft.State, error) {
	report, err := ParseReport(raw)
	if err != nil {
		return c.drop(err, session)
	}

	id := c.deriveID(report)
	if id == "" {
		return c.drop(ErrNoIdentity, session)
	}

	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if session != nil {
		if session.Role() == websocket.RoleObserver {
			return c.drop(ErrObserverReport, session)
		}
		if err := session.SetRole(websocket.RolePlayer); err != nil {
			return c.drop(err, session)
		}
		if prev := session.BindAircraft(id); prev != "" && prev != id {
			// The session now reports as someone else; its old aircraft left.
			if !c.hub.IsAircraftBound(prev, session.ID()) {
				c.clearLocked(prev, "rebound")
			}
		}
	}

	now := c.now().UTC()
	state := aircraft.State{
		Callsign:       report.Callsign,
		AircraftType:   report.AircraftType,
		UserID:         report.UserID,
		Lat:            report.Lat,
		Lon:            report.Lon,
		AltitudeAGL:    report.AltitudeAGL,
		AltitudeMSL:    report.AltitudeMSL,
		Heading:        report.Heading,
		GroundSpeed:    report.Speed,
		VerticalSpeed:  report.VerticalSpeed,
		FlightNumber:   report.FlightNumber,
		Departure:      report.Departure,
		Arrival:        report.Arrival,
		Squawk:         report.Squawk,
		TakeoffTimeUTC: report.TakeoffTime,
		NextWaypoint:   report.NextWaypoint,
		FlightPlan:     report.FlightPlan,
		LastUpdateAt:   now,
	}
	if c.opts.MagneticHeading {
		state.MagneticHeading = int(physics.MagneticHeading(
			float64(report.Heading), report.Lat, report.Lon, float64(report.AltitudeMSL), now))
	} else {
		state.MagneticHeading = report.Heading
	}

	stored := c.registry.Upsert(id, state)

	c.tracks.Append(id, track.Point{
		Lat:       stored.Lat,
		Lon:       stored.Lon,
		Altitude:  stored.DisplayAltitude(),
		Speed:     stored.GroundSpeed,
		Heading:   stored.Heading,
		Timestamp: now,
	})

	c.hub.QueueUpdate(id, stored)
	c.accepted.Add(1)

	return stored, nil
}

func (c *Coordinator) drop(err error, session Session) (aircraft.State, error) {
	c.dropped.Add(1)
	fields := []logger.Field{logger.Error(err)}
	if session != nil {
		fields = append(fields, logger.String("session_id", session.ID()))
	}
	c.logger.Debug("Dropped position report", fields...)
	return aircraft.State{}, err
}

// placeholderIdentities are values producers send when they have nothing better
var placeholderIdentities = map[string]bool{
	"":          true,
	"unknown":   true,
	"n/a":       true,
	"null":      true,
	"undefined": true,
}

func usableIdentity(s string) bool {
	return !placeholderIdentities[strings.ToLower(strings.TrimSpace(s))]
}

// deriveID picks the aircraft identity: an explicit id, then the player's
// user id, then (when allowed) the callsign
func (c *Coordinator) deriveID(r *Report) string {
	if usableIdentity(r.ID) {
		return r.ID
	}
	if usableIdentity(r.UserID) {
		return "user:" + r.UserID
	}
	if c.opts.AllowCallsignIdentity && usableIdentity(r.Callsign) {
		return r.Callsign
	}
	return ""
}

// HandleHello records a session's declared role. An observer's first hello
// is answered with the current snapshot followed by paged track history.
func (c *Coordinator) HandleHello(ctx context.Context, session Session, roleName string) error {
	initial, err := c.DeclareRole(session, roleName)
	if err != nil || !initial {
		return err
	}
	return c.SendInitialState(ctx, session)
}

// DeclareRole applies a hello. It reports whether the session just became an
// observer and is owed the initial state.
func (c *Coordinator) DeclareRole(session Session, roleName string) (bool, error) {
	role, ok := websocket.ParseRole(roleName)
	if !ok {
		c.sendError(session, "invalid_role", fmt.Sprintf("unknown role %q", roleName))
		return false, fmt.Errorf("%w: %q", ErrUnknownRole, roleName)
	}

	previous := session.Role()
	if err := session.SetRole(role); err != nil {
		c.sendError(session, "role_change", "session role cannot change")
		return false, err
	}

	c.logger.Debug("Session declared role",
		logger.String("session_id", session.ID()),
		logger.String("role", string(role)))

	return role == websocket.RoleObserver && previous == websocket.RoleUnknown, nil
}

// SendInitialState delivers the snapshot and then every aircraft's history in
// pages, waiting for buffer space rather than dropping
func (c *Coordinator) SendInitialState(ctx context.Context, session Session) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.InitialStateTimeout)
	defer cancel()

	// Taken and queued in delivery order: a removal either precedes the
	// snapshot's registry read or follows the snapshot on the wire.
	var snapshot []aircraft.State
	delivered := false
	c.hub.InOrder(func() {
		snapshot = c.Snapshot()
		delivered = session.SendMessage(&websocket.Message{
			Type:    websocket.MessageTypeAircraftSnapshot,
			Payload: snapshot,
		})
	})
	if !delivered {
		return fmt.Errorf("failed to send snapshot: %w", errSnapshotDropped)
	}

	sent := 0
	for _, id := range c.tracks.IDs() {
		points := c.tracks.History(id, c.opts.HistoryWindow)
		if len(points) == 0 {
			continue
		}
		for _, page := range paginate(id, points, c.opts.HistoryChunkSize) {
			if err := session.SendMessageWait(ctx, &websocket.Message{
				Type:    websocket.MessageTypeAircraftTrackHistory,
				Payload: page,
			}); err != nil {
				return fmt.Errorf("failed to send history for %s: %w", id, err)
			}
		}
		sent++
	}

	c.logger.Info("Observer initialized",
		logger.String("session_id", session.ID()),
		logger.Int("aircraft", len(snapshot)),
		logger.Int("histories", sent))
	return nil
}

func paginate(id string, points []track.Point, size int) []TrackHistoryPage {
	total := (len(points) + size - 1) / size
	pages := make([]TrackHistoryPage, 0, total)
	for i := 0; i < total; i++ {
		start := i * size
		end := start + size
		if end > len(points) {
			end = len(points)
		}
		pages = append(pages, TrackHistoryPage{
			AircraftID: id,
			Points:     points[start:end],
			Current:    i + 1,
			Total:      total,
			IsLast:     i == total-1,
		})
	}
	return pages
}

// HandleClearTrack processes a clear_track request. A player may clear only
// its own aircraft (the default when no id is given); an observer may clear
// any.
func (c *Coordinator) HandleClearTrack(session Session, aircraftID string) error {
	aircraftID = strings.TrimSpace(aircraftID)

	switch session.Role() {
	case websocket.RolePlayer:
		own := session.AircraftID()
		if aircraftID == "" {
			aircraftID = own
		}
		if own == "" || aircraftID != own {
			c.sendError(session, "not_permitted", "players may only clear their own aircraft")
			return ErrNotPermitted
		}
	case websocket.RoleObserver:
		if aircraftID == "" {
			return fmt.Errorf("clear_track without aircraftId")
		}
	default:
		c.sendError(session, "not_permitted", "send hello before clear_track")
		return ErrNotPermitted
	}

	c.ClearAircraft(aircraftID, "clear_track")
	return nil
}

// ClearAircraft is the explicit removal path: the aircraft leaves the live
// list and its history is erased. Clearing an absent aircraft is a no-op.
func (c *Coordinator) ClearAircraft(aircraftID, reason string) bool {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	return c.clearLocked(aircraftID, reason)
}

func (c *Coordinator) clearLocked(aircraftID, reason string) bool {
	removed := c.registry.Remove(aircraftID)
	hadTrack := c.tracks.Len(aircraftID) > 0
	c.tracks.Clear(aircraftID)

	var messages []*websocket.Message
	if removed {
		messages = append(messages, &websocket.Message{
			Type:    websocket.MessageTypeAircraftRemove,
			Payload: []string{aircraftID},
		})
	}
	if removed || hadTrack {
		messages = append(messages, &websocket.Message{
			Type:    websocket.MessageTypeAircraftTrackClear,
			Payload: TrackClear{AircraftID: aircraftID},
		})
	}
	c.hub.BroadcastRemoval([]string{aircraftID}, messages...)

	if removed || hadTrack {
		c.explicitRemovals.Add(1)
		c.logger.Info("Aircraft cleared",
			logger.String("aircraft_id", aircraftID),
			logger.String("reason", reason))
	}
	return removed || hadTrack
}

// HandleSessionClosed treats a player's disconnect as leaving the airspace,
// unless another live session still reports for the same aircraft. It
// returns the aircraft id that was abandoned, if any.
func (c *Coordinator) HandleSessionClosed(session Session) string {
	if session.Role() != websocket.RolePlayer {
		return ""
	}
	id := session.AircraftID()
	if id == "" {
		return ""
	}
	if c.hub.IsAircraftBound(id, session.ID()) {
		c.logger.Debug("Disconnected session's aircraft still reported elsewhere",
			logger.String("aircraft_id", id))
		return ""
	}
	c.ClearAircraft(id, "disconnect")
	return id
}

// SweepStale removes aircraft silent for longer than the liveness timeout and
// announces them in one aircraft_remove. History is kept unless configured
// otherwise.
func (c *Coordinator) SweepStale(now time.Time) []string {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	removed := c.registry.RemoveStale(now, c.opts.LivenessTimeout)
	if len(removed) == 0 {
		return nil
	}
	sort.Strings(removed)

	messages := []*websocket.Message{{
		Type:    websocket.MessageTypeAircraftRemove,
		Payload: removed,
	}}
	if c.opts.ClearHistoryOnTimeout {
		for _, id := range removed {
			c.tracks.Clear(id)
			messages = append(messages, &websocket.Message{
				Type:    websocket.MessageTypeAircraftTrackClear,
				Payload: TrackClear{AircraftID: id},
			})
		}
	}
	c.hub.BroadcastRemoval(removed, messages...)

	c.timeoutRemovals.Add(uint64(len(removed)))
	c.logger.Info("Swept stale aircraft",
		logger.Strings("aircraft_ids", removed),
		logger.Bool("history_cleared", c.opts.ClearHistoryOnTimeout))
	return removed
}

// Snapshot returns every live aircraft ordered by id
func (c *Coordinator) Snapshot() []aircraft.State {
	states := c.registry.Snapshot()
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return states
}

// Aircraft returns one live aircraft
func (c *Coordinator) Aircraft(id string) (aircraft.State, bool) {
	return c.registry.Get(id)
}

// Track returns an aircraft's simplified history over window
func (c *Coordinator) Track(id string, window time.Duration) []track.Point {
	return c.tracks.History(id, window)
}

// Stats returns ingest and removal counters
func (c *Coordinator) Stats() Stats {
	return Stats{
		Aircraft:         c.registry.Count(),
		Accepted:         c.accepted.Load(),
		Dropped:          c.dropped.Load(),
		TimeoutRemovals:  c.timeoutRemovals.Load(),
		ExplicitRemovals: c.explicitRemovals.Load(),
	}
}

func (c *Coordinator) sendError(session Session, code, message string) {
	session.SendMessage(&websocket.Message{
		Type:    websocket.MessageTypeError,
		Payload: websocket.ErrorPayload{Code: code, Message: message},
	})
}
