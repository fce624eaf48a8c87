package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/seabus0316/geofs-flightradar/internal/aircraft"
	"github.com/seabus0316/geofs-flightradar/internal/physics"
	"github.com/seabus0316/geofs-flightradar/internal/track"
	"github.com/seabus0316/geofs-flightradar/internal/websocket"
	"github.com/seabus0316/geofs-flightradar/pkg/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeHub records what the coordinator asks the hub to do
type fakeHub struct {
	mu         sync.Mutex
	broadcasts []*websocket.Message
	pending    map[string]any
	dropped    []string
	bound      map[string]string // aircraft id -> session id of another live player
}

func newFakeHub() *fakeHub {
	return &fakeHub{pending: make(map[string]any), bound: make(map[string]string)}
}

func (h *fakeHub) QueueUpdate(key string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending[key] = payload
}

func (h *fakeHub) BroadcastRemoval(keys []string, messages ...*websocket.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, k := range keys {
		delete(h.pending, k)
		h.dropped = append(h.dropped, k)
	}
	h.broadcasts = append(h.broadcasts, messages...)
}

func (h *fakeHub) InOrder(fn func()) { fn() }

func (h *fakeHub) IsAircraftBound(aircraftID, exceptSessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	sid, ok := h.bound[aircraftID]
	return ok && sid != exceptSessionID
}

func (h *fakeHub) messages(msgType string) []*websocket.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*websocket.Message
	for _, m := range h.broadcasts {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (h *fakeHub) queued(key string) (aircraft.State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.pending[key]
	if !ok {
		return aircraft.State{}, false
	}
	return v.(aircraft.State), true
}

// fakeSession mirrors websocket.Client's role and binding rules
type fakeSession struct {
	mu         sync.Mutex
	id         string
	role       websocket.Role
	aircraftID string
	sent       []*websocket.Message
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Role() websocket.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *fakeSession) SetRole(role websocket.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role == role {
		return nil
	}
	if s.role != websocket.RoleUnknown {
		return websocket.ErrRoleChange
	}
	s.role = role
	return nil
}

func (s *fakeSession) AircraftID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aircraftID
}

func (s *fakeSession) BindAircraft(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.aircraftID
	s.aircraftID = id
	return prev
}

func (s *fakeSession) SendMessage(msg *websocket.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return true
}

func (s *fakeSession) SendMessageWait(_ context.Context, msg *websocket.Message) error {
	s.SendMessage(msg)
	return nil
}

func (s *fakeSession) messages() []*websocket.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*websocket.Message(nil), s.sent...)
}

type harness struct {
	coord    *Coordinator
	hub      *fakeHub
	clock    *fakeClock
	registry *aircraft.Registry
	tracks   *track.Store
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	registry := aircraft.NewRegistryWithClock(clock.Now)
	tracks, err := track.NewStoreWithClock(nil, track.DefaultOptions(), logger.NewNop(), clock.Now)
	if err != nil {
		t.Fatalf("NewStoreWithClock: %v", err)
	}
	hub := newFakeHub()
	return &harness{
		coord:    NewCoordinatorWithClock(registry, tracks, hub, opts, logger.NewNop(), clock.Now),
		hub:      hub,
		clock:    clock,
		registry: registry,
		tracks:   tracks,
	}
}

func testOpts() Options {
	opts := DefaultOptions()
	opts.MagneticHeading = false
	return opts
}

func TestSubmitPositionEchoesFields(t *testing.T) {
	h := newHarness(t, testOpts())
	player := &fakeSession{id: "s1"}

	raw := json.RawMessage(`{"id":"UAL123","lat":37.0,"lon":-122.0,"alt":5000,"heading":270,"speed":250}`)
	if _, err := h.coord.SubmitPosition(raw, player); err != nil {
		t.Fatalf("SubmitPosition: %v", err)
	}

	got, ok := h.hub.queued("UAL123")
	if !ok {
		t.Fatal("update not queued for broadcast")
	}
	if got.ID != "UAL123" || got.Lat != 37.0 || got.Lon != -122.0 {
		t.Errorf("identity/position = %q %v %v", got.ID, got.Lat, got.Lon)
	}
	if got.AltitudeAGL == nil || *got.AltitudeAGL != 5000 || got.AltitudeMSL != 5000 {
		t.Errorf("altitude = %v / %d, want 5000 / 5000", got.AltitudeAGL, got.AltitudeMSL)
	}
	if got.Heading != 270 || got.GroundSpeed != 250 {
		t.Errorf("heading/speed = %d/%d, want 270/250", got.Heading, got.GroundSpeed)
	}
	if got.Callsign != "" || got.FlightNumber != "" || got.VerticalSpeed != 0 {
		t.Errorf("missing optional fields not defaulted: %+v", got)
	}

	if player.Role() != websocket.RolePlayer || player.AircraftID() != "UAL123" {
		t.Errorf("session role/binding = %q/%q", player.Role(), player.AircraftID())
	}
	if n := h.tracks.Len("UAL123"); n != 1 {
		t.Errorf("track points = %d, want 1", n)
	}
	if st := h.coord.Stats(); st.Accepted != 1 || st.Aircraft != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSubmitPositionLastWriteWins(t *testing.T) {
	h := newHarness(t, testOpts())

	h.coord.SubmitPosition(json.RawMessage(`{"id":"A1","lat":1,"lon":1,"callsign":"FIRST"}`), nil)
	h.clock.Advance(time.Second)
	h.coord.SubmitPosition(json.RawMessage(`{"id":"A1","lat":2,"lon":2}`), nil)

	got, ok := h.coord.Aircraft("A1")
	if !ok {
		t.Fatal("aircraft missing")
	}
	if got.Lat != 2 || got.Callsign != "" {
		t.Errorf("state not fully replaced: %+v", got)
	}
	if len(h.coord.Snapshot()) != 1 {
		t.Errorf("snapshot has %d entries, want 1", len(h.coord.Snapshot()))
	}
}

func TestSubmitPositionDerivesIdentity(t *testing.T) {
	tests := []struct {
		name          string
		payload       string
		allowCallsign bool
		wantID        string
		wantErr       error
	}{
		{"explicit id", `{"id":"N1","callsign":"X","lat":0,"lon":0}`, true, "N1", nil},
		{"aircraftId alias", `{"aircraftId":"N2","lat":0,"lon":0}`, true, "N2", nil},
		{"placeholder id uses user", `{"id":"Unknown","userId":"42","lat":0,"lon":0}`, true, "user:42", nil},
		{"googleId alias", `{"googleId":"g-7","lat":0,"lon":0}`, true, "user:g-7", nil},
		{"callsign fallback", `{"callsign":"DAL9","lat":0,"lon":0}`, true, "DAL9", nil},
		{"callsign not allowed", `{"callsign":"DAL9","lat":0,"lon":0}`, false, "", ErrNoIdentity},
		{"placeholder callsign", `{"callsign":"Unknown","lat":0,"lon":0}`, true, "", ErrNoIdentity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOpts()
			opts.AllowCallsignIdentity = tt.allowCallsign
			h := newHarness(t, opts)

			got, err := h.coord.SubmitPosition(json.RawMessage(tt.payload), nil)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got.ID != tt.wantID {
				t.Errorf("id = %q, want %q", got.ID, tt.wantID)
			}
		})
	}
}

func TestSubmitPositionDropsInvalid(t *testing.T) {
	h := newHarness(t, testOpts())

	payloads := []string{
		`{"id":"A","lon":1}`,
		`{"id":"A","lat":"37","lon":1}`,
		`{"id":"A","lat":91,"lon":1}`,
		`[1,2]`,
		`not json`,
	}
	for _, p := range payloads {
		if _, err := h.coord.SubmitPosition(json.RawMessage(p), nil); err == nil {
			t.Errorf("payload %s accepted", p)
		}
	}

	if h.registry.Count() != 0 {
		t.Errorf("registry has %d entries after invalid reports", h.registry.Count())
	}
	if st := h.coord.Stats(); st.Dropped != uint64(len(payloads)) {
		t.Errorf("dropped = %d, want %d", st.Dropped, len(payloads))
	}
}

func TestSubmitPositionMagneticHeading(t *testing.T) {
	opts := DefaultOptions()
	opts.MagneticHeading = true
	h := newHarness(t, opts)

	got, err := h.coord.SubmitPosition(json.RawMessage(`{"id":"A","lat":37,"lon":-122,"heading":270}`), nil)
	if err != nil {
		t.Fatalf("SubmitPosition: %v", err)
	}
	if got.Heading != 270 {
		t.Errorf("true heading = %d, want 270", got.Heading)
	}
	want := int(physics.MagneticHeading(270, 37, -122, 0, h.clock.Now()))
	if got.MagneticHeading != want {
		t.Errorf("magnetic heading = %d, want %d", got.MagneticHeading, want)
	}
}

func TestObserverCannotReport(t *testing.T) {
	h := newHarness(t, testOpts())
	observer := &fakeSession{id: "obs", role: websocket.RoleObserver}

	_, err := h.coord.SubmitPosition(json.RawMessage(`{"id":"A","lat":0,"lon":0}`), observer)
	if !errors.Is(err, ErrObserverReport) {
		t.Fatalf("err = %v, want ErrObserverReport", err)
	}
	if h.registry.Count() != 0 {
		t.Error("observer report reached the registry")
	}
}

func TestRebindClearsPreviousAircraft(t *testing.T) {
	h := newHarness(t, testOpts())
	player := &fakeSession{id: "s1"}

	h.coord.SubmitPosition(json.RawMessage(`{"id":"OLD","lat":0,"lon":0}`), player)
	h.coord.SubmitPosition(json.RawMessage(`{"id":"NEW","lat":0,"lon":0}`), player)

	if _, ok := h.coord.Aircraft("OLD"); ok {
		t.Error("previous aircraft still live after rebinding")
	}
	if _, ok := h.coord.Aircraft("NEW"); !ok {
		t.Error("new aircraft missing")
	}
	if len(h.hub.messages(websocket.MessageTypeAircraftRemove)) != 1 {
		t.Error("expected one aircraft_remove for the previous aircraft")
	}
}

func TestHelloObserverReceivesSnapshotThenHistory(t *testing.T) {
	opts := testOpts()
	opts.HistoryChunkSize = 2
	h := newHarness(t, opts)

	for i := 0; i < 5; i++ {
		h.coord.SubmitPosition(json.RawMessage(`{"id":"B2","lat":1,"lon":1}`), nil)
		h.clock.Advance(time.Second)
	}
	h.coord.SubmitPosition(json.RawMessage(`{"id":"A1","lat":2,"lon":2}`), nil)

	observer := &fakeSession{id: "obs"}
	if err := h.coord.HandleHello(context.Background(), observer, "observer"); err != nil {
		t.Fatalf("HandleHello: %v", err)
	}

	msgs := observer.messages()
	if len(msgs) == 0 || msgs[0].Type != websocket.MessageTypeAircraftSnapshot {
		t.Fatalf("first message is not a snapshot: %+v", msgs)
	}
	snapshot := msgs[0].Payload.([]aircraft.State)
	if len(snapshot) != 2 || snapshot[0].ID != "A1" || snapshot[1].ID != "B2" {
		t.Errorf("snapshot = %+v", snapshot)
	}

	var pages []TrackHistoryPage
	for _, m := range msgs[1:] {
		if m.Type != websocket.MessageTypeAircraftTrackHistory {
			t.Fatalf("unexpected message %q after snapshot", m.Type)
		}
		pages = append(pages, m.Payload.(TrackHistoryPage))
	}

	// A1 has one point, B2 five points in pages of two.
	if len(pages) != 4 {
		t.Fatalf("got %d history pages, want 4", len(pages))
	}
	if pages[0].AircraftID != "A1" || !pages[0].IsLast || pages[0].Total != 1 {
		t.Errorf("A1 page = %+v", pages[0])
	}
	for i, p := range pages[1:] {
		if p.AircraftID != "B2" || p.Current != i+1 || p.Total != 3 {
			t.Errorf("B2 page %d = %+v", i, p)
		}
		if p.IsLast != (i == 2) {
			t.Errorf("B2 page %d isLast = %v", i, p.IsLast)
		}
	}
	if len(pages[3].Points) != 1 {
		t.Errorf("last page has %d points, want 1", len(pages[3].Points))
	}

	// A repeated hello does not resend the initial state.
	if err := h.coord.HandleHello(context.Background(), observer, "observer"); err != nil {
		t.Fatalf("second HandleHello: %v", err)
	}
	if len(observer.messages()) != len(msgs) {
		t.Error("initial state sent twice")
	}
}

func TestHelloRejectsBadRoles(t *testing.T) {
	h := newHarness(t, testOpts())

	s := &fakeSession{id: "s"}
	if err := h.coord.HandleHello(context.Background(), s, "pilot"); !errors.Is(err, ErrUnknownRole) {
		t.Errorf("err = %v, want ErrUnknownRole", err)
	}
	if s.Role() != websocket.RoleUnknown {
		t.Errorf("role = %q after invalid hello", s.Role())
	}

	if err := h.coord.HandleHello(context.Background(), s, "player"); err != nil {
		t.Fatalf("player hello: %v", err)
	}
	if err := h.coord.HandleHello(context.Background(), s, "observer"); !errors.Is(err, websocket.ErrRoleChange) {
		t.Errorf("err = %v, want ErrRoleChange", err)
	}

	var errorsSent int
	for _, m := range s.messages() {
		if m.Type == websocket.MessageTypeError {
			errorsSent++
		}
	}
	if errorsSent != 2 {
		t.Errorf("sent %d error messages, want 2", errorsSent)
	}
}

func TestHandleClearTrackPermissions(t *testing.T) {
	h := newHarness(t, testOpts())
	player := &fakeSession{id: "p"}
	h.coord.SubmitPosition(json.RawMessage(`{"id":"MINE","lat":0,"lon":0}`), player)
	h.coord.SubmitPosition(json.RawMessage(`{"id":"OTHER","lat":0,"lon":0}`), nil)

	if err := h.coord.HandleClearTrack(player, "OTHER"); !errors.Is(err, ErrNotPermitted) {
		t.Errorf("player clearing another aircraft: err = %v", err)
	}
	if _, ok := h.coord.Aircraft("OTHER"); !ok {
		t.Error("OTHER removed by a non-owner")
	}

	if err := h.coord.HandleClearTrack(player, ""); err != nil {
		t.Errorf("player clearing own aircraft: %v", err)
	}
	if _, ok := h.coord.Aircraft("MINE"); ok {
		t.Error("MINE still live after clear_track")
	}

	observer := &fakeSession{id: "o", role: websocket.RoleObserver}
	if err := h.coord.HandleClearTrack(observer, "OTHER"); err != nil {
		t.Errorf("observer clear: %v", err)
	}
	if h.tracks.Len("OTHER") != 0 {
		t.Error("OTHER history survived clear")
	}

	clears := h.hub.messages(websocket.MessageTypeAircraftTrackClear)
	if len(clears) != 2 {
		t.Fatalf("got %d track clears, want 2", len(clears))
	}
	if p := clears[0].Payload.(TrackClear); p.AircraftID != "MINE" {
		t.Errorf("first clear = %+v", p)
	}
}

func TestClearAircraftIdempotent(t *testing.T) {
	h := newHarness(t, testOpts())
	h.coord.SubmitPosition(json.RawMessage(`{"id":"A","lat":0,"lon":0}`), nil)

	if !h.coord.ClearAircraft("A", "test") {
		t.Error("first clear reported nothing removed")
	}
	if h.coord.ClearAircraft("A", "test") {
		t.Error("second clear reported a removal")
	}
	if n := len(h.hub.messages(websocket.MessageTypeAircraftRemove)); n != 1 {
		t.Errorf("aircraft_remove sent %d times, want 1", n)
	}
}

func TestClearAircraftDropsQueuedUpdate(t *testing.T) {
	h := newHarness(t, testOpts())
	h.coord.SubmitPosition(json.RawMessage(`{"id":"A","lat":0,"lon":0}`), nil)
	if _, ok := h.hub.queued("A"); !ok {
		t.Fatal("update not queued")
	}

	h.coord.ClearAircraft("A", "test")
	if _, ok := h.hub.queued("A"); ok {
		t.Error("queued update survived the removal")
	}

	// an update queued after the removal must belong to a live aircraft
	for i := 0; i < 200; i++ {
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.coord.SubmitPosition(json.RawMessage(`{"id":"A","lat":1,"lon":1}`), nil)
		}()
		h.coord.ClearAircraft("A", "test")
		wg.Wait()

		_, live := h.coord.Aircraft("A")
		if _, queued := h.hub.queued("A"); queued && !live {
			t.Fatalf("iteration %d: update queued for a removed aircraft", i)
		}
		h.coord.ClearAircraft("A", "test")
	}
}

func TestSessionClosed(t *testing.T) {
	h := newHarness(t, testOpts())

	player := &fakeSession{id: "p1"}
	h.coord.SubmitPosition(json.RawMessage(`{"id":"A","lat":0,"lon":0}`), player)

	// Another live session reports for the same aircraft.
	h.hub.bound["A"] = "p2"
	if id := h.coord.HandleSessionClosed(player); id != "" {
		t.Errorf("aircraft %q released while still reported elsewhere", id)
	}
	if _, ok := h.coord.Aircraft("A"); !ok {
		t.Fatal("aircraft removed while still reported elsewhere")
	}

	delete(h.hub.bound, "A")
	if id := h.coord.HandleSessionClosed(player); id != "A" {
		t.Errorf("released %q, want A", id)
	}
	if _, ok := h.coord.Aircraft("A"); ok {
		t.Error("aircraft still live after its player left")
	}
	remove := h.hub.messages(websocket.MessageTypeAircraftRemove)
	if len(remove) != 1 || remove[0].Payload.([]string)[0] != "A" {
		t.Errorf("aircraft_remove = %+v", remove)
	}

	observer := &fakeSession{id: "o", role: websocket.RoleObserver}
	if id := h.coord.HandleSessionClosed(observer); id != "" {
		t.Errorf("observer disconnect released %q", id)
	}
}

func TestSweepStaleRemovesSilentAircraft(t *testing.T) {
	h := newHarness(t, testOpts())
	h.coord.SubmitPosition(json.RawMessage(`{"id":"UAL123","lat":37,"lon":-122}`), nil)

	h.clock.Advance(29 * time.Second)
	h.coord.SubmitPosition(json.RawMessage(`{"id":"DAL1","lat":1,"lon":1}`), nil)
	if removed := h.coord.SweepStale(h.clock.Now()); len(removed) != 0 {
		t.Fatalf("swept %v before the timeout", removed)
	}

	h.clock.Advance(2 * time.Second)
	removed := h.coord.SweepStale(h.clock.Now())
	if len(removed) != 1 || removed[0] != "UAL123" {
		t.Fatalf("removed = %v, want [UAL123]", removed)
	}

	msgs := h.hub.messages(websocket.MessageTypeAircraftRemove)
	if len(msgs) != 1 {
		t.Fatalf("got %d aircraft_remove, want 1", len(msgs))
	}
	if ids := msgs[0].Payload.([]string); len(ids) != 1 || ids[0] != "UAL123" {
		t.Errorf("aircraft_remove payload = %v", ids)
	}
	if _, ok := h.hub.queued("UAL123"); ok {
		t.Error("pending update for swept aircraft not dropped")
	}
	if h.tracks.Len("UAL123") != 1 {
		t.Error("history should survive a timeout removal")
	}
	if st := h.coord.Stats(); st.TimeoutRemovals != 1 {
		t.Errorf("timeout removals = %d, want 1", st.TimeoutRemovals)
	}
}

func TestSweepStaleClearsHistoryWhenConfigured(t *testing.T) {
	opts := testOpts()
	opts.ClearHistoryOnTimeout = true
	h := newHarness(t, opts)
	h.coord.SubmitPosition(json.RawMessage(`{"id":"A","lat":0,"lon":0}`), nil)

	h.clock.Advance(time.Minute)
	h.coord.SweepStale(h.clock.Now())

	if h.tracks.Len("A") != 0 {
		t.Error("history kept despite ClearHistoryOnTimeout")
	}
	if len(h.hub.messages(websocket.MessageTypeAircraftTrackClear)) != 1 {
		t.Error("aircraft_track_clear not broadcast")
	}
}

func TestPaginate(t *testing.T) {
	points := make([]track.Point, 5)
	tests := []struct {
		size      int
		wantPages int
	}{
		{1, 5},
		{2, 3},
		{5, 1},
		{200, 1},
	}
	for _, tt := range tests {
		pages := paginate("A", points, tt.size)
		if len(pages) != tt.wantPages {
			t.Errorf("size %d: %d pages, want %d", tt.size, len(pages), tt.wantPages)
			continue
		}
		total := 0
		for _, p := range pages {
			total += len(p.Points)
		}
		if total != len(points) || !pages[len(pages)-1].IsLast {
			t.Errorf("size %d: pages cover %d points, last=%v", tt.size, total, pages[len(pages)-1].IsLast)
		}
	}
}
