package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seabus0316/geofs-flightradar/internal/aircraft"
	"github.com/seabus0316/geofs-flightradar/internal/relay"
	"github.com/seabus0316/geofs-flightradar/pkg/logger"
)

type fakeReporter struct {
	mu      sync.Mutex
	reports []*relay.Report
	cleared []string
	events  []string // "report:<id>" and "clear:<id>" in arrival order
}

func (f *fakeReporter) SubmitPosition(raw json.RawMessage, session relay.Session) (aircraft.State, error) {
	r, err := relay.ParseReport(raw)
	if err != nil {
		return aircraft.State{}, err
	}
	f.mu.Lock()
	f.reports = append(f.reports, r)
	f.events = append(f.events, "report:"+r.ID)
	f.mu.Unlock()
	return aircraft.State{ID: r.ID}, nil
}

func (f *fakeReporter) ClearAircraft(id, reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, id)
	f.events = append(f.events, "clear:"+id)
	return true
}

func (f *fakeReporter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reports)
}

// lastEvent returns the most recent event concerning id
func (f *fakeReporter) lastEvent(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if strings.HasSuffix(f.events[i], ":"+id) {
			return f.events[i]
		}
	}
	return ""
}

func (f *fakeReporter) last() *relay.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reports[len(f.reports)-1]
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestService(opts Options) (*Service, *fakeReporter, *clock) {
	rep := &fakeReporter{}
	clk := &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewServiceWithClock(rep, opts, logger.NewNop(), clk.now), rep, clk
}

func TestCreateAircraftReportsImmediately(t *testing.T) {
	svc, rep, _ := newTestService(DefaultOptions())

	a, err := svc.CreateAircraft(37.6, -122.4, 3000, Controls{Heading: 270, Speed: 150, VerticalRate: 500})
	if err != nil {
		t.Fatalf("CreateAircraft: %v", err)
	}
	if !strings.HasPrefix(a.ID, IDPrefix) || !strings.HasPrefix(a.Callsign, "SIM") {
		t.Errorf("identity = %q / %q", a.ID, a.Callsign)
	}
	if !svc.IsSimulated(a.ID) || svc.Count() != 1 {
		t.Error("aircraft not tracked")
	}

	if rep.count() != 1 {
		t.Fatalf("reports = %d, want 1", rep.count())
	}
	r := rep.last()
	if r.ID != a.ID || r.AltitudeMSL != 3000 || r.Heading != 270 || r.Speed != 150 || r.VerticalSpeed != 500 {
		t.Errorf("report = %+v", r)
	}
}

func TestCreateAircraftValidation(t *testing.T) {
	svc, _, _ := newTestService(Options{MaxAircraft: 1})

	tests := []struct {
		name     string
		lat, alt float64
		controls Controls
	}{
		{"latitude", 95, 1000, Controls{}},
		{"altitude", 10, 70000, Controls{}},
		{"heading", 10, 1000, Controls{Heading: 360}},
		{"speed", 10, 1000, Controls{Speed: 600}},
		{"vertical rate", 10, 1000, Controls{VerticalRate: -4000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.CreateAircraft(tt.lat, 0, tt.alt, tt.controls); !errors.Is(err, ErrInvalidControls) {
				t.Errorf("err = %v, want ErrInvalidControls", err)
			}
		})
	}

	if _, err := svc.CreateAircraft(0, 0, 1000, Controls{}); err != nil {
		t.Fatalf("CreateAircraft: %v", err)
	}
	if _, err := svc.CreateAircraft(0, 0, 1000, Controls{}); !errors.Is(err, ErrLimitReached) {
		t.Errorf("err = %v, want ErrLimitReached", err)
	}
}

func TestUpdatePositionsDeadReckoning(t *testing.T) {
	tests := []struct {
		name             string
		controls         Controls
		elapsed          time.Duration
		startAlt         float64
		wantLat, wantLon float64
		wantAlt          float64
	}{
		{"north", Controls{Heading: 0, Speed: 360}, time.Minute, 1000, 0.1, 0, 1000},
		{"east", Controls{Heading: 90, Speed: 360}, 10 * time.Second, 1000, 0, 1.0 / 60, 1000},
		{"climb", Controls{Heading: 0, Speed: 0, VerticalRate: 600}, time.Minute, 1000, 0, 0, 1600},
		{"descent stops at ground", Controls{VerticalRate: -3000}, time.Minute, 1000, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, clk := newTestService(DefaultOptions())
			a, err := svc.CreateAircraft(0, 0, tt.startAlt, tt.controls)
			if err != nil {
				t.Fatalf("CreateAircraft: %v", err)
			}

			clk.t = clk.t.Add(tt.elapsed)
			moved := svc.UpdatePositions()
			if len(moved) != 1 || moved[0].ID != a.ID {
				t.Fatalf("moved = %+v", moved)
			}
			got := moved[0]
			if math.Abs(got.Lat-tt.wantLat) > 1e-9 || math.Abs(got.Lon-tt.wantLon) > 1e-9 {
				t.Errorf("position = %.9f,%.9f want %.9f,%.9f", got.Lat, got.Lon, tt.wantLat, tt.wantLon)
			}
			if math.Abs(got.Altitude-tt.wantAlt) > 1e-9 {
				t.Errorf("altitude = %v, want %v", got.Altitude, tt.wantAlt)
			}
		})
	}
}

func TestUpdateAndRemove(t *testing.T) {
	svc, rep, clk := newTestService(DefaultOptions())
	a, _ := svc.CreateAircraft(10, 10, 5000, Controls{Heading: 10, Speed: 200})

	if err := svc.UpdateControls("sim:NOPE", Controls{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: err = %v", err)
	}
	if err := svc.UpdateControls(a.ID, Controls{Heading: 400}); !errors.Is(err, ErrInvalidControls) {
		t.Errorf("bad heading: err = %v", err)
	}
	if err := svc.UpdateControls(a.ID, Controls{Heading: 180, Speed: 250, VerticalRate: -1000}); err != nil {
		t.Fatalf("UpdateControls: %v", err)
	}

	clk.t = clk.t.Add(time.Second)
	svc.Tick()
	if r := rep.last(); r.Heading != 180 || r.Speed != 250 || r.VerticalSpeed != -1000 {
		t.Errorf("report after update = %+v", r)
	}

	if err := svc.RemoveAircraft(a.ID); err != nil {
		t.Fatalf("RemoveAircraft: %v", err)
	}
	if len(rep.cleared) != 1 || rep.cleared[0] != a.ID {
		t.Errorf("cleared = %v", rep.cleared)
	}
	if _, ok := svc.GetAircraft(a.ID); ok {
		t.Error("aircraft still simulated")
	}
	if err := svc.RemoveAircraft(a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second remove: err = %v", err)
	}
}

func TestRunReportsEachInterval(t *testing.T) {
	rep := &fakeReporter{}
	svc := NewService(rep, Options{UpdateInterval: 10 * time.Millisecond}, logger.NewNop())
	if _, err := svc.CreateAircraft(1, 1, 1000, Controls{Speed: 100}); err != nil {
		t.Fatalf("CreateAircraft: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for rep.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if rep.count() < 3 {
		t.Errorf("reports = %d, want at least 3", rep.count())
	}
}

func TestRemovedAircraftIsNotReportedAgain(t *testing.T) {
	t.Run("stale copy", func(t *testing.T) {
		svc, rep, clk := newTestService(DefaultOptions())
		a, _ := svc.CreateAircraft(10, 10, 5000, Controls{Speed: 200})

		clk.t = clk.t.Add(time.Second)
		moved := svc.UpdatePositions()
		if err := svc.RemoveAircraft(a.ID); err != nil {
			t.Fatalf("RemoveAircraft: %v", err)
		}

		before := rep.count()
		svc.reportMu.Lock()
		svc.report(moved[0])
		svc.reportMu.Unlock()
		if rep.count() != before {
			t.Errorf("stale copy of removed aircraft was reported")
		}
	})

	t.Run("tick racing removal", func(t *testing.T) {
		svc, rep, _ := newTestService(Options{MaxAircraft: 5})

		for i := 0; i < 200; i++ {
			a, err := svc.CreateAircraft(10, 10, 5000, Controls{Speed: 200})
			if err != nil {
				t.Fatalf("CreateAircraft: %v", err)
			}

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				svc.Tick()
			}()
			if err := svc.RemoveAircraft(a.ID); err != nil {
				t.Fatalf("RemoveAircraft: %v", err)
			}
			wg.Wait()

			if last := rep.lastEvent(a.ID); last != "clear:"+a.ID {
				t.Fatalf("iteration %d: last event for %s = %q, want its clear", i, a.ID, last)
			}
		}
	})
}
