package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/seabus0316/geofs-flightradar/internal/aircraft"
	"github.com/seabus0316/geofs-flightradar/internal/config"
	"github.com/seabus0316/geofs-flightradar/internal/physics"
	"github.com/seabus0316/geofs-flightradar/internal/relay"
	"github.com/seabus0316/geofs-flightradar/internal/simulation"
	"github.com/seabus0316/geofs-flightradar/internal/sweep"
	"github.com/seabus0316/geofs-flightradar/internal/track"
	"github.com/seabus0316/geofs-flightradar/internal/websocket"
	"github.com/seabus0316/geofs-flightradar/pkg/logger"
)

// maxReportBytes bounds an HTTP position report; flight plans can be long
const maxReportBytes = 64 * 1024

// Handler contains the API handlers
type Handler struct {
	coordinator *relay.Coordinator
	tracks      *track.Store
	wsServer    *websocket.Server
	scheduler   *sweep.Scheduler
	simulation  *simulation.Service
	config      *config.Config
	limiter     *rate.Limiter
	logger      *logger.Logger
	startedAt   time.Time
}

// NewHandler creates a new API handler. scheduler and simulationService may
// be nil.
func NewHandler(
	coordinator *relay.Coordinator,
	tracks *track.Store,
	wsServer *websocket.Server,
	scheduler *sweep.Scheduler,
	simulationService *simulation.Service,
	cfg *config.Config,
	log *logger.Logger,
) *Handler {
	return &Handler{
		coordinator: coordinator,
		tracks:      tracks,
		wsServer:    wsServer,
		scheduler:   scheduler,
		simulation:  simulationService,
		config:      cfg,
		limiter:     rate.NewLimiter(rate.Limit(cfg.Server.IngestRatePerSec), cfg.Server.IngestBurst),
		logger:      log.Named("api"),
		startedAt:   time.Now(),
	}
}

// GetHealth returns liveness and component counters
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
		"relay":          h.coordinator.Stats(),
		"tracks":         h.tracks.Stats(),
		"sessions":       h.wsServer.Stats(),
	}
	if h.scheduler != nil {
		response["sweep"] = h.scheduler.Stats()
	}
	if h.simulation != nil {
		response["simulated_aircraft"] = h.simulation.Count()
	}

	WriteJSON(w, http.StatusOK, response)
}

// AircraftListResponse is the body of GET /api/aircraft
type AircraftListResponse struct {
	Aircraft  []aircraft.State `json:"aircraft"`
	Count     int              `json:"count"`
	Timestamp time.Time        `json:"timestamp"`
}

// GetAllAircraft returns live aircraft ordered by id. Optional filters:
// callsign (substring), min_alt / max_alt (feet, display altitude) and
// lat / lon / radius_nm.
func (h *Handler) GetAllAircraft(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAircraftFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	all := h.coordinator.Snapshot()
	result := make([]aircraft.State, 0, len(all))
	for _, a := range all {
		if filter.matches(&a) {
			result = append(result, a)
		}
	}

	h.logger.Debug("Listed aircraft",
		logger.Int("total", len(all)),
		logger.Int("matched", len(result)))

	WriteJSON(w, http.StatusOK, AircraftListResponse{
		Aircraft:  result,
		Count:     len(result),
		Timestamp: time.Now().UTC(),
	})
}

type aircraftFilter struct {
	callsign         string
	minAlt, maxAlt   int
	hasArea          bool
	lat, lon, radius float64
}

func parseAircraftFilter(r *http.Request) (aircraftFilter, error) {
	q := r.URL.Query()
	f := aircraftFilter{
		callsign: strings.ToUpper(strings.TrimSpace(q.Get("callsign"))),
		minAlt:   -1 << 31,
		maxAlt:   1<<31 - 1,
	}

	if v := q.Get("min_alt"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, errors.New("min_alt must be an integer")
		}
		f.minAlt = n
	}
	if v := q.Get("max_alt"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, errors.New("max_alt must be an integer")
		}
		f.maxAlt = n
	}

	if v := q.Get("radius_nm"); v != "" {
		var err error
		if f.radius, err = strconv.ParseFloat(v, 64); err != nil || f.radius <= 0 {
			return f, errors.New("radius_nm must be a positive number")
		}
		if f.lat, err = strconv.ParseFloat(q.Get("lat"), 64); err != nil {
			return f, errors.New("lat is required with radius_nm")
		}
		if f.lon, err = strconv.ParseFloat(q.Get("lon"), 64); err != nil {
			return f, errors.New("lon is required with radius_nm")
		}
		f.hasArea = true
	}
	return f, nil
}

func (f aircraftFilter) matches(a *aircraft.State) bool {
	if f.callsign != "" && !strings.Contains(strings.ToUpper(a.Callsign), f.callsign) {
		return false
	}
	alt := a.DisplayAltitude()
	if alt < f.minAlt || alt > f.maxAlt {
		return false
	}
	if f.hasArea && physics.DistanceNM(f.lat, f.lon, a.Lat, a.Lon) > f.radius {
		return false
	}
	return true
}

// GetAircraft returns one live aircraft
func (h *Handler) GetAircraft(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Missing aircraft ID", http.StatusBadRequest)
		return
	}

	state, found := h.coordinator.Aircraft(id)
	if !found {
		http.Error(w, "Aircraft not found", http.StatusNotFound)
		return
	}

	WriteJSON(w, http.StatusOK, state)
}

// TrackResponse is the body of GET /api/aircraft/{id}/track
type TrackResponse struct {
	AircraftID string        `json:"aircraftId"`
	Live       bool          `json:"live"`
	Points     []track.Point `json:"points"`
	Count      int           `json:"count"`
}

// GetAircraftTrack returns an aircraft's simplified history. Tracks outlive
// the live entry, so an aircraft that timed out can still be replayed.
func (h *Handler) GetAircraftTrack(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Missing aircraft ID", http.StatusBadRequest)
		return
	}

	window := h.config.HistoryWindow()
	if v := r.URL.Query().Get("window_minutes"); v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil || minutes <= 0 {
			http.Error(w, "window_minutes must be a positive integer", http.StatusBadRequest)
			return
		}
		window = time.Duration(minutes) * time.Minute
		if retention := h.config.Retention(); window > retention {
			window = retention
		}
	}

	points := h.coordinator.Track(id, window)
	_, live := h.coordinator.Aircraft(id)
	if len(points) == 0 && !live {
		http.Error(w, "Aircraft not found", http.StatusNotFound)
		return
	}
	if points == nil {
		points = []track.Point{}
	}

	WriteJSON(w, http.StatusOK, TrackResponse{
		AircraftID: id,
		Live:       live,
		Points:     points,
		Count:      len(points),
	})
}

// ReportPosition accepts a position report from an HTTP producer. The body is
// the same payload a player sends in position_update.
func (h *Handler) ReportPosition(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		http.Error(w, "Too many reports", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxReportBytes))
	if err != nil {
		http.Error(w, "Report too large", http.StatusRequestEntityTooLarge)
		return
	}

	state, err := h.coordinator.SubmitPosition(json.RawMessage(body), nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]string{
		"status":     "accepted",
		"aircraftId": state.ID,
	})
}

// DeleteAircraft clears an aircraft and its history. Requires the admin token.
func (h *Handler) DeleteAircraft(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Missing aircraft ID", http.StatusBadRequest)
		return
	}

	if !h.coordinator.ClearAircraft(id, "admin") {
		http.Error(w, "Aircraft not found", http.StatusNotFound)
		return
	}

	h.logger.Info("Aircraft cleared by admin",
		logger.String("aircraft_id", id),
		logger.String("remote_addr", r.RemoteAddr))
	w.WriteHeader(http.StatusNoContent)
}

// GetTrackedIDs lists aircraft with retained history, live or not
func (h *Handler) GetTrackedIDs(w http.ResponseWriter, r *http.Request) {
	ids := h.tracks.IDs()
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"aircraftIds": ids,
		"count":       len(ids),
	})
}

// requireAdmin gates a route behind the X-Admin-Token header. With no token
// configured the route is disabled.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := h.config.Server.AdminToken
		if want == "" {
			http.Error(w, "Admin endpoints disabled", http.StatusForbidden)
			return
		}
		got := r.Header.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			h.logger.Warn("Rejected admin request", logger.String("remote_addr", r.RemoteAddr))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
