package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seabus0316/geofs-flightradar/internal/simulation"
	"github.com/seabus0316/geofs-flightradar/pkg/logger"
)

// CreateSimulatedAircraft spawns a simulated aircraft
func (h *Handler) CreateSimulatedAircraft(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Lat          float64 `json:"lat"`
		Lon          float64 `json:"lon"`
		Altitude     float64 `json:"altitude"`
		Heading      float64 `json:"heading"`
		Speed        float64 `json:"speed"`
		VerticalRate float64 `json:"vertical_rate"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReportBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	aircraft, err := h.simulation.CreateAircraft(req.Lat, req.Lon, req.Altitude, simulation.Controls{
		Heading:      req.Heading,
		Speed:        req.Speed,
		VerticalRate: req.VerticalRate,
	})
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, simulation.ErrLimitReached) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}

	h.logger.Info("Created simulated aircraft via API",
		logger.String("aircraft_id", aircraft.ID),
		logger.String("callsign", aircraft.Callsign))

	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"status":   "success",
		"aircraft": aircraft,
	})
}

// UpdateSimulationControls changes what a simulated aircraft is flying
func (h *Handler) UpdateSimulationControls(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Missing aircraft ID", http.StatusBadRequest)
		return
	}

	var controls simulation.Controls
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReportBytes)).Decode(&controls); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if err := h.simulation.UpdateControls(id, controls); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, simulation.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// RemoveSimulatedAircraft stops a simulated aircraft and clears it from the radar
func (h *Handler) RemoveSimulatedAircraft(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.simulation.RemoveAircraft(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	h.logger.Info("Removed simulated aircraft via API", logger.String("aircraft_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// GetSimulatedAircraft returns all simulated aircraft
func (h *Handler) GetSimulatedAircraft(w http.ResponseWriter, r *http.Request) {
	aircraft := h.simulation.GetAllAircraft()
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"aircraft": aircraft,
		"count":    len(aircraft),
	})
}
