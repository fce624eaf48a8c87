package aircraft

import (
	"time"
)

// Waypoint is one entry of a player's exported flight plan
type Waypoint struct {
	Ident string  `json:"ident"`
	Type  string  `json:"type,omitempty"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Alt   int     `json:"alt,omitempty"`
}

// State represents one tracked aircraft's latest known telemetry
type State struct {
	ID           string `json:"aircraftId"`
	Callsign     string `json:"callsign"`
	AircraftType string `json:"type"`
	UserID       string `json:"userId,omitempty"`

	Lat             float64 `json:"lat"`
	Lon             float64 `json:"lon"`
	AltitudeAGL     *int    `json:"alt,omitempty"`   // Feet above ground, when the producer could compute it
	AltitudeMSL     int     `json:"altMSL"`          // Feet above sea level
	Heading         int     `json:"heading"`         // True heading, 0-359
	MagneticHeading int     `json:"magneticHeading"` // Derived from WMM declination, 0-359
	GroundSpeed     int     `json:"speed"`           // Knots
	VerticalSpeed   int     `json:"vspeed"`          // Feet per minute

	FlightNumber   string     `json:"flightNo"`
	Departure      string     `json:"departure"`
	Arrival        string     `json:"arrival"`
	Squawk         string     `json:"squawk"`
	TakeoffTimeUTC string     `json:"takeoffTime"`
	NextWaypoint   string     `json:"nextWaypoint"`
	FlightPlan     []Waypoint `json:"flightPlan"`

	LastSeenAt   time.Time `json:"lastSeenAt"`
	LastUpdateAt time.Time `json:"lastUpdateAt"`
}

// DisplayAltitude returns AGL when known, otherwise MSL
func (s *State) DisplayAltitude() int {
	if s.AltitudeAGL != nil {
		return *s.AltitudeAGL
	}
	return s.AltitudeMSL
}

// Clone returns a deep copy so callers never share slices or pointers with the registry
func (s State) Clone() State {
	c := s
	if s.AltitudeAGL != nil {
		agl := *s.AltitudeAGL
		c.AltitudeAGL = &agl
	}
	if s.FlightPlan != nil {
		c.FlightPlan = make([]Waypoint, len(s.FlightPlan))
		copy(c.FlightPlan, s.FlightPlan)
	}
	return c
}
