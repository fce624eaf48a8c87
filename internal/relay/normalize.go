package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/seabus0316/geofs-flightradar/internal/aircraft"
	"github.com/seabus0316/geofs-flightradar/internal/physics"
)

// Reasons a report is rejected
var (
	ErrMalformedPayload = errors.New("payload is not a JSON object")
	ErrInvalidPosition  = errors.New("lat/lon missing, non-numeric or out of range")
	ErrNoIdentity       = errors.New("no usable aircraft identity")
)

// Report is a position report after permissive coercion
type Report struct {
	ID           string
	UserID       string
	Callsign     string
	AircraftType string

	Lat           float64
	Lon           float64
	AltitudeAGL   *int
	AltitudeMSL   int
	Heading       int
	Speed         int
	VerticalSpeed int

	FlightNumber string
	Departure    string
	Arrival      string
	Squawk       string
	TakeoffTime  string
	NextWaypoint string
	FlightPlan   []aircraft.Waypoint
}

// fields is a decoded payload object with alias lookup
type fields map[string]json.RawMessage

func (f fields) first(keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := f[k]; ok && !isNull(v) {
			return v, true
		}
	}
	return nil, false
}

func isNull(v json.RawMessage) bool {
	return len(bytes.TrimSpace(v)) == 0 || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// ParseReport coerces a raw position payload. Only lat and lon are
// mandatory; every other field falls back to its zero value when missing or
// malformed. Keys from the websocket userscript, the HTTP producer and the
// legacy /report body are all accepted.
func ParseReport(raw json.RawMessage) (*Report, error) {
	var f fields
	if err := json.Unmarshal(raw, &f); err != nil || f == nil {
		return nil, ErrMalformedPayload
	}

	lat, latOK := strictNumber(f["lat"])
	lon, lonOK := strictNumber(f["lon"])
	if !latOK || !lonOK || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, ErrInvalidPosition
	}

	r := &Report{
		ID:            f.str("id", "aircraftId"),
		UserID:        f.str("userId", "googleId"),
		Callsign:      f.str("callsign"),
		AircraftType:  f.str("type", "aircraftType"),
		Lat:           lat,
		Lon:           lon,
		AltitudeMSL:   f.integer("altMSL"),
		Heading:       int(physics.NormalizeHeading(float64(f.integer("heading", "hdg")))),
		Speed:         f.integer("speed", "spd", "kias"),
		VerticalSpeed: f.integer("vspeed", "verticalSpeed"),
		FlightNumber:  f.str("flightNo", "flightNumber"),
		Departure:     f.str("departure"),
		Arrival:       f.str("arrival"),
		Squawk:        f.str("squawk"),
		TakeoffTime:   f.str("takeoffTime"),
		NextWaypoint:  f.str("nextWaypoint"),
	}

	if v, ok := f.first("alt"); ok {
		if n, ok := coerceNumber(v); ok {
			alt := roundInt(n)
			r.AltitudeAGL = &alt
		}
	}
	if _, ok := f.first("altMSL"); !ok && r.AltitudeAGL != nil {
		r.AltitudeMSL = *r.AltitudeAGL
	}

	if v, ok := f.first("flightPlan"); ok {
		r.FlightPlan = parseFlightPlan(v)
	}

	return r, nil
}

func (f fields) str(keys ...string) string {
	v, ok := f.first(keys...)
	if !ok {
		return ""
	}
	return coerceString(v)
}

func (f fields) integer(keys ...string) int {
	v, ok := f.first(keys...)
	if !ok {
		return 0
	}
	n, ok := coerceNumber(v)
	if !ok {
		return 0
	}
	return roundInt(n)
}

// strictNumber accepts only a finite JSON number
func strictNumber(v json.RawMessage) (float64, bool) {
	if isNull(v) {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(v, &n); err != nil {
		return 0, false
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

// coerceNumber accepts a JSON number or a string holding one ("123.4")
func coerceNumber(v json.RawMessage) (float64, bool) {
	if n, ok := strictNumber(v); ok {
		return n, true
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

// coerceString accepts a JSON string, number or bool
func coerceString(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	var b bool
	if err := json.Unmarshal(v, &b); err == nil {
		return strconv.FormatBool(b)
	}
	return ""
}

func roundInt(n float64) int {
	r := math.Round(n)
	if r > math.MaxInt32 {
		return math.MaxInt32
	}
	if r < math.MinInt32 {
		return math.MinInt32
	}
	return int(r)
}

// parseFlightPlan reads an exported flight plan: either an array of waypoint
// objects or an object wrapping one under "waypoints". Entries without an
// identifier or position are skipped.
func parseFlightPlan(v json.RawMessage) []aircraft.Waypoint {
	var entries []json.RawMessage
	if err := json.Unmarshal(v, &entries); err != nil {
		var wrapper struct {
			Waypoints []json.RawMessage `json:"waypoints"`
		}
		if err := json.Unmarshal(v, &wrapper); err != nil {
			return nil
		}
		entries = wrapper.Waypoints
	}

	plan := make([]aircraft.Waypoint, 0, len(entries))
	for _, e := range entries {
		var wf fields
		if err := json.Unmarshal(e, &wf); err != nil || wf == nil {
			continue
		}
		wp := aircraft.Waypoint{
			Ident: wf.str("ident", "id", "name"),
			Type:  wf.str("type"),
			Alt:   wf.integer("alt", "altitude"),
		}
		lat, latOK := wf.first("lat")
		lon, lonOK := wf.first("lon", "lng")
		if latOK && lonOK {
			wp.Lat, _ = coerceNumber(lat)
			wp.Lon, _ = coerceNumber(lon)
		}
		if wp.Ident == "" && !(latOK && lonOK) {
			continue
		}
		plan = append(plan, wp)
	}
	return plan
}
