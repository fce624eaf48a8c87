package physics

import (
	"math"
	"time"

	"github.com/westphae/geomag/pkg/egm96"
	"github.com/westphae/geomag/pkg/wmm"
)

// Constants
const (
	EarthRadiusM = 6371000.0 // Mean earth radius (m)
	MetersPerNM  = 1852.0    // Meters in one nautical mile
	FeetToMeters = 0.3048    // Conversion factor from feet to meters
)

// Haversine returns the great-circle distance in meters between two points
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := DegreesToRadians(lat1)
	phi2 := DegreesToRadians(lat2)
	dPhi := DegreesToRadians(lat2 - lat1)
	dLambda := DegreesToRadians(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusM * c
}

// DegreesToRadians converts degrees to radians
func DegreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// MetersToNM converts meters to nautical miles
func MetersToNM(meters float64) float64 {
	return meters / MetersPerNM
}

// DistanceNM returns the great-circle distance in nautical miles
func DistanceNM(lat1, lon1, lat2, lon2 float64) float64 {
	return MetersToNM(Haversine(lat1, lon1, lat2, lon2))
}

// NormalizeHeading wraps a heading in degrees into [0, 360)
func NormalizeHeading(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// HeadingDelta returns the smallest absolute angle between two headings
func HeadingDelta(a, b float64) float64 {
	d := math.Abs(NormalizeHeading(a) - NormalizeHeading(b))
	if d > 180 {
		d = 360 - d
	}
	return d
}

// CalculateMagneticVariation calculates the magnetic declination for a given position and time
// Returns declination in degrees (+East, -West)
func CalculateMagneticVariation(lat, lon, altFt float64, date time.Time) float64 {
	altM := altFt * FeetToMeters

	loc := egm96.NewLocationGeodetic(lat, lon, altM)

	mag, err := wmm.CalculateWMMMagneticField(loc, date)
	if err != nil {
		// Return 0 for safety if calculation fails
		return 0.0
	}

	return mag.D()
}

// MagneticHeading converts a true heading into a magnetic heading using WMM declination
func MagneticHeading(trueHeading, lat, lon, altFt float64, date time.Time) float64 {
	return NormalizeHeading(trueHeading - CalculateMagneticVariation(lat, lon, altFt, date))
}
