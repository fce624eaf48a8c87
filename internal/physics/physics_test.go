package physics

import (
	"math"
	"testing"
)

func TestHaversine(t *testing.T) {
	tests := []struct {
		name       string
		lat1, lon1 float64
		lat2, lon2 float64
		wantNM     float64
		tolNM      float64
	}{
		{"same point", 37.0, -122.0, 37.0, -122.0, 0, 0.001},
		{"one degree of latitude", 0, 0, 1, 0, 60.04, 0.1},
		{"SFO to LAX", 37.6188, -122.375, 33.9425, -118.4081, 293, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DistanceNM(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			if math.Abs(got-tt.wantNM) > tt.tolNM {
				t.Errorf("DistanceNM = %.3f, want %.3f ± %.3f", got, tt.wantNM, tt.tolNM)
			}
		})
	}
}

func TestNormalizeHeading(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0, 0},
		{359, 359},
		{360, 0},
		{725, 5},
		{-90, 270},
	}
	for _, tt := range tests {
		if got := NormalizeHeading(tt.in); got != tt.want {
			t.Errorf("NormalizeHeading(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestHeadingDelta(t *testing.T) {
	if got := HeadingDelta(350, 10); got != 20 {
		t.Errorf("HeadingDelta(350, 10) = %v, want 20", got)
	}
	if got := HeadingDelta(90, 270); got != 180 {
		t.Errorf("HeadingDelta(90, 270) = %v, want 180", got)
	}
}
