package track

import (
	"math"
	"sort"
	"time"

	"github.com/seabus0316/geofs-flightradar/internal/physics"
)

// Scoring weights for Simplify. Low-altitude phases, climbs, descents, speed
// changes, turns and discontinuities outrank level cruise.
const (
	lowAltitudeFt    = 3000
	lowAltitudeBonus = 300.0 // Full bonus on the ground, tapering to 0 at lowAltitudeFt
	altitudeWeight   = 1.0   // Per foot of altitude change
	speedWeight      = 10.0  // Per knot of speed change
	headingWeight    = 5.0   // Per degree of heading change
	gapBonus         = 2000.0
	coverageBonus    = 500.0

	gapDuration   = 60 * time.Second
	gapDistanceNM = 5.0
)

// Budget controls how many points a simplified history may carry
type Budget struct {
	Min       int // Points for short tracks
	Max       int // Hard ceiling
	PerMinute int // Growth with track span
}

// DefaultBudget keeps roughly per-minute resolution for flights up to 12 hours
func DefaultBudget() Budget {
	return Budget{Min: 500, Max: 5000, PerMinute: 6}
}

// PointBudget returns the point cap for a track covering span. Longer tracks
// get a larger budget so their resolution does not flatten.
func PointBudget(span time.Duration, b Budget) int {
	n := int(span.Minutes() * float64(b.PerMinute))
	if n < b.Min {
		n = b.Min
	}
	if n > b.Max {
		n = b.Max
	}
	return n
}

// Simplify reduces points to at most max entries, keeping the first and last
// point and preferring operationally significant ones. Input must be sorted
// by timestamp; the output is too. Tracks already within max are returned
// unchanged.
func Simplify(points []Point, max int) []Point {
	if max < 2 {
		max = 2
	}
	n := len(points)
	if n <= max {
		return points
	}

	scores := scorePoints(points, max)

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	keep := order[:max]
	sort.Ints(keep)

	out := make([]Point, 0, max)
	for _, i := range keep {
		out = append(out, points[i])
	}
	return out
}

func scorePoints(points []Point, max int) []float64 {
	n := len(points)
	scores := make([]float64, n)

	// Uniform coverage on a stride that uses about half the budget, so level
	// cruise still degrades to evenly spaced samples.
	stride := int(math.Ceil(2 * float64(n) / float64(max)))
	if stride < 1 {
		stride = 1
	}

	for i, p := range points {
		var score float64

		if p.Altitude < lowAltitudeFt {
			alt := math.Max(float64(p.Altitude), 0)
			score += lowAltitudeBonus * (1 - alt/lowAltitudeFt)
		}

		if i > 0 {
			prev := points[i-1]
			score += altitudeWeight * math.Abs(float64(p.Altitude-prev.Altitude))
			score += speedWeight * math.Abs(float64(p.Speed-prev.Speed))
			score += headingWeight * physics.HeadingDelta(float64(p.Heading), float64(prev.Heading))

			if isDiscontinuity(prev, p) {
				score += gapBonus
				scores[i-1] += gapBonus
			}
		}

		if i%stride == 0 {
			score += coverageBonus
		}

		scores[i] += score
	}

	scores[0] = math.Inf(1)
	scores[n-1] = math.Inf(1)
	return scores
}

func isDiscontinuity(a, b Point) bool {
	if b.Timestamp.Sub(a.Timestamp) > gapDuration {
		return true
	}
	return physics.DistanceNM(a.Lat, a.Lon, b.Lat, b.Lon) > gapDistanceNM
}
