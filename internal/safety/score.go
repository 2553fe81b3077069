package safety

import "math"

const (
	vestingWeight   = 0.4
	liquidityWeight = 0.3
	volumeWeight    = 0.2
	devWeight       = 0.1

	maxDevScore = 100
)

// Breakdown carries the per-metric scores before weighting.
type Breakdown struct {
	VestingScore   float64 `json:"vestingScore"`
	LiquidityScore float64 `json:"liquidityScore"`
	VolumeScore    float64 `json:"volumeScore"`
	DevScore       float64 `json:"devScore"`
}

// SafetyScore is the weighted score plus its breakdown. Liquidity and volume
// are not normalized, so Score has no upper bound.
type SafetyScore struct {
	Score     int       `json:"score"`
	Breakdown Breakdown `json:"breakdown"`
}

// Weighted combines the breakdown into a score, rounding halves up. Totals
// beyond the int range saturate at math.MaxInt; NaN and negative totals score 0.
func Weighted(b Breakdown) SafetyScore {
	total := b.VestingScore*vestingWeight +
		b.LiquidityScore*liquidityWeight +
		b.VolumeScore*volumeWeight +
		b.DevScore*devWeight
	return SafetyScore{Score: roundScore(total), Breakdown: b}
}

func roundScore(total float64) int {
	rounded := math.Floor(total + 0.5)
	switch {
	case math.IsNaN(rounded) || rounded <= 0:
		return 0
	case rounded >= math.MaxInt:
		// float64(math.MaxInt) is 2^63, the first value int cannot hold.
		return math.MaxInt
	default:
		return int(rounded)
	}
}

func vestingScore(locked, schedule float64) float64 {
	sum := locked + schedule
	if sum == 0 {
		return 0
	}
	return locked / sum * 100
}

func volumeScore(points [][2]float64) float64 {
	if len(points) == 0 {
		return 0
	}
	peak := math.Inf(-1)
	for _, point := range points {
		peak = max(peak, point[1])
	}
	return peak / 1e6
}

func devScore(commits int) float64 {
	return float64(min(commits, maxDevScore))
}
