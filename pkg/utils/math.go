package utils

// Point is a single (time, value) observation used for trend fitting.
type Point struct {
	X float64
	Y float64
}

// Slope returns the least-squares slope of points, in Y units per X unit.
// Fewer than two points, or points with no X spread, yield 0.
func Slope(points []Point) float64 {
	n := float64(len(points))
	if n < 2 {
		return 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for _, p := range points {
		sumX += p.X
		sumY += p.Y
		sumXY += p.X * p.Y
		sumXX += p.X * p.X
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// Clamp01 bounds v to [0, 1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ClampScore bounds v to [0, 100].
func ClampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Ratio returns num/den, or fallback when den is zero.
func Ratio(num, den uint64, fallback float64) float64 {
	if den == 0 {
		return fallback
	}
	return float64(num) / float64(den)
}
