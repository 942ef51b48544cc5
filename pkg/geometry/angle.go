package geometry

import "math"

// NormalizeDegrees wraps an angle in degrees to the range [0, 360).
func NormalizeDegrees(deg float64) float64 {
	d := math.Mod(deg, 360)
	if d < 0 {
		d += 360
	}
	return d
}

// AngleDiffDegrees returns the signed shortest-arc difference a-b in degrees,
// in the range (-180, 180].
func AngleDiffDegrees(a, b float64) float64 {
	d := math.Mod(a-b, 360)
	if d > 180 {
		d -= 360
	}
	if d <= -180 {
		d += 360
	}
	return d
}

// WeightedAngularMean computes the weighted circular mean of angles in
// degrees. Angles are averaged on the unit circle, so estimates straddling
// the 0/360 boundary combine along the shorter arc instead of wrapping.
// Returns a value in [0, 360).
func WeightedAngularMean(degrees, weights []float64) float64 {
	var sinSum, cosSum float64
	for i, d := range degrees {
		w := 1.0
		if i < len(weights) {
			w = weights[i]
		}
		rad := d * math.Pi / 180
		sinSum += w * math.Sin(rad)
		cosSum += w * math.Cos(rad)
	}
	if sinSum == 0 && cosSum == 0 {
		return 0
	}
	return NormalizeDegrees(math.Atan2(sinSum, cosSum) * 180 / math.Pi)
}
