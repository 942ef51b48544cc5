package features

import "math"

// MatchMutual pairs descriptors by mutual nearest neighbor with Lowe's ratio
// test: a match survives only if each side is the other's best candidate and
// the best distance is below ratio times the second best. Euclidean distance
// on the normalized patches.
func MatchMutual(a, b []Descriptor, ratio float64) []Match {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}

	bestAB := make([]int, len(a))
	for i := range a {
		bestAB[i] = nearest(a[i], b, ratio)
	}
	bestBA := make([]int, len(b))
	for j := range b {
		bestBA[j] = nearest(b[j], a, ratio)
	}

	var matches []Match
	for i, j := range bestAB {
		if j >= 0 && bestBA[j] == i {
			matches = append(matches, Match{A: i, B: j, Distance: distance(a[i], b[j])})
		}
	}
	return matches
}

// nearest returns the index of the closest descriptor in set, or -1 when the
// ratio test fails or the set has no second candidate to test against.
func nearest(d Descriptor, set []Descriptor, ratio float64) int {
	best, second := math.MaxFloat64, math.MaxFloat64
	bestIdx := -1
	for i := range set {
		dist := distance(d, set[i])
		if dist < best {
			second = best
			best = dist
			bestIdx = i
		} else if dist < second {
			second = dist
		}
	}
	if bestIdx < 0 {
		return -1
	}
	if len(set) > 1 && best >= ratio*second {
		return -1
	}
	return bestIdx
}

func distance(a, b Descriptor) float64 {
	var sum float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
