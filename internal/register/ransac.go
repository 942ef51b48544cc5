package register

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"tissue-stitcher/pkg/geometry"
)

// errNoFit is wrapped into a RegistrationFailedError by the engine.
var errNoFit = errors.New("no rigid fit found")

// RigidFit is the result of a robust rigid estimation: the transform mapping
// source points onto destination points, the surviving correspondence
// indices, and the RMS residual over those inliers.
type RigidFit struct {
	Transform geometry.AffineTransform
	Inliers   []int
	Residual  float64
}

// FitRigidRANSAC estimates a rotation plus translation from point
// correspondences. Two-point minimal samples seed each hypothesis; the best
// consensus set is refit by least squares. The rng is caller-owned so runs
// are reproducible under a fixed seed.
func FitRigidRANSAC(ctx context.Context, src, dst []geometry.Point2D, iterations int, threshold float64, rng *rand.Rand) (*RigidFit, error) {
	if len(src) != len(dst) {
		return nil, fmt.Errorf("point count mismatch: %d vs %d", len(src), len(dst))
	}
	if len(src) < 2 {
		return nil, errNoFit
	}

	n := len(src)
	var bestInliers []int

	for iter := 0; iter < iterations; iter++ {
		// Cancellation is checked in batches; an iteration is microseconds.
		if iter%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		i0 := rng.Intn(n)
		i1 := rng.Intn(n)
		if i1 == i0 {
			continue
		}

		transform, ok := rigidFrom2(src[i0], src[i1], dst[i0], dst[i1])
		if !ok {
			continue
		}

		var inliers []int
		for i := range src {
			if transform.Apply(src[i]).Distance(dst[i]) < threshold {
				inliers = append(inliers, i)
			}
		}
		if len(inliers) > len(bestInliers) {
			bestInliers = inliers
		}
	}

	if len(bestInliers) < 2 {
		return nil, errNoFit
	}

	inlierSrc := make([]geometry.Point2D, len(bestInliers))
	inlierDst := make([]geometry.Point2D, len(bestInliers))
	for i, idx := range bestInliers {
		inlierSrc[i] = src[idx]
		inlierDst[i] = dst[idx]
	}

	final := rigidLeastSquares(inlierSrc, inlierDst)

	var sumSq float64
	for i := range inlierSrc {
		d := final.Apply(inlierSrc[i]).Distance(inlierDst[i])
		sumSq += d * d
	}

	return &RigidFit{
		Transform: final,
		Inliers:   bestInliers,
		Residual:  math.Sqrt(sumSq / float64(len(bestInliers))),
	}, nil
}

// rigidFrom2 computes a rigid transform from 2 point pairs. The rotation is
// the angle between the pair vectors; translation follows from the first pair.
func rigidFrom2(s0, s1, d0, d1 geometry.Point2D) (geometry.AffineTransform, bool) {
	sx, sy := s1.X-s0.X, s1.Y-s0.Y
	dx, dy := d1.X-d0.X, d1.Y-d0.Y

	srcLen := math.Sqrt(sx*sx + sy*sy)
	dstLen := math.Sqrt(dx*dx + dy*dy)
	if srcLen < 0.001 || dstLen < 0.001 {
		return geometry.AffineTransform{}, false
	}

	theta := math.Atan2(dy, dx) - math.Atan2(sy, sx)
	cosT := math.Cos(theta)
	sinT := math.Sin(theta)

	// d0 = R * s0 + t  =>  t = d0 - R * s0
	tx := d0.X - (cosT*s0.X - sinT*s0.Y)
	ty := d0.Y - (sinT*s0.X + cosT*s0.Y)

	return geometry.AffineTransform{
		A: cosT, B: -sinT, TX: tx,
		C: sinT, D: cosT, TY: ty,
	}, true
}

// rigidLeastSquares computes the best rigid transform from N point pairs
// using the centroid plus cross/dot product method.
func rigidLeastSquares(src, dst []geometry.Point2D) geometry.AffineTransform {
	n := float64(len(src))

	var srcCx, srcCy, dstCx, dstCy float64
	for i := range src {
		srcCx += src[i].X
		srcCy += src[i].Y
		dstCx += dst[i].X
		dstCy += dst[i].Y
	}
	srcCx /= n
	srcCy /= n
	dstCx /= n
	dstCy /= n

	var dotSum, crossSum float64
	for i := range src {
		sx, sy := src[i].X-srcCx, src[i].Y-srcCy
		dx, dy := dst[i].X-dstCx, dst[i].Y-dstCy
		dotSum += sx*dx + sy*dy
		crossSum += sx*dy - sy*dx
	}

	theta := math.Atan2(crossSum, dotSum)
	cosT := math.Cos(theta)
	sinT := math.Sin(theta)

	tx := dstCx - (cosT*srcCx - sinT*srcCy)
	ty := dstCy - (sinT*srcCx + cosT*srcCy)

	return geometry.AffineTransform{
		A: cosT, B: -sinT, TX: tx,
		C: sinT, D: cosT, TY: ty,
	}
}

// affineScaleDeviation fits an unconstrained affine to the point pairs by QR
// least squares and reports how far its implied scales stray from 1. A large
// deviation means the correspondences are not explained by a rigid motion,
// typically a folded or stretched section, and the pair should be rejected
// rather than forced into a rigid pose.
func affineScaleDeviation(src, dst []geometry.Point2D) (float64, error) {
	n := len(src)
	if n < 3 {
		return 0, fmt.Errorf("need at least 3 points, got %d", n)
	}

	A := mat.NewDense(n*2, 6, nil)
	B := mat.NewVecDense(n*2, nil)

	for i := 0; i < n; i++ {
		x, y := src[i].X, src[i].Y

		A.Set(i*2, 0, x)
		A.Set(i*2, 1, y)
		A.Set(i*2, 2, 1)
		B.SetVec(i*2, dst[i].X)

		A.Set(i*2+1, 3, x)
		A.Set(i*2+1, 4, y)
		A.Set(i*2+1, 5, 1)
		B.SetVec(i*2+1, dst[i].Y)
	}

	var qr mat.QR
	qr.Factorize(A)

	var params mat.VecDense
	if err := qr.SolveVecTo(&params, false, B); err != nil {
		return 0, err
	}

	linear := mat.NewDense(2, 2, []float64{
		params.AtVec(0), params.AtVec(1),
		params.AtVec(3), params.AtVec(4),
	})

	var svd mat.SVD
	if !svd.Factorize(linear, mat.SVDNone) {
		return 0, fmt.Errorf("svd of linear part failed")
	}
	values := svd.Values(nil)

	dev := math.Abs(values[0] - 1)
	if d := math.Abs(values[1] - 1); d > dev {
		dev = d
	}
	return dev, nil
}
