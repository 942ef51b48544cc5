// Package orb provides an OpenCV ORB implementation of features.Detector.
// It is kept in its own package so the pure-Go pipeline builds and runs
// without linking OpenCV; binaries that want ORB import this package and
// inject the detector.
package orb

import (
	"context"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"tissue-stitcher/internal/features"
)

// Detector wraps a gocv ORB extractor. Not safe for concurrent Detect calls
// on the same instance; create one per goroutine.
type Detector struct {
	orb gocv.ORB
}

// New creates an ORB detector capped at maxFeatures keypoints.
func New(maxFeatures int) *Detector {
	return &Detector{
		orb: gocv.NewORBWithParams(maxFeatures, 1.2, 8, 31, 0, 2, gocv.ORBScoreTypeHarris, 31, 20),
	}
}

// Close releases the underlying OpenCV resources.
func (d *Detector) Close() error {
	return d.orb.Close()
}

// Detect runs ORB keypoint detection and description. Binary descriptors are
// expanded bit-per-element into float vectors so the squared Euclidean
// distance used by the matcher equals the Hamming distance.
func (d *Detector) Detect(ctx context.Context, img *image.RGBA) ([]features.Keypoint, []features.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	mat, err := gocv.ImageToMatRGBA(img)
	if err != nil {
		return nil, nil, fmt.Errorf("converting image: %w", err)
	}
	defer mat.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorRGBAToGray)

	mask := gocv.NewMat()
	defer mask.Close()

	kps, descMat := d.orb.DetectAndCompute(gray, mask)
	defer descMat.Close()

	out := make([]features.Keypoint, len(kps))
	descs := make([]features.Descriptor, len(kps))
	for i, kp := range kps {
		out[i] = features.Keypoint{X: kp.X, Y: kp.Y, Response: kp.Response}
		descs[i] = expandBits(descMat, i)
	}
	return out, descs, nil
}

// expandBits converts row i of a CV_8U descriptor matrix into a 0/1 float
// vector, one element per bit.
func expandBits(m gocv.Mat, i int) features.Descriptor {
	cols := m.Cols()
	desc := make(features.Descriptor, cols*8)
	for c := 0; c < cols; c++ {
		b := m.GetUCharAt(i, c)
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				desc[c*8+bit] = 1
			}
		}
	}
	return desc
}
