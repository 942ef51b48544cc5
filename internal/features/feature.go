// Package features provides keypoint detection and descriptor matching on
// grayscale image patches. The default detector is pure Go; an OpenCV-backed
// ORB detector lives in the orb subpackage for builds that link gocv.
package features

import (
	"context"
	"image"
)

// Keypoint is a detected interest point in the coordinate frame of the image
// it was detected in.
type Keypoint struct {
	X, Y     float64
	Response float64 // detector score, higher is stronger
}

// Descriptor is a fixed-length appearance vector sampled around a keypoint.
type Descriptor []float32

// Detector extracts keypoints and descriptors from an image. Implementations
// must be safe for concurrent use on distinct images.
type Detector interface {
	Detect(ctx context.Context, img *image.RGBA) ([]Keypoint, []Descriptor, error)
}

// Match pairs a keypoint index in the first image with one in the second.
type Match struct {
	A, B     int
	Distance float64
}
