package features

import (
	"context"
	"image"
	"math"
	"sort"
)

// CornerDetector finds Shi-Tomasi corners (minimum eigenvalue of the local
// structure tensor) and describes each with a mean-normalized intensity patch.
// The descriptor is not rotation invariant; callers compensate by sampling
// both images in a shared orientation before detection.
type CornerDetector struct {
	MaxFeatures int     // cap on returned keypoints, strongest first
	Quality     float64 // relative response threshold, fraction of the max
	MinDistance float64 // minimum pixel spacing between keypoints
	PatchRadius int     // descriptor sampling radius in pixels
}

// NewCornerDetector returns a detector with defaults suitable for tissue
// patches a few hundred pixels across.
func NewCornerDetector() *CornerDetector {
	return &CornerDetector{
		MaxFeatures: 500,
		Quality:     0.01,
		MinDistance: 8,
		PatchRadius: 7,
	}
}

const descriptorGrid = 9 // descriptor samples per axis

// Detect extracts corners and their patch descriptors. Keypoints closer than
// PatchRadius+1 to the image border are dropped so every descriptor samples
// real pixels.
func (d *CornerDetector) Detect(ctx context.Context, img *image.RGBA) ([]Keypoint, []Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 2*d.PatchRadius+3 || h < 2*d.PatchRadius+3 {
		return nil, nil, nil
	}

	gray := toGray(img)

	// Sobel gradients.
	ix := make([]float32, w*h)
	iy := make([]float32, w*h)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			ix[i] = (gray[i-w+1] + 2*gray[i+1] + gray[i+w+1]) -
				(gray[i-w-1] + 2*gray[i-1] + gray[i+w-1])
			iy[i] = (gray[i+w-1] + 2*gray[i+w] + gray[i+w+1]) -
				(gray[i-w-1] + 2*gray[i-w] + gray[i-w+1])
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	// Structure tensor summed over a 3x3 window; the corner response is the
	// smaller eigenvalue.
	resp := make([]float64, w*h)
	var maxResp float64
	for y := 2; y < h-2; y++ {
		for x := 2; x < w-2; x++ {
			var sxx, syy, sxy float64
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					i := (y+dy)*w + (x + dx)
					gx := float64(ix[i])
					gy := float64(iy[i])
					sxx += gx * gx
					syy += gy * gy
					sxy += gx * gy
				}
			}
			tr := sxx + syy
			det := sxx*syy - sxy*sxy
			disc := tr*tr/4 - det
			if disc < 0 {
				disc = 0
			}
			r := tr/2 - math.Sqrt(disc)
			resp[y*w+x] = r
			if r > maxResp {
				maxResp = r
			}
		}
	}
	if maxResp <= 0 {
		return nil, nil, nil
	}

	// Local maxima above the relative quality threshold.
	threshold := maxResp * d.Quality
	margin := d.PatchRadius + 1
	var candidates []Keypoint
	for y := margin; y < h-margin; y++ {
		for x := margin; x < w-margin; x++ {
			r := resp[y*w+x]
			if r < threshold {
				continue
			}
			if r < resp[(y-1)*w+x] || r < resp[(y+1)*w+x] ||
				r < resp[y*w+x-1] || r < resp[y*w+x+1] {
				continue
			}
			candidates = append(candidates, Keypoint{X: float64(x), Y: float64(y), Response: r})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Response > candidates[j].Response
	})

	// Greedy spacing suppression, strongest first.
	minDist2 := d.MinDistance * d.MinDistance
	kept := make([]Keypoint, 0, d.MaxFeatures)
	for _, c := range candidates {
		ok := true
		for _, k := range kept {
			dx := c.X - k.X
			dy := c.Y - k.Y
			if dx*dx+dy*dy < minDist2 {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, c)
			if len(kept) >= d.MaxFeatures {
				break
			}
		}
	}

	descs := make([]Descriptor, len(kept))
	for i, k := range kept {
		descs[i] = d.describe(gray, w, k)
	}
	return kept, descs, nil
}

// describe samples a descriptorGrid x descriptorGrid intensity patch within
// PatchRadius of the keypoint, subtracts the patch mean and L2-normalizes.
// Mean removal makes the descriptor invariant to additive brightness shifts
// between scans.
func (d *CornerDetector) describe(gray []float32, w int, k Keypoint) Descriptor {
	n := descriptorGrid * descriptorGrid
	desc := make(Descriptor, n)
	step := 2 * float64(d.PatchRadius) / float64(descriptorGrid-1)

	var sum float64
	idx := 0
	for gy := 0; gy < descriptorGrid; gy++ {
		for gx := 0; gx < descriptorGrid; gx++ {
			sx := k.X - float64(d.PatchRadius) + float64(gx)*step
			sy := k.Y - float64(d.PatchRadius) + float64(gy)*step
			v := bilinear(gray, w, sx, sy)
			desc[idx] = v
			sum += float64(v)
			idx++
		}
	}

	mean := float32(sum / float64(n))
	var norm float64
	for i := range desc {
		desc[i] -= mean
		norm += float64(desc[i]) * float64(desc[i])
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range desc {
			desc[i] *= inv
		}
	}
	return desc
}

func bilinear(gray []float32, w int, x, y float64) float32 {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	fx := float32(x - float64(x0))
	fy := float32(y - float64(y0))
	i := y0*w + x0
	top := gray[i]*(1-fx) + gray[i+1]*fx
	bot := gray[i+w]*(1-fx) + gray[i+w+1]*fx
	return top*(1-fy) + bot*fy
}

// toGray converts to luma, ignoring fully transparent padding pixels by
// mapping them to zero so borders do not spawn phantom gradients against
// tissue content. Transparent-to-opaque transitions still produce edges,
// which is acceptable since those corners fall near the patch margin.
func toGray(img *image.RGBA) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	gray := make([]float32, w*h)
	for y := 0; y < h; y++ {
		row := img.Pix[(y+b.Min.Y-img.Rect.Min.Y)*img.Stride:]
		for x := 0; x < w; x++ {
			o := (x + b.Min.X - img.Rect.Min.X) * 4
			if row[o+3] == 0 {
				continue
			}
			gray[y*w+x] = 0.299*float32(row[o]) + 0.587*float32(row[o+1]) + 0.114*float32(row[o+2])
		}
	}
	return gray
}
