// Package register estimates rigid corrections between overlapping fragments
// and accumulates them in a pose graph. Feature matching runs on
// world-oriented patches rendered at a pyramid level, so current poses serve
// as the initial guess and the fitted transform is a small correction in the
// shared world frame.
package register

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tissue-stitcher/internal/composite"
	"tissue-stitcher/internal/features"
	"tissue-stitcher/internal/fragment"
	"tissue-stitcher/internal/pyramid"
	"tissue-stitcher/pkg/geometry"
)

// Engine runs pairwise registrations against a fragment store.
type Engine struct {
	cfg       Config
	store     *fragment.Store
	projector *composite.Projector
	detector  features.Detector
	graph     *Graph
	log       *slog.Logger
}

// NewEngine creates an engine with the pure Go corner detector. Use
// SetDetector to substitute another backend.
func NewEngine(cfg Config, store *fragment.Store, sources pyramid.SourceResolver) *Engine {
	det := features.NewCornerDetector()
	det.MaxFeatures = cfg.MaxFeatures
	return &Engine{
		cfg:       cfg,
		store:     store,
		projector: composite.NewProjector(store, sources),
		detector:  det,
		graph:     NewGraph(),
		log:       cfg.logger(),
	}
}

// SetDetector replaces the feature detector backend.
func (e *Engine) SetDetector(d features.Detector) {
	e.detector = d
}

// Graph returns the pose graph accumulating this engine's estimates.
func (e *Engine) Graph() *Graph {
	return e.graph
}

// RegisterPair estimates the rigid correction aligning fragment b onto
// fragment a and records the resulting edge, accepted or rejected. Poses are
// not modified; use ApplyPair or SolveAndCommit to commit corrections.
func (e *Engine) RegisterPair(ctx context.Context, aID, bID uuid.UUID) (*Edge, error) {
	fa, ok := e.store.Get(aID)
	if !ok {
		return nil, &fragment.NotFoundError{ID: aID}
	}
	fb, ok := e.store.Get(bID)
	if !ok {
		return nil, &fragment.NotFoundError{ID: bID}
	}

	wa := fa.WorldBounds()
	wb := fb.WorldBounds()
	overlap := wa.Intersect(wb)
	area := overlap.Area()
	smaller := wa.Area()
	if wb.Area() < smaller {
		smaller = wb.Area()
	}
	frac := 0.0
	if smaller > 0 {
		frac = area / smaller
	}
	if frac < e.cfg.MinOverlap || area < e.cfg.MinOverlapArea {
		e.recordRejected(fa, fb, 0, 0, ReasonInsufficientOverlap,
			fmt.Sprintf("overlap %.1f%% (%.0f px) below minimum", frac*100, area))
		return nil, &InsufficientOverlapError{A: aID, B: bID, Fraction: frac, Area: area}
	}

	rng := rand.New(rand.NewSource(e.pairSeed(aID, bID)))

	src, dst, err := e.matchPoints(ctx, fa, fb, overlap, e.cfg.CoarseScale)
	if err != nil {
		// A pair that cannot be rendered or measured is a per-pair failure;
		// only cancellation aborts the caller.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		reason := fmt.Sprintf("extracting features: %v", err)
		e.recordRejected(fa, fb, 0, 0, ReasonRenderFailed, reason)
		return nil, &RegistrationFailedError{A: aID, B: bID, Reason: reason}
	}
	if len(src) < e.cfg.MinMatches {
		e.recordRejected(fa, fb, len(src), 0, ReasonTooFewMatches,
			fmt.Sprintf("%d matches, need %d", len(src), e.cfg.MinMatches))
		return nil, &RegistrationFailedError{A: aID, B: bID, Reason: "too few matches"}
	}

	tolFull := e.cfg.TolerancePx / e.cfg.CoarseScale
	fit, err := FitRigidRANSAC(ctx, src, dst, e.cfg.Iterations, tolFull, rng)
	if err != nil {
		if errors.Is(err, errNoFit) {
			e.recordRejected(fa, fb, len(src), 0, ReasonNoConsensus, "no consensus among matches")
			return nil, &RegistrationFailedError{A: aID, B: bID, Reason: "no consensus among matches"}
		}
		return nil, err
	}
	delta := fit.Transform
	matches := len(src)

	// Optional second pass at a finer level, seeded by the coarse correction.
	if e.cfg.RefineScale > e.cfg.CoarseScale {
		if fineSrc, fineDst, fineFit, err := e.refine(ctx, fa, fb, overlap, delta, rng); err == nil && len(fineFit.Inliers) >= len(fit.Inliers) {
			delta = fineFit.Transform.Compose(delta)
			fit = fineFit
			src, dst = fineSrc, fineDst
			matches = len(fineSrc)
			tolFull = e.cfg.TolerancePx / e.cfg.RefineScale
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	inlierSrc := make([]geometry.Point2D, len(fit.Inliers))
	inlierDst := make([]geometry.Point2D, len(fit.Inliers))
	for i, idx := range fit.Inliers {
		inlierSrc[i] = src[idx]
		inlierDst[i] = dst[idx]
	}

	if len(fit.Inliers) < e.cfg.MinInliers {
		reason := fmt.Sprintf("%d inliers, need %d", len(fit.Inliers), e.cfg.MinInliers)
		e.recordRejected(fa, fb, matches, len(fit.Inliers), ReasonTooFewInliers, reason)
		return nil, &RegistrationFailedError{A: aID, B: bID, Reason: reason}
	}

	// Rigidity cross-check: an unconstrained affine fit over the inliers
	// must agree that the motion carries no scale.
	if dev, err := affineScaleDeviation(inlierSrc, inlierDst); err == nil && dev > e.cfg.MaxScaleDeviation {
		reason := fmt.Sprintf("scale deviation %.3f exceeds %.3f", dev, e.cfg.MaxScaleDeviation)
		e.recordRejected(fa, fb, matches, len(fit.Inliers), ReasonNotRigid, reason)
		return nil, &RegistrationFailedError{A: aID, B: bID, Reason: "correspondences are not rigid"}
	}

	// Inlier ratio, penalized as the RMS residual approaches the inlier
	// tolerance: a fit that barely holds its inliers inspires less trust
	// than one that nails them.
	confidence := float64(len(fit.Inliers)) / float64(matches) / (1 + fit.Residual/tolFull)
	if confidence < e.cfg.MinConfidence {
		e.recordRejected(fa, fb, matches, len(fit.Inliers), ReasonLowConfidence,
			fmt.Sprintf("confidence %.2f below %.2f", confidence, e.cfg.MinConfidence))
		return nil, &LowConfidenceError{A: aID, B: bID, Confidence: confidence, Minimum: e.cfg.MinConfidence}
	}

	edge, err := e.acceptedEdge(fa, fb, delta, fit, matches, confidence)
	if err != nil {
		return nil, err
	}
	e.graph.Record(edge)
	e.log.Info("pair registered",
		"a", fa.Name, "b", fb.Name,
		"matches", matches, "inliers", len(fit.Inliers),
		"rotation_deg", edge.RotationDeg, "residual_px", fit.Residual,
		"confidence", confidence)
	return edge, nil
}

// refine re-matches at the finer level with source points pre-corrected by
// the coarse delta and fits the residual motion. The caller keeps the coarse
// result when the fine pass errors or finds fewer inliers. The returned
// source points carry the coarse correction already applied, so the caller's
// rigidity check sees exactly what the fine fit saw.
func (e *Engine) refine(ctx context.Context, fa, fb *fragment.Fragment, overlap geometry.Rect,
	delta geometry.AffineTransform, rng *rand.Rand) ([]geometry.Point2D, []geometry.Point2D, *RigidFit, error) {

	src, dst, err := e.matchPoints(ctx, fa, fb, overlap, e.cfg.RefineScale)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(src) < e.cfg.MinMatches {
		return nil, nil, nil, errNoFit
	}
	for i := range src {
		src[i] = delta.Apply(src[i])
	}
	fine, err := FitRigidRANSAC(ctx, src, dst, e.cfg.Iterations, e.cfg.TolerancePx/e.cfg.RefineScale, rng)
	if err != nil {
		return nil, nil, nil, err
	}
	return src, dst, fine, nil
}

// matchPoints renders both fragments' overlap patches at the target scale,
// detects features and returns matched points in full-resolution world
// coordinates: source points from b, destination points from a.
func (e *Engine) matchPoints(ctx context.Context, fa, fb *fragment.Fragment, region geometry.Rect, scale float64) ([]geometry.Point2D, []geometry.Point2D, error) {
	patchA, err := e.projector.RenderFragment(ctx, fa, region, scale)
	if err != nil {
		return nil, nil, err
	}
	patchB, err := e.projector.RenderFragment(ctx, fb, region, scale)
	if err != nil {
		return nil, nil, err
	}

	kpsA, descA, err := e.detector.Detect(ctx, patchA)
	if err != nil {
		return nil, nil, err
	}
	kpsB, descB, err := e.detector.Detect(ctx, patchB)
	if err != nil {
		return nil, nil, err
	}

	pairs := features.MatchMutual(descB, descA, e.cfg.MatchRatio)
	src := make([]geometry.Point2D, len(pairs))
	dst := make([]geometry.Point2D, len(pairs))
	for i, m := range pairs {
		src[i] = patchToWorld(kpsB[m.A], region, scale)
		dst[i] = patchToWorld(kpsA[m.B], region, scale)
	}
	return src, dst, nil
}

func patchToWorld(k features.Keypoint, region geometry.Rect, scale float64) geometry.Point2D {
	return geometry.NewPoint2D(region.X+k.X/scale, region.Y+k.Y/scale)
}

// acceptedEdge converts a world-frame correction into a pose-independent
// relative transform between the two fragments' local frames.
func (e *Engine) acceptedEdge(fa, fb *fragment.Fragment, delta geometry.AffineTransform, fit *RigidFit, matches int, confidence float64) (*Edge, error) {
	invA, ok := fa.Affine().Inverse()
	if !ok {
		return nil, fmt.Errorf("fragment %s: pose transform not invertible", fa.ID)
	}
	rel := invA.Compose(delta).Compose(fb.Affine())

	return &Edge{
		A:           fa.ID,
		B:           fb.ID,
		Rel:         rel,
		RotationDeg: geometry.NormalizeDegrees(delta.RotationAngle() * 180 / math.Pi),
		Translation: geometry.NewPoint2D(delta.TX, delta.TY),
		MatchCount:  matches,
		InlierCount: len(fit.Inliers),
		Residual:    fit.Residual,
		Confidence:  confidence,
		Status:      EdgeAccepted,
	}, nil
}

func (e *Engine) recordRejected(fa, fb *fragment.Fragment, matches, inliers int, code EdgeReason, reason string) {
	e.graph.Record(&Edge{
		A:           fa.ID,
		B:           fb.ID,
		MatchCount:  matches,
		InlierCount: inliers,
		Status:      EdgeRejected,
		Code:        code,
		Reason:      reason,
	})
	e.log.Warn("pair rejected", "a", fa.Name, "b", fb.Name, "code", string(code), "reason", reason)
}

// ApplyPair registers a pair and immediately commits the correction to
// fragment b. The commit fails with a StaleEstimateError if b's pose changed
// while the estimate ran.
func (e *Engine) ApplyPair(ctx context.Context, aID, bID uuid.UUID) error {
	fb, ok := e.store.Get(bID)
	if !ok {
		return &fragment.NotFoundError{ID: bID}
	}
	seen := fb.Version()

	edge, err := e.RegisterPair(ctx, aID, bID)
	if err != nil {
		return err
	}

	fa, ok := e.store.Get(aID)
	if !ok {
		return &fragment.NotFoundError{ID: aID}
	}
	world := fa.Affine().Compose(edge.Rel)
	pose := poseFromWorld(fb.Pose(), fb.NativeSize, world)
	return e.store.CommitPose(bID, pose, seen)
}

// RegisterAll registers every pair concurrently, solves the pose graph and
// commits the solved placements. Pairs that fail to register are logged and
// skipped; only infrastructure errors (cancellation, render failures) abort
// the run. Returns the number of poses committed.
func (e *Engine) RegisterAll(ctx context.Context, pairs [][2]uuid.UUID) (int, error) {
	g, ctx := errgroup.WithContext(ctx)
	workers := e.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)

	for _, pair := range pairs {
		a, b := pair[0], pair[1]
		g.Go(func() error {
			_, err := e.RegisterPair(ctx, a, b)
			var overlapErr *InsufficientOverlapError
			var failErr *RegistrationFailedError
			var confErr *LowConfidenceError
			if errors.As(err, &overlapErr) || errors.As(err, &failErr) || errors.As(err, &confErr) {
				return nil // recorded as a rejected edge, not fatal
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	return e.SolveAndCommit()
}

// SolveAndCommit solves the pose graph and commits the placements. Fragments
// whose poses changed since their estimates are skipped with a warning.
func (e *Engine) SolveAndCommit() (int, error) {
	placements := e.graph.Solve(e.store)
	committed := 0
	for id, pl := range placements {
		err := e.store.CommitPose(id, pl.Pose, pl.Version)
		var stale *fragment.StaleEstimateError
		if errors.As(err, &stale) {
			e.log.Warn("pose changed during solve, skipping", "fragment", id)
			continue
		}
		if err != nil {
			return committed, err
		}
		committed++
	}
	return committed, nil
}

// pairSeed derives a deterministic RANSAC seed for a pair so results do not
// depend on scheduling order across workers.
func (e *Engine) pairSeed(a, b uuid.UUID) int64 {
	ab := binary.BigEndian.Uint64(a[:8])
	bb := binary.BigEndian.Uint64(b[:8])
	return e.cfg.Seed ^ int64(ab) ^ int64(bb*0x9e3779b97f4a7c15)
}
