package register

import (
	"math"
	"sync"

	"github.com/google/uuid"

	"tissue-stitcher/internal/fragment"
	"tissue-stitcher/pkg/geometry"
)

// EdgeStatus marks whether a pairwise estimate is usable for solving.
type EdgeStatus string

const (
	EdgeAccepted EdgeStatus = "accepted"
	EdgeRejected EdgeStatus = "rejected"
)

// EdgeReason classifies why a pair was rejected, so callers can discriminate
// outcomes without parsing the free-text detail.
type EdgeReason string

const (
	ReasonNone                EdgeReason = ""
	ReasonInsufficientOverlap EdgeReason = "insufficient_overlap"
	ReasonTooFewMatches       EdgeReason = "too_few_matches"
	ReasonNoConsensus         EdgeReason = "no_consensus"
	ReasonTooFewInliers       EdgeReason = "too_few_inliers"
	ReasonNotRigid            EdgeReason = "not_rigid"
	ReasonLowConfidence       EdgeReason = "low_confidence"
	ReasonRenderFailed        EdgeReason = "render_failed"
)

// Edge is one pairwise registration estimate between two fragments. Rel maps
// B's local full-resolution coordinates onto A's local frame, so the edge
// stays valid when either fragment is repositioned afterwards. Rejected edges
// are kept for inspection but never used in solving.
type Edge struct {
	A, B uuid.UUID
	Rel  geometry.AffineTransform

	RotationDeg float64          // world-frame rotation correction at estimate time
	Translation geometry.Point2D // world-frame translation correction at estimate time
	MatchCount  int
	InlierCount int
	Residual    float64 // RMS inlier residual, full-res pixels
	Confidence  float64
	Status      EdgeStatus
	Code        EdgeReason // rejection classification, ReasonNone when accepted
	Reason      string     // human-readable rejection detail, empty when accepted
}

// Placement is a solved pose together with the pose version it was derived
// from, for stale-checked commits.
type Placement struct {
	Pose    fragment.Pose
	Version uint64
}

// Graph accumulates pairwise registration edges and solves fragment poses
// per connected component.
type Graph struct {
	mu    sync.RWMutex
	edges []*Edge
}

// NewGraph creates an empty pose graph.
func NewGraph() *Graph {
	return &Graph{}
}

// Record appends an edge, accepted or rejected.
func (g *Graph) Record(e *Edge) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges = append(g.edges, e)
}

// Edges returns a snapshot of all recorded edges.
func (g *Graph) Edges() []*Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// InvalidateFragment removes every edge touching the fragment and returns the
// number removed. Called when a fragment leaves the session.
func (g *Graph) InvalidateFragment(id uuid.UUID) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	kept := g.edges[:0]
	removed := 0
	for _, e := range g.edges {
		if e.A == id || e.B == id {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	g.edges = kept
	return removed
}

// adjacency builds the accepted-edge adjacency map.
func (g *Graph) adjacency() map[uuid.UUID][]*Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	adj := make(map[uuid.UUID][]*Edge)
	for _, e := range g.edges {
		if e.Status != EdgeAccepted {
			continue
		}
		adj[e.A] = append(adj[e.A], e)
		adj[e.B] = append(adj[e.B], e)
	}
	return adj
}

// Solve places every fragment reachable through accepted edges. Each
// connected component is anchored at its earliest-loaded fragment, which
// keeps its current pose; the rest are placed by breadth-first traversal.
// When several solved neighbors constrain one fragment, their candidate
// placements are merged by confidence weight, with rotations averaged on the
// circle so estimates straddling 0/360 combine along the shorter arc. There
// is no global relaxation; the weighted merge is the whole of the
// reconciliation. Fragments without accepted edges are absent from the
// result and keep their poses.
func (g *Graph) Solve(store *fragment.Store) map[uuid.UUID]Placement {
	adj := g.adjacency()
	result := make(map[uuid.UUID]Placement)
	if len(adj) == 0 {
		return result
	}

	solved := make(map[uuid.UUID]geometry.AffineTransform)
	visited := make(map[uuid.UUID]bool)

	for _, anchor := range store.InsertionOrder() {
		if visited[anchor] || len(adj[anchor]) == 0 {
			continue
		}

		// Insertion order guarantees the first unvisited fragment of a
		// component is its earliest-loaded member: the anchor.
		af, ok := store.Get(anchor)
		if !ok {
			continue
		}
		solved[anchor] = af.Affine()
		visited[anchor] = true

		queue := []uuid.UUID{anchor}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]

			for _, e := range adj[cur] {
				next := e.B
				if next == cur {
					next = e.A
				}
				if visited[next] {
					continue
				}

				f, ok := store.Get(next)
				if !ok {
					visited[next] = true
					continue
				}

				w, ok := mergedPlacement(next, f, adj[next], solved)
				if !ok {
					continue
				}
				solved[next] = w
				visited[next] = true
				queue = append(queue, next)

				result[next] = Placement{
					Pose:    poseFromWorld(f.Pose(), f.NativeSize, w),
					Version: f.Version(),
				}
			}
		}
	}
	return result
}

// mergedPlacement combines all edges linking the fragment to already-solved
// neighbors into one world transform.
func mergedPlacement(id uuid.UUID, f *fragment.Fragment, edges []*Edge, solved map[uuid.UUID]geometry.AffineTransform) (geometry.AffineTransform, bool) {
	center := f.NativeSize.Rect().Center()

	var angles, weights []float64
	var cx, cy, wsum float64
	var bestW geometry.AffineTransform
	bestConf := -1.0
	found := false

	for _, e := range edges {
		var w geometry.AffineTransform
		switch {
		case e.B == id:
			wa, ok := solved[e.A]
			if !ok {
				continue
			}
			w = wa.Compose(e.Rel)
		case e.A == id:
			wb, ok := solved[e.B]
			if !ok {
				continue
			}
			inv, invOK := e.Rel.Inverse()
			if !invOK {
				continue
			}
			w = wb.Compose(inv)
		default:
			continue
		}

		found = true
		conf := e.Confidence
		if conf <= 0 {
			conf = 1e-6
		}
		angles = append(angles, geometry.NormalizeDegrees(w.RotationAngle()*180/math.Pi))
		weights = append(weights, conf)
		c := w.Apply(center)
		cx += conf * c.X
		cy += conf * c.Y
		wsum += conf
		if conf > bestConf {
			bestConf = conf
			bestW = w
		}
	}
	if !found {
		return geometry.AffineTransform{}, false
	}

	meanAngle := geometry.WeightedAngularMean(angles, weights)
	meanCenter := geometry.NewPoint2D(cx/wsum, cy/wsum)

	// Rebuild a clean rigid transform from the merged parts. The mirror
	// factor comes from the highest-confidence candidate; edges of one
	// component cannot legitimately disagree about it.
	m := geometry.Translation(-center.X, -center.Y)
	if bestW.Determinant() < 0 {
		m = geometry.MirrorX().Compose(m)
	}
	m = geometry.Rotation(meanAngle * math.Pi / 180).Compose(m)
	m = geometry.Translation(meanCenter.X, meanCenter.Y).Compose(m)
	return m, true
}

// poseFromWorld reconstructs a pose from a solved rigid world transform,
// preserving the fragment's exact quarter-turn count and mirror flag. Only
// the fine rotation and translation absorb the correction.
func poseFromWorld(old fragment.Pose, size geometry.Size, w geometry.AffineTransform) fragment.Pose {
	p := old
	p.Mirrored = w.Determinant() < 0
	totalDeg := geometry.NormalizeDegrees(w.RotationAngle() * 180 / math.Pi)
	p.FineRotation = geometry.NormalizeDegrees(totalDeg - 90*float64(p.QuarterTurns))
	p.Translation = w.Apply(size.Rect().Center())
	return p.Normalized()
}
