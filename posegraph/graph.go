// Package posegraph refines a camera trajectory offline. Nodes hold camera-to-world poses, edges
// hold relative transforms measured by odometry between consecutive frames or by loop closure
// between keyframes.
package posegraph

import (
	"github.com/pkg/errors"

	"github.com/regardrgbd/rgbdscan/rimage"
	"github.com/regardrgbd/rgbdscan/spatialmath"
)

// Edge is a relative transform measured between two frames. Transform maps points in the Source
// camera frame to the Target camera frame.
type Edge struct {
	Source      int
	Target      int
	Transform   spatialmath.Pose
	Information spatialmath.Information
	// Uncertain marks loop closures, which the optimizer may down-weight or prune.
	Uncertain bool
}

// IdentityEdge is the relative edge carried by a first or failed frame.
func IdentityEdge(source, target int) Edge {
	return Edge{
		Source:      source,
		Target:      target,
		Transform:   spatialmath.NewZeroPose(),
		Information: spatialmath.NewIdentityInformation(),
	}
}

// Entry is one processed frame of the online trajectory.
type Entry struct {
	Index int
	Image *rimage.RGBDImage
	// Extrinsic is the world-to-camera pose the frame was integrated at.
	Extrinsic spatialmath.Pose
	// Relative links this entry to the last successful entry before it.
	Relative Edge
	Success  bool
}

// Node is a graph vertex.
type Node struct {
	Index int
	// Pose is camera-to-world.
	Pose spatialmath.Pose
	// Fixed nodes are held constant during optimization.
	Fixed bool
}

// Graph is an immutable pose graph; refinement returns a new Graph.
type Graph struct {
	Nodes []Node
	Edges []Edge
}

// NewGraph builds a graph from an online history. Every entry becomes a node with its inverted
// extrinsic. Each successful non-first entry contributes its sequential edge; failed entries are
// fixed nodes with no edges. The first node anchors the gauge and is fixed.
func NewGraph(entries []Entry) (*Graph, error) {
	g := &Graph{Nodes: make([]Node, 0, len(entries))}
	for i, e := range entries {
		if e.Index != i {
			return nil, errors.Errorf("history indices must be dense: position %d holds index %d", i, e.Index)
		}
		if !e.Extrinsic.IsFinite() {
			return nil, errors.Errorf("entry %d has a non-finite pose", i)
		}
		g.Nodes = append(g.Nodes, Node{Index: i, Pose: spatialmath.PoseInverse(e.Extrinsic), Fixed: i == 0 || !e.Success})
		if i == 0 || !e.Success {
			continue
		}
		rel := e.Relative
		if rel.Target != i || rel.Source < 0 || rel.Source >= i || !entries[rel.Source].Success {
			return nil, errors.Errorf("entry %d has an inconsistent relative edge %d->%d", i, rel.Source, rel.Target)
		}
		rel.Uncertain = false
		g.Edges = append(g.Edges, rel)
	}
	return g, nil
}

// Clone returns a deep copy.
func (g *Graph) Clone() *Graph {
	out := &Graph{Nodes: make([]Node, len(g.Nodes)), Edges: make([]Edge, len(g.Edges))}
	copy(out.Nodes, g.Nodes)
	copy(out.Edges, g.Edges)
	return out
}

// SequentialEdgeCount returns the number of certain edges.
func (g *Graph) SequentialEdgeCount() int {
	n := 0
	for _, e := range g.Edges {
		if !e.Uncertain {
			n++
		}
	}
	return n
}

// LoopClosureCount returns the number of uncertain edges.
func (g *Graph) LoopClosureCount() int {
	return len(g.Edges) - g.SequentialEdgeCount()
}

// Extrinsics returns the world-to-camera pose of every node in index order.
func (g *Graph) Extrinsics() []spatialmath.Pose {
	out := make([]spatialmath.Pose, len(g.Nodes))
	for i, n := range g.Nodes {
		out[i] = spatialmath.PoseInverse(n.Pose)
	}
	return out
}

// residual is log(T⁻¹ · C_target⁻¹ · C_source), zero when the edge agrees with the node poses.
func residual(e Edge, source, target spatialmath.Pose) spatialmath.Twist {
	predicted := spatialmath.PoseBetween(target, source)
	return spatialmath.LogSE3(spatialmath.PoseBetween(e.Transform, predicted))
}
