// Package spatial provides radius queries over spot positions with a k-d tree.
package spatial

import (
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"

	"spots3d/internal/models"
)

// Point3D is a position in scaled (z, y, x) space remembering which input it came from.
type Point3D struct {
	Z, Y, X float64
	Index   int
}

// Compare implements the kdtree.Comparable interface
func (p Point3D) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(Point3D)
	switch d {
	case 0:
		return p.Z - q.Z
	case 1:
		return p.Y - q.Y
	case 2:
		return p.X - q.X
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p Point3D) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p Point3D) Distance(c kdtree.Comparable) float64 {
	q := c.(Point3D)
	dz := p.Z - q.Z
	dy := p.Y - q.Y
	dx := p.X - q.X
	return dz*dz + dy*dy + dx*dx
}

// Points3D is a collection of Point3D that satisfies kdtree.Interface
type Points3D []Point3D

func (p Points3D) Index(i int) kdtree.Comparable         { return p[i] }
func (p Points3D) Len() int                              { return len(p) }
func (p Points3D) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p Points3D) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(pointPlane{Points3D: p, Dim: d}, kdtree.MedianOfRandoms(pointPlane{Points3D: p, Dim: d}, 100))
}

// pointPlane implements sort.Interface and kdtree.SortSlicer for Points3D
type pointPlane struct {
	Points3D
	kdtree.Dim
}

func (p pointPlane) Less(i, j int) bool {
	return p.Points3D[i].Compare(p.Points3D[j], p.Dim) < 0
}

func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	return pointPlane{Points3D: p.Points3D[start:end], Dim: p.Dim}
}

func (p pointPlane) Swap(i, j int) {
	p.Points3D[i], p.Points3D[j] = p.Points3D[j], p.Points3D[i]
}

// Index answers radius queries over positions divided per axis by a scale,
// so that a unit radius spans scale voxels along each axis.
type Index struct {
	points []Point3D
	tree   *kdtree.Tree
}

// NewIndex builds the tree. Scale components must be positive.
func NewIndex(positions []models.Vec3, scale models.Vec3) *Index {
	points := make([]Point3D, len(positions))
	for i, p := range positions {
		points[i] = Point3D{Z: p[0] / scale[0], Y: p[1] / scale[1], X: p[2] / scale[2], Index: i}
	}
	idx := &Index{points: append([]Point3D(nil), points...)}
	if len(points) > 0 {
		idx.tree = kdtree.New(Points3D(points), false)
	}
	return idx
}

// Len is the number of indexed positions.
func (idx *Index) Len() int {
	return len(idx.points)
}

// Within returns, in increasing order, the indices of positions strictly closer
// than radius to position i in scaled space, excluding i itself.
func (idx *Index) Within(i int, radius float64) []int {
	if idx.tree == nil {
		return nil
	}
	keeper := kdtree.NewDistKeeper(radius * radius)
	idx.tree.NearestSet(keeper, idx.points[i])

	var found []int
	for _, item := range keeper.Heap {
		// Skip the sentinel value
		if item.Comparable == nil {
			continue
		}
		p := item.Comparable.(Point3D)
		if p.Index != i && item.Dist < radius*radius {
			found = append(found, p.Index)
		}
	}
	sort.Ints(found)
	return found
}
