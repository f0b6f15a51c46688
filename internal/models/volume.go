package models

import (
	"fmt"
)

// Axis indices used by every (z, y, x) triple in the module.
const (
	AxisZ = 0
	AxisY = 1
	AxisX = 2
)

// Vec3 is a (z, y, x) triple, in voxels unless stated otherwise.
type Vec3 [3]float64

// Shape is a (z, y, x) extent in voxels.
type Shape [3]int

// Size returns the number of voxels covered by the shape.
func (s Shape) Size() int {
	return s[0] * s[1] * s[2]
}

// VoxelSize is the physical size of one voxel along each axis, in µm.
type VoxelSize struct {
	Z, Y, X float64
}

// Vec returns the voxel size as a (z, y, x) triple.
func (v VoxelSize) Vec() Vec3 {
	return Vec3{v.Z, v.Y, v.X}
}

// Volume is a 3D intensity stack stored as a flat row-major array.
// Element (z, y, x) lives at z*Width*Height + y*Width + x.
type Volume struct {
	// Data holds the samples
	Data []float64

	// Width, Height and Depth are the x, y and z extents in voxels
	Width  int
	Height int
	Depth  int

	// VoxelSize is the physical scale used to overlay derived layers
	VoxelSize VoxelSize

	// SkewAngle is the oblique acquisition angle in degrees, 0 for unskewed stacks
	SkewAngle float64
}

// NewVolume allocates a zero-filled volume.
func NewVolume(depth, height, width int, voxel VoxelSize) *Volume {
	return &Volume{
		Data:      make([]float64, depth*height*width),
		Width:     width,
		Height:    height,
		Depth:     depth,
		VoxelSize: voxel,
	}
}

// Shape returns the (z, y, x) extent of the volume.
func (v *Volume) Shape() Shape {
	return Shape{v.Depth, v.Height, v.Width}
}

// Index converts a voxel coordinate to its offset in Data.
func (v *Volume) Index(z, y, x int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// At returns the sample at (z, y, x).
func (v *Volume) At(z, y, x int) float64 {
	return v.Data[v.Index(z, y, x)]
}

// Set stores a sample at (z, y, x).
func (v *Volume) Set(z, y, x int, value float64) {
	v.Data[v.Index(z, y, x)] = value
}

// Like returns a zero-filled volume with the same geometry and metadata.
func (v *Volume) Like() *Volume {
	out := NewVolume(v.Depth, v.Height, v.Width, v.VoxelSize)
	out.SkewAngle = v.SkewAngle
	return out
}

// Clone returns a deep copy.
func (v *Volume) Clone() *Volume {
	out := v.Like()
	copy(out.Data, v.Data)
	return out
}

// Planes returns a view of planes [z0, z1) sharing the underlying data.
func (v *Volume) Planes(z0, z1 int) *Volume {
	plane := v.Width * v.Height
	return &Volume{
		Data:      v.Data[z0*plane : z1*plane],
		Width:     v.Width,
		Height:    v.Height,
		Depth:     z1 - z0,
		VoxelSize: v.VoxelSize,
		SkewAngle: v.SkewAngle,
	}
}

// MinMax returns the smallest and largest sample.
func (v *Volume) MinMax() (min, max float64) {
	if len(v.Data) == 0 {
		return 0, 0
	}
	min, max = v.Data[0], v.Data[0]
	for _, d := range v.Data {
		if d < min {
			min = d
		}
		if d > max {
			max = d
		}
	}
	return min, max
}

// Validate checks that the geometry and the data length agree.
func (v *Volume) Validate() error {
	if v == nil {
		return &ConfigError{Field: "volume", Reason: "missing"}
	}
	if v.Width <= 0 || v.Height <= 0 || v.Depth <= 0 {
		return fmt.Errorf("volume shape %v: %w", v.Shape(), ErrShape)
	}
	if len(v.Data) != v.Shape().Size() {
		return fmt.Errorf("volume holds %d samples, shape %v needs %d: %w",
			len(v.Data), v.Shape(), v.Shape().Size(), ErrShape)
	}
	return nil
}

// PSFGenerated is the origin recorded for a PSF synthesized from optics.
const PSFGenerated = "generated"

// PSF is a small 3D kernel, normalised to unit sum.
type PSF struct {
	Kernel *Volume

	// Origin is PSFGenerated or the path the kernel was read from
	Origin string
}
