// Package deskew resamples stage-scanned oblique stacks onto an orthogonal grid.
//
// Plane k of a skewed stack lies stage_step*cos(theta) further along y and
// stage_step*sin(theta) further along z than plane 0. The output grid is
// isotropic at the lateral pixel size.
package deskew

import (
	"math"

	"github.com/anthonynsimon/bild/parallel"

	"spots3d/internal/models"
	"spots3d/pkg/optics"
)

// Geometry describes how a skewed stack maps to the deskewed grid.
type Geometry struct {
	// Shift is the y offset between consecutive planes, in pixels
	Shift float64

	// PlaneSpacing is the z distance between consecutive planes, in µm
	PlaneSpacing float64

	// Out is the shape of the deskewed volume
	Out models.Shape
}

// NewGeometry computes the output grid for a stack of the given shape.
func NewGeometry(shape models.Shape, p optics.Parameters) Geometry {
	theta := p.SkewAngle * math.Pi / 180
	g := Geometry{
		Shift:        p.StageStep * math.Cos(theta) / p.PixelSize,
		PlaneSpacing: p.StageStep * math.Sin(theta),
	}
	span := float64(shape[0]-1) * g.PlaneSpacing
	g.Out = models.Shape{
		int(math.Floor(span/p.PixelSize+1e-9)) + 1,
		shape[1] + int(math.Ceil(float64(shape[0]-1)*g.Shift-1e-9)),
		shape[2],
	}
	return g
}

// Deskew resamples vol, acquired with the skew angle in p, by linear
// interpolation between planes and along y. Output voxels not covered by the
// stack are zero. An unskewed volume is returned as a copy.
func Deskew(vol *models.Volume, p optics.Parameters) (*models.Volume, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if !p.Skewed() {
		return vol.Clone(), nil
	}

	g := NewGeometry(vol.Shape(), p)
	px := p.PixelSize
	out := models.NewVolume(g.Out[0], g.Out[1], g.Out[2], models.VoxelSize{Z: px, Y: px, X: px})

	parallel.Line(g.Out[0], func(start, end int) {
		for zo := start; zo < end; zo++ {
			plane := float64(zo) * px / g.PlaneSpacing
			k0 := int(math.Floor(plane))
			wk := plane - float64(k0)
			for yo := 0; yo < g.Out[1]; yo++ {
				for x := 0; x < g.Out[2]; x++ {
					var v float64
					for dk, w := range [2]float64{1 - wk, wk} {
						k := k0 + dk
						if w == 0 || k < 0 || k >= vol.Depth {
							continue
						}
						v += w * sampleY(vol, k, float64(yo)-float64(k)*g.Shift, x)
					}
					out.Set(zo, yo, x, v)
				}
			}
		}
	})
	return out, nil
}

// sampleY interpolates plane z along y, zero outside the plane.
func sampleY(vol *models.Volume, z int, y float64, x int) float64 {
	if y < 0 || y > float64(vol.Height-1) {
		return 0
	}
	y0 := int(math.Floor(y))
	wy := y - float64(y0)
	v := (1 - wy) * vol.At(z, y0, x)
	if wy > 0 && y0+1 < vol.Height {
		v += wy * vol.At(z, y0+1, x)
	}
	return v
}
