package deskew

import (
	"errors"
	"math"
	"testing"

	"spots3d/internal/models"
	"spots3d/pkg/optics"
)

// skewedParameters gives a one pixel shift and one pixel plane spacing.
func skewedParameters() optics.Parameters {
	return optics.Parameters{
		NA:              1.0,
		RefractiveIndex: 1.4,
		Wavelength:      0.52,
		PixelSize:       0.1,
		StageStep:       0.1 * math.Sqrt2,
		SkewAngle:       45,
	}
}

func TestNewGeometry(t *testing.T) {
	g := NewGeometry(models.Shape{8, 30, 4}, skewedParameters())
	if math.Abs(g.Shift-1) > 1e-12 || math.Abs(g.PlaneSpacing-0.1) > 1e-12 {
		t.Errorf("Shift = %v, PlaneSpacing = %v, want 1 and 0.1", g.Shift, g.PlaneSpacing)
	}
	if g.Out != (models.Shape{8, 37, 4}) {
		t.Errorf("Out = %v, want [8 37 4]", g.Out)
	}
}

func TestDeskewStraightensObliqueLine(t *testing.T) {
	p := skewedParameters()
	vol := models.NewVolume(8, 30, 4, p.VoxelSize())
	// the same lab-frame plane y = 20 appears one pixel lower in every frame
	for z := 0; z < vol.Depth; z++ {
		for x := 0; x < vol.Width; x++ {
			vol.Set(z, 20-z, x, 1)
		}
	}

	out, err := Deskew(vol, p)
	if err != nil {
		t.Fatalf("Deskew: %v", err)
	}
	if out.VoxelSize != (models.VoxelSize{Z: 0.1, Y: 0.1, X: 0.1}) {
		t.Errorf("VoxelSize = %+v, want isotropic 0.1", out.VoxelSize)
	}
	for z := 0; z < out.Depth; z++ {
		for x := 0; x < out.Width; x++ {
			if v := out.At(z, 20, x); math.Abs(v-1) > 1e-6 {
				t.Errorf("out(%d, 20, %d) = %v, want 1", z, x, v)
			}
			if v := out.At(z, 21, x); math.Abs(v) > 1e-6 {
				t.Errorf("out(%d, 21, %d) = %v, want 0", z, x, v)
			}
		}
	}
}

func TestDeskewUnskewedCopies(t *testing.T) {
	p := skewedParameters()
	p.SkewAngle = 0
	vol := models.NewVolume(2, 3, 4, p.VoxelSize())
	vol.Set(1, 2, 3, 5)

	out, err := Deskew(vol, p)
	if err != nil {
		t.Fatalf("Deskew: %v", err)
	}
	if out == vol || out.At(1, 2, 3) != 5 || out.Shape() != vol.Shape() {
		t.Error("unskewed volume should come back as an equal copy")
	}
}

func TestDeskewInvalid(t *testing.T) {
	p := skewedParameters()
	p.PixelSize = 0
	vol := models.NewVolume(2, 3, 4, models.VoxelSize{Z: 1, Y: 1, X: 1})
	if _, err := Deskew(vol, p); !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("err = %v, want ErrConfiguration", err)
	}
}
