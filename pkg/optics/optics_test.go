package optics

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"spots3d/internal/models"
	"spots3d/pkg/tiffstack"
)

func testParameters() Parameters {
	return Parameters{
		NA:              1.0,
		RefractiveIndex: 1.33,
		Wavelength:      0.532,
		PixelSize:       0.115,
		StageStep:       0.4,
	}
}

func TestDeriveSigmas(t *testing.T) {
	p := testParameters()
	sxy, sz, err := DeriveSigmas(p)
	if err != nil {
		t.Fatalf("DeriveSigmas failed: %v", err)
	}

	wantXY := 0.22 * 0.532 / 1.0
	wantZ := math.Sqrt(6) / math.Pi * 1.33 * 0.532
	if math.Abs(sxy-wantXY) > 1e-12 {
		t.Errorf("sigma_xy = %v, want %v", sxy, wantXY)
	}
	if math.Abs(sz-wantZ) > 1e-12 {
		t.Errorf("sigma_z = %v, want %v", sz, wantZ)
	}
	if sz <= sxy {
		t.Errorf("axial sigma %v should exceed lateral sigma %v", sz, sxy)
	}
}

func TestParametersValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Parameters)
		field  string
	}{
		{"zero na", func(p *Parameters) { p.NA = 0 }, "na"},
		{"na above index", func(p *Parameters) { p.NA = 1.4 }, "na"},
		{"negative wavelength", func(p *Parameters) { p.Wavelength = -0.5 }, "wvl"},
		{"zero pixel", func(p *Parameters) { p.PixelSize = 0 }, "pixel_size"},
		{"zero step", func(p *Parameters) { p.StageStep = 0 }, "scan_step"},
		{"right angle", func(p *Parameters) { p.SkewAngle = 90 }, "theta"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testParameters()
			tt.modify(&p)
			_, _, err := DeriveSigmas(p)

			var ce *models.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("error = %v, want ConfigError", err)
			}
			if ce.Field != tt.field {
				t.Errorf("field = %q, want %q", ce.Field, tt.field)
			}
			if !errors.Is(err, models.ErrConfiguration) {
				t.Errorf("error should wrap ErrConfiguration")
			}
		})
	}
}

func TestZStepAndVoxelSigmas(t *testing.T) {
	p := testParameters()
	if p.ZStep() != 0.4 {
		t.Errorf("unskewed z step = %v, want 0.4", p.ZStep())
	}

	p.SkewAngle = 30
	if math.Abs(p.ZStep()-0.2) > 1e-12 {
		t.Errorf("skewed z step = %v, want 0.2", p.ZStep())
	}

	s := p.VoxelSigmas(0.23, 0.5)
	if math.Abs(s[0]-2.5) > 1e-9 || math.Abs(s[1]-2) > 1e-9 || s[1] != s[2] {
		t.Errorf("voxel sigmas = %v, want (2.5, 2, 2)", s)
	}
}

func TestSigmasFromSpotSize(t *testing.T) {
	sxy, sz, err := SigmasFromSpotSize(2.355, 4.71)
	if err != nil {
		t.Fatalf("SigmasFromSpotSize failed: %v", err)
	}
	if math.Abs(sxy-1) > 1e-12 || math.Abs(sz-2) > 1e-12 {
		t.Errorf("sigmas = (%v, %v), want (1, 2)", sxy, sz)
	}

	if _, _, err := SigmasFromSpotSize(0, 1); !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("zero FWHM error = %v, want ErrConfiguration", err)
	}
}

// gaussianKernel builds a sampled anisotropic Gaussian centred on the grid
func gaussianKernel(shape models.Shape, sigma models.Vec3) *models.Volume {
	vol := models.NewVolume(shape[0], shape[1], shape[2], models.VoxelSize{Z: 1, Y: 1, X: 1})
	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				dz := (float64(z) - float64(shape[0]-1)/2) / sigma[0]
				dy := (float64(y) - float64(shape[1]-1)/2) / sigma[1]
				dx := (float64(x) - float64(shape[2]-1)/2) / sigma[2]
				vol.Set(z, y, x, math.Exp(-(dz*dz+dy*dy+dx*dx)/2))
			}
		}
	}
	return vol
}

func TestSigmasFromPSF(t *testing.T) {
	kernel := gaussianKernel(models.Shape{31, 31, 31}, models.Vec3{3, 2, 2})
	psf := &models.PSF{Kernel: kernel, Origin: "test"}

	sxy, sz, err := SigmasFromPSF(psf, models.VoxelSize{Z: 0.5, Y: 0.1, X: 0.1})
	if err != nil {
		t.Fatalf("SigmasFromPSF failed: %v", err)
	}
	if math.Abs(sxy-0.2) > 0.005 {
		t.Errorf("sigma_xy = %v, want about 0.2", sxy)
	}
	if math.Abs(sz-1.5) > 0.03 {
		t.Errorf("sigma_z = %v, want about 1.5", sz)
	}

	empty := &models.PSF{Kernel: models.NewVolume(3, 3, 3, models.VoxelSize{Z: 1, Y: 1, X: 1})}
	if _, _, err := SigmasFromPSF(empty, models.VoxelSize{Z: 1, Y: 1, X: 1}); !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("empty kernel error = %v, want ErrConfiguration", err)
	}
}

func kernelSum(v *models.Volume) float64 {
	sum := 0.0
	for _, d := range v.Data {
		sum += d
	}
	return sum
}

func TestSynthesizePSF(t *testing.T) {
	p := testParameters()
	psf, err := SynthesizePSF(p, 3, models.Shape{7, 9, 9})
	if err != nil {
		t.Fatalf("SynthesizePSF failed: %v", err)
	}
	k := psf.Kernel

	if psf.Origin != models.PSFGenerated {
		t.Errorf("origin = %q, want %q", psf.Origin, models.PSFGenerated)
	}
	if k.Shape() != (models.Shape{7, 9, 9}) {
		t.Fatalf("shape = %v", k.Shape())
	}
	if math.Abs(kernelSum(k)-1) > 1e-9 {
		t.Errorf("kernel sum = %v, want 1", kernelSum(k))
	}

	_, max := k.MinMax()
	if k.At(3, 4, 4) != max {
		t.Errorf("peak %v is not at the centre (centre %v)", max, k.At(3, 4, 4))
	}

	// Rotational symmetry about the optical axis and mirror symmetry in z.
	if math.Abs(k.At(3, 4, 2)-k.At(3, 2, 4)) > 1e-9*max {
		t.Errorf("x/y asymmetry: %v vs %v", k.At(3, 4, 2), k.At(3, 2, 4))
	}
	if math.Abs(k.At(1, 4, 4)-k.At(5, 4, 4)) > 1e-9*max {
		t.Errorf("z asymmetry: %v vs %v", k.At(1, 4, 4), k.At(5, 4, 4))
	}
}

func TestSynthesizePSFApertureNarrowsPeak(t *testing.T) {
	low := testParameters()
	low.NA = 0.6
	high := testParameters()
	high.NA = 1.2

	pl, err := SynthesizePSF(low, 3, models.Shape{5, 11, 11})
	if err != nil {
		t.Fatalf("SynthesizePSF failed: %v", err)
	}
	ph, err := SynthesizePSF(high, 3, models.Shape{5, 11, 11})
	if err != nil {
		t.Fatalf("SynthesizePSF failed: %v", err)
	}
	if ph.Kernel.At(2, 5, 5) <= pl.Kernel.At(2, 5, 5) {
		t.Errorf("higher NA should concentrate more energy in the centre voxel: %v <= %v",
			ph.Kernel.At(2, 5, 5), pl.Kernel.At(2, 5, 5))
	}
}

func TestSynthesizeSkewedPSF(t *testing.T) {
	p := testParameters()
	p.SkewAngle = 30
	psf, err := SynthesizePSF(p, 3, models.Shape{5, 9, 9})
	if err != nil {
		t.Fatalf("SynthesizePSF failed: %v", err)
	}
	k := psf.Kernel

	// The rotation only mixes z and y, so point reflection through the centre holds.
	for _, c := range [][3]int{{0, 2, 3}, {1, 6, 4}, {4, 1, 7}} {
		a := k.At(c[0], c[1], c[2])
		b := k.At(4-c[0], 8-c[1], 8-c[2])
		if math.Abs(a-b) > 1e-9 {
			t.Errorf("voxel %v = %v, reflected = %v", c, a, b)
		}
	}
	// x mirror symmetry survives the rotation, y mirror symmetry does not.
	if math.Abs(k.At(1, 4, 2)-k.At(1, 4, 6)) > 1e-9 {
		t.Errorf("x mirror asymmetry: %v vs %v", k.At(1, 4, 2), k.At(1, 4, 6))
	}
	if k.SkewAngle != 30 {
		t.Errorf("skew angle = %v, want 30", k.SkewAngle)
	}
}

func TestSynthesizePSFRejectsBadGrid(t *testing.T) {
	if _, err := SynthesizePSF(testParameters(), 0, DefaultPSFShape); !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("oversampling 0 error = %v, want ErrConfiguration", err)
	}
	if _, err := SynthesizePSF(testParameters(), 2, models.Shape{0, 3, 3}); !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("empty grid error = %v, want ErrConfiguration", err)
	}
}

func TestLoadPSF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "psf.tif")
	kernel := gaussianKernel(models.Shape{5, 7, 7}, models.Vec3{1.5, 1, 1})
	if err := tiffstack.Write(path, kernel); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	psf, err := LoadPSF(path)
	if err != nil {
		t.Fatalf("LoadPSF failed: %v", err)
	}
	if psf.Origin != path {
		t.Errorf("origin = %q, want %q", psf.Origin, path)
	}
	if math.Abs(kernelSum(psf.Kernel)-1) > 1e-9 {
		t.Errorf("loaded kernel sum = %v, want 1", kernelSum(psf.Kernel))
	}

	flat := filepath.Join(dir, "flat.tif")
	if err := tiffstack.Write(flat, gaussianKernel(models.Shape{1, 7, 7}, models.Vec3{1, 1, 1})); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	_, err = LoadPSF(flat)
	if !errors.Is(err, models.ErrShape) {
		t.Errorf("single plane error = %v, want ErrShape", err)
	}
	var fe *models.FileError
	if !errors.As(err, &fe) || fe.Path != flat {
		t.Errorf("error should carry the path %q, got %v", flat, err)
	}

	if _, err := LoadPSF(filepath.Join(dir, "missing.tif")); err == nil {
		t.Error("expected error for missing file")
	}
}
