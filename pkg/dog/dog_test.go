package dog

import (
	"errors"
	"math"
	"testing"

	"spots3d/internal/models"
	"spots3d/pkg/convolve"
)

// createBlobVolume places one Gaussian blob on a constant background
func createBlobVolume(shape models.Shape, center, sigma models.Vec3, amplitude, background float64) *models.Volume {
	vol := models.NewVolume(shape[0], shape[1], shape[2], models.VoxelSize{Z: 1, Y: 1, X: 1})
	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				dz := (float64(z) - center[0]) / sigma[0]
				dy := (float64(y) - center[1]) / sigma[1]
				dx := (float64(x) - center[2]) / sigma[2]
				vol.Set(z, y, x, background+amplitude*math.Exp(-(dz*dz+dy*dy+dx*dx)/2))
			}
		}
	}
	return vol
}

func TestDeriveSigmaFactors(t *testing.T) {
	for _, ratio := range []float64{0.5, 1, 1.6, 2, 10} {
		small, large, err := DeriveSigmaFactors(ratio)
		if err != nil {
			t.Fatalf("DeriveSigmaFactors(%v) failed: %v", ratio, err)
		}
		if math.Abs(small*large-1) > 1e-12 {
			t.Errorf("ratio %v: small*large = %v, want 1", ratio, small*large)
		}
		if math.Abs(large/small-ratio) > 1e-12 {
			t.Errorf("ratio %v: large/small = %v", ratio, large/small)
		}
	}

	for _, ratio := range []float64{0, -1, math.NaN()} {
		if _, _, err := DeriveSigmaFactors(ratio); !errors.Is(err, models.ErrConfiguration) {
			t.Errorf("ratio %v error = %v, want ErrConfiguration", ratio, err)
		}
	}
}

func TestFactorsSigmas(t *testing.T) {
	f, err := DefaultFactors(4)
	if err != nil {
		t.Fatalf("DefaultFactors failed: %v", err)
	}
	small, large := f.Sigmas(1, 3)
	if small != (models.Vec3{1.5, 0.5, 0.5}) {
		t.Errorf("small sigmas = %v", small)
	}
	if large != (models.Vec3{6, 2, 2}) {
		t.Errorf("large sigmas = %v", large)
	}
}

func TestFilterConstantIsZero(t *testing.T) {
	vol := models.NewVolume(10, 12, 14, models.VoxelSize{Z: 0.5, Y: 0.1, X: 0.1})
	for i := range vol.Data {
		vol.Data[i] = 123
	}
	out, err := Filter(vol, Params{
		SigmaSmall: models.Vec3{0.8, 0.12, 0.12},
		SigmaLarge: models.Vec3{1.6, 0.24, 0.24},
		Cutoff:     DefaultCutoff,
		ChunkSize:  3,
	})
	if err != nil {
		t.Fatalf("Filter failed: %v", err)
	}
	for i, v := range out.Data {
		if math.Abs(v) > 1e-9 {
			t.Fatalf("voxel %d = %v, want 0", i, v)
		}
	}
}

func TestFilterEnhancesBlob(t *testing.T) {
	vol := createBlobVolume(models.Shape{20, 24, 24}, models.Vec3{10, 12, 12}, models.Vec3{2, 1.5, 1.5}, 1000, 50)
	f, _ := DefaultFactors(DefaultSigmaRatio)
	small, large := f.Sigmas(1.5, 2)

	out, err := Filter(vol, Params{SigmaSmall: small, SigmaLarge: large, Cutoff: DefaultCutoff})
	if err != nil {
		t.Fatalf("Filter failed: %v", err)
	}

	_, max := out.MinMax()
	if out.At(10, 12, 12) != max || max <= 0 {
		t.Errorf("filter peak %v is not at the blob centre (centre %v)", max, out.At(10, 12, 12))
	}
	if math.Abs(out.At(0, 0, 0)) > 1e-6 {
		t.Errorf("background response = %v, want about 0", out.At(0, 0, 0))
	}
}

func TestFilterChunkedMatchesWhole(t *testing.T) {
	vol := createBlobVolume(models.Shape{25, 16, 16}, models.Vec3{7, 8, 8}, models.Vec3{2, 1.5, 1.5}, 500, 20)
	p := Params{
		SigmaSmall: models.Vec3{1.5, 1.2, 1.2},
		SigmaLarge: models.Vec3{2.5, 1.9, 1.9},
		Cutoff:     DefaultCutoff,
	}
	whole, err := Filter(vol, p)
	if err != nil {
		t.Fatalf("Filter failed: %v", err)
	}

	p.ChunkSize = 4
	p.Backend, _ = convolve.NewBackend("cpu")
	chunked, err := Filter(vol, p)
	if err != nil {
		t.Fatalf("chunked Filter failed: %v", err)
	}
	for i := range whole.Data {
		if math.Abs(whole.Data[i]-chunked.Data[i]) > 1e-9 {
			t.Fatalf("voxel %d: whole %v, chunked %v", i, whole.Data[i], chunked.Data[i])
		}
	}
}

func TestFilterErrors(t *testing.T) {
	vol := models.NewVolume(64, 64, 64, models.VoxelSize{Z: 1, Y: 1, X: 1})
	good := Params{SigmaSmall: models.Vec3{1, 1, 1}, SigmaLarge: models.Vec3{2, 2, 2}, Cutoff: 3}

	bad := good
	bad.SigmaSmall[1] = 0
	if _, err := Filter(vol, bad); !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("zero sigma error = %v, want ErrConfiguration", err)
	}

	bad = good
	bad.Cutoff = 0
	if _, err := Filter(vol, bad); !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("zero cutoff error = %v, want ErrConfiguration", err)
	}

	tight := good
	tight.ChunkSize = 32
	tight.MemoryLimit = 1 << 16
	if _, err := Filter(vol, tight); !errors.Is(err, models.ErrResourceExhausted) {
		t.Errorf("tight budget error = %v, want ErrResourceExhausted", err)
	}
}
