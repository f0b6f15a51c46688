package deconv

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"

	"spots3d/internal/models"
	"spots3d/pkg/convolve"
)

// gaussianPSF builds a normalised Gaussian kernel of the given odd shape
func gaussianPSF(shape models.Shape, sigma models.Vec3) *models.PSF {
	k := models.NewVolume(shape[0], shape[1], shape[2], models.VoxelSize{Z: 1, Y: 1, X: 1})
	sum := 0.0
	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				dz := float64(z-shape[0]/2) / sigma[0]
				dy := float64(y-shape[1]/2) / sigma[1]
				dx := float64(x-shape[2]/2) / sigma[2]
				v := math.Exp(-(dz*dz + dy*dy + dx*dx) / 2)
				k.Set(z, y, x, v)
				sum += v
			}
		}
	}
	for i := range k.Data {
		k.Data[i] /= sum
	}
	return &models.PSF{Kernel: k, Origin: models.PSFGenerated}
}

// blurredPoint returns a volume holding a single bright voxel blurred by psf plus background
func blurredPoint(t *testing.T, shape models.Shape, psf *models.PSF) *models.Volume {
	t.Helper()
	vol := models.NewVolume(shape[0], shape[1], shape[2], models.VoxelSize{Z: 1, Y: 1, X: 1})
	vol.Set(shape[0]/2, shape[1]/2, shape[2]/2, 1000)

	conv, err := convolve.NewFFTConvolver(vol.Shape(), psf.Kernel)
	if err != nil {
		t.Fatalf("NewFFTConvolver failed: %v", err)
	}
	blurred := vol.Like()
	conv.Convolve(blurred.Data, vol.Data)
	for i := range blurred.Data {
		blurred.Data[i] += 5
	}
	return blurred
}

func TestDeconvolveSharpensPoint(t *testing.T) {
	psf := gaussianPSF(models.Shape{7, 7, 7}, models.Vec3{1.5, 1, 1})
	blurred := blurredPoint(t, models.Shape{16, 20, 20}, psf)

	out, err := Deconvolve(blurred, psf, Params{Iterations: 20, TVTau: 0.0001})
	if err != nil {
		t.Fatalf("Deconvolve failed: %v", err)
	}

	before := blurred.At(8, 10, 10)
	after := out.At(8, 10, 10)
	if after <= 2*before {
		t.Errorf("peak after deconvolution = %v, want well above %v", after, before)
	}
	_, max := out.MinMax()
	if max != after {
		t.Errorf("brightest voxel %v is not the point source %v", max, after)
	}
}

func TestDeconvolveConstant(t *testing.T) {
	psf := gaussianPSF(models.Shape{3, 5, 5}, models.Vec3{1, 1, 1})
	for _, depth := range []int{5, 6, 7} {
		for _, chunk := range []int{0, 1, 2, 3} {
			vol := models.NewVolume(depth, 8, 9, models.VoxelSize{Z: 1, Y: 1, X: 1})
			for i := range vol.Data {
				vol.Data[i] = 10
			}
			out, err := Deconvolve(vol, psf, Params{Iterations: 5, TVTau: 0.01, ChunkSize: chunk})
			if err != nil {
				t.Fatalf("depth %d chunk %d: Deconvolve failed: %v", depth, chunk, err)
			}
			for i, v := range out.Data {
				if math.Abs(v-10) > 1e-6 {
					t.Fatalf("depth %d chunk %d: voxel %d = %v, want 10", depth, chunk, i, v)
				}
			}
		}
	}
}

func TestRichardsonLucyTVConstantOddLength(t *testing.T) {
	psf := gaussianPSF(models.Shape{3, 5, 5}, models.Vec3{1, 1, 1})
	block := models.NewVolume(7, 12, 12, models.VoxelSize{Z: 1, Y: 1, X: 1})
	for i := range block.Data {
		block.Data[i] = 10
	}
	conv, err := convolve.NewFFTConvolver(block.Shape(), psf.Kernel)
	if err != nil {
		t.Fatalf("NewFFTConvolver failed: %v", err)
	}
	est := richardsonLucyTV(block, conv, 5, 0.01)
	for i, v := range est {
		if math.Abs(v-10) > 1e-3 {
			t.Fatalf("voxel %d = %v, want 10", i, v)
		}
	}
}

func TestDeconvolveChunkSeams(t *testing.T) {
	psf := gaussianPSF(models.Shape{5, 5, 5}, models.Vec3{1, 1, 1})
	blurred := blurredPoint(t, models.Shape{48, 12, 12}, psf)

	whole, err := Deconvolve(blurred, psf, Params{Iterations: 10})
	if err != nil {
		t.Fatalf("Deconvolve failed: %v", err)
	}
	chunked, err := Deconvolve(blurred, psf, Params{Iterations: 10, ChunkSize: 8})
	if err != nil {
		t.Fatalf("chunked Deconvolve failed: %v", err)
	}

	for i := range whole.Data {
		tol := 0.01 * math.Max(whole.Data[i], 1)
		if math.Abs(whole.Data[i]-chunked.Data[i]) > tol {
			t.Fatalf("voxel %d: whole %v, chunked %v", i, whole.Data[i], chunked.Data[i])
		}
	}
}

func TestDeconvolveChunkSeamsDense(t *testing.T) {
	psf := gaussianPSF(models.Shape{5, 5, 5}, models.Vec3{1, 1, 1})
	shape := models.Shape{40, 10, 10}
	vol := models.NewVolume(shape[0], shape[1], shape[2], models.VoxelSize{Z: 1, Y: 1, X: 1})
	for z := 2; z < shape[0]; z += 5 {
		vol.Set(z, 3+z%4, 6-z%3, 500)
	}
	conv, err := convolve.NewFFTConvolver(shape, psf.Kernel)
	if err != nil {
		t.Fatalf("NewFFTConvolver failed: %v", err)
	}
	blurred := vol.Like()
	conv.Convolve(blurred.Data, vol.Data)
	for i := range blurred.Data {
		blurred.Data[i] += 5
	}

	whole, err := Deconvolve(blurred, psf, Params{Iterations: 10, TVTau: 0.001})
	if err != nil {
		t.Fatalf("Deconvolve failed: %v", err)
	}
	for _, chunk := range []int{4, 8, 13} {
		chunked, err := Deconvolve(blurred, psf, Params{Iterations: 10, TVTau: 0.001, ChunkSize: chunk})
		if err != nil {
			t.Fatalf("chunked Deconvolve failed: %v", err)
		}
		for i := range whole.Data {
			tol := 0.01 * math.Max(whole.Data[i], 1)
			if math.Abs(whole.Data[i]-chunked.Data[i]) > tol {
				t.Fatalf("chunk %d, voxel %d: whole %v, chunked %v", chunk, i, whole.Data[i], chunked.Data[i])
			}
		}
	}
}

func TestDeconvolveResourceExhausted(t *testing.T) {
	vol := models.NewVolume(64, 32, 32, models.VoxelSize{Z: 1, Y: 1, X: 1})
	psf := gaussianPSF(models.Shape{5, 5, 5}, models.Vec3{1, 1, 1})

	_, err := Deconvolve(vol, psf, Params{Iterations: 1, ChunkSize: 32, MemoryLimit: 2 << 20})
	if !errors.Is(err, models.ErrResourceExhausted) {
		t.Fatalf("error = %v, want ErrResourceExhausted", err)
	}
	var re *models.ResourceError
	if !errors.As(err, &re) || re.Need <= re.Limit {
		t.Errorf("resource error should report need above limit, got %v", err)
	}

	if _, err := Deconvolve(vol, psf, Params{Iterations: 1, ChunkSize: 2, MemoryLimit: 2 << 20}); err != nil {
		t.Errorf("smaller chunks should fit the budget: %v", err)
	}
}

func TestDeconvolveInvalidParams(t *testing.T) {
	vol := models.NewVolume(4, 4, 4, models.VoxelSize{Z: 1, Y: 1, X: 1})
	psf := gaussianPSF(models.Shape{3, 3, 3}, models.Vec3{1, 1, 1})

	tests := []struct {
		name string
		psf  *models.PSF
		p    Params
	}{
		{"no iterations", psf, Params{Iterations: 0}},
		{"negative tau", psf, Params{Iterations: 1, TVTau: -1}},
		{"negative chunk", psf, Params{Iterations: 1, ChunkSize: -4}},
		{"missing psf", nil, Params{Iterations: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Deconvolve(vol, tt.psf, tt.p); !errors.Is(err, models.ErrConfiguration) {
				t.Errorf("error = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestTVDivergenceFlat(t *testing.T) {
	shape := models.Shape{3, 4, 5}
	u := make([]float64, shape.Size())
	for i := range u {
		u[i] = 7
	}
	dst := make([]float64, len(u))
	tvDivergence(dst, u, shape, eps)
	for i, v := range dst {
		if v != 0 {
			t.Fatalf("divergence at %d = %v, want 0", i, v)
		}
	}
}

func TestTVDivergenceIgnoresRoundoff(t *testing.T) {
	shape := models.Shape{4, 5, 6}
	u := make([]float64, shape.Size())
	for i := range u {
		u[i] = 10
		if i%3 == 0 {
			u[i] += 1e-5
		}
	}
	dst := make([]float64, len(u))

	tvDivergence(dst, u, shape, eps)
	if hi := floats.Max(dst); hi < 0.5 {
		t.Fatalf("divergence of 1e-5 ripples without a floor = %v, want saturated", hi)
	}

	tvDivergence(dst, u, shape, math.Pow(tvFloor*10, 2))
	if lo, hi := floats.Min(dst), floats.Max(dst); lo < -0.01 || hi > 0.01 {
		t.Fatalf("divergence with a floor in [%v, %v], want about 0", lo, hi)
	}
}
