// Package dog implements the difference-of-Gaussians band-pass filter that
// enhances spot-sized blobs before candidate detection.
package dog

import (
	"fmt"
	"math"

	"spots3d/internal/models"
	"spots3d/pkg/convolve"
)

const (
	// DefaultSigmaRatio is the large/small sigma ratio approximating a Laplacian of Gaussian.
	DefaultSigmaRatio = 1.6

	// DefaultCutoff truncates the Gaussian kernels at this many sigmas.
	DefaultCutoff = 3.0

	// DefaultChunkSize is the number of z planes filtered at a time.
	DefaultChunkSize = 64
)

// DeriveSigmaFactors returns ratio^-1/2 and ratio^1/2, the multiples of the
// expected spot sigma used for the small and large kernels.
func DeriveSigmaFactors(ratio float64) (small, large float64, err error) {
	if err := models.Positive("sigma_ratio", ratio); err != nil {
		return 0, 0, err
	}
	return 1 / math.Sqrt(ratio), math.Sqrt(ratio), nil
}

// Factors are the per-axis (z, y, x) multiples of the expected spot sigma.
type Factors struct {
	Small models.Vec3
	Large models.Vec3
}

// DefaultFactors applies DeriveSigmaFactors to every axis.
func DefaultFactors(ratio float64) (Factors, error) {
	small, large, err := DeriveSigmaFactors(ratio)
	if err != nil {
		return Factors{}, err
	}
	return Factors{
		Small: models.Vec3{small, small, small},
		Large: models.Vec3{large, large, large},
	}, nil
}

// Sigmas scales the factors by the expected lateral and axial spot sigma.
func (f Factors) Sigmas(sigmaXY, sigmaZ float64) (small, large models.Vec3) {
	base := models.Vec3{sigmaZ, sigmaXY, sigmaXY}
	for axis := range base {
		small[axis] = f.Small[axis] * base[axis]
		large[axis] = f.Large[axis] * base[axis]
	}
	return small, large
}

// Params configures one filter run. Sigmas are in the physical units of the
// volume's voxel size.
type Params struct {
	SigmaSmall models.Vec3
	SigmaLarge models.Vec3

	// Cutoff is the kernel truncation radius in sigmas
	Cutoff float64

	// ChunkSize is the number of z planes per chunk, 0 for the whole volume
	ChunkSize int

	// MemoryLimit is the byte budget of one chunk, 0 for unlimited
	MemoryLimit uint64

	// Backend runs the convolutions, the CPU backend when nil
	Backend convolve.Backend
}

// Filter returns the volume blurred with the small sigmas minus the volume
// blurred with the large sigmas, using reflect borders. Since both kernels are
// normalised, a constant input gives zero output.
func Filter(vol *models.Volume, p Params) (*models.Volume, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	voxel := vol.VoxelSize.Vec()
	for axis := range voxel {
		if err := models.Positive(fmt.Sprintf("voxel_size[%d]", axis), voxel[axis]); err != nil {
			return nil, err
		}
		if err := models.Positive(fmt.Sprintf("sigma_small[%d]", axis), p.SigmaSmall[axis]); err != nil {
			return nil, err
		}
		if err := models.Positive(fmt.Sprintf("sigma_large[%d]", axis), p.SigmaLarge[axis]); err != nil {
			return nil, err
		}
	}
	if err := models.Positive("cutoff", p.Cutoff); err != nil {
		return nil, err
	}

	var small, large models.Vec3
	maxSigma := 0.0
	for axis := range voxel {
		small[axis] = p.SigmaSmall[axis] / voxel[axis]
		large[axis] = p.SigmaLarge[axis] / voxel[axis]
		maxSigma = math.Max(maxSigma, math.Max(small[axis], large[axis]))
	}

	smallKernels, err := convolve.GaussianKernels(small, p.Cutoff)
	if err != nil {
		return nil, err
	}
	largeKernels, err := convolve.GaussianKernels(large, p.Cutoff)
	if err != nil {
		return nil, err
	}

	backend := p.Backend
	if backend == nil {
		backend = convolve.CPU{}
	}
	chunking := convolve.Chunking{
		Size:  p.ChunkSize,
		Halo:  convolve.Radius(maxSigma, p.Cutoff),
		Limit: p.MemoryLimit,
	}

	highPass, err := convolve.ChunkedSeparable(backend, vol, smallKernels, chunking)
	if err != nil {
		return nil, fmt.Errorf("small sigma pass: %w", err)
	}
	lowPass, err := convolve.ChunkedSeparable(backend, vol, largeKernels, chunking)
	if err != nil {
		return nil, fmt.Errorf("large sigma pass: %w", err)
	}
	for i := range highPass.Data {
		highPass.Data[i] -= lowPass.Data[i]
	}
	return highPass, nil
}
