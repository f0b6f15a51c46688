// Package convolve implements the separable and FFT convolutions shared by the
// band-pass filter and deconvolution, including z-chunked processing of volumes
// that do not fit the memory ceiling in one piece.
package convolve

import (
	"fmt"
	"math"

	"spots3d/internal/models"
)

// Radius is the half-width of a Gaussian kernel truncated at cutoff sigmas.
func Radius(sigma, cutoff float64) int {
	return int(math.Ceil(cutoff * sigma))
}

// GaussianKernel returns a sampled Gaussian of the given sigma truncated at
// cutoff standard deviations and normalised to unit sum.
func GaussianKernel(sigma, cutoff float64) ([]float64, error) {
	if err := models.Positive("sigma", sigma); err != nil {
		return nil, err
	}
	if err := models.Positive("cutoff", cutoff); err != nil {
		return nil, err
	}

	r := Radius(sigma, cutoff)
	kernel := make([]float64, 2*r+1)
	sum := 0.0
	for i := -r; i <= r; i++ {
		v := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		kernel[i+r] = v
		sum += v
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel, nil
}

// GaussianKernels builds one kernel per (z, y, x) axis.
func GaussianKernels(sigma models.Vec3, cutoff float64) ([3][]float64, error) {
	var kernels [3][]float64
	for axis, s := range sigma {
		k, err := GaussianKernel(s, cutoff)
		if err != nil {
			return kernels, fmt.Errorf("axis %d: %w", axis, err)
		}
		kernels[axis] = k
	}
	return kernels, nil
}

// reflect maps an out-of-range index back into [0, n) by mirroring about the
// edges with the edge sample repeated: d c b a | a b c d | d c b a.
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - 1 - i
	}
	return i
}
