// Package deconv restores a blurred volume with Richardson-Lucy iterations
// regularised by total variation.
package deconv

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"spots3d/internal/models"
	"spots3d/pkg/convolve"
)

// DefaultChunkSize is the number of z planes restored at a time.
const DefaultChunkSize = 128

// eps keeps ratios and the regularised denominator away from zero.
const eps = 1e-12

// tvFloor is the gradient, relative to the mean intensity, below which the
// total-variation term treats the estimate as flat.
const tvFloor = 1e-3

// Params configures a deconvolution run.
type Params struct {
	// Iterations is the number of Richardson-Lucy updates
	Iterations int

	// TVTau weights the total-variation term, 0 for plain Richardson-Lucy
	TVTau float64

	// ChunkSize is the number of z planes per chunk, 0 for the whole volume
	ChunkSize int

	// MemoryLimit is the byte budget of one chunk, 0 for unlimited
	MemoryLimit uint64
}

// Validate reports invalid parameters before any work starts.
func (p Params) Validate() error {
	if p.Iterations < 1 {
		return &models.ConfigError{Field: "iterations", Reason: fmt.Sprintf("must be at least 1, got %d", p.Iterations)}
	}
	if p.TVTau < 0 || math.IsNaN(p.TVTau) {
		return &models.ConfigError{Field: "tv_tau", Reason: fmt.Sprintf("must be non-negative, got %g", p.TVTau)}
	}
	if p.ChunkSize < 0 {
		return &models.ConfigError{Field: "chunk_size", Reason: fmt.Sprintf("must be non-negative, got %d", p.ChunkSize)}
	}
	return nil
}

// bytesPerVoxel covers the five real work arrays plus the transfer function and FFT buffer.
var bytesPerVoxel = 5*8 + convolve.WorkspaceBytes()

// Deconvolve restores vol with the given PSF, processing z chunks read with a
// halo of iterations times the PSF z radius on each side, the distance over
// which the updates carry information. Each chunk is reflect-padded by half
// the PSF extent on every axis so the circular FFT convolution does not wrap,
// then up to a 2, 3, 5-smooth transform length. Chunked and whole-volume
// results agree within 1% of the local intensity.
func Deconvolve(vol *models.Volume, psf *models.PSF, p Params) (*models.Volume, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	if psf == nil || psf.Kernel == nil {
		return nil, &models.ConfigError{Field: "psf", Reason: "missing"}
	}
	if err := psf.Kernel.Validate(); err != nil {
		return nil, fmt.Errorf("psf: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	ks := psf.Kernel.Shape()
	half := [3]int{ks[0] / 2, ks[1] / 2, ks[2] / 2}
	chunking := convolve.Chunking{Size: p.ChunkSize, Halo: max(ks[0], p.Iterations*half[0])}
	spans, err := chunking.Spans("deconvolution", vol.Depth, vol.Width*vol.Height)
	if err != nil {
		return nil, err
	}

	maxPlanes := 0
	for _, s := range spans {
		maxPlanes = max(maxPlanes, s.Hi-s.Lo)
	}
	fftShape := func(planes int) models.Shape {
		return models.Shape{
			convolve.GoodSize(planes + 2*half[0]),
			convolve.GoodSize(vol.Height + 2*half[1]),
			convolve.GoodSize(vol.Width + 2*half[2]),
		}
	}
	padded := uint64(fftShape(maxPlanes).Size())
	if err := convolve.CheckBudget("deconvolution", padded*bytesPerVoxel, p.MemoryLimit); err != nil {
		return nil, err
	}

	out := vol.Like()
	plane := vol.Width * vol.Height
	for _, s := range spans {
		block := convolve.PadTo(vol.Planes(s.Lo, s.Hi), half, fftShape(s.Hi-s.Lo))
		conv, err := convolve.NewFFTConvolver(block.Shape(), psf.Kernel)
		if err != nil {
			return nil, fmt.Errorf("chunk z=[%d,%d): %w", s.Z0, s.Z1, err)
		}

		restored := block.Like()
		restored.Data = richardsonLucyTV(block, conv, p.Iterations, p.TVTau)

		inner := convolve.Crop(restored, [3]int{half[0] + s.Z0 - s.Lo, half[1], half[2]},
			models.Shape{s.Z1 - s.Z0, vol.Height, vol.Width})
		copy(out.Data[s.Z0*plane:s.Z1*plane], inner.Data)
	}
	return out, nil
}

// richardsonLucyTV runs est <- est * H'(g / H est) / (1 - tau * div(grad est / |grad est|)).
func richardsonLucyTV(g *models.Volume, conv *convolve.FFTConvolver, iterations int, tau float64) []float64 {
	n := len(g.Data)
	observed := make([]float64, n)
	est := make([]float64, n)
	for i, v := range g.Data {
		observed[i] = math.Max(v, 0)
		est[i] = math.Max(v, eps)
	}

	blur := make([]float64, n)
	corr := make([]float64, n)
	var tv []float64
	tvEps := eps
	if tau > 0 {
		tv = make([]float64, n)
		if mean := floats.Sum(observed) / float64(n); mean > 0 {
			tvEps = math.Max(tvFloor*tvFloor*mean*mean, eps)
		}
	}

	for it := 0; it < iterations; it++ {
		conv.Convolve(blur, est)
		for i := range blur {
			blur[i] = observed[i] / math.Max(blur[i], eps)
		}
		conv.Correlate(corr, blur)

		if tau > 0 {
			tvDivergence(tv, est, g.Shape(), tvEps)
		}
		for i := range est {
			den := 1.0
			if tau > 0 {
				den = math.Max(1-tau*tv[i], eps)
			}
			est[i] = math.Max(est[i]*corr[i]/den, 0)
		}
	}
	return est
}
