package candidates

import (
	"github.com/valyala/fastrand"
	"gonum.org/v1/gonum/stat"

	"spots3d/internal/models"
)

// DefaultSamples is the number of voxels drawn when estimating background noise.
const DefaultSamples = 100000

// Background summarises the intensity distribution of a volume.
type Background struct {
	Mean   float64
	StdDev float64
}

// Threshold returns mean + k standard deviations.
func (b Background) Threshold(k float64) float64 {
	return b.Mean + k*b.StdDev
}

// EstimateBackground computes the mean and standard deviation of up to samples
// randomly drawn voxels. Volumes no larger than samples are summarised exactly.
// The same non-zero seed draws the same voxels; seed 0 draws a random subset.
func EstimateBackground(vol *models.Volume, samples int, seed uint32) (Background, error) {
	if err := vol.Validate(); err != nil {
		return Background{}, err
	}
	if samples <= 0 {
		samples = DefaultSamples
	}

	data := vol.Data
	if len(data) > samples {
		data = make([]float64, samples)
		var rng fastrand.RNG
		if seed != 0 {
			rng.Seed(seed)
		}
		for i := range data {
			data[i] = vol.Data[rng.Uint32n(uint32(len(vol.Data)))]
		}
	}
	mean, std := stat.MeanStdDev(data, nil)
	if len(data) < 2 {
		std = 0
	}
	return Background{Mean: mean, StdDev: std}, nil
}
