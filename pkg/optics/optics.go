// Package optics derives expected spot sizes from microscope parameters and
// builds the point-spread function used by deconvolution.
//
// Physical quantities are in micrometres and angles in degrees. Sigma triples
// follow the (z, y, x) order used by every volume in the module.
package optics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"spots3d/internal/models"
	"spots3d/pkg/tiffstack"
)

// FWHMToSigma converts a full width at half maximum to a Gaussian sigma.
const FWHMToSigma = 1 / 2.355

// Parameters describes the acquisition optics.
type Parameters struct {
	// NA is the numerical aperture of the detection objective
	NA float64

	// RefractiveIndex of the immersion medium
	RefractiveIndex float64

	// Wavelength is the emission wavelength in µm
	Wavelength float64

	// PixelSize is the lateral camera pixel size in sample space, in µm
	PixelSize float64

	// StageStep is the distance between consecutive planes, in µm
	StageStep float64

	// SkewAngle is the oblique-plane angle in degrees, 0 for conventional stacks
	SkewAngle float64
}

// Validate reports the first parameter that cannot describe a real objective.
func (p Parameters) Validate() error {
	checks := []struct {
		field string
		value float64
	}{
		{"na", p.NA},
		{"ri", p.RefractiveIndex},
		{"wvl", p.Wavelength},
		{"pixel_size", p.PixelSize},
		{"scan_step", p.StageStep},
	}
	for _, c := range checks {
		if err := models.Positive(c.field, c.value); err != nil {
			return err
		}
	}
	if p.NA >= p.RefractiveIndex {
		return &models.ConfigError{Field: "na", Reason: fmt.Sprintf("%g must be below the refractive index %g", p.NA, p.RefractiveIndex)}
	}
	if p.SkewAngle < 0 || p.SkewAngle >= 90 {
		return &models.ConfigError{Field: "theta", Reason: fmt.Sprintf("%g must be in [0, 90)", p.SkewAngle)}
	}
	return nil
}

// Skewed reports whether planes were acquired at an oblique angle.
func (p Parameters) Skewed() bool {
	return p.SkewAngle != 0
}

// ZStep is the effective axial voxel size: the stage step projected on the
// optical axis for skewed stacks, the stage step otherwise.
func (p Parameters) ZStep() float64 {
	if p.Skewed() {
		return p.StageStep * math.Sin(p.SkewAngle*math.Pi/180)
	}
	return p.StageStep
}

// VoxelSize returns the (z, y, x) voxel size of a stack acquired with these optics.
func (p Parameters) VoxelSize() models.VoxelSize {
	return models.VoxelSize{Z: p.ZStep(), Y: p.PixelSize, X: p.PixelSize}
}

// VoxelSigmas converts physical sigmas to (z, y, x) voxel units.
func (p Parameters) VoxelSigmas(sigmaXY, sigmaZ float64) models.Vec3 {
	return models.Vec3{sigmaZ / p.ZStep(), sigmaXY / p.PixelSize, sigmaXY / p.PixelSize}
}

// DeriveSigmas returns the lateral and axial sigma of the diffraction-limited
// spot, using the Gaussian approximation of the widefield PSF.
func DeriveSigmas(p Parameters) (sigmaXY, sigmaZ float64, err error) {
	if err := p.Validate(); err != nil {
		return 0, 0, err
	}
	sigmaXY = 0.22 * p.Wavelength / p.NA
	sigmaZ = math.Sqrt(6) / math.Pi * p.RefractiveIndex * p.Wavelength / (p.NA * p.NA)
	return sigmaXY, sigmaZ, nil
}

// SigmasFromSpotSize converts measured spot FWHMs to sigmas.
func SigmasFromSpotSize(fwhmXY, fwhmZ float64) (sigmaXY, sigmaZ float64, err error) {
	if err := models.Positive("fwhm_xy", fwhmXY); err != nil {
		return 0, 0, err
	}
	if err := models.Positive("fwhm_z", fwhmZ); err != nil {
		return 0, 0, err
	}
	return fwhmXY * FWHMToSigma, fwhmZ * FWHMToSigma, nil
}

// SigmasFromPSF measures sigmas from the second moments of a PSF image.
// Negative samples are ignored; the lateral sigma averages the x and y moments.
func SigmasFromPSF(psf *models.PSF, voxel models.VoxelSize) (sigmaXY, sigmaZ float64, err error) {
	if psf == nil || psf.Kernel == nil {
		return 0, 0, &models.ConfigError{Field: "psf", Reason: "missing"}
	}
	k := psf.Kernel
	if err := k.Validate(); err != nil {
		return 0, 0, err
	}

	n := len(k.Data)
	zs := make([]float64, n)
	ys := make([]float64, n)
	xs := make([]float64, n)
	weights := make([]float64, n)
	total := 0.0
	for z := 0; z < k.Depth; z++ {
		for y := 0; y < k.Height; y++ {
			for x := 0; x < k.Width; x++ {
				i := k.Index(z, y, x)
				zs[i], ys[i], xs[i] = float64(z), float64(y), float64(x)
				weights[i] = math.Max(k.Data[i], 0)
				total += weights[i]
			}
		}
	}
	if total <= 0 {
		return 0, 0, &models.ConfigError{Field: "psf", Reason: "has no positive samples"}
	}

	_, varZ := stat.PopMeanVariance(zs, weights)
	_, varY := stat.PopMeanVariance(ys, weights)
	_, varX := stat.PopMeanVariance(xs, weights)

	sigmaXY = math.Sqrt((varX*voxel.X*voxel.X + varY*voxel.Y*voxel.Y) / 2)
	sigmaZ = math.Sqrt(varZ) * voxel.Z
	if !(sigmaXY > 0) || !(sigmaZ > 0) {
		return 0, 0, &models.ConfigError{Field: "psf", Reason: "is a single voxel along one axis"}
	}
	return sigmaXY, sigmaZ, nil
}

// LoadPSF reads a 3D TIFF stack and normalises it to unit sum.
func LoadPSF(path string) (*models.PSF, error) {
	vol, err := tiffstack.Read(path)
	if err != nil {
		return nil, err
	}
	if vol.Depth < 2 {
		return nil, &models.FileError{Op: "load psf", Path: path,
			Err: fmt.Errorf("single plane image is not a 3D stack: %w", models.ErrShape)}
	}
	if err := normalize(vol); err != nil {
		return nil, &models.FileError{Op: "load psf", Path: path, Err: err}
	}
	return &models.PSF{Kernel: vol, Origin: path}, nil
}

// normalize scales the volume to unit sum.
func normalize(vol *models.Volume) error {
	sum := 0.0
	for _, v := range vol.Data {
		sum += v
	}
	if !(sum > 0) {
		return fmt.Errorf("kernel sums to %g: %w", sum, models.ErrFormat)
	}
	for i := range vol.Data {
		vol.Data[i] /= sum
	}
	return nil
}
