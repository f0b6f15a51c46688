// Package spotio reads and writes spot tables as CSV and detection parameters as JSON.
package spotio

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"spots3d/internal/models"
	"spots3d/pkg/dog"
	"spots3d/pkg/filtering"
	"spots3d/pkg/optics"
)

// PSFGenerated is the psf_origin of a PSF synthesised from the optics.
const PSFGenerated = models.PSFGenerated

// Source names of the volumes the DoG filter and the fits read.
const (
	SourceDecon = "decon"
	SourceRaw   = "raw"
)

// Metadata describes the acquisition sampling.
type Metadata struct {
	PixelSize float64 `json:"pixel_size"`
	ScanStep  float64 `json:"scan_step"`

	// Wavelength is the emission wavelength in µm
	Wavelength float64 `json:"wvl"`
}

// MicroscopeParams describes the detection optics. Theta is in degrees.
type MicroscopeParams struct {
	NA    float64 `json:"na"`
	RI    float64 `json:"ri"`
	Theta float64 `json:"theta"`
}

// SpotSigmas are the expected spot sigmas in µm every factor refers to. Zero
// values are derived from the optics.
type SpotSigmas struct {
	SigmaXY float64 `json:"sigma_xy"`
	SigmaZ  float64 `json:"sigma_z"`
}

// DeconParams configures the Richardson-Lucy deconvolution.
type DeconParams struct {
	Iterations int     `json:"iterations"`
	TVTau      float64 `json:"tv_tau"`
}

// DoGFilterParams holds the per-axis sigma factors of the two blurs.
type DoGFilterParams struct {
	SigmaSmallZFactor float64 `json:"sigma_small_z_factor"`
	SigmaSmallYFactor float64 `json:"sigma_small_y_factor"`
	SigmaSmallXFactor float64 `json:"sigma_small_x_factor"`
	SigmaLargeZFactor float64 `json:"sigma_large_z_factor"`
	SigmaLargeYFactor float64 `json:"sigma_large_y_factor"`
	SigmaLargeXFactor float64 `json:"sigma_large_x_factor"`
}

// FindCandidatesParams configures local maximum detection.
type FindCandidatesParams struct {
	Threshold       float64 `json:"threshold"`
	MinSpotXYFactor float64 `json:"min_spot_xy_factor"`
	MinSpotZFactor  float64 `json:"min_spot_z_factor"`
}

// FitParams configures the Gaussian fits.
type FitParams struct {
	NSpotsToFit int     `json:"n_spots_to_fit"`
	ROIZFactor  float64 `json:"roi_z_factor"`
	ROIYFactor  float64 `json:"roi_y_factor"`
	ROIXFactor  float64 `json:"roi_x_factor"`

	// Source is the volume the Gaussians are fitted to, raw when empty
	Source        string `json:"fit_source_data"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// UpperBound is a bound that may be +Inf, written as null.
type UpperBound float64

func (b UpperBound) MarshalJSON() ([]byte, error) {
	if math.IsInf(float64(b), 1) {
		return []byte("null"), nil
	}
	return json.Marshal(float64(b))
}

func (b *UpperBound) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*b = UpperBound(math.Inf(1))
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*b = UpperBound(v)
	return nil
}

// FilterParams holds every filter bound and the enabled criteria.
type FilterParams struct {
	AmpMin                float64         `json:"amp_min"`
	AmpMax                UpperBound      `json:"amp_max"`
	SigmaMinXYFactor      float64         `json:"sigma_min_xy_factor"`
	SigmaMaxXYFactor      UpperBound      `json:"sigma_max_xy_factor"`
	SigmaMinZFactor       float64         `json:"sigma_min_z_factor"`
	SigmaMaxZFactor       UpperBound      `json:"sigma_max_z_factor"`
	MinSigmaRatio         float64         `json:"min_sigma_ratio"`
	MaxSigmaRatio         UpperBound      `json:"max_sigma_ratio"`
	ChiSquaredMin         float64         `json:"chi_squared_min"`
	ChiSquaredMax         UpperBound      `json:"chi_squared_max"`
	FitDistMaxErrXYFactor UpperBound      `json:"fit_dist_max_err_xy_factor"`
	FitDistMaxErrZFactor  UpperBound      `json:"fit_dist_max_err_z_factor"`
	MinSpotSepXYFactor    float64         `json:"min_spot_sep_xy_factor"`
	MinSpotSepZFactor     float64         `json:"min_spot_sep_z_factor"`
	DistBoundaryXYFactor  float64         `json:"dist_boundary_xy_factor"`
	DistBoundaryZFactor   float64         `json:"dist_boundary_z_factor"`
	Enabled               map[string]bool `json:"enabled"`
}

// DetectionParams is the complete configuration of a detection run.
type DetectionParams struct {
	Metadata   Metadata             `json:"metadata"`
	Microscope MicroscopeParams     `json:"microscope_params"`
	Sigmas     SpotSigmas           `json:"spot_sigmas"`
	Decon      DeconParams          `json:"decon_params"`
	DoGSource  string               `json:"dog_filter_source_data"`
	DoG        DoGFilterParams      `json:"DoG_filter_params"`
	Find       FindCandidatesParams `json:"find_candidates_params"`
	Fit        FitParams            `json:"fit_candidate_spots_params"`
	Filter     FilterParams         `json:"spot_filter_params"`
	PSFOrigin  string               `json:"psf_origin"`
}

// DefaultDetectionParams returns the usual starting configuration for the given optics.
func DefaultDetectionParams(p optics.Parameters) DetectionParams {
	factors, _ := dog.DefaultFactors(dog.DefaultSigmaRatio)
	d := DetectionParams{
		Decon:     DeconParams{Iterations: 20, TVTau: 0.01},
		DoGSource: SourceDecon,
		Find:      FindCandidatesParams{Threshold: 0, MinSpotXYFactor: 2.5, MinSpotZFactor: 2.5},
		Fit:       FitParams{NSpotsToFit: 0, ROIZFactor: 3, ROIYFactor: 3, ROIXFactor: 3, Source: SourceRaw},
		Filter:    FromCriteria(filtering.DefaultCriteria()),
		PSFOrigin: PSFGenerated,
	}
	d.SetOptics(p)
	d.SetFactors(factors)
	if sigmaXY, sigmaZ, err := optics.DeriveSigmas(p); err == nil {
		d.Sigmas = SpotSigmas{SigmaXY: sigmaXY, SigmaZ: sigmaZ}
	}
	return d
}

// Optics returns the acquisition and optics parameters.
func (d DetectionParams) Optics() optics.Parameters {
	return optics.Parameters{
		NA:              d.Microscope.NA,
		RefractiveIndex: d.Microscope.RI,
		Wavelength:      d.Metadata.Wavelength,
		PixelSize:       d.Metadata.PixelSize,
		StageStep:       d.Metadata.ScanStep,
		SkewAngle:       d.Microscope.Theta,
	}
}

// SetOptics stores the acquisition and optics parameters.
func (d *DetectionParams) SetOptics(p optics.Parameters) {
	d.Metadata = Metadata{PixelSize: p.PixelSize, ScanStep: p.StageStep, Wavelength: p.Wavelength}
	d.Microscope = MicroscopeParams{NA: p.NA, RI: p.RefractiveIndex, Theta: p.SkewAngle}
}

// Factors returns the DoG sigma factors in (z, y, x) order.
func (d DetectionParams) Factors() dog.Factors {
	return dog.Factors{
		Small: models.Vec3{d.DoG.SigmaSmallZFactor, d.DoG.SigmaSmallYFactor, d.DoG.SigmaSmallXFactor},
		Large: models.Vec3{d.DoG.SigmaLargeZFactor, d.DoG.SigmaLargeYFactor, d.DoG.SigmaLargeXFactor},
	}
}

// SetFactors stores the DoG sigma factors.
func (d *DetectionParams) SetFactors(f dog.Factors) {
	d.DoG = DoGFilterParams{
		SigmaSmallZFactor: f.Small[0], SigmaSmallYFactor: f.Small[1], SigmaSmallXFactor: f.Small[2],
		SigmaLargeZFactor: f.Large[0], SigmaLargeYFactor: f.Large[1], SigmaLargeXFactor: f.Large[2],
	}
}

// MinSeparation returns the candidate separation factors in (z, y, x) order.
func (d DetectionParams) MinSeparation() models.Vec3 {
	return models.Vec3{d.Find.MinSpotZFactor, d.Find.MinSpotXYFactor, d.Find.MinSpotXYFactor}
}

// ROIFactors returns the ROI size factors in (z, y, x) order.
func (d DetectionParams) ROIFactors() models.Vec3 {
	return models.Vec3{d.Fit.ROIZFactor, d.Fit.ROIYFactor, d.Fit.ROIXFactor}
}

// FromCriteria converts filter criteria to their file form. The evaluation
// order is not stored.
func FromCriteria(c filtering.Criteria) FilterParams {
	enabled := make(map[string]bool, len(c.Enabled))
	for k, v := range c.Enabled {
		enabled[k] = v
	}
	return FilterParams{
		AmpMin:                c.AmpMin,
		AmpMax:                UpperBound(c.AmpMax),
		SigmaMinXYFactor:      c.SigmaXYMin,
		SigmaMaxXYFactor:      UpperBound(c.SigmaXYMax),
		SigmaMinZFactor:       c.SigmaZMin,
		SigmaMaxZFactor:       UpperBound(c.SigmaZMax),
		MinSigmaRatio:         c.SigmaRatioMin,
		MaxSigmaRatio:         UpperBound(c.SigmaRatioMax),
		ChiSquaredMin:         c.ChiSquaredMin,
		ChiSquaredMax:         UpperBound(c.ChiSquaredMax),
		FitDistMaxErrXYFactor: UpperBound(c.FitDistXYMax),
		FitDistMaxErrZFactor:  UpperBound(c.FitDistZMax),
		MinSpotSepXYFactor:    c.MinSpotSepXY,
		MinSpotSepZFactor:     c.MinSpotSepZ,
		DistBoundaryXYFactor:  c.DistBoundaryXY,
		DistBoundaryZFactor:   c.DistBoundaryZ,
		Enabled:               enabled,
	}
}

// Criteria converts the file form back to filter criteria.
func (f FilterParams) Criteria() filtering.Criteria {
	enabled := make(map[string]bool, len(f.Enabled))
	for k, v := range f.Enabled {
		enabled[k] = v
	}
	return filtering.Criteria{
		AmpMin:         f.AmpMin,
		AmpMax:         float64(f.AmpMax),
		SigmaXYMin:     f.SigmaMinXYFactor,
		SigmaXYMax:     float64(f.SigmaMaxXYFactor),
		SigmaZMin:      f.SigmaMinZFactor,
		SigmaZMax:      float64(f.SigmaMaxZFactor),
		SigmaRatioMin:  f.MinSigmaRatio,
		SigmaRatioMax:  float64(f.MaxSigmaRatio),
		ChiSquaredMin:  f.ChiSquaredMin,
		ChiSquaredMax:  float64(f.ChiSquaredMax),
		FitDistXYMax:   float64(f.FitDistMaxErrXYFactor),
		FitDistZMax:    float64(f.FitDistMaxErrZFactor),
		MinSpotSepXY:   f.MinSpotSepXYFactor,
		MinSpotSepZ:    f.MinSpotSepZFactor,
		DistBoundaryXY: f.DistBoundaryXYFactor,
		DistBoundaryZ:  f.DistBoundaryZFactor,
		Enabled:        enabled,
	}
}

// Validate checks the values a run cannot start without.
func (d DetectionParams) Validate() error {
	if err := d.Optics().Validate(); err != nil {
		return err
	}
	if d.DoGSource != SourceDecon && d.DoGSource != SourceRaw {
		return &models.ConfigError{Field: "dog_filter_source_data", Reason: fmt.Sprintf("must be %q or %q, got %q", SourceDecon, SourceRaw, d.DoGSource)}
	}
	if d.Fit.Source != "" && d.Fit.Source != SourceDecon && d.Fit.Source != SourceRaw {
		return &models.ConfigError{Field: "fit_source_data", Reason: fmt.Sprintf("must be %q or %q, got %q", SourceDecon, SourceRaw, d.Fit.Source)}
	}
	if d.Sigmas.SigmaXY < 0 || d.Sigmas.SigmaZ < 0 || (d.Sigmas.SigmaXY > 0) != (d.Sigmas.SigmaZ > 0) {
		return &models.ConfigError{Field: "spot_sigmas", Reason: fmt.Sprintf("need both or neither, got xy=%g z=%g", d.Sigmas.SigmaXY, d.Sigmas.SigmaZ)}
	}
	if d.Fit.MaxIterations < 0 {
		return &models.ConfigError{Field: "max_iterations", Reason: fmt.Sprintf("must be non-negative, got %d", d.Fit.MaxIterations)}
	}
	if d.PSFOrigin == "" {
		return &models.ConfigError{Field: "psf_origin", Reason: "must be a path or " + PSFGenerated}
	}
	if d.Fit.NSpotsToFit < 0 {
		return &models.ConfigError{Field: "n_spots_to_fit", Reason: fmt.Sprintf("must be non-negative, got %d", d.Fit.NSpotsToFit)}
	}
	return d.Filter.Criteria().Validate()
}

// EncodeParams writes d as indented JSON.
func EncodeParams(w io.Writer, d DetectionParams) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	return enc.Encode(d)
}

// DecodeParams reads detection parameters and validates them.
func DecodeParams(r io.Reader) (DetectionParams, error) {
	var d DetectionParams
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return d, fmt.Errorf("%v: %w", err, models.ErrFormat)
	}
	return d, d.Validate()
}

// SaveParams writes detection parameters to path.
func SaveParams(path string, d DetectionParams) error {
	f, err := os.Create(path)
	if err != nil {
		return &models.FileError{Op: "create", Path: path, Err: err}
	}
	if err := EncodeParams(f, d); err != nil {
		f.Close()
		return &models.FileError{Op: "write", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &models.FileError{Op: "close", Path: path, Err: err}
	}
	return nil
}

// LoadParams reads detection parameters from path.
func LoadParams(path string) (DetectionParams, error) {
	f, err := os.Open(path)
	if err != nil {
		return DetectionParams{}, &models.FileError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	d, err := DecodeParams(f)
	if err != nil {
		if errors.Is(err, models.ErrFormat) {
			return d, &models.FileError{Op: "parse", Path: path, Err: err}
		}
		return d, err
	}
	return d, nil
}
