// Package filtering selects fitted spots with a set of independently toggled
// range tests on the fit parameters.
package filtering

import (
	"fmt"
	"math"

	"spots3d/internal/models"
)

// Criterion names, also used as failure reasons.
const (
	AmplitudeMin   = "amplitude_min"
	AmplitudeMax   = "amplitude_max"
	SigmaXYMin     = "sigma_xy_min"
	SigmaXYMax     = "sigma_xy_max"
	SigmaZMin      = "sigma_z_min"
	SigmaZMax      = "sigma_z_max"
	SigmaRatioMin  = "sigma_ratio_min"
	SigmaRatioMax  = "sigma_ratio_max"
	ChiSquaredMin  = "chi_squared_min"
	ChiSquaredMax  = "chi_squared_max"
	FitDistXYMax   = "fit_dist_xy_max"
	FitDistZMax    = "fit_dist_z_max"
	MinSpotSep     = "min_spot_sep"
	DistBoundaryXY = "dist_boundary_xy"
	DistBoundaryZ  = "dist_boundary_z"
)

// Names lists every criterion in the default evaluation order.
var Names = []string{
	AmplitudeMin, AmplitudeMax,
	SigmaXYMin, SigmaXYMax,
	SigmaZMin, SigmaZMax,
	SigmaRatioMin, SigmaRatioMax,
	ChiSquaredMin, ChiSquaredMax,
	FitDistXYMax, FitDistZMax,
	MinSpotSep,
	DistBoundaryXY, DistBoundaryZ,
}

// Criteria holds the bound of every test and which tests are enabled.
// Sigma and distance bounds are factors of the expected spot sigmas;
// boundary bounds are fractions of the axis extent.
type Criteria struct {
	AmpMin float64
	AmpMax float64

	SigmaXYMin float64
	SigmaXYMax float64
	SigmaZMin  float64
	SigmaZMax  float64

	// SigmaRatioMin and SigmaRatioMax bound sigma_z / sigma_xy
	SigmaRatioMin float64
	SigmaRatioMax float64

	ChiSquaredMin float64
	ChiSquaredMax float64

	FitDistXYMax float64
	FitDistZMax  float64

	MinSpotSepXY float64
	MinSpotSepZ  float64

	DistBoundaryXY float64
	DistBoundaryZ  float64

	// Enabled switches criteria on by name
	Enabled map[string]bool

	// Order is the evaluation order of the failure reasons. Names left out
	// follow in default order.
	Order []string
}

// DefaultCriteria returns the usual bounds with every criterion disabled.
func DefaultCriteria() Criteria {
	return Criteria{
		AmpMin:         0,
		AmpMax:         math.Inf(1),
		SigmaXYMin:     0.25,
		SigmaXYMax:     8,
		SigmaZMin:      0.2,
		SigmaZMax:      6,
		SigmaRatioMin:  1.25,
		SigmaRatioMax:  6,
		ChiSquaredMin:  0,
		ChiSquaredMax:  math.Inf(1),
		FitDistXYMax:   7,
		FitDistZMax:    5,
		MinSpotSepXY:   1,
		MinSpotSepZ:    2,
		DistBoundaryXY: 0.05,
		DistBoundaryZ:  0.05,
		Enabled:        map[string]bool{},
	}
}

// Enable returns a copy of c with the named criteria switched on.
func (c Criteria) Enable(names ...string) Criteria {
	enabled := make(map[string]bool, len(c.Enabled)+len(names))
	for k, v := range c.Enabled {
		enabled[k] = v
	}
	for _, name := range names {
		enabled[name] = true
	}
	c.Enabled = enabled
	return c
}

// IsEnabled reports whether the named criterion takes part in filtering.
func (c Criteria) IsEnabled(name string) bool {
	return c.Enabled[name]
}

// Validate rejects unknown criterion names and repeated entries in Order.
func (c Criteria) Validate() error {
	for name := range c.Enabled {
		if _, ok := checks[name]; !ok {
			return &models.ConfigError{Field: "spot_filter_params", Reason: fmt.Sprintf("unknown criterion %q", name)}
		}
	}
	seen := make(map[string]bool, len(c.Order))
	for _, name := range c.Order {
		if _, ok := checks[name]; !ok {
			return &models.ConfigError{Field: "spot_filter_params", Reason: fmt.Sprintf("unknown criterion %q", name)}
		}
		if seen[name] {
			return &models.ConfigError{Field: "spot_filter_params", Reason: fmt.Sprintf("criterion %q listed twice", name)}
		}
		seen[name] = true
	}
	return nil
}

// order returns every criterion name, c.Order first.
func (c Criteria) order() []string {
	names := make([]string, 0, len(Names))
	seen := make(map[string]bool, len(Names))
	for _, name := range c.Order {
		names = append(names, name)
		seen[name] = true
	}
	for _, name := range Names {
		if !seen[name] {
			names = append(names, name)
		}
	}
	return names
}

// check is one range test. MinSpotSep has no entry value; it is decided
// over the whole set of fits.
type check struct {
	value func(m Measures) float64
	bound func(c Criteria) float64
	lower bool
}

func (k check) pass(m Measures, c Criteria) bool {
	v, b := k.value(m), k.bound(c)
	if k.lower {
		return v >= b
	}
	return v <= b
}

var checks = map[string]check{
	AmplitudeMin:   {func(m Measures) float64 { return m.Amplitude }, func(c Criteria) float64 { return c.AmpMin }, true},
	AmplitudeMax:   {func(m Measures) float64 { return m.Amplitude }, func(c Criteria) float64 { return c.AmpMax }, false},
	SigmaXYMin:     {func(m Measures) float64 { return m.SigmaXY }, func(c Criteria) float64 { return c.SigmaXYMin }, true},
	SigmaXYMax:     {func(m Measures) float64 { return m.SigmaXY }, func(c Criteria) float64 { return c.SigmaXYMax }, false},
	SigmaZMin:      {func(m Measures) float64 { return m.SigmaZ }, func(c Criteria) float64 { return c.SigmaZMin }, true},
	SigmaZMax:      {func(m Measures) float64 { return m.SigmaZ }, func(c Criteria) float64 { return c.SigmaZMax }, false},
	SigmaRatioMin:  {func(m Measures) float64 { return m.SigmaRatio }, func(c Criteria) float64 { return c.SigmaRatioMin }, true},
	SigmaRatioMax:  {func(m Measures) float64 { return m.SigmaRatio }, func(c Criteria) float64 { return c.SigmaRatioMax }, false},
	ChiSquaredMin:  {func(m Measures) float64 { return m.ChiSquared }, func(c Criteria) float64 { return c.ChiSquaredMin }, true},
	ChiSquaredMax:  {func(m Measures) float64 { return m.ChiSquared }, func(c Criteria) float64 { return c.ChiSquaredMax }, false},
	FitDistXYMax:   {func(m Measures) float64 { return m.DistXY }, func(c Criteria) float64 { return c.FitDistXYMax }, false},
	FitDistZMax:    {func(m Measures) float64 { return m.DistZ }, func(c Criteria) float64 { return c.FitDistZMax }, false},
	MinSpotSep:     {},
	DistBoundaryXY: {func(m Measures) float64 { return m.BoundaryXY }, func(c Criteria) float64 { return c.DistBoundaryXY }, true},
	DistBoundaryZ:  {func(m Measures) float64 { return m.BoundaryZ }, func(c Criteria) float64 { return c.DistBoundaryZ }, true},
}
