package filtering

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/anthonynsimon/bild/parallel"
	"gonum.org/v1/gonum/stat"

	"spots3d/internal/models"
	"spots3d/pkg/spatial"
)

// Reference describes what a fit is compared against.
type Reference struct {
	// SigmaXY and SigmaZ are the expected spot sigmas in µm
	SigmaXY float64
	SigmaZ  float64

	// Shape and Voxel describe the fitted volume
	Shape models.Shape
	Voxel models.VoxelSize
}

func (r Reference) validate() error {
	if err := models.Positive("sigma_xy", r.SigmaXY); err != nil {
		return err
	}
	if err := models.Positive("sigma_z", r.SigmaZ); err != nil {
		return err
	}
	for axis, n := range r.Shape {
		if n <= 0 {
			return &models.ConfigError{Field: "shape", Reason: fmt.Sprintf("axis %d has extent %d", axis, n)}
		}
	}
	for _, v := range []float64{r.Voxel.Z, r.Voxel.Y, r.Voxel.X} {
		if err := models.Positive("voxel_size", v); err != nil {
			return err
		}
	}
	return nil
}

// Measures are the quantities the criteria test, computed once per fit.
type Measures struct {
	Amplitude float64

	// SigmaXY and SigmaZ are the fitted sigmas over the expected ones
	SigmaXY float64
	SigmaZ  float64

	// SigmaRatio is the fitted sigma_z over the fitted sigma_xy
	SigmaRatio float64

	ChiSquared float64

	// DistXY and DistZ are the fit displacements over the expected sigmas
	DistXY float64
	DistZ  float64

	// BoundaryXY and BoundaryZ are the distances to the nearest face over the axis extent
	BoundaryXY float64
	BoundaryZ  float64
}

// Measure computes the tested quantities of one fit. The displacement is
// taken against cand when given, otherwise the one stored in the fit is used.
func Measure(fit models.FitResult, cand *models.Candidate, ref Reference) Measures {
	distXY, distZ := fit.DistXY, fit.DistZ
	if cand != nil {
		dz := (fit.Center[0] - cand.Position[0]) * ref.Voxel.Z
		dy := (fit.Center[1] - cand.Position[1]) * ref.Voxel.Y
		dx := (fit.Center[2] - cand.Position[2]) * ref.Voxel.X
		distXY, distZ = math.Hypot(dy, dx), math.Abs(dz)
	}

	boundaryZ := math.Inf(1)
	if ref.Shape[0] > 1 {
		boundaryZ = boundary(fit.Center[0], ref.Shape[0])
	}
	boundaryXY := math.Min(boundary(fit.Center[1], ref.Shape[1]), boundary(fit.Center[2], ref.Shape[2]))

	return Measures{
		Amplitude:  fit.Amplitude,
		SigmaXY:    fit.SigmaXY / ref.SigmaXY,
		SigmaZ:     fit.SigmaZ / ref.SigmaZ,
		SigmaRatio: fit.SigmaZ / fit.SigmaXY,
		ChiSquared: fit.ChiSquared,
		DistXY:     distXY / ref.SigmaXY,
		DistZ:      distZ / ref.SigmaZ,
		BoundaryXY: boundaryXY,
		BoundaryZ:  boundaryZ,
	}
}

// boundary is the distance of c to the nearest of the first and last voxel
// along an axis of n voxels, as a fraction of n.
func boundary(c float64, n int) float64 {
	d := math.Min(c, float64(n-1)-c)
	return math.Max(d, 0) / float64(n)
}

// Filter tests every fit against the enabled criteria. cands may be nil;
// otherwise fit.Candidate indexes it. A fit is kept when it passes all
// enabled criteria, and every failed criterion is recorded in c.Order.
//
// The separation criterion compares each fit with the brighter fits (ties go
// to the lower index) that pass every other enabled criterion, so the kept
// set does not depend on the evaluation order.
func Filter(fits []models.FitResult, cands []models.Candidate, c Criteria, ref Reference) ([]models.FilterOutcome, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := ref.validate(); err != nil {
		return nil, err
	}
	if c.IsEnabled(MinSpotSep) {
		if c.MinSpotSepXY < 0 || c.MinSpotSepZ < 0 {
			return nil, &models.ConfigError{Field: "min_spot_sep", Reason: "factors must not be negative"}
		}
	}

	measures := make([]Measures, len(fits))
	failed := make([]map[string]bool, len(fits))
	parallel.Line(len(fits), func(start, end int) {
		for i := start; i < end; i++ {
			var cand *models.Candidate
			if k := fits[i].Candidate; k >= 0 && k < len(cands) {
				cand = &cands[k]
			}
			measures[i] = Measure(fits[i], cand, ref)
			failed[i] = map[string]bool{}
			for name, k := range checks {
				if name == MinSpotSep || !c.IsEnabled(name) {
					continue
				}
				if !k.pass(measures[i], c) {
					failed[i][name] = true
				}
			}
		}
	})

	if c.IsEnabled(MinSpotSep) {
		for _, i := range crowded(fits, failed, c, ref) {
			failed[i][MinSpotSep] = true
		}
	}

	order := c.order()
	outcomes := make([]models.FilterOutcome, len(fits))
	for i := range fits {
		outcomes[i] = models.FilterOutcome{Fit: i, Kept: len(failed[i]) == 0}
		for _, name := range order {
			if failed[i][name] {
				outcomes[i].Failed = append(outcomes[i].Failed, name)
			}
		}
	}
	return outcomes, nil
}

// crowded returns the fits that have a brighter eligible neighbour closer
// than the minimum separation, |dz| < sep_z and dxy < sep_xy.
func crowded(fits []models.FitResult, failed []map[string]bool, c Criteria, ref Reference) []int {
	sepXY := c.MinSpotSepXY * ref.SigmaXY
	sepZ := c.MinSpotSepZ * ref.SigmaZ
	if sepXY <= 0 || sepZ <= 0 {
		return nil
	}

	var eligible []int
	for i := range fits {
		if len(failed[i]) == 0 {
			eligible = append(eligible, i)
		}
	}
	positions := make([]models.Vec3, len(eligible))
	for k, i := range eligible {
		positions[k] = fits[i].Center
	}
	scale := models.Vec3{sepZ / ref.Voxel.Z, sepXY / ref.Voxel.Y, sepXY / ref.Voxel.X}
	index := spatial.NewIndex(positions, scale)

	brighter := func(a, b int) bool {
		if fits[a].Amplitude != fits[b].Amplitude {
			return fits[a].Amplitude > fits[b].Amplitude
		}
		return a < b
	}

	var out []int
	for k, i := range eligible {
		// the cylinder |dz| < 1, dxy < 1 lies inside the sphere of radius sqrt(2)
		for _, n := range index.Within(k, math.Sqrt2) {
			j := eligible[n]
			if !brighter(j, i) {
				continue
			}
			dz := (fits[i].Center[0] - fits[j].Center[0]) * ref.Voxel.Z
			dy := (fits[i].Center[1] - fits[j].Center[1]) * ref.Voxel.Y
			dx := (fits[i].Center[2] - fits[j].Center[2]) * ref.Voxel.X
			if math.Abs(dz) < sepZ && math.Hypot(dy, dx) < sepXY {
				out = append(out, i)
				break
			}
		}
	}
	return out
}

// Kept returns the fits whose outcome is kept, in fit order.
func Kept(fits []models.FitResult, outcomes []models.FilterOutcome) []models.FitResult {
	var kept []models.FitResult
	for _, o := range outcomes {
		if o.Kept {
			kept = append(kept, fits[o.Fit])
		}
	}
	return kept
}

// Rejection is the diagnostic line of one rejected fit.
type Rejection struct {
	Fit     int
	Reasons string
}

// RejectionReasons lists every rejected fit with its failed criteria joined by newlines.
func RejectionReasons(outcomes []models.FilterOutcome) []Rejection {
	var out []Rejection
	for _, o := range outcomes {
		if !o.Kept {
			out = append(out, Rejection{Fit: o.Fit, Reasons: strings.Join(o.Failed, "\n")})
		}
	}
	return out
}

// FailureCounts counts how many fits failed each criterion.
func FailureCounts(outcomes []models.FilterOutcome) map[string]int {
	counts := make(map[string]int)
	for _, o := range outcomes {
		for _, name := range o.Failed {
			counts[name]++
		}
	}
	return counts
}

// AutoRanges returns base with the amplitude, sigma, ratio, displacement and
// chi squared bounds set to the pMin and pMax percentiles of the fits.
// Displacement criteria only have an upper bound and take pMax.
// Percentiles are in [0, 100]; base is returned unchanged when there are no fits.
func AutoRanges(base Criteria, fits []models.FitResult, cands []models.Candidate, ref Reference, pMin, pMax float64) (Criteria, error) {
	if !(pMin >= 0 && pMin <= pMax && pMax <= 100) {
		return base, &models.ConfigError{Field: "percentiles", Reason: fmt.Sprintf("need 0 <= min <= max <= 100, got %g and %g", pMin, pMax)}
	}
	if err := ref.validate(); err != nil {
		return base, err
	}
	if len(fits) == 0 {
		return base, nil
	}

	columns := make(map[string][]float64)
	for _, fit := range fits {
		var cand *models.Candidate
		if k := fit.Candidate; k >= 0 && k < len(cands) {
			cand = &cands[k]
		}
		m := Measure(fit, cand, ref)
		columns["amplitude"] = append(columns["amplitude"], m.Amplitude)
		columns["sigma_xy"] = append(columns["sigma_xy"], m.SigmaXY)
		columns["sigma_z"] = append(columns["sigma_z"], m.SigmaZ)
		columns["sigma_ratio"] = append(columns["sigma_ratio"], m.SigmaRatio)
		columns["dist_xy"] = append(columns["dist_xy"], m.DistXY)
		columns["dist_z"] = append(columns["dist_z"], m.DistZ)
		columns["chi_squared"] = append(columns["chi_squared"], m.ChiSquared)
	}
	quantile := func(name string, p float64) float64 {
		x := columns[name]
		sort.Float64s(x)
		return stat.Quantile(p/100, stat.LinInterp, x, nil)
	}

	out := base
	out.AmpMin, out.AmpMax = quantile("amplitude", pMin), quantile("amplitude", pMax)
	out.SigmaXYMin, out.SigmaXYMax = quantile("sigma_xy", pMin), quantile("sigma_xy", pMax)
	out.SigmaZMin, out.SigmaZMax = quantile("sigma_z", pMin), quantile("sigma_z", pMax)
	out.SigmaRatioMin, out.SigmaRatioMax = quantile("sigma_ratio", pMin), quantile("sigma_ratio", pMax)
	out.ChiSquaredMin, out.ChiSquaredMax = quantile("chi_squared", pMin), quantile("chi_squared", pMax)
	out.FitDistXYMax = quantile("dist_xy", pMax)
	out.FitDistZMax = quantile("dist_z", pMax)
	return out, nil
}
