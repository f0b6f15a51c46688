// Package fitting extracts a box around each candidate and fits an anisotropic
// 3D Gaussian plus constant offset to it by Levenberg-Marquardt.
//
// Fits run in physical units: ROI voxel coordinates are scaled by the voxel
// size, so fitted sigmas and displacements are in the same units as the
// optics-derived sigmas. Centres are reported back in absolute voxel coordinates.
package fitting

import (
	"fmt"
	"math"
	"sync"

	"spots3d/internal/models"
	"spots3d/pkg/candidates"
)

const (
	// DefaultMaxIterations bounds one optimisation.
	DefaultMaxIterations = 200

	// DefaultTolerance is the relative improvement at which a fit is considered converged.
	DefaultTolerance = 1e-10
)

// Initial is the starting point and fixed-parameter mask of one fit.
type Initial struct {
	Params [NumParams]float64
	Fixed  [NumParams]bool
}

// FitGaussian fits the model to the ROI samples. Coordinates are local to the
// ROI and scaled by voxel; the returned parameters are in the same frame.
// Non-convergence, a non-finite result or fewer samples than free parameters
// yield an error wrapping models.ErrFitFailed.
func FitGaussian(data []float64, roi models.ROI, voxel models.VoxelSize, init Initial, maxIter int) ([NumParams]float64, float64, int, error) {
	var out [NumParams]float64
	if len(data) != roi.Len() {
		return out, 0, 0, fmt.Errorf("roi holds %d samples, box %v needs %d: %w", len(data), roi.Size, roi.Len(), models.ErrShape)
	}
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	var free []int
	for j, fixed := range init.Fixed {
		if !fixed {
			free = append(free, j)
		}
	}
	dof := len(data) - len(free)
	if dof <= 0 {
		return out, 0, 0, fmt.Errorf("%d samples for %d free parameters: %w", len(data), len(free), models.ErrFitFailed)
	}

	coords := make([][3]float64, 0, len(data))
	for z := 0; z < roi.Size[0]; z++ {
		for y := 0; y < roi.Size[1]; y++ {
			for x := 0; x < roi.Size[2]; x++ {
				coords = append(coords, [3]float64{float64(z) * voxel.Z, float64(y) * voxel.Y, float64(x) * voxel.X})
			}
		}
	}

	extent := models.Vec3{float64(roi.Size[0]) * voxel.Z, float64(roi.Size[1]) * voxel.Y, float64(roi.Size[2]) * voxel.X}
	minSigma := 1e-3 * math.Min(voxel.Z, math.Min(voxel.Y, voxel.X))
	lower := []float64{0, 0, 0, 0, minSigma, minSigma, math.Inf(-1)}
	upper := []float64{math.Inf(1), extent[2], extent[1], extent[0], math.Hypot(extent[1], extent[2]), extent[0], math.Inf(1)}

	prob := &problem{
		coords:  coords,
		values:  data,
		free:    free,
		lower:   lower,
		upper:   upper,
		maxIter: maxIter,
		tol:     DefaultTolerance,
	}

	var res lmResult
	if len(free) == 0 {
		res = lmResult{params: init.Params[:], converged: true}
		fi := make([]float64, len(data))
		for k, c := range coords {
			fi[k] = gaussianValue(res.params, c[0], c[1], c[2]) - data[k]
		}
		res.cost = sumOfSquares(fi)
	} else {
		res = levenbergMarquardt(prob, init.Params[:])
	}

	copy(out[:], res.params)
	if !res.converged {
		return out, 0, res.iterations, fmt.Errorf("no convergence after %d iterations: %w", res.iterations, models.ErrFitFailed)
	}
	for j, v := range out {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return out, 0, res.iterations, fmt.Errorf("%s is %v: %w", ParamNames[j], v, models.ErrFitFailed)
		}
	}
	chi2 := res.cost / float64(dof)
	if math.IsNaN(chi2) || math.IsInf(chi2, 0) {
		return out, 0, res.iterations, fmt.Errorf("chi squared is %v: %w", chi2, models.ErrFitFailed)
	}
	return out, chi2, res.iterations, nil
}

// Params configures a batch of fits.
type Params struct {
	// SigmaXY and SigmaZ are the expected spot sigmas, used as initial values
	SigmaXY float64
	SigmaZ  float64

	// ROIFactors sizes the (z, y, x) box in multiples of the expected sigma
	ROIFactors models.Vec3

	// MaxSpots caps the number of fitted candidates to the brightest ones, 0 for all
	MaxSpots int

	MaxIterations int

	// Fixed holds parameters at their initial values
	Fixed [NumParams]bool

	// Workers is the number of concurrent fits, 1 when not positive
	Workers int
}

// Result collects the fits of a batch.
type Result struct {
	// Fits holds one entry per converged fit, in candidate order
	Fits []models.FitResult

	// ROIs are the boxes that were fitted, in candidate order
	ROIs []models.ROI

	// States records the lifecycle state of every input candidate; none is
	// left in StateDetected
	States []models.SpotState

	// Dropped counts candidates whose clipped ROI was too small or that exceeded MaxSpots
	Dropped int

	// Failed counts ROIs whose fit did not converge
	Failed int
}

// FitAll fits every candidate of vol. A failed fit is counted and excluded,
// never returned as an error.
func FitAll(vol *models.Volume, cands []models.Candidate, p Params) (*Result, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	if err := models.Positive("sigma_xy", p.SigmaXY); err != nil {
		return nil, err
	}
	if err := models.Positive("sigma_z", p.SigmaZ); err != nil {
		return nil, err
	}
	if p.MaxSpots < 0 {
		return nil, &models.ConfigError{Field: "n_spots_to_fit", Reason: fmt.Sprintf("must be non-negative, got %d", p.MaxSpots)}
	}
	voxel := vol.VoxelSize
	sigmaVox := models.Vec3{p.SigmaZ / voxel.Z, p.SigmaXY / voxel.Y, p.SigmaXY / voxel.X}
	size, err := ROISize(p.ROIFactors, sigmaVox)
	if err != nil {
		return nil, err
	}

	res := &Result{States: make([]models.SpotState, len(cands))}

	selected := cands
	index := make([]int, len(cands))
	for i := range index {
		index[i] = i
	}
	if p.MaxSpots > 0 && len(cands) > p.MaxSpots {
		keep := make([]bool, len(cands))
		for _, i := range candidates.ByAmplitude(cands)[:p.MaxSpots] {
			keep[i] = true
		}
		selected, index = nil, nil
		for i, c := range cands {
			if keep[i] {
				selected = append(selected, c)
				index = append(index, i)
			} else {
				res.Dropped++
			}
		}
	}

	rois := BuildROIs(selected, size, MinROISize(size), vol.Shape())
	res.Dropped += len(selected) - len(rois)
	for i := range rois {
		rois[i].Candidate = index[rois[i].Candidate]
	}

	type outcome struct {
		fit models.FitResult
		err error
	}
	outcomes := make([]outcome, len(rois))

	workers := max(p.Workers, 1)
	perWorker := (len(rois) + workers - 1) / workers
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * perWorker
		end := min(start+perWorker, len(rois))
		if start >= end {
			break
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				fit, err := fitCandidate(vol, cands[rois[i].Candidate], rois[i], p)
				fit.Candidate = rois[i].Candidate
				outcomes[i] = outcome{fit: fit, err: err}
			}
		}(start, end)
	}
	wg.Wait()

	for i, o := range outcomes {
		if o.err != nil {
			res.Failed++
			res.States[rois[i].Candidate] = models.StateFitFailed
			continue
		}
		res.Fits = append(res.Fits, o.fit)
		res.ROIs = append(res.ROIs, rois[i])
		res.States[rois[i].Candidate] = models.StateFitSucceeded
	}
	for i, st := range res.States {
		if st == models.StateDetected {
			res.States[i] = models.StateDropped
		}
	}
	return res, nil
}

// fitCandidate fits one ROI starting from the raw peak height above the ROI
// minimum, the candidate position and the expected sigmas.
func fitCandidate(vol *models.Volume, c models.Candidate, roi models.ROI, p Params) (models.FitResult, error) {
	data := Extract(vol, roi)
	lowest := math.Inf(1)
	for _, v := range data {
		lowest = math.Min(lowest, v)
	}
	voxel := vol.VoxelSize
	peak := vol.At(int(math.Round(c.Position[0])), int(math.Round(c.Position[1])), int(math.Round(c.Position[2])))

	init := Initial{Fixed: p.Fixed}
	init.Params[ParamAmplitude] = math.Max(peak-lowest, 0)
	init.Params[ParamCX] = (c.Position[2] - float64(roi.Origin[2])) * voxel.X
	init.Params[ParamCY] = (c.Position[1] - float64(roi.Origin[1])) * voxel.Y
	init.Params[ParamCZ] = (c.Position[0] - float64(roi.Origin[0])) * voxel.Z
	init.Params[ParamSigmaXY] = p.SigmaXY
	init.Params[ParamSigmaZ] = p.SigmaZ
	init.Params[ParamOffset] = lowest

	params, chi2, iterations, err := FitGaussian(data, roi, voxel, init, p.MaxIterations)
	if err != nil {
		return models.FitResult{}, err
	}

	center := models.Vec3{
		params[ParamCZ]/voxel.Z + float64(roi.Origin[0]),
		params[ParamCY]/voxel.Y + float64(roi.Origin[1]),
		params[ParamCX]/voxel.X + float64(roi.Origin[2]),
	}
	dz := (center[0] - c.Position[0]) * voxel.Z
	dy := (center[1] - c.Position[1]) * voxel.Y
	dx := (center[2] - c.Position[2]) * voxel.X

	return models.FitResult{
		Amplitude:  params[ParamAmplitude],
		Center:     center,
		SigmaXY:    params[ParamSigmaXY],
		SigmaZ:     params[ParamSigmaZ],
		Offset:     params[ParamOffset],
		ChiSquared: chi2,
		DistXY:     math.Hypot(dy, dx),
		DistZ:      math.Abs(dz),
		Iterations: iterations,
	}, nil
}
