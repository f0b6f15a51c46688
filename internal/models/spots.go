package models

// Candidate is a local maximum found in the band-pass filtered volume.
type Candidate struct {
	// Position is the (z, y, x) voxel coordinate of the maximum
	Position Vec3

	// Amplitude is the filtered intensity at Position
	Amplitude float64
}

// ROI is an axis-aligned box around one candidate, already clipped to the volume.
type ROI struct {
	// Candidate is the index of the candidate the box was built for
	Candidate int

	// Origin is the (z, y, x) voxel of the box corner closest to the volume origin
	Origin [3]int

	// Size is the (z, y, x) extent of the box
	Size [3]int
}

// Len returns the number of voxels in the box.
func (r ROI) Len() int {
	return r.Size[0] * r.Size[1] * r.Size[2]
}

// FitResult holds the fitted Gaussian parameters for one candidate.
// Center is in absolute volume coordinates; amplitude is above Offset.
type FitResult struct {
	Candidate  int
	Amplitude  float64
	Center     Vec3
	SigmaXY    float64
	SigmaZ     float64
	Offset     float64
	ChiSquared float64

	// DistXY and DistZ are the displacements between Center and the candidate position
	DistXY float64
	DistZ  float64

	Iterations int
}

// FilterOutcome records whether a fit survived filtering and why not.
type FilterOutcome struct {
	// Fit is the index of the FitResult the outcome belongs to
	Fit    int
	Kept   bool
	Failed []string
}

// SpotState is the lifecycle state of a single candidate.
type SpotState int

const (
	StateDetected SpotState = iota
	StateFitSucceeded
	StateFitFailed
	StateKept
	StateRejected

	// StateDropped marks a candidate that was never fitted: its ROI was
	// clipped by the volume border or it fell outside n_spots_to_fit
	StateDropped
)

func (s SpotState) String() string {
	switch s {
	case StateDetected:
		return "detected"
	case StateFitSucceeded:
		return "fit"
	case StateFitFailed:
		return "fit-failed"
	case StateKept:
		return "kept"
	case StateRejected:
		return "rejected"
	case StateDropped:
		return "dropped"
	}
	return "unknown"
}

// Terminal reports whether no later stage can change the state.
func (s SpotState) Terminal() bool {
	return s == StateFitFailed || s == StateKept || s == StateRejected || s == StateDropped
}
