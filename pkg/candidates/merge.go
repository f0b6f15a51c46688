package candidates

import (
	"fmt"
	"sort"

	"spots3d/internal/models"
	"spots3d/pkg/spatial"
)

// Merge coalesces candidates closer than minSep. Positions are divided per axis
// by minSep and any two candidates less than 1 apart in that space are merged,
// keeping the brighter one (ties go to the earlier candidate). Candidates are
// visited from brightest to faintest, so every surviving pair is at least 1
// apart and merging the result again changes nothing. Survivors keep their
// detection order.
func Merge(cands []models.Candidate, minSep models.Vec3) ([]models.Candidate, error) {
	for axis, s := range minSep {
		if err := models.Positive(fmt.Sprintf("min_separation[%d]", axis), s); err != nil {
			return nil, err
		}
	}
	if len(cands) == 0 {
		return nil, nil
	}

	positions := make([]models.Vec3, len(cands))
	for i, c := range cands {
		positions[i] = c.Position
	}
	index := spatial.NewIndex(positions, minSep)

	removed := make([]bool, len(cands))
	for _, i := range ByAmplitude(cands) {
		if removed[i] {
			continue
		}
		for _, j := range index.Within(i, 1) {
			removed[j] = true
		}
	}

	merged := make([]models.Candidate, 0, len(cands))
	for i, c := range cands {
		if !removed[i] {
			merged = append(merged, c)
		}
	}
	return merged, nil
}

// ByAmplitude returns candidate indices from brightest to faintest, ties in detection order.
func ByAmplitude(cands []models.Candidate) []int {
	order := make([]int, len(cands))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return cands[order[a]].Amplitude > cands[order[b]].Amplitude
	})
	return order
}
