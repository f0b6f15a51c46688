// Package candidates finds spot candidates as local maxima of the band-pass
// filtered volume and merges candidates closer than the minimum separation.
package candidates

import (
	"fmt"
	"math"

	"github.com/anthonynsimon/bild/parallel"

	"spots3d/internal/models"
)

// offset is a footprint displacement in voxels.
type offset struct{ dz, dy, dx int }

// footprint returns the ellipsoidal neighbourhood used for the local maximum
// test. Along each axis n = ceil(minSep) rounded up to odd, and the semi-axis
// is n/2 voxels; an axis with semi-axis 0 is not searched.
func footprint(minSep models.Vec3) ([3]int, []offset) {
	var semi [3]int
	for axis, s := range minSep {
		n := int(math.Ceil(s))
		if n%2 == 0 {
			n++
		}
		semi[axis] = n / 2
	}

	var offsets []offset
	for dz := -semi[0]; dz <= semi[0]; dz++ {
		for dy := -semi[1]; dy <= semi[1]; dy++ {
			for dx := -semi[2]; dx <= semi[2]; dx++ {
				if dz == 0 && dy == 0 && dx == 0 {
					continue
				}
				if ellipsoidTerm(dz, semi[0])+ellipsoidTerm(dy, semi[1])+ellipsoidTerm(dx, semi[2]) <= 1+1e-12 {
					offsets = append(offsets, offset{dz, dy, dx})
				}
			}
		}
	}
	return semi, offsets
}

func ellipsoidTerm(d, semi int) float64 {
	if semi == 0 {
		return 0
	}
	r := float64(d) / float64(semi)
	return r * r
}

// Find returns the voxels of filtered that exceed the threshold and equal the
// maximum of their footprint. Voxels at or below max(threshold, 0) are zeroed
// before the maximum filter, so an all-background volume yields no candidates.
// Each connected plateau of equal maxima contributes only its lowest linear
// index. Candidates are returned in linear index order with the filtered value
// as amplitude.
func Find(filtered *models.Volume, threshold float64, minSep models.Vec3) ([]models.Candidate, error) {
	if err := filtered.Validate(); err != nil {
		return nil, err
	}
	for axis, s := range minSep {
		if err := models.Positive(fmt.Sprintf("min_separation[%d]", axis), s); err != nil {
			return nil, err
		}
	}
	floor := math.Max(threshold, 0)
	_, offsets := footprint(minSep)

	w, h, d := filtered.Width, filtered.Height, filtered.Depth
	plane := w * h
	value := func(i int) float64 {
		if v := filtered.Data[i]; v > floor {
			return v
		}
		return 0
	}

	isMax := make([]bool, len(filtered.Data))
	parallel.Line(d, func(z0, z1 int) {
		for z := z0; z < z1; z++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					i := z*plane + y*w + x
					v := value(i)
					if v == 0 {
						continue
					}
					peak := true
					for _, o := range offsets {
						nz, ny, nx := z+o.dz, y+o.dy, x+o.dx
						if nz < 0 || nz >= d || ny < 0 || ny >= h || nx < 0 || nx >= w {
							continue
						}
						if value(nz*plane+ny*w+nx) > v {
							peak = false
							break
						}
					}
					isMax[i] = peak
				}
			}
		}
	})

	var found []models.Candidate
	visited := make([]bool, len(isMax))
	for i, m := range isMax {
		if !m || visited[i] {
			continue
		}
		markPlateau(filtered, isMax, visited, i)
		z, y, x := i/plane, (i%plane)/w, i%w
		found = append(found, models.Candidate{
			Position:  models.Vec3{float64(z), float64(y), float64(x)},
			Amplitude: filtered.Data[i],
		})
	}
	return found, nil
}

// markPlateau flood-fills the 26-connected maxima sharing the value at start.
func markPlateau(vol *models.Volume, isMax, visited []bool, start int) {
	w, h, d := vol.Width, vol.Height, vol.Depth
	plane := w * h
	target := vol.Data[start]
	stack := []int{start}
	visited[start] = true
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		z, y, x := i/plane, (i%plane)/w, i%w
		for dz := -1; dz <= 1; dz++ {
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nz, ny, nx := z+dz, y+dy, x+dx
					if nz < 0 || nz >= d || ny < 0 || ny >= h || nx < 0 || nx >= w {
						continue
					}
					j := nz*plane + ny*w + nx
					if !visited[j] && isMax[j] && vol.Data[j] == target {
						visited[j] = true
						stack = append(stack, j)
					}
				}
			}
		}
	}
}
