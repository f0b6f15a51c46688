package fitting

import (
	"fmt"
	"math"

	"spots3d/internal/models"
)

// ROISize returns the (z, y, x) box size covering factor sigmas along each
// axis, rounded up to an odd number of voxels so the candidate sits in the middle.
func ROISize(factors, sigmaVox models.Vec3) ([3]int, error) {
	var size [3]int
	for axis := range factors {
		if err := models.Positive(fmt.Sprintf("roi_factor[%d]", axis), factors[axis]); err != nil {
			return size, err
		}
		if err := models.Positive(fmt.Sprintf("sigma[%d]", axis), sigmaVox[axis]); err != nil {
			return size, err
		}
		n := int(math.Ceil(factors[axis] * sigmaVox[axis]))
		if n%2 == 0 {
			n++
		}
		size[axis] = n
	}
	return size, nil
}

// MinROISize is the smallest clipped extent accepted along each axis: half the box.
func MinROISize(size [3]int) [3]int {
	return [3]int{size[0] / 2, size[1] / 2, size[2] / 2}
}

// BuildROIs centres a box of the given size on each candidate and clips it to
// the volume. Boxes whose clipped extent along any axis is at or below
// minSize are dropped; the returned ROIs record which candidate they belong to.
func BuildROIs(cands []models.Candidate, size, minSize [3]int, shape models.Shape) []models.ROI {
	rois := make([]models.ROI, 0, len(cands))
	for i, c := range cands {
		roi := models.ROI{Candidate: i}
		keep := true
		for axis := 0; axis < 3; axis++ {
			center := int(math.Round(c.Position[axis]))
			lo := center - size[axis]/2
			hi := lo + size[axis]
			lo = max(lo, 0)
			hi = min(hi, shape[axis])
			if hi-lo <= minSize[axis] {
				keep = false
				break
			}
			roi.Origin[axis] = lo
			roi.Size[axis] = hi - lo
		}
		if keep {
			rois = append(rois, roi)
		}
	}
	return rois
}

// Extract copies the voxels of an ROI in (z, y, x) order.
func Extract(vol *models.Volume, roi models.ROI) []float64 {
	data := make([]float64, 0, roi.Len())
	for z := 0; z < roi.Size[0]; z++ {
		for y := 0; y < roi.Size[1]; y++ {
			start := vol.Index(roi.Origin[0]+z, roi.Origin[1]+y, roi.Origin[2])
			data = append(data, vol.Data[start:start+roi.Size[2]]...)
		}
	}
	return data
}
