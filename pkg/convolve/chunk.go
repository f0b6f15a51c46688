package convolve

import (
	"fmt"

	"github.com/pbnjay/memory"

	"spots3d/internal/models"
)

// Ceiling returns the memory budget for one chunk: maxBytes when set, otherwise
// the given fraction of physical memory. Zero means unlimited.
func Ceiling(maxBytes uint64, fraction float64) uint64 {
	if maxBytes > 0 {
		return maxBytes
	}
	if fraction <= 0 {
		return 0
	}
	return uint64(float64(memory.TotalMemory()) * fraction)
}

// CheckBudget fails with a ResourceError when need exceeds a non-zero limit.
func CheckBudget(op string, need, limit uint64) error {
	if limit > 0 && need > limit {
		return &models.ResourceError{Op: op, Need: need, Limit: limit}
	}
	return nil
}

// Chunking splits a volume along z into chunks read with a halo on both sides.
type Chunking struct {
	// Size is the number of output planes per chunk, 0 for the whole volume
	Size int

	// Halo is the number of extra planes read on each side of a chunk
	Halo int

	// Limit is the byte budget of a single chunk, 0 for unlimited
	Limit uint64

	// BytesPerVoxel estimates the working memory a chunk needs per input voxel
	BytesPerVoxel uint64
}

// Span is one chunk: output planes [Z0, Z1) computed from input planes [Lo, Hi).
type Span struct {
	Z0, Z1 int
	Lo, Hi int
}

// Spans lists the chunks covering depth planes, failing before any work is done
// if the largest chunk does not fit the budget.
func (c Chunking) Spans(op string, depth, plane int) ([]Span, error) {
	if c.Size < 0 || c.Halo < 0 {
		return nil, &models.ConfigError{Field: "chunk_size", Reason: fmt.Sprintf("size %d, halo %d", c.Size, c.Halo)}
	}
	size := c.Size
	if size == 0 || size > depth {
		size = depth
	}

	var spans []Span
	maxPlanes := 0
	for z0 := 0; z0 < depth; z0 += size {
		s := Span{Z0: z0, Z1: min(z0+size, depth)}
		s.Lo = max(0, s.Z0-c.Halo)
		s.Hi = min(depth, s.Z1+c.Halo)
		maxPlanes = max(maxPlanes, s.Hi-s.Lo)
		spans = append(spans, s)
	}

	need := uint64(maxPlanes) * uint64(plane) * c.BytesPerVoxel
	if err := CheckBudget(op, need, c.Limit); err != nil {
		return nil, err
	}
	return spans, nil
}

// ChunkedSeparable runs a separable convolution chunk by chunk along z. With a
// halo of at least the z kernel radius the result equals the unchunked one.
func ChunkedSeparable(backend Backend, vol *models.Volume, kernels [3][]float64, c Chunking) (*models.Volume, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	if c.BytesPerVoxel == 0 {
		c.BytesPerVoxel = 3 * 8
	}
	spans, err := c.Spans(backend.Name()+" convolution", vol.Depth, vol.Width*vol.Height)
	if err != nil {
		return nil, err
	}

	out := vol.Like()
	plane := vol.Width * vol.Height
	for _, s := range spans {
		part, err := backend.Separable(vol.Planes(s.Lo, s.Hi), kernels)
		if err != nil {
			return nil, fmt.Errorf("chunk z=[%d,%d): %w", s.Z0, s.Z1, err)
		}
		copy(out.Data[s.Z0*plane:s.Z1*plane], part.Data[(s.Z0-s.Lo)*plane:(s.Z1-s.Lo)*plane])
	}
	return out, nil
}
