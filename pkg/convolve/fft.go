package convolve

import (
	"fmt"
	"math/cmplx"

	"github.com/anthonynsimon/bild/parallel"
	"gonum.org/v1/gonum/dsp/fourier"

	"spots3d/internal/models"
)

// FFTConvolver applies a fixed kernel to volumes of a fixed shape by circular
// convolution in the frequency domain. The kernel centre is its middle voxel.
type FFTConvolver struct {
	shape    models.Shape
	transfer []complex128
}

// NewFFTConvolver precomputes the transfer function of kernel for the given shape.
func NewFFTConvolver(shape models.Shape, kernel *models.Volume) (*FFTConvolver, error) {
	if err := kernel.Validate(); err != nil {
		return nil, err
	}
	ks := kernel.Shape()
	for axis := range shape {
		if ks[axis] > shape[axis] {
			return nil, fmt.Errorf("kernel %v larger than volume %v: %w", ks, shape, models.ErrShape)
		}
	}

	c := &FFTConvolver{shape: shape, transfer: make([]complex128, shape.Size())}
	for z := 0; z < ks[0]; z++ {
		wz := wrap(z-ks[0]/2, shape[0])
		for y := 0; y < ks[1]; y++ {
			wy := wrap(y-ks[1]/2, shape[1])
			for x := 0; x < ks[2]; x++ {
				wx := wrap(x-ks[2]/2, shape[2])
				c.transfer[(wz*shape[1]+wy)*shape[2]+wx] = complex(kernel.At(z, y, x), 0)
			}
		}
	}
	c.transform(c.transfer, false)
	return c, nil
}

// WorkspaceBytes estimates the memory held per voxel while convolving.
func WorkspaceBytes() uint64 {
	return 2 * 16
}

// Convolve writes kernel * src into dst.
func (c *FFTConvolver) Convolve(dst, src []float64) {
	c.apply(dst, src, false)
}

// Correlate writes the correlation of src with the kernel into dst, the adjoint of Convolve.
func (c *FFTConvolver) Correlate(dst, src []float64) {
	c.apply(dst, src, true)
}

func (c *FFTConvolver) apply(dst, src []float64, adjoint bool) {
	work := make([]complex128, len(src))
	for i, v := range src {
		work[i] = complex(v, 0)
	}
	c.transform(work, false)
	for i, h := range c.transfer {
		if adjoint {
			h = cmplx.Conj(h)
		}
		work[i] *= h
	}
	c.transform(work, true)

	scale := 1 / float64(len(work))
	for i, v := range work {
		dst[i] = real(v) * scale
	}
}

// transform runs an unnormalised 3D DFT in place, one axis at a time.
func (c *FFTConvolver) transform(data []complex128, inverse bool) {
	d, h, w := c.shape[0], c.shape[1], c.shape[2]
	plane := w * h
	axes := []struct {
		count, n, stride int
		start            func(l int) int
	}{
		{d * h, w, 1, func(l int) int { return l * w }},
		{d * w, h, w, func(l int) int { return (l/w)*plane + l%w }},
		{plane, d, plane, func(l int) int { return l }},
	}

	for _, a := range axes {
		if a.n == 1 {
			continue
		}
		parallel.Line(a.count, func(first, last int) {
			fft := fourier.NewCmplxFFT(a.n)
			in := make([]complex128, a.n)
			out := make([]complex128, a.n)
			for l := first; l < last; l++ {
				base := a.start(l)
				for i := range in {
					in[i] = data[base+i*a.stride]
				}
				if inverse {
					fft.Sequence(out, in)
				} else {
					fft.Coefficients(out, in)
				}
				for i, v := range out {
					data[base+i*a.stride] = v
				}
			}
		})
	}
}

func wrap(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}

// GoodSize returns the smallest length >= n whose only prime factors are 2, 3
// and 5. Transforms of other lengths lose precision in the generic radix passes.
func GoodSize(n int) int {
	for m := max(n, 1); ; m++ {
		k := m
		for _, p := range [...]int{2, 3, 5} {
			for k%p == 0 {
				k /= p
			}
		}
		if k == 1 {
			return m
		}
	}
}

// Pad returns a copy of vol extended by pad voxels on both sides of each
// (z, y, x) axis, filled by reflection.
func Pad(vol *models.Volume, pad [3]int) *models.Volume {
	return PadTo(vol, pad, models.Shape{vol.Depth + 2*pad[0], vol.Height + 2*pad[1], vol.Width + 2*pad[2]})
}

// PadTo returns a copy of vol placed at offset before inside a volume of the
// given shape, every voxel outside vol filled by reflection.
func PadTo(vol *models.Volume, before [3]int, shape models.Shape) *models.Volume {
	out := models.NewVolume(shape[0], shape[1], shape[2], vol.VoxelSize)
	out.SkewAngle = vol.SkewAngle
	for z := 0; z < out.Depth; z++ {
		sz := reflect(z-before[0], vol.Depth)
		for y := 0; y < out.Height; y++ {
			sy := reflect(y-before[1], vol.Height)
			row := out.Index(z, y, 0)
			for x := 0; x < out.Width; x++ {
				out.Data[row+x] = vol.At(sz, sy, reflect(x-before[2], vol.Width))
			}
		}
	}
	return out
}

// Crop returns the sub-volume starting at origin with the given shape.
func Crop(vol *models.Volume, origin [3]int, shape models.Shape) *models.Volume {
	out := models.NewVolume(shape[0], shape[1], shape[2], vol.VoxelSize)
	out.SkewAngle = vol.SkewAngle
	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			src := vol.Index(origin[0]+z, origin[1]+y, origin[2])
			copy(out.Data[out.Index(z, y, 0):out.Index(z, y, 0)+shape[2]], vol.Data[src:src+shape[2]])
		}
	}
	return out
}
