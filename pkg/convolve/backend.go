package convolve

import (
	"fmt"
	"sort"
	"strings"

	"github.com/anthonynsimon/bild/parallel"

	"spots3d/internal/models"
)

// Backend convolves a volume with one 1D kernel per (z, y, x) axis using the
// reflect border policy. Implementations must agree to floating-point tolerance.
type Backend interface {
	Name() string
	Separable(vol *models.Volume, kernels [3][]float64) (*models.Volume, error)
}

var backends = map[string]func() Backend{
	"cpu": func() Backend { return CPU{} },
}

// NewBackend returns the named backend. "opencv" is only available in binaries
// built with the gocv tag.
func NewBackend(name string) (Backend, error) {
	if name == "" {
		name = "cpu"
	}
	ctor, ok := backends[name]
	if !ok {
		names := make([]string, 0, len(backends))
		for n := range backends {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, &models.ConfigError{Field: "backend",
			Reason: fmt.Sprintf("%q is not available, have %s", name, strings.Join(names, ", "))}
	}
	return ctor(), nil
}

// CPU is the pure Go backend. Lines along each axis are split across cores.
type CPU struct{}

func (CPU) Name() string { return "cpu" }

func (CPU) Separable(vol *models.Volume, kernels [3][]float64) (*models.Volume, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	src := vol
	for _, axis := range []int{models.AxisX, models.AxisY, models.AxisZ} {
		dst := vol.Like()
		Axis(dst, src, kernels[axis], axis)
		src = dst
	}
	return src, nil
}

// lines describes the 1D lines of a volume along one axis: how many there are,
// their length, the stride between consecutive samples and where each starts.
func lines(v *models.Volume, axis int) (count, n, stride int, start func(l int) int) {
	plane := v.Width * v.Height
	switch axis {
	case models.AxisX:
		return v.Depth * v.Height, v.Width, 1, func(l int) int { return l * v.Width }
	case models.AxisY:
		return v.Depth * v.Width, v.Height, v.Width, func(l int) int { return (l/v.Width)*plane + l%v.Width }
	default:
		return plane, v.Depth, plane, func(l int) int { return l }
	}
}

// Axis convolves src with kernel along one axis into dst. An empty kernel copies.
func Axis(dst, src *models.Volume, kernel []float64, axis int) {
	if len(kernel) == 0 {
		copy(dst.Data, src.Data)
		return
	}
	count, n, stride, start := lines(src, axis)
	r := len(kernel) / 2

	parallel.Line(count, func(first, last int) {
		buf := make([]float64, n)
		for l := first; l < last; l++ {
			base := start(l)
			for i := 0; i < n; i++ {
				buf[i] = src.Data[base+i*stride]
			}
			for i := 0; i < n; i++ {
				sum := 0.0
				for k, w := range kernel {
					j := i + k - r
					if j < 0 || j >= n {
						j = reflect(j, n)
					}
					sum += w * buf[j]
				}
				dst.Data[base+i*stride] = sum
			}
		}
	})
}
