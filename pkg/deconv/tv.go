package deconv

import (
	"math"

	"spots3d/internal/models"
)

// tvDivergence writes div(grad u / |grad u|) into dst, using forward
// differences for the gradient and backward differences for the divergence,
// both zero across the volume border. The norm is sqrt(|grad u|^2 + floor),
// so gradients well below sqrt(floor) contribute almost nothing.
func tvDivergence(dst, u []float64, shape models.Shape, floor float64) {
	d, h, w := shape[0], shape[1], shape[2]
	plane := w * h
	n := len(u)
	nz := make([]float64, n)
	ny := make([]float64, n)
	nx := make([]float64, n)

	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := z*plane + y*w + x
				var gz, gy, gx float64
				if z < d-1 {
					gz = u[i+plane] - u[i]
				}
				if y < h-1 {
					gy = u[i+w] - u[i]
				}
				if x < w-1 {
					gx = u[i+1] - u[i]
				}
				norm := math.Sqrt(gz*gz + gy*gy + gx*gx + floor)
				nz[i], ny[i], nx[i] = gz/norm, gy/norm, gx/norm
			}
		}
	}

	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := z*plane + y*w + x
				div := nz[i] + ny[i] + nx[i]
				if z > 0 {
					div -= nz[i-plane]
				}
				if y > 0 {
					div -= ny[i-w]
				}
				if x > 0 {
					div -= nx[i-1]
				}
				dst[i] = div
			}
		}
	}
}
