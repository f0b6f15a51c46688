package fitting

import "math"

// Parameter positions in the fit vector.
const (
	ParamAmplitude = iota
	ParamCX
	ParamCY
	ParamCZ
	ParamSigmaXY
	ParamSigmaZ
	ParamOffset
	NumParams
)

// ParamNames labels the fit vector entries.
var ParamNames = [NumParams]string{"amplitude", "cx", "cy", "cz", "sigma_xy", "sigma_z", "offset"}

// gaussianValue evaluates A*exp(-((x-cx)^2+(y-cy)^2)/(2 sxy^2) - (z-cz)^2/(2 sz^2)) + offset.
func gaussianValue(p []float64, z, y, x float64) float64 {
	dx := x - p[ParamCX]
	dy := y - p[ParamCY]
	dz := z - p[ParamCZ]
	sxy2 := p[ParamSigmaXY] * p[ParamSigmaXY]
	sz2 := p[ParamSigmaZ] * p[ParamSigmaZ]
	return p[ParamAmplitude]*math.Exp(-(dx*dx+dy*dy)/(2*sxy2)-dz*dz/(2*sz2)) + p[ParamOffset]
}

// gaussianGradient writes the partial derivatives of gaussianValue into grad.
func gaussianGradient(p []float64, z, y, x float64, grad []float64) {
	a := p[ParamAmplitude]
	dx := x - p[ParamCX]
	dy := y - p[ParamCY]
	dz := z - p[ParamCZ]
	sxy := p[ParamSigmaXY]
	sz := p[ParamSigmaZ]
	sxy2 := sxy * sxy
	sz2 := sz * sz
	r2 := dx*dx + dy*dy
	e := math.Exp(-r2/(2*sxy2) - dz*dz/(2*sz2))

	grad[ParamAmplitude] = e
	grad[ParamCX] = a * e * dx / sxy2
	grad[ParamCY] = a * e * dy / sxy2
	grad[ParamCZ] = a * e * dz / sz2
	grad[ParamSigmaXY] = a * e * r2 / (sxy2 * sxy)
	grad[ParamSigmaZ] = a * e * dz * dz / (sz2 * sz)
	grad[ParamOffset] = 1
}
