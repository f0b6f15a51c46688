package optics

import (
	"fmt"
	"math"
	"math/cmplx"

	"spots3d/internal/models"
)

// quadraturePoints is the number of midpoint samples over the aperture angle.
const quadraturePoints = 96

// DefaultPSFShape is the (z, y, x) grid used when no shape is requested.
var DefaultPSFShape = models.Shape{15, 15, 15}

// DefaultOversampling is the lateral oversampling used to build the PSF before binning.
const DefaultOversampling = 10

// SynthesizePSF evaluates the vectorial (Richards-Wolf) PSF of an aberration-free
// objective on a grid oversampled laterally, then sum-pools blocks of
// oversampling x oversampling samples back to camera pixels.
//
// The z spacing is the stage step. For skewed stacks the optical frame is rotated
// about the x axis: with z, y the stack coordinates, the optical axis coordinate is
// z*cos(theta) - y*sin(theta) and the lateral one z*sin(theta) + y*cos(theta).
// The kernel is centred on the grid and normalised to unit sum.
func SynthesizePSF(p Parameters, oversampling int, grid models.Shape) (*models.PSF, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if oversampling < 1 {
		return nil, &models.ConfigError{Field: "oversampling", Reason: fmt.Sprintf("must be at least 1, got %d", oversampling)}
	}
	for axis, n := range grid {
		if n < 1 {
			return nil, &models.ConfigError{Field: "psf_shape", Reason: fmt.Sprintf("axis %d has extent %d", axis, n)}
		}
	}

	theta := p.SkewAngle * math.Pi / 180
	cosT, sinT := math.Cos(theta), math.Sin(theta)
	fine := p.PixelSize / float64(oversampling)
	ny, nx := grid[1]*oversampling, grid[2]*oversampling

	zExt := float64(grid[0]-1) / 2 * p.StageStep
	yExt := float64(ny-1) / 2 * fine
	xExt := float64(nx-1) / 2 * fine
	table := newRadialTable(p,
		zExt*math.Abs(cosT)+yExt*math.Abs(sinT),
		math.Hypot(xExt, zExt*math.Abs(sinT)+yExt*math.Abs(cosT)),
		math.Min(p.StageStep, fine)/2, fine/2)

	kernel := models.NewVolume(grid[0], grid[1], grid[2], models.VoxelSize{Z: p.StageStep, Y: p.PixelSize, X: p.PixelSize})
	for k := 0; k < grid[0]; k++ {
		z := (float64(k) - float64(grid[0]-1)/2) * p.StageStep
		for j := 0; j < ny; j++ {
			y := (float64(j) - float64(ny-1)/2) * fine
			zOpt := z*cosT - y*sinT
			yOpt := z*sinT + y*cosT
			for i := 0; i < nx; i++ {
				x := (float64(i) - float64(nx-1)/2) * fine
				v := table.at(zOpt, math.Hypot(x, yOpt))
				idx := kernel.Index(k, j/oversampling, i/oversampling)
				kernel.Data[idx] += v
			}
		}
	}
	kernel.SkewAngle = p.SkewAngle

	if err := normalize(kernel); err != nil {
		return nil, err
	}
	return &models.PSF{Kernel: kernel, Origin: models.PSFGenerated}, nil
}

// radialTable samples the rotationally symmetric intensity I(z, r) on a regular
// grid and interpolates bilinearly between samples.
type radialTable struct {
	zMax   float64
	dz, dr float64
	nz, nr int
	values []float64
}

func newRadialTable(p Parameters, zMax, rMax, dz, dr float64) *radialTable {
	// The z samples are placed symmetrically about focus so that I(z) = I(-z) holds exactly.
	steps := int(math.Ceil(2 * zMax / dz))
	if steps > 0 {
		dz = 2 * zMax / float64(steps)
	}
	t := &radialTable{
		zMax: zMax,
		dz:   dz,
		dr:   dr,
		nz:   steps + 2,
		nr:   int(math.Ceil(rMax/dr)) + 2,
	}
	t.values = make([]float64, t.nz*t.nr)

	k := 2 * math.Pi * p.RefractiveIndex / p.Wavelength
	alpha := math.Asin(p.NA / p.RefractiveIndex)
	for iz := 0; iz < t.nz; iz++ {
		z := -zMax + float64(iz)*dz
		for ir := 0; ir < t.nr; ir++ {
			t.values[iz*t.nr+ir] = vectorialIntensity(k, alpha, z, float64(ir)*dr)
		}
	}
	return t
}

func (t *radialTable) at(z, r float64) float64 {
	fz := (z + t.zMax) / t.dz
	fr := r / t.dr
	iz := int(math.Floor(fz))
	ir := int(math.Floor(fr))
	if iz < 0 {
		iz, fz = 0, 0
	}
	if iz > t.nz-2 {
		iz, fz = t.nz-2, float64(t.nz-1)
	}
	if ir > t.nr-2 {
		ir, fr = t.nr-2, float64(t.nr-1)
	}
	wz := fz - float64(iz)
	wr := fr - float64(ir)

	v00 := t.values[iz*t.nr+ir]
	v01 := t.values[iz*t.nr+ir+1]
	v10 := t.values[(iz+1)*t.nr+ir]
	v11 := t.values[(iz+1)*t.nr+ir+1]
	return (1-wz)*((1-wr)*v00+wr*v01) + wz*((1-wr)*v10+wr*v11)
}

// vectorialIntensity evaluates |I0|^2 + 2|I1|^2 + |I2|^2 of the Richards-Wolf
// diffraction integrals for unpolarised light at defocus z and radius r.
func vectorialIntensity(k, alpha, z, r float64) float64 {
	var i0, i1, i2 complex128
	h := alpha / quadraturePoints
	for q := 0; q < quadraturePoints; q++ {
		t := (float64(q) + 0.5) * h
		sinT, cosT := math.Sincos(t)
		apod := math.Sqrt(cosT) * sinT
		phase := cmplx.Exp(complex(0, k*z*cosT))
		v := k * r * sinT

		i0 += complex(apod*(1+cosT)*math.J0(v), 0) * phase
		i1 += complex(apod*sinT*math.J1(v), 0) * phase
		i2 += complex(apod*(1-cosT)*math.Jn(2, v), 0) * phase
	}
	a0, a1, a2 := cmplx.Abs(i0), cmplx.Abs(i1), cmplx.Abs(i2)
	return (a0*a0 + 2*a1*a1 + a2*a2) * h * h
}
