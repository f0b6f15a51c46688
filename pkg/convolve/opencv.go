//go:build gocv

package convolve

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"spots3d/internal/models"
)

func init() {
	backends["opencv"] = func() Backend { return OpenCV{} }
}

// OpenCV filters each z plane with cv::sepFilter2D and finishes the z axis on the CPU.
type OpenCV struct{}

func (OpenCV) Name() string { return "opencv" }

func (OpenCV) Separable(vol *models.Volume, kernels [3][]float64) (*models.Volume, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}

	kx := kernelMat(kernels[models.AxisX])
	defer kx.Close()
	ky := kernelMat(kernels[models.AxisY])
	defer ky.Close()

	planar := vol.Like()
	src := gocv.NewMatWithSize(vol.Height, vol.Width, gocv.MatTypeCV64F)
	defer src.Close()
	dst := gocv.NewMat()
	defer dst.Close()

	plane := vol.Width * vol.Height
	for z := 0; z < vol.Depth; z++ {
		in, err := src.DataPtrFloat64()
		if err != nil {
			return nil, fmt.Errorf("opencv plane %d: %w", z, err)
		}
		copy(in, vol.Data[z*plane:(z+1)*plane])

		gocv.SepFilter2D(src, &dst, gocv.MatTypeCV64F, kx, ky, image.Pt(-1, -1), 0, gocv.BorderReflect)

		out, err := dst.DataPtrFloat64()
		if err != nil {
			return nil, fmt.Errorf("opencv plane %d: %w", z, err)
		}
		copy(planar.Data[z*plane:(z+1)*plane], out)
	}

	result := vol.Like()
	Axis(result, planar, kernels[models.AxisZ], models.AxisZ)
	return result, nil
}

func kernelMat(kernel []float64) gocv.Mat {
	if len(kernel) == 0 {
		kernel = []float64{1}
	}
	m := gocv.NewMatWithSize(len(kernel), 1, gocv.MatTypeCV64F)
	for i, v := range kernel {
		m.SetDoubleAt(i, 0, v)
	}
	return m
}
