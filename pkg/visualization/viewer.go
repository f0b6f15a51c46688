// Package visualization keeps the named layers produced by the detection
// pipeline and renders slice and projection previews with spot overlays.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"spots3d/internal/models"
)

// Viewer renders 2D previews of a volume.
type Viewer struct {
	// vol is the volume being viewed
	vol *models.Volume

	// lo and hi are the display window, mapped to black and white
	lo float64
	hi float64
}

// NewViewer creates a viewer whose display window spans the volume's range.
func NewViewer(vol *models.Volume) *Viewer {
	lo, hi := vol.MinMax()
	return &Viewer{vol: vol, lo: lo, hi: hi}
}

// SetWindow changes the intensities mapped to black and white.
func (v *Viewer) SetWindow(lo, hi float64) {
	v.lo, v.hi = lo, hi
}

func (v *Viewer) gray(value float64) color.Gray16 {
	if v.hi <= v.lo {
		return color.Gray16{}
	}
	t := (value - v.lo) / (v.hi - v.lo)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, t*65535)))}
}

// planeSize returns the image size of a slice or projection along axis:
// x gives (depth, height), y gives (width, depth) and z gives (width, height).
func (v *Viewer) planeSize(axis string) (w, h, n int, err error) {
	switch axis {
	case "x", "X":
		return v.vol.Depth, v.vol.Height, v.vol.Width, nil
	case "y", "Y":
		return v.vol.Width, v.vol.Depth, v.vol.Height, nil
	case "z", "Z":
		return v.vol.Width, v.vol.Height, v.vol.Depth, nil
	}
	return 0, 0, 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// voxel maps image pixel (i, j) at position pos along axis to volume coordinates.
func voxel(axis string, i, j, pos int) (z, y, x int) {
	switch strings.ToLower(axis) {
	case "x":
		return i, j, pos
	case "y":
		return j, pos, i
	}
	return pos, j, i
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	w, h, n, err := v.planeSize(axis)
	if err != nil {
		return nil, err
	}
	if position < 0 || position >= n {
		return nil, fmt.Errorf("position %d outside [0, %d) along %s", position, n, axis)
	}

	img := image.NewGray16(image.Rect(0, 0, w, h))
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			z, y, x := voxel(axis, i, j, position)
			img.SetGray16(i, j, v.gray(v.vol.At(z, y, x)))
		}
	}
	return img, nil
}

// MaxProjection returns the maximum intensity projection along axis.
func (v *Viewer) MaxProjection(axis string) (image.Image, error) {
	w, h, n, err := v.planeSize(axis)
	if err != nil {
		return nil, err
	}

	img := image.NewGray16(image.Rect(0, 0, w, h))
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			best := math.Inf(-1)
			for pos := 0; pos < n; pos++ {
				z, y, x := voxel(axis, i, j, pos)
				best = math.Max(best, v.vol.At(z, y, x))
			}
			img.SetGray16(i, j, v.gray(best))
		}
	}
	return img, nil
}

// project returns the image coordinates of a volume position seen along axis.
func project(axis string, p models.Vec3) (float64, float64) {
	switch strings.ToLower(axis) {
	case "x":
		return p[0], p[1]
	case "y":
		return p[2], p[0]
	}
	return p[2], p[1]
}

// DrawPoints returns a colour copy of img with a cross of the given radius
// drawn at every point projected along axis.
func DrawPoints(img image.Image, axis string, points []Point, c color.Color, radius int) *image.NRGBA {
	out := imaging.Clone(img)
	bounds := out.Bounds()
	for _, p := range points {
		fx, fy := project(axis, p.Position)
		cx, cy := int(math.Round(fx)), int(math.Round(fy))
		for d := -radius; d <= radius; d++ {
			for _, q := range [2]image.Point{{cx + d, cy}, {cx, cy + d}} {
				if q.In(bounds) {
					out.Set(q.X, q.Y, c)
				}
			}
		}
	}
	return out
}

// SaveImage writes img as PNG (or the format implied by the extension),
// resized by scale when scale is not 1.
func SaveImage(img image.Image, filename string, scale float64) error {
	if scale > 0 && scale != 1 {
		b := img.Bounds()
		w := max(1, int(math.Round(float64(b.Dx())*scale)))
		h := max(1, int(math.Round(float64(b.Dy())*scale)))
		img = imaging.Resize(img, w, h, imaging.NearestNeighbor)
	}
	return imaging.Save(img, filename)
}

// SaveSliceSequence extracts and saves every slice along the specified axis.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	_, _, n, err := v.planeSize(axis)
	if err != nil {
		return err
	}

	for pos := 0; pos < n; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := SaveImage(img, filename, 1); err != nil {
			return err
		}
	}

	return nil
}

// SavePreviews writes a z max projection of every image layer, overlaid with
// every points layer whose voxel size matches, to dir. It returns the files written.
func SavePreviews(reg *Registry, dir string, scale float64) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	var images, points []Layer
	for _, name := range reg.Names() {
		l, _ := reg.Get(name)
		if l.Kind == KindImage {
			images = append(images, l)
		} else {
			points = append(points, l)
		}
	}

	var written []string
	for _, l := range images {
		proj, err := NewViewer(l.Image).MaxProjection("z")
		if err != nil {
			return written, err
		}
		var out image.Image = proj
		for _, p := range points {
			if p.Scale == l.Scale {
				out = DrawPoints(out, "z", p.Points, p.Color, 2)
			}
		}
		filename := filepath.Join(dir, fmt.Sprintf("%s_mip.png", strings.ReplaceAll(l.Name, " ", "_")))
		if err := SaveImage(out, filename, scale); err != nil {
			return written, fmt.Errorf("failed to save preview %s: %w", filename, err)
		}
		written = append(written, filename)
	}
	return written, nil
}
