// Package tiffstack reads and writes multi-page grayscale TIFF files as 3D volumes.
//
// Pages are decoded one at a time with golang.org/x/image/tiff, which only knows
// about the first image directory of a file; each page is presented to it as a
// file whose header points at that page's directory. Page order is the z axis,
// so a file read back has the (Z, Y, X) ordering used everywhere else.
package tiffstack

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"os"

	"golang.org/x/image/tiff"

	"spots3d/internal/models"
)

const maxPages = 1 << 16

// Read loads every page of a TIFF file into a volume with unit voxel size.
func Read(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &models.FileError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, &models.FileError{Op: "stat", Path: path, Err: err}
	}

	vol, err := Decode(f, info.Size())
	if err != nil {
		return nil, &models.FileError{Op: "decode", Path: path, Err: err}
	}
	return vol, nil
}

// Decode reads every page of the TIFF data held by r.
func Decode(r io.ReaderAt, size int64) (*models.Volume, error) {
	order, offsets, err := pageOffsets(r, size)
	if err != nil {
		return nil, err
	}

	var vol *models.Volume
	for z, off := range offsets {
		img, err := tiff.Decode(&pageReader{ra: r, size: size, ifd: off, order: order})
		if err != nil {
			return nil, fmt.Errorf("page %d: %v: %w", z, err, models.ErrFormat)
		}
		b := img.Bounds()
		if vol == nil {
			vol = models.NewVolume(len(offsets), b.Dy(), b.Dx(), models.VoxelSize{Z: 1, Y: 1, X: 1})
		} else if b.Dx() != vol.Width || b.Dy() != vol.Height {
			return nil, fmt.Errorf("page %d is %dx%d, first page is %dx%d: %w",
				z, b.Dx(), b.Dy(), vol.Width, vol.Height, models.ErrShape)
		}
		copyPage(vol, z, img)
	}
	return vol, nil
}

func copyPage(vol *models.Volume, z int, img image.Image) {
	b := img.Bounds()
	switch p := img.(type) {
	case *image.Gray16:
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				vol.Set(z, y, x, float64(p.Gray16At(b.Min.X+x, b.Min.Y+y).Y))
			}
		}
	case *image.Gray:
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				vol.Set(z, y, x, float64(p.GrayAt(b.Min.X+x, b.Min.Y+y).Y))
			}
		}
	default:
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
				vol.Set(z, y, x, float64(g.Y))
			}
		}
	}
}

// pageOffsets walks the chain of image file directories.
func pageOffsets(r io.ReaderAt, size int64) (binary.ByteOrder, []uint32, error) {
	header := make([]byte, 8)
	if _, err := r.ReadAt(header, 0); err != nil {
		return nil, nil, fmt.Errorf("reading header: %v: %w", err, models.ErrFormat)
	}

	var order binary.ByteOrder
	switch string(header[0:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, nil, fmt.Errorf("not a TIFF file: %w", models.ErrFormat)
	}
	if order.Uint16(header[2:4]) != 42 {
		return nil, nil, fmt.Errorf("unsupported TIFF variant %d: %w", order.Uint16(header[2:4]), models.ErrFormat)
	}

	var offsets []uint32
	seen := make(map[uint32]bool)
	buf := make([]byte, 4)
	for off := order.Uint32(header[4:8]); off != 0; {
		if seen[off] || int64(off)+2 > size || len(offsets) >= maxPages {
			return nil, nil, fmt.Errorf("corrupt directory chain at offset %d: %w", off, models.ErrFormat)
		}
		seen[off] = true
		offsets = append(offsets, off)

		if _, err := r.ReadAt(buf[:2], int64(off)); err != nil {
			return nil, nil, fmt.Errorf("reading directory: %v: %w", err, models.ErrFormat)
		}
		next := int64(off) + 2 + 12*int64(order.Uint16(buf[:2]))
		if _, err := r.ReadAt(buf, next); err != nil {
			return nil, nil, fmt.Errorf("reading next directory offset: %v: %w", err, models.ErrFormat)
		}
		off = order.Uint32(buf)
	}
	if len(offsets) == 0 {
		return nil, nil, fmt.Errorf("no image directory: %w", models.ErrFormat)
	}
	return order, offsets, nil
}

// pageReader exposes the underlying file with the first-directory offset replaced.
type pageReader struct {
	ra    io.ReaderAt
	size  int64
	ifd   uint32
	order binary.ByteOrder
	pos   int64
}

func (p *pageReader) ReadAt(b []byte, off int64) (int, error) {
	n, err := p.ra.ReadAt(b, off)
	var patch [4]byte
	p.order.PutUint32(patch[:], p.ifd)
	for i := 0; i < 4; i++ {
		at := int64(4+i) - off
		if at >= 0 && at < int64(n) {
			b[at] = patch[i]
		}
	}
	return n, err
}

func (p *pageReader) Read(b []byte) (int, error) {
	if p.pos >= p.size {
		return 0, io.EOF
	}
	n, err := p.ReadAt(b, p.pos)
	p.pos += int64(n)
	if errors.Is(err, io.EOF) && n > 0 {
		err = nil
	}
	return n, err
}

// Write stores the volume as uncompressed 16-bit pages, one per z plane.
// Volumes holding only integers in [0, 65535] are written verbatim; anything
// else is rescaled so that the maximum maps to 65535 (negative values clip to 0).
func Write(path string, vol *models.Volume) error {
	if err := vol.Validate(); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return &models.FileError{Op: "create", Path: path, Err: err}
	}
	w := bufio.NewWriter(f)
	if err := Encode(w, vol); err != nil {
		f.Close()
		return &models.FileError{Op: "encode", Path: path, Err: err}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return &models.FileError{Op: "write", Path: path, Err: err}
	}
	return f.Close()
}

// Encode writes the volume as a little-endian multi-page TIFF.
func Encode(w io.Writer, vol *models.Volume) error {
	scale := sampleScale(vol)

	const entries = 10
	pageBytes := uint32(vol.Width * vol.Height * 2)
	ifdBytes := uint32(2 + entries*12 + 4)

	le := binary.LittleEndian
	header := []byte{'I', 'I', 42, 0, 0, 0, 0, 0}
	le.PutUint32(header[4:], 8+pageBytes)
	if _, err := w.Write(header); err != nil {
		return err
	}

	row := make([]byte, vol.Width*2)
	ifd := make([]byte, ifdBytes)
	for z := 0; z < vol.Depth; z++ {
		dataOffset := 8 + uint32(z)*(pageBytes+ifdBytes)
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				le.PutUint16(row[2*x:], quantize(vol.At(z, y, x), scale))
			}
			if _, err := w.Write(row); err != nil {
				return err
			}
		}

		next := uint32(0)
		if z < vol.Depth-1 {
			next = dataOffset + pageBytes + ifdBytes + pageBytes
		}
		fillDirectory(ifd, uint32(vol.Width), uint32(vol.Height), dataOffset, pageBytes, next)
		if _, err := w.Write(ifd); err != nil {
			return err
		}
	}
	return nil
}

func fillDirectory(ifd []byte, width, height, dataOffset, dataBytes, next uint32) {
	const (
		typeShort = 3
		typeLong  = 4
	)
	le := binary.LittleEndian
	tags := []struct {
		tag, typ uint16
		value    uint32
	}{
		{256, typeLong, width},
		{257, typeLong, height},
		{258, typeShort, 16},
		{259, typeShort, 1},
		{262, typeShort, 1},
		{273, typeLong, dataOffset},
		{277, typeShort, 1},
		{278, typeLong, height},
		{279, typeLong, dataBytes},
		{284, typeShort, 1},
	}
	le.PutUint16(ifd, uint16(len(tags)))
	for i, t := range tags {
		e := ifd[2+12*i:]
		le.PutUint16(e[0:], t.tag)
		le.PutUint16(e[2:], t.typ)
		le.PutUint32(e[4:], 1)
		le.PutUint32(e[8:], 0)
		if t.typ == typeShort {
			le.PutUint16(e[8:], uint16(t.value))
		} else {
			le.PutUint32(e[8:], t.value)
		}
	}
	le.PutUint32(ifd[2+12*len(tags):], next)
}

// sampleScale returns 1 when the volume already fits 16-bit integers.
func sampleScale(vol *models.Volume) float64 {
	_, max := vol.MinMax()
	exact := true
	for _, v := range vol.Data {
		if v < 0 || v > math.MaxUint16 || v != math.Trunc(v) {
			exact = false
			break
		}
	}
	if exact || max <= 0 {
		return 1
	}
	return math.MaxUint16 / max
}

func quantize(v, scale float64) uint16 {
	v = math.Round(v * scale)
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}
