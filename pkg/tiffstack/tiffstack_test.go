package tiffstack

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"spots3d/internal/models"
)

// createTestVolume fills a small volume with distinct integer samples
func createTestVolume(depth, height, width int) *models.Volume {
	vol := models.NewVolume(depth, height, width, models.VoxelSize{Z: 1, Y: 1, X: 1})
	for i := range vol.Data {
		vol.Data[i] = float64((i * 37) % 65536)
	}
	return vol
}

func TestWriteReadRoundTrip(t *testing.T) {
	vol := createTestVolume(4, 5, 7)
	path := filepath.Join(t.TempDir(), "stack.tif")

	if err := Write(path, vol); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if got.Shape() != vol.Shape() {
		t.Fatalf("shape = %v, want %v", got.Shape(), vol.Shape())
	}
	for i := range vol.Data {
		if got.Data[i] != vol.Data[i] {
			t.Fatalf("sample %d = %v, want %v", i, got.Data[i], vol.Data[i])
		}
	}
}

func TestEncodeRescalesFractionalData(t *testing.T) {
	vol := models.NewVolume(2, 2, 2, models.VoxelSize{Z: 1, Y: 1, X: 1})
	vol.Data = []float64{0, 0.25, 0.5, 1, -1, 0.75, 0.125, 0}

	var buf bytes.Buffer
	if err := Encode(&buf, vol); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := Decode(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if got.At(0, 1, 1) != 65535 {
		t.Errorf("maximum sample = %v, want 65535", got.At(0, 1, 1))
	}
	if got.At(1, 0, 0) != 0 {
		t.Errorf("negative sample = %v, want 0", got.At(1, 0, 0))
	}
	if got.At(0, 1, 0) < 32767 || got.At(0, 1, 0) > 32768 {
		t.Errorf("half sample = %v, want about 32767", got.At(0, 1, 0))
	}
}

func TestDecodeSinglePage(t *testing.T) {
	vol := createTestVolume(1, 3, 3)
	var buf bytes.Buffer
	if err := Encode(&buf, vol); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := Decode(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Depth != 1 {
		t.Errorf("depth = %d, want 1", got.Depth)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not tiff", []byte("PK\x03\x04 not a tiff file")},
		{"bigtiff", []byte{'I', 'I', 43, 0, 8, 0, 0, 0}},
		{"no directory", []byte{'I', 'I', 42, 0, 0, 0, 0, 0}},
		{"directory past end", []byte{'I', 'I', 42, 0, 0xff, 0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(bytes.NewReader(tt.data), int64(len(tt.data)))
			if !errors.Is(err, models.ErrFormat) {
				t.Errorf("error = %v, want ErrFormat", err)
			}
		})
	}
}

func TestReadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.tif")
	_, err := Read(path)

	var fe *models.FileError
	if !errors.As(err, &fe) {
		t.Fatalf("error = %v, want FileError", err)
	}
	if fe.Path != path {
		t.Errorf("path = %q, want %q", fe.Path, path)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error should wrap os.ErrNotExist, got %v", err)
	}
}
