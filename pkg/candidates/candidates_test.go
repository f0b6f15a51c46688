package candidates

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"spots3d/internal/models"
)

func newVolume(depth, height, width int) *models.Volume {
	return models.NewVolume(depth, height, width, models.VoxelSize{Z: 1, Y: 1, X: 1})
}

// addBlob adds a Gaussian blob to the volume
func addBlob(vol *models.Volume, center, sigma models.Vec3, amplitude float64) {
	for z := 0; z < vol.Depth; z++ {
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				dz := (float64(z) - center[0]) / sigma[0]
				dy := (float64(y) - center[1]) / sigma[1]
				dx := (float64(x) - center[2]) / sigma[2]
				vol.Data[vol.Index(z, y, x)] += amplitude * math.Exp(-(dz*dz+dy*dy+dx*dx)/2)
			}
		}
	}
}

func TestFindEmptyVolume(t *testing.T) {
	vol := newVolume(8, 8, 8)
	for _, threshold := range []float64{-1, 0, 0.5, 10} {
		got, err := Find(vol, threshold, models.Vec3{3, 3, 3})
		if err != nil {
			t.Fatalf("Find failed: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("threshold %v: got %d candidates on an empty volume", threshold, len(got))
		}
	}
}

func TestFindSingleBlob(t *testing.T) {
	vol := newVolume(16, 20, 20)
	addBlob(vol, models.Vec3{8, 10, 11}, models.Vec3{2, 1.5, 1.5}, 100)

	got, err := Find(vol, 5, models.Vec3{3, 3, 3})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d candidates, want 1: %v", len(got), got)
	}
	if got[0].Position != (models.Vec3{8, 10, 11}) {
		t.Errorf("position = %v, want (8, 10, 11)", got[0].Position)
	}
	if got[0].Amplitude != vol.At(8, 10, 11) {
		t.Errorf("amplitude = %v, want %v", got[0].Amplitude, vol.At(8, 10, 11))
	}
}

func TestFindThresholdExcludesFaintPeaks(t *testing.T) {
	vol := newVolume(10, 30, 30)
	addBlob(vol, models.Vec3{5, 8, 8}, models.Vec3{1, 1, 1}, 100)
	addBlob(vol, models.Vec3{5, 22, 22}, models.Vec3{1, 1, 1}, 20)

	got, err := Find(vol, 50, models.Vec3{3, 3, 3})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(got) != 1 || got[0].Position != (models.Vec3{5, 8, 8}) {
		t.Errorf("got %v, want only the bright blob", got)
	}

	got, _ = Find(vol, 10, models.Vec3{3, 3, 3})
	if len(got) != 2 {
		t.Errorf("lower threshold: got %d candidates, want 2", len(got))
	}
}

func TestFindPlateauKeepsLowestIndex(t *testing.T) {
	vol := newVolume(5, 5, 5)
	vol.Set(2, 2, 2, 10)
	vol.Set(2, 2, 3, 10)
	vol.Set(2, 3, 3, 10)

	got, err := Find(vol, 1, models.Vec3{3, 3, 3})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d candidates, want 1: %v", len(got), got)
	}
	if got[0].Position != (models.Vec3{2, 2, 2}) {
		t.Errorf("plateau representative = %v, want (2, 2, 2)", got[0].Position)
	}
}

func TestFindSeparationFootprint(t *testing.T) {
	vol := newVolume(3, 3, 12)
	vol.Set(1, 1, 3, 10)
	vol.Set(1, 1, 6, 8)

	// With min separation 3 the footprint reaches 1 voxel: both peaks survive.
	got, _ := Find(vol, 1, models.Vec3{3, 3, 3})
	if len(got) != 2 {
		t.Errorf("small footprint: got %d candidates, want 2", len(got))
	}

	// With min separation 7 the footprint reaches 3 voxels along x.
	got, _ = Find(vol, 1, models.Vec3{1, 1, 7})
	if len(got) != 1 || got[0].Position != (models.Vec3{1, 1, 3}) {
		t.Errorf("large footprint: got %v, want only the brighter peak", got)
	}
}

func TestFindInvalidSeparation(t *testing.T) {
	if _, err := Find(newVolume(2, 2, 2), 0, models.Vec3{1, 0, 1}); !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("error = %v, want ErrConfiguration", err)
	}
}

func TestFootprint(t *testing.T) {
	semi, offsets := footprint(models.Vec3{2, 3, 3})
	if semi != [3]int{1, 1, 1} {
		t.Errorf("semi-axes = %v, want [1 1 1]", semi)
	}
	// unit ball in the 3x3x3 cube: the 6 face neighbours only
	if len(offsets) != 6 {
		t.Errorf("got %d offsets, want 6", len(offsets))
	}

	semi, offsets = footprint(models.Vec3{1, 5, 5})
	if semi != [3]int{0, 2, 2} {
		t.Errorf("semi-axes = %v, want [0 2 2]", semi)
	}
	for _, o := range offsets {
		if o.dz != 0 {
			t.Fatalf("offset %v leaves the plane", o)
		}
	}
	// disc of radius 2 without the centre
	if len(offsets) != 12 {
		t.Errorf("got %d offsets, want 12", len(offsets))
	}
}

func TestMerge(t *testing.T) {
	cands := []models.Candidate{
		{Position: models.Vec3{5, 10, 10}, Amplitude: 50},
		{Position: models.Vec3{5, 11, 10}, Amplitude: 80},
		{Position: models.Vec3{5, 30, 30}, Amplitude: 20},
		{Position: models.Vec3{6, 12, 10}, Amplitude: 60},
	}
	minSep := models.Vec3{3, 3, 3}

	merged, err := Merge(cands, minSep)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	want := []models.Candidate{cands[1], cands[2]}
	if !reflect.DeepEqual(merged, want) {
		t.Errorf("merged = %v, want %v", merged, want)
	}

	again, _ := Merge(merged, minSep)
	if !reflect.DeepEqual(again, merged) {
		t.Errorf("merge is not idempotent: %v -> %v", merged, again)
	}
}

func TestMergeTieKeepsEarlier(t *testing.T) {
	cands := []models.Candidate{
		{Position: models.Vec3{0, 0, 1}, Amplitude: 10},
		{Position: models.Vec3{0, 0, 0}, Amplitude: 10},
	}
	merged, _ := Merge(cands, models.Vec3{2, 2, 2})
	if len(merged) != 1 || merged[0] != cands[0] {
		t.Errorf("merged = %v, want the first candidate", merged)
	}
}

func TestMergeSeparatedBlobs(t *testing.T) {
	minSep := models.Vec3{4, 4, 4}

	close := newVolume(16, 32, 32)
	addBlob(close, models.Vec3{8, 16, 14}, models.Vec3{1, 1, 1}, 100)
	addBlob(close, models.Vec3{8, 16, 17}, models.Vec3{1, 1, 1}, 90)
	found, _ := Find(close, 10, models.Vec3{3, 3, 3})
	merged, _ := Merge(found, minSep)
	if len(found) != 2 || len(merged) != 1 {
		t.Errorf("close blobs: %d found, %d merged, want 2 and 1", len(found), len(merged))
	}

	far := newVolume(16, 32, 32)
	addBlob(far, models.Vec3{8, 16, 8}, models.Vec3{1, 1, 1}, 100)
	addBlob(far, models.Vec3{8, 16, 20}, models.Vec3{1, 1, 1}, 90)
	found, _ = Find(far, 10, models.Vec3{3, 3, 3})
	merged, _ = Merge(found, minSep)
	if len(found) != 2 || len(merged) != 2 {
		t.Errorf("far blobs: %d found, %d merged, want 2 and 2", len(found), len(merged))
	}
}

func TestEstimateBackground(t *testing.T) {
	vol := newVolume(4, 4, 4)
	for i := range vol.Data {
		vol.Data[i] = float64(i % 2)
	}

	exact, err := EstimateBackground(vol, 1000, 1)
	if err != nil {
		t.Fatalf("EstimateBackground failed: %v", err)
	}
	if math.Abs(exact.Mean-0.5) > 1e-12 {
		t.Errorf("mean = %v, want 0.5", exact.Mean)
	}

	sampled, _ := EstimateBackground(vol, 32, 7)
	again, _ := EstimateBackground(vol, 32, 7)
	if sampled != again {
		t.Errorf("same seed gave %v and %v", sampled, again)
	}
	if sampled.Mean < 0 || sampled.Mean > 1 {
		t.Errorf("sampled mean %v out of range", sampled.Mean)
	}
	if got := exact.Threshold(3); math.Abs(got-(exact.Mean+3*exact.StdDev)) > 1e-12 {
		t.Errorf("threshold = %v", got)
	}
}
