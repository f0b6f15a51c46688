package visualization

import (
	"reflect"
	"testing"

	"spots3d/internal/models"
)

func TestRegistryReplacesByName(t *testing.T) {
	reg := NewRegistry()
	vol := models.NewVolume(2, 2, 2, models.VoxelSize{Z: 1, Y: 1, X: 1})

	first := reg.Set(ImageLayer(LayerDoG, vol))
	second := reg.Set(ImageLayer(LayerDoG, vol.Clone()))
	if reg.Len() != 1 {
		t.Errorf("Len = %d after replacing, want 1", reg.Len())
	}
	if first.Version != 1 || second.Version != 2 {
		t.Errorf("versions = %d, %d, want 1, 2", first.Version, second.Version)
	}
	got, ok := reg.Get(LayerDoG)
	if !ok || got.Image != second.Image {
		t.Error("Get should return the replacement")
	}

	reg.Set(CandidateLayer(LayerLocalMax, nil, vol.VoxelSize))
	if names := reg.Names(); !reflect.DeepEqual(names, []string{LayerDoG, LayerLocalMax}) {
		t.Errorf("Names = %v", names)
	}
	if !reg.Remove(LayerDoG) || reg.Remove(LayerDoG) {
		t.Error("Remove should report whether the layer existed")
	}
}

func TestRegistrySubscribe(t *testing.T) {
	reg := NewRegistry()
	var events []Event
	cancel := reg.Subscribe(func(ev Event) { events = append(events, ev) })

	reg.Set(FitLayer(LayerFitted, []models.FitResult{{Center: models.Vec3{1, 2, 3}}}, models.VoxelSize{Z: 1, Y: 1, X: 1}))
	reg.Remove(LayerFitted)
	cancel()
	reg.Set(FitLayer(LayerFitted, nil, models.VoxelSize{Z: 1, Y: 1, X: 1}))

	want := []Event{
		{Name: LayerFitted, Kind: KindPoints, Version: 1},
		{Name: LayerFitted, Kind: KindPoints, Version: 1, Removed: true},
	}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %+v, want %+v", events, want)
	}
}

func TestPointsLayerColor(t *testing.T) {
	reg := NewRegistry()
	l := reg.Set(CandidateLayer(LayerFiltered, nil, models.VoxelSize{Z: 1, Y: 1, X: 1}))
	if l.Color != ColorFor(LayerFiltered) {
		t.Errorf("Color = %v, want %v", l.Color, ColorFor(LayerFiltered))
	}
	if ColorFor(LayerLocalMax) == ColorFor(LayerFitted) {
		t.Error("candidate and fit markers should differ in colour")
	}
}
