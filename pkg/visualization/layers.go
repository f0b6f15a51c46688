package visualization

import (
	"sort"
	"sync"

	"github.com/lucasb-eyer/go-colorful"

	"spots3d/internal/models"
)

// Layer names produced by the detection pipeline.
const (
	LayerDeconv   = "deconv"
	LayerDoG      = "DoG"
	LayerDeskewed = "deskewed"
	LayerLocalMax = "local maxis"
	LayerMerged   = "merged maxis"
	LayerFitted   = "fitted spots"
	LayerFiltered = "filtered spots"
	LayerRejected = "centers rejected"
)

// Kind tells image layers from point layers.
type Kind int

const (
	KindImage Kind = iota
	KindPoints
)

func (k Kind) String() string {
	if k == KindPoints {
		return "points"
	}
	return "image"
}

// Point is one marker of a points layer, in voxel coordinates of the layer scale.
type Point struct {
	Position models.Vec3

	// Label is shown next to the marker, e.g. the rejection reasons
	Label string
}

// Layer is a named artifact displayed over the input volume.
type Layer struct {
	Name string
	Kind Kind

	// Image is set for image layers
	Image *models.Volume

	// Points is set for points layers
	Points []Point

	// Scale is the physical voxel size used to overlay the layer
	Scale models.VoxelSize

	// Color is the marker colour of points layers
	Color colorful.Color

	// Version increases every time a layer of this name is replaced
	Version int
}

// Event reports a layer change to subscribers.
type Event struct {
	Name    string
	Kind    Kind
	Version int
	Removed bool
}

// layerColors are the marker colours of the pipeline's points layers.
var layerColors = map[string]colorful.Color{
	LayerLocalMax: colorful.Hsv(0, 1, 1),
	LayerMerged:   colorful.Hsv(300, 0.8, 1),
	LayerFitted:   colorful.Hsv(120, 1, 0.9),
	LayerFiltered: colorful.Hsv(220, 1, 1),
	LayerRejected: colorful.Hsv(30, 1, 1),
}

// ColorFor returns the marker colour of a layer name, white for unknown names.
func ColorFor(name string) colorful.Color {
	if c, ok := layerColors[name]; ok {
		return c
	}
	return colorful.Color{R: 1, G: 1, B: 1}
}

// Registry holds the current layers by name. Setting a layer whose name
// already exists replaces it.
type Registry struct {
	mu        sync.RWMutex
	layers    map[string]Layer
	listeners map[int]func(Event)
	nextID    int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		layers:    make(map[string]Layer),
		listeners: make(map[int]func(Event)),
	}
}

// Set adds or replaces the layer and returns it with its new version.
func (r *Registry) Set(l Layer) Layer {
	r.mu.Lock()
	if old, ok := r.layers[l.Name]; ok {
		l.Version = old.Version + 1
	} else {
		l.Version = 1
	}
	if l.Kind == KindPoints && l.Color == (colorful.Color{}) {
		l.Color = ColorFor(l.Name)
	}
	r.layers[l.Name] = l
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	ev := Event{Name: l.Name, Kind: l.Kind, Version: l.Version}
	for _, fn := range listeners {
		fn(ev)
	}
	return l
}

// Get returns the named layer.
func (r *Registry) Get(name string) (Layer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.layers[name]
	return l, ok
}

// Remove deletes the named layer and reports whether it existed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	l, ok := r.layers[name]
	if ok {
		delete(r.layers, name)
	}
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	if ok {
		ev := Event{Name: name, Kind: l.Kind, Version: l.Version, Removed: true}
		for _, fn := range listeners {
			fn(ev)
		}
	}
	return ok
}

// Names returns the layer names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.layers))
	for name := range r.layers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len is the number of layers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.layers)
}

// Subscribe calls fn after every change until the returned cancel function runs.
// fn runs on the goroutine that made the change and must not block.
func (r *Registry) Subscribe(fn func(Event)) (cancel func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Registry) snapshotListeners() []func(Event) {
	ids := make([]int, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Event), len(ids))
	for i, id := range ids {
		out[i] = r.listeners[id]
	}
	return out
}

// ImageLayer builds an image layer scaled by the volume's voxel size.
func ImageLayer(name string, vol *models.Volume) Layer {
	return Layer{Name: name, Kind: KindImage, Image: vol, Scale: vol.VoxelSize}
}

// CandidateLayer builds a points layer from candidate positions.
func CandidateLayer(name string, cands []models.Candidate, scale models.VoxelSize) Layer {
	points := make([]Point, len(cands))
	for i, c := range cands {
		points[i] = Point{Position: c.Position}
	}
	return Layer{Name: name, Kind: KindPoints, Points: points, Scale: scale}
}

// FitLayer builds a points layer from fit centres.
func FitLayer(name string, fits []models.FitResult, scale models.VoxelSize) Layer {
	points := make([]Point, len(fits))
	for i, f := range fits {
		points[i] = Point{Position: f.Center}
	}
	return Layer{Name: name, Kind: KindPoints, Points: points, Scale: scale}
}
