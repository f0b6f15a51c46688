package server

import (
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"spots3d/internal/models"
	"spots3d/pkg/optics"
	"spots3d/pkg/spotio"
	"spots3d/pkg/store"
	"spots3d/pkg/visualization"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, st *store.Store) (*Server, *visualization.Registry, *httptest.Server) {
	t.Helper()
	reg := visualization.NewRegistry()
	vol := models.NewVolume(4, 6, 8, models.VoxelSize{Z: 1, Y: 0.5, X: 0.5})
	vol.Set(2, 3, 4, 10)
	reg.Set(visualization.ImageLayer(visualization.LayerDoG, vol))
	reg.Set(visualization.Layer{
		Name:   visualization.LayerRejected,
		Kind:   visualization.KindPoints,
		Points: []visualization.Point{{Position: models.Vec3{2, 3, 4}, Label: "amplitude_min"}},
		Scale:  vol.VoxelSize,
	})

	srv := New(reg, st, Options{}, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return srv, reg, ts
}

func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestListLayers(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	var infos []LayerInfo
	if code := getJSON(t, ts.URL+"/api/v1/layers", &infos); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if len(infos) != 2 || infos[0].Name != visualization.LayerDoG || infos[1].Name != visualization.LayerRejected {
		t.Fatalf("layers = %+v", infos)
	}
	if infos[0].Kind != "image" || len(infos[0].Shape) != 3 || infos[0].Shape[2] != 8 {
		t.Errorf("image layer = %+v", infos[0])
	}
	if infos[1].Kind != "points" || infos[1].Points != 1 || infos[1].Color == "" {
		t.Errorf("points layer = %+v", infos[1])
	}
}

func TestGetLayerPoints(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	var body struct {
		Layer  LayerInfo   `json:"layer"`
		Points []PointInfo `json:"points"`
	}
	if code := getJSON(t, ts.URL+"/api/v1/layers/centers%20rejected", &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	want := PointInfo{Z: 2, Y: 3, X: 4, Label: "amplitude_min"}
	if len(body.Points) != 1 || body.Points[0] != want {
		t.Errorf("points = %+v, want [%+v]", body.Points, want)
	}

	if code := getJSON(t, ts.URL+"/api/v1/layers/missing", nil); code != http.StatusNotFound {
		t.Errorf("missing layer status %d, want 404", code)
	}
}

func TestGetLayerImage(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	tests := []struct {
		query  string
		status int
		w, h   int
	}{
		{"", http.StatusOK, 8, 6},
		{"?axis=x", http.StatusOK, 4, 6},
		{"?axis=z&pos=2", http.StatusOK, 8, 6},
		{"?axis=z&pos=9", http.StatusBadRequest, 0, 0},
		{"?axis=w", http.StatusBadRequest, 0, 0},
	}
	for _, tt := range tests {
		resp, err := http.Get(ts.URL + "/api/v1/layers/DoG/image" + tt.query)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != tt.status {
			t.Errorf("%q: status %d, want %d", tt.query, resp.StatusCode, tt.status)
		} else if tt.status == http.StatusOK {
			cfg, err := png.DecodeConfig(resp.Body)
			if err != nil {
				t.Errorf("%q: %v", tt.query, err)
			} else if cfg.Width != tt.w || cfg.Height != tt.h {
				t.Errorf("%q: image %dx%d, want %dx%d", tt.query, cfg.Width, cfg.Height, tt.w, tt.h)
			}
		}
		resp.Body.Close()
	}

	if code := getJSON(t, ts.URL+"/api/v1/layers/centers%20rejected/image", nil); code != http.StatusBadRequest {
		t.Errorf("points layer image status %d, want 400", code)
	}
}

func TestWebsocketPushesLayerEvents(t *testing.T) {
	srv, reg, ts := newTestServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Hub().ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("viewer never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	reg.Set(visualization.CandidateLayer(visualization.LayerLocalMax, nil, models.VoxelSize{Z: 1, Y: 1, X: 1}))
	reg.Remove(visualization.LayerDoG)

	want := []LayerEvent{
		{Name: visualization.LayerLocalMax, Kind: "points", Version: 1},
		{Name: visualization.LayerDoG, Kind: "image", Version: 1, Removed: true},
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, w := range want {
		var ev LayerEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
		if ev != w {
			t.Errorf("event = %+v, want %+v", ev, w)
		}
	}
}

func TestRunEndpoints(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	params := spotio.DefaultDetectionParams(optics.Parameters{NA: 1, RefractiveIndex: 1.33, Wavelength: 0.5, PixelSize: 0.1, StageStep: 0.2})
	fits := []models.FitResult{{Amplitude: 100, Center: models.Vec3{1, 2, 3}, SigmaXY: 0.2, SigmaZ: 0.5}}
	id, err := st.SaveRun("cells.tif", params, 3, spotio.NewTable(fits, []models.FilterOutcome{{Fit: 0, Kept: true}}))
	if err != nil {
		t.Fatal(err)
	}
	_, _, ts := newTestServer(t, st)

	var runs []RunInfo
	if code := getJSON(t, ts.URL+"/api/v1/runs", &runs); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if len(runs) != 1 || runs[0].ID != id || runs[0].Kept != 1 || runs[0].Params.Metadata.PixelSize != 0.1 {
		t.Errorf("runs = %+v", runs)
	}

	resp, err := http.Get(ts.URL + "/api/v1/runs/" + strconv.FormatInt(id, 10) + "/spots")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	table, err := spotio.DecodeTable(resp.Body)
	if err != nil {
		t.Fatalf("DecodeTable: %v", err)
	}
	if len(table.Fits) != 1 || !table.Filtered || !table.Select[0] || table.Fits[0].Amplitude != 100 {
		t.Errorf("table = %+v", table)
	}

	if code := getJSON(t, ts.URL+"/api/v1/runs/99", nil); code != http.StatusNotFound {
		t.Errorf("missing run status %d, want 404", code)
	}
	if code := getJSON(t, ts.URL+"/api/v1/runs/99/spots", nil); code != http.StatusNotFound {
		t.Errorf("missing run spots status %d, want 404", code)
	}
	if code := getJSON(t, ts.URL+"/api/v1/runs/abc", nil); code != http.StatusBadRequest {
		t.Errorf("bad id status %d, want 400", code)
	}
}

func TestRunsWithoutStore(t *testing.T) {
	_, _, ts := newTestServer(t, nil)
	var runs []RunInfo
	if code := getJSON(t, ts.URL+"/api/v1/runs", &runs); code != http.StatusOK || len(runs) != 0 {
		t.Errorf("status %d, runs %+v", code, runs)
	}
	if code := getJSON(t, ts.URL+"/api/v1/runs/1", nil); code != http.StatusNotFound {
		t.Errorf("status %d, want 404", code)
	}
}
