// Package server exposes the detection layers and stored runs over HTTP and
// pushes layer changes to connected viewers over a websocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/contrib/static"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"spots3d/internal/logger"
	"spots3d/pkg/spotio"
	"spots3d/pkg/store"
	"spots3d/pkg/visualization"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Options configures the server.
type Options struct {
	// StaticDir is served at / when set
	StaticDir string

	// AccessLog enables the gin request log
	AccessLog bool
}

// Server serves the layers of a registry and the runs of an optional store.
type Server struct {
	engine      *gin.Engine
	layers      *visualization.Registry
	store       *store.Store
	hub         *Hub
	log         *logger.Logger
	cancel      context.CancelFunc
	unsubscribe func()
}

// LayerInfo summarises one layer.
type LayerInfo struct {
	Name    string     `json:"name"`
	Kind    string     `json:"kind"`
	Version int        `json:"version"`
	Scale   [3]float64 `json:"scale"`
	Shape   []int      `json:"shape,omitempty"`
	Points  int        `json:"points"`
	Color   string     `json:"color,omitempty"`
}

// PointInfo is one marker of a points layer.
type PointInfo struct {
	Z     float64 `json:"z"`
	Y     float64 `json:"y"`
	X     float64 `json:"x"`
	Label string  `json:"label,omitempty"`
}

// LayerEvent is pushed to websocket clients after every layer change.
type LayerEvent struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Version int    `json:"version"`
	Removed bool   `json:"removed"`
}

// RunInfo summarises a stored run.
type RunInfo struct {
	ID         int64                  `json:"id"`
	Source     string                 `json:"source"`
	CreatedAt  time.Time              `json:"created_at"`
	Candidates int                    `json:"candidates"`
	Fits       int                    `json:"fits"`
	Kept       int                    `json:"kept"`
	Filtered   bool                   `json:"filtered"`
	Params     spotio.DetectionParams `json:"params"`
}

// New builds the server and starts pushing layer changes. The store may be nil.
func New(layers *visualization.Registry, st *store.Store, opts Options, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	r := gin.New()
	if opts.AccessLog {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine: r,
		layers: layers,
		store:  st,
		hub:    NewHub(log),
		log:    log,
		cancel: cancel,
	}
	go s.hub.Run(ctx)
	s.unsubscribe = layers.Subscribe(s.pushEvent)

	if opts.StaticDir != "" {
		r.Use(static.Serve("/", static.LocalFile(opts.StaticDir, true)))
	}

	api := r.Group("/api/v1")
	api.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	api.GET("/layers", s.listLayers)
	api.GET("/layers/:name", s.getLayer)
	api.GET("/layers/:name/image", s.getLayerImage)
	api.GET("/runs", s.listRuns)
	api.GET("/runs/:id", s.getRun)
	api.GET("/runs/:id/spots", s.getRunSpots)
	r.GET("/ws", s.serveWebsocket)

	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run listens on addr until the listener fails.
func (s *Server) Run(addr string) error {
	s.log.Info("Layer server listening on %s", addr)
	return s.engine.Run(addr)
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close stops the layer push and disconnects every viewer.
func (s *Server) Close() {
	s.unsubscribe()
	s.cancel()
}

func (s *Server) pushEvent(ev visualization.Event) {
	msg, err := json.Marshal(LayerEvent{Name: ev.Name, Kind: ev.Kind.String(), Version: ev.Version, Removed: ev.Removed})
	if err != nil {
		s.log.Error("Failed to encode layer event: %v", err)
		return
	}
	s.hub.Broadcast(msg)
}

func layerInfo(l visualization.Layer) LayerInfo {
	info := LayerInfo{
		Name:    l.Name,
		Kind:    l.Kind.String(),
		Version: l.Version,
		Scale:   l.Scale.Vec(),
		Points:  len(l.Points),
	}
	if l.Kind == visualization.KindImage && l.Image != nil {
		shape := l.Image.Shape()
		info.Shape = shape[:]
	} else {
		info.Color = l.Color.Hex()
	}
	return info
}

func (s *Server) listLayers(c *gin.Context) {
	infos := []LayerInfo{}
	for _, name := range s.layers.Names() {
		if l, ok := s.layers.Get(name); ok {
			infos = append(infos, layerInfo(l))
		}
	}
	c.JSON(http.StatusOK, infos)
}

func (s *Server) getLayer(c *gin.Context) {
	l, ok := s.layers.Get(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "layer not found"})
		return
	}
	points := make([]PointInfo, len(l.Points))
	for i, p := range l.Points {
		points[i] = PointInfo{Z: p.Position[0], Y: p.Position[1], X: p.Position[2], Label: p.Label}
	}
	c.JSON(http.StatusOK, gin.H{"layer": layerInfo(l), "points": points})
}

// getLayerImage renders an image layer as PNG: the slice at pos along axis
// when pos is given, the maximum projection otherwise.
func (s *Server) getLayerImage(c *gin.Context) {
	l, ok := s.layers.Get(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "layer not found"})
		return
	}
	if l.Kind != visualization.KindImage || l.Image == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "not an image layer"})
		return
	}

	viewer := visualization.NewViewer(l.Image)
	axis := c.DefaultQuery("axis", "z")
	var (
		img image.Image
		err error
	)
	if pos := c.Query("pos"); pos != "" {
		n, convErr := strconv.Atoi(pos)
		if convErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pos"})
			return
		}
		img, err = viewer.ExtractSlice(axis, n)
	} else {
		img, err = viewer.MaxProjection(axis)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "image/png")
	c.Status(http.StatusOK)
	if err := imaging.Encode(c.Writer, img, imaging.PNG); err != nil {
		s.log.Error("Failed to encode layer %s: %v", l.Name, err)
	}
}

// runID parses the id parameter and reports whether runs are available.
func (s *Server) runID(c *gin.Context) (int64, bool) {
	if s.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no run store configured"})
		return 0, false
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return 0, false
	}
	return id, true
}

func runInfo(r store.Run) RunInfo {
	return RunInfo{
		ID:         r.ID,
		Source:     r.Source,
		CreatedAt:  r.CreatedAt,
		Candidates: r.Candidates,
		Fits:       r.Fits,
		Kept:       r.Kept,
		Filtered:   r.Filtered,
		Params:     r.Params,
	}
}

func (s *Server) listRuns(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusOK, []RunInfo{})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := s.store.ListRuns(limit)
	if err != nil {
		s.log.Error("Failed to list runs: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	infos := make([]RunInfo, len(runs))
	for i, r := range runs {
		infos[i] = runInfo(r)
	}
	c.JSON(http.StatusOK, infos)
}

func (s *Server) getRun(c *gin.Context) {
	id, ok := s.runID(c)
	if !ok {
		return
	}
	run, err := s.store.GetRun(id)
	if err != nil {
		s.log.Error("Failed to get run %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, runInfo(*run))
}

// getRunSpots writes the spot table of a run as CSV.
func (s *Server) getRunSpots(c *gin.Context) {
	id, ok := s.runID(c)
	if !ok {
		return
	}
	table, err := s.store.Table(id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Type", "text/csv")
	c.Status(http.StatusOK)
	if err := spotio.EncodeTable(c.Writer, table); err != nil {
		s.log.Error("Failed to write spots of run %d: %v", id, err)
	}
}

func (s *Server) serveWebsocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade error: %v", err)
		return
	}
	conn.SetReadLimit(512)

	s.hub.Register(conn)
	defer s.hub.Unregister(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
