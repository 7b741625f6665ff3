package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bryanchriswhite/QRInspector/internal/camera"
	"github.com/bryanchriswhite/QRInspector/internal/emitter"
	"github.com/bryanchriswhite/QRInspector/internal/logger"
	"github.com/bryanchriswhite/QRInspector/internal/output"
	"github.com/bryanchriswhite/QRInspector/internal/result"
	"github.com/bryanchriswhite/QRInspector/internal/sdk"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Camera is the live camera as seen by the API
type Camera interface {
	Device() sdk.DeviceInfo
	Capability() sdk.Capability
	MediaType() sdk.MediaType
	ExposureTime() (time.Duration, error)
	SetExposureTime(ms int) error
}

// Loop exposes acquisition state
type Loop interface {
	Stats() camera.Stats
	LastResult() (camera.Result, bool)
}

// Deps are the components the server reports on. History, Stream and
// Emitter may be nil.
type Deps struct {
	Camera  Camera
	Loop    Loop
	Hub     *ResultHub
	History *result.Store
	Stream  *output.MJPEGOutput
	Emitter *emitter.MQTTEmitter
}

// Server represents the HTTP API server
type Server struct {
	router   *mux.Router
	deps     Deps
	upgrader websocket.Upgrader
	started  time.Time
	http     *http.Server
}

// NewServer creates a new API server
func NewServer(deps Deps) *Server {
	if deps.Hub == nil {
		deps.Hub = NewResultHub()
	}
	s := &Server{
		router:  mux.NewRouter(),
		deps:    deps,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.setupRoutes()
	return s
}

// Hub returns the websocket result hub; register it as a loop result listener
func (s *Server) Hub() *ResultHub {
	return s.deps.Hub
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Camera
	api.HandleFunc("/camera", s.handleGetCamera).Methods("GET")
	api.HandleFunc("/camera/exposure", s.handleGetExposure).Methods("GET")
	api.HandleFunc("/camera/exposure", s.handleSetExposure).Methods("PUT")

	// Results
	api.HandleFunc("/result", s.handleGetResult).Methods("GET")
	api.HandleFunc("/results", s.handleGetResults).Methods("GET")
	api.HandleFunc("/results", s.handleClearResults).Methods("DELETE")
	api.HandleFunc("/results/stream", s.handleResultStream)

	api.HandleFunc("/stats", s.handleStats).Methods("GET")

	if s.deps.Stream != nil {
		s.router.HandleFunc("/stream", s.deps.Stream.GetHTTPHandler())
		s.router.HandleFunc("/stream/stats", s.deps.Stream.GetStatsHandler())
		s.router.HandleFunc("/snapshot.jpg", s.deps.Stream.GetSnapshotHandler())
		s.router.HandleFunc("/", s.deps.Stream.GetViewerHandler())
	}
}

// Handler returns the router wrapped in the CORS middleware
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves HTTP until Shutdown is called
func (s *Server) Start(port int) error {
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.WithComponent("api").Info().Int("port", port).Msg("HTTP server listening")

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and closes websocket subscribers
func (s *Server) Shutdown(ctx context.Context) error {
	s.deps.Hub.Close()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// HTTP Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"state":  s.deps.Loop.Stats().State,
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

type cameraResponse struct {
	Device     sdk.DeviceInfo `json:"device"`
	Capability sdk.Capability `json:"capability"`
	Format     string         `json:"format"`
	ExposureMS float64        `json:"exposure_ms"`
}

func (s *Server) handleGetCamera(w http.ResponseWriter, r *http.Request) {
	exp, err := s.deps.Camera.ExposureTime()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, cameraResponse{
		Device:     s.deps.Camera.Device(),
		Capability: s.deps.Camera.Capability(),
		Format:     s.deps.Camera.MediaType().String(),
		ExposureMS: float64(exp) / float64(time.Millisecond),
	})
}

type exposureRequest struct {
	MS int `json:"ms"`
}

func (s *Server) handleGetExposure(w http.ResponseWriter, r *http.Request) {
	exp, err := s.deps.Camera.ExposureTime()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"ms": float64(exp) / float64(time.Millisecond)})
}

func (s *Server) handleSetExposure(w http.ResponseWriter, r *http.Request) {
	var req exposureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.MS < 1 || req.MS > 100 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("exposure %d ms out of range 1-100", req.MS))
		return
	}

	if err := s.deps.Camera.SetExposureTime(req.MS); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, camera.ErrSessionClosed) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err)
		return
	}

	logger.WithComponent("api").Info().Int("exposure_ms", req.MS).Msg("Exposure changed")
	s.handleGetExposure(w, r)
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	res, ok := s.deps.Loop.LastResult()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no QR code decoded yet"))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetResults(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeJSON(w, http.StatusOK, []result.Entry{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.History.All())
}

func (s *Server) handleClearResults(w http.ResponseWriter, r *http.Request) {
	if s.deps.History != nil {
		if err := s.deps.History.Clear(); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

type statsResponse struct {
	Loop   camera.Stats   `json:"loop"`
	Stream *output.Stats  `json:"stream,omitempty"`
	MQTT   *emitter.Stats `json:"mqtt,omitempty"`
	Hub    map[string]int `json:"websocket"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Loop: s.deps.Loop.Stats(),
		Hub:  map[string]int{"subscribers": s.deps.Hub.Subscribers()},
	}
	if s.deps.Stream != nil {
		st := s.deps.Stream.Stats()
		resp.Stream = &st
	}
	if s.deps.Emitter != nil {
		st := s.deps.Emitter.Stats()
		resp.MQTT = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResultStream(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	updates := s.deps.Hub.Subscribe()
	defer s.deps.Hub.Unsubscribe(updates)

	// detect client disconnects
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if current, ok := s.deps.Loop.LastResult(); ok {
		if err := conn.WriteJSON(current); err != nil {
			return
		}
	}

	for {
		select {
		case <-closed:
			return
		case res, ok := <-updates:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteJSON(res); err != nil {
				log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		}
	}
}
