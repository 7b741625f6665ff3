package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/bryanchriswhite/QRInspector/internal/logger"
)

// DefaultJPEGQuality is used when Config.JPEGQuality is unset
const DefaultJPEGQuality = 90

// MJPEGOutput streams frames as Motion JPEG over HTTP
type MJPEGOutput struct {
	config  Config
	running bool
	mu      sync.RWMutex

	// Latest encoded frame
	frameMu    sync.RWMutex
	latestJPEG []byte
	lastUpdate time.Time

	// Connected clients
	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	// Stats
	frameCount uint64
	dropped    uint64
	startTime  time.Time
}

// NewMJPEGOutput creates a new MJPEG stream output
func NewMJPEGOutput(config Config) *MJPEGOutput {
	if config.JPEGQuality <= 0 || config.JPEGQuality > 100 {
		config.JPEGQuality = DefaultJPEGQuality
	}
	return &MJPEGOutput{
		config:  config,
		clients: make(map[chan []byte]struct{}),
	}
}

// Start initializes the MJPEG output.
// The HTTP handlers are registered separately.
func (m *MJPEGOutput) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("MJPEG output already running")
	}

	m.running = true
	m.startTime = time.Now()
	m.frameCount = 0
	m.dropped = 0

	logger.WithComponent("mjpeg").Info().
		Int("width", m.config.Width).
		Int("height", m.config.Height).
		Int("quality", m.config.JPEGQuality).
		Msg("MJPEG output started")
	return nil
}

// Stop disconnects all clients
func (m *MJPEGOutput) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false

	m.clientsMu.Lock()
	for ch := range m.clients {
		close(ch)
	}
	m.clients = make(map[chan []byte]struct{})
	m.clientsMu.Unlock()

	logger.WithComponent("mjpeg").Info().Uint64("frames", m.frameCount).Msg("MJPEG output stopped")
	return nil
}

// WriteFrame encodes frame once and sends it to all connected clients.
// Slow clients miss frames rather than stall the loop.
func (m *MJPEGOutput) WriteFrame(frame *image.RGBA) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return fmt.Errorf("MJPEG output not running")
	}
	m.frameCount++
	m.mu.Unlock()

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, frame, &jpeg.Options{Quality: m.config.JPEGQuality}); err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	jpegData := buf.Bytes()

	m.frameMu.Lock()
	m.latestJPEG = jpegData
	m.lastUpdate = time.Now()
	m.frameMu.Unlock()

	var dropped uint64
	m.clientsMu.RLock()
	for ch := range m.clients {
		select {
		case ch <- jpegData:
		default:
			dropped++
		}
	}
	m.clientsMu.RUnlock()

	if dropped > 0 {
		m.mu.Lock()
		m.dropped += dropped
		m.mu.Unlock()
	}
	return nil
}

// Name returns the output type name
func (m *MJPEGOutput) Name() string {
	return "MJPEG HTTP Stream"
}

// IsRunning returns true if the output is active
func (m *MJPEGOutput) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Latest returns the most recent JPEG, or nil before the first frame
func (m *MJPEGOutput) Latest() []byte {
	m.frameMu.RLock()
	defer m.frameMu.RUnlock()
	return m.latestJPEG
}

// ClientCount returns the number of connected stream clients
func (m *MJPEGOutput) ClientCount() int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients)
}

// GetHTTPHandler returns the multipart stream handler, mounted at /stream
func (m *MJPEGOutput) GetHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.IsRunning() {
			http.Error(w, "stream not running", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Header().Set("Connection", "close")

		frameChan := make(chan []byte, 2)

		m.clientsMu.Lock()
		m.clients[frameChan] = struct{}{}
		clientCount := len(m.clients)
		m.clientsMu.Unlock()

		log := logger.WithComponent("mjpeg")
		log.Info().Str("remote", r.RemoteAddr).Int("clients", clientCount).Msg("Stream client connected")

		defer func() {
			m.clientsMu.Lock()
			delete(m.clients, frameChan)
			clientCount := len(m.clients)
			m.clientsMu.Unlock()
			log.Info().Str("remote", r.RemoteAddr).Int("clients", clientCount).Msg("Stream client disconnected")
		}()

		// send the last frame right away so a paused camera still shows something
		if latest := m.Latest(); latest != nil {
			if writePart(w, latest) != nil {
				return
			}
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case jpegData, ok := <-frameChan:
				if !ok {
					return
				}
				if writePart(w, jpegData) != nil {
					return
				}
			}
		}
	}
}

func writePart(w http.ResponseWriter, jpegData []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
		return err
	}
	if _, err := w.Write(jpegData); err != nil {
		return err
	}
	if _, err := fmt.Fprint(w, "\r\n"); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// GetSnapshotHandler serves the latest frame as a single JPEG
func (m *MJPEGOutput) GetSnapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		latest := m.Latest()
		if latest == nil {
			http.Error(w, "no frame captured yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(latest)
	}
}

// Stats is a snapshot of stream counters
type Stats struct {
	Running    bool      `json:"running"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Frames     uint64    `json:"frames"`
	Dropped    uint64    `json:"dropped"`
	FPS        float64   `json:"fps"`
	Clients    int       `json:"clients"`
	LastUpdate time.Time `json:"last_update"`
	Uptime     string    `json:"uptime"`
}

// Stats returns the current stream counters
func (m *MJPEGOutput) Stats() Stats {
	m.mu.RLock()
	st := Stats{
		Running: m.running,
		Width:   m.config.Width,
		Height:  m.config.Height,
		Frames:  m.frameCount,
		Dropped: m.dropped,
	}
	startTime := m.startTime
	m.mu.RUnlock()

	m.frameMu.RLock()
	st.LastUpdate = m.lastUpdate
	m.frameMu.RUnlock()

	st.Clients = m.ClientCount()

	if st.Running && !startTime.IsZero() {
		elapsed := time.Since(startTime)
		if elapsed > 0 {
			st.FPS = float64(st.Frames) / elapsed.Seconds()
		}
		st.Uptime = elapsed.Round(time.Second).String()
	}
	return st
}

// GetStatsHandler returns an HTTP handler that reports stream statistics as JSON
func (m *MJPEGOutput) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Stats())
	}
}

// GetViewerHandler returns the viewer page: the live stream with the last
// decoded payload and an exposure slider underneath
func (m *MJPEGOutput) GetViewerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(viewerHTML))
	}
}

const viewerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>QRInspector</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            background: #111;
            color: #ddd;
            font-family: system-ui, -apple-system, sans-serif;
            display: flex;
            flex-direction: column;
            align-items: center;
            gap: 12px;
            padding: 16px;
        }
        img { max-width: 100%; background: #000; }
        .result { font-size: 20px; min-height: 28px; }
        .controls { display: flex; gap: 12px; align-items: center; }
        input[type=range] { width: 320px; }
    </style>
</head>
<body>
    <img src="/stream" alt="Camera stream">
    <div class="result" id="result">QR Code: -</div>
    <div class="controls">
        <label for="shutter">Shutter (ms)</label>
        <input type="range" id="shutter" min="1" max="100" value="30">
        <span id="shutterValue">30</span>
    </div>
    <script>
        const result = document.getElementById('result');
        const shutter = document.getElementById('shutter');
        const shutterValue = document.getElementById('shutterValue');

        fetch('/api/camera/exposure')
            .then(r => r.json())
            .then(data => { shutter.value = Math.round(data.ms); shutterValue.textContent = shutter.value; })
            .catch(console.error);

        fetch('/api/result')
            .then(r => r.ok ? r.json() : null)
            .then(data => { if (data && data.payload) result.textContent = 'QR Code: ' + data.payload; })
            .catch(console.error);

        shutter.addEventListener('input', () => { shutterValue.textContent = shutter.value; });
        shutter.addEventListener('change', () => {
            fetch('/api/camera/exposure', {
                method: 'PUT',
                headers: { 'Content-Type': 'application/json' },
                body: JSON.stringify({ ms: parseInt(shutter.value, 10) })
            }).catch(console.error);
        });

        const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/api/results/stream');
        ws.onmessage = (ev) => {
            const data = JSON.parse(ev.data);
            if (data.payload) result.textContent = 'QR Code: ' + data.payload;
        };
    </script>
</body>
</html>`
