package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/bryanchriswhite/QRInspector/internal/camera"
	"github.com/bryanchriswhite/QRInspector/internal/logger"
	"gopkg.in/yaml.v3"
)

// CameraConfig selects and drives the camera
type CameraConfig struct {
	Backend                string `json:"backend" yaml:"backend"`
	DeviceIndex            int    `json:"device_index" yaml:"device_index"` // -1 selects automatically or prompts
	ExposureMS             int    `json:"exposure_ms" yaml:"exposure_ms"`
	FrameTimeoutMS         int    `json:"frame_timeout_ms" yaml:"frame_timeout_ms"`
	Flip                   string `json:"flip" yaml:"flip"`
	CycleIntervalMS        int    `json:"cycle_interval_ms" yaml:"cycle_interval_ms"`
	MaxConsecutiveFailures int    `json:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	FailureBackoffMS       int    `json:"failure_backoff_ms" yaml:"failure_backoff_ms"`
	MaxBackoffMS           int    `json:"max_backoff_ms" yaml:"max_backoff_ms"`
}

// DisplayConfig controls the delivered image and the MJPEG stream
type DisplayConfig struct {
	Width       int  `json:"width" yaml:"width"`
	Height      int  `json:"height" yaml:"height"`
	JPEGQuality int  `json:"jpeg_quality" yaml:"jpeg_quality"`
	Overlay     bool `json:"overlay" yaml:"overlay"`
}

// HistoryConfig controls the persistent result history
type HistoryConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"` // empty means results.json next to the config file
	MaxEntries int    `json:"max_entries" yaml:"max_entries"`
}

// MQTTConfig controls result publication
type MQTTConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Broker   string `json:"broker" yaml:"broker"`
	Topic    string `json:"topic" yaml:"topic"`
	ClientID string `json:"client_id" yaml:"client_id"`
}

// SimConfig configures the simulated camera backend
type SimConfig struct {
	Width        int    `json:"width" yaml:"width"`
	Height       int    `json:"height" yaml:"height"`
	Mono         bool   `json:"mono" yaml:"mono"`
	Devices      int    `json:"devices" yaml:"devices"`
	Payload      string `json:"payload" yaml:"payload"`
	TimeoutEvery int    `json:"timeout_every" yaml:"timeout_every"`
	FPS          int    `json:"fps" yaml:"fps"`                   // 0 delivers frames unpaced
	BottomUp     bool   `json:"bottom_up" yaml:"bottom_up"`       // rows delivered bottom-up
	FrameWidth   int    `json:"frame_width" yaml:"frame_width"`   // 0 uses the full sensor width
	FrameHeight  int    `json:"frame_height" yaml:"frame_height"` // 0 uses the full sensor height
}

// Config represents the application configuration
type Config struct {
	ServerPort int    `json:"server_port" yaml:"server_port"`
	LogLevel   string `json:"log_level" yaml:"log_level"`
	LogPretty  bool   `json:"log_pretty" yaml:"log_pretty"`

	Camera  CameraConfig  `json:"camera" yaml:"camera"`
	Display DisplayConfig `json:"display" yaml:"display"`
	History HistoryConfig `json:"history" yaml:"history"`
	MQTT    MQTTConfig    `json:"mqtt" yaml:"mqtt"`
	Sim     SimConfig     `json:"sim" yaml:"sim"`
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		ServerPort: 8080,
		LogLevel:   "info",
		LogPretty:  true,
		Camera: CameraConfig{
			Backend:                "sim",
			DeviceIndex:            -1,
			ExposureMS:             camera.DefaultExposureMS,
			FrameTimeoutMS:         200,
			Flip:                   string(camera.FlipAuto),
			CycleIntervalMS:        10,
			MaxConsecutiveFailures: 50,
			FailureBackoffMS:       100,
			MaxBackoffMS:           2000,
		},
		Display: DisplayConfig{
			Width:       640,
			Height:      480,
			JPEGQuality: 90,
			Overlay:     true,
		},
		History: HistoryConfig{
			Enabled:    true,
			MaxEntries: 1000,
		},
		MQTT: MQTTConfig{
			Broker:   "localhost:1883",
			Topic:    "qrinspector/results",
			ClientID: "qrinspector",
		},
		Sim: SimConfig{
			Width:    1280,
			Height:   1024,
			Devices:  1,
			Payload:  "QRINSPECTOR-TEST",
			FPS:      30,
			BottomUp: runtime.GOOS == "windows",
		},
	}
}

// Validate checks value ranges
func (c *Config) Validate() error {
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("server_port %d out of range 1-65535", c.ServerPort)
	}
	if c.Camera.ExposureMS < 1 || c.Camera.ExposureMS > 100 {
		return fmt.Errorf("camera.exposure_ms %d out of range 1-100", c.Camera.ExposureMS)
	}
	if c.Camera.FrameTimeoutMS <= 0 {
		return fmt.Errorf("camera.frame_timeout_ms must be positive")
	}
	if _, err := camera.ParseFlipMode(c.Camera.Flip); err != nil {
		return fmt.Errorf("camera.flip: %w", err)
	}
	if c.Camera.CycleIntervalMS < 0 {
		return fmt.Errorf("camera.cycle_interval_ms must not be negative")
	}
	if c.Camera.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("camera.max_consecutive_failures must not be negative")
	}
	if c.Display.Width <= 0 || c.Display.Height <= 0 {
		return fmt.Errorf("display size %dx%d must be positive", c.Display.Width, c.Display.Height)
	}
	if c.Display.JPEGQuality < 1 || c.Display.JPEGQuality > 100 {
		return fmt.Errorf("display.jpeg_quality %d out of range 1-100", c.Display.JPEGQuality)
	}
	if c.Sim.FPS < 0 || c.Sim.FrameWidth < 0 || c.Sim.FrameHeight < 0 {
		return fmt.Errorf("sim.fps, sim.frame_width and sim.frame_height must not be negative")
	}
	if c.MQTT.Enabled && c.MQTT.Topic == "" {
		return fmt.Errorf("mqtt.topic is required when mqtt is enabled")
	}
	return nil
}

// LoopConfig converts the camera and display settings into loop timing
func (c *Config) LoopConfig() camera.LoopConfig {
	mode, _ := camera.ParseFlipMode(c.Camera.Flip)
	return camera.LoopConfig{
		FrameTimeout:           ms(c.Camera.FrameTimeoutMS),
		DisplayWidth:           c.Display.Width,
		DisplayHeight:          c.Display.Height,
		Flip:                   mode.ShouldFlip(),
		Interval:               ms(c.Camera.CycleIntervalMS),
		MaxConsecutiveFailures: c.Camera.MaxConsecutiveFailures,
		FailureBackoff:         ms(c.Camera.FailureBackoffMS),
		MaxBackoff:             ms(c.Camera.MaxBackoffMS),
	}
}

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex
}

// DefaultConfigPath returns ~/.config/qrinspector/config.yaml
func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "qrinspector", "config.yaml"), nil
}

// NewManager loads configFile (or the default path), writing defaults when
// the file does not exist yet
func NewManager(configFile string) (*Manager, error) {
	path := configFile
	if path == "" {
		def, err := DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = def
	}

	m := &Manager{configPath: path}

	if err := m.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logger.WithComponent("config").Info().
			Str("path", m.configPath).
			Msg("Config file not found, creating new config")
		m.config = Defaults()
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Str("backend", m.config.Camera.Backend).
		Msg("Config loaded")
	return m, nil
}

// load reads the configuration from disk. Keys missing from the file keep
// their defaults.
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", m.configPath, err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return Defaults()
	}
	cfg := *m.config
	return &cfg
}

// Save writes the current configuration to disk
func (m *Manager) Save() error {
	cfg := m.Get()

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Saving config")

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("config_dir", configDir).
			Msg("Failed to create config directory")
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config saved successfully")
	return nil
}

// Update validates and stores cfg, then saves it
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c := *cfg
	m.mu.Lock()
	m.config = &c
	m.mu.Unlock()
	return m.Save()
}

// Override applies fn to the in-memory configuration without saving it.
// Command line flags use this so they only affect the current run.
func (m *Manager) Override(fn func(cfg *Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := *m.config
	fn(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.config = &cfg
	return nil
}

// SetExposure stores a new default exposure in milliseconds
func (m *Manager) SetExposure(ms int) error {
	cfg := m.Get()
	cfg.Camera.ExposureMS = ms
	return m.Update(cfg)
}

// SetPort sets the server port
func (m *Manager) SetPort(port int) error {
	cfg := m.Get()
	cfg.ServerPort = port
	return m.Update(cfg)
}

// GetPort gets the server port
func (m *Manager) GetPort() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.ServerPort
}

// SetLogLevel sets the log level
func (m *Manager) SetLogLevel(level string) error {
	cfg := m.Get()
	cfg.LogLevel = level
	return m.Update(cfg)
}

// GetLogLevel gets the log level
func (m *Manager) GetLogLevel() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.LogLevel
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetConfigDir returns the config directory path
func (m *Manager) GetConfigDir() string {
	return filepath.Dir(m.configPath)
}

// HistoryPath resolves the result history file location
func (m *Manager) HistoryPath() string {
	cfg := m.Get()
	if cfg.History.Path != "" {
		return cfg.History.Path
	}
	return filepath.Join(m.GetConfigDir(), "results.json")
}
