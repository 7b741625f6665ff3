package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewManagerWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qrinspector", "config.yaml")

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not created: %v", err)
	}

	cfg := m.Get()
	if cfg.ServerPort != 8080 || cfg.Camera.ExposureMS != 30 || cfg.Display.Width != 640 || cfg.Display.Height != 480 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if m.HistoryPath() != filepath.Join(filepath.Dir(path), "results.json") {
		t.Errorf("history path = %s", m.HistoryPath())
	}
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "server_port: 9090\ncamera:\n  exposure_ms: 55\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	cfg := m.Get()
	if cfg.ServerPort != 9090 || cfg.Camera.ExposureMS != 55 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Camera.FrameTimeoutMS != 200 || cfg.Camera.Backend != "sim" {
		t.Errorf("defaults lost: %+v", cfg.Camera)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("camera:\n  exposure_ms: 500\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewManager(path); err == nil {
		t.Error("expected validation error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		errSub string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"exposure low", func(c *Config) { c.Camera.ExposureMS = 0 }, "exposure_ms"},
		{"exposure high", func(c *Config) { c.Camera.ExposureMS = 101 }, "exposure_ms"},
		{"timeout", func(c *Config) { c.Camera.FrameTimeoutMS = 0 }, "frame_timeout_ms"},
		{"flip", func(c *Config) { c.Camera.Flip = "sideways" }, "flip"},
		{"display", func(c *Config) { c.Display.Width = 0 }, "display size"},
		{"port", func(c *Config) { c.ServerPort = 70000 }, "server_port"},
		{"mqtt topic", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Topic = "" }, "mqtt.topic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Defaults()
			tt.modify(c)
			err := c.Validate()
			if tt.errSub == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errSub) {
				t.Errorf("error = %v, want mention of %q", err, tt.errSub)
			}
		})
	}
}

func TestSetValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := m.SetValue("camera.exposure_ms", "45"); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if err := m.SetValue("mqtt.enabled", "true"); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if err := m.SetValue("camera.exposure_ms", "abc"); err == nil {
		t.Error("expected parse error")
	}
	if err := m.SetValue("camera.exposure_ms", "0"); err == nil {
		t.Error("expected validation error")
	}
	if err := m.SetValue("nope", "1"); err == nil {
		t.Error("expected unknown key error")
	}

	reloaded, err := NewManager(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if v, _ := reloaded.Value("camera.exposure_ms"); v != "45" {
		t.Errorf("exposure = %s, want 45", v)
	}
	if v, _ := reloaded.Value("mqtt.enabled"); v != "true" {
		t.Errorf("mqtt.enabled = %s", v)
	}
}

func TestOverrideIsNotSaved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := m.Override(func(c *Config) { c.ServerPort = 9999 }); err != nil {
		t.Fatalf("Override: %v", err)
	}
	if m.GetPort() != 9999 {
		t.Errorf("port = %d", m.GetPort())
	}
	if err := m.Override(func(c *Config) { c.Camera.ExposureMS = -1 }); err == nil {
		t.Error("invalid override accepted")
	}

	reloaded, err := NewManager(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.GetPort() != 8080 {
		t.Errorf("override leaked to disk: port = %d", reloaded.GetPort())
	}
}

func TestLoopConfig(t *testing.T) {
	c := Defaults()
	c.Camera.Flip = "always"
	lc := c.LoopConfig()

	if lc.FrameTimeout != 200*time.Millisecond || lc.DisplayWidth != 640 || lc.DisplayHeight != 480 {
		t.Errorf("loop config = %+v", lc)
	}
	if !lc.Flip {
		t.Error("flip always should resolve to true")
	}
	if lc.MaxConsecutiveFailures != 50 || lc.FailureBackoff != 100*time.Millisecond || lc.MaxBackoff != 2*time.Second {
		t.Errorf("retry policy = %+v", lc)
	}
}

func TestKeysCoverYAML(t *testing.T) {
	for _, k := range Keys() {
		if _, err := (&Manager{config: Defaults()}).Value(k); err != nil {
			t.Errorf("Value(%q): %v", k, err)
		}
	}
	if len(Keys()) < 25 {
		t.Errorf("only %d keys registered", len(Keys()))
	}
}
