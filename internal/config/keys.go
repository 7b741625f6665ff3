package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

type field struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

func intField(p func(c *Config) *int) field {
	return field{
		get: func(c *Config) string { return strconv.Itoa(*p(c)) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("expected an integer, got %q", v)
			}
			*p(c) = n
			return nil
		},
	}
}

func boolField(p func(c *Config) *bool) field {
	return field{
		get: func(c *Config) string { return strconv.FormatBool(*p(c)) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("expected true or false, got %q", v)
			}
			*p(c) = b
			return nil
		},
	}
}

func stringField(p func(c *Config) *string) field {
	return field{
		get: func(c *Config) string { return *p(c) },
		set: func(c *Config, v string) error {
			*p(c) = v
			return nil
		},
	}
}

// fields maps dotted YAML keys to accessors
var fields = map[string]field{
	"server_port": intField(func(c *Config) *int { return &c.ServerPort }),
	"log_level":   stringField(func(c *Config) *string { return &c.LogLevel }),
	"log_pretty":  boolField(func(c *Config) *bool { return &c.LogPretty }),

	"camera.backend":                  stringField(func(c *Config) *string { return &c.Camera.Backend }),
	"camera.device_index":             intField(func(c *Config) *int { return &c.Camera.DeviceIndex }),
	"camera.exposure_ms":              intField(func(c *Config) *int { return &c.Camera.ExposureMS }),
	"camera.frame_timeout_ms":         intField(func(c *Config) *int { return &c.Camera.FrameTimeoutMS }),
	"camera.flip":                     stringField(func(c *Config) *string { return &c.Camera.Flip }),
	"camera.cycle_interval_ms":        intField(func(c *Config) *int { return &c.Camera.CycleIntervalMS }),
	"camera.max_consecutive_failures": intField(func(c *Config) *int { return &c.Camera.MaxConsecutiveFailures }),
	"camera.failure_backoff_ms":       intField(func(c *Config) *int { return &c.Camera.FailureBackoffMS }),
	"camera.max_backoff_ms":           intField(func(c *Config) *int { return &c.Camera.MaxBackoffMS }),

	"display.width":        intField(func(c *Config) *int { return &c.Display.Width }),
	"display.height":       intField(func(c *Config) *int { return &c.Display.Height }),
	"display.jpeg_quality": intField(func(c *Config) *int { return &c.Display.JPEGQuality }),
	"display.overlay":      boolField(func(c *Config) *bool { return &c.Display.Overlay }),

	"history.enabled":     boolField(func(c *Config) *bool { return &c.History.Enabled }),
	"history.path":        stringField(func(c *Config) *string { return &c.History.Path }),
	"history.max_entries": intField(func(c *Config) *int { return &c.History.MaxEntries }),

	"mqtt.enabled":   boolField(func(c *Config) *bool { return &c.MQTT.Enabled }),
	"mqtt.broker":    stringField(func(c *Config) *string { return &c.MQTT.Broker }),
	"mqtt.topic":     stringField(func(c *Config) *string { return &c.MQTT.Topic }),
	"mqtt.client_id": stringField(func(c *Config) *string { return &c.MQTT.ClientID }),

	"sim.width":         intField(func(c *Config) *int { return &c.Sim.Width }),
	"sim.height":        intField(func(c *Config) *int { return &c.Sim.Height }),
	"sim.mono":          boolField(func(c *Config) *bool { return &c.Sim.Mono }),
	"sim.devices":       intField(func(c *Config) *int { return &c.Sim.Devices }),
	"sim.payload":       stringField(func(c *Config) *string { return &c.Sim.Payload }),
	"sim.timeout_every": intField(func(c *Config) *int { return &c.Sim.TimeoutEvery }),
	"sim.fps":           intField(func(c *Config) *int { return &c.Sim.FPS }),
	"sim.bottom_up":     boolField(func(c *Config) *bool { return &c.Sim.BottomUp }),
	"sim.frame_width":   intField(func(c *Config) *int { return &c.Sim.FrameWidth }),
	"sim.frame_height":  intField(func(c *Config) *int { return &c.Sim.FrameHeight }),
}

// Keys returns every settable key, sorted
func Keys() []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Value returns the value of a dotted key
func (m *Manager) Value(key string) (string, error) {
	f, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("unknown config key %q", key)
	}
	return f.get(m.Get()), nil
}

// SetValue parses value into the dotted key, validates and saves
func (m *Manager) SetValue(key, value string) error {
	f, ok := fields[key]
	if !ok {
		return fmt.Errorf("unknown config key %q", key)
	}
	cfg := m.Get()
	if err := f.set(cfg, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return m.Update(cfg)
}
