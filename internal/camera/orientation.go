package camera

import (
	"fmt"
	"runtime"
	"strings"
)

// FlipMode decides whether converted frames are mirrored vertically
type FlipMode string

const (
	// FlipAuto flips on platforms whose driver delivers bottom-up buffers
	FlipAuto   FlipMode = "auto"
	FlipAlways FlipMode = "always"
	FlipNever  FlipMode = "never"
)

// ParseFlipMode validates a configured flip mode; empty means auto
func ParseFlipMode(s string) (FlipMode, error) {
	switch FlipMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", FlipAuto:
		return FlipAuto, nil
	case FlipAlways:
		return FlipAlways, nil
	case FlipNever:
		return FlipNever, nil
	default:
		return "", fmt.Errorf("unknown flip mode %q (use auto, always or never)", s)
	}
}

// PlatformInvertsRows reports whether the vendor driver on goos hands out
// frames with the row order inverted
func PlatformInvertsRows(goos string) bool {
	return goos == "windows"
}

// Resolve turns the mode into a decision for goos
func (m FlipMode) Resolve(goos string) bool {
	switch m {
	case FlipAlways:
		return true
	case FlipNever:
		return false
	default:
		return PlatformInvertsRows(goos)
	}
}

// ShouldFlip resolves the mode for the running platform
func (m FlipMode) ShouldFlip() bool {
	return m.Resolve(runtime.GOOS)
}
