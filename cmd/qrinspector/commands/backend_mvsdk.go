//go:build mvsdk && cgo

package commands

import _ "github.com/bryanchriswhite/QRInspector/internal/sdk/mvsdk"
