package iomgr

import (
	"context"
	"strings"

	"iocontrol-go/types"
)

// Backend is the uniform driver surface over a physical or simulated
// device. Implementations own their hardware handles exclusively.
type Backend interface {
	// Initialize associates the points this backend is responsible for
	// and prepares the hardware. One-shot; idempotent after success.
	Initialize(ctx context.Context, points []types.IoPoint) error
	// ReadAll returns the current view of every point owned by this
	// backend, keyed by point name.
	ReadAll(ctx context.Context) (map[string]types.Value, error)
	// WritePoint fails for unknown or input points.
	WritePoint(ctx context.Context, name string, value types.Value) error
	// Close releases resources; safe to call when never initialized.
	Close(ctx context.Context) error
}

// Conventional backend registry names.
const (
	BackendSimulator = "simulator"
	BackendMCP       = "mcp"
)

// BackendNameForRef routes a hardware_ref to a backend registry name by
// its leading token: "sim…" → simulator, "mcp…" → expander. Empty for
// anything else.
func BackendNameForRef(ref string) string {
	switch {
	case strings.HasPrefix(ref, "sim"):
		return BackendSimulator
	case strings.HasPrefix(ref, "mcp"):
		return BackendMCP
	}
	return ""
}
