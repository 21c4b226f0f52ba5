package iomgr

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"iocontrol-go/drivers/mcp23x"
	"iocontrol-go/errcode"
	"iocontrol-go/types"
)

// mcpSlot is a resolved hardware_ref: which chip, which pin.
type mcpSlot struct {
	chip *mcp23x.Device
	pin  int
}

// MCPBackend maps I/O points onto a set of MCP23017/MCP23008 expanders.
// Per-pin operations are packed into port-level reads and writes; each
// chip serializes under its own lock, so chips proceed in parallel.
type MCPBackend struct {
	log *slog.Logger

	mu          sync.Mutex
	chips       map[uint16]*mcp23x.Device
	points      map[string]types.IoPoint
	slots       map[string]mcpSlot
	initialized bool
}

// NewMCPBackend takes ownership of the chip set. Chips are keyed by their
// 7-bit address for hardware_ref resolution.
func NewMCPBackend(chips []*mcp23x.Device) *MCPBackend {
	m := &MCPBackend{
		log:    slog.Default().With("component", "mcp_backend"),
		chips:  make(map[uint16]*mcp23x.Device, len(chips)),
		points: make(map[string]types.IoPoint),
		slots:  make(map[string]mcpSlot),
	}
	for _, c := range chips {
		m.chips[c.Address()] = c
	}
	return m
}

// ParseRef splits "mcp<addr_hex>_<pin>" into its address and pin.
func ParseRef(ref string) (addr uint16, pin int, err error) {
	rest, ok := strings.CutPrefix(ref, "mcp")
	if !ok {
		return 0, 0, errcode.InvalidRef
	}
	addrStr, pinStr, ok := strings.Cut(rest, "_")
	if !ok {
		return 0, 0, errcode.InvalidRef
	}
	a, err := strconv.ParseUint(addrStr, 16, 7)
	if err != nil {
		return 0, 0, &errcode.E{C: errcode.InvalidRef, Op: "mcp.parse_ref", Msg: ref, Err: err}
	}
	p, err := strconv.Atoi(pinStr)
	if err != nil {
		return 0, 0, &errcode.E{C: errcode.InvalidRef, Op: "mcp.parse_ref", Msg: ref, Err: err}
	}
	return uint16(a), p, nil
}

func (m *MCPBackend) Initialize(ctx context.Context, points []types.IoPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}

	// Bring every chip up first; a chip that is not present fails the
	// whole backend and leaves it uninitialized.
	var wg sync.WaitGroup
	errs := make(chan error, len(m.chips))
	for _, chip := range m.chips {
		wg.Add(1)
		go func(c *mcp23x.Device) {
			defer wg.Done()
			if err := c.Init(ctx); err != nil {
				errs <- fmt.Errorf("chip 0x%02x: %w", c.Address(), err)
			}
		}(chip)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		return err
	}

	// Resolve and configure every assigned point.
	for _, p := range points {
		addr, pin, err := ParseRef(p.HardwareRef)
		if err != nil {
			return err
		}
		chip, ok := m.chips[addr]
		if !ok {
			return &errcode.E{C: errcode.UnknownChip, Op: "mcp.initialize", Msg: p.HardwareRef}
		}
		if pin < 0 || pin >= chip.Pins() {
			return &errcode.E{C: errcode.InvalidPin, Op: "mcp.initialize", Msg: p.HardwareRef}
		}
		if err := chip.ConfigurePin(ctx, pin, p.IoType.Output(), p.PullUp); err != nil {
			return err
		}
		m.points[p.Name] = p
		m.slots[p.Name] = mcpSlot{chip: chip, pin: pin}
	}

	// Prime the port caches so ReadPin serves real levels.
	for _, chip := range m.chips {
		if _, _, err := chip.ReadPorts(ctx); err != nil {
			return err
		}
	}

	m.initialized = true
	m.log.Info("mcp backend initialized", "chips", len(m.chips), "points", len(m.points))
	return nil
}

func (m *MCPBackend) ReadAll(ctx context.Context) (map[string]types.Value, error) {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return nil, errcode.NotInitialized
	}
	chips := make([]*mcp23x.Device, 0, len(m.chips))
	for _, c := range m.chips {
		chips = append(chips, c)
	}
	slots := make(map[string]mcpSlot, len(m.slots))
	for k, v := range m.slots {
		slots[k] = v
	}
	m.mu.Unlock()

	// Refresh all port caches in parallel, one goroutine per chip.
	var wg sync.WaitGroup
	errs := make(chan error, len(chips))
	for _, chip := range chips {
		wg.Add(1)
		go func(c *mcp23x.Device) {
			defer wg.Done()
			if _, _, err := c.ReadPorts(ctx); err != nil {
				errs <- err
			}
		}(chip)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		return nil, err
	}

	out := make(map[string]types.Value, len(slots))
	for name, slot := range slots {
		bit, err := slot.chip.ReadPin(slot.pin)
		if err != nil {
			return nil, err
		}
		out[name] = types.Digital(bit)
	}
	return out, nil
}

func (m *MCPBackend) WritePoint(ctx context.Context, name string, value types.Value) error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return errcode.NotInitialized
	}
	p, ok := m.points[name]
	if !ok {
		m.mu.Unlock()
		return errcode.UnknownPoint
	}
	slot := m.slots[name]
	m.mu.Unlock()

	if !p.IoType.Output() {
		return errcode.NotWritable
	}
	bit, ok := value.Bool()
	if !ok {
		// Expander pins are digital; analog values cannot be latched.
		return errcode.NotWritable
	}
	return slot.chip.WritePin(ctx, slot.pin, bit)
}

func (m *MCPBackend) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for _, chip := range m.chips {
		if err := chip.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	m.chips = make(map[uint16]*mcp23x.Device)
	m.points = make(map[string]types.IoPoint)
	m.slots = make(map[string]mcpSlot)
	m.initialized = false
	return first
}
