package iomgr

import (
	"context"
	"sync"
	"testing"

	"iocontrol-go/drivers/mcp23x"
	"iocontrol-go/errcode"
	"iocontrol-go/i2cbus"
	"iocontrol-go/types"
)

// wireSim emulates an expander register file shared by tests in this
// package. Kept minimal: byte writes and sequential reads.
type wireSim struct {
	mu   sync.Mutex
	regs [256]byte
}

func (w *wireSim) Tx(addr uint16, wr, rd []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case len(wr) == 2 && len(rd) == 0:
		w.regs[wr[0]] = wr[1]
	case len(wr) == 1 && len(rd) > 0:
		for i := range rd {
			rd[i] = w.regs[int(wr[0])+i]
		}
	}
	return nil
}

func (w *wireSim) set(reg, val byte) {
	w.mu.Lock()
	w.regs[reg] = val
	w.mu.Unlock()
}

func (w *wireSim) get(reg byte) byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.regs[reg]
}

func newTestMCP(t *testing.T) (*MCPBackend, *wireSim) {
	t.Helper()
	sim := &wireSim{}
	b := i2cbus.New("test", sim)
	t.Cleanup(func() { _ = b.Close() })
	chip := mcp23x.New(
		i2cbus.NewDevice(b, 0x20, 0),
		mcp23x.MCP23017,
		mcp23x.Config{Address: 0x20, InterruptPin: -1, PullUps: true, SequentialOperation: true},
	)
	return NewMCPBackend([]*mcp23x.Device{chip}), sim
}

func mcpPoints() []types.IoPoint {
	return []types.IoPoint{
		{Name: "valve", IoType: types.DigitalOutput, HardwareRef: "mcp20_0"},
		{Name: "door", IoType: types.DigitalInput, HardwareRef: "mcp20_9", PullUp: true},
	}
}

func TestParseRef(t *testing.T) {
	addr, pin, err := ParseRef("mcp20_11")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if addr != 0x20 || pin != 11 {
		t.Fatalf("parsed (0x%02x, %d)", addr, pin)
	}

	for _, bad := range []string{"sim.pin0", "mcp20", "mcpzz_1", "mcp20_x"} {
		if _, _, err := ParseRef(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestMCPBackend_InitializeConfiguresPins(t *testing.T) {
	be, sim := newTestMCP(t)
	if err := be.Initialize(context.Background(), mcpPoints()); err != nil {
		t.Fatalf("initialize error: %v", err)
	}

	// valve is pin 0 on port A: direction bit cleared for output.
	if sim.get(0x00)&0x01 != 0 {
		t.Fatal("IODIRA bit 0 should be clear for an output")
	}
	// door is pin 9 on port B: stays input with pull-up.
	if sim.get(0x01)&(1<<1) == 0 {
		t.Fatal("IODIRB bit 1 should stay set for an input")
	}
	if sim.get(0x0D)&(1<<1) == 0 {
		t.Fatal("GPPUB bit 1 should be set")
	}
}

func TestMCPBackend_ReadAllMapsNames(t *testing.T) {
	be, sim := newTestMCP(t)
	ctx := context.Background()
	if err := be.Initialize(ctx, mcpPoints()); err != nil {
		t.Fatalf("initialize error: %v", err)
	}

	sim.set(0x13, 1<<1) // GPIOB bit 1 -> pin 9 -> "door"
	all, err := be.ReadAll(ctx)
	if err != nil {
		t.Fatalf("read_all error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("read_all returned %d entries, want 2", len(all))
	}
	if got, _ := all["door"].Bool(); !got {
		t.Fatal("door should read true")
	}
	if got, _ := all["valve"].Bool(); got {
		t.Fatal("valve should read false")
	}
}

func TestMCPBackend_WritePoint(t *testing.T) {
	be, sim := newTestMCP(t)
	ctx := context.Background()
	if err := be.Initialize(ctx, mcpPoints()); err != nil {
		t.Fatalf("initialize error: %v", err)
	}

	if err := be.WritePoint(ctx, "valve", types.Digital(true)); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if sim.get(0x12)&0x01 == 0 {
		t.Fatal("GPIOA bit 0 not set on the wire")
	}

	if err := be.WritePoint(ctx, "door", types.Digital(true)); errcode.Of(err) != errcode.NotWritable {
		t.Fatalf("write to input: got %v, want not_writable", err)
	}
	if err := be.WritePoint(ctx, "ghost", types.Digital(true)); errcode.Of(err) != errcode.UnknownPoint {
		t.Fatalf("write to unknown: got %v, want unknown_point", err)
	}
	if err := be.WritePoint(ctx, "valve", types.Analog(1)); errcode.Of(err) != errcode.NotWritable {
		t.Fatalf("analog on expander: got %v, want not_writable", err)
	}
}

func TestMCPBackend_UnknownChipFailsInitialize(t *testing.T) {
	be, _ := newTestMCP(t)
	err := be.Initialize(context.Background(), []types.IoPoint{
		{Name: "x", IoType: types.DigitalOutput, HardwareRef: "mcp21_0"},
	})
	if err == nil {
		t.Fatal("expected error for unknown chip address")
	}
}

func TestMCPBackend_RequiresInitialize(t *testing.T) {
	be, _ := newTestMCP(t)
	if _, err := be.ReadAll(context.Background()); errcode.Of(err) != errcode.NotInitialized {
		t.Fatalf("got %v, want not_initialized", err)
	}
}
