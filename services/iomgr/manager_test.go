package iomgr

import (
	"context"
	"testing"
	"time"

	"iocontrol-go/errcode"
	"iocontrol-go/types"
)

func testDoc() map[string]any {
	return map[string]any{
		"io_points": []any{
			map[string]any{
				"name":         "relay_1",
				"io_type":      "digital_output",
				"hardware_ref": "sim.pin0",
			},
			map[string]any{
				"name":         "sensor_1",
				"io_type":      "digital_input",
				"hardware_ref": "sim.pin1",
				"critical":     true,
			},
			map[string]any{
				"name":         "emergency_stop",
				"io_type":      "digital_input",
				"hardware_ref": "sim.pin2",
				"critical":     true,
			},
		},
	}
}

func newTestManager(t *testing.T) (*Manager, *Simulated) {
	t.Helper()
	m := New(WithValidation())
	sim := NewSimulated(nil, SimulatedConfig{})
	m.AddBackend(BackendSimulator, sim)
	if err := m.ConfigureFromMap(context.Background(), testDoc()); err != nil {
		t.Fatalf("configure error: %v", err)
	}
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m, sim
}

func collectChanges(m *Manager) <-chan types.StateChange {
	ch := make(chan types.StateChange, 64)
	m.OnChange(func(changes []types.StateChange) {
		for _, c := range changes {
			ch <- c
		}
	})
	return ch
}

func recvChange(t *testing.T, ch <-chan types.StateChange, d time.Duration) (types.StateChange, bool) {
	t.Helper()
	select {
	case c := <-ch:
		return c, true
	case <-time.After(d):
		return types.StateChange{}, false
	}
}

func TestConfigure_AllPointsHaveState(t *testing.T) {
	m, _ := newTestManager(t)
	states := m.ReadAllStates()
	for _, name := range []string{"relay_1", "sensor_1", "emergency_stop"} {
		if _, ok := states[name]; !ok {
			t.Fatalf("no state for %s after configure", name)
		}
	}
}

func TestConfigure_RejectsWithoutBackend(t *testing.T) {
	m := New()
	err := m.Configure(context.Background(), []types.IoPoint{
		{Name: "x", IoType: types.DigitalInput, HardwareRef: "sim.pin0"},
	})
	if err == nil {
		t.Fatal("expected error with no backend registered")
	}
	if len(m.Points()) != 0 {
		t.Fatal("rejected configuration must leave the registry unchanged")
	}
}

func TestConfigure_ValidationGateRejects(t *testing.T) {
	m := New(WithValidation())
	m.AddBackend(BackendSimulator, NewSimulated(nil, SimulatedConfig{}))

	doc := map[string]any{
		"io_points": []any{
			map[string]any{"name": "a", "io_type": "digital_input", "hardware_ref": "sim.pin0"},
			map[string]any{"name": "b", "io_type": "digital_input", "hardware_ref": "sim.pin0"},
		},
	}
	err := m.ConfigureFromMap(context.Background(), doc)
	if errcode.Of(err) != errcode.InvalidConfig {
		t.Fatalf("expected invalid_config, got %v", err)
	}
	if len(m.Points()) != 0 {
		t.Fatal("rejected configuration must leave the registry unchanged")
	}
}

func TestWriteThenRead_WithMetrics(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}

	if err := m.Write(ctx, "relay_1", types.Digital(true)); err != nil {
		t.Fatalf("write error: %v", err)
	}
	v, err := m.Read(ctx, "relay_1")
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if got, _ := v.Bool(); !got {
		t.Fatalf("read = %v, want true", v)
	}

	bm, ok := m.Metrics().Backend(BackendSimulator)
	if !ok {
		t.Fatal("no metrics for simulator backend")
	}
	if bm.Write.Count < 1 {
		t.Fatalf("write count = %d, want >= 1", bm.Write.Count)
	}
}

func TestWrite_RejectsInputsAndUnknown(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Write(ctx, "sensor_1", types.Digital(true)); errcode.Of(err) != errcode.NotWritable {
		t.Fatalf("write to input: got %v, want not_writable", err)
	}
	if err := m.Write(ctx, "nope", types.Digital(true)); errcode.Of(err) != errcode.UnknownPoint {
		t.Fatalf("write to unknown: got %v, want unknown_point", err)
	}
	if err := m.Write(ctx, "relay_1", types.Analog(3.3)); errcode.Of(err) != errcode.NotWritable {
		t.Fatalf("analog value on digital point: got %v, want not_writable", err)
	}
}

func TestSimulatedInputChange_EmitsExactlyOnce(t *testing.T) {
	m, sim := newTestManager(t)
	ctx := context.Background()
	changes := collectChanges(m)
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}

	sim.SimulateInputChange("sensor_1", types.Digital(true))

	// The timeout is far above 2x the normal interval (20 ms) to leave room
	// for scheduling slack on a loaded machine.
	c, ok := recvChange(t, changes, 500*time.Millisecond)
	if !ok {
		t.Fatal("expected a change event")
	}
	if c.PointName != "sensor_1" {
		t.Fatalf("change for %s, want sensor_1", c.PointName)
	}
	if old, _ := c.OldValue.Bool(); old {
		t.Fatal("old value should be false")
	}
	if now, _ := c.NewValue.Bool(); !now {
		t.Fatal("new value should be true")
	}
	if c.HardwareRef != "sim.pin1" {
		t.Fatalf("hardware_ref = %s", c.HardwareRef)
	}

	// The same transition must not be re-emitted by later polls.
	if extra, ok := recvChange(t, changes, 50*time.Millisecond); ok {
		t.Fatalf("unexpected second event: %+v", extra)
	}
}

func TestWrite_EmitsOnceAndPollsStayQuiet(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	changes := collectChanges(m)
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}

	if err := m.Write(ctx, "relay_1", types.Digital(true)); err != nil {
		t.Fatalf("write error: %v", err)
	}

	c, ok := recvChange(t, changes, 200*time.Millisecond)
	if !ok {
		t.Fatal("expected the write to emit a change")
	}
	if c.PointName != "relay_1" {
		t.Fatalf("change for %s, want relay_1", c.PointName)
	}

	// Polls observe the latched value; no echo of the old->new transition.
	if extra, ok := recvChange(t, changes, 60*time.Millisecond); ok {
		t.Fatalf("poll re-emitted a write transition: %+v", extra)
	}

	// An identical write is not a change.
	if err := m.Write(ctx, "relay_1", types.Digital(true)); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if extra, ok := recvChange(t, changes, 30*time.Millisecond); ok {
		t.Fatalf("no-op write emitted: %+v", extra)
	}
}

func TestWriteSync_LandsImmediately(t *testing.T) {
	m, sim := newTestManager(t)
	ctx := context.Background()

	if err := m.WriteSync(ctx, "relay_1", types.Digital(true)); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if got, _ := sim.States()["relay_1"].Bool(); !got {
		t.Fatal("backend state not updated by synchronous write")
	}
}

func TestChangeTimestamps_MonotonicPerPoint(t *testing.T) {
	m, sim := newTestManager(t)
	ctx := context.Background()
	changes := collectChanges(m)
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}

	var last float64
	for i := 0; i < 3; i++ {
		sim.SimulateInputChange("sensor_1", types.Digital(i%2 == 0))
		c, ok := recvChange(t, changes, 500*time.Millisecond)
		if !ok {
			t.Fatalf("missing change %d", i)
		}
		if old, _ := c.OldValue.Bool(); old == (i%2 == 0) {
			t.Fatalf("change %d: old == new", i)
		}
		if c.Timestamp < last {
			t.Fatalf("timestamps went backwards: %f < %f", c.Timestamp, last)
		}
		last = c.Timestamp
	}
}

func TestCoopCallback_FailureDoesNotBlockOthers(t *testing.T) {
	m, sim := newTestManager(t)
	ctx := context.Background()

	m.OnChangeCoop(func(ctx context.Context, _ []types.StateChange) error {
		panic("listener exploded")
	})
	got := make(chan struct{}, 1)
	m.OnChange(func(_ []types.StateChange) { got <- struct{}{} })

	if err := m.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}
	sim.SimulateInputChange("sensor_1", types.Digital(true))

	select {
	case <-got:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("second callback never ran")
	}
}

func TestBackendFailure_DoesNotKillScheduler(t *testing.T) {
	m, sim := newTestManager(t)
	ctx := context.Background()
	changes := collectChanges(m)
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}

	sim.SetErrorRate(1.0)
	time.Sleep(30 * time.Millisecond)
	sim.SetErrorRate(0)

	sim.SimulateInputChange("sensor_1", types.Digital(true))
	if _, ok := recvChange(t, changes, 500*time.Millisecond); !ok {
		t.Fatal("scheduler did not recover after backend errors")
	}
}

func TestLifecycle(t *testing.T) {
	m := New()
	ctx := context.Background()

	if err := m.Start(ctx); err == nil {
		t.Fatal("start before configure must fail")
	}

	sim := NewSimulated(nil, SimulatedConfig{})
	m.AddBackend(BackendSimulator, sim)
	if err := m.Configure(ctx, []types.IoPoint{
		{Name: "relay_1", IoType: types.DigitalOutput, HardwareRef: "sim.pin0"},
	}); err != nil {
		t.Fatalf("configure error: %v", err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("second start must be a no-op, got %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("stop must be idempotent, got %v", err)
	}
}

func TestRead_Unknown(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Read(context.Background(), "ghost"); errcode.Of(err) != errcode.UnknownPoint {
		t.Fatalf("got %v, want unknown_point", err)
	}
}

func TestInitialState_PrimesOutputs(t *testing.T) {
	m := New()
	m.AddBackend(BackendSimulator, NewSimulated(nil, SimulatedConfig{}))
	on := types.Digital(true)
	if err := m.Configure(context.Background(), []types.IoPoint{
		{Name: "heater", IoType: types.DigitalOutput, HardwareRef: "sim.pin0", InitialState: &on},
	}); err != nil {
		t.Fatalf("configure error: %v", err)
	}
	v, err := m.Read(context.Background(), "heater")
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if got, _ := v.Bool(); !got {
		t.Fatal("initial_state not honored")
	}
}
