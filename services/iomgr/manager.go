// Package iomgr is the asynchronous I/O control engine: it owns the point
// registry and state cache, drives dual-tier polling over the configured
// backends, batches writes, and fans change events out to listeners.
package iomgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"iocontrol-go/bus"
	"iocontrol-go/errcode"
	"iocontrol-go/internal/util"
	"iocontrol-go/types"
	"iocontrol-go/validate"
)

type lifecycle uint8

const (
	stateCreated lifecycle = iota
	stateConfigured
	stateRunning
	stateStopped
)

func (s lifecycle) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateConfigured:
		return "configured"
	case stateRunning:
		return "running"
	default:
		return "stopped"
	}
}

// Manager is the I/O manager. It exclusively owns the point registry and
// the current-state map; backends own their hardware handles.
type Manager struct {
	log     *slog.Logger
	cfg     types.PollingConfig
	gate    bool // run the validator before accepting a configuration
	conn    *bus.Connection
	metrics *Monitor

	mu        sync.Mutex // registry, backends, listeners, lifecycle
	state     lifecycle
	backends  map[string]Backend
	points    map[string]types.IoPoint
	critical  map[string]struct{}
	listeners []listener

	stateMu sync.Mutex // current point values
	states  map[string]types.Value

	batchMu sync.Mutex // pending writes, last-write-wins per name
	pending map[string]types.Value

	notifyQ    chan notifyJob
	notifyStop chan struct{}
	notifyOnce sync.Once

	cancel context.CancelFunc
	loopWG sync.WaitGroup
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithPollingConfig overrides the scheduler cadences. The write drain
// flushes every pending write on each tick and does not read BatchSize or
// BatchTimeout.
func WithPollingConfig(cfg types.PollingConfig) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithValidation makes the validator gate every configuration: a document
// with error-level issues is rejected before any state changes.
func WithValidation() Option {
	return func(m *Manager) { m.gate = true }
}

// WithBus publishes point values, change events, and lifecycle state on an
// external bus connection instead of a private one.
func WithBus(conn *bus.Connection) Option {
	return func(m *Manager) { m.conn = conn }
}

// WithLogger replaces the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// New creates an unconfigured Manager. Tests may create many in parallel;
// there is no global state.
func New(opts ...Option) *Manager {
	m := &Manager{
		log:      slog.Default().With("component", "iomgr"),
		cfg:      types.DefaultPollingConfig(),
		metrics:  NewMonitor(),
		backends: make(map[string]Backend),
		points:   make(map[string]types.IoPoint),
		critical: make(map[string]struct{}),
		states:   make(map[string]types.Value),
		pending:    make(map[string]types.Value),
		notifyQ:    make(chan notifyJob, 64),
		notifyStop: make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.conn == nil {
		m.conn = bus.New(0).NewConnection("iomgr")
	}
	go m.notifyWorker()
	return m
}

// Metrics exposes the per-backend operation counters.
func (m *Manager) Metrics() *Monitor { return m.metrics }

// Bus exposes the connection change events are published on.
func (m *Manager) Bus() *bus.Connection { return m.conn }

// AddBackend registers a backend before configuration.
func (m *Manager) AddBackend(name string, b Backend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backends[name] = b
	m.log.Info("added backend", "backend", name)
}

// ConfigureFromMap builds the point registry from a configuration
// document, initializes every backend with its assigned points, and primes
// the state cache. A rejected configuration leaves all state unchanged.
func (m *Manager) ConfigureFromMap(ctx context.Context, doc map[string]any) error {
	if m.gate {
		issues := validate.Validate(doc)
		if !validate.IsValid(issues) {
			for _, is := range issues {
				if is.Level == validate.Error {
					m.log.Error("configuration rejected",
						"category", is.Category, "path", is.Path, "msg", is.Message)
				}
			}
			return &errcode.E{C: errcode.InvalidConfig, Op: "iomgr.configure",
				Msg: "validation failed"}
		}
	}
	points, err := PointsFromDoc(doc)
	if err != nil {
		return err
	}
	return m.Configure(ctx, points)
}

// PointsFromDoc decodes the io_points array of a configuration document.
func PointsFromDoc(doc map[string]any) ([]types.IoPoint, error) {
	raw, ok := doc["io_points"]
	if !ok {
		return nil, &errcode.E{C: errcode.InvalidConfig, Op: "iomgr.points_from_doc",
			Msg: "io_points missing"}
	}
	var points []types.IoPoint
	if err := util.DecodeJSON(raw, &points); err != nil {
		return nil, &errcode.E{C: errcode.InvalidConfig, Op: "iomgr.points_from_doc", Err: err}
	}
	for _, p := range points {
		if _, ok := types.ParseIoType(string(p.IoType)); !ok {
			return nil, &errcode.E{C: errcode.InvalidConfig, Op: "iomgr.points_from_doc",
				Msg: "unknown io_type for " + p.Name}
		}
	}
	return points, nil
}

// Configure installs a typed point set.
func (m *Manager) Configure(ctx context.Context, points []types.IoPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == stateRunning {
		return &errcode.E{C: errcode.InvalidConfig, Op: "iomgr.configure",
			Msg: "manager is running"}
	}

	// Resolve every point to a backend before touching anything.
	registry := make(map[string]types.IoPoint, len(points))
	critical := make(map[string]struct{})
	assigned := make(map[string][]types.IoPoint)
	for _, p := range points {
		bname := BackendNameForRef(p.HardwareRef)
		if bname == "" {
			return &errcode.E{C: errcode.InvalidRef, Op: "iomgr.configure", Msg: p.HardwareRef}
		}
		if _, ok := m.backends[bname]; !ok {
			return &errcode.E{C: errcode.InvalidRef, Op: "iomgr.configure",
				Msg: "no backend registered for " + p.HardwareRef}
		}
		registry[p.Name] = p
		if p.Critical {
			critical[p.Name] = struct{}{}
		}
		assigned[bname] = append(assigned[bname], p)
	}

	// Initialize backends with their assigned points, in parallel.
	var wg sync.WaitGroup
	errs := make(chan error, len(assigned))
	for bname, pts := range assigned {
		wg.Add(1)
		go func(b Backend, pts []types.IoPoint) {
			defer wg.Done()
			if err := b.Initialize(ctx, pts); err != nil {
				errs <- err
			}
		}(m.backends[bname], pts)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		return err
	}

	// Commit the registry, then prime the state cache.
	m.points = registry
	m.critical = critical
	m.initializeStates(ctx)

	m.state = stateConfigured
	m.publish(stateConfigured)
	m.log.Info("configured", "points", len(registry), "critical", len(critical))
	return nil
}

// initializeStates primes current_states by reading every backend in
// parallel. Points without a reading fall back to their initial_state,
// then to digital-false / analog-zero. Caller holds m.mu.
func (m *Manager) initializeStates(ctx context.Context) {
	readings := m.readBackends(ctx, m.backends)

	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.states = make(map[string]types.Value, len(m.points))
	for name, v := range readings {
		if _, ok := m.points[name]; ok {
			m.states[name] = v
		}
	}
	for name, p := range m.points {
		if _, ok := m.states[name]; ok {
			continue
		}
		if p.InitialState != nil {
			m.states[name] = *p.InitialState
		} else {
			m.states[name] = types.ZeroFor(p.IoType)
		}
	}
	if m.conn != nil {
		for name, v := range m.states {
			m.conn.Publish(m.conn.NewMessage(bus.PointValue(name), v, true))
		}
	}
}

// readBackends reads the given backends in parallel and merges the
// results. A failing backend is logged and skipped; the others still land.
func (m *Manager) readBackends(ctx context.Context, backends map[string]Backend) map[string]types.Value {
	type result struct {
		name     string
		readings map[string]types.Value
		err      error
		took     time.Duration
	}
	ch := make(chan result, len(backends))
	for name, b := range backends {
		go func(name string, b Backend) {
			start := time.Now()
			readings, err := b.ReadAll(ctx)
			ch <- result{name: name, readings: readings, err: err, took: time.Since(start)}
		}(name, b)
	}

	merged := make(map[string]types.Value)
	for range backends {
		r := <-ch
		m.metrics.Record(r.name, OpRead, r.took, r.err != nil)
		if r.err != nil {
			m.log.Error("backend read failed", "backend", r.name, "err", r.err)
			continue
		}
		for k, v := range r.readings {
			merged[k] = v
		}
	}
	return merged
}

// Start launches the polling scheduler. Idempotent while running.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == stateRunning {
		return nil
	}
	if m.state != stateConfigured {
		return &errcode.E{C: errcode.NotInitialized, Op: "iomgr.start",
			Msg: "manager is " + m.state.String()}
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.loopWG.Add(1)
	go m.run(loopCtx)
	m.state = stateRunning
	m.publish(stateRunning)
	m.log.Info("manager started")
	return nil
}

// Stop cancels the scheduler, waits for it to exit, then closes all
// backends in parallel. Idempotent.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.state == stateStopped {
		m.mu.Unlock()
		return nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	backends := make(map[string]Backend, len(m.backends))
	for k, v := range m.backends {
		backends[k] = v
	}
	m.state = stateStopped
	m.mu.Unlock()

	m.loopWG.Wait()

	var wg sync.WaitGroup
	for name, b := range backends {
		wg.Add(1)
		go func(name string, b Backend) {
			defer wg.Done()
			if err := b.Close(ctx); err != nil {
				m.log.Error("backend close failed", "backend", name, "err", err)
			}
		}(name, b)
	}
	wg.Wait()

	m.notifyOnce.Do(func() { close(m.notifyStop) })
	m.publish(stateStopped)
	m.log.Info("manager stopped")
	return nil
}

func (m *Manager) publish(state lifecycle) {
	if m.conn == nil {
		return
	}
	m.conn.Publish(m.conn.NewMessage(bus.ManagerState(), map[string]any{
		"state": state.String(),
		"ts":    time.Now().UnixNano(),
	}, true))
}

// -----------------------------------------------------------------------------
// Read / write API
// -----------------------------------------------------------------------------

// Read returns the cached value of a point. When no reading has been
// latched yet it falls back to the owning backend.
func (m *Manager) Read(ctx context.Context, name string) (types.Value, error) {
	start := time.Now()
	v, bname, err := m.readInner(ctx, name)
	if bname != "" {
		m.metrics.Record(bname, OpRead, time.Since(start), err != nil)
	}
	if err != nil {
		m.log.Error("read failed", "point", name, "err", err)
	}
	return v, err
}

func (m *Manager) readInner(ctx context.Context, name string) (types.Value, string, error) {
	m.mu.Lock()
	p, known := m.points[name]
	var backend Backend
	var bname string
	if known {
		bname = BackendNameForRef(p.HardwareRef)
		backend = m.backends[bname]
	}
	m.mu.Unlock()

	m.stateMu.Lock()
	if v, ok := m.states[name]; ok {
		m.stateMu.Unlock()
		return v, bname, nil
	}
	m.stateMu.Unlock()

	if !known {
		return types.Value{}, "", errcode.UnknownPoint
	}
	if backend == nil {
		return types.Value{}, bname, &errcode.E{C: errcode.InvalidRef,
			Op: "iomgr.read", Msg: "no backend for " + name}
	}

	readings, err := backend.ReadAll(ctx)
	if err != nil {
		return types.Value{}, bname, err
	}
	v, ok := readings[name]
	if !ok {
		return types.Value{}, bname, errcode.UnknownPoint
	}
	m.stateMu.Lock()
	m.states[name] = v
	m.stateMu.Unlock()
	return v, bname, nil
}

// Write queues a value for a point. The local state updates and the change
// event fires immediately; the hardware write lands on the next scheduler
// tick. Last write wins for the same name within a drain window.
func (m *Manager) Write(ctx context.Context, name string, value types.Value) error {
	start := time.Now()
	p, bname, err := m.checkWritable(name, value)
	if bname != "" {
		defer func() {
			m.metrics.Record(bname, OpWrite, time.Since(start), err != nil)
		}()
	}
	if err != nil {
		m.log.Error("write rejected", "point", name, "err", err)
		return err
	}

	m.batchMu.Lock()
	m.pending[name] = value
	m.batchMu.Unlock()

	m.latchAndNotify(ctx, p, value)
	return nil
}

// WriteSync bypasses batching for strict-latency callers: the backend
// write completes before return.
func (m *Manager) WriteSync(ctx context.Context, name string, value types.Value) error {
	start := time.Now()
	p, bname, err := m.checkWritable(name, value)
	if bname != "" {
		defer func() {
			m.metrics.Record(bname, OpWrite, time.Since(start), err != nil)
		}()
	}
	if err != nil {
		m.log.Error("write rejected", "point", name, "err", err)
		return err
	}

	m.mu.Lock()
	backend := m.backends[bname]
	m.mu.Unlock()
	if err = backend.WritePoint(ctx, name, value); err != nil {
		m.log.Error("write failed", "point", name, "err", err)
		return err
	}

	m.latchAndNotify(ctx, p, value)
	return nil
}

func (m *Manager) checkWritable(name string, value types.Value) (types.IoPoint, string, error) {
	m.mu.Lock()
	p, ok := m.points[name]
	m.mu.Unlock()
	if !ok {
		return types.IoPoint{}, "", errcode.UnknownPoint
	}
	bname := BackendNameForRef(p.HardwareRef)
	if !p.IoType.Output() {
		return p, bname, errcode.NotWritable
	}
	if !value.Compatible(p.IoType) {
		return p, bname, &errcode.E{C: errcode.NotWritable, Op: "iomgr.write",
			Msg: "value kind does not match io_type of " + name}
	}
	return p, bname, nil
}

// latchAndNotify updates the state cache and, if the value changed, emits
// exactly one change event for the transition.
func (m *Manager) latchAndNotify(ctx context.Context, p types.IoPoint, value types.Value) {
	m.stateMu.Lock()
	old := m.states[p.Name]
	changed := !old.Equal(value)
	m.states[p.Name] = value
	m.stateMu.Unlock()

	if changed {
		m.notifyChanges(ctx, []types.StateChange{
			types.NewStateChange(p.Name, old, value, p.HardwareRef),
		})
	}
}

// ReadAllStates returns a copy of the current-state map.
func (m *Manager) ReadAllStates() map[string]types.Value {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	out := make(map[string]types.Value, len(m.states))
	for k, v := range m.states {
		out[k] = v
	}
	return out
}

// Points returns a copy of the point registry.
func (m *Manager) Points() map[string]types.IoPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]types.IoPoint, len(m.points))
	for k, v := range m.points {
		out[k] = v
	}
	return out
}
