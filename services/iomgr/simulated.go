package iomgr

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"iocontrol-go/errcode"
	"iocontrol-go/types"
)

// SimulatedConfig tunes the in-memory backend. The PRNG is seeded so test
// runs with error injection are reproducible.
type SimulatedConfig struct {
	Delay     time.Duration // per-operation latency
	ErrorRate float64       // probability in [0,1] of a synthetic failure
	Seed      int64
}

// Simulated is an in-memory Backend substitute. Inputs cannot be written
// through WritePoint; tests drive them via SimulateInputChange.
type Simulated struct {
	log *slog.Logger

	mu          sync.Mutex
	cfg         SimulatedConfig
	rng         *rand.Rand
	points      map[string]types.IoPoint
	states      map[string]types.Value
	initialized bool
}

// NewSimulated seeds the backend with optional pre-set states (keyed by
// point name).
func NewSimulated(initial map[string]types.Value, cfg SimulatedConfig) *Simulated {
	states := make(map[string]types.Value, len(initial))
	for k, v := range initial {
		states[k] = v
	}
	return &Simulated{
		log:    slog.Default().With("component", "simulated"),
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		points: make(map[string]types.IoPoint),
		states: states,
	}
}

// sleep models hardware latency; it respects cancellation.
func (s *Simulated) sleep(ctx context.Context) error {
	if s.cfg.Delay <= 0 {
		return nil
	}
	t := time.NewTimer(s.cfg.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// maybeFailLocked draws against the configured error rate. Caller holds the lock.
func (s *Simulated) maybeFailLocked() error {
	if s.cfg.ErrorRate > 0 && s.rng.Float64() < s.cfg.ErrorRate {
		return errcode.Simulated
	}
	return nil
}

func (s *Simulated) Initialize(ctx context.Context, points []types.IoPoint) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	for _, p := range points {
		s.points[p.Name] = p
		if _, ok := s.states[p.Name]; !ok {
			if p.InitialState != nil {
				s.states[p.Name] = *p.InitialState
			} else {
				s.states[p.Name] = types.ZeroFor(p.IoType)
			}
		}
	}
	s.initialized = true
	n := len(points)
	s.mu.Unlock()

	if err := s.sleep(ctx); err != nil {
		return err
	}
	s.log.Info("simulated backend initialized", "points", n)
	return nil
}

func (s *Simulated) ReadAll(ctx context.Context) (map[string]types.Value, error) {
	if err := s.sleep(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil, errcode.NotInitialized
	}
	if err := s.maybeFailLocked(); err != nil {
		return nil, &errcode.E{C: errcode.Simulated, Op: "simulated.read_all", Err: err}
	}
	out := make(map[string]types.Value, len(s.points))
	for name := range s.points {
		out[name] = s.states[name]
	}
	return out, nil
}

func (s *Simulated) WritePoint(ctx context.Context, name string, value types.Value) error {
	if err := s.sleep(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errcode.NotInitialized
	}
	p, ok := s.points[name]
	if !ok {
		return errcode.UnknownPoint
	}
	if !p.IoType.Output() {
		return errcode.NotWritable
	}
	if err := s.maybeFailLocked(); err != nil {
		return &errcode.E{C: errcode.Simulated, Op: "simulated.write_point", Err: err}
	}
	s.states[name] = value
	return nil
}

func (s *Simulated) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = make(map[string]types.Value)
	s.points = make(map[string]types.IoPoint)
	s.initialized = false
	return nil
}

// SimulateInputChange latches a value onto an input point, bypassing the
// write checks. Unknown names are ignored.
func (s *Simulated) SimulateInputChange(name string, value types.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.points[name]; !ok {
		s.log.Debug("simulate_input_change for unknown point", "name", name)
		return
	}
	s.states[name] = value
}

// SetErrorRate adjusts the injected failure probability, clamped to [0,1].
func (s *Simulated) SetErrorRate(rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	s.cfg.ErrorRate = rate
}

// SetDelay adjusts the per-operation latency.
func (s *Simulated) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d < 0 {
		d = 0
	}
	s.cfg.Delay = d
}

// States returns a copy of the current simulated states.
func (s *Simulated) States() map[string]types.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]types.Value, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

// SetStates replaces the simulated states wholesale.
func (s *Simulated) SetStates(states map[string]types.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = make(map[string]types.Value, len(states))
	for k, v := range states {
		s.states[k] = v
	}
}
