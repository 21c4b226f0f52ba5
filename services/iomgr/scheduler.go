package iomgr

import (
	"context"
	"time"

	"iocontrol-go/internal/util"
	"iocontrol-go/types"
)

// yieldGrain is how often the loop re-evaluates which tier is due. A slow
// tick does not starve the other tier: the next iteration fires both when
// both intervals have elapsed.
const yieldGrain = time.Millisecond

// run is the scheduler loop. It exits only via context cancellation.
func (m *Manager) run(ctx context.Context) {
	defer m.loopWG.Done()

	var lastCritical, lastNormal time.Time
	tick := time.NewTimer(yieldGrain)
	defer tick.Stop()

	for {
		if ctx.Err() != nil {
			m.log.Info("polling loop cancelled")
			return
		}
		m.iterate(ctx, &lastCritical, &lastNormal)

		util.ResetTimer(tick, yieldGrain)
		select {
		case <-ctx.Done():
			m.log.Info("polling loop cancelled")
			return
		case <-tick.C:
		}
	}
}

// iterate runs one scheduler pass: critical tier, then normal tier, then
// the write drain. An unexpected panic is contained here and followed by a
// normal-interval backoff; the loop itself never dies.
func (m *Manager) iterate(ctx context.Context, lastCritical, lastNormal *time.Time) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("error in polling loop", "panic", r)
			sleepCtx(ctx, m.cfg.NormalInterval)
		}
	}()

	now := time.Now()
	if now.Sub(*lastCritical) >= m.cfg.CriticalInterval {
		m.pollCritical(ctx)
		*lastCritical = now
	}
	if now.Sub(*lastNormal) >= m.cfg.NormalInterval {
		m.pollAll(ctx)
		*lastNormal = now
	}
	m.drainWrites(ctx)
}

// pollCritical reads the union of backends owning critical points and
// detects changes only for names in the critical set.
func (m *Manager) pollCritical(ctx context.Context) {
	m.mu.Lock()
	if len(m.critical) == 0 {
		m.mu.Unlock()
		return
	}
	criticalNames := make(map[string]struct{}, len(m.critical))
	for name := range m.critical {
		criticalNames[name] = struct{}{}
	}
	backends := make(map[string]Backend)
	for name := range m.critical {
		p, ok := m.points[name]
		if !ok {
			continue
		}
		bname := BackendNameForRef(p.HardwareRef)
		if b, ok := m.backends[bname]; ok {
			backends[bname] = b
		}
	}
	m.mu.Unlock()

	readings := m.readBackends(ctx, backends)
	changes := m.applyReadings(readings, criticalNames)
	m.notifyChanges(ctx, changes)
}

// pollAll reads every backend in parallel and detects changes over all
// names.
func (m *Manager) pollAll(ctx context.Context) {
	m.mu.Lock()
	backends := make(map[string]Backend, len(m.backends))
	for k, v := range m.backends {
		backends[k] = v
	}
	m.mu.Unlock()
	if len(backends) == 0 {
		return
	}

	readings := m.readBackends(ctx, backends)
	changes := m.applyReadings(readings, nil)
	m.notifyChanges(ctx, changes)
}

// applyReadings folds a merged reading set into the state cache and
// returns the resulting change events. A nil filter means every name.
// Names with a pending (not yet drained) write are skipped so the poll
// cannot re-emit or revert a transition the write path already latched.
func (m *Manager) applyReadings(readings map[string]types.Value, filter map[string]struct{}) []types.StateChange {
	m.batchMu.Lock()
	pendingNames := make(map[string]struct{}, len(m.pending))
	for name := range m.pending {
		pendingNames[name] = struct{}{}
	}
	m.batchMu.Unlock()

	m.mu.Lock()
	refs := make(map[string]string, len(m.points))
	for name, p := range m.points {
		refs[name] = p.HardwareRef
	}
	m.mu.Unlock()

	var changes []types.StateChange
	m.stateMu.Lock()
	for name, newV := range readings {
		if filter != nil {
			if _, ok := filter[name]; !ok {
				continue
			}
		}
		ref, ok := refs[name]
		if !ok {
			continue
		}
		if _, ok := pendingNames[name]; ok {
			continue
		}
		old := m.states[name]
		if old.Equal(newV) {
			continue
		}
		m.states[name] = newV
		changes = append(changes, types.NewStateChange(name, old, newV, ref))
	}
	m.stateMu.Unlock()
	return changes
}

// drainWrites flushes the pending-write map, grouped by backend. Failures
// are logged and counted; the drain continues with the remaining entries.
func (m *Manager) drainWrites(ctx context.Context) {
	m.batchMu.Lock()
	if len(m.pending) == 0 {
		m.batchMu.Unlock()
		return
	}
	writes := m.pending
	m.pending = make(map[string]types.Value)
	m.batchMu.Unlock()

	m.mu.Lock()
	type target struct {
		backend Backend
		value   types.Value
	}
	grouped := make(map[string]map[string]target)
	for name, v := range writes {
		p, ok := m.points[name]
		if !ok {
			continue
		}
		bname := BackendNameForRef(p.HardwareRef)
		b, ok := m.backends[bname]
		if !ok {
			continue
		}
		if grouped[bname] == nil {
			grouped[bname] = make(map[string]target)
		}
		grouped[bname][name] = target{backend: b, value: v}
	}
	m.mu.Unlock()

	for bname, entries := range grouped {
		for name, t := range entries {
			if err := t.backend.WritePoint(ctx, name, t.value); err != nil {
				m.metrics.Record(bname, OpWrite, 0, true)
				m.log.Error("pending write failed",
					"backend", bname, "point", name, "err", err)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
