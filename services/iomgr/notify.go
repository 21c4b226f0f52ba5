package iomgr

import (
	"context"

	"iocontrol-go/bus"
	"iocontrol-go/types"
)

// ChangeFunc is a plain callback. It is invoked on the notifier worker so
// a slow consumer stays off the scheduler's critical path; when the
// worker's queue is full, the callback runs inline on the emitting path.
type ChangeFunc func(changes []types.StateChange)

// CoopFunc is a cooperative callback, awaited in registration order.
type CoopFunc func(ctx context.Context, changes []types.StateChange) error

// listener is the sum of the two callback shapes; exactly one field is set.
type listener struct {
	fn   ChangeFunc
	coop CoopFunc
}

type notifyJob struct {
	fn      ChangeFunc
	changes []types.StateChange
}

// OnChange registers a plain callback for state-change batches.
func (m *Manager) OnChange(fn ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener{fn: fn})
}

// OnChangeCoop registers a cooperative callback. Cooperative callbacks are
// awaited, in registration order, before the emitting operation returns to
// the scheduler.
func (m *Manager) OnChangeCoop(fn CoopFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener{coop: fn})
}

// notifyWorker drains queued plain-callback invocations until Stop.
func (m *Manager) notifyWorker() {
	for {
		select {
		case job := <-m.notifyQ:
			m.invoke(func() { job.fn(job.changes) })
		case <-m.notifyStop:
			return
		}
	}
}

// invoke isolates a callback: a panic is logged and does not disturb other
// callbacks or the scheduler.
func (m *Manager) invoke(f func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("change callback panicked", "panic", r)
		}
	}()
	f()
}

// notifyChanges fans a change batch out to the bus and every listener.
// Events within the batch are in emission order.
func (m *Manager) notifyChanges(ctx context.Context, changes []types.StateChange) {
	if len(changes) == 0 {
		return
	}

	// Bus: retained latest value per point, plus the change event itself.
	if m.conn != nil {
		for _, c := range changes {
			m.conn.Publish(m.conn.NewMessage(bus.PointValue(c.PointName), c.NewValue, true))
			m.conn.Publish(m.conn.NewMessage(bus.PointChange(c.PointName), c, false))
		}
	}

	m.mu.Lock()
	listeners := make([]listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		switch {
		case l.coop != nil:
			m.invoke(func() {
				if err := l.coop(ctx, changes); err != nil {
					m.log.Error("change callback failed", "err", err)
				}
			})
		case l.fn != nil:
			select {
			case m.notifyQ <- notifyJob{fn: l.fn, changes: changes}:
			default:
				// Queue full: run inline rather than drop the batch.
				m.invoke(func() { l.fn(changes) })
			}
		}
	}
}
