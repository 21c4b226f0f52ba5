// Package runtimecfg manages versioned, auditable mutation of the I/O
// point configuration: snapshots, rollback, save/load, and an optional
// file watcher for external edits.
package runtimecfg

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/andreyvit/tinyjson"

	"iocontrol-go/bus"
	"iocontrol-go/errcode"
	"iocontrol-go/types"
)

// maxSnapshots bounds the history; the oldest snapshot is dropped first.
const maxSnapshots = 50

// ChangeKind labels one configuration change record.
type ChangeKind string

const (
	ChangeAdd            ChangeKind = "add"
	ChangeRemove         ChangeKind = "remove"
	ChangeModify         ChangeKind = "modify"
	ChangeRollback       ChangeKind = "rollback"
	ChangeExternalReload ChangeKind = "external_reload"
)

// Change is one audited configuration change.
type Change struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      ChangeKind     `json:"kind"`
	PointName string         `json:"point_name"`
	Old       map[string]any `json:"old,omitempty"`
	New       map[string]any `json:"new,omitempty"`
	User      string         `json:"user"`
}

// Snapshot is a versioned deep copy of the full configuration.
type Snapshot struct {
	Timestamp time.Time
	Config    map[string]any
	Version   int
	Changes   []Change // changes since the previous snapshot
}

// ChangeCallback receives each change batch.
type ChangeCallback func(changes []Change)

// Manager owns the current configuration document and its history. All
// access is serialized under a single lock.
type Manager struct {
	log *slog.Logger

	mu        sync.Mutex
	path      string
	current   map[string]any
	history   []Snapshot
	version   int
	lastMtime time.Time
	callbacks []ChangeCallback
	conn      *bus.Connection

	watchCancel context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithBus publishes change batches on the config/change topic.
func WithBus(conn *bus.Connection) Option {
	return func(m *Manager) { m.conn = conn }
}

// WithLogger replaces the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// New starts from initial (nil means an empty document). The starting
// state is snapshot version 0, so a rollback to the pre-mutation
// configuration is always possible.
func New(initial map[string]any, opts ...Option) *Manager {
	m := &Manager{
		log:     slog.Default().With("component", "runtimecfg"),
		current: deepCopy(initial),
	}
	if m.current == nil {
		m.current = map[string]any{}
	}
	for _, o := range opts {
		o(m)
	}
	m.snapshotLocked(nil)
	return m
}

// Version returns the current monotonic configuration version.
func (m *Manager) Version() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// Current returns a deep copy of the current configuration document.
func (m *Manager) Current() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return deepCopy(m.current)
}

// OnChange registers a callback for configuration change batches.
func (m *Manager) OnChange(cb ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// History returns the most recent snapshots, newest last. limit <= 0
// returns everything retained.
func (m *Manager) History(limit int) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]Snapshot, len(h))
	copy(out, h)
	return out
}

// -----------------------------------------------------------------------------
// Mutations
// -----------------------------------------------------------------------------

// AddIoPoint appends a point to the configuration. The name must be new.
func (m *Manager) AddIoPoint(point map[string]any, user string) error {
	if err := checkPoint(point); err != nil {
		return err
	}
	name, _ := point["name"].(string)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.pointsLocked() {
		if n, _ := p["name"].(string); n == name {
			return &errcode.E{C: errcode.InvalidConfig, Op: "runtimecfg.add",
				Msg: "point already exists: " + name}
		}
	}
	m.current["io_points"] = append(m.rawPointsLocked(), deepCopy(point))

	m.commitLocked([]Change{{
		Timestamp: time.Now(),
		Kind:      ChangeAdd,
		PointName: name,
		New:       deepCopy(point),
		User:      user,
	}})
	m.log.Info("added point", "point", name, "user", user, "version", m.version)
	return nil
}

// RemoveIoPoint deletes a point by name.
func (m *Manager) RemoveIoPoint(name, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw := m.rawPointsLocked()
	for i, e := range raw {
		p, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if n, _ := p["name"].(string); n != name {
			continue
		}
		m.current["io_points"] = append(raw[:i:i], raw[i+1:]...)
		m.commitLocked([]Change{{
			Timestamp: time.Now(),
			Kind:      ChangeRemove,
			PointName: name,
			Old:       deepCopy(p),
			User:      user,
		}})
		m.log.Info("removed point", "point", name, "user", user, "version", m.version)
		return nil
	}
	return &errcode.E{C: errcode.UnknownPoint, Op: "runtimecfg.remove", Msg: name}
}

// ModifyIoPoint replaces the configuration of an existing point.
func (m *Manager) ModifyIoPoint(name string, newPoint map[string]any, user string) error {
	if err := checkPoint(newPoint); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	raw := m.rawPointsLocked()
	for i, e := range raw {
		p, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if n, _ := p["name"].(string); n != name {
			continue
		}
		old := deepCopy(p)
		raw[i] = deepCopy(newPoint)
		m.commitLocked([]Change{{
			Timestamp: time.Now(),
			Kind:      ChangeModify,
			PointName: name,
			Old:       old,
			New:       deepCopy(newPoint),
			User:      user,
		}})
		m.log.Info("modified point", "point", name, "user", user, "version", m.version)
		return nil
	}
	return &errcode.E{C: errcode.UnknownPoint, Op: "runtimecfg.modify", Msg: name}
}

// RollbackToVersion restores the configuration recorded at version v and
// bumps the version. Rolling back to the current version is a no-op on the
// point set but still bumps.
func (m *Manager) RollbackToVersion(v int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.history) - 1; i >= 0; i-- {
		snap := m.history[i]
		if snap.Version != v {
			continue
		}
		old := m.current
		m.current = deepCopy(snap.Config)
		m.commitLocked([]Change{{
			Timestamp: time.Now(),
			Kind:      ChangeRollback,
			PointName: "system",
			Old:       map[string]any{"version": m.version, "config": old},
			New:       map[string]any{"version": v, "config": deepCopy(m.current)},
			User:      "system",
		}})
		m.log.Info("rolled back", "to_version", v, "version", m.version)
		return nil
	}
	return &errcode.E{C: errcode.UnknownVersion, Op: "runtimecfg.rollback"}
}

// -----------------------------------------------------------------------------
// Persistence
// -----------------------------------------------------------------------------

// SaveConfig writes the current configuration as indented JSON. An empty
// path reuses the last load/save path.
func (m *Manager) SaveConfig(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if path == "" {
		path = m.path
	}
	if path == "" {
		return &errcode.E{C: errcode.InvalidConfig, Op: "runtimecfg.save",
			Msg: "no config path specified"}
	}
	b, err := json.MarshalIndent(m.current, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return err
	}
	m.path = path
	if st, err := os.Stat(path); err == nil {
		m.lastMtime = st.ModTime()
	}
	m.log.Info("saved configuration", "path", path)
	return nil
}

// LoadConfig replaces the current configuration from a JSON file. The
// loaded configuration becomes a new version with its own snapshot.
func (m *Manager) LoadConfig(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(path)
}

func (m *Manager) loadLocked(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	r := tinyjson.Raw(raw)
	val := r.Value()
	r.EnsureEOF()
	doc, ok := val.(map[string]any)
	if !ok {
		return &errcode.E{C: errcode.InvalidConfig, Op: "runtimecfg.load",
			Msg: "config file is not a JSON object"}
	}

	m.current = doc
	m.version++
	m.snapshotLocked(nil)
	m.path = path
	if st, err := os.Stat(path); err == nil {
		m.lastMtime = st.ModTime()
	}
	m.log.Info("loaded configuration", "path", path, "version", m.version)
	return nil
}

// -----------------------------------------------------------------------------
// File watching
// -----------------------------------------------------------------------------

// StartFileWatching polls the config file mtime once per second and
// reloads on external change, emitting an external_reload change record.
func (m *Manager) StartFileWatching(ctx context.Context) {
	m.mu.Lock()
	if m.path == "" || m.watchCancel != nil {
		m.mu.Unlock()
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	m.watchCancel = cancel
	path := m.path
	m.mu.Unlock()

	m.log.Info("watching config file", "path", path)
	go m.watchLoop(wctx)
}

// StopFileWatching cancels the watcher.
func (m *Manager) StopFileWatching() {
	m.mu.Lock()
	cancel := m.watchCancel
	m.watchCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Manager) watchLoop(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.checkFile()
		}
	}
}

func (m *Manager) checkFile() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.path == "" {
		return
	}
	st, err := os.Stat(m.path)
	if err != nil {
		return
	}
	if !st.ModTime().After(m.lastMtime) {
		return
	}
	m.log.Info("config file changed externally, reloading", "path", m.path)
	if err := m.loadLocked(m.path); err != nil {
		m.log.Error("external reload failed", "err", err)
		return
	}
	m.commitLocked([]Change{{
		Timestamp: time.Now(),
		Kind:      ChangeExternalReload,
		PointName: "system",
		User:      "external",
	}})
}

// -----------------------------------------------------------------------------
// Internals
// -----------------------------------------------------------------------------

// commitLocked bumps the version, snapshots, and fans the change batch
// out. Caller holds m.mu.
func (m *Manager) commitLocked(changes []Change) {
	m.version++
	m.snapshotLocked(changes)

	cbs := make([]ChangeCallback, len(m.callbacks))
	copy(cbs, m.callbacks)
	conn := m.conn

	// Callbacks run outside the lock would race with further mutations on
	// the shared slice only; hand them copies instead.
	batch := make([]Change, len(changes))
	copy(batch, changes)

	go func() {
		if conn != nil {
			conn.Publish(conn.NewMessage(bus.ConfigChange(), batch, false))
		}
		for _, cb := range cbs {
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.log.Error("config change callback panicked", "panic", r)
					}
				}()
				cb(batch)
			}()
		}
	}()
}

// snapshotLocked records the current configuration at the current version.
func (m *Manager) snapshotLocked(changes []Change) {
	m.history = append(m.history, Snapshot{
		Timestamp: time.Now(),
		Config:    deepCopy(m.current),
		Version:   m.version,
		Changes:   changes,
	})
	if len(m.history) > maxSnapshots {
		m.history = m.history[1:]
	}
}

func (m *Manager) rawPointsLocked() []any {
	raw, _ := m.current["io_points"].([]any)
	return raw
}

func (m *Manager) pointsLocked() []map[string]any {
	raw := m.rawPointsLocked()
	out := make([]map[string]any, 0, len(raw))
	for _, e := range raw {
		if p, ok := e.(map[string]any); ok {
			out = append(out, p)
		}
	}
	return out
}

// checkPoint enforces the structural minimum for a point document:
// required fields present and a known io_type.
func checkPoint(point map[string]any) error {
	for _, field := range []string{"name", "io_type", "hardware_ref"} {
		if _, ok := point[field]; !ok {
			return &errcode.E{C: errcode.InvalidConfig, Op: "runtimecfg.check",
				Msg: "missing required field: " + field}
		}
	}
	ioType, _ := point["io_type"].(string)
	if _, ok := types.ParseIoType(ioType); !ok {
		return &errcode.E{C: errcode.InvalidConfig, Op: "runtimecfg.check",
			Msg: "invalid io_type: " + ioType}
	}
	return nil
}

// deepCopy clones a decoded-JSON document (maps, slices, scalars).
func deepCopy[T any](v T) T {
	return deepCopyAny(any(v)).(T)
}

func deepCopyAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopyAny(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyAny(e)
		}
		return out
	default:
		return v
	}
}
