// Package i2cbus provides single-owner, serialized access to an I²C bus.
// All hardware calls execute on one dedicated worker goroutine per bus, so
// blocking driver calls never stall the callers and operations against the
// underlying bus are strictly ordered.
package i2cbus

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"tinygo.org/x/drivers"

	"iocontrol-go/errcode"
)

const defaultBatchSize = 16

// request is one unit of work executed on the bus worker.
type request struct {
	fn   func() error
	done chan error
}

// Bus owns a raw drivers.I2C handle and serializes every transaction
// through a single worker goroutine.
type Bus struct {
	name string
	raw  drivers.I2C
	log  *slog.Logger

	reqQ chan request

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

// New wraps raw in a serialized worker. name is used for logging only.
func New(name string, raw drivers.I2C) *Bus {
	b := &Bus{
		name:    name,
		raw:     raw,
		log:     slog.Default().With("component", "i2cbus", "bus", name),
		reqQ:    make(chan request, 16),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go b.worker()
	return b
}

func (b *Bus) worker() {
	defer close(b.done)
	for {
		select {
		case <-b.closing:
			// Drain whatever was queued before Close so in-flight
			// transactions complete rather than abort mid-bus.
			for {
				select {
				case req := <-b.reqQ:
					req.done <- req.fn()
				default:
					return
				}
			}
		case req := <-b.reqQ:
			req.done <- req.fn()
		}
	}
}

// do schedules fn on the worker and waits for it. The context bounds the
// wait for a worker slot and the result, not the transaction itself:
// an accepted transaction always runs to completion.
func (b *Bus) do(ctx context.Context, fn func() error) error {
	select {
	case <-b.closing:
		return errcode.Closed
	default:
	}
	req := request{fn: fn, done: make(chan error, 1)}
	select {
	case <-b.closing:
		return errcode.Closed
	case <-ctx.Done():
		return ctx.Err()
	case b.reqQ <- req:
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		// Worker exited; report the result if it ran this request.
		select {
		case err := <-req.done:
			return err
		default:
			return errcode.Closed
		}
	}
}

// Tx runs one raw transaction on the worker. Implements drivers.I2C, so a
// Bus can stand anywhere a raw bus is expected while keeping serialization.
func (b *Bus) Tx(addr uint16, w, r []byte) error {
	return b.do(context.Background(), func() error { return b.raw.Tx(addr, w, r) })
}

// Close joins the worker after draining queued operations and releases the
// underlying handle if it is closeable. Safe to call more than once.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() { close(b.closing) })
	<-b.done
	if c, ok := b.raw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// -----------------------------------------------------------------------------
// Device
// -----------------------------------------------------------------------------

// regWrite is one queued batched register write.
type regWrite struct {
	reg byte
	val byte
}

// Device binds a Bus to a 7-bit slave address and exposes register-level
// byte and block operations, plus an optional write batch.
type Device struct {
	bus  *Bus
	addr uint16

	batchMu   sync.Mutex
	pending   []regWrite
	batchSize int

	// OnBatchError is invoked for each failed batched write; the drain
	// continues with the remaining independent writes. Nil means log only.
	OnBatchError func(reg, val byte, err error)
}

// NewDevice binds addr on bus. batchSize <= 0 selects the default (16).
func NewDevice(bus *Bus, addr uint16, batchSize int) *Device {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Device{bus: bus, addr: addr, batchSize: batchSize}
}

func (d *Device) Addr() uint16 { return d.addr }

// WriteByte writes one byte to a register.
func (d *Device) WriteByte(ctx context.Context, reg, val byte) error {
	return d.bus.do(ctx, func() error {
		return d.bus.raw.Tx(d.addr, []byte{reg, val}, nil)
	})
}

// ReadByte reads one byte from a register.
func (d *Device) ReadByte(ctx context.Context, reg byte) (byte, error) {
	var r [1]byte
	err := d.bus.do(ctx, func() error {
		return d.bus.raw.Tx(d.addr, []byte{reg}, r[:])
	})
	return r[0], err
}

// WriteBlock writes vals to consecutive registers starting at reg.
func (d *Device) WriteBlock(ctx context.Context, reg byte, vals []byte) error {
	w := make([]byte, 1+len(vals))
	w[0] = reg
	copy(w[1:], vals)
	return d.bus.do(ctx, func() error {
		return d.bus.raw.Tx(d.addr, w, nil)
	})
}

// ReadBlock reads n bytes from consecutive registers starting at reg.
func (d *Device) ReadBlock(ctx context.Context, reg byte, n int) ([]byte, error) {
	r := make([]byte, n)
	err := d.bus.do(ctx, func() error {
		return d.bus.raw.Tx(d.addr, []byte{reg}, r)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// QueueWrite enqueues a (register, value) pair. The queue drains when it
// reaches the configured batch size or on Flush, preserving enqueue order.
func (d *Device) QueueWrite(ctx context.Context, reg, val byte) error {
	d.batchMu.Lock()
	d.pending = append(d.pending, regWrite{reg: reg, val: val})
	full := len(d.pending) >= d.batchSize
	d.batchMu.Unlock()
	if full {
		return d.Flush(ctx)
	}
	return nil
}

// Flush drains the batch. A failed write is reported through OnBatchError
// and does not abort the remaining writes.
func (d *Device) Flush(ctx context.Context) error {
	d.batchMu.Lock()
	batch := d.pending
	d.pending = nil
	d.batchMu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	var first error
	for _, w := range batch {
		if err := d.WriteByte(ctx, w.reg, w.val); err != nil {
			if d.OnBatchError != nil {
				d.OnBatchError(w.reg, w.val, err)
			} else {
				d.bus.log.Error("batched write failed",
					"addr", d.addr, "reg", w.reg, "err", err)
			}
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Close flushes any pending batched writes. The Bus itself stays open for
// other devices sharing it.
func (d *Device) Close(ctx context.Context) error {
	return d.Flush(ctx)
}
