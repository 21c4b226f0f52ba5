// Package mcp23x drives the MCP23017 (16-pin) and MCP23008 (8-pin) I²C
// port expanders through a serialized i2cbus device handle.
//
// Each Device keeps a cached copy of its GPIO port bytes. Reads of single
// pins are served from the cache, which is only as fresh as the last
// ReadPorts; writes go read-modify-write through the cache to the bus.
package mcp23x

import (
	"context"
	"log/slog"
	"sync"

	"iocontrol-go/errcode"
	"iocontrol-go/i2cbus"
)

// Variant selects the silicon.
type Variant uint8

const (
	MCP23017 Variant = iota // two 8-bit ports, 16 pins
	MCP23008                // one 8-bit port, 8 pins
)

// Pins returns the pin count for the variant.
func (v Variant) Pins() int {
	if v == MCP23008 {
		return 8
	}
	return 16
}

// Config contains per-chip settings applied at Init.
type Config struct {
	Address             uint16
	BusNumber           int
	InterruptPin        int // host GPIO wired to INT; <0 for none
	PolarityInversion   bool
	PullUps             bool
	SequentialOperation bool
}

// DefaultConfig mirrors the stock chip setup: pull-ups on, sequential
// block access on, no interrupt line.
var DefaultConfig = Config{
	Address:             0x20,
	BusNumber:           1,
	InterruptPin:        -1,
	PullUps:             true,
	SequentialOperation: true,
}

// Device represents a single expander chip. All register traffic is
// serialized under the chip mutex; different chips proceed in parallel.
type Device struct {
	dev     *i2cbus.Device
	variant Variant
	cfg     Config
	log     *slog.Logger

	mu          sync.Mutex
	portA       byte
	portB       byte
	initialized bool
}

// New binds a chip model to a bus device handle.
func New(dev *i2cbus.Device, variant Variant, cfg Config) *Device {
	return &Device{
		dev:     dev,
		variant: variant,
		cfg:     cfg,
		log: slog.Default().With(
			"component", "mcp23x", "addr", cfg.Address),
	}
}

func (d *Device) Variant() Variant { return d.variant }
func (d *Device) Pins() int        { return d.variant.Pins() }
func (d *Device) Address() uint16  { return d.cfg.Address }

// reg resolves a register kind for a port on this variant.
func (d *Device) reg(k regKind, p Port) (byte, error) {
	if d.variant == MCP23008 {
		if p != PortA {
			return 0, errcode.InvalidPort
		}
		return mcp08Regs[k], nil
	}
	return mcp17Regs[k][p], nil
}

// Init applies the chip configuration. Idempotent after success.
func (d *Device) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initialized {
		return nil
	}

	// All pins start as inputs.
	if err := d.writeBoth(ctx, regIODIR, 0xFF); err != nil {
		return err
	}
	if d.cfg.PullUps {
		if err := d.writeBoth(ctx, regGPPU, 0xFF); err != nil {
			return err
		}
	}
	if d.cfg.PolarityInversion {
		if err := d.writeBoth(ctx, regIPOL, 0xFF); err != nil {
			return err
		}
	}
	if d.cfg.SequentialOperation {
		if err := d.writeBoth(ctx, regIOCON, ioconSequential); err != nil {
			return err
		}
	}
	if d.cfg.InterruptPin >= 0 {
		if err := d.writeBoth(ctx, regGPINTEN, 0xFF); err != nil {
			return err
		}
		// Interrupt on change against previous value.
		if err := d.writeBoth(ctx, regINTCON, 0x00); err != nil {
			return err
		}
	}

	d.initialized = true
	d.log.Info("expander initialized", "pins", d.Pins())
	return nil
}

// writeBoth writes val to the port-A register and, on the MCP23017, the
// port-B register as well. Caller holds the chip lock.
func (d *Device) writeBoth(ctx context.Context, k regKind, val byte) error {
	ra, err := d.reg(k, PortA)
	if err != nil {
		return err
	}
	if err := d.dev.WriteByte(ctx, ra, val); err != nil {
		return &errcode.E{C: errcode.BusError, Op: "mcp23x.init", Err: err}
	}
	if d.variant == MCP23017 {
		rb, _ := d.reg(k, PortB)
		if err := d.dev.WriteByte(ctx, rb, val); err != nil {
			return &errcode.E{C: errcode.BusError, Op: "mcp23x.init", Err: err}
		}
	}
	return nil
}

// split maps a pin index to its port and bit mask.
func (d *Device) split(pin int) (Port, byte, error) {
	if pin < 0 || pin >= d.Pins() {
		return 0, 0, errcode.InvalidPin
	}
	if pin < 8 {
		return PortA, 1 << uint(pin), nil
	}
	return PortB, 1 << uint(pin%8), nil
}

// ConfigurePin sets a pin's direction and, for inputs, its pull-up. Every
// register update is a read-modify-write under the chip lock.
func (d *Device) ConfigurePin(ctx context.Context, pin int, output, pullUp bool) error {
	port, mask, err := d.split(pin)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	iodir, err := d.reg(regIODIR, port)
	if err != nil {
		return err
	}
	cur, err := d.dev.ReadByte(ctx, iodir)
	if err != nil {
		return &errcode.E{C: errcode.BusError, Op: "mcp23x.configure_pin", Err: err}
	}
	next := cur | mask // input: bit set
	if output {
		next = cur &^ mask
	}
	if err := d.dev.WriteByte(ctx, iodir, next); err != nil {
		return &errcode.E{C: errcode.BusError, Op: "mcp23x.configure_pin", Err: err}
	}

	if !output {
		gppu, err := d.reg(regGPPU, port)
		if err != nil {
			return err
		}
		cur, err := d.dev.ReadByte(ctx, gppu)
		if err != nil {
			return &errcode.E{C: errcode.BusError, Op: "mcp23x.configure_pin", Err: err}
		}
		next := cur &^ mask
		if pullUp {
			next = cur | mask
		}
		if err := d.dev.WriteByte(ctx, gppu, next); err != nil {
			return &errcode.E{C: errcode.BusError, Op: "mcp23x.configure_pin", Err: err}
		}
	}
	return nil
}

// ReadPorts refreshes the cached port state from the bus and returns it.
// In sequential mode both MCP23017 ports arrive in one block read.
func (d *Device) ReadPorts(ctx context.Context) (byte, byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	gpioA, err := d.reg(regGPIO, PortA)
	if err != nil {
		return 0, 0, err
	}

	if d.variant == MCP23017 {
		if d.cfg.SequentialOperation {
			vals, err := d.dev.ReadBlock(ctx, gpioA, 2)
			if err != nil {
				return 0, 0, &errcode.E{C: errcode.BusError, Op: "mcp23x.read_ports", Err: err}
			}
			d.portA, d.portB = vals[0], vals[1]
		} else {
			gpioB, _ := d.reg(regGPIO, PortB)
			a, err := d.dev.ReadByte(ctx, gpioA)
			if err != nil {
				return 0, 0, &errcode.E{C: errcode.BusError, Op: "mcp23x.read_ports", Err: err}
			}
			b, err := d.dev.ReadByte(ctx, gpioB)
			if err != nil {
				return 0, 0, &errcode.E{C: errcode.BusError, Op: "mcp23x.read_ports", Err: err}
			}
			d.portA, d.portB = a, b
		}
	} else {
		a, err := d.dev.ReadByte(ctx, gpioA)
		if err != nil {
			return 0, 0, &errcode.E{C: errcode.BusError, Op: "mcp23x.read_ports", Err: err}
		}
		d.portA = a
	}
	return d.portA, d.portB, nil
}

// WritePort writes a full port byte and updates the cache.
func (d *Device) WritePort(ctx context.Context, port Port, value byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writePortLocked(ctx, port, value)
}

func (d *Device) writePortLocked(ctx context.Context, port Port, value byte) error {
	gpio, err := d.reg(regGPIO, port)
	if err != nil {
		return err
	}
	if err := d.dev.WriteByte(ctx, gpio, value); err != nil {
		return &errcode.E{C: errcode.BusError, Op: "mcp23x.write_port", Err: err}
	}
	if port == PortA {
		d.portA = value
	} else {
		d.portB = value
	}
	return nil
}

// ReadPin returns the pin bit from the cached port state. No bus traffic;
// freshness is bounded by the last ReadPorts.
func (d *Device) ReadPin(pin int) (bool, error) {
	port, mask, err := d.split(pin)
	if err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	state := d.portA
	if port == PortB {
		state = d.portB
	}
	return state&mask != 0, nil
}

// WritePin read-modify-writes the cached port byte and pushes the result.
func (d *Device) WritePin(ctx context.Context, pin int, value bool) error {
	port, mask, err := d.split(pin)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := d.portA
	if port == PortB {
		cur = d.portB
	}
	next := cur &^ mask
	if value {
		next = cur | mask
	}
	return d.writePortLocked(ctx, port, next)
}

// Close flushes any batched register writes for this chip.
func (d *Device) Close(ctx context.Context) error {
	return d.dev.Close(ctx)
}
