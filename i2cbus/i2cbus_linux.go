//go:build linux

package i2cbus

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
)

// i2cdev driver ioctl control codes and flags, from /usr/include/linux/i2c.h
// and i2c-dev.h.
const (
	i2cSlave = 0x0703
	i2cFuncs = 0x0705
	i2cRdwr  = 0x0707

	i2cFlagRD      = 0x0001
	i2cFunc10Bit   = 0x00000002
	i2cMaxRdwrMsgs = 2
)

type i2cMsg struct {
	addr   uint16
	flags  uint16
	length uint16
	buf    uintptr
}

type i2cRdwrData struct {
	msgs  uintptr
	nmsgs uint32
}

// HostBus is a drivers.I2C over a Linux /dev/i2c-N character device.
// Serialization is still the Bus worker's job; the mutex here only guards
// the fd against concurrent direct use.
type HostBus struct {
	mu     sync.Mutex
	fd     int
	number int
	fn     uint64
}

// OpenHost opens /dev/i2c-<number>.
func OpenHost(number int) (*HostBus, error) {
	fd, err := syscall.Open(fmt.Sprintf("/dev/i2c-%d", number), syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("i2cbus: open /dev/i2c-%d: %w", number, err)
	}
	h := &HostBus{fd: fd, number: number}
	if err := ioctl.Ioctl(uintptr(fd), i2cFuncs, uintptr(unsafe.Pointer(&h.fn))); err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("i2cbus: query functionality: %w", err)
	}
	return h, nil
}

// Tx executes one combined write/read transaction via I2C_RDWR.
func (h *HostBus) Tx(addr uint16, w, r []byte) error {
	if addr >= 0x80 && h.fn&i2cFunc10Bit == 0 {
		return fmt.Errorf("i2cbus: 10-bit address 0x%x unsupported on /dev/i2c-%d", addr, h.number)
	}
	if len(w) == 0 && len(r) == 0 {
		return nil
	}

	var buf [i2cMaxRdwrMsgs]i2cMsg
	msgs := buf[:0]
	if len(w) != 0 {
		msgs = buf[:1]
		buf[0].addr = addr
		buf[0].length = uint16(len(w))
		buf[0].buf = uintptr(unsafe.Pointer(&w[0]))
	}
	if len(r) != 0 {
		l := len(msgs)
		msgs = msgs[:l+1]
		buf[l].addr = addr
		buf[l].flags = i2cFlagRD
		buf[l].length = uint16(len(r))
		buf[l].buf = uintptr(unsafe.Pointer(&r[0]))
	}
	p := i2cRdwrData{
		msgs:  uintptr(unsafe.Pointer(&msgs[0])),
		nmsgs: uint32(len(msgs)),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := ioctl.Ioctl(uintptr(h.fd), i2cRdwr, uintptr(unsafe.Pointer(&p))); err != nil {
		return fmt.Errorf("i2cbus: rdwr addr 0x%x: %w", addr, err)
	}
	return nil
}

// Close releases the device file.
func (h *HostBus) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fd < 0 {
		return nil
	}
	fd := h.fd
	h.fd = -1
	return syscall.Close(fd)
}
