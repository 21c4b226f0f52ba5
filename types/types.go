package types

import (
	"encoding/json"
	"errors"
	"time"
)

// IoType enumerates the four kinds of I/O point.
type IoType string

const (
	DigitalInput  IoType = "digital_input"
	DigitalOutput IoType = "digital_output"
	AnalogInput   IoType = "analog_input"
	AnalogOutput  IoType = "analog_output"
)

// ParseIoType returns the IoType for s, or ok=false for anything outside
// the closed set.
func ParseIoType(s string) (IoType, bool) {
	switch IoType(s) {
	case DigitalInput, DigitalOutput, AnalogInput, AnalogOutput:
		return IoType(s), true
	}
	return "", false
}

// Output reports whether points of this type accept writes.
func (t IoType) Output() bool { return t == DigitalOutput || t == AnalogOutput }

// Input reports whether points of this type are read from hardware.
func (t IoType) Input() bool { return t == DigitalInput || t == AnalogInput }

// Digital reports whether values of this type are booleans.
func (t IoType) Digital() bool { return t == DigitalInput || t == DigitalOutput }

// -----------------------------------------------------------------------------
// Value
// -----------------------------------------------------------------------------

// ValueKind tags the variant carried by a Value.
type ValueKind uint8

const (
	KindDigital ValueKind = iota
	KindAnalog
)

// Value is the tagged variant carried on every read/write path:
// Digital(bool) or Analog(float64). The zero Value is Digital(false).
type Value struct {
	kind   ValueKind
	bit    bool
	sample float64
}

func Digital(v bool) Value     { return Value{kind: KindDigital, bit: v} }
func Analog(v float64) Value   { return Value{kind: KindAnalog, sample: v} }
func (v Value) Kind() ValueKind { return v.kind }

// Bool returns the digital payload; ok=false for analog values.
func (v Value) Bool() (bool, bool) {
	if v.kind != KindDigital {
		return false, false
	}
	return v.bit, true
}

// Float returns the analog payload; ok=false for digital values.
func (v Value) Float() (float64, bool) {
	if v.kind != KindAnalog {
		return 0, false
	}
	return v.sample, true
}

// Equal compares kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	if v.kind == KindDigital {
		return v.bit == o.bit
	}
	return v.sample == o.sample
}

// ZeroFor returns the default value a freshly configured point latches when
// no backend reading is available: Digital(false) or Analog(0).
func ZeroFor(t IoType) Value {
	if t.Digital() {
		return Digital(false)
	}
	return Analog(0)
}

// Compatible reports whether v is a legal value for points of type t.
func (v Value) Compatible(t IoType) bool {
	if t.Digital() {
		return v.kind == KindDigital
	}
	return v.kind == KindAnalog
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindDigital {
		return json.Marshal(v.bit)
	}
	return json.Marshal(v.sample)
}

func (v *Value) UnmarshalJSON(b []byte) error {
	var bit bool
	if err := json.Unmarshal(b, &bit); err == nil {
		*v = Digital(bit)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*v = Analog(f)
		return nil
	}
	return errors.New("value must be a boolean or a number")
}

// FromAny converts a decoded JSON scalar (bool, float64, float32, int,
// int64, json.Number) into a Value. ok=false for anything else.
func FromAny(x any) (Value, bool) {
	switch v := x.(type) {
	case bool:
		return Digital(v), true
	case float64:
		return Analog(v), true
	case float32:
		return Analog(float64(v)), true
	case int:
		return Analog(float64(v)), true
	case int64:
		return Analog(float64(v)), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return Value{}, false
		}
		return Analog(f), true
	}
	return Value{}, false
}

func (v Value) String() string {
	if v.kind == KindDigital {
		if v.bit {
			return "true"
		}
		return "false"
	}
	b, _ := json.Marshal(v.sample)
	return string(b)
}

// -----------------------------------------------------------------------------
// IoPoint
// -----------------------------------------------------------------------------

// IoPoint is a named logical signal with fixed type and hardware routing.
type IoPoint struct {
	Name             string            `json:"name"`
	IoType           IoType            `json:"io_type"`
	HardwareRef      string            `json:"hardware_ref"`
	Critical         bool              `json:"critical,omitempty"`
	InterruptEnabled bool              `json:"interrupt_enabled,omitempty"`
	PullUp           bool              `json:"pull_up,omitempty"`
	InitialState     *Value            `json:"initial_state,omitempty"`
	Description      string            `json:"description,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
}

// StateChange is a timestamped transition event for a point. Timestamp is
// seconds since the epoch.
type StateChange struct {
	PointName   string  `json:"point_name"`
	OldValue    Value   `json:"old_value"`
	NewValue    Value   `json:"new_value"`
	Timestamp   float64 `json:"timestamp"`
	HardwareRef string  `json:"hardware_ref"`
}

// NewStateChange stamps a change with the current wall clock.
func NewStateChange(name string, old, new Value, ref string) StateChange {
	return StateChange{
		PointName:   name,
		OldValue:    old,
		NewValue:    new,
		Timestamp:   float64(time.Now().UnixNano()) / 1e9,
		HardwareRef: ref,
	}
}

// -----------------------------------------------------------------------------
// Polling configuration
// -----------------------------------------------------------------------------

// PollingConfig centralises scheduler timings and batching limits.
type PollingConfig struct {
	NormalInterval   time.Duration
	CriticalInterval time.Duration
	BatchSize        int
	BatchTimeout     time.Duration
}

// DefaultPollingConfig mirrors the stock cadences: 10ms normal, 1ms
// critical, 16-deep write batches.
func DefaultPollingConfig() PollingConfig {
	return PollingConfig{
		NormalInterval:   10 * time.Millisecond,
		CriticalInterval: time.Millisecond,
		BatchSize:        16,
		BatchTimeout:     time.Millisecond,
	}
}
