package util

import (
	"testing"
	"time"
)

func TestDecodeJSON_Shapes(t *testing.T) {
	type pt struct {
		Name string `json:"name"`
		Pin  int    `json:"pin"`
	}

	var a pt
	if err := DecodeJSON([]byte(`{"name":"x","pin":3}`), &a); err != nil || a.Name != "x" || a.Pin != 3 {
		t.Fatalf("bytes: %+v err=%v", a, err)
	}

	var b pt
	if err := DecodeJSON(`{"name":"y","pin":4}`, &b); err != nil || b.Name != "y" {
		t.Fatalf("string: %+v err=%v", b, err)
	}

	var c pt
	src := map[string]any{"name": "z", "pin": 5}
	if err := DecodeJSON(src, &c); err != nil || c.Pin != 5 {
		t.Fatalf("map: %+v err=%v", c, err)
	}
}

func TestClamp(t *testing.T) {
	if got := Clamp(5, 0, 10); got != 5 {
		t.Fatalf("Clamp(5,0,10)=%d", got)
	}
	if got := Clamp(-1, 0, 10); got != 0 {
		t.Fatalf("Clamp(-1,0,10)=%d", got)
	}
	if got := Clamp(11.5, 0.0, 10.0); got != 10.0 {
		t.Fatalf("Clamp(11.5,0,10)=%f", got)
	}
}

func TestResetTimer_Reusable(t *testing.T) {
	tm := time.NewTimer(time.Hour)
	ResetTimer(tm, time.Millisecond)
	select {
	case <-tm.C:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire after reset")
	}
	ResetTimer(tm, time.Millisecond)
	select {
	case <-tm.C:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire after second reset")
	}
}
