package validate

import (
	"strings"
	"testing"
)

func point(kv ...any) map[string]any {
	p := map[string]any{}
	for i := 0; i+1 < len(kv); i += 2 {
		p[kv[i].(string)] = kv[i+1]
	}
	return p
}

func doc(points ...map[string]any) map[string]any {
	list := make([]any, len(points))
	for i, p := range points {
		list[i] = p
	}
	return map[string]any{"io_points": list}
}

func hasIssue(issues []Issue, level Level, category string) bool {
	for _, is := range issues {
		if is.Level == level && is.Category == category {
			return true
		}
	}
	return false
}

func TestValidate_MinimalValid(t *testing.T) {
	issues := Validate(doc(
		point("name", "sensor_1", "io_type", "digital_input", "hardware_ref", "sim.pin1"),
	))
	if !IsValid(issues) {
		t.Fatalf("expected valid, got %+v", issues)
	}
}

func TestValidate_MissingIoPoints(t *testing.T) {
	issues := Validate(map[string]any{})
	if IsValid(issues) {
		t.Fatal("expected invalid")
	}
	if !hasIssue(issues, Error, CatSchema) {
		t.Fatalf("expected schema error, got %+v", issues)
	}
}

func TestValidate_BadNameAndType(t *testing.T) {
	issues := Validate(doc(
		point("name", "123_bad", "io_type", "invalid_type", "hardware_ref", "sim.pin0"),
	))
	if IsValid(issues) {
		t.Fatal("expected invalid")
	}

	var sawName, sawType bool
	for _, is := range issues {
		if is.Level != Error || is.Category != CatSchema {
			continue
		}
		if strings.Contains(is.Message, "123_bad") {
			sawName = true
		}
		if strings.Contains(is.Message, "invalid_type") {
			sawType = true
		}
	}
	if !sawName || !sawType {
		t.Fatalf("expected schema errors naming the point and io_type, got %+v", issues)
	}
}

func TestValidate_SchemaShortCircuits(t *testing.T) {
	// Schema failure must suppress the later passes: the duplicate name
	// below would otherwise also be reported.
	issues := Validate(doc(
		point("name", "x", "io_type", "bogus", "hardware_ref", "sim.pin0"),
		point("name", "x", "io_type", "digital_input", "hardware_ref", "sim.pin1"),
	))
	if hasIssue(issues, Error, CatDupName) {
		t.Fatalf("semantic pass ran despite schema failure: %+v", issues)
	}
}

func TestValidate_DuplicateName(t *testing.T) {
	issues := Validate(doc(
		point("name", "x", "io_type", "digital_input", "hardware_ref", "sim.pin0"),
		point("name", "x", "io_type", "digital_input", "hardware_ref", "sim.pin1"),
	))
	if IsValid(issues) || !hasIssue(issues, Error, CatDupName) {
		t.Fatalf("expected duplicate_name error, got %+v", issues)
	}
}

func TestValidate_DuplicateHardwareRef(t *testing.T) {
	issues := Validate(doc(
		point("name", "a", "io_type", "digital_input", "hardware_ref", "sim.pin0"),
		point("name", "b", "io_type", "digital_input", "hardware_ref", "sim.pin0"),
	))
	if IsValid(issues) || !hasIssue(issues, Error, CatDupHardware) {
		t.Fatalf("expected duplicate_hardware error, got %+v", issues)
	}
}

func TestValidate_InitialStateTypeMismatch(t *testing.T) {
	issues := Validate(doc(
		point("name", "d", "io_type", "digital_output", "hardware_ref", "sim.pin0",
			"initial_state", 1.5),
	))
	if !hasIssue(issues, Warning, CatTypeMism) {
		t.Fatalf("expected type_mismatch warning for digital point, got %+v", issues)
	}
	if !IsValid(issues) {
		t.Fatal("warnings must not invalidate the configuration")
	}
}

func TestValidate_AnalogRejectsBoolean(t *testing.T) {
	// A boolean must not slip through the numeric check for analog points.
	issues := Validate(doc(
		point("name", "a", "io_type", "analog_output", "hardware_ref", "sim.pin0",
			"initial_state", true),
	))
	if !hasIssue(issues, Warning, CatTypeMism) {
		t.Fatalf("expected type_mismatch warning for boolean on analog, got %+v", issues)
	}
}

func TestValidate_InputWithInitialStateIsInfo(t *testing.T) {
	issues := Validate(doc(
		point("name", "s", "io_type", "digital_input", "hardware_ref", "sim.pin0",
			"initial_state", false),
	))
	if !hasIssue(issues, Info, CatUnnecessary) {
		t.Fatalf("expected unnecessary_field info, got %+v", issues)
	}
	if !IsValid(issues) {
		t.Fatal("info must not invalidate the configuration")
	}
}

func TestValidate_EmergencyStopRules(t *testing.T) {
	issues := Validate(doc(
		point("name", "emergency_stop", "io_type", "digital_output",
			"hardware_ref", "sim.pin0", "critical", false, "initial_state", true),
	))
	var safetyWarnings int
	for _, is := range issues {
		if is.Level == Warning && is.Category == CatSafety {
			safetyWarnings++
		}
	}
	// Wrong io_type and not critical.
	if safetyWarnings < 2 {
		t.Fatalf("expected two safety warnings, got %+v", issues)
	}
}

func TestValidate_CriticalOutputWithoutInitialState(t *testing.T) {
	issues := Validate(doc(
		point("name", "pump", "io_type", "digital_output", "hardware_ref", "sim.pin0",
			"critical", true),
		point("name", "emergency_stop", "io_type", "digital_input",
			"hardware_ref", "sim.pin1", "critical", true),
	))
	if !hasIssue(issues, Warning, CatSafety) {
		t.Fatalf("expected safety warning for critical output, got %+v", issues)
	}
}

func TestValidate_OutputsWithoutEStopIsInfo(t *testing.T) {
	issues := Validate(doc(
		point("name", "relay_1", "io_type", "digital_output", "hardware_ref", "sim.pin0"),
	))
	if !hasIssue(issues, Info, CatSafety) {
		t.Fatalf("expected safety info about missing emergency stop, got %+v", issues)
	}
}

func TestValidate_Idempotent(t *testing.T) {
	d := doc(
		point("name", "relay_1", "io_type", "digital_output", "hardware_ref", "sim.pin0"),
		point("name", "sensor_1", "io_type", "digital_input", "hardware_ref", "sim.pin1",
			"critical", true),
	)
	first := Validate(d)
	second := Validate(d)
	if len(first) != len(second) {
		t.Fatalf("issue sets differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("issue %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestValidate_OrderIndependentErrors(t *testing.T) {
	a := point("name", "x", "io_type", "digital_input", "hardware_ref", "sim.pin0")
	b := point("name", "y", "io_type", "digital_input", "hardware_ref", "sim.pin0")

	countErrors := func(issues []Issue) map[string]int {
		out := map[string]int{}
		for _, is := range issues {
			if is.Level == Error {
				out[is.Category]++
			}
		}
		return out
	}
	e1 := countErrors(Validate(doc(a, b)))
	e2 := countErrors(Validate(doc(b, a)))
	if len(e1) != len(e2) {
		t.Fatalf("error categories differ: %v vs %v", e1, e2)
	}
	for k, v := range e1 {
		if e2[k] != v {
			t.Fatalf("error count for %s differs: %d vs %d", k, v, e2[k])
		}
	}
}
