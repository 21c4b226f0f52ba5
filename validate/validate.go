// Package validate is the rule engine gating every configuration change:
// structural (schema) rules first, then per-point semantics, cross-point
// conflicts, and safety checks. A configuration is valid iff no
// error-level issue is raised; warnings and info never block.
package validate

import (
	"fmt"
	"regexp"
	"strings"
)

// Level grades an issue.
type Level string

const (
	Error   Level = "error"
	Warning Level = "warning"
	Info    Level = "info"
)

// Issue is one validation finding.
type Issue struct {
	Level      Level
	Category   string
	Message    string
	Path       string
	Suggestion string
}

// Issue categories.
const (
	CatSchema      = "schema"
	CatTypeMism    = "type_mismatch"
	CatUnnecessary = "unnecessary_field"
	CatDupName     = "duplicate_name"
	CatDupHardware = "duplicate_hardware"
	CatSafety      = "safety"
)

var nameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,63}$`)

var ioTypes = map[string]struct{}{
	"digital_input":  {},
	"digital_output": {},
	"analog_input":   {},
	"analog_output":  {},
}

// Validate runs all rules over a configuration document. Schema failures
// short-circuit the semantic, conflict, and safety passes.
func Validate(doc map[string]any) []Issue {
	issues := schema(doc)
	if len(issues) > 0 {
		return issues
	}

	points := pointsOf(doc)
	for i, p := range points {
		issues = append(issues, semantic(p, fmt.Sprintf("io_points[%d]", i))...)
	}
	issues = append(issues, conflicts(points)...)
	issues = append(issues, safety(points)...)
	return issues
}

// IsValid reports whether the issue set contains no errors.
func IsValid(issues []Issue) bool {
	for _, is := range issues {
		if is.Level == Error {
			return false
		}
	}
	return true
}

func pointsOf(doc map[string]any) []map[string]any {
	raw, _ := doc["io_points"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, e := range raw {
		if p, ok := e.(map[string]any); ok {
			out = append(out, p)
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Schema
// -----------------------------------------------------------------------------

func schema(doc map[string]any) []Issue {
	var issues []Issue
	fail := func(path, msg string) {
		issues = append(issues, Issue{
			Level:      Error,
			Category:   CatSchema,
			Message:    "Schema validation failed: " + msg,
			Path:       path,
			Suggestion: "Check configuration format against examples",
		})
	}

	raw, ok := doc["io_points"]
	if !ok {
		fail("root", "'io_points' is a required property")
		return issues
	}
	list, ok := raw.([]any)
	if !ok {
		fail("io_points", "'io_points' must be an array")
		return issues
	}

	for i, e := range list {
		path := fmt.Sprintf("io_points[%d]", i)
		p, ok := e.(map[string]any)
		if !ok {
			fail(path, "point must be an object")
			continue
		}

		name, hasName := asString(p["name"])
		if !hasName {
			fail(path, "'name' is a required property")
		} else if !nameRe.MatchString(name) {
			fail(path+".name", fmt.Sprintf("%q does not match the point name pattern", name))
		}

		ioType, hasType := asString(p["io_type"])
		if !hasType {
			fail(path, "'io_type' is a required property")
		} else if _, ok := ioTypes[ioType]; !ok {
			fail(path+".io_type", fmt.Sprintf("%q is not a valid io_type (point %q)", ioType, name))
		}

		ref, hasRef := asString(p["hardware_ref"])
		if !hasRef || ref == "" {
			fail(path, "'hardware_ref' is a required non-empty property")
		}

		for _, field := range []string{"critical", "interrupt_enabled", "pull_up"} {
			if v, present := p[field]; present {
				if _, ok := v.(bool); !ok {
					fail(path+"."+field, field+" must be a boolean")
				}
			}
		}
		if v, present := p["initial_state"]; present {
			if !isBool(v) && !isNumber(v) {
				fail(path+".initial_state", "initial_state must be a boolean or a number")
			}
		}
		if v, present := p["description"]; present {
			if _, ok := v.(string); !ok {
				fail(path+".description", "description must be a string")
			}
		}
		if v, present := p["tags"]; present {
			if _, ok := v.(map[string]any); !ok {
				fail(path+".tags", "tags must be an object")
			}
		}
	}
	return issues
}

// -----------------------------------------------------------------------------
// Per-point semantics
// -----------------------------------------------------------------------------

func semantic(p map[string]any, path string) []Issue {
	var issues []Issue

	ioType, _ := asString(p["io_type"])
	initial, hasInitial := p["initial_state"]

	if hasInitial {
		switch {
		case strings.HasPrefix(ioType, "digital"):
			if !isBool(initial) {
				issues = append(issues, Issue{
					Level:      Warning,
					Category:   CatTypeMism,
					Message:    fmt.Sprintf("Digital I/O should have boolean initial_state, got %T", initial),
					Path:       path + ".initial_state",
					Suggestion: "Use true/false for digital I/O points",
				})
			}
		case strings.HasPrefix(ioType, "analog"):
			// Booleans are rejected first: they must not pass as numbers.
			if isBool(initial) || !isNumber(initial) {
				issues = append(issues, Issue{
					Level:      Warning,
					Category:   CatTypeMism,
					Message:    fmt.Sprintf("Analog I/O should have numeric initial_state, got %T", initial),
					Path:       path + ".initial_state",
					Suggestion: "Use a number for analog I/O points",
				})
			}
		}
	}

	if strings.HasSuffix(ioType, "_input") && hasInitial {
		issues = append(issues, Issue{
			Level:      Info,
			Category:   CatUnnecessary,
			Message:    "Input points don't need initial_state (read from hardware)",
			Path:       path + ".initial_state",
			Suggestion: "Remove initial_state for input points",
		})
	}
	return issues
}

// -----------------------------------------------------------------------------
// Cross-point conflicts
// -----------------------------------------------------------------------------

func conflicts(points []map[string]any) []Issue {
	var issues []Issue

	seenNames := make(map[string]struct{})
	for i, p := range points {
		name, ok := asString(p["name"])
		if !ok {
			continue
		}
		if _, dup := seenNames[name]; dup {
			issues = append(issues, Issue{
				Level:      Error,
				Category:   CatDupName,
				Message:    fmt.Sprintf("Duplicate I/O point name %q", name),
				Path:       fmt.Sprintf("io_points[%d].name", i),
				Suggestion: "Each I/O point must have a unique name",
			})
		}
		seenNames[name] = struct{}{}
	}

	seenRefs := make(map[string]struct{})
	for i, p := range points {
		ref, ok := asString(p["hardware_ref"])
		if !ok {
			continue
		}
		if _, dup := seenRefs[ref]; dup {
			issues = append(issues, Issue{
				Level:      Error,
				Category:   CatDupHardware,
				Message:    fmt.Sprintf("Duplicate hardware_ref %q", ref),
				Path:       fmt.Sprintf("io_points[%d].hardware_ref", i),
				Suggestion: "Each I/O point must use a unique hardware pin",
			})
		}
		seenRefs[ref] = struct{}{}
	}
	return issues
}

// -----------------------------------------------------------------------------
// Safety rules
// -----------------------------------------------------------------------------

func safety(points []map[string]any) []Issue {
	var issues []Issue

	var haveEStop, haveOutputs bool
	for i, p := range points {
		name, _ := asString(p["name"])
		lower := strings.ToLower(name)
		ioType, _ := asString(p["io_type"])
		critical, _ := p["critical"].(bool)
		_, hasInitial := p["initial_state"]
		isOutput := strings.HasSuffix(ioType, "_output")

		if strings.Contains(lower, "emergency") && strings.Contains(lower, "stop") {
			haveEStop = true
			if ioType != "digital_input" {
				issues = append(issues, Issue{
					Level:      Warning,
					Category:   CatSafety,
					Message:    "Emergency stop should be digital_input",
					Path:       fmt.Sprintf("io_points[%d].io_type", i),
					Suggestion: "Emergency stops are typically digital inputs",
				})
			}
			if !critical {
				issues = append(issues, Issue{
					Level:      Warning,
					Category:   CatSafety,
					Message:    "Emergency stop should be marked as critical",
					Path:       fmt.Sprintf("io_points[%d].critical", i),
					Suggestion: "Set 'critical: true' for emergency stop points",
				})
			}
		}

		if isOutput {
			haveOutputs = true
			if critical && !hasInitial {
				issues = append(issues, Issue{
					Level:      Warning,
					Category:   CatSafety,
					Message:    "Critical output should have explicit initial_state",
					Path:       fmt.Sprintf("io_points[%d].initial_state", i),
					Suggestion: "Set safe initial state for critical outputs",
				})
			}
		}
	}

	if haveOutputs && !haveEStop {
		issues = append(issues, Issue{
			Level:      Info,
			Category:   CatSafety,
			Message:    "System has outputs but no emergency stop points",
			Path:       "io_points",
			Suggestion: "Consider adding emergency stop inputs for safety",
		})
	}
	return issues
}

// -----------------------------------------------------------------------------
// Scalar helpers (decoded-JSON shapes)
// -----------------------------------------------------------------------------

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func isBool(v any) bool {
	_, ok := v.(bool)
	return ok
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}
