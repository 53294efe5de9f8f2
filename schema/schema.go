// Package schema is the validation facade described in the covenant's contract registry: it
// wraps a third-party schema-validation engine behind exactly two functions, Compile and
// Validate, so every other package programs against Schema/Issues and never imports the
// underlying engine directly.
//
// The engine underneath is github.com/santhosh-tekuri/jsonschema/v5, chosen because it
// validates already-decoded Go values (map[string]any, []any, float64, string, ...)
// directly — the shape contract.ProcedureSpec/ChannelSpec schemas need, since procedure
// inputs/outputs arrive as wire-decoded values, not Go structs with validation tags.
package schema

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema is a compiled validation schema, opaque to every caller outside this package.
type Schema struct {
	compiled *jsonschema.Schema
}

// Issue is one validation failure, rooted at Path (a JSON Pointer into the validated
// value) with a human-readable Message.
type Issue struct {
	Path    string
	Message string
}

// Issues is an ordered, non-empty list of Issue. A nil Issues means validation succeeded.
type Issues []Issue

// Summary renders the issues as a single line suitable for embedding in an error message,
// e.g. "2 issue(s): /name: expected string, got number; /age: must be >= 0".
func (issues Issues) Summary() string {
	if len(issues) == 0 {
		return "no issues"
	}
	parts := make([]string, len(issues))
	for i, issue := range issues {
		parts[i] = fmt.Sprintf("%s: %s", issue.Path, issue.Message)
	}
	return fmt.Sprintf("%d issue(s): %s", len(issues), strings.Join(parts, "; "))
}

var resourceCounter uint64

// Compile parses a JSON Schema document and returns a reusable, concurrency-safe Schema.
// raw must be valid JSON Schema (draft-07 or later, per the underlying engine's default).
func Compile(raw []byte) (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("covenant://schema/%d", atomic.AddUint64(&resourceCounter, 1))

	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("schema: add resource: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema: compile: %w", err)
	}
	return &Schema{compiled: compiled}, nil
}

// MustCompile is Compile, panicking on error — for use at declaration time (covenant
// construction, typically inside an init-time block) where a malformed schema is a
// programmer error, analogous to regexp.MustCompile.
func MustCompile(raw []byte) *Schema {
	s, err := Compile(raw)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks value against s, returning nil on success or a non-empty Issues on
// failure. value is a decoded wire value (map[string]any, []any, string, float64, bool,
// nil, or the wire.Date/wire.Set/wire.Map extension types, which validate as their
// JSON-Schema-visible shape).
func Validate(s *Schema, value any) Issues {
	if s == nil {
		return nil
	}
	err := s.compiled.Validate(value)
	if err == nil {
		return nil
	}

	valErr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return Issues{{Path: "", Message: err.Error()}}
	}

	var issues Issues
	collectCauses(valErr, &issues)
	if len(issues) == 0 {
		issues = Issues{{Path: valErr.InstanceLocation, Message: valErr.Message}}
	}
	return issues
}

func collectCauses(e *jsonschema.ValidationError, out *Issues) {
	if len(e.Causes) == 0 {
		*out = append(*out, Issue{Path: instancePath(e.InstanceLocation), Message: e.Message})
		return
	}
	for _, cause := range e.Causes {
		collectCauses(cause, out)
	}
}

// instancePath normalizes the engine's instance location into a leading-slash JSON
// Pointer, defaulting to "/" for the document root.
func instancePath(loc string) string {
	if loc == "" {
		return "/"
	}
	if strings.HasPrefix(loc, "/") {
		return loc
	}
	return "/" + loc
}
