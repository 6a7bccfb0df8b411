// Package sandbox evaluates request scripts in an isolated JavaScript context.
//
// Every evaluation gets a brand-new goja runtime. Before the script runs,
// every global that is not on the allow-list is deleted and the request plus
// a small set of primitives are bound in. Nothing is shared between two
// evaluations, so names defined by one script are invisible to the next.
//
// Isolation is language-level only. It keeps scripts away from ambient
// builtins such as eval or Reflect; it is not a security boundary against a
// hostile script author.
package sandbox

import (
	"context"
	"io"
	"strings"
	"time"
)

// Sandbox evaluates script source on behalf of a request.
type Sandbox interface {
	// Evaluate runs source as the top-level program named label.
	// Errors raised by the script are returned unchanged.
	Evaluate(ctx context.Context, req Request, source, label string) error
}

// Request is the request surface a script can reach through the
// `request` global.
type Request interface {
	Path() string
	Method() string
	Param(name string) string
	Header(name string) string

	// Output is the captured-output slot. Writes land in the same buffer
	// that print() writes to while the runner has the channel diverted.
	Output() io.Writer
}

// Config configures the evaluator.
type Config struct {
	Timeout          time.Duration // Zero = 30s default.
	MaxCallStackSize int           // Zero = 1024 default.
	AllowedGlobals   []string      // Extra globals kept on top of DefaultAllowedGlobals.
}

const (
	defaultTimeout          = 30 * time.Second
	defaultMaxCallStackSize = 1024
)

// DefaultAllowedGlobals lists the builtins that survive context stripping.
var DefaultAllowedGlobals = []string{
	"Object", "Function", "Array", "String", "Number", "Boolean", "Symbol",
	"Error", "TypeError", "RangeError", "SyntaxError", "ReferenceError", "EvalError", "URIError",
	"Math", "JSON", "Date", "RegExp", "Map", "Set",
	"parseInt", "parseFloat", "isNaN", "isFinite",
	"NaN", "Infinity", "undefined", "globalThis",
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	`"`, "&quot;",
	"<", "&lt;",
	">", "&gt;",
)

// EscapeHTML escapes the characters & " < and >.
func EscapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}
