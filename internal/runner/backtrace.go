package runner

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/dop251/goja"

	"github.com/jkaninda/turnstile/internal/sandbox"
)

// Categorized is implemented by errors that name their own diagnostic
// category.
type Categorized interface {
	Category() string
}

// Framed is implemented by errors that carry their own stack frames,
// innermost first.
type Framed interface {
	StackFrames() []string
}

// report is the intermediate form of a diagnostic.
type report struct {
	category string
	message  string
	frames   []string
}

// Backtrace renders err as an HTML-safe diagnostic report.
func Backtrace(err error, handledBy string) string {
	r := describe(err)

	var b strings.Builder
	b.WriteString("<pre>ModRuby BACKTRACE\n\n")
	b.WriteString("Handled by : " + sandbox.EscapeHTML(handledBy) + "\n")
	b.WriteString(sandbox.EscapeHTML(r.category) + ": " + sandbox.EscapeHTML(r.message) + "\n")
	b.WriteString("Stack:\n")
	for i, frame := range r.frames {
		fmt.Fprintf(&b, "%3d. %s\n", i+1, sandbox.EscapeHTML(frame))
	}
	b.WriteString("</pre>\n")
	return b.String()
}

// Category returns the diagnostic category Backtrace would print for err.
func Category(err error) string {
	return describe(err).category
}

// describe never panics: script error values may carry getters that throw.
func describe(err error) (r report) {
	defer func() {
		if p := recover(); p != nil {
			r = report{category: "RuntimeError", message: fmt.Sprint(err)}
		}
	}()

	if err == nil {
		return report{category: "RuntimeError", message: "unknown error"}
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		category := "Interrupted"
		var timeout *sandbox.TimeoutError
		if errors.As(err, &timeout) {
			category = "Timeout"
		}
		return report{
			category: category,
			message:  fmt.Sprint(interrupted.Value()),
			frames:   gojaFrames(interrupted.Stack()),
		}
	}

	var overflow *goja.StackOverflowError
	if errors.As(err, &overflow) {
		return report{
			category: "StackOverflow",
			message:  "maximum call stack size exceeded",
			frames:   gojaFrames(overflow.Stack()),
		}
	}

	var ex *goja.Exception
	if errors.As(err, &ex) {
		return describeException(ex)
	}

	var syntaxErr *goja.CompilerSyntaxError
	if errors.As(err, &syntaxErr) {
		if syntaxErr.File != nil {
			return report{
				category: "SyntaxError",
				message:  syntaxErr.Message,
				frames:   []string{syntaxErr.File.Position(syntaxErr.Offset).String()},
			}
		}
		return syntaxReport(syntaxErr.Message)
	}

	var refErr *goja.CompilerReferenceError
	if errors.As(err, &refErr) {
		return report{category: "ReferenceError", message: refErr.Message}
	}

	r = report{category: "RuntimeError", message: err.Error()}
	var categorized Categorized
	if errors.As(err, &categorized) {
		r.category = categorized.Category()
	} else if name := typeName(err); name != "" {
		r.category = name
	}
	var framed Framed
	if errors.As(err, &framed) {
		r.frames = framed.StackFrames()
	}
	return r
}

func describeException(ex *goja.Exception) report {
	r := report{category: "Error", frames: gojaFrames(ex.Stack())}

	val := ex.Value()
	obj, ok := val.(*goja.Object)
	if !ok {
		if val != nil {
			r.message = val.String()
		}
		return r
	}

	if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) && name.String() != "" {
		r.category = name.String()
	}
	if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
		r.message = msg.String()
	} else {
		r.message = obj.String()
	}

	if r.category == "SyntaxError" && len(r.frames) == 0 {
		return syntaxReport(r.message)
	}
	return r
}

// parserPosition matches the "file: Line 3:5 message" form of parse errors.
var parserPosition = regexp.MustCompile(`^(.*): Line (\d+):(\d+) (.*)$`)

// syntaxReport splits a compile error message into message and position.
// Compile errors surface as a SyntaxError object whose message repeats the
// category and carries the position either as a "file: Line l:c" prefix or
// as an " at file:l:c" suffix.
func syntaxReport(msg string) report {
	msg = strings.TrimPrefix(msg, "SyntaxError: ")
	r := report{category: "SyntaxError", message: msg}
	if m := parserPosition.FindStringSubmatch(msg); m != nil {
		r.message = m[4]
		r.frames = []string{m[1] + ":" + m[2] + ":" + m[3]}
	} else if i := strings.LastIndex(msg, " at "); i >= 0 {
		r.message = msg[:i]
		r.frames = []string{msg[i+len(" at "):]}
	}
	return r
}

func gojaFrames(stack []goja.StackFrame) []string {
	frames := make([]string, 0, len(stack))
	for i := range stack {
		frames = append(frames, formatFrame(&stack[i]))
	}
	return frames
}

func formatFrame(f *goja.StackFrame) string {
	pos := f.Position()
	if pos.Filename == "" && pos.Line == 0 {
		return f.FuncName()
	}
	loc := fmt.Sprintf("%s:%d:%d", pos.Filename, pos.Line, pos.Column)
	if name := f.FuncName(); name != "" && name != "<anonymous>" {
		return name + " (" + loc + ")"
	}
	return loc
}

// typeName returns the first exported named type along err's unwrap chain.
func typeName(err error) string {
	for e := err; e != nil; e = errors.Unwrap(e) {
		t := reflect.TypeOf(e)
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		if name := t.Name(); name != "" && t.PkgPath() != "" && isExported(name) {
			return name
		}
	}
	return ""
}

func isExported(name string) bool {
	return name[0] >= 'A' && name[0] <= 'Z'
}
