package httpapi

import (
	"io"
	"net/http"

	"github.com/jkaninda/turnstile/internal/runner"
)

const contentTypeHTML = "text/html; charset=utf-8"

// request adapts one HTTP exchange to runner.Request.
type request struct {
	w      http.ResponseWriter
	r      *http.Request
	file   string
	output io.Writer
}

func newRequest(w http.ResponseWriter, r *http.Request, file string) *request {
	return &request{w: w, r: r, file: file, output: io.Discard}
}

// Path is the resolved file on disk, not the URL path.
func (q *request) Path() string { return q.file }

func (q *request) Method() string { return q.r.Method }

// Param returns a query or form value.
func (q *request) Param(name string) string { return q.r.FormValue(name) }

func (q *request) Header(name string) string { return q.r.Header.Get(name) }

func (q *request) Output() io.Writer { return q.output }

func (q *request) SetOutput(w io.Writer) { q.output = w }

func (q *request) Write(text string) error {
	if q.w.Header().Get("Content-Type") == "" {
		q.w.Header().Set("Content-Type", contentTypeHTML)
	}
	_, err := io.WriteString(q.w, text)
	return err
}

var _ runner.Request = (*request)(nil)
