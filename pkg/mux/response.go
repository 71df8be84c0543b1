package mux

import (
	"bufio"
	"errors"
	"net"
	"net/http"
)

// ResponseWriter records what a handler wrote so the mux can log and measure it.
type ResponseWriter interface {
	http.ResponseWriter
	http.Flusher
	// SetHandler names the handler serving the request, used as metrics label.
	SetHandler(handler string)
	// WriteError writes the status code with the error as body.
	WriteError(statusCode int, err error)
	Error() error
	Status() int
	Size() int64
}

var (
	_ ResponseWriter = &response{}
	_ http.Hijacker  = &response{}
)

type response struct {
	http.ResponseWriter
	err           error
	handler       string
	status        int
	size          int64
	writtenHeader bool
}

func (r *response) WriteHeader(statusCode int) {
	if r.writtenHeader {
		return
	}
	r.writtenHeader = true
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *response) Write(b []byte) (int, error) {
	if !r.writtenHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.size += int64(n)
	return n, err
}

func (r *response) WriteError(statusCode int, err error) {
	r.err = err
	r.Header().Set("Content-Type", "text/plain; charset=utf-8")
	r.Header().Set("X-Content-Type-Options", "nosniff")
	r.WriteHeader(statusCode)
	_, _ = r.Write([]byte(err.Error() + "\n"))
}

func (r *response) Flush() {
	if !r.writtenHeader {
		r.WriteHeader(http.StatusOK)
	}
	_ = http.NewResponseController(r.ResponseWriter).Flush()
}

func (r *response) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (r *response) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// SetHandler names the request once, which also counts it as in flight.
func (r *response) SetHandler(handler string) {
	if r.handler != "" {
		return
	}
	r.handler = handler
	HttpRequestsInflight.WithLabelValues(handler).Inc()
}

func (r *response) Error() error {
	return r.err
}

func (r *response) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *response) Size() int64 {
	return r.size
}
