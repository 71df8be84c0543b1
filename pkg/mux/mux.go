package mux

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HttpRequestDurHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "The latency of the HTTP requests.",
	}, []string{"handler", "method", "code"})
	HttpResponseSizeHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: "http",
		Name:      "response_size_bytes",
		Help:      "The size of the HTTP responses.",
		Buckets:   prometheus.ExponentialBuckets(100, 10, 7),
	}, []string{"handler", "method", "code"})
	HttpRequestsInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "http",
		Name:      "requests_inflight",
		Help:      "The number of inflight requests being handled at the same time.",
	}, []string{"handler"})
)

func RegisterMetrics(registerer prometheus.Registerer) {
	registerer.MustRegister(HttpRequestDurHistogram)
	registerer.MustRegister(HttpResponseSizeHistogram)
	registerer.MustRegister(HttpRequestsInflight)
}

type HandlerFunc func(rw ResponseWriter, req *http.Request)

// ServeMux routes requests like http.ServeMux and logs and measures every
// request once the handler returns.
type ServeMux struct {
	mux *http.ServeMux
	log logr.Logger
}

func NewServeMux(log logr.Logger) *ServeMux {
	return &ServeMux{
		mux: http.NewServeMux(),
		log: log,
	}
}

func (s *ServeMux) Handle(pattern string, handler HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, req *http.Request) {
		rw, ok := w.(ResponseWriter)
		if !ok {
			rw = &response{ResponseWriter: w}
		}
		handler(rw, req)
	})
}

func (s *ServeMux) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	rw := &response{ResponseWriter: w}
	defer func() {
		latency := time.Since(start)
		statusCode := strconv.FormatInt(int64(rw.Status()), 10)
		if rw.handler != "" {
			HttpRequestsInflight.WithLabelValues(rw.handler).Dec()
			HttpRequestDurHistogram.WithLabelValues(rw.handler, req.Method, statusCode).Observe(latency.Seconds())
			HttpResponseSizeHistogram.WithLabelValues(rw.handler, req.Method, statusCode).Observe(float64(rw.Size()))
		}

		kvs := []any{
			"path", req.URL.Path,
			"status", rw.Status(),
			"method", req.Method,
			"latency", latency.String(),
			"ip", req.RemoteAddr,
			"handler", rw.handler,
		}
		if rw.Status() >= 200 && rw.Status() < 300 {
			s.log.Info("", kvs...)
			return
		}
		s.log.Error(rw.Error(), "", kvs...)
	}()
	if _, pattern := s.mux.Handler(req); pattern == "" {
		rw.SetHandler("not-found")
	}
	s.mux.ServeHTTP(rw, req)
}
