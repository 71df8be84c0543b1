package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"findprovs/pkg/lookup"
	"findprovs/pkg/mux"
	"findprovs/pkg/render"
)

const (
	CacheHeaderKey  = "X-Findprovs-Cache"
	LookupHeaderKey = "X-Findprovs-Lookup"
)

// Readiness reports whether the node can serve lookups.
type Readiness interface {
	Ready(ctx context.Context) (bool, error)
}

type WebConfig struct {
	Log        logr.Logger
	CacheSize  int
	CacheTTL   time.Duration
	LookupOpts []lookup.Option
}

func (cfg *WebConfig) Apply(opts ...WebOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

type WebOption func(cfg *WebConfig) error

func WithLogger(log logr.Logger) WebOption {
	return func(cfg *WebConfig) error {
		cfg.Log = log
		return nil
	}
}

// WithCache keeps up to size finished lookups for ttl. A size of zero disables the cache.
func WithCache(size int, ttl time.Duration) WebOption {
	return func(cfg *WebConfig) error {
		if size < 0 {
			return errors.New("cache size cannot be negative")
		}
		cfg.CacheSize = size
		cfg.CacheTTL = ttl
		return nil
	}
}

// WithLookupOptions are applied to every lookup started by the handler.
func WithLookupOptions(opts ...lookup.Option) WebOption {
	return func(cfg *WebConfig) error {
		cfg.LookupOpts = append(cfg.LookupOpts, opts...)
		return nil
	}
}

// ResultJSON is the last line of a lookup stream and the body of a cached answer.
type ResultJSON struct {
	Type       string            `json:"type"`
	ID         string            `json:"id"`
	Key        string            `json:"key"`
	Reason     string            `json:"reason"`
	Providers  []render.PeerJSON `json:"providers"`
	Rounds     int               `json:"rounds"`
	Queried    int               `json:"queried"`
	Failed     int               `json:"failed"`
	DurationMS int64             `json:"durationMs"`
}

func NewResultJSON(res lookup.Result) ResultJSON {
	return ResultJSON{
		Type:       "result",
		ID:         res.ID,
		Key:        res.Key.String(),
		Reason:     string(res.Reason),
		Providers:  render.ProvidersJSON(res.Providers),
		Rounds:     res.Rounds,
		Queried:    res.Queried,
		Failed:     res.Failed,
		DurationMS: res.Duration.Milliseconds(),
	}
}

// Web serves provider lookups over HTTP.
type Web struct {
	engine     *lookup.Engine
	ready      Readiness
	log        logr.Logger
	cache      *expirable.LRU[string, ResultJSON]
	lookupOpts []lookup.Option
}

// NewWeb creates the HTTP surface of engine. ready may be nil in which case the
// node is always reported as ready.
func NewWeb(engine *lookup.Engine, ready Readiness, opts ...WebOption) (*Web, error) {
	if engine == nil {
		return nil, errors.New("lookup engine is required")
	}
	cfg := WebConfig{
		Log:       logr.Discard(),
		CacheSize: 128,
		CacheTTL:  time.Minute,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	w := &Web{
		engine:     engine,
		ready:      ready,
		log:        cfg.Log,
		lookupOpts: cfg.LookupOpts,
	}
	if cfg.CacheSize > 0 {
		w.cache = expirable.NewLRU[string, ResultJSON](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	return w, nil
}

func (w *Web) Handler() http.Handler {
	m := mux.NewServeMux(w.log)
	m.Handle("GET /healthz", w.readyHandler)
	m.Handle("GET /find-providers/{cid}", w.findProvidersHandler)
	return m
}

func (w *Web) readyHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("ready")
	if w.ready == nil {
		rw.WriteHeader(http.StatusOK)
		return
	}
	ok, err := w.ready.Ready(req.Context())
	if err != nil {
		rw.WriteError(http.StatusInternalServerError, fmt.Errorf("could not determine router readiness: %w", err))
		return
	}
	if !ok {
		rw.WriteError(http.StatusServiceUnavailable, errors.New("waiting for peers"))
		return
	}
	rw.WriteHeader(http.StatusOK)
}

// findProvidersHandler streams the trace of a lookup as JSON lines followed by
// the result. The query parameter limit stops the lookup after that many
// providers and refresh=true skips the cache.
func (w *Web) findProvidersHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("find-providers")

	key, err := lookup.ParseKey(req.PathValue("cid"))
	if err != nil {
		rw.WriteError(http.StatusBadRequest, err)
		return
	}
	opts := append([]lookup.Option{}, w.lookupOpts...)
	limit := 0
	if s := req.URL.Query().Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 0 {
			rw.WriteError(http.StatusBadRequest, fmt.Errorf("invalid limit %q", s))
			return
		}
		opts = append(opts, lookup.WithDesiredProviders(limit))
	}
	cacheKey := fmt.Sprintf("%s/%d", key, limit)
	refresh := req.URL.Query().Get("refresh") == "true"

	rw.Header().Set("Content-Type", "application/x-ndjson")
	if w.cache != nil && !refresh {
		if res, ok := w.cache.Get(cacheKey); ok {
			rw.Header().Set(CacheHeaderKey, "hit")
			rw.Header().Set(LookupHeaderKey, res.ID)
			sink := render.NewJSONLines(rw, nil)
			sink.Write(res)
			if err := sink.Err(); err != nil {
				w.log.V(4).Info("client went away before cached result was written", "key", key.String(), "error", err)
			}
			return
		}
	}
	rw.Header().Set(CacheHeaderKey, "miss")

	sink := render.NewJSONLines(rw, rw.Flush)
	res, err := w.engine.Run(req.Context(), key, nil, sink, opts...)
	if err != nil {
		rw.WriteError(http.StatusBadRequest, err)
		return
	}
	out := NewResultJSON(res)
	sink.Write(out)
	if err := sink.Err(); err != nil {
		w.log.V(4).Info("client went away during lookup", "key", key.String(), "error", err)
		return
	}
	if w.cache != nil && cacheable(res.Reason) {
		w.cache.Add(cacheKey, out)
	}
}

// cacheable excludes lookups that were cut short by the client or the deadline.
func cacheable(reason lookup.CompletionReason) bool {
	switch reason {
	case lookup.ReasonCancelled, lookup.ReasonTimeout:
		return false
	default:
		return true
	}
}
