package lookup

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	DefaultConcurrency = 3
	DefaultBucketSize  = 20
	DefaultTimeout     = 10 * time.Second
	DefaultGracePeriod = time.Second
)

type Config struct {
	Log   logr.Logger
	Clock clock.Clock
	// Self is excluded from every lookup so the local node never queries itself.
	Self peer.ID
	// Concurrency is the maximum number of queries in flight.
	Concurrency int
	// BucketSize is the number of closest peers tracked for convergence and the
	// number of seed peers requested from the routing table.
	BucketSize int
	// FrontierCapacity bounds the queue of peers to query, zero means twice the bucket size.
	FrontierCapacity int
	// DesiredProviders stops the lookup once that many providers are found, zero disables it.
	DesiredProviders int
	// Timeout is the deadline of the whole lookup, zero disables it.
	Timeout time.Duration
	// QueryTimeout bounds a single peer query on top of the lookup deadline, zero disables it.
	QueryTimeout time.Duration
	// GracePeriod is how long queries asked to abort may take before they are
	// recorded as failed and the lookup moves on without them.
	GracePeriod time.Duration
}

func DefaultConfig() Config {
	return Config{
		Log:         logr.Discard(),
		Clock:       clock.New(),
		Concurrency: DefaultConcurrency,
		BucketSize:  DefaultBucketSize,
		Timeout:     DefaultTimeout,
		GracePeriod: DefaultGracePeriod,
	}
}

func (cfg *Config) Apply(opts ...Option) error {
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

func (cfg Config) frontierCapacity() int {
	if cfg.FrontierCapacity > 0 {
		return cfg.FrontierCapacity
	}
	return 2 * cfg.BucketSize
}

type Option func(cfg *Config) error

func WithLogger(log logr.Logger) Option {
	return func(cfg *Config) error {
		cfg.Log = log
		return nil
	}
}

func WithClock(clk clock.Clock) Option {
	return func(cfg *Config) error {
		if clk == nil {
			return errors.New("clock cannot be nil")
		}
		cfg.Clock = clk
		return nil
	}
}

func WithSelf(self peer.ID) Option {
	return func(cfg *Config) error {
		cfg.Self = self
		return nil
	}
}

func WithConcurrency(concurrency int) Option {
	return func(cfg *Config) error {
		if concurrency < 1 {
			return errors.New("concurrency must be at least 1")
		}
		cfg.Concurrency = concurrency
		return nil
	}
}

func WithBucketSize(size int) Option {
	return func(cfg *Config) error {
		if size < 1 {
			return errors.New("bucket size must be at least 1")
		}
		cfg.BucketSize = size
		return nil
	}
}

func WithFrontierCapacity(capacity int) Option {
	return func(cfg *Config) error {
		if capacity < 0 {
			return errors.New("frontier capacity cannot be negative")
		}
		cfg.FrontierCapacity = capacity
		return nil
	}
}

func WithDesiredProviders(count int) Option {
	return func(cfg *Config) error {
		if count < 0 {
			return errors.New("desired provider count cannot be negative")
		}
		cfg.DesiredProviders = count
		return nil
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(cfg *Config) error {
		if timeout < 0 {
			return errors.New("timeout cannot be negative")
		}
		cfg.Timeout = timeout
		return nil
	}
}

func WithQueryTimeout(timeout time.Duration) Option {
	return func(cfg *Config) error {
		if timeout < 0 {
			return errors.New("query timeout cannot be negative")
		}
		cfg.QueryTimeout = timeout
		return nil
	}
}

func WithGracePeriod(grace time.Duration) Option {
	return func(cfg *Config) error {
		if grace < 0 {
			return errors.New("grace period cannot be negative")
		}
		cfg.GracePeriod = grace
		return nil
	}
}
