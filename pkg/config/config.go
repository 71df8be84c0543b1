package config

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"

	"findprovs/pkg/lookup"
)

// Duration is a time.Duration written as a string like "10s" in the file.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

type Bootstrap struct {
	Kind   string   `toml:"kind"`
	Peers  []string `toml:"peers"`
	Domain string   `toml:"domain"`
	Limit  int      `toml:"limit"`
}

type Node struct {
	DataDir    string `toml:"data-dir"`
	ListenAddr string `toml:"listen-addr"`
}

// Lookup settings are pointers so that an explicit zero can be told apart from
// a missing value.
type Lookup struct {
	Timeout          *Duration `toml:"timeout"`
	QueryTimeout     *Duration `toml:"query-timeout"`
	GracePeriod      *Duration `toml:"grace-period"`
	Concurrency      *int      `toml:"concurrency"`
	BucketSize       *int      `toml:"bucket-size"`
	FrontierCapacity *int      `toml:"frontier-capacity"`
	DesiredProviders *int      `toml:"desired-providers"`
}

type Web struct {
	CacheSize *int      `toml:"cache-size"`
	CacheTTL  *Duration `toml:"cache-ttl"`
}

// File is the optional configuration file. Flags that are set on the command
// line take precedence over its values.
type File struct {
	Bootstrap Bootstrap `toml:"bootstrap"`
	Node      Node      `toml:"node"`
	Lookup    Lookup    `toml:"lookup"`
	Web       Web       `toml:"web"`
}

// Load reads the file at path. An empty path returns an empty File.
func Load(fs afero.Fs, path string) (File, error) {
	if path == "" {
		return File{}, nil
	}
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return File{}, fmt.Errorf("could not read config file: %w", err)
	}
	return Parse(b)
}

// Parse decodes a configuration file. Unknown keys are rejected.
func Parse(b []byte) (File, error) {
	f := File{}
	dec := toml.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	err := dec.Decode(&f)
	if err != nil {
		var strictErr *toml.StrictMissingError
		if errors.As(err, &strictErr) {
			return File{}, fmt.Errorf("unknown config keys: %s", strictErr.String())
		}
		return File{}, fmt.Errorf("could not parse config file: %w", err)
	}
	return f, nil
}

// Options returns the lookup options for the values present in the file.
func (l Lookup) Options() []lookup.Option {
	opts := []lookup.Option{}
	if l.Timeout != nil {
		opts = append(opts, lookup.WithTimeout(time.Duration(*l.Timeout)))
	}
	if l.QueryTimeout != nil {
		opts = append(opts, lookup.WithQueryTimeout(time.Duration(*l.QueryTimeout)))
	}
	if l.GracePeriod != nil {
		opts = append(opts, lookup.WithGracePeriod(time.Duration(*l.GracePeriod)))
	}
	if l.Concurrency != nil {
		opts = append(opts, lookup.WithConcurrency(*l.Concurrency))
	}
	if l.BucketSize != nil {
		opts = append(opts, lookup.WithBucketSize(*l.BucketSize))
	}
	if l.FrontierCapacity != nil {
		opts = append(opts, lookup.WithFrontierCapacity(*l.FrontierCapacity))
	}
	if l.DesiredProviders != nil {
		opts = append(opts, lookup.WithDesiredProviders(*l.DesiredProviders))
	}
	return opts
}

// Or returns value unless it is the zero value, then fallback.
func Or[T comparable](value, fallback T) T {
	var zero T
	if value == zero {
		return fallback
	}
	return value
}
