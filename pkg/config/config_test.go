package config

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"findprovs/pkg/lookup"
)

func TestLoad(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	content := `
[bootstrap]
kind = "dnsaddr"
domain = "bootstrap.libp2p.io"
limit = 5

[node]
data-dir = "/var/lib/findprovs"

[lookup]
timeout = "30s"
concurrency = 5
desired-providers = 0

[web]
cache-ttl = "2m"
`
	require.NoError(t, afero.WriteFile(fs, "/etc/findprovs.toml", []byte(content), 0o644))

	f, err := Load(fs, "/etc/findprovs.toml")
	require.NoError(t, err)
	require.Equal(t, "dnsaddr", f.Bootstrap.Kind)
	require.Equal(t, "bootstrap.libp2p.io", f.Bootstrap.Domain)
	require.Equal(t, 5, f.Bootstrap.Limit)
	require.Empty(t, f.Bootstrap.Peers)
	require.Equal(t, "/var/lib/findprovs", f.Node.DataDir)
	require.Equal(t, Duration(30*time.Second), *f.Lookup.Timeout)
	require.Equal(t, 5, *f.Lookup.Concurrency)
	require.Equal(t, 0, *f.Lookup.DesiredProviders)
	require.Nil(t, f.Lookup.BucketSize)
	require.Nil(t, f.Web.CacheSize)
	require.Equal(t, Duration(2*time.Minute), *f.Web.CacheTTL)

	cfg := lookup.DefaultConfig()
	require.NoError(t, cfg.Apply(f.Lookup.Options()...))
	require.Equal(t, 30*time.Second, cfg.Timeout)
	require.Equal(t, 5, cfg.Concurrency)
	require.Equal(t, 0, cfg.DesiredProviders)
	require.Equal(t, lookup.DefaultBucketSize, cfg.BucketSize)
}

func TestLoadEmptyPath(t *testing.T) {
	t.Parallel()

	f, err := Load(afero.NewMemMapFs(), "")
	require.NoError(t, err)
	require.Equal(t, File{}, f)
	require.Empty(t, f.Lookup.Options())
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	_, err := Load(fs, "/missing.toml")
	require.ErrorContains(t, err, "could not read config file")

	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{
			name:     "unknown key",
			content:  "[lookup]\nalpha = 3\n",
			expected: "unknown config keys",
		},
		{
			name:     "invalid duration",
			content:  "[lookup]\ntimeout = \"soon\"\n",
			expected: "could not parse config file",
		},
		{
			name:     "invalid syntax",
			content:  "[lookup\n",
			expected: "could not parse config file",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse([]byte(tt.content))
			require.ErrorContains(t, err, tt.expected)
		})
	}
}

func TestLookupOptionsAreValidated(t *testing.T) {
	t.Parallel()

	f, err := Parse([]byte("[lookup]\nconcurrency = 0\n"))
	require.NoError(t, err)
	cfg := lookup.DefaultConfig()
	require.EqualError(t, cfg.Apply(f.Lookup.Options()...), "concurrency must be at least 1")
}

func TestOr(t *testing.T) {
	t.Parallel()

	require.Equal(t, "flag", Or("flag", "file"))
	require.Equal(t, "file", Or("", "file"))
	require.Equal(t, 3, Or(0, 3))
	require.Equal(t, time.Second, Or(time.Second, time.Minute))
}
