package lookup

import (
	"testing"

	cid "github.com/ipfs/go-cid"
	kb "github.com/libp2p/go-libp2p-kbucket"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "cid v0",
			input:    "QmSnuWmxptJZdLJpKRarxBMS2Ju2oANVrgbr2xWbie9b2D",
			expected: "QmSnuWmxptJZdLJpKRarxBMS2Ju2oANVrgbr2xWbie9b2D",
		},
		{
			name:     "surrounding whitespace",
			input:    "  QmSnuWmxptJZdLJpKRarxBMS2Ju2oANVrgbr2xWbie9b2D\n",
			expected: "QmSnuWmxptJZdLJpKRarxBMS2Ju2oANVrgbr2xWbie9b2D",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			key, err := ParseKey(tt.input)
			require.NoError(t, err)
			require.True(t, key.Defined())
			require.Equal(t, tt.expected, key.String())
			require.Equal(t, kb.ConvertKey(string(key.Multihash())), key.ID())
		})
	}
}

func TestParseKeyErrors(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"", "   ", "not-a-cid", "Qm"} {
		_, err := ParseKey(input)
		require.ErrorIs(t, err, ErrInvalidKey, "input %q", input)
	}
}

func TestKeyFromCIDv1(t *testing.T) {
	t.Parallel()

	hash, err := mh.Sum([]byte("hello"), mh.SHA2_256, -1)
	require.NoError(t, err)
	c := cid.NewCidV1(cid.DagProtobuf, hash)

	fromCID, err := KeyFromCID(c)
	require.NoError(t, err)
	parsed, err := ParseKey(c.String())
	require.NoError(t, err)
	require.Equal(t, fromCID.ID(), parsed.ID())

	// Keys are addressed by multihash, the codec does not change the keyspace position.
	raw, err := KeyFromCID(cid.NewCidV1(cid.Raw, hash))
	require.NoError(t, err)
	require.Equal(t, fromCID.ID(), raw.ID())

	_, err = KeyFromCID(cid.Undef)
	require.ErrorIs(t, err, ErrInvalidKey)
	_, err = KeyFromMultihash(mh.Multihash{0x12, 0x20})
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestKeyFromName(t *testing.T) {
	t.Parallel()

	a, err := KeyFromName("content-a")
	require.NoError(t, err)
	again, err := KeyFromName("content-a")
	require.NoError(t, err)
	b, err := KeyFromName("content-b")
	require.NoError(t, err)

	require.Equal(t, a.ID(), again.ID())
	require.NotEqual(t, a.ID(), b.ID())
	require.Equal(t, uint64(cid.Raw), a.CID().Type())

	_, err = KeyFromName("")
	require.ErrorIs(t, err, ErrInvalidKey)
}
