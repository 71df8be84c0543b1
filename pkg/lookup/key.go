package lookup

import (
	"fmt"
	"strings"

	cid "github.com/ipfs/go-cid"
	kb "github.com/libp2p/go-libp2p-kbucket"
	mc "github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"
)

// Key identifies the content a lookup searches providers for. The multihash is
// what goes on the wire, the keyspace ID is what distances are measured against.
type Key struct {
	hash mh.Multihash
	id   kb.ID
}

// ParseKey decodes a CID string into a Key.
func ParseKey(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Key{}, fmt.Errorf("%w: empty identifier", ErrInvalidKey)
	}
	c, err := cid.Decode(s)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return KeyFromCID(c)
}

func KeyFromCID(c cid.Cid) (Key, error) {
	if !c.Defined() {
		return Key{}, fmt.Errorf("%w: undefined cid", ErrInvalidKey)
	}
	return KeyFromMultihash(c.Hash())
}

func KeyFromMultihash(hash mh.Multihash) (Key, error) {
	if _, err := mh.Decode(hash); err != nil {
		return Key{}, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return Key{
		hash: hash,
		id:   kb.ConvertKey(string(hash)),
	}, nil
}

// KeyFromName derives a key for an arbitrary name the same way content is
// advertised by name: a CIDv1 with the raw codec over a sha2-256 digest.
func KeyFromName(name string) (Key, error) {
	if name == "" {
		return Key{}, fmt.Errorf("%w: empty name", ErrInvalidKey)
	}
	pref := cid.Prefix{
		Version:  1,
		Codec:    uint64(mc.Raw),
		MhType:   mh.SHA2_256,
		MhLength: -1,
	}
	c, err := pref.Sum([]byte(name))
	if err != nil {
		return Key{}, err
	}
	return KeyFromCID(c)
}

// Defined reports whether the key was constructed by one of the Key constructors.
func (k Key) Defined() bool {
	return len(k.id) > 0
}

func (k Key) Multihash() mh.Multihash {
	return k.hash
}

// ID returns the position of the key in the DHT keyspace.
func (k Key) ID() kb.ID {
	return k.id
}

// CID returns the key as a CIDv1 with the raw codec.
func (k Key) CID() cid.Cid {
	return cid.NewCidV1(cid.Raw, k.hash)
}

func (k Key) String() string {
	if !k.Defined() {
		return "<undefined>"
	}
	return k.hash.B58String()
}
