// Package collection defines the manifest of a shared directory tree:
// an ordered list of (name, hash) entries stored as a hash sequence
// whose first element is a metadata blob holding the names.
package collection

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"blobshare/pkg/codec"
	"blobshare/pkg/store"
	"blobshare/pkg/types"
)

const metaHeader = "CollectionV0."

var (
	ErrDuplicateName = errors.New("duplicate name in collection")
	ErrMalformed     = errors.New("malformed collection")
)

// Entry is one named blob of a collection.
type Entry struct {
	Name string
	Hash types.Hash
}

// Collection is an ordered manifest with unique names.
type Collection struct {
	entries []Entry
	names   map[string]struct{}
}

// New builds a collection from entries sorted by name.
func New(entries []Entry) (*Collection, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	c := &Collection{names: make(map[string]struct{}, len(sorted))}
	for _, e := range sorted {
		if err := c.Append(e.Name, e.Hash); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Append adds an entry at the end, preserving insertion order.
func (c *Collection) Append(name string, h types.Hash) error {
	if c.names == nil {
		c.names = make(map[string]struct{})
	}
	if _, ok := c.names[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	c.names[name] = struct{}{}
	c.entries = append(c.entries, Entry{Name: name, Hash: h})
	return nil
}

func (c *Collection) Entries() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

func (c *Collection) Len() int {
	return len(c.entries)
}

type meta struct {
	Header string   `cbor:"header"`
	Names  []string `cbor:"names"`
}

// BlobAdder is the part of a store a collection needs to persist itself.
type BlobAdder interface {
	AddBytes(ctx context.Context, data []byte, format types.BlobFormat) (*store.TempTag, error)
}

// Store writes the metadata blob and the hash sequence. The returned tag
// pins the sequence, and with it every entry. The metadata blob's own
// tag is released once the sequence exists.
func (c *Collection) Store(ctx context.Context, s BlobAdder) (*store.TempTag, error) {
	m := meta{Header: metaHeader, Names: make([]string, len(c.entries))}
	hashes := make([]types.Hash, 0, len(c.entries)+1)
	hashes = append(hashes, types.Hash{})
	for i, e := range c.entries {
		m.Names[i] = e.Name
		hashes = append(hashes, e.Hash)
	}

	metaBytes, err := codec.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode collection metadata: %w", err)
	}
	metaTag, err := s.AddBytes(ctx, metaBytes, types.FormatRaw)
	if err != nil {
		return nil, fmt.Errorf("failed to store collection metadata: %w", err)
	}
	defer metaTag.Release()
	hashes[0] = metaTag.Hash()

	tag, err := s.AddBytes(ctx, store.EncodeHashSeq(hashes), types.FormatHashSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to store collection: %w", err)
	}
	return tag, nil
}

// BlobReader is the part of a store a collection needs to load itself.
type BlobReader interface {
	ReadAll(h types.Hash) ([]byte, error)
}

// Load reads the collection whose hash sequence is root.
func Load(s BlobReader, root types.Hash) (*Collection, error) {
	seqBytes, err := s.ReadAll(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read collection: %w", err)
	}
	hashes, err := store.DecodeHashSeq(seqBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(hashes) == 0 {
		return nil, fmt.Errorf("%w: empty hash sequence", ErrMalformed)
	}

	metaBytes, err := s.ReadAll(hashes[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read collection metadata: %w", err)
	}
	var m meta
	if err := codec.Unmarshal(metaBytes, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Header != metaHeader {
		return nil, fmt.Errorf("%w: unexpected header %q", ErrMalformed, m.Header)
	}
	if len(m.Names) != len(hashes)-1 {
		return nil, fmt.Errorf("%w: %d names for %d blobs", ErrMalformed, len(m.Names), len(hashes)-1)
	}

	c := &Collection{names: make(map[string]struct{}, len(m.Names))}
	for i, name := range m.Names {
		if err := c.Append(name, hashes[i+1]); err != nil {
			return nil, err
		}
	}
	return c, nil
}
