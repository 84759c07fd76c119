package types

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// HashSize is the length in bytes of a BLAKE3 content hash.
const HashSize = 32

var (
	ErrInvalidHash    = errors.New("invalid hash")
	ErrInvalidFormat  = errors.New("invalid blob format")
	ErrInvalidNodeID  = errors.New("invalid node id")
	ErrInvalidAddress = errors.New("invalid node address")
)

// Hash is the BLAKE3 digest of a blob.
type Hash [HashSize]byte

func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != hex.EncodedLen(HashSize) {
		return h, fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidHash, hex.EncodedLen(HashSize), len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	return h, nil
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first eight hex characters, for log lines.
func (h Hash) Short() string {
	return h.String()[:8]
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// BlobFormat says how the bytes behind a hash are to be interpreted.
type BlobFormat uint8

const (
	// FormatRaw is an opaque byte blob.
	FormatRaw BlobFormat = iota
	// FormatHashSeq is a blob whose bytes are a concatenation of hashes.
	FormatHashSeq
)

func (f BlobFormat) String() string {
	switch f {
	case FormatRaw:
		return "raw"
	case FormatHashSeq:
		return "hashseq"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

func ParseBlobFormat(s string) (BlobFormat, error) {
	switch s {
	case "raw":
		return FormatRaw, nil
	case "hashseq":
		return FormatHashSeq, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
}

func (f BlobFormat) MarshalText() ([]byte, error) {
	if f > FormatHashSeq {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFormat, uint8(f))
	}
	return []byte(f.String()), nil
}

func (f *BlobFormat) UnmarshalText(text []byte) error {
	parsed, err := ParseBlobFormat(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// HashAndFormat identifies a piece of content: a root hash plus how to
// interpret it. Its string form is "<hex>" for raw blobs and
// "<hex>:hashseq" for hash sequences.
type HashAndFormat struct {
	Hash   Hash       `cbor:"hash" json:"hash"`
	Format BlobFormat `cbor:"format" json:"format"`
}

func RawContent(h Hash) HashAndFormat {
	return HashAndFormat{Hash: h, Format: FormatRaw}
}

func HashSeqContent(h Hash) HashAndFormat {
	return HashAndFormat{Hash: h, Format: FormatHashSeq}
}

func (c HashAndFormat) String() string {
	if c.Format == FormatRaw {
		return c.Hash.String()
	}
	return c.Hash.String() + ":" + c.Format.String()
}

func ParseHashAndFormat(s string) (HashAndFormat, error) {
	hashPart, formatPart, hasFormat := strings.Cut(s, ":")
	h, err := ParseHash(hashPart)
	if err != nil {
		return HashAndFormat{}, err
	}
	if !hasFormat {
		return RawContent(h), nil
	}
	f, err := ParseBlobFormat(formatPart)
	if err != nil {
		return HashAndFormat{}, err
	}
	if f == FormatRaw {
		// "raw" is never written explicitly, so reading it back would
		// break the one-string-per-value round trip.
		return HashAndFormat{}, fmt.Errorf("%w: raw content has no format suffix", ErrInvalidFormat)
	}
	return HashAndFormat{Hash: h, Format: f}, nil
}

// NodeID is the Ed25519 public key of a node.
type NodeID [ed25519.PublicKeySize]byte

func NodeIDFromPublicKey(pub ed25519.PublicKey) (NodeID, error) {
	var id NodeID
	if len(pub) != ed25519.PublicKeySize {
		return id, fmt.Errorf("%w: public key is %d bytes", ErrInvalidNodeID, len(pub))
	}
	copy(id[:], pub)
	return id, nil
}

func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	if len(s) != hex.EncodedLen(len(id)) {
		return id, fmt.Errorf("%w: expected %d hex characters", ErrInvalidNodeID, hex.EncodedLen(len(id)))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidNodeID, err)
	}
	return id, nil
}

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

func (id NodeID) Short() string {
	return id.String()[:10]
}

func (id NodeID) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(id[:])
}

func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *NodeID) UnmarshalText(text []byte) error {
	parsed, err := ParseNodeID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// NodeAddr is a node identity plus the network addresses it was last
// reachable on. String form: "<nodeid>@addr1,addr2".
type NodeAddr struct {
	NodeID NodeID   `cbor:"node" json:"node"`
	Addrs  []string `cbor:"addrs,omitempty" json:"addrs,omitempty"`
}

func (a NodeAddr) String() string {
	if len(a.Addrs) == 0 {
		return a.NodeID.String()
	}
	return a.NodeID.String() + "@" + strings.Join(a.Addrs, ",")
}

func ParseNodeAddr(s string) (NodeAddr, error) {
	idPart, addrPart, hasAddrs := strings.Cut(s, "@")
	id, err := ParseNodeID(idPart)
	if err != nil {
		return NodeAddr{}, err
	}
	addr := NodeAddr{NodeID: id}
	if !hasAddrs {
		return addr, nil
	}
	for _, a := range strings.Split(addrPart, ",") {
		if a == "" {
			return NodeAddr{}, fmt.Errorf("%w: empty address in %q", ErrInvalidAddress, s)
		}
		addr.Addrs = append(addr.Addrs, a)
	}
	return addr, nil
}
