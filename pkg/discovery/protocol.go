// Package discovery lets providers announce content to a tracker and
// lets receivers find providers for content.
package discovery

import (
	"errors"
	"fmt"
	"time"

	"blobshare/pkg/identity"
	"blobshare/pkg/types"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrConnectFailed    = errors.New("failed to connect to tracker")
	ErrSendFailed       = errors.New("failed to send announcement")
	ErrSignatureInvalid = errors.New("announcement signature is invalid")
	ErrStaleAnnounce    = errors.New("announcement is older than the one on record")
	ErrForeignAnnounce  = errors.New("announcement was not sent by its host")
)

// signingDomain separates announcement signatures from any other use of
// the same key.
const signingDomain = "blobshare/announce/v1\x00"

type AnnounceKind uint8

const (
	// KindPartial means the host has some of the content.
	KindPartial AnnounceKind = iota
	// KindComplete means the host has all of it.
	KindComplete
)

func (k AnnounceKind) String() string {
	if k == KindComplete {
		return "complete"
	}
	return "partial"
}

// AbsoluteTime is microseconds since the Unix epoch.
type AbsoluteTime uint64

func AbsoluteTimeFrom(t time.Time) AbsoluteTime {
	us := t.UnixMicro()
	if us < 0 {
		return 0
	}
	return AbsoluteTime(us)
}

func (t AbsoluteTime) Time() time.Time {
	return time.UnixMicro(int64(t))
}

// Announce is a host's claim to have some content as of Timestamp.
type Announce struct {
	Host      types.NodeID        `cbor:"host"`
	Content   types.HashAndFormat `cbor:"content"`
	Kind      AnnounceKind        `cbor:"kind"`
	Timestamp AbsoluteTime        `cbor:"timestamp"`
}

// SigningBytes is the canonical byte form covered by the signature.
func (a Announce) SigningBytes() []byte {
	b := make([]byte, 0, len(signingDomain)+96)
	b = append(b, signingDomain...)
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, a.Host[:])
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, a.Content.Hash[:])
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.Content.Format))
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.Kind))
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.Timestamp))
	return b
}

// SignedAnnounce is an announcement with its host's signature.
type SignedAnnounce struct {
	Announce  Announce `cbor:"announce"`
	Signature []byte   `cbor:"signature"`
}

// Sign signs a with key. The announcement's host must be key's node id.
func Sign(a Announce, key *identity.SecretKey) (SignedAnnounce, error) {
	if a.Host != key.Public() {
		return SignedAnnounce{}, fmt.Errorf("announcement host %s does not match signing key %s", a.Host.Short(), key.Public().Short())
	}
	return SignedAnnounce{Announce: a, Signature: key.Sign(a.SigningBytes())}, nil
}

// Verify checks the signature against the declared host.
func (s SignedAnnounce) Verify() error {
	if !identity.Verify(s.Announce.Host, s.Announce.SigningBytes(), s.Signature) {
		return fmt.Errorf("%w: host %s", ErrSignatureInvalid, s.Announce.Host.Short())
	}
	return nil
}

// Messages of the blobshare.tracker.v1.Tracker service.

// AnnounceRequest carries a signed announcement and the addresses to reach its host.
type AnnounceRequest struct {
	Signed SignedAnnounce `cbor:"signed"`
	// Addrs are where the host can be dialed.
	Addrs []string `cbor:"addrs"`
}

type AnnounceResponse struct{}

// QueryRequest asks a tracker for providers of some content.
type QueryRequest struct {
	Content types.HashAndFormat `cbor:"content"`
	// Complete restricts results to hosts that have all of the content.
	Complete bool `cbor:"complete"`
}

// ProviderRecord is a stored announcement with its addresses.
type ProviderRecord struct {
	Signed SignedAnnounce `cbor:"signed"`
	Addrs  []string       `cbor:"addrs"`
}

func (r ProviderRecord) NodeAddr() types.NodeAddr {
	return types.NodeAddr{NodeID: r.Signed.Announce.Host, Addrs: r.Addrs}
}

// QueryResponse lists matching providers, newest first.
type QueryResponse struct {
	Providers []ProviderRecord `cbor:"providers"`
}
