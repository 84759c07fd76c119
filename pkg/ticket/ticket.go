// Package ticket implements the shareable string that tells a receiver
// what content to fetch and which node to fetch it from.
package ticket

import (
	"errors"
	"fmt"
	"strings"

	"blobshare/pkg/codec"
	"blobshare/pkg/types"

	"github.com/multiformats/go-multibase"
)

// Prefix starts every ticket string.
const Prefix = "blob"

var ErrInvalidTicket = errors.New("invalid ticket")

// Ticket bundles content with the provider to fetch it from.
type Ticket struct {
	Addr   types.NodeAddr
	Hash   types.Hash
	Format types.BlobFormat
}

type wireTicket struct {
	Node   types.NodeID     `cbor:"node"`
	Addrs  []string         `cbor:"addrs"`
	Hash   types.Hash       `cbor:"hash"`
	Format types.BlobFormat `cbor:"format"`
}

func New(addr types.NodeAddr, content types.HashAndFormat) Ticket {
	return Ticket{Addr: addr, Hash: content.Hash, Format: content.Format}
}

func (t Ticket) Content() types.HashAndFormat {
	return types.HashAndFormat{Hash: t.Hash, Format: t.Format}
}

// String renders "blob" followed by the multibase base32 encoding of the
// ticket's CBOR form.
func (t Ticket) String() string {
	data, err := codec.Marshal(wireTicket{
		Node:   t.Addr.NodeID,
		Addrs:  t.Addr.Addrs,
		Hash:   t.Hash,
		Format: t.Format,
	})
	if err != nil {
		panic("ticket: encoding failed: " + err.Error())
	}
	s, err := multibase.Encode(multibase.Base32, data)
	if err != nil {
		panic("ticket: encoding failed: " + err.Error())
	}
	return Prefix + s
}

func Parse(s string) (Ticket, error) {
	rest, ok := strings.CutPrefix(s, Prefix)
	if !ok {
		return Ticket{}, fmt.Errorf("%w: missing %q prefix", ErrInvalidTicket, Prefix)
	}
	enc, data, err := multibase.Decode(rest)
	if err != nil {
		return Ticket{}, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	if enc != multibase.Base32 {
		return Ticket{}, fmt.Errorf("%w: unexpected encoding %c", ErrInvalidTicket, rune(enc))
	}

	var w wireTicket
	if err := codec.Unmarshal(data, &w); err != nil {
		return Ticket{}, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	return Ticket{
		Addr:   types.NodeAddr{NodeID: w.Node, Addrs: w.Addrs},
		Hash:   w.Hash,
		Format: w.Format,
	}, nil
}

func (t Ticket) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Ticket) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
