package store

import (
	"context"
	"fmt"
	"io"

	"blobshare/pkg/types"

	"github.com/zeebo/blake3"
)

// HashBytes returns the content hash of data.
func HashBytes(data []byte) types.Hash {
	return types.Hash(blake3.Sum256(data))
}

// hashingWriter tees everything written through it into a BLAKE3 hasher.
type hashingWriter struct {
	w      io.Writer
	hasher *blake3.Hasher
	n      int64
}

func newHashingWriter(w io.Writer) *hashingWriter {
	return &hashingWriter{w: w, hasher: blake3.New()}
}

func (hw *hashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	hw.hasher.Write(p[:n])
	hw.n += int64(n)
	return n, err
}

func (hw *hashingWriter) Sum() types.Hash {
	var h types.Hash
	copy(h[:], hw.hasher.Sum(nil))
	return h
}

// HashReader hashes everything r yields, checking ctx between reads.
func HashReader(ctx context.Context, r io.Reader) (types.Hash, int64, error) {
	hw := newHashingWriter(io.Discard)
	if _, err := io.Copy(hw, &ctxReader{ctx: ctx, r: r}); err != nil {
		return types.Hash{}, 0, err
	}
	return hw.Sum(), hw.n, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

// EncodeHashSeq concatenates hashes into the body of a hash sequence blob.
func EncodeHashSeq(hashes []types.Hash) []byte {
	out := make([]byte, 0, len(hashes)*types.HashSize)
	for _, h := range hashes {
		out = append(out, h[:]...)
	}
	return out
}

// DecodeHashSeq splits a hash sequence blob into its hashes.
func DecodeHashSeq(data []byte) ([]types.Hash, error) {
	if len(data)%types.HashSize != 0 {
		return nil, fmt.Errorf("hash sequence length %d is not a multiple of %d", len(data), types.HashSize)
	}
	hashes := make([]types.Hash, len(data)/types.HashSize)
	for i := range hashes {
		copy(hashes[i][:], data[i*types.HashSize:])
	}
	return hashes, nil
}
