package transport

import (
	"io"
	"sync"

	"blobshare/pkg/codec"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/encoding"
)

const (
	// CodecName is the gRPC content-subtype for CBOR-encoded messages.
	CodecName = "cbor"
	// CompressorName is the gRPC compressor used when compression is on.
	CompressorName = "zstd"
)

func init() {
	encoding.RegisterCodec(cborCodec{})
	encoding.RegisterCompressor(&zstdCompressor{})
}

type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error) {
	return codec.Marshal(v)
}

func (cborCodec) Unmarshal(data []byte, v any) error {
	return codec.Unmarshal(data, v)
}

func (cborCodec) Name() string {
	return CodecName
}

type zstdCompressor struct {
	encoders sync.Pool
}

func (c *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	if enc, ok := c.encoders.Get().(*zstd.Encoder); ok {
		enc.Reset(w)
		return &pooledEncoder{Encoder: enc, pool: &c.encoders}, nil
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return &pooledEncoder{Encoder: enc, pool: &c.encoders}, nil
}

func (c *zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return &closingDecoder{dec: dec}, nil
}

func (c *zstdCompressor) Name() string {
	return CompressorName
}

type pooledEncoder struct {
	*zstd.Encoder
	pool *sync.Pool
}

func (e *pooledEncoder) Close() error {
	err := e.Encoder.Close()
	e.pool.Put(e.Encoder)
	return err
}

// closingDecoder releases the decoder's resources once the stream ends.
type closingDecoder struct {
	dec *zstd.Decoder
}

func (d *closingDecoder) Read(p []byte) (int, error) {
	if d.dec == nil {
		return 0, io.EOF
	}
	n, err := d.dec.Read(p)
	if err != nil {
		d.dec.Close()
		d.dec = nil
	}
	return n, err
}
