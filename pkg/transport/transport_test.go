package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"blobshare/pkg/identity"
	"blobshare/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeBlobs struct {
	data     map[types.Hash][]byte
	lastPeer chan types.NodeID
}

func (f *fakeBlobs) Stat(ctx context.Context, req *StatRequest) (*StatResponse, error) {
	if id, ok := PeerNodeID(ctx); ok {
		select {
		case f.lastPeer <- id:
		default:
		}
	}
	data, ok := f.data[req.Hash]
	return &StatResponse{Found: ok, Size: int64(len(data))}, nil
}

func (f *fakeBlobs) Get(req *GetRequest, stream BlobsGetServer) error {
	data, ok := f.data[req.Hash]
	if !ok {
		return status.Error(codes.NotFound, "no such blob")
	}
	for off := req.Offset; off < int64(len(data)); off += 3 {
		end := off + 3
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		if err := stream.Send(&GetResponse{Size: int64(len(data)), Offset: off, Data: data[off:end]}); err != nil {
			return err
		}
	}
	return nil
}

func startServer(t *testing.T, key *identity.SecretKey, srv BlobsServer) types.NodeAddr {
	t.Helper()
	server, err := NewServer(key)
	require.NoError(t, err)
	RegisterBlobsServer(server, srv)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go server.Serve(ln)
	t.Cleanup(server.Stop)

	return types.NodeAddr{NodeID: key.Public(), Addrs: ListenAddrs(ln)}
}

func TestBlobsServiceOverTLS(t *testing.T) {
	for _, compression := range []bool{false, true} {
		serverKey, err := identity.Generate()
		require.NoError(t, err)
		clientKey, err := identity.Generate()
		require.NoError(t, err)

		payload := []byte("hello, blobs over grpc")
		h := types.Hash{1, 2, 3}
		fake := &fakeBlobs{data: map[types.Hash][]byte{h: payload}, lastPeer: make(chan types.NodeID, 1)}
		addr := startServer(t, serverKey, fake)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pool := NewPool(&Dialer{Key: clientKey, Compression: compression, Logger: zaptest.NewLogger(t)}, zaptest.NewLogger(t))
		defer pool.Close()
		conn, err := pool.Get(ctx, addr)
		require.NoError(t, err)

		again, err := pool.Get(ctx, addr)
		require.NoError(t, err)
		assert.Same(t, conn, again)

		client := NewBlobsClient(conn)
		stat, err := client.Stat(ctx, &StatRequest{Hash: h})
		require.NoError(t, err)
		assert.True(t, stat.Found)
		assert.Equal(t, int64(len(payload)), stat.Size)
		assert.Equal(t, clientKey.Public(), <-fake.lastPeer)

		stream, err := client.Get(ctx, &GetRequest{Hash: h, Offset: 7})
		require.NoError(t, err)
		var got bytes.Buffer
		for {
			frame, err := stream.Recv()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			got.Write(frame.Data)
		}
		assert.Equal(t, payload[7:], got.Bytes())

		stream, err = client.Get(ctx, &GetRequest{Hash: types.Hash{9}})
		require.NoError(t, err)
		_, err = stream.Recv()
		assert.Equal(t, codes.NotFound, status.Code(err))
	}
}

func TestDialRejectsWrongIdentity(t *testing.T) {
	serverKey, err := identity.Generate()
	require.NoError(t, err)
	clientKey, err := identity.Generate()
	require.NoError(t, err)
	expected, err := identity.Generate()
	require.NoError(t, err)

	addr := startServer(t, serverKey, &fakeBlobs{lastPeer: make(chan types.NodeID, 1)})
	addr.NodeID = expected.Public()

	d := &Dialer{Key: clientKey, Timeout: 2 * time.Second}
	_, err = d.Dial(context.Background(), addr)
	assert.Error(t, err)

	_, err = d.Dial(context.Background(), types.NodeAddr{NodeID: expected.Public()})
	assert.ErrorIs(t, err, ErrNoAddresses)
}

func TestPoolCircuitBreaker(t *testing.T) {
	serverKey, err := identity.Generate()
	require.NoError(t, err)
	clientKey, err := identity.Generate()
	require.NoError(t, err)
	addr := startServer(t, serverKey, &fakeBlobs{lastPeer: make(chan types.NodeID, 1)})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool := NewPool(&Dialer{Key: clientKey}, zaptest.NewLogger(t))
	defer pool.Close()

	_, err = pool.Get(ctx, addr)
	require.NoError(t, err)

	for i := 0; i < circuitThreshold-1; i++ {
		pool.MarkFailed(addr.NodeID)
	}
	_, err = pool.Get(ctx, addr)
	require.NoError(t, err, "circuit stays closed below the threshold")

	pool.MarkFailed(addr.NodeID)
	_, err = pool.Get(ctx, addr)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	pool.MarkHealthy(addr.NodeID)
	_, err = pool.Get(ctx, addr)
	assert.NoError(t, err)
}
