package provider

import (
	"context"
	"io"
	"testing"
	"time"

	"blobshare/pkg/events"
	"blobshare/pkg/identity"
	"blobshare/pkg/store"
	"blobshare/pkg/transport"
	"blobshare/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fixture struct {
	store    *store.Store
	provider *Provider
	sink     *events.Sink
	client   *transport.BlobsClient
	clientID types.NodeID
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	s, err := store.Open(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)

	serverKey, err := identity.Generate()
	require.NoError(t, err)
	sink := events.NewSink(events.DefaultCapacity, events.OverflowDrop)
	opts.ListenAddr = "127.0.0.1:0"
	opts.Logger = zaptest.NewLogger(t)
	opts.Sink = sink

	p := New(serverKey, s, opts)
	require.NoError(t, p.Start())
	t.Cleanup(p.Stop)

	clientKey, err := identity.Generate()
	require.NoError(t, err)
	dialer := &transport.Dialer{Key: clientKey, Timeout: 5 * time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := dialer.Dial(ctx, p.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &fixture{
		store:    s,
		provider: p,
		sink:     sink,
		client:   transport.NewBlobsClient(conn),
		clientID: clientKey.Public(),
	}
}

func (f *fixture) add(t *testing.T, data []byte) types.Hash {
	t.Helper()
	tag, err := f.store.AddBytes(context.Background(), data, types.FormatRaw)
	require.NoError(t, err)
	t.Cleanup(tag.Release)
	return tag.Hash()
}

func readAll(t *testing.T, stream transport.BlobsGetClient) ([]*transport.GetResponse, error) {
	t.Helper()
	var frames []*transport.GetResponse
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, resp)
	}
}

// waitFor collects events until one of type T arrives.
func waitFor[T events.Event](t *testing.T, s *events.Sink) (T, []events.Event) {
	t.Helper()
	var seen []events.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			seen = append(seen, ev)
			if match, ok := ev.(T); ok {
				return match, seen
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T, saw %d events", zero, len(seen))
			return zero, seen
		}
	}
}

func TestGetStreamsBlobAndEmitsEvents(t *testing.T) {
	f := newFixture(t, Options{FrameSize: 4})
	data := []byte("the quick brown fox")
	h := f.add(t, data)
	ctx := context.Background()

	stat, err := f.client.Stat(ctx, &transport.StatRequest{Hash: h})
	require.NoError(t, err)
	assert.True(t, stat.Found)
	assert.Equal(t, int64(len(data)), stat.Size)

	stream, err := f.client.Get(ctx, &transport.GetRequest{Hash: h, Offset: 2, Length: 9})
	require.NoError(t, err)
	frames, err := readAll(t, stream)
	require.NoError(t, err)

	var got []byte
	for _, fr := range frames {
		assert.Equal(t, int64(len(data)), fr.Size)
		assert.LessOrEqual(t, len(fr.Data), 4)
		got = append(got, fr.Data...)
	}
	assert.Equal(t, data[2:11], got)

	done, seen := waitFor[events.TransferCompleted](t, f.sink)
	assert.Equal(t, int64(9), done.Stats.Bytes)
	require.NotEmpty(t, seen)

	connected, ok := seen[0].(events.ClientConnected)
	require.True(t, ok, "first event should be the connection, got %T", seen[0])
	var request events.GetRequestReceived
	var progress []int64
	for _, ev := range seen {
		switch ev := ev.(type) {
		case events.GetRequestReceived:
			request = ev
		case events.TransferProgress:
			progress = append(progress, ev.EndOffset)
		}
	}
	assert.Equal(t, connected.ConnectionID, request.ConnectionID)
	assert.Equal(t, done.RequestID, request.RequestID)
	assert.Equal(t, f.clientID, request.Requester)
	assert.Equal(t, h, request.Hash)
	assert.Equal(t, []int64{6, 10, 11}, progress)
}

func TestGetEmptyRangeReportsSize(t *testing.T) {
	f := newFixture(t, Options{})
	h := f.add(t, []byte("abc"))

	stream, err := f.client.Get(context.Background(), &transport.GetRequest{Hash: h, Offset: 3})
	require.NoError(t, err)
	frames, err := readAll(t, stream)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, int64(3), frames[0].Size)
	assert.Empty(t, frames[0].Data)
}

func TestGetMissingBlob(t *testing.T) {
	f := newFixture(t, Options{})
	missing := store.HashBytes([]byte("absent"))
	ctx := context.Background()

	stat, err := f.client.Stat(ctx, &transport.StatRequest{Hash: missing})
	require.NoError(t, err)
	assert.False(t, stat.Found)

	stream, err := f.client.Get(ctx, &transport.GetRequest{Hash: missing})
	require.NoError(t, err)
	_, err = readAll(t, stream)
	assert.Equal(t, codes.NotFound, status.Code(err))

	aborted, _ := waitFor[events.TransferAborted](t, f.sink)
	assert.Equal(t, codes.NotFound, status.Code(aborted.Err))
	assert.Zero(t, aborted.Stats.Bytes)
}

func TestGetOutOfRange(t *testing.T) {
	f := newFixture(t, Options{})
	h := f.add(t, []byte("abc"))

	stream, err := f.client.Get(context.Background(), &transport.GetRequest{Hash: h, Offset: 4})
	require.NoError(t, err)
	_, err = readAll(t, stream)
	assert.Equal(t, codes.OutOfRange, status.Code(err))
}

func TestPermitDeniesRequester(t *testing.T) {
	asked := make(chan types.NodeID, 1)
	f := newFixture(t, Options{Permit: func(id types.NodeID, identified bool) bool {
		select {
		case asked <- id:
		default:
		}
		return false
	}})
	h := f.add(t, []byte("secret"))

	_, err := f.client.Stat(context.Background(), &transport.StatRequest{Hash: h})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
	assert.Equal(t, f.clientID, <-asked)
}
