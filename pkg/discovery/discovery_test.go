package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"blobshare/pkg/identity"
	"blobshare/pkg/store"
	"blobshare/pkg/types"

	"github.com/stretchr/testify/require"
)

// fakeTracker is an in-process TrackerDialer. Dials fail while
// failDials is positive; accepted announcements are also recorded in a
// real Tracker so queries work.
type fakeTracker struct {
	mu        sync.Mutex
	failDials int
	failSends int
	requests  chan *AnnounceRequest
	tracker   *Tracker
	response  *QueryResponse
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{requests: make(chan *AnnounceRequest, 16), tracker: NewTracker(TrackerOptions{})}
}

func (f *fakeTracker) DialTracker(ctx context.Context, _ types.NodeAddr) (TrackerConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDials > 0 {
		f.failDials--
		return nil, errors.New("unreachable")
	}
	return &fakeTrackerConn{f: f}, nil
}

type fakeTrackerConn struct {
	f *fakeTracker
}

func (c *fakeTrackerConn) Announce(ctx context.Context, req *AnnounceRequest) error {
	c.f.mu.Lock()
	if c.f.failSends > 0 {
		c.f.failSends--
		c.f.mu.Unlock()
		return errors.New("stream reset")
	}
	c.f.mu.Unlock()
	c.f.requests <- req
	return nil
}

func (c *fakeTrackerConn) Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	if c.f.response != nil {
		return c.f.response, nil
	}
	return &QueryResponse{Providers: c.f.tracker.Lookup(req.Content, req.Complete)}, nil
}

func (c *fakeTrackerConn) Close() error {
	return nil
}

func testKey(t *testing.T) *identity.SecretKey {
	t.Helper()
	key, err := identity.Generate()
	require.NoError(t, err)
	return key
}

func testContent(s string) types.HashAndFormat {
	return types.HashSeqContent(store.HashBytes([]byte(s)))
}

func receive(t *testing.T, ch <-chan *AnnounceRequest) *AnnounceRequest {
	t.Helper()
	select {
	case req := <-ch:
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for announcement")
		return nil
	}
}

func expectNone(t *testing.T, ch <-chan *AnnounceRequest) {
	t.Helper()
	select {
	case req := <-ch:
		t.Fatalf("unexpected announcement at %v", req.Signed.Announce.Timestamp.Time())
	case <-time.After(50 * time.Millisecond):
	}
}
