package discovery

import (
	"context"
	"testing"
	"time"

	"blobshare/pkg/types"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startAnnouncer(t *testing.T, cfg AnnouncerConfig) (*Announcer, context.CancelFunc, <-chan error) {
	t.Helper()
	a := NewAnnouncer(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(cancel)
	return a, cancel, done
}

func TestAnnouncerRepeatsAfterInterval(t *testing.T) {
	key := testKey(t)
	tracker := testKey(t)
	ft := newFakeTracker()
	fc := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	content := testContent("collection")

	a, cancel, done := startAnnouncer(t, AnnouncerConfig{
		Tracker: types.NodeAddr{NodeID: tracker.Public(), Addrs: []string{"127.0.0.1:1"}},
		Key:     key,
		Content: content,
		Addrs:   func() []string { return []string{"127.0.0.1:4919"} },
		Dialer:  ft,
		Clock:   fc,
		Logger:  zaptest.NewLogger(t),
	})

	first := receive(t, ft.requests)
	fc.BlockUntil(1)
	assert.Equal(t, StateSleeping, a.State())

	fc.Advance(29 * time.Second)
	expectNone(t, ft.requests)
	fc.Advance(time.Second)
	second := receive(t, ft.requests)

	for _, req := range []*AnnounceRequest{first, second} {
		require.NoError(t, req.Signed.Verify())
		assert.Equal(t, key.Public(), req.Signed.Announce.Host)
		assert.Equal(t, content, req.Signed.Announce.Content)
		assert.Equal(t, KindComplete, req.Signed.Announce.Kind)
		assert.Equal(t, []string{"127.0.0.1:4919"}, req.Addrs)
	}
	gap := second.Signed.Announce.Timestamp - first.Signed.Announce.Timestamp
	assert.Equal(t, AbsoluteTime(30*time.Second/time.Microsecond), gap)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("announcer did not stop on cancellation")
	}
	assert.Equal(t, StateIdle, a.State())
	assert.Equal(t, uint64(2), a.Announced())
}

func TestAnnouncerRetriesAfterFailures(t *testing.T) {
	key := testKey(t)
	ft := newFakeTracker()
	ft.failDials = 1
	ft.failSends = 1
	fc := clockwork.NewFakeClock()

	_, _, _ = startAnnouncer(t, AnnouncerConfig{
		Tracker: types.NodeAddr{NodeID: testKey(t).Public(), Addrs: []string{"127.0.0.1:1"}},
		Key:     key,
		Content: testContent("retry"),
		Dialer:  ft,
		Clock:   fc,
		Logger:  zaptest.NewLogger(t),
	})

	// Connect failure, then a short retry.
	fc.BlockUntil(1)
	expectNone(t, ft.requests)
	fc.Advance(DefaultRetryDelay)

	// Send failure, then another short retry.
	fc.BlockUntil(1)
	expectNone(t, ft.requests)
	fc.Advance(DefaultRetryDelay - time.Second)
	expectNone(t, ft.requests)
	fc.Advance(time.Second)

	req := receive(t, ft.requests)
	require.NoError(t, req.Signed.Verify())
}

func TestAnnounceTimestampNeverGoesBackwards(t *testing.T) {
	key := testKey(t)
	fc := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	a := NewAnnouncer(AnnouncerConfig{Key: key, Content: testContent("x"), Clock: fc})

	first := a.nextAnnounce()
	// A fake clock cannot go backwards, so simulate a wall clock jump.
	a.last = first.Timestamp + 1000
	second := a.nextAnnounce()
	assert.Equal(t, first.Timestamp+1000, second.Timestamp)
}

func TestSignedAnnounceRejectsTampering(t *testing.T) {
	key := testKey(t)
	signed, err := Sign(Announce{
		Host:      key.Public(),
		Content:   testContent("original"),
		Kind:      KindComplete,
		Timestamp: AbsoluteTimeFrom(time.Now()),
	}, key)
	require.NoError(t, err)
	require.NoError(t, signed.Verify())

	tampered := signed
	tampered.Announce.Content = testContent("other")
	assert.ErrorIs(t, tampered.Verify(), ErrSignatureInvalid)

	tampered = signed
	tampered.Announce.Kind = KindPartial
	assert.ErrorIs(t, tampered.Verify(), ErrSignatureInvalid)

	_, err = Sign(Announce{Host: testKey(t).Public()}, key)
	assert.Error(t, err)
}
