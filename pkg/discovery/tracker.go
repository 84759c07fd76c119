package discovery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"blobshare/pkg/transport"
	"blobshare/pkg/types"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// DefaultTrackerTTL is how long an announcement stays valid. It must
	// stay well above the announce interval.
	DefaultTrackerTTL = 10 * time.Minute
	// maxClockSkew is how far in the future an announcement may be dated.
	maxClockSkew         = time.Minute
	defaultMaxProviders  = 64
	defaultPruneInterval = time.Minute
)

// TrackerOptions configures a Tracker.
type TrackerOptions struct {
	TTL          time.Duration
	MaxProviders int
	Clock        clockwork.Clock
	Logger       *zap.Logger
}

// Tracker is an in-memory rendezvous service. It keeps the newest
// verified announcement per (content, host) until it expires.
type Tracker struct {
	ttl          time.Duration
	maxProviders int
	clock        clockwork.Clock
	logger       *zap.Logger

	mu      sync.RWMutex
	entries map[types.HashAndFormat]map[types.NodeID]*trackerEntry
}

type trackerEntry struct {
	record   ProviderRecord
	received time.Time
}

func NewTracker(opts TrackerOptions) *Tracker {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTrackerTTL
	}
	if opts.MaxProviders <= 0 {
		opts.MaxProviders = defaultMaxProviders
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Tracker{
		ttl:          opts.TTL,
		maxProviders: opts.MaxProviders,
		clock:        opts.Clock,
		logger:       opts.Logger,
		entries:      make(map[types.HashAndFormat]map[types.NodeID]*trackerEntry),
	}
}

// Record stores a verified announcement.
func (t *Tracker) Record(req *AnnounceRequest) error {
	if err := req.Signed.Verify(); err != nil {
		return err
	}
	a := req.Signed.Announce
	now := t.clock.Now()
	if a.Timestamp.Time().After(now.Add(maxClockSkew)) {
		return errors.New("announcement is dated in the future")
	}
	if a.Timestamp.Time().Before(now.Add(-t.ttl)) {
		return ErrStaleAnnounce
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	hosts, ok := t.entries[a.Content]
	if !ok {
		hosts = make(map[types.NodeID]*trackerEntry)
		t.entries[a.Content] = hosts
	}
	if prev, ok := hosts[a.Host]; ok && prev.record.Signed.Announce.Timestamp > a.Timestamp {
		return ErrStaleAnnounce
	}
	hosts[a.Host] = &trackerEntry{
		record:   ProviderRecord{Signed: req.Signed, Addrs: append([]string(nil), req.Addrs...)},
		received: now,
	}
	return nil
}

// Lookup returns live records for content, newest first.
func (t *Tracker) Lookup(content types.HashAndFormat, complete bool) []ProviderRecord {
	cutoff := t.clock.Now().Add(-t.ttl)

	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []ProviderRecord
	for _, e := range t.entries[content] {
		if e.received.Before(cutoff) {
			continue
		}
		if complete && e.record.Signed.Announce.Kind != KindComplete {
			continue
		}
		out = append(out, e.record)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Signed.Announce.Timestamp > out[j].Signed.Announce.Timestamp
	})
	if len(out) > t.maxProviders {
		out = out[:t.maxProviders]
	}
	return out
}

// Prune drops expired records and reports how many were removed.
func (t *Tracker) Prune() int {
	cutoff := t.clock.Now().Add(-t.ttl)

	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for content, hosts := range t.entries {
		for host, e := range hosts {
			if e.received.Before(cutoff) {
				delete(hosts, host)
				removed++
			}
		}
		if len(hosts) == 0 {
			delete(t.entries, content)
		}
	}
	return removed
}

// Run prunes periodically until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := t.clock.NewTicker(defaultPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			if n := t.Prune(); n > 0 {
				t.logger.Debug("Pruned expired announcements", zap.Int("removed", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Announce records an announcement sent by its own host. The addresses
// are not signed, so only the host's TLS identity may set them.
func (t *Tracker) Announce(ctx context.Context, req *AnnounceRequest) (*AnnounceResponse, error) {
	if sender, ok := transport.PeerNodeID(ctx); !ok || sender != req.Signed.Announce.Host {
		t.logger.Debug("Rejected announcement from another node",
			zap.String("host", req.Signed.Announce.Host.String()),
			zap.Bool("identified", ok))
		return nil, status.Error(codes.PermissionDenied, ErrForeignAnnounce.Error())
	}
	if err := t.Record(req); err != nil {
		t.logger.Debug("Rejected announcement", zap.Error(err))
		switch {
		case errors.Is(err, ErrSignatureInvalid):
			return nil, status.Error(codes.InvalidArgument, err.Error())
		case errors.Is(err, ErrStaleAnnounce):
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		default:
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
	}
	a := req.Signed.Announce
	t.logger.Info("Accepted announcement",
		zap.String("host", a.Host.String()),
		zap.String("content", a.Content.String()),
		zap.Stringer("kind", a.Kind),
		zap.Strings("addrs", req.Addrs))
	return &AnnounceResponse{}, nil
}

func (t *Tracker) Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	providers := t.Lookup(req.Content, req.Complete)
	t.logger.Debug("Answered query",
		zap.String("content", req.Content.String()),
		zap.Int("providers", len(providers)))
	return &QueryResponse{Providers: providers}, nil
}
