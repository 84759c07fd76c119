package discovery

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"blobshare/pkg/types"

	"go.uber.org/zap"
)

// SplitStrategy tells the downloader how to use several providers.
type SplitStrategy int

const (
	// SplitNone treats providers as ordered fallbacks.
	SplitNone SplitStrategy = iota
	// SplitAcrossProviders fetches disjoint ranges from several
	// providers at once.
	SplitAcrossProviders
)

func (s SplitStrategy) String() string {
	if s == SplitAcrossProviders {
		return "split"
	}
	return "none"
}

// Providers is a lazy, finite sequence of candidate providers. It can
// be consumed once.
type Providers struct {
	mu   sync.Mutex
	next func() (types.NodeAddr, bool)
	err  error
	done bool
}

func newProviders(next func() (types.NodeAddr, bool)) *Providers {
	return &Providers{next: next}
}

// ProvidersOf yields addrs in order.
func ProvidersOf(addrs []types.NodeAddr) *Providers {
	list := append([]types.NodeAddr(nil), addrs...)
	i := 0
	return newProviders(func() (types.NodeAddr, bool) {
		if i >= len(list) {
			return types.NodeAddr{}, false
		}
		i++
		return list[i-1], true
	})
}

func (p *Providers) Next() (types.NodeAddr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return types.NodeAddr{}, false
	}
	addr, ok := p.next()
	if !ok {
		p.done = true
	}
	return addr, ok
}

// Err reports a failure that ended the sequence early.
func (p *Providers) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Collect drains the sequence.
func (p *Providers) Collect() []types.NodeAddr {
	var out []types.NodeAddr
	for {
		addr, ok := p.Next()
		if !ok {
			return out
		}
		out = append(out, addr)
	}
}

// ContentDiscovery finds candidate providers for content.
type ContentDiscovery interface {
	FindProviders(ctx context.Context, content types.HashAndFormat) (*Providers, error)
}

// DownloadOptions tells the downloader what to fetch and from whom.
type DownloadOptions struct {
	Content   types.HashAndFormat
	Discovery ContentDiscovery
	Split     SplitStrategy
}

// Explicit yields a fixed list of providers in order.
type Explicit []types.NodeAddr

func (e Explicit) FindProviders(context.Context, types.HashAndFormat) (*Providers, error) {
	return ProvidersOf(e), nil
}

// Shuffled yields a fixed list of providers in random order.
type Shuffled struct {
	Nodes []types.NodeAddr

	mu  sync.Mutex
	rng *rand.Rand
}

func NewShuffled(nodes []types.NodeAddr, rng *rand.Rand) *Shuffled {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Shuffled{Nodes: nodes, rng: rng}
}

func (s *Shuffled) FindProviders(context.Context, types.HashAndFormat) (*Providers, error) {
	list := append([]types.NodeAddr(nil), s.Nodes...)
	s.mu.Lock()
	s.rng.Shuffle(len(list), func(i, j int) { list[i], list[j] = list[j], list[i] })
	s.mu.Unlock()
	return ProvidersOf(list), nil
}

// TrackerDiscovery asks a tracker who has the content. The query runs
// on the first call to Next. Records with bad signatures or for other
// content are dropped.
type TrackerDiscovery struct {
	Tracker types.NodeAddr
	Dialer  TrackerDialer
	// Complete restricts results to hosts that announced all of the content.
	Complete bool
	Shuffle  bool
	Rand     *rand.Rand
	Logger   *zap.Logger
}

func (d *TrackerDiscovery) FindProviders(ctx context.Context, content types.HashAndFormat) (*Providers, error) {
	if d.Dialer == nil {
		return nil, fmt.Errorf("tracker discovery has no dialer")
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		p       *Providers
		pending []types.NodeAddr
		queried bool
	)
	p = newProviders(func() (types.NodeAddr, bool) {
		if !queried {
			queried = true
			found, err := d.query(ctx, content, logger)
			if err != nil {
				p.err = err
				return types.NodeAddr{}, false
			}
			pending = found
		}
		if len(pending) == 0 {
			return types.NodeAddr{}, false
		}
		next := pending[0]
		pending = pending[1:]
		return next, true
	})
	return p, nil
}

func (d *TrackerDiscovery) query(ctx context.Context, content types.HashAndFormat, logger *zap.Logger) ([]types.NodeAddr, error) {
	conn, err := d.Dialer.DialTracker(ctx, d.Tracker)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	defer conn.Close()

	resp, err := conn.Query(ctx, &QueryRequest{Content: content, Complete: d.Complete})
	if err != nil {
		return nil, fmt.Errorf("tracker query failed: %w", err)
	}

	seen := make(map[types.NodeID]struct{})
	var out []types.NodeAddr
	for _, rec := range resp.Providers {
		if err := rec.Signed.Verify(); err != nil {
			logger.Warn("Dropping tracker record", zap.Error(err))
			continue
		}
		if rec.Signed.Announce.Content != content {
			logger.Warn("Dropping tracker record for other content",
				zap.String("content", rec.Signed.Announce.Content.String()))
			continue
		}
		host := rec.Signed.Announce.Host
		if _, dup := seen[host]; dup {
			continue
		}
		seen[host] = struct{}{}
		out = append(out, rec.NodeAddr())
	}

	if d.Shuffle {
		rng := d.Rand
		if rng == nil {
			rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	logger.Debug("Tracker returned providers",
		zap.String("content", content.String()),
		zap.Int("providers", len(out)),
		zap.Int("records", len(resp.Providers)))
	return out, nil
}
