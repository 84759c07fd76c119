package discovery

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"blobshare/pkg/identity"
	"blobshare/pkg/types"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	DefaultRetryDelay       = 5 * time.Second
	DefaultAnnounceInterval = 30 * time.Second
	// DefaultAnnounceTimeout bounds one connect-and-send attempt.
	DefaultAnnounceTimeout = 15 * time.Second
)

type AnnouncerState int32

const (
	StateIdle AnnouncerState = iota
	StateConnecting
	StateSending
	StateSleeping
)

func (s AnnouncerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSending:
		return "sending"
	case StateSleeping:
		return "sleeping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// AnnouncerConfig configures an Announcer.
type AnnouncerConfig struct {
	Tracker types.NodeAddr
	Key     *identity.SecretKey
	Content types.HashAndFormat
	// Addrs returns the addresses to advertise with each announcement.
	Addrs  func() []string
	Dialer TrackerDialer
	Clock  clockwork.Clock
	Logger *zap.Logger

	RetryDelay time.Duration
	Interval   time.Duration
	Timeout    time.Duration
}

// Announcer tells a tracker, over and over, that this node has content.
// Failures are retried after RetryDelay; successes are repeated after
// Interval so the tracker never expires the entry.
type Announcer struct {
	cfg    AnnouncerConfig
	logger *zap.Logger
	clock  clockwork.Clock

	state     atomic.Int32
	announced atomic.Uint64
	last      AbsoluteTime
}

func NewAnnouncer(cfg AnnouncerConfig) *Announcer {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultAnnounceInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultAnnounceTimeout
	}
	return &Announcer{cfg: cfg, logger: cfg.Logger, clock: cfg.Clock}
}

func (a *Announcer) State() AnnouncerState {
	return AnnouncerState(a.state.Load())
}

// Announced is the number of announcements the tracker accepted.
func (a *Announcer) Announced() uint64 {
	return a.announced.Load()
}

func (a *Announcer) setState(s AnnouncerState) {
	a.state.Store(int32(s))
}

// Run announces until ctx is cancelled. It only returns on cancellation.
func (a *Announcer) Run(ctx context.Context) error {
	defer a.setState(StateIdle)

	for {
		delay := a.cfg.Interval
		if err := a.announceOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.logger.Warn("Announce failed, retrying",
				zap.String("tracker", a.cfg.Tracker.NodeID.String()),
				zap.Duration("retry_in", a.cfg.RetryDelay),
				zap.Error(err))
			delay = a.cfg.RetryDelay
		}

		a.setState(StateSleeping)
		if !a.sleep(ctx, delay) {
			return nil
		}
	}
}

func (a *Announcer) announceOnce(ctx context.Context) error {
	a.setState(StateConnecting)
	signed, err := Sign(a.nextAnnounce(), a.cfg.Key)
	if err != nil {
		return err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	a.logger.Debug("Connecting to tracker", zap.String("tracker", a.cfg.Tracker.String()))
	conn, err := a.cfg.Dialer.DialTracker(attemptCtx, a.cfg.Tracker)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	defer conn.Close()

	a.setState(StateSending)
	req := &AnnounceRequest{Signed: signed}
	if a.cfg.Addrs != nil {
		req.Addrs = a.cfg.Addrs()
	}
	if err := conn.Announce(attemptCtx, req); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	a.announced.Add(1)
	a.logger.Info("Announced content",
		zap.String("content", a.cfg.Content.String()),
		zap.String("tracker", a.cfg.Tracker.NodeID.String()),
		zap.Time("timestamp", signed.Announce.Timestamp.Time()))
	return nil
}

// nextAnnounce builds a fresh announcement whose timestamp never goes
// backwards, even if the wall clock does.
func (a *Announcer) nextAnnounce() Announce {
	ts := AbsoluteTimeFrom(a.clock.Now())
	if ts < a.last {
		ts = a.last
	}
	a.last = ts
	return Announce{
		Host:      a.cfg.Key.Public(),
		Content:   a.cfg.Content,
		Kind:      KindComplete,
		Timestamp: ts,
	}
}

func (a *Announcer) sleep(ctx context.Context, d time.Duration) bool {
	timer := a.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return true
	case <-ctx.Done():
		return false
	}
}
