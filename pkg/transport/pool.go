package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"blobshare/pkg/types"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

const (
	// circuitThreshold failures in a row take a node out of rotation.
	circuitThreshold = 3
	circuitCooldown  = 30 * time.Second
)

var ErrCircuitOpen = errors.New("circuit breaker open")

// Pool shares one connection per node across concurrent callers.
type Pool struct {
	dialer *Dialer
	logger *zap.Logger

	mu    sync.RWMutex
	conns map[types.NodeID]*pooledConn
}

type pooledConn struct {
	conn *grpc.ClientConn

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
}

func NewPool(dialer *Dialer, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		dialer: dialer,
		logger: logger,
		conns:  make(map[types.NodeID]*pooledConn),
	}
}

func (p *Pool) Dialer() *Dialer {
	return p.dialer
}

func (pc *pooledConn) connected() bool {
	state := pc.conn.GetState()
	return state != connectivity.Shutdown && state != connectivity.TransientFailure
}

func (pc *pooledConn) circuitOpen() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.failures >= circuitThreshold && time.Since(pc.lastFailure) <= circuitCooldown
}

// Get returns a pooled connection to addr, dialing if needed. Nodes whose
// circuit is open are refused with ErrCircuitOpen until the cooldown
// passes.
func (p *Pool) Get(ctx context.Context, addr types.NodeAddr) (*grpc.ClientConn, error) {
	p.mu.RLock()
	pc, ok := p.conns[addr.NodeID]
	p.mu.RUnlock()
	if ok {
		if pc.circuitOpen() {
			return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, addr.NodeID.Short())
		}
		if pc.connected() {
			return pc.conn, nil
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var failures int
	if pc, ok := p.conns[addr.NodeID]; ok {
		if pc.connected() {
			return pc.conn, nil
		}
		pc.mu.Lock()
		failures = pc.failures
		pc.mu.Unlock()
		pc.conn.Close()
		delete(p.conns, addr.NodeID)
	}

	conn, err := p.dialer.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	p.conns[addr.NodeID] = &pooledConn{conn: conn, failures: failures}
	p.logger.Debug("Pooled connection", zap.String("node_id", addr.NodeID.String()))
	return conn, nil
}

// MarkFailed records a failed call; repeated failures open the circuit
// for that node until the cooldown passes.
func (p *Pool) MarkFailed(id types.NodeID) {
	p.mu.RLock()
	pc, ok := p.conns[id]
	p.mu.RUnlock()
	if !ok {
		return
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.failures++
	pc.lastFailure = time.Now()
	if pc.failures == circuitThreshold {
		p.logger.Warn("Circuit breaker opened for node",
			zap.String("node_id", id.String()),
			zap.Int("failures", pc.failures))
	}
}

// MarkHealthy resets the failure count after a successful call.
func (p *Pool) MarkHealthy(id types.NodeID) {
	p.mu.RLock()
	pc, ok := p.conns[id]
	p.mu.RUnlock()
	if !ok {
		return
	}
	pc.mu.Lock()
	pc.failures = 0
	pc.mu.Unlock()
}

func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, pc := range p.conns {
		pc.conn.Close()
		delete(p.conns, id)
	}
	return nil
}
