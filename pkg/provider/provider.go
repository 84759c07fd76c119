// Package provider serves blobs from a local store to other nodes.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"blobshare/pkg/events"
	"blobshare/pkg/identity"
	"blobshare/pkg/store"
	"blobshare/pkg/transport"
	"blobshare/pkg/types"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// BlobSource is the read side of a blob store.
type BlobSource interface {
	OpenBlob(h types.Hash) (*store.Blob, error)
	Size(h types.Hash) (int64, error)
}

// Options configures a Provider.
type Options struct {
	// ListenAddr is a host:port; port 0 picks a free port.
	ListenAddr string
	Logger     *zap.Logger
	// Sink receives lifecycle events. Nil disables them.
	Sink *events.Sink
	// Permit decides whether a requester may fetch. Nil permits everyone.
	Permit func(requester types.NodeID, identified bool) bool
	// FrameSize is the data payload per streamed message.
	FrameSize int
}

// Provider serves blobs from a store to remote nodes.
type Provider struct {
	key    *identity.SecretKey
	blobs  BlobSource
	logger *zap.Logger
	sink   *events.Sink
	permit func(types.NodeID, bool) bool
	frame  int

	listenAddr string
	server     *grpc.Server
	listener   net.Listener
	nextReq    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
}

func New(key *identity.SecretKey, blobs BlobSource, opts Options) *Provider {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	frame := opts.FrameSize
	if frame <= 0 || frame > transport.MaxFrameSize {
		frame = transport.MaxFrameSize
	}
	listenAddr := opts.ListenAddr
	if listenAddr == "" {
		listenAddr = "0.0.0.0:0"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		key:        key,
		blobs:      blobs,
		logger:     logger,
		sink:       opts.Sink,
		permit:     opts.Permit,
		frame:      frame,
		listenAddr: listenAddr,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start binds the listener and serves in the background.
func (p *Provider) Start() error {
	listener, err := net.Listen("tcp", p.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.listenAddr, err)
	}
	p.listener = listener

	server, err := transport.NewServer(p.key, grpc.StatsHandler(&connEvents{p: p}))
	if err != nil {
		listener.Close()
		return err
	}
	transport.RegisterBlobsServer(server, p)
	p.server = server

	p.logger.Info("Provider starting",
		zap.String("node_id", p.key.Public().String()),
		zap.Strings("addresses", transport.ListenAddrs(listener)))

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			p.logger.Error("Provider stopped serving", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the address to put in tickets and announcements.
func (p *Provider) Addr() types.NodeAddr {
	addr := types.NodeAddr{NodeID: p.key.Public()}
	if p.listener != nil {
		addr.Addrs = transport.ListenAddrs(p.listener)
	}
	return addr
}

// Stop stops accepting connections and waits for in-flight requests.
func (p *Provider) Stop() {
	if p.server != nil {
		p.server.GracefulStop()
	}
	p.cancel()
}

func (p *Provider) emit(ev events.Event) {
	p.sink.Emit(p.ctx, ev)
}

func (p *Provider) authorize(ctx context.Context) (types.NodeID, error) {
	requester, identified := transport.PeerNodeID(ctx)
	if p.permit != nil && !p.permit(requester, identified) {
		return requester, status.Error(codes.PermissionDenied, "requester not permitted")
	}
	return requester, nil
}

func (p *Provider) Stat(ctx context.Context, req *transport.StatRequest) (*transport.StatResponse, error) {
	if _, err := p.authorize(ctx); err != nil {
		return nil, err
	}
	size, err := p.blobs.Size(req.Hash)
	if errors.Is(err, store.ErrNotFound) {
		return &transport.StatResponse{Found: false}, nil
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to stat blob: %v", err)
	}
	return &transport.StatResponse{Found: true, Size: size}, nil
}

func (p *Provider) Get(req *transport.GetRequest, stream transport.BlobsGetServer) error {
	ctx := stream.Context()
	connID := connectionID(ctx)
	reqID := strconv.FormatUint(p.nextReq.Add(1), 10)

	requester, err := p.authorize(ctx)
	if err != nil {
		return err
	}
	p.emit(events.GetRequestReceived{
		ConnectionID: connID,
		RequestID:    reqID,
		Requester:    requester,
		Hash:         req.Hash,
		Offset:       req.Offset,
		Length:       req.Length,
	})

	start := time.Now()
	var sent int64
	abort := func(err error) error {
		p.emit(events.TransferAborted{
			ConnectionID: connID,
			RequestID:    reqID,
			Stats:        events.TransferStats{Bytes: sent, Duration: time.Since(start)},
			Err:          err,
		})
		return err
	}

	blob, err := p.blobs.OpenBlob(req.Hash)
	if errors.Is(err, store.ErrNotFound) {
		return abort(status.Errorf(codes.NotFound, "blob %s not found", req.Hash))
	}
	if err != nil {
		return abort(status.Errorf(codes.Internal, "failed to open blob: %v", err))
	}
	defer blob.Close()

	size := blob.Size()
	if req.Offset < 0 || req.Length < 0 || req.Offset > size {
		return abort(status.Errorf(codes.OutOfRange, "range [%d, +%d) outside blob of size %d", req.Offset, req.Length, size))
	}
	end := size
	if req.Length > 0 && req.Offset+req.Length < size {
		end = req.Offset + req.Length
	}

	// An empty range still gets one frame so the client learns the size.
	buf := make([]byte, p.frame)
	for off := req.Offset; off < end || off == req.Offset; {
		n := int64(len(buf))
		if end-off < n {
			n = end - off
		}
		read, err := blob.ReadAt(buf[:n], off)
		if int64(read) != n {
			return abort(status.Errorf(codes.Internal, "short read at %d: %v", off, err))
		}
		if err := stream.Send(&transport.GetResponse{Size: size, Offset: off, Data: buf[:n]}); err != nil {
			return abort(err)
		}
		off += n
		sent += n
		p.emit(events.TransferProgress{ConnectionID: connID, RequestID: reqID, Hash: req.Hash, EndOffset: off})
		if off >= end {
			break
		}
	}

	p.emit(events.TransferCompleted{
		ConnectionID: connID,
		RequestID:    reqID,
		Stats:        events.TransferStats{Bytes: sent, Duration: time.Since(start)},
	})
	return nil
}
