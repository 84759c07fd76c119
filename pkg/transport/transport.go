// Package transport carries blobshare's gRPC services over TLS
// connections authenticated by node identity.
//
// Messages are CBOR encoded. There is no generated code: service
// descriptors are declared by hand next to their message types.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"blobshare/pkg/identity"
	"blobshare/pkg/types"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
)

const (
	// DefaultDialTimeout bounds a single connection attempt.
	DefaultDialTimeout = 10 * time.Second

	// MaxFrameSize is the largest data payload put into one message.
	MaxFrameSize = 1024 * 1024
)

var ErrNoAddresses = errors.New("node has no known addresses")

// Dialer opens identity-pinned client connections.
type Dialer struct {
	Key         *identity.SecretKey
	Timeout     time.Duration
	Compression bool
	Logger      *zap.Logger
}

// Dial connects to the first reachable address of addr whose TLS
// certificate belongs to addr.NodeID.
func (d *Dialer) Dial(ctx context.Context, addr types.NodeAddr) (*grpc.ClientConn, error) {
	if len(addr.Addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAddresses, addr.NodeID.Short())
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	tlsConfig, err := d.Key.ClientTLSConfig(addr.NodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to build TLS config: %w", err)
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)),
		grpc.WithDefaultCallOptions(d.CallOptions()...),
		grpc.WithBlock(),
		grpc.WithReturnConnectionError(),
		grpc.FailOnNonTempDialError(true),
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	var lastErr error
	for _, endpoint := range addr.Addrs {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		conn, err := grpc.DialContext(dialCtx, endpoint, opts...)
		cancel()
		if err == nil {
			logger.Debug("Connected to node",
				zap.String("node_id", addr.NodeID.String()),
				zap.String("endpoint", endpoint))
			return conn, nil
		}
		lastErr = err
		logger.Debug("Failed to connect to endpoint",
			zap.String("node_id", addr.NodeID.String()),
			zap.String("endpoint", endpoint),
			zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("failed to connect to any endpoint for %s: %w", addr.NodeID.Short(), lastErr)
}

// CallOptions are the per-call options every blobshare client uses.
func (d *Dialer) CallOptions() []grpc.CallOption {
	opts := []grpc.CallOption{
		grpc.CallContentSubtype(CodecName),
		grpc.MaxCallRecvMsgSize(2 * MaxFrameSize),
	}
	if d.Compression {
		opts = append(opts, grpc.UseCompressor(CompressorName))
	}
	return opts
}

// NewServer returns a gRPC server presenting key's certificate.
func NewServer(key *identity.SecretKey, opts ...grpc.ServerOption) (*grpc.Server, error) {
	tlsConfig, err := key.ServerTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build server TLS config: %w", err)
	}
	opts = append([]grpc.ServerOption{
		grpc.Creds(credentials.NewTLS(tlsConfig)),
		grpc.MaxRecvMsgSize(2 * MaxFrameSize),
	}, opts...)
	return grpc.NewServer(opts...), nil
}

// PeerNodeID returns the node id of the remote side of a server call,
// if the client presented a certificate.
func PeerNodeID(ctx context.Context) (types.NodeID, bool) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return types.NodeID{}, false
	}
	info, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(info.State.PeerCertificates) == 0 {
		return types.NodeID{}, false
	}
	id, err := identity.NodeIDFromCert([][]byte{info.State.PeerCertificates[0].Raw})
	if err != nil {
		return types.NodeID{}, false
	}
	return id, true
}

// ListenAddrs returns the addresses other nodes can dial to reach ln. An
// unspecified host expands to every non-loopback interface address,
// followed by loopback.
func ListenAddrs(ln net.Listener) []string {
	tcp, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return []string{ln.Addr().String()}
	}
	if !tcp.IP.IsUnspecified() {
		return []string{tcp.String()}
	}

	port := fmt.Sprint(tcp.Port)
	var out, loopback []string
	ifaces, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range ifaces {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.IsLinkLocalUnicast() {
				continue
			}
			hp := net.JoinHostPort(ipnet.IP.String(), port)
			if ipnet.IP.IsLoopback() {
				loopback = append(loopback, hp)
			} else {
				out = append(out, hp)
			}
		}
	}
	out = append(out, loopback...)
	if len(out) == 0 {
		out = append(out, net.JoinHostPort("127.0.0.1", port))
	}
	return out
}
