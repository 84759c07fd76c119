package discovery

import (
	"context"

	"blobshare/pkg/transport"
	"blobshare/pkg/types"

	"google.golang.org/grpc"
)

const (
	TrackerServiceName    = "blobshare.tracker.v1.Tracker"
	trackerAnnounceMethod = "/" + TrackerServiceName + "/Announce"
	trackerQueryMethod    = "/" + TrackerServiceName + "/Query"
)

// TrackerServer is the server side of the tracker service.
type TrackerServer interface {
	Announce(context.Context, *AnnounceRequest) (*AnnounceResponse, error)
	Query(context.Context, *QueryRequest) (*QueryResponse, error)
}

func trackerAnnounceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AnnounceRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TrackerServer).Announce(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: trackerAnnounceMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TrackerServer).Announce(ctx, req.(*AnnounceRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func trackerQueryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(QueryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TrackerServer).Query(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: trackerQueryMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TrackerServer).Query(ctx, req.(*QueryRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var TrackerServiceDesc = grpc.ServiceDesc{
	ServiceName: TrackerServiceName,
	HandlerType: (*TrackerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Announce", Handler: trackerAnnounceHandler},
		{MethodName: "Query", Handler: trackerQueryHandler},
	},
}

func RegisterTrackerServer(s grpc.ServiceRegistrar, srv TrackerServer) {
	s.RegisterService(&TrackerServiceDesc, srv)
}

// TrackerClient calls a remote tracker.
type TrackerClient struct {
	cc grpc.ClientConnInterface
}

func NewTrackerClient(cc grpc.ClientConnInterface) *TrackerClient {
	return &TrackerClient{cc: cc}
}

func (c *TrackerClient) Announce(ctx context.Context, in *AnnounceRequest, opts ...grpc.CallOption) (*AnnounceResponse, error) {
	out := new(AnnounceResponse)
	if err := c.cc.Invoke(ctx, trackerAnnounceMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *TrackerClient) Query(ctx context.Context, in *QueryRequest, opts ...grpc.CallOption) (*QueryResponse, error) {
	out := new(QueryResponse)
	if err := c.cc.Invoke(ctx, trackerQueryMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// TrackerConn is one session with a tracker.
type TrackerConn interface {
	Announce(ctx context.Context, req *AnnounceRequest) error
	Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error)
	Close() error
}

// TrackerDialer opens tracker sessions.
type TrackerDialer interface {
	DialTracker(ctx context.Context, tracker types.NodeAddr) (TrackerConn, error)
}

// GRPCTrackerDialer reaches trackers over the blobshare transport.
type GRPCTrackerDialer struct {
	Dialer *transport.Dialer
}

func (d *GRPCTrackerDialer) DialTracker(ctx context.Context, tracker types.NodeAddr) (TrackerConn, error) {
	conn, err := d.Dialer.Dial(ctx, tracker)
	if err != nil {
		return nil, err
	}
	return &grpcTrackerConn{conn: conn, client: NewTrackerClient(conn)}, nil
}

type grpcTrackerConn struct {
	conn   *grpc.ClientConn
	client *TrackerClient
}

func (c *grpcTrackerConn) Announce(ctx context.Context, req *AnnounceRequest) error {
	_, err := c.client.Announce(ctx, req)
	return err
}

func (c *grpcTrackerConn) Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	return c.client.Query(ctx, req)
}

func (c *grpcTrackerConn) Close() error {
	return c.conn.Close()
}
