package transport

import (
	"context"

	"blobshare/pkg/types"

	"google.golang.org/grpc"
)

// Messages of the blobshare.blobs.v1.Blobs service.

type StatRequest struct {
	Hash types.Hash `cbor:"hash"`
}

type StatResponse struct {
	Found bool  `cbor:"found"`
	Size  int64 `cbor:"size"`
}

// GetRequest asks for bytes [Offset, Offset+Length) of a blob. A zero
// Length means "to the end".
type GetRequest struct {
	Hash   types.Hash `cbor:"hash"`
	Offset int64      `cbor:"offset"`
	Length int64      `cbor:"length"`
}

type GetResponse struct {
	Size   int64  `cbor:"size"`
	Offset int64  `cbor:"offset"`
	Data   []byte `cbor:"data"`
}

const (
	BlobsServiceName = "blobshare.blobs.v1.Blobs"
	blobsStatMethod  = "/" + BlobsServiceName + "/Stat"
	blobsGetMethod   = "/" + BlobsServiceName + "/Get"
)

// BlobsServer is the server side of the blobs service.
type BlobsServer interface {
	Stat(context.Context, *StatRequest) (*StatResponse, error)
	Get(*GetRequest, BlobsGetServer) error
}

type BlobsGetServer interface {
	Send(*GetResponse) error
	grpc.ServerStream
}

type blobsGetServer struct {
	grpc.ServerStream
}

func (s *blobsGetServer) Send(m *GetResponse) error {
	return s.ServerStream.SendMsg(m)
}

func blobsStatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BlobsServer).Stat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: blobsStatMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BlobsServer).Stat(ctx, req.(*StatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func blobsGetHandler(srv any, stream grpc.ServerStream) error {
	in := new(GetRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(BlobsServer).Get(in, &blobsGetServer{stream})
}

var BlobsServiceDesc = grpc.ServiceDesc{
	ServiceName: BlobsServiceName,
	HandlerType: (*BlobsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Stat", Handler: blobsStatHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Get", Handler: blobsGetHandler, ServerStreams: true},
	},
}

func RegisterBlobsServer(s grpc.ServiceRegistrar, srv BlobsServer) {
	s.RegisterService(&BlobsServiceDesc, srv)
}

// BlobsClient calls a remote provider.
type BlobsClient struct {
	cc grpc.ClientConnInterface
}

func NewBlobsClient(cc grpc.ClientConnInterface) *BlobsClient {
	return &BlobsClient{cc: cc}
}

func (c *BlobsClient) Stat(ctx context.Context, in *StatRequest, opts ...grpc.CallOption) (*StatResponse, error) {
	out := new(StatResponse)
	if err := c.cc.Invoke(ctx, blobsStatMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// BlobsGetClient receives the frames of a Get call.
type BlobsGetClient interface {
	Recv() (*GetResponse, error)
	grpc.ClientStream
}

type blobsGetClient struct {
	grpc.ClientStream
}

func (x *blobsGetClient) Recv() (*GetResponse, error) {
	m := new(GetResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *BlobsClient) Get(ctx context.Context, in *GetRequest, opts ...grpc.CallOption) (BlobsGetClient, error) {
	stream, err := c.cc.NewStream(ctx, &BlobsServiceDesc.Streams[0], blobsGetMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &blobsGetClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
