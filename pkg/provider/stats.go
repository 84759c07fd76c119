package provider

import (
	"context"

	"blobshare/pkg/events"

	"github.com/google/uuid"
	"google.golang.org/grpc/stats"
)

type connKey struct{}

type connInfo struct {
	id         string
	remoteAddr string
}

func connectionID(ctx context.Context) string {
	if info, ok := ctx.Value(connKey{}).(connInfo); ok {
		return info.id
	}
	return ""
}

// connEvents turns gRPC connection lifecycle callbacks into events.
type connEvents struct {
	p *Provider
}

func (h *connEvents) TagConn(ctx context.Context, info *stats.ConnTagInfo) context.Context {
	remote := ""
	if info.RemoteAddr != nil {
		remote = info.RemoteAddr.String()
	}
	return context.WithValue(ctx, connKey{}, connInfo{id: uuid.NewString(), remoteAddr: remote})
}

func (h *connEvents) HandleConn(ctx context.Context, s stats.ConnStats) {
	info, _ := ctx.Value(connKey{}).(connInfo)
	switch s.(type) {
	case *stats.ConnBegin:
		h.p.emit(events.ClientConnected{ConnectionID: info.id, RemoteAddr: info.remoteAddr})
	case *stats.ConnEnd:
		h.p.emit(events.ClientDisconnected{ConnectionID: info.id})
	}
}

func (h *connEvents) TagRPC(ctx context.Context, _ *stats.RPCTagInfo) context.Context {
	return ctx
}

func (h *connEvents) HandleRPC(context.Context, stats.RPCStats) {}
