// Package events carries provider lifecycle events from the serving
// path to whatever observes them (logs, metrics).
package events

import (
	"fmt"
	"time"

	"blobshare/pkg/types"
)

// Event is one of the types below and nothing else.
type Event interface {
	isEvent()
}

// ClientConnected is emitted when a peer opens a connection.
type ClientConnected struct {
	ConnectionID string
	RemoteAddr   string
}

// ClientDisconnected is emitted when a peer's connection closes.
type ClientDisconnected struct {
	ConnectionID string
}

// GetRequestReceived is emitted once per Get call, before any data is sent.
type GetRequestReceived struct {
	ConnectionID string
	RequestID    string
	// Requester is the zero id when the peer sent no client certificate.
	Requester types.NodeID
	Hash      types.Hash
	Offset    int64
	Length    int64
}

// TransferProgress reports how far a request has been served.
type TransferProgress struct {
	ConnectionID string
	RequestID    string
	Hash         types.Hash
	EndOffset    int64
}

type TransferCompleted struct {
	ConnectionID string
	RequestID    string
	Stats        TransferStats
}

type TransferAborted struct {
	ConnectionID string
	RequestID    string
	Stats        TransferStats
	Err          error
}

// Other carries anything that has no dedicated type.
type Other struct {
	Message string
}

func (ClientConnected) isEvent()    {}
func (ClientDisconnected) isEvent() {}
func (GetRequestReceived) isEvent() {}
func (TransferProgress) isEvent()   {}
func (TransferCompleted) isEvent()  {}
func (TransferAborted) isEvent()    {}
func (Other) isEvent()              {}

type TransferStats struct {
	Bytes    int64
	Duration time.Duration
}

func (s TransferStats) String() string {
	return fmt.Sprintf("%d bytes in %s", s.Bytes, s.Duration.Round(time.Millisecond))
}
