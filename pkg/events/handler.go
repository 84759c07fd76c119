package events

import (
	"go.uber.org/zap"
)

// LogHandler logs every event and, if Metrics is set, updates it.
type LogHandler struct {
	Logger  *zap.Logger
	Metrics *Metrics
}

func NewLogHandler(logger *zap.Logger, metrics *Metrics) *LogHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogHandler{Logger: logger, Metrics: metrics}
}

func (h *LogHandler) Handle(ev Event) {
	m := h.Metrics
	switch e := ev.(type) {
	case ClientConnected:
		h.Logger.Info("Client connected",
			zap.String("connection_id", e.ConnectionID),
			zap.String("remote_addr", e.RemoteAddr))
		if m != nil {
			m.ConnectionsTotal.Inc()
			m.ConnectionsActive.Inc()
		}
	case ClientDisconnected:
		h.Logger.Debug("Client disconnected", zap.String("connection_id", e.ConnectionID))
		if m != nil {
			m.ConnectionsActive.Dec()
		}
	case GetRequestReceived:
		h.Logger.Info("Get request received",
			zap.String("connection_id", e.ConnectionID),
			zap.String("request_id", e.RequestID),
			zap.String("requester", e.Requester.String()),
			zap.String("hash", e.Hash.String()),
			zap.Int64("offset", e.Offset),
			zap.Int64("length", e.Length))
		if m != nil {
			m.RequestsTotal.Inc()
		}
	case TransferProgress:
		h.Logger.Debug("Transfer progress",
			zap.String("connection_id", e.ConnectionID),
			zap.String("request_id", e.RequestID),
			zap.String("hash", e.Hash.Short()),
			zap.Int64("end_offset", e.EndOffset))
	case TransferCompleted:
		h.Logger.Info("Transfer completed",
			zap.String("connection_id", e.ConnectionID),
			zap.String("request_id", e.RequestID),
			zap.Stringer("stats", e.Stats))
		if m != nil {
			m.TransfersCompleted.Inc()
			m.BytesSent.Add(float64(e.Stats.Bytes))
			m.TransferDuration.Observe(e.Stats.Duration.Seconds())
		}
	case TransferAborted:
		h.Logger.Warn("Transfer aborted",
			zap.String("connection_id", e.ConnectionID),
			zap.String("request_id", e.RequestID),
			zap.Stringer("stats", e.Stats),
			zap.Error(e.Err))
		if m != nil {
			m.TransfersAborted.Inc()
			m.BytesSent.Add(float64(e.Stats.Bytes))
		}
	case Other:
		h.Logger.Debug("Provider event", zap.String("message", e.Message))
		if m != nil {
			m.OtherEvents.Inc()
		}
	default:
		h.Logger.Warn("Unknown provider event", zap.Any("event", ev))
	}
}
