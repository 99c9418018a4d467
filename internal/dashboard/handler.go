package dashboard

import (
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tgthr/fieldsync/internal/model"
	"github.com/tgthr/fieldsync/internal/outbox"
	fsync "github.com/tgthr/fieldsync/internal/sync"
)

// SyncCompleteData contains sync completion information
type SyncCompleteData struct {
	Counts fsync.Counts `json:"counts"`
}

// SyncFailedData contains the error that aborted a sync
type SyncFailedData struct {
	Error string `json:"error"`
}

// AuditQueuedData describes an audit record waiting for redelivery
type AuditQueuedData struct {
	ActionType string    `json:"action_type"`
	EntityRef  string    `json:"entity_ref,omitempty"`
	Timestamp  time.Time `json:"timestamp_utc"`
}

// Handler formats service events as dashboard messages.
// Its methods match the callback hooks of the daemon, the outbox and the
// audit relay. A nil Handler ignores every event.
type Handler struct {
	server *Server
	logger logrus.FieldLogger
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "dashboard")
	}
	return &Handler{server: server, logger: logger}
}

// OnSync handles the end of a sync cycle.
func (h *Handler) OnSync(counts fsync.Counts, err error) {
	if h == nil {
		return
	}
	if err != nil {
		h.send(MessageTypeSyncFailed, SyncFailedData{Error: err.Error()})
		return
	}
	h.send(MessageTypeSyncComplete, SyncCompleteData{Counts: counts})
}

// OnOutbox handles one push attempt.
func (h *Handler) OnOutbox(res outbox.Result) {
	if h == nil {
		return
	}
	h.send(MessageTypeOutboxUpdate, res)
}

// OnAuditQueued handles an audit record falling back to the local queue.
func (h *Handler) OnAuditQueued(rec *model.AuditRecord) {
	if h == nil {
		return
	}
	h.send(MessageTypeAuditQueued, AuditQueuedData{
		ActionType: rec.ActionType,
		EntityRef:  rec.EntityRef,
		Timestamp:  rec.Timestamp,
	})
}

func (h *Handler) send(typ MessageType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.WithError(err).WithField("type", typ).Warn("failed to marshal event")
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      data,
	})
}
