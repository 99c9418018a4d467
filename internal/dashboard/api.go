package dashboard

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tgthr/fieldsync/internal/audit"
	"github.com/tgthr/fieldsync/internal/cache"
	"github.com/tgthr/fieldsync/internal/model"
	"github.com/tgthr/fieldsync/internal/outbox"
	fsync "github.com/tgthr/fieldsync/internal/sync"
)

// maxBodyBytes bounds request bodies accepted by the API.
const maxBodyBytes = 1 << 20

// SyncService is the pull side of the API.
type SyncService interface {
	FullSync(ctx context.Context) (fsync.Counts, error)
	Status(ctx context.Context) fsync.SyncStatus
}

// OutboxService is the push side of the API.
type OutboxService interface {
	Submit(ctx context.Context, item *model.OutboxItem) (outbox.Result, error)
	RetryPending(ctx context.Context) (outbox.RetrySummary, error)
	Get(ctx context.Context, localID string) (*model.OutboxItem, error)
}

// CacheReader serves reads from the local cache.
type CacheReader interface {
	ListActiveEnrollments(ctx context.Context) ([]*cache.ActiveEnrollment, error)
	GetEnrollment(ctx context.Context, localID string) (*model.Enrollment, error)
}

// SyncTrigger queues a sync cycle without waiting for it.
type SyncTrigger interface {
	TriggerSync() bool
}

// API handles the sync endpoints.
type API struct {
	syncer  SyncService
	pusher  OutboxService
	reader  CacheReader
	trigger SyncTrigger
	events  *Handler
	logger  logrus.FieldLogger
}

// NewAPI creates the API handlers. reader may be nil, in which case the
// cache read endpoints answer 503.
func NewAPI(syncer SyncService, pusher OutboxService, reader CacheReader, logger logrus.FieldLogger) *API {
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "api")
	}
	return &API{syncer: syncer, pusher: pusher, reader: reader, logger: logger}
}

// SetTrigger routes run-full requests with wait=false through t.
func (a *API) SetTrigger(t SyncTrigger) {
	a.trigger = t
}

// RegisterRoutes registers the sync routes
func (a *API) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/sync/run-full", a.RunFullSync).Methods("POST")
	router.HandleFunc("/api/sync/status", a.GetStatus).Methods("GET")
	router.HandleFunc("/api/sync/outbox", a.SubmitOutbox).Methods("POST")
	router.HandleFunc("/api/sync/outbox/retry", a.RetryOutbox).Methods("POST")
	router.HandleFunc("/api/sync/outbox/{local_id}", a.GetOutboxItem).Methods("GET")
	router.HandleFunc("/api/sync/active-enrollments", a.GetActiveEnrollments).Methods("GET")
	router.HandleFunc("/api/sync/enrollments/{local_id}", a.GetEnrollment).Methods("GET")
}

// RunFullSync handles a manual full sync. With wait=false and a trigger set
// the cycle is queued on the daemon and the response is 202.
func (a *API) RunFullSync(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("wait") == "false" && a.trigger != nil {
		queued := a.trigger.TriggerSync()
		audit.AddContext(r.Context(), "queued", queued)
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": queued})
		return
	}

	counts, err := a.syncer.FullSync(r.Context())
	if errors.Is(err, fsync.ErrSyncInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	a.events.OnSync(counts, err)
	if err != nil {
		a.logger.WithError(err).Error("full sync failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	audit.AddContext(r.Context(), "counts", counts)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"counts":  counts,
	})
}

// GetStatus handles status requests
func (a *API) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.syncer.Status(r.Context()))
}

// SubmitOutboxRequest is the body of an outbox submission.
type SubmitOutboxRequest struct {
	LocalID string           `json:"local_id,omitempty"`
	Kind    model.OutboxKind `json:"kind"`
	Payload json.RawMessage  `json:"payload"`
}

// SubmitOutbox stores a locally created record and attempts to push it.
// The response is 201 when the push was acknowledged and 202 when the
// record is stored but still waiting.
func (a *API) SubmitOutbox(w http.ResponseWriter, r *http.Request) {
	var req SubmitOutboxRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	item := &model.OutboxItem{
		LocalID:   req.LocalID,
		Kind:      req.Kind,
		Payload:   req.Payload,
		CreatedAt: time.Now().UTC(),
	}
	if item.LocalID == "" {
		item.LocalID = model.NewLocalID()
	}
	if err := item.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.pusher.Submit(r.Context(), item)
	if err != nil {
		a.logger.WithError(err).Error("failed to store outbox item")
		writeError(w, http.StatusInternalServerError, "failed to store item locally")
		return
	}
	audit.AddEntities(r.Context(), res.LocalID, res.RemoteID)

	status := http.StatusAccepted
	if res.Synced {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// RetryOutbox re-attempts every unsynced item
func (a *API) RetryOutbox(w http.ResponseWriter, r *http.Request) {
	sum, err := a.pusher.RetryPending(r.Context())
	if err != nil {
		a.logger.WithError(err).Error("outbox retry failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, res := range sum.Results {
		audit.AddEntities(r.Context(), res.LocalID)
	}
	writeJSON(w, http.StatusOK, sum)
}

// GetOutboxItem returns one stored item
func (a *API) GetOutboxItem(w http.ResponseWriter, r *http.Request) {
	localID := mux.Vars(r)["local_id"]

	item, err := a.pusher.Get(r.Context(), localID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if item == nil {
		writeError(w, http.StatusNotFound, "Outbox item not found")
		return
	}
	audit.AddEntities(r.Context(), item.LocalID)
	writeJSON(w, http.StatusOK, item)
}

// ActiveBaseline is the active enrollment list with a content hash clients
// compare to skip unchanged downloads.
type ActiveBaseline struct {
	BaselineHash    string                    `json:"baseline_hash"`
	LastRefreshedAt string                    `json:"last_refreshed_at"`
	Items           []*cache.ActiveEnrollment `json:"items"`
}

// GetActiveEnrollments returns the active_enrollments view. The baseline
// hash doubles as the ETag; a matching If-None-Match gets 304.
func (a *API) GetActiveEnrollments(w http.ResponseWriter, r *http.Request) {
	if a.reader == nil {
		writeError(w, http.StatusServiceUnavailable, "cache not available")
		return
	}
	items, err := a.reader.ListActiveEnrollments(r.Context())
	if err != nil {
		a.logger.WithError(err).Error("failed to list active enrollments")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []*cache.ActiveEnrollment{}
	}

	hash, err := baselineHash(items)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, it := range items {
		audit.AddEntities(r.Context(), it.ParticipantRef)
	}
	audit.AddContext(r.Context(), "baseline_hash", hash)

	w.Header().Set("ETag", `"`+hash+`"`)
	if match := r.Header.Get("If-None-Match"); match != "" && strings.Trim(match, `"`) == hash {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, ActiveBaseline{
		BaselineHash:    hash,
		LastRefreshedAt: time.Now().UTC().Format(time.RFC3339),
		Items:           items,
	})
}

// baselineHash hashes items in a fixed order so the same cache content
// always yields the same hash.
func baselineHash(items []*cache.ActiveEnrollment) (string, error) {
	sorted := append([]*cache.ActiveEnrollment(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if x, y := strings.ToLower(a.LastName), strings.ToLower(b.LastName); x != y {
			return x < y
		}
		if x, y := strings.ToLower(a.FirstName), strings.ToLower(b.FirstName); x != y {
			return x < y
		}
		if a.ParticipantRef != b.ParticipantRef {
			return a.ParticipantRef < b.ParticipantRef
		}
		return a.ProgramRef < b.ProgramRef
	})
	data, err := json.Marshal(sorted)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// GetEnrollment returns one cached enrollment by local id
func (a *API) GetEnrollment(w http.ResponseWriter, r *http.Request) {
	if a.reader == nil {
		writeError(w, http.StatusServiceUnavailable, "cache not available")
		return
	}
	localID := mux.Vars(r)["local_id"]

	e, err := a.reader.GetEnrollment(r.Context(), localID)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "Enrollment not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	audit.AddEntities(r.Context(), e.LocalID, e.ParticipantRef)
	writeJSON(w, http.StatusOK, e)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
