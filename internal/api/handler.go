package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dmutua/safiri/internal/db"
	"github.com/dmutua/safiri/internal/dispatch"
	"github.com/dmutua/safiri/internal/ledger"
	"github.com/dmutua/safiri/internal/notify"
	"github.com/dmutua/safiri/internal/preference"
	"github.com/dmutua/safiri/internal/query"
)

// Dispatcher drives notification delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, rec *notify.NotificationRecord) (*dispatch.Result, error)
	DispatchBatch(ctx context.Context, batch notify.BulkBatch) []dispatch.BatchResult
}

// Repository defines the database operations the handlers need.
type Repository interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*notify.NotificationRecord, error)
	Search(ctx context.Context, f query.Filter) ([]*notify.NotificationRecord, int, error)
	UpdatePriority(ctx context.Context, id uuid.UUID, p notify.Priority) error
	GetPreference(ctx context.Context, userID int64) (*preference.Preference, error)
	UpsertPreference(ctx context.Context, p *preference.Preference) error
	UpsertDeviceToken(ctx context.Context, t *notify.DeviceToken) error
}

// StatusLedger applies read, acknowledge, and delivery receipt updates.
type StatusLedger interface {
	RecordStatus(ctx context.Context, notificationID uuid.UUID, ch notify.Channel,
		newStatus notify.AttemptStatus, at time.Time, reason *string) error
	MarkRead(ctx context.Context, notificationID uuid.UUID, at time.Time) error
	Acknowledge(ctx context.Context, notificationID uuid.UUID, at time.Time) error
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger     *zap.Logger
	repo       Repository
	dispatcher Dispatcher
	ledger     StatusLedger
	builder    *notify.Builder
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, repo Repository, dispatcher Dispatcher, led StatusLedger) *Handler {
	return &Handler{
		logger:     logger,
		repo:       repo,
		dispatcher: dispatcher,
		ledger:     led,
		builder:    notify.NewBuilder(),
	}
}

// Routes mounts all API endpoints on the given router.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/notifications", h.CreateNotification)
		r.Post("/notifications/bulk", h.CreateNotificationsBulk)
		r.Get("/notifications", h.ListNotifications)
		r.Get("/notifications/{id}", h.GetNotification)
		r.Post("/notifications/{id}/mark-read", h.MarkRead)
		r.Post("/notifications/{id}/acknowledge", h.Acknowledge)
		r.Post("/notifications/{id}/escalate", h.Escalate)
		r.Post("/notifications/{id}/mark-delivered", h.MarkDelivered)
		r.Post("/receipts", h.RecordReceipt)
		r.Get("/preferences", h.GetPreferences)
		r.Put("/preferences", h.UpdatePreferences)
		r.Post("/devices", h.RegisterDevice)
	})
}

// CreateNotification handles POST /v1/notifications
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req notify.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	rec, verr := h.builder.Build(req)
	if verr != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Validation failed", verr.Error())
		return
	}

	res, err := h.dispatcher.Dispatch(ctx, rec)
	if err != nil {
		h.logger.Error("failed to dispatch notification",
			zap.Error(err),
			zap.Int64("recipient", req.Recipient),
		)
		h.writeError(w, http.StatusInternalServerError, "dispatch_error", "Failed to create notification", "")
		return
	}

	status := http.StatusCreated
	if res.Deferred {
		status = http.StatusAccepted
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res.Record)
}

// bulkItemResult is one entry of a bulk submission response.
type bulkItemResult struct {
	Status       string                     `json:"status"`
	Error        *notify.ValidationError    `json:"error,omitempty"`
	Notification *notify.NotificationRecord `json:"notification,omitempty"`
}

// CreateNotificationsBulk handles POST /v1/notifications/bulk. Items
// succeed or fail independently; the response preserves input order.
func (h *Handler) CreateNotificationsBulk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		Notifications []notify.Request `json:"notifications"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if len(body.Notifications) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Empty batch", "notifications must contain at least one item")
		return
	}

	batch := h.builder.BuildBatch(body.Notifications)
	results := h.dispatcher.DispatchBatch(ctx, batch)

	items := make([]bulkItemResult, len(results))
	accepted := 0
	for i, res := range results {
		if res.Err != nil {
			item := bulkItemResult{Status: "rejected"}
			var verr *notify.ValidationError
			if errors.As(res.Err, &verr) {
				item.Error = verr
			} else {
				item.Error = &notify.ValidationError{Field: "dispatch", Detail: "internal error"}
			}
			items[i] = item
			continue
		}
		accepted++
		items[i] = bulkItemResult{Status: "accepted", Notification: res.Result.Record}
	}

	h.logger.Info("bulk notifications processed",
		zap.Int("submitted", batch.Submitted),
		zap.Int("accepted", accepted),
	)

	status := http.StatusCreated
	if accepted == 0 {
		status = http.StatusBadRequest
	} else if accepted < batch.Submitted {
		status = http.StatusMultiStatus
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"submitted": batch.Submitted,
		"accepted":  accepted,
		"results":   items,
	})
}

// ListNotifications handles GET /v1/notifications with filters and
// DRF-style pagination.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	f, err := query.ParseFilter(r.URL.Query())
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid filter", err.Error())
		return
	}

	recs, total, err := h.repo.Search(ctx, f)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}
	if recs == nil {
		recs = []*notify.NotificationRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(query.BuildPage(r.URL, f, total, recs))
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.notificationID(w, r)
	if !ok {
		return
	}

	rec, err := h.repo.GetNotification(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get notification", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get notification", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(rec)
}

// MarkRead handles POST /v1/notifications/{id}/mark-read. Repeating the
// call keeps the first read timestamp.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.notificationID(w, r)
	if !ok {
		return
	}

	if err := h.ledger.MarkRead(ctx, id, time.Now().UTC()); err != nil {
		h.logger.Error("failed to mark read", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to mark notification read", "")
		return
	}

	h.respondWithRecord(ctx, w, id)
}

// Acknowledge handles POST /v1/notifications/{id}/acknowledge. The first
// call sets both acknowledged and read timestamps; repeats are no-ops.
func (h *Handler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.notificationID(w, r)
	if !ok {
		return
	}

	if err := h.ledger.Acknowledge(ctx, id, time.Now().UTC()); err != nil {
		h.logger.Error("failed to acknowledge", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to acknowledge notification", "")
		return
	}

	h.respondWithRecord(ctx, w, id)
}

// Escalate handles POST /v1/notifications/{id}/escalate, raising the
// priority one level. Urgent stays urgent.
func (h *Handler) Escalate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.notificationID(w, r)
	if !ok {
		return
	}

	rec, err := h.repo.GetNotification(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get notification", "")
		return
	}

	escalated := rec.Priority.Escalate()
	if escalated != rec.Priority {
		if err := h.repo.UpdatePriority(ctx, id, escalated); err != nil {
			h.logger.Error("failed to escalate", zap.Error(err), zap.String("id", id.String()))
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to escalate notification", "")
			return
		}
		h.logger.Info("notification escalated",
			zap.String("id", id.String()),
			zap.String("from", string(rec.Priority)),
			zap.String("to", string(escalated)),
		)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":       id.String(),
		"priority": string(escalated),
	})
}

// MarkDelivered handles POST /v1/notifications/{id}/mark-delivered,
// confirming delivery of one channel's attempt.
func (h *Handler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.notificationID(w, r)
	if !ok {
		return
	}

	var req struct {
		Channel notify.Channel `json:"channel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if !notify.ValidChannel(req.Channel) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be push, sms, or email")
		return
	}

	h.recordReceipt(ctx, w, id, req.Channel, notify.StatusDelivered, nil)
}

// RecordReceipt handles POST /v1/receipts, the callback delivery
// gateways use to report final channel outcomes.
func (h *Handler) RecordReceipt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		NotificationID string               `json:"notification_id"`
		Channel        notify.Channel       `json:"channel"`
		Status         notify.AttemptStatus `json:"status"`
		Reason         *string              `json:"reason,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	id, err := uuid.Parse(req.NotificationID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification_id", "notification_id must be a valid UUID")
		return
	}
	if !notify.ValidChannel(req.Channel) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be push, sms, or email")
		return
	}
	if req.Status != notify.StatusDelivered && req.Status != notify.StatusFailed {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status", "status must be delivered or failed")
		return
	}

	h.recordReceipt(ctx, w, id, req.Channel, req.Status, req.Reason)
}

func (h *Handler) recordReceipt(ctx context.Context, w http.ResponseWriter, id uuid.UUID, ch notify.Channel, status notify.AttemptStatus, reason *string) {
	err := h.ledger.RecordStatus(ctx, id, ch, status, time.Now().UTC(), reason)
	if errors.Is(err, ledger.ErrIllegalTransition) {
		h.writeError(w, http.StatusConflict, "illegal_transition", "Status transition not allowed", err.Error())
		return
	}
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Delivery attempt not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to record receipt",
			zap.Error(err),
			zap.String("id", id.String()),
			zap.String("channel", string(ch)),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to record receipt", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":      id.String(),
		"channel": string(ch),
		"status":  string(status),
	})
}

// GetPreferences handles GET /v1/preferences for the calling user.
// Users who never saved preferences get the defaults.
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	pref, err := h.repo.GetPreference(ctx, userID)
	if errors.Is(err, preference.ErrNotFound) {
		pref = preference.Default(userID)
	} else if err != nil {
		h.logger.Error("failed to get preferences", zap.Error(err), zap.Int64("user_id", userID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get preferences", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(pref)
}

// UpdatePreferences handles PUT /v1/preferences. Updates are partial:
// absent fields keep their current values, and the whole update is
// rejected if any provided field is invalid.
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	var upd preference.Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	upd.UserID = userID

	if err := upd.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Validation failed", err.Error())
		return
	}

	pref, err := h.repo.GetPreference(ctx, userID)
	if errors.Is(err, preference.ErrNotFound) {
		pref = preference.Default(userID)
	} else if err != nil {
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load preferences", "")
		return
	}

	upd.Apply(pref)

	if err := h.repo.UpsertPreference(ctx, pref); err != nil {
		h.logger.Error("failed to update preferences", zap.Error(err), zap.Int64("user_id", userID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update preferences", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(pref)
}

// RegisterDevice handles POST /v1/devices, registering or refreshing a
// push token for the calling user's device.
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	var req struct {
		Token      string `json:"token"`
		DeviceType string `json:"device_type"`
		DeviceID   string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Token == "" || req.DeviceID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "token and device_id are required")
		return
	}
	deviceType := notify.DeviceType(req.DeviceType)
	if req.DeviceType == "" {
		deviceType = notify.DeviceMobile
	}
	if !notify.ValidDeviceType(deviceType) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid device_type", "device_type must be mobile, tablet, or web")
		return
	}

	token := &notify.DeviceToken{
		UserID:     userID,
		Token:      req.Token,
		DeviceType: deviceType,
		DeviceID:   req.DeviceID,
	}
	if err := h.repo.UpsertDeviceToken(ctx, token); err != nil {
		h.logger.Error("failed to register device", zap.Error(err), zap.Int64("user_id", userID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to register device", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"message": "FCM token updated successfully",
	})
}

func (h *Handler) respondWithRecord(ctx context.Context, w http.ResponseWriter, id uuid.UUID) {
	rec, err := h.repo.GetNotification(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load notification", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(rec)
}

func (h *Handler) notificationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// callerID reads the authenticated caller from the X-User-ID header set
// by the auth proxy in front of the gateway.
func (h *Handler) callerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing caller identity", "X-User-ID header is required")
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid caller identity", "X-User-ID must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
