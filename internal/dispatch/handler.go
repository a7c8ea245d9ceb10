package dispatch

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/bissquit/async-dispatch/internal/domain"
	"github.com/bissquit/async-dispatch/internal/pkg/httputil"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrChannelNotFound, Status: http.StatusNotFound, Message: "channel not found"},
	{Error: ErrQueueNotFound, Status: http.StatusNotFound, Message: "queue not found"},
	{Error: ErrMessageNotFound, Status: http.StatusNotFound, Message: "message not found"},
	{Error: ErrQueueNotRunning, Status: http.StatusConflict, Message: "queue is not running"},
	{Error: ErrUnknownSender, Status: http.StatusUnprocessableEntity},
	{Error: ErrMissingTenant, Status: http.StatusUnauthorized, Message: "tenant is not set"},
}

// Handler exposes the transmitter over HTTP.
type Handler struct {
	transmitter *Transmitter
	validator   *validator.Validate
}

// NewHandler creates a new dispatch handler.
func NewHandler(transmitter *Transmitter) *Handler {
	return &Handler{
		transmitter: transmitter,
		validator:   validator.New(),
	}
}

// RegisterRoutes registers producer routes (operator role).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/channels/{channelId}/messages", h.TransmitMessage)
	r.Post("/messages/{id}/stop-retries", h.StopRetries)
	r.Get("/queues/{queueId}/status", h.QueueStatus)
}

// RegisterAdminRoutes registers queue administration routes (admin role).
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Post("/messages/retry", h.RetryMessages)
	r.Route("/queues/{queueId}", func(r chi.Router) {
		r.Post("/open", h.OpenQueue)
		r.Post("/close", h.CloseQueue)
		r.Post("/clear", h.ClearQueue)
		r.Post("/flush", h.FlushQueue)
	})
}

// TransmitRequest represents request body for producing a message.
type TransmitRequest struct {
	Payload       json.RawMessage `json:"payload" validate:"required"`
	RefType       string          `json:"ref_type" validate:"max=32"`
	RefIdentifier string          `json:"ref_identifier" validate:"max=255"`
	Ref           int64           `json:"ref"`
	PartitionHint int             `json:"partition_hint" validate:"min=0"`
}

// TransmitResponse is returned for an accepted message.
type TransmitResponse struct {
	MessageID int64 `json:"message_id"`
}

// FlushQueueRequest represents request body for flushing a queue.
type FlushQueueRequest struct {
	ChannelID      string `json:"channel_id"`
	MarkAsDone     bool   `json:"mark_as_done"`
	ReturnMessages bool   `json:"return_messages"`
}

// FlushQueueResponse reports flushed messages.
type FlushQueueResponse struct {
	Count    int               `json:"count"`
	Messages []*domain.Message `json:"messages,omitempty"`
}

// TransmitMessage handles POST /channels/{channelId}/messages.
func (h *Handler) TransmitMessage(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelId")

	var req TransmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	ctx := WithTenant(r.Context(), httputil.GetTenantID(r.Context()))
	id, err := h.transmitter.TransmitMessage(ctx, nil, channelID, req.Payload, Reference{
		Type:          req.RefType,
		Identifier:    req.RefIdentifier,
		Ref:           req.Ref,
		PartitionHint: req.PartitionHint,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusAccepted, TransmitResponse{MessageID: id})
}

// StopRetries handles POST /messages/{id}/stop-retries.
func (h *Handler) StopRetries(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid message id")
		return
	}

	ctx := WithTenant(r.Context(), httputil.GetTenantID(r.Context()))
	cleared, err := h.transmitter.StopRetries(ctx, id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]bool{"cleared": cleared})
}

// RetryMessages handles POST /messages/retry.
func (h *Handler) RetryMessages(w http.ResponseWriter, r *http.Request) {
	var filter RetryFilter
	if err := json.NewDecoder(r.Body).Decode(&filter); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	filter.TenantID = httputil.GetTenantID(r.Context())

	count, err := h.transmitter.RetryMessages(r.Context(), filter)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]int{"count": count})
}

// QueueStatus handles GET /queues/{queueId}/status.
func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	httputil.Success(w, http.StatusOK, h.transmitter.QueueStatus(chi.URLParam(r, "queueId")))
}

// OpenQueue handles POST /queues/{queueId}/open.
func (h *Handler) OpenQueue(w http.ResponseWriter, r *http.Request) {
	queueID := chi.URLParam(r, "queueId")

	if err := h.transmitter.OpenQueue(r.Context(), queueID); err != nil {
		h.handleError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, h.transmitter.QueueStatus(queueID))
}

// CloseQueue handles POST /queues/{queueId}/close.
func (h *Handler) CloseQueue(w http.ResponseWriter, r *http.Request) {
	queueID := chi.URLParam(r, "queueId")

	if err := h.transmitter.CloseQueue(r.Context(), queueID); err != nil {
		h.handleError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, h.transmitter.QueueStatus(queueID))
}

// ClearQueue handles POST /queues/{queueId}/clear.
func (h *Handler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	dropped, err := h.transmitter.ClearQueue(chi.URLParam(r, "queueId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]int{"dropped": dropped})
}

// FlushQueue handles POST /queues/{queueId}/flush.
func (h *Handler) FlushQueue(w http.ResponseWriter, r *http.Request) {
	var req FlushQueueRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.Error(w, http.StatusBadRequest, "invalid json")
			return
		}
	}

	ctx := WithTenant(r.Context(), httputil.GetTenantID(r.Context()))
	rows, err := h.transmitter.FlushPending(ctx, FlushRequest{
		QueueID:    chi.URLParam(r, "queueId"),
		ChannelID:  req.ChannelID,
		MarkAsDone: req.MarkAsDone,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp := FlushQueueResponse{Count: len(rows)}
	if req.ReturnMessages {
		resp.Messages = rows
	}
	httputil.Success(w, http.StatusOK, resp)
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		httputil.ValidationError(w, validationErr.Err)
		return
	}
	httputil.HandleError(r.Context(), w, err, errorMappings)
}
