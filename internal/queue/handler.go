package queue

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/carrierdesk/notify/internal/domain"
	"github.com/carrierdesk/notify/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrInvalidRecipient, Status: http.StatusUnprocessableEntity, Message: "invalid recipient"},
	{Error: ErrInvalidChannel, Status: http.StatusBadRequest, Message: "unsupported channel"},
	{Error: ErrMessageNotFound, Status: http.StatusNotFound, Message: "message not found"},
	{Error: ErrInstanceNotFound, Status: http.StatusNotFound, Message: "instance not found"},
	{Error: ErrDestNotFound, Status: http.StatusNotFound, Message: "destination not found"},
}

// Handler handles HTTP requests for the queue module.
type Handler struct {
	service    *Service
	tracker    *Tracker
	dispatcher *Dispatcher
	aggregator *Aggregator
	limiter    *Limiter
	instances  InstanceRepository
	validator  *validator.Validate
}

// NewHandler creates a queue handler.
func NewHandler(service *Service, tracker *Tracker, dispatcher *Dispatcher, aggregator *Aggregator, limiter *Limiter, instances InstanceRepository) *Handler {
	return &Handler{
		service:    service,
		tracker:    tracker,
		dispatcher: dispatcher,
		aggregator: aggregator,
		limiter:    limiter,
		instances:  instances,
		validator:  validator.New(),
	}
}

// RegisterRoutes registers queue routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/messages", func(r chi.Router) {
		r.Post("/", h.Enqueue)
		r.Post("/batch", h.EnqueueBatch)
		r.Post("/audit", h.EnqueueWithAudit)
		r.Get("/{id}", h.GetMessage)
	})

	r.Post("/callbacks/status", h.StatusCallback)

	r.Route("/queue", func(r chi.Router) {
		r.Post("/drain", h.Drain)
		r.Post("/digest", h.Digest)
		r.Get("/stats", h.Stats)
	})

	r.Route("/destinations", func(r chi.Router) {
		r.Put("/", h.SetDestination)
		r.Get("/{channel}/{recipient}", h.GetDestination)
	})

	r.Route("/instances", func(r chi.Router) {
		r.Get("/", h.ListInstances)
		r.Post("/", h.CreateInstance)
		r.Patch("/{id}/state", h.UpdateInstanceState)
	})
}

// MediaRequest is the request shape of a media attachment.
type MediaRequest struct {
	Data     string `json:"data"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type" validate:"required"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

// EnqueueRequest represents the request body for enqueueing one message.
type EnqueueRequest struct {
	Recipient      string         `json:"recipient" validate:"required"`
	Channel        string         `json:"channel" validate:"required,oneof=whatsapp discord email"`
	MessageType    string         `json:"message_type" validate:"required"`
	Content        string         `json:"content" validate:"required"`
	Priority       int            `json:"priority" validate:"omitempty,min=1,max=3"`
	ScheduledFor   *time.Time     `json:"scheduled_for"`
	MaxAttempts    int            `json:"max_attempts" validate:"omitempty,min=1,max=10"`
	Media          *MediaRequest  `json:"media" validate:"omitempty"`
	Metadata       map[string]any `json:"metadata"`
	OrganizationID string         `json:"organization_id"`
}

// AuditEnqueueRequest adds the audit trail fields to an enqueue.
type AuditEnqueueRequest struct {
	EnqueueRequest
	OrderID     string `json:"order_id"`
	TriggerType string `json:"trigger_type"`
}

// StatusCallbackRequest represents a delivery-status callback body.
type StatusCallbackRequest struct {
	TransportMessageID string     `json:"transport_message_id"`
	QueueID            string     `json:"queue_id"`
	Status             string     `json:"status" validate:"required,oneof=sent delivered read failed"`
	Timestamp          *time.Time `json:"timestamp"`
	ErrorDetail        string     `json:"error_detail"`
}

// Enqueue handles POST /messages.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	id, err := h.service.Enqueue(r.Context(), req.toInput())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, map[string]string{"id": id})
}

// EnqueueBatch handles POST /messages/batch. Items fail independently; the
// response carries aggregate counts plus per-item outcomes.
func (h *Handler) EnqueueBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(reqs) == 0 {
		httputil.Error(w, http.StatusBadRequest, "empty batch")
		return
	}

	inputs := make([]EnqueueInput, 0, len(reqs))
	for i, req := range reqs {
		if err := h.validator.Struct(req); err != nil {
			httputil.Error(w, http.StatusBadRequest, "invalid item "+strconv.Itoa(i))
			return
		}
		inputs = append(inputs, req.toInput())
	}

	result, err := h.service.EnqueueBatch(r.Context(), inputs)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, result)
}

// EnqueueWithAudit handles POST /messages/audit.
func (h *Handler) EnqueueWithAudit(w http.ResponseWriter, r *http.Request) {
	var req AuditEnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	result, err := h.service.EnqueueWithAudit(r.Context(), AuditEnqueueInput{
		EnqueueInput: req.toInput(),
		OrderID:      req.OrderID,
		TriggerType:  req.TriggerType,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, result)
}

// GetMessage handles GET /messages/{id}.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.service.GetMessage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, toMessageResponse(msg))
}

// StatusCallback handles POST /callbacks/status. Unknown targets still get a
// success response so the transport does not retry-storm the endpoint.
func (h *Handler) StatusCallback(w http.ResponseWriter, r *http.Request) {
	var req StatusCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}
	if req.TransportMessageID == "" && req.QueueID == "" {
		httputil.Error(w, http.StatusBadRequest, "transport_message_id or queue_id is required")
		return
	}

	cb := StatusCallback{
		TransportMessageID: req.TransportMessageID,
		QueueID:            req.QueueID,
		Status:             domain.MessageStatus(req.Status),
		ErrorDetail:        req.ErrorDetail,
	}
	if req.Timestamp != nil {
		cb.Timestamp = *req.Timestamp
	}

	if err := h.tracker.Apply(r.Context(), cb); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// Drain handles POST /queue/drain: one run-to-completion dispatcher pass.
func (h *Handler) Drain(w http.ResponseWriter, r *http.Request) {
	stats, err := h.dispatcher.DrainOnce(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, stats)
}

// Digest handles POST /queue/digest: one aggregator pass.
func (h *Handler) Digest(w http.ResponseWriter, r *http.Request) {
	stats, err := h.aggregator.RunOnce(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, stats)
}

// StatsResponse aggregates queue counts and per-channel window state.
type StatsResponse struct {
	Queue    *QueueStats           `json:"queue"`
	Channels []WindowStateResponse `json:"channels"`
}

// WindowStateResponse is the JSON shape of a channel's rate window.
type WindowStateResponse struct {
	Channel               string  `json:"channel"`
	SentLastMinute        int     `json:"sent_last_minute"`
	SentLastHour          int     `json:"sent_last_hour"`
	AverageInterSendDelay float64 `json:"average_inter_send_delay_seconds"`
}

// Stats handles GET /queue/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	queueStats, err := h.service.QueueStats(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	channels := h.limiter.Channels()
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })

	resp := StatsResponse{Queue: queueStats, Channels: make([]WindowStateResponse, 0, len(channels))}
	for _, ch := range channels {
		state, err := h.limiter.State(r.Context(), ch, time.Now())
		if err != nil {
			httputil.HandleError(r.Context(), w, err, errorMappings)
			return
		}
		resp.Channels = append(resp.Channels, WindowStateResponse{
			Channel:               string(state.Channel),
			SentLastMinute:        state.SentLastMinute,
			SentLastHour:          state.SentLastHour,
			AverageInterSendDelay: state.AverageInterSendDelay.Seconds(),
		})
	}

	httputil.Success(w, http.StatusOK, resp)
}

// SetDestinationRequest represents the request body for setting delivery
// preferences.
type SetDestinationRequest struct {
	Recipient     string `json:"recipient" validate:"required"`
	Channel       string `json:"channel" validate:"required,oneof=whatsapp discord email"`
	DigestEnabled bool   `json:"digest_enabled"`
}

// DestinationResponse is the JSON shape of a destination.
type DestinationResponse struct {
	RecipientKey  string     `json:"recipient_key"`
	Channel       string     `json:"channel"`
	DigestEnabled bool       `json:"digest_enabled"`
	LastDigestAt  *time.Time `json:"last_digest_at,omitempty"`
}

// SetDestination handles PUT /destinations.
func (h *Handler) SetDestination(w http.ResponseWriter, r *http.Request) {
	var req SetDestinationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	dest, err := h.service.SetDestination(r.Context(), req.Recipient, domain.Channel(req.Channel), req.DigestEnabled)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, toDestinationResponse(dest))
}

// GetDestination handles GET /destinations/{channel}/{recipient}.
func (h *Handler) GetDestination(w http.ResponseWriter, r *http.Request) {
	channel := domain.Channel(chi.URLParam(r, "channel"))
	recipient := chi.URLParam(r, "recipient")

	dest, err := h.service.GetDestination(r.Context(), recipient, channel)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, toDestinationResponse(dest))
}

func toDestinationResponse(d *domain.Destination) DestinationResponse {
	return DestinationResponse{
		RecipientKey:  d.RecipientKey,
		Channel:       string(d.Channel),
		DigestEnabled: d.DigestEnabled,
		LastDigestAt:  d.LastDigestAt,
	}
}

// CreateInstanceRequest represents the request body for registering a
// channel instance.
type CreateInstanceRequest struct {
	Channel string `json:"channel" validate:"required,oneof=whatsapp discord email"`
	Name    string `json:"name" validate:"required"`
	BaseURL string `json:"base_url" validate:"omitempty,url"`
	Token   string `json:"token"`
}

// UpdateInstanceStateRequest represents the request body for a state change.
type UpdateInstanceStateRequest struct {
	State string `json:"state" validate:"required,oneof=connected disconnected"`
}

// ListInstances handles GET /instances.
func (h *Handler) ListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := h.instances.ListInstances(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	resp := make([]InstanceResponse, 0, len(instances))
	for i := range instances {
		resp = append(resp, toInstanceResponse(&instances[i]))
	}
	httputil.Success(w, http.StatusOK, resp)
}

// CreateInstance handles POST /instances.
func (h *Handler) CreateInstance(w http.ResponseWriter, r *http.Request) {
	var req CreateInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	inst := &domain.ChannelInstance{
		Channel: domain.Channel(req.Channel),
		Name:    req.Name,
		BaseURL: req.BaseURL,
		Token:   req.Token,
		State:   domain.InstanceDisconnected,
	}
	if err := h.instances.CreateInstance(r.Context(), inst); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, toInstanceResponse(inst))
}

// UpdateInstanceState handles PATCH /instances/{id}/state.
func (h *Handler) UpdateInstanceState(w http.ResponseWriter, r *http.Request) {
	var req UpdateInstanceStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.instances.UpdateInstanceState(r.Context(), id, domain.InstanceState(req.State)); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]string{"id": id, "state": req.State})
}

func (r EnqueueRequest) toInput() EnqueueInput {
	input := EnqueueInput{
		Recipient:      r.Recipient,
		Channel:        domain.Channel(r.Channel),
		MessageType:    r.MessageType,
		Content:        r.Content,
		Priority:       domain.Priority(r.Priority),
		ScheduledFor:   r.ScheduledFor,
		MaxAttempts:    r.MaxAttempts,
		Metadata:       r.Metadata,
		OrganizationID: r.OrganizationID,
	}
	if r.Media != nil {
		input.Media = &domain.Media{
			Data:     r.Media.Data,
			URL:      r.Media.URL,
			MimeType: r.Media.MimeType,
			Caption:  r.Media.Caption,
			Filename: r.Media.Filename,
		}
	}
	return input
}

// MessageResponse is the JSON shape of a queue row.
type MessageResponse struct {
	ID                 string         `json:"id"`
	RecipientKey       string         `json:"recipient_key"`
	Channel            string         `json:"channel"`
	OrganizationID     string         `json:"organization_id,omitempty"`
	MessageType        string         `json:"message_type"`
	Content            string         `json:"content"`
	Media              *domain.Media  `json:"media,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	Priority           int            `json:"priority"`
	Status             string         `json:"status"`
	Attempts           int            `json:"attempts"`
	MaxAttempts        int            `json:"max_attempts"`
	ScheduledFor       *time.Time     `json:"scheduled_for,omitempty"`
	SentAt             *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt        *time.Time     `json:"delivered_at,omitempty"`
	ReadAt             *time.Time     `json:"read_at,omitempty"`
	LastError          string         `json:"last_error,omitempty"`
	TransportMessageID string         `json:"transport_message_id,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

func toMessageResponse(m *domain.QueuedMessage) MessageResponse {
	return MessageResponse{
		ID:                 m.ID,
		RecipientKey:       m.RecipientKey,
		Channel:            string(m.Channel),
		OrganizationID:     m.OrganizationID,
		MessageType:        m.MessageType,
		Content:            m.Content,
		Media:              m.Media,
		Metadata:           m.Metadata,
		Priority:           int(m.Priority),
		Status:             string(m.Status),
		Attempts:           m.Attempts,
		MaxAttempts:        m.MaxAttempts,
		ScheduledFor:       m.ScheduledFor,
		SentAt:             m.SentAt,
		DeliveredAt:        m.DeliveredAt,
		ReadAt:             m.ReadAt,
		LastError:          m.LastError,
		TransportMessageID: m.TransportMessageID,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

// InstanceResponse is the JSON shape of a channel instance. The token is
// never echoed back.
type InstanceResponse struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Name      string    `json:"name"`
	BaseURL   string    `json:"base_url,omitempty"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toInstanceResponse(i *domain.ChannelInstance) InstanceResponse {
	return InstanceResponse{
		ID:        i.ID,
		Channel:   string(i.Channel),
		Name:      i.Name,
		BaseURL:   i.BaseURL,
		State:     string(i.State),
		CreatedAt: i.CreatedAt,
		UpdatedAt: i.UpdatedAt,
	}
}

