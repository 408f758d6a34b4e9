// Package api serves the HTTP query surface over the channel hub: channel
// listing, creation and membership, paged history, and REST message sends.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"murmur/cmd/internal/realtime"
	v1 "murmur/shared/contracts/realtime/v1"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

const defaultMaxBodyBytes = 16 << 10

// Handler wires HTTP routes to the hub.
type Handler struct {
	log          *slog.Logger
	hub          *realtime.Hub
	auth         realtime.Authenticator
	validate     *validator.Validate
	maxBodyBytes int64
}

// HandlerOption configures optional handler settings.
type HandlerOption func(*Handler)

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// NewHandler constructs the API handler. Every route requires auth to resolve a user.
func NewHandler(log *slog.Logger, hub *realtime.Hub, auth realtime.Authenticator, opts ...HandlerOption) (*Handler, error) {
	if hub == nil {
		return nil, errors.New("api: nil hub")
	}
	if auth == nil {
		return nil, errors.New("api: nil authenticator")
	}
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		log:          log,
		hub:          hub,
		auth:         auth,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register wires API routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /api/channels", h.requireUser(h.handleListChannels))
	mux.HandleFunc("POST /api/channels", h.requireUser(h.handleCreateChannel))
	mux.HandleFunc("POST /api/channels/{id}/join", h.requireUser(h.handleJoinChannel))
	mux.HandleFunc("POST /api/channels/{id}/leave", h.requireUser(h.handleLeaveChannel))
	mux.HandleFunc("GET /api/messages/{channelID}", h.requireUser(h.handleGetMessages))
	mux.HandleFunc("POST /api/messages", h.requireUser(h.handleSendMessage))
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (h *Handler) requireUser(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := h.auth.Authenticate(r)
		if err != nil || strings.TrimSpace(userID) == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		next(w, r, userID)
	}
}

// ---- request/response models ----

type createChannelRequest struct {
	Name string `json:"name" validate:"required"`
}

type sendMessageRequest struct {
	ChannelID string `json:"channel_id" validate:"required"`
	Text      string `json:"text" validate:"required"`
}

type channelsResponse struct {
	Channels []v1.Channel `json:"channels"`
}

type messagesResponse struct {
	ChannelID string       `json:"channel_id"`
	Page      int          `json:"page"`
	Messages  []v1.Message `json:"messages"`
	HasMore   bool         `json:"has_more"`
}

type sendMessageResponse struct {
	Message   v1.Message `json:"message"`
	Delivered int        `json:"delivered"`
}

// ---- handlers ----

func (h *Handler) handleListChannels(w http.ResponseWriter, _ *http.Request, _ string) {
	channels := lo.Map(h.hub.List(), func(c realtime.Channel, _ int) v1.Channel {
		return realtime.ToWireChannel(c)
	})
	writeJSON(w, http.StatusOK, channelsResponse{Channels: channels})
}

func (h *Handler) handleCreateChannel(w http.ResponseWriter, r *http.Request, userID string) {
	var req createChannelRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	ch, err := h.hub.Create(r.Context(), req.Name, userID)
	if err != nil {
		h.writeHubError(w, "api.channel.create", err)
		return
	}
	h.log.Info("api.channel.created", "channel_id", ch.ID, "user_id", userID)
	writeJSON(w, http.StatusCreated, realtime.ToWireChannel(ch))
}

func (h *Handler) handleJoinChannel(w http.ResponseWriter, r *http.Request, userID string) {
	ch, err := h.hub.Join(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		h.writeHubError(w, "api.channel.join", err)
		return
	}
	writeJSON(w, http.StatusOK, realtime.ToWireChannel(ch))
}

func (h *Handler) handleLeaveChannel(w http.ResponseWriter, r *http.Request, userID string) {
	ch, err := h.hub.Leave(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		h.writeHubError(w, "api.channel.leave", err)
		return
	}
	writeJSON(w, http.StatusOK, realtime.ToWireChannel(ch))
}

func (h *Handler) handleGetMessages(w http.ResponseWriter, r *http.Request, userID string) {
	channelID := r.PathValue("channelID")
	page, ok := queryInt(r, "page", 1)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_input", "page must be a positive integer")
		return
	}
	limit, ok := queryInt(r, "limit", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_input", "limit must be a positive integer")
		return
	}

	res, err := h.hub.History(r.Context(), channelID, userID, page, limit)
	if err != nil {
		h.writeHubError(w, "api.messages.page", err)
		return
	}
	writeJSON(w, http.StatusOK, messagesResponse{
		ChannelID: channelID,
		Page:      page,
		Messages:  realtime.ToWireMessages(res.Messages),
		HasMore:   res.HasMore,
	})
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request, userID string) {
	var req sendMessageRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	msg, delivered, err := h.hub.Post(r.Context(), req.ChannelID, userID, req.Text)
	if err != nil {
		h.writeHubError(w, "api.messages.send", err)
		return
	}
	writeJSON(w, http.StatusCreated, sendMessageResponse{
		Message:   realtime.ToWireMessage(msg),
		Delivered: delivered,
	})
}

// ---- helpers ----

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, h.maxBodyBytes, dst); err != nil {
		if errors.Is(err, errBodyTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", validationMessage(err))
		return false
	}
	return true
}

func (h *Handler) writeHubError(w http.ResponseWriter, op string, err error) {
	code := realtime.ErrorCode(err)
	status, ok := statusByCode[code]
	if !ok {
		h.log.Error(op+".fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeError(w, status, code, err.Error())
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fields := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
		return strings.ToLower(fe.Field())
	})
	return "missing or invalid: " + strings.Join(lo.Uniq(fields), ", ")
}

// queryInt parses a positive integer query parameter, returning def when absent.
func queryInt(r *http.Request, key string, def int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
