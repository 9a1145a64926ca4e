// Package api exposes the Voxta client over HTTP for local operators.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/satriahrh/voxlink/domain/entities"
	"github.com/satriahrh/voxlink/domain/repositories"
	"github.com/satriahrh/voxlink/internal/auth"
	"github.com/satriahrh/voxlink/internal/signalr"
	"github.com/satriahrh/voxlink/usecase"
)

const defaultTranscriptLimit = 200

// Controller is the part of the Voxta client the API drives.
// *usecase.Client implements it.
type Controller interface {
	GetCurrentState() entities.ClientState
	Characters() []entities.Character
	User() entities.User
	Session() *entities.ChatSession
	StartConnection(address string, port int) error
	Disconnect(silent bool) error
	StartChatWithCharacter(characterID, context string) error
	SendUserInput(text string, generateReply, characterActionInference bool) error
	NotifyAudioPlaybackComplete(messageID string) error
	StopChat() error
	UpdateContext(context string) error
	Subscribe(fn func(usecase.Event)) func()
}

// Options configures the routes.
type Options struct {
	Client      Controller
	Transcripts repositories.TranscriptRepository
	// Issuer enables bearer token checks. Nil leaves the API open.
	Issuer *auth.TokenIssuer
	// DefaultAddress and DefaultPort are used when a connect request omits
	// them.
	DefaultAddress string
	DefaultPort    int
}

type handler struct {
	opts   Options
	logger *zap.Logger
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, opts Options, logger *zap.Logger) {
	h := &handler{opts: opts, logger: logger}

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "voxlink",
			"state":   opts.Client.GetCurrentState().String(),
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// API v1 routes
	v1 := e.Group("/api/v1", requireToken(opts.Issuer, logger))

	v1.GET("/state", h.getState)
	v1.GET("/characters", h.getCharacters)
	v1.GET("/chat", h.getChat)
	v1.GET("/transcripts/:chatId", h.getTranscript)
	v1.GET("/events", h.streamEvents)

	v1.POST("/connect", h.connect, requireOperator(logger))
	v1.POST("/disconnect", h.disconnect, requireOperator(logger))
	v1.POST("/chat", h.startChat, requireOperator(logger))
	v1.POST("/chat/stop", h.stopChat, requireOperator(logger))
	v1.POST("/chat/context", h.updateContext, requireOperator(logger))
	v1.POST("/input", h.sendInput, requireOperator(logger))
	v1.POST("/playback/complete", h.playbackComplete, requireOperator(logger))
}

func (h *handler) getState(c echo.Context) error {
	resp := StateResponse{State: h.opts.Client.GetCurrentState()}
	if user := h.opts.Client.User(); user.ID != "" {
		resp.User = &user
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *handler) getCharacters(c echo.Context) error {
	characters := h.opts.Client.Characters()
	if characters == nil {
		characters = []entities.Character{}
	}
	return c.JSON(http.StatusOK, characters)
}

func (h *handler) getChat(c echo.Context) error {
	session := h.opts.Client.Session()
	if session == nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "no_chat",
			Message: "No chat is active",
		})
	}
	return c.JSON(http.StatusOK, ChatResponse{
		ChatID:       session.ChatID,
		SessionID:    session.SessionID,
		CharacterIDs: session.CharacterIDs,
		Status:       session.Status(),
		Context:      session.Context(),
		CreatedAt:    session.CreatedAt,
		LastActiveAt: session.LastActiveAt(),
		Messages:     session.Messages(),
	})
}

func (h *handler) getTranscript(c echo.Context) error {
	if h.opts.Transcripts == nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "history_disabled",
			Message: "Transcript history is not configured",
		})
	}

	limit := defaultTranscriptLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_limit",
				Message: "limit must be a positive integer",
			})
		}
		limit = n
	}

	chatID := c.Param("chatId")
	entries, err := h.opts.Transcripts.ListByChat(c.Request().Context(), chatID, limit)
	if err != nil {
		h.logger.Error("Failed to load transcript", zap.String("chatID", chatID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to load transcript",
		})
	}
	return c.JSON(http.StatusOK, TranscriptResponse{ChatID: chatID, Entries: entries})
}

func (h *handler) connect(c echo.Context) error {
	var req ConnectRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, h.logger, err)
	}
	if req.Address == "" {
		req.Address = h.opts.DefaultAddress
	}
	if req.Port == 0 {
		req.Port = h.opts.DefaultPort
	}
	return h.reply(c, h.opts.Client.StartConnection(req.Address, req.Port))
}

func (h *handler) disconnect(c echo.Context) error {
	var req DisconnectRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, h.logger, err)
	}
	return h.reply(c, h.opts.Client.Disconnect(req.Silent))
}

func (h *handler) startChat(c echo.Context) error {
	var req StartChatRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, h.logger, err)
	}
	if req.CharacterID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "characterId is required",
		})
	}
	return h.reply(c, h.opts.Client.StartChatWithCharacter(req.CharacterID, req.Context))
}

func (h *handler) stopChat(c echo.Context) error {
	return h.reply(c, h.opts.Client.StopChat())
}

func (h *handler) updateContext(c echo.Context) error {
	var req ContextRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, h.logger, err)
	}
	return h.reply(c, h.opts.Client.UpdateContext(req.Context))
}

func (h *handler) sendInput(c echo.Context) error {
	var req UserInputRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, h.logger, err)
	}
	generateReply := true
	if req.GenerateReply != nil {
		generateReply = *req.GenerateReply
	}
	return h.reply(c, h.opts.Client.SendUserInput(req.Text, generateReply, req.CharacterActionInference))
}

func (h *handler) playbackComplete(c echo.Context) error {
	var req PlaybackCompleteRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, h.logger, err)
	}
	if req.MessageID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "messageId is required",
		})
	}
	return h.reply(c, h.opts.Client.NotifyAudioPlaybackComplete(req.MessageID))
}

// reply answers 202 with the resulting state, or maps err to a status.
func (h *handler) reply(c echo.Context, err error) error {
	if err == nil {
		return c.JSON(http.StatusAccepted, StateResponse{State: h.opts.Client.GetCurrentState()})
	}

	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, usecase.ErrInvalidState):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, usecase.ErrInvalidAddress), errors.Is(err, usecase.ErrInvalidPort):
		status, code = http.StatusBadRequest, "invalid_endpoint"
	case errors.Is(err, usecase.ErrEmptyInput):
		status, code = http.StatusBadRequest, "empty_input"
	case errors.Is(err, usecase.ErrUnknownCharacter):
		status, code = http.StatusNotFound, "unknown_character"
	case errors.Is(err, usecase.ErrUnknownMessage):
		status, code = http.StatusNotFound, "unknown_message"
	case errors.Is(err, signalr.ErrNotConnected):
		status, code = http.StatusServiceUnavailable, "not_connected"
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Control request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.JSON(status, ErrorResponse{Error: code, Message: err.Error()})
}

func badRequest(c echo.Context, logger *zap.Logger, err error) error {
	logger.Warn("Failed to bind request", zap.String("path", c.Path()), zap.Error(err))
	return c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   "invalid_request",
		Message: "Invalid request format",
	})
}
