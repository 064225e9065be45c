package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	"github.com/weiawesome/wes-io-live/cohost/internal/service"
	"github.com/weiawesome/wes-io-live/cohost/pkg/log"
	"github.com/weiawesome/wes-io-live/cohost/pkg/middleware"
	"github.com/weiawesome/wes-io-live/cohost/pkg/pubsub"
	"github.com/weiawesome/wes-io-live/cohost/pkg/response"
)

// Handler handles HTTP requests for the mic-status service.
type Handler struct {
	micService     service.MicStatusService
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler creates a new HTTP handler.
func NewHandler(micService service.MicStatusService, authMiddleware *middleware.AuthMiddleware) *Handler {
	return &Handler{
		micService:     micService,
		authMiddleware: authMiddleware,
	}
}

// RegisterRoutes registers all routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	api := r.Group("/api/v1")
	{
		rooms := api.Group("/rooms/:id", h.authMiddleware.RequireAuth())
		{
			rooms.POST("/mic-response", h.authMiddleware.RequireRole(pubsub.RoleBroadcaster), h.RecordDecision)
			rooms.GET("/mic-status", h.GetDecision)
			rooms.DELETE("/mic-status", h.authMiddleware.RequireRole(pubsub.RoleBroadcaster), h.ClearDecision)
		}
	}
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	response.Success(c, gin.H{"status": "ok"})
}

// RecordDecision stores the broadcaster's decision on a mic request.
func (h *Handler) RecordDecision(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	roomID := c.Param("id")
	var req domain.RecordDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind mic response request")
		response.BadRequest(c, err.Error())
		return
	}

	d, err := h.micService.RecordDecision(ctx, roomID, middleware.GetUsername(c), &req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidStatus) {
			response.BadRequest(c, err.Error())
			return
		}
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to record mic decision")
		response.InternalError(c, "failed to record mic decision")
		return
	}

	response.Success(c, d)
}

// GetDecision returns the decision on a requester's mic request. Only the
// requester and the broadcaster may read it.
func (h *Handler) GetDecision(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	roomID := c.Param("id")
	var q domain.MicStatusQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if middleware.GetUsername(c) != q.Requester && !middleware.HasRole(c, pubsub.RoleBroadcaster) {
		response.Forbidden(c, "not allowed to read this mic status")
		return
	}

	d, err := h.micService.GetDecision(ctx, roomID, q.Requester)
	if err != nil {
		if errors.Is(err, service.ErrDecisionNotFound) {
			response.NotFound(c, "no decision recorded")
			return
		}
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to get mic decision")
		response.InternalError(c, "failed to get mic decision")
		return
	}

	response.Success(c, d)
}

// ClearDecision removes a decision after the co-host session ends.
func (h *Handler) ClearDecision(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	roomID := c.Param("id")
	var q domain.MicStatusQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if err := h.micService.ClearDecision(ctx, roomID, q.Requester); err != nil {
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to clear mic decision")
		response.InternalError(c, "failed to clear mic decision")
		return
	}

	response.NoContent(c)
}
