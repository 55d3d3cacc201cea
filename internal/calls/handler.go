package calls

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campuscash/backend/internal/middleware"
	"github.com/campuscash/backend/internal/models"
	"github.com/campuscash/backend/internal/signaling"
	"github.com/campuscash/backend/pkg/response"
)

// StartRequest is the body for POST /calls.
type StartRequest struct {
	RecipientID uuid.UUID       `json:"recipient_id" binding:"required"`
	CallType    models.CallType `json:"call_type" binding:"required,oneof=audio video"`
}

// StatusResponse is the body of GET /calls/status.
type StatusResponse struct {
	Enabled         bool  `json:"enabled"`
	SignalTimeoutMS int64 `json:"signal_timeout_ms"`
}

// Handler serves the call log and lets a browser place, end and decline calls. The
// browser negotiates media itself over the WebSocket gateway.
type Handler struct {
	repo         Repository
	recorder     *Recorder
	channel      *signaling.Channel
	locks        PairLocker
	opts         Options
	historyLimit int
	logger       *zap.Logger
}

// NewHandler creates a calls handler. historyLimit is the default page size of GET /calls.
func NewHandler(repo Repository, recorder *Recorder, channel *signaling.Channel, locks PairLocker, opts Options, historyLimit int, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		repo:         repo,
		recorder:     recorder,
		channel:      channel,
		locks:        locks,
		opts:         opts,
		historyLimit: clampLimit(historyLimit),
		logger:       logger,
	}
}

// Register mounts the routes on a JWT-protected group.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.GET("/calls", h.List)
	g.GET("/calls/status", h.Status)
	g.GET("/calls/:id", h.GetByID)
	g.POST("/calls", h.Start)
	g.POST("/calls/:id/end", h.End)
	g.POST("/calls/:id/decline", h.Decline)
}

// List handles GET /calls: the user's call history, newest first.
func (h *Handler) List(c *gin.Context) {
	limit := h.historyLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			response.BadRequest(c, "invalid limit")
			return
		}
		limit = clampLimit(n)
	}
	list, err := h.repo.ListByUser(c.Request.Context(), middleware.UserID(c), limit)
	if err != nil {
		h.logger.Error("list calls failed", zap.Error(err))
		response.Internal(c, "failed to list calls")
		return
	}
	if list == nil {
		list = []models.CallSession{}
	}
	response.OK(c, list)
}

// GetByID handles GET /calls/:id.
func (h *Handler) GetByID(c *gin.Context) {
	s, ok := h.participantSession(c)
	if !ok {
		return
	}
	response.OK(c, s)
}

// Status handles GET /calls/status.
func (h *Handler) Status(c *gin.Context) {
	response.OK(c, StatusResponse{Enabled: h.opts.Enabled, SignalTimeoutMS: h.opts.SignalTimeout.Milliseconds()})
}

// Start handles POST /calls: persist an ongoing session and announce it to the recipient.
func (h *Handler) Start(c *gin.Context) {
	if !h.opts.Enabled {
		response.Gone(c, "calling has been removed")
		return
	}
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	caller := middleware.Profile(c)
	if req.RecipientID == caller.ID {
		response.BadRequest(c, "cannot call yourself")
		return
	}
	ctx := c.Request.Context()
	callID := uuid.New()
	ok, err := h.locks.Acquire(ctx, caller.ID, req.RecipientID, callID, h.opts.LockTTL)
	if err != nil {
		h.logger.Error("acquire pair lock failed", zap.Error(err))
		response.Internal(c, "failed to start call")
		return
	}
	if !ok {
		response.Conflict(c, noticeBusy)
		return
	}

	isVideo := req.CallType == models.CallTypeVideo
	s := h.recorder.Start(ctx, callID, caller.ID, req.RecipientID, isVideo)
	if err := h.channel.Notify(ctx, req.RecipientID, signaling.Incoming{ID: callID, Caller: caller, IsVideo: isVideo}); err != nil {
		h.logger.Error("announce call failed", zap.String("call_id", callID.String()), zap.Error(err))
		h.recorder.End(ctx, callID, models.CallStatusMissed)
		_ = h.locks.Release(ctx, caller.ID, req.RecipientID, callID)
		response.ServiceUnavailable(c, noticeFailed)
		return
	}
	h.logger.Info("call started", zap.String("call_id", callID.String()), zap.String("caller_id", caller.ID.String()))
	response.Created(c, s)
}

// End handles POST /calls/:id/end: hang up as completed and notify the other party.
// Ending an ended call returns the stored session unchanged.
func (h *Handler) End(c *gin.Context) {
	h.finish(c, models.CallStatusCompleted, func(s *models.CallSession, userID uuid.UUID) error {
		return h.channel.Notify(c.Request.Context(), s.Counterpart(userID), signaling.Ended{ID: s.ID})
	})
}

// Decline handles POST /calls/:id/decline: reject on the call topic; the call is missed.
func (h *Handler) Decline(c *gin.Context) {
	h.finish(c, models.CallStatusMissed, func(s *models.CallSession, userID uuid.UUID) error {
		if s.RecipientID != userID {
			return errOnlyRecipient
		}
		return h.channel.For(userID).Send(c.Request.Context(), s.ID, signaling.Reject{})
	})
}

var errOnlyRecipient = errors.New("only the recipient can decline")

func (h *Handler) finish(c *gin.Context, status models.CallStatus, signal func(*models.CallSession, uuid.UUID) error) {
	s, ok := h.participantSession(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	userID := middleware.UserID(c)
	if s.Status == models.CallStatusOngoing {
		if err := signal(s, userID); err != nil {
			if errors.Is(err, errOnlyRecipient) {
				response.Forbidden(c, err.Error())
				return
			}
			h.logger.Warn("call signal failed", zap.String("call_id", s.ID.String()), zap.Error(err))
		}
		h.recorder.End(ctx, s.ID, status)
		if err := h.locks.Release(ctx, s.CallerID, s.RecipientID, s.ID); err != nil {
			h.logger.Warn("release pair lock failed", zap.String("call_id", s.ID.String()), zap.Error(err))
		}
		if fresh, err := h.repo.GetByID(ctx, s.ID); err == nil {
			s = fresh
		}
	}
	response.OK(c, s)
}

func (h *Handler) participantSession(c *gin.Context) (*models.CallSession, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid call id")
		return nil, false
	}
	s, err := h.repo.GetByID(c.Request.Context(), id)
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "call not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("get call failed", zap.String("call_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to load call")
		return nil, false
	}
	if !s.Involves(middleware.UserID(c)) {
		response.NotFound(c, "call not found")
		return nil, false
	}
	return s, true
}
