package calls

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campuscash/backend/internal/models"
	"github.com/campuscash/backend/pkg/queue"
)

// Backlog accepts call-log writes that failed inline. *queue.Queue implements it.
type Backlog interface {
	EnqueueCallLog(ctx context.Context, payload queue.CallLogPayload) error
}

// Recorder writes the call log. Failures are logged and handed to the backlog, never
// returned: a live call is not rolled back because its log row could not be written.
type Recorder struct {
	repo    Repository
	backlog Backlog
	logger  *zap.Logger
	now     func() time.Time
}

// NewRecorder creates a Recorder. backlog may be nil.
func NewRecorder(repo Repository, backlog Backlog, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{repo: repo, backlog: backlog, logger: logger, now: time.Now}
}

// Start builds and stores an ongoing session.
func (r *Recorder) Start(ctx context.Context, id, callerID, recipientID uuid.UUID, isVideo bool) *models.CallSession {
	s := &models.CallSession{
		ID:          id,
		CallerID:    callerID,
		RecipientID: recipientID,
		StartTime:   r.now().UTC(),
		CallType:    models.CallTypeFor(isVideo),
		Status:      models.CallStatusOngoing,
	}
	if err := r.repo.Create(ctx, s); err != nil {
		r.logger.Error("create call session failed", zap.String("call_id", id.String()), zap.Error(err))
		r.enqueue(ctx, queue.CallLogPayload{Op: queue.CallLogCreate, Session: s, CallID: id})
	}
	return s
}

// End closes an ongoing session with status. Ending twice is a no-op. An end for a
// row that is not stored yet (its create is in the backlog) is queued behind it.
func (r *Recorder) End(ctx context.Context, id uuid.UUID, status models.CallStatus) {
	at := r.now().UTC()
	end := queue.CallLogPayload{Op: queue.CallLogEnd, CallID: id, EndTime: at, Status: status}
	updated, err := r.repo.End(ctx, id, at, status)
	if err != nil {
		r.logger.Error("end call session failed", zap.String("call_id", id.String()), zap.Error(err))
		r.enqueue(ctx, end)
		return
	}
	if updated {
		return
	}
	if _, err := r.repo.GetByID(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			r.logger.Warn("call session not stored yet, queueing end", zap.String("call_id", id.String()))
		} else {
			r.logger.Error("look up call session failed", zap.String("call_id", id.String()), zap.Error(err))
		}
		r.enqueue(ctx, end)
		return
	}
	r.logger.Debug("call session already ended", zap.String("call_id", id.String()))
}

func (r *Recorder) enqueue(ctx context.Context, p queue.CallLogPayload) {
	if r.backlog == nil {
		return
	}
	if err := r.backlog.EnqueueCallLog(ctx, p); err != nil {
		r.logger.Error("enqueue call log failed", zap.String("call_id", p.CallID.String()), zap.Error(err))
	}
}
