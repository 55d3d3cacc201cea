package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/campuscash/backend/internal/calls"
	"github.com/campuscash/backend/pkg/queue"
)

// JobQueue is the part of queue.Queue the worker consumes.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, string, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// CallLogProcessor replays call-log writes that failed inline against the repository.
type CallLogProcessor struct {
	repo    calls.Repository
	queue   JobQueue
	logger  *zap.Logger
	backoff time.Duration
}

// NewCallLogProcessor creates a call-log processor.
func NewCallLogProcessor(repo calls.Repository, q JobQueue, logger *zap.Logger) *CallLogProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallLogProcessor{repo: repo, queue: q, logger: logger, backoff: queue.RetryBackoff}
}

// Process executes one call-log job. An end whose row does not exist yet fails so the
// job is retried after the matching create lands.
func (p *CallLogProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeCallLog {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.CallLogPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	switch payload.Op {
	case queue.CallLogCreate:
		if payload.Session == nil {
			return errors.New("create job without session")
		}
		if err := p.repo.Create(ctx, payload.Session); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		p.logger.Info("call session created from backlog", zap.String("call_id", payload.Session.ID.String()))
	case queue.CallLogEnd:
		updated, err := p.repo.End(ctx, payload.CallID, payload.EndTime, payload.Status)
		if err != nil {
			return fmt.Errorf("end session: %w", err)
		}
		if !updated {
			if _, err := p.repo.GetByID(ctx, payload.CallID); err != nil {
				return fmt.Errorf("end session %s: %w", payload.CallID, err)
			}
			p.logger.Debug("call session already ended", zap.String("call_id", payload.CallID.String()))
			return nil
		}
		p.logger.Info("call session ended from backlog", zap.String("call_id", payload.CallID.String()), zap.String("status", string(payload.Status)))
	default:
		return fmt.Errorf("unknown call log op: %q", payload.Op)
	}
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *CallLogProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("call log worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *CallLogProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
