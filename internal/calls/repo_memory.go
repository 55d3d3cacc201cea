package calls

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/campuscash/backend/internal/models"
)

// MemoryRepository is an in-memory Repository for tests and single-process runs.
type MemoryRepository struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]models.CallSession
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[uuid.UUID]models.CallSession)}
}

func (r *MemoryRepository) Create(_ context.Context, s *models.CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return nil
	}
	r.sessions[s.ID] = copySession(*s)
	return nil
}

func (r *MemoryRepository) End(_ context.Context, id uuid.UUID, at time.Time, status models.CallStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Status != models.CallStatusOngoing {
		return false, nil
	}
	end := at
	s.EndTime = &end
	s.Status = status
	r.sessions[id] = s
	return true, nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*models.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := copySession(s)
	return &cp, nil
}

func (r *MemoryRepository) ListByUser(_ context.Context, userID uuid.UUID, limit int) ([]models.CallSession, error) {
	r.mu.Lock()
	var list []models.CallSession
	for _, s := range r.sessions {
		if s.Involves(userID) {
			list = append(list, copySession(s))
		}
	}
	r.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].StartTime.After(list[j].StartTime) })
	if n := clampLimit(limit); len(list) > n {
		list = list[:n]
	}
	return list, nil
}

// Len returns the number of stored sessions.
func (r *MemoryRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func copySession(s models.CallSession) models.CallSession {
	if s.EndTime != nil {
		end := *s.EndTime
		s.EndTime = &end
	}
	return s
}
