package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/signal_executor/internal/models"
)

// MemoryStore implements Interface in memory. It is used by tests and by
// one-shot CLI runs that should not touch the database.
type MemoryStore struct {
	mu          sync.RWMutex
	settings    map[string]string
	attempts    map[string]*models.ExecutionAttempt
	createError error
	updateError error
	updateCalls int
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		settings: make(map[string]string),
		attempts: make(map[string]*models.ExecutionAttempt),
		now:      time.Now,
	}
}

// GetSetting returns the value for key or def.
func (m *MemoryStore) GetSetting(_ context.Context, key, def string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.settings[key]; ok {
		return v, nil
	}
	return def, nil
}

// SetSetting stores a setting.
func (m *MemoryStore) SetSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

// CreateAttempt records a new in-progress attempt.
func (m *MemoryStore) CreateAttempt(_ context.Context, sig *models.Signal, platform string) (string, error) {
	if sig == nil {
		return "", fmt.Errorf("create attempt: nil signal")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createError != nil {
		return "", m.createError
	}
	a := models.NewAttemptFromSignal(uuid.NewString(), sig, platform, m.now())
	m.attempts[a.ID] = a
	return a.ID, nil
}

// UpdateAttempt applies the terminal update once.
func (m *MemoryStore) UpdateAttempt(_ context.Context, id string, u models.AttemptUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	if m.updateError != nil {
		return m.updateError
	}
	a, ok := m.attempts[id]
	if !ok {
		return fmt.Errorf("update attempt %s: %w", id, ErrAttemptNotFound)
	}
	if a.Status != models.AttemptInProgress {
		return fmt.Errorf("update attempt %s: %w", id, ErrAttemptCompleted)
	}
	if u.CompletedAt.IsZero() {
		u.CompletedAt = m.now()
	}
	a.Apply(u)
	return nil
}

// GetAttempt returns a copy of the attempt.
func (m *MemoryStore) GetAttempt(_ context.Context, id string) (*models.ExecutionAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil, fmt.Errorf("get attempt %s: %w", id, ErrAttemptNotFound)
	}
	cp := *a
	return &cp, nil
}

// ListAttempts returns copies newest first.
func (m *MemoryStore) ListAttempts(_ context.Context, limit int) ([]models.ExecutionAttempt, error) {
	m.mu.RLock()
	out := make([]models.ExecutionAttempt, 0, len(m.attempts))
	for _, a := range m.attempts {
		out = append(out, *a)
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// Test control methods

// SetCreateError makes CreateAttempt fail with err.
func (m *MemoryStore) SetCreateError(err error) {
	m.mu.Lock()
	m.createError = err
	m.mu.Unlock()
}

// SetUpdateError makes UpdateAttempt fail with err.
func (m *MemoryStore) SetUpdateError(err error) {
	m.mu.Lock()
	m.updateError = err
	m.mu.Unlock()
}

// UpdateCallCount reports how many times UpdateAttempt was called.
func (m *MemoryStore) UpdateCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updateCalls
}

// AttemptCount reports how many attempts were created.
func (m *MemoryStore) AttemptCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.attempts)
}
