package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/eddiefleurent/signal_executor/internal/models"
)

// InstrumentLocks serializes attempts on the same instrument. Keys are never
// removed; the set of instruments traded by one process stays small.
type InstrumentLocks struct {
	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

// NewInstrumentLocks creates an empty lock table.
func NewInstrumentLocks() *InstrumentLocks {
	return &InstrumentLocks{locks: make(map[string]*semaphore.Weighted)}
}

// InstrumentKey identifies what an attempt trades on one account.
func InstrumentKey(account, symbol, expiry string, strike float64, optionType models.OptionType) string {
	return fmt.Sprintf("%s|%s|%s|%.3f|%s",
		strings.ToUpper(account), strings.ToUpper(symbol), expiry, strike, optionType)
}

func (l *InstrumentLocks) get(key string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.locks[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.locks[key] = sem
	}
	return sem
}

// Acquire blocks until key is free or ctx is done. The returned func releases it.
func (l *InstrumentLocks) Acquire(ctx context.Context, key string) (func(), error) {
	sem := l.get(key)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}

// TryAcquire takes key only if it is free.
func (l *InstrumentLocks) TryAcquire(key string) (func(), bool) {
	sem := l.get(key)
	if !sem.TryAcquire(1) {
		return nil, false
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, true
}
