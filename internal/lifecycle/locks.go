package lifecycle

import (
	"sync"

	"github.com/google/uuid"
)

// RideLocks serializes all writers of a single ride. The matching engine
// shares this registry with the state machine so the offer-acceptance
// decision and the resulting transition commit under one critical
// section.
type RideLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*rideLock
}

type rideLock struct {
	mu   sync.Mutex
	refs int
}

func NewRideLocks() *RideLocks {
	return &RideLocks{locks: make(map[uuid.UUID]*rideLock)}
}

func (l *RideLocks) Lock(id uuid.UUID) {
	l.mu.Lock()
	e, ok := l.locks[id]
	if !ok {
		e = &rideLock{}
		l.locks[id] = e
	}
	e.refs++
	l.mu.Unlock()
	e.mu.Lock()
}

func (l *RideLocks) Unlock(id uuid.UUID) {
	l.mu.Lock()
	e := l.locks[id]
	e.refs--
	if e.refs == 0 {
		delete(l.locks, id)
	}
	l.mu.Unlock()
	e.mu.Unlock()
}
