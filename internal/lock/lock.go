// Package lock provides keyed mutual exclusion with a bounded wait.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBusy is returned when the key stays held for longer than the wait bound.
var ErrBusy = errors.New("lock busy")

// Locker grants exclusive access to a key. The returned unlock func is safe to
// call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// Local is an in-process Locker. It serializes callers within one process only.
type Local struct {
	wait  time.Duration
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal(wait time.Duration) *Local {
	return &Local{wait: wait, slots: make(map[string]*slot)}
}

func (l *Local) Acquire(ctx context.Context, key string) (func(), error) {
	s := l.retain(key)
	select {
	case s.ch <- struct{}{}:
		return l.unlocker(key, s), nil
	default:
	}
	timer := time.NewTimer(l.wait)
	defer timer.Stop()
	select {
	case s.ch <- struct{}{}:
		return l.unlocker(key, s), nil
	case <-timer.C:
		l.release(key, s)
		return nil, ErrBusy
	case <-ctx.Done():
		l.release(key, s)
		return nil, ctx.Err()
	}
}

func (l *Local) unlocker(key string, s *slot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(key, s)
		})
	}
}

func (l *Local) retain(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[key]
	if s == nil {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Local) release(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// held reports how many keys currently have holders or waiters.
func (l *Local) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
