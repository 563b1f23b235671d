package orchestrator

import (
	"context"
	"sync"
)

// symbolLocks serializes workflows per symbol. Waiting honours ctx, so a
// workflow queued behind a slow one still respects its deadline.
type symbolLocks struct {
	mu    sync.Mutex
	locks map[string]*symbolLock
}

type symbolLock struct {
	ch   chan struct{}
	refs int
}

func newSymbolLocks() *symbolLocks {
	return &symbolLocks{locks: make(map[string]*symbolLock)}
}

// acquire blocks until symbol is free or ctx is done.
func (s *symbolLocks) acquire(ctx context.Context, symbol string) (func(), error) {
	s.mu.Lock()
	l, ok := s.locks[symbol]
	if !ok {
		l = &symbolLock{ch: make(chan struct{}, 1)}
		s.locks[symbol] = l
	}
	l.refs++
	s.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				s.release(symbol, l)
			})
		}, nil
	case <-ctx.Done():
		s.release(symbol, l)
		return nil, context.Cause(ctx)
	}
}

func (s *symbolLocks) release(symbol string, l *symbolLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, symbol)
	}
}
