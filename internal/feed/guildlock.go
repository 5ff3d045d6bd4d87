package feed

import (
	"context"
	"sync"
)

// guildLocks serialises writers of the same guild document. Entries are
// reference counted and dropped once nobody holds or waits for them.
type guildLocks struct {
	mu    sync.Mutex
	locks map[int64]*guildLock
}

type guildLock struct {
	ch   chan struct{}
	refs int
}

func newGuildLocks() *guildLocks {
	return &guildLocks{locks: make(map[int64]*guildLock)}
}

// Lock blocks until the guild is free or ctx is done. The returned func
// releases the lock and must be called exactly once.
func (g *guildLocks) Lock(ctx context.Context, guildID int64) (func(), error) {
	g.mu.Lock()
	l, ok := g.locks[guildID]
	if !ok {
		l = &guildLock{ch: make(chan struct{}, 1)}
		g.locks[guildID] = l
	}
	l.refs++
	g.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			g.release(guildID, l)
		}, nil
	case <-ctx.Done():
		g.release(guildID, l)
		return nil, ctx.Err()
	}
}

func (g *guildLocks) release(guildID int64, l *guildLock) {
	g.mu.Lock()
	defer g.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(g.locks, guildID)
	}
}

func (g *guildLocks) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.locks)
}
