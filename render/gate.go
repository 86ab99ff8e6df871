package render

import "sync"

// Gate serializes view regeneration per channel. Locks are created lazily,
// one per channel key, and kept for the process lifetime; the key space is
// bounded by the configured channel set so no eviction is needed. The index
// page has its own lock domain so an index render never queues behind a
// channel render.
type Gate struct {
	mu      sync.Mutex
	locks   map[int64]*sync.Mutex
	indexMu sync.Mutex
}

func NewGate() *Gate {
	return &Gate{
		locks: make(map[int64]*sync.Mutex),
	}
}

func (g *Gate) lockFor(channelID int64) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.locks[channelID]
	if !ok {
		l = &sync.Mutex{}
		g.locks[channelID] = l
	}
	return l
}

// WithChannelLock runs fn while holding the channel's render lock. The lock
// is released on every exit path. Callers must re-read state inside fn, not
// capture it before acquisition.
func (g *Gate) WithChannelLock(channelID int64, fn func() error) error {
	l := g.lockFor(channelID)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// WithIndexLock runs fn while holding the global index render lock.
func (g *Gate) WithIndexLock(fn func() error) error {
	g.indexMu.Lock()
	defer g.indexMu.Unlock()
	return fn()
}
