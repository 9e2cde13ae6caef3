package location

import (
	"context"
	"sync"
	"time"
)

// StaticSource reports a fixed position, e.g. coordinates given on the
// command line or by a GPS daemon.
type StaticSource struct {
	Latitude  float64
	Longitude float64
}

func (s StaticSource) CurrentPosition(ctx context.Context, opts PositionOptions) (Position, error) {
	if err := ctx.Err(); err != nil {
		return Position{}, err
	}
	return Position{
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
		Timestamp: time.Now(),
	}, nil
}

// Feed is a position source fed by pushed fixes, such as locations shared
// in a chat. CurrentPosition returns the latest fix or waits for the next
// one until ctx is done.
type Feed struct {
	mu      sync.Mutex
	latest  *Position
	waiters []chan Position
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{}
}

// Push records a new fix and wakes any waiting callers.
func (f *Feed) Push(pos Position) {
	if pos.Timestamp.IsZero() {
		pos.Timestamp = time.Now()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.latest = &pos
	for _, w := range f.waiters {
		w <- pos
	}
	f.waiters = nil
}

// Latest returns the most recent fix.
func (f *Feed) Latest() (Position, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return Position{}, false
	}
	return *f.latest, true
}

func (f *Feed) CurrentPosition(ctx context.Context, opts PositionOptions) (Position, error) {
	f.mu.Lock()
	if f.latest != nil {
		pos := *f.latest
		f.mu.Unlock()
		return pos, nil
	}
	w := make(chan Position, 1)
	f.waiters = append(f.waiters, w)
	f.mu.Unlock()

	select {
	case pos := <-w:
		return pos, nil
	case <-ctx.Done():
		f.removeWaiter(w)
		return Position{}, ctx.Err()
	}
}

func (f *Feed) removeWaiter(w chan Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.waiters {
		if existing == w {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			return
		}
	}
}
