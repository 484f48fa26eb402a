package ratelimit

import (
	"context"
	"sync"
	"time"
)

const DefaultSweepInterval = 5 * time.Minute

type counter struct {
	count   int
	resetAt time.Time
}

// Memory keeps counters in process memory. Counters vanish on restart.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*counter
	now     func() time.Time

	sweepEvery time.Duration
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

type Option func(*Memory)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// WithSweepInterval sets how often expired counters are dropped. Zero disables
// the background sweeper; Sweep can still be called directly.
func WithSweepInterval(interval time.Duration) Option {
	return func(m *Memory) { m.sweepEvery = interval }
}

func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		entries:    make(map[string]*counter),
		now:        time.Now,
		sweepEvery: DefaultSweepInterval,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sweepEvery > 0 {
		m.wg.Add(1)
		go m.sweepLoop()
	}
	return m
}

func (m *Memory) Check(_ context.Context, key string, limit int, window time.Duration) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	entry, ok := m.entries[key]
	if !ok || !now.Before(entry.resetAt) {
		if limit <= 0 {
			return Result{Allowed: false, Limit: limit, Remaining: 0, ResetAt: now.Add(window)}, nil
		}
		entry = &counter{count: 1, resetAt: now.Add(window)}
		m.entries[key] = entry
		return Result{Allowed: true, Limit: limit, Remaining: limit - 1, ResetAt: entry.resetAt}, nil
	}
	if entry.count < limit {
		entry.count++
		return Result{Allowed: true, Limit: limit, Remaining: limit - entry.count, ResetAt: entry.resetAt}, nil
	}
	return Result{Allowed: false, Limit: limit, Remaining: 0, ResetAt: entry.resetAt}, nil
}

// Sweep removes every counter whose window has ended and returns how many were dropped.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, entry := range m.entries {
		if !now.Before(entry.resetAt) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close stops the sweeper. It is safe to call more than once.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	m.wg.Wait()
	return nil
}

func (m *Memory) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
