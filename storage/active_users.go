package storage

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ActiveUsers tracks when each device last sent a keep-alive.
type ActiveUsers struct {
	clock    clock.Clock
	logger   *zap.Logger
	interval time.Duration
	ttl      time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time

	loopMu sync.Mutex
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewActiveUsers creates a registry; Start must be called to run the sweep.
func NewActiveUsers(clk clock.Clock, interval, ttl time.Duration, logger *zap.Logger) *ActiveUsers {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if ttl <= 0 {
		ttl = DefaultActiveUserTTL
	}
	return &ActiveUsers{
		clock:    clk,
		logger:   logger,
		interval: interval,
		ttl:      ttl,
		lastSeen: make(map[string]time.Time),
	}
}

// Register creates or refreshes the entry for deviceID.
func (a *ActiveUsers) Register(deviceID string) {
	if deviceID == "" {
		return
	}
	a.mu.Lock()
	a.lastSeen[deviceID] = a.clock.Now()
	a.mu.Unlock()
}

// Count returns the number of devices seen within the TTL. Entries past the
// TTL are not counted even if the sweep has not removed them yet.
func (a *ActiveUsers) Count() int {
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	count := 0
	for _, seen := range a.lastSeen {
		if now.Sub(seen) <= a.ttl {
			count++
		}
	}
	return count
}

// Devices returns the IDs currently counted as active.
func (a *ActiveUsers) Devices() []string {
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]string, 0, len(a.lastSeen))
	for id, seen := range a.lastSeen {
		if now.Sub(seen) <= a.ttl {
			out = append(out, id)
		}
	}
	return out
}

// EvictStale removes entries older than the TTL and returns how many were dropped.
func (a *ActiveUsers) EvictStale() int {
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	evicted := 0
	for id, seen := range a.lastSeen {
		if now.Sub(seen) > a.ttl {
			delete(a.lastSeen, id)
			evicted++
		}
	}
	return evicted
}

// Clear drops every entry.
func (a *ActiveUsers) Clear() {
	a.mu.Lock()
	a.lastSeen = make(map[string]time.Time)
	a.mu.Unlock()
}

// Start runs the periodic sweep until Stop. Calling Start twice is a no-op.
func (a *ActiveUsers) Start() {
	a.loopMu.Lock()
	defer a.loopMu.Unlock()

	if a.stop != nil {
		return
	}
	a.stop = make(chan struct{})
	ticker := a.clock.Ticker(a.interval)

	a.wg.Add(1)
	go func(stop <-chan struct{}) {
		defer a.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if evicted := a.EvictStale(); evicted > 0 {
					a.logger.Debug("evicted stale active users", zap.Int("count", evicted))
				}
			case <-stop:
				return
			}
		}
	}(a.stop)
}

// Stop ends the sweep and waits for it to exit.
func (a *ActiveUsers) Stop() {
	a.loopMu.Lock()
	defer a.loopMu.Unlock()

	if a.stop == nil {
		return
	}
	close(a.stop)
	a.wg.Wait()
	a.stop = nil
}
