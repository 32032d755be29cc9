// Package ratelimit tracks per-client click rates to decide when bot
// verification is required. It is a pure in-memory decision component: it
// never blocks on I/O and fails open for unknown clients.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Thresholds configures when a client is flagged for verification.
type Thresholds struct {
	SecondThreshold   int           // clicks per second
	MinuteThreshold   int           // clicks per minute
	HourThreshold     int           // clicks per hour
	SustainedActivity time.Duration // continuous session length
	SessionGap        time.Duration // idle gap that starts a fresh session
}

// DefaultThresholds matches the production policy.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SecondThreshold:   15,
		MinuteThreshold:   500,
		HourThreshold:     15_000,
		SustainedActivity: 2 * time.Hour,
		SessionGap:        30 * time.Minute,
	}
}

// Status is the guard's verdict for one client.
type Status struct {
	RequiresTurnstile bool `json:"requiresTurnstile"`
	SecondCount       int  `json:"secondCount"`
	MinuteCount       int  `json:"minuteCount"`
	HourCount         int  `json:"hourCount"`
	SustainedActivity bool `json:"sustainedActivity"`
}

// window is a lazily-reset fixed window: expired windows report zero and
// are restarted by the next recorded click.
type window struct {
	start time.Time
	count int
}

func (w *window) record(now time.Time, length time.Duration) {
	if now.Sub(w.start) >= length {
		w.start = now
		w.count = 0
	}
	w.count++
}

func (w *window) current(now time.Time, length time.Duration) int {
	if now.Sub(w.start) >= length {
		return 0
	}
	return w.count
}

// tracker holds one client's windows and session state.
type tracker struct {
	mu sync.Mutex

	second window
	minute window
	hour   window

	sessionStart time.Time
	lastClick    time.Time
	hasClicked   bool
}

// Guard tracks click rates per client key (IP or equivalent).
type Guard struct {
	thresholds Thresholds

	mu       sync.Mutex
	trackers map[string]*tracker

	now func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides the wall-clock source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New creates a guard with the given thresholds.
func New(thresholds Thresholds, opts ...Option) *Guard {
	g := &Guard{
		thresholds: thresholds,
		trackers:   make(map[string]*tracker),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) tracker(key string, create bool) *tracker {
	g.mu.Lock()
	defer g.mu.Unlock()
	tr, ok := g.trackers[key]
	if !ok && create {
		tr = &tracker{sessionStart: g.now()}
		g.trackers[key] = tr
	}
	return tr
}

// RecordClick registers a click for the client key and returns the verdict.
func (g *Guard) RecordClick(key string) Status {
	now := g.now()
	tr := g.tracker(key, true)

	tr.mu.Lock()
	defer tr.mu.Unlock()

	// An idle gap means the user took a break: the session restarts but the
	// rate windows keep sliding naturally.
	if tr.hasClicked && now.Sub(tr.lastClick) > g.thresholds.SessionGap {
		tr.sessionStart = now
	}

	tr.second.record(now, time.Second)
	tr.minute.record(now, time.Minute)
	tr.hour.record(now, time.Hour)
	tr.lastClick = now
	tr.hasClicked = true

	return g.statusLocked(tr, now)
}

// CheckStatus returns the verdict for the client key without recording a
// click. Unknown clients are never flagged.
func (g *Guard) CheckStatus(key string) Status {
	tr := g.tracker(key, false)
	if tr == nil {
		return Status{}
	}
	now := g.now()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return g.statusLocked(tr, now)
}

func (g *Guard) statusLocked(tr *tracker, now time.Time) Status {
	s := Status{
		SecondCount:       tr.second.current(now, time.Second),
		MinuteCount:       tr.minute.current(now, time.Minute),
		HourCount:         tr.hour.current(now, time.Hour),
		SustainedActivity: tr.hasClicked && now.Sub(tr.sessionStart) >= g.thresholds.SustainedActivity,
	}
	s.RequiresTurnstile = s.SecondCount >= g.thresholds.SecondThreshold ||
		s.MinuteCount >= g.thresholds.MinuteThreshold ||
		s.HourCount >= g.thresholds.HourThreshold ||
		s.SustainedActivity
	return s
}

// ResetAfterVerification clears all state for a client key, giving a
// verified human a fresh start.
func (g *Guard) ResetAfterVerification(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.trackers, key)
}

// Sweep evicts clients with no activity within the idle horizon. It bounds
// the guard's memory use.
func (g *Guard) Sweep(idleHorizon time.Duration) int {
	cutoff := g.now().Add(-idleHorizon)

	g.mu.Lock()
	defer g.mu.Unlock()

	evicted := 0
	for key, tr := range g.trackers {
		tr.mu.Lock()
		idle := !tr.hasClicked || tr.lastClick.Before(cutoff)
		tr.mu.Unlock()
		if idle {
			delete(g.trackers, key)
			evicted++
		}
	}
	return evicted
}

// RunSweeper periodically evicts idle clients until ctx is cancelled.
func (g *Guard) RunSweeper(ctx context.Context, interval, idleHorizon time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := g.Sweep(idleHorizon); evicted > 0 {
				log.Debug().Int("evicted", evicted).Msg("Rate guard evicted idle clients")
			}
		}
	}
}

// TrackedClients returns the number of tracked client keys.
func (g *Guard) TrackedClients() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.trackers)
}
