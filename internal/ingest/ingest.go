// Package ingest implements the per-click transaction: increment the
// current-second bucket, the total, and the breakdown counters, read back
// fresh values, and broadcast the batched delta once committed.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rcourtman/clickroll/internal/store"
	"github.com/rcourtman/clickroll/internal/telemetry"
	"github.com/rcourtman/clickroll/internal/websocket"
)

// Broadcaster receives the events produced by an admitted click.
type Broadcaster interface {
	BroadcastStatsUpdated(stats websocket.StatsPayload)
	BroadcastMilestoneReached(milestone, total int64)
}

// Milestones configures total-click thresholds for celebration events.
type Milestones struct {
	Step  int64 // every Step clicks is a milestone
	Grand int64 // the distinguished big one
}

// Click is one increment request. Weekday and month are optional: a nil
// pointer, like an out-of-range value, skips that sub-counter only.
type Click struct {
	LocalHour    int
	LocalWeekday *int // 0=Sunday .. 6=Saturday
	LocalMonth   *int // 0=January .. 11=December
	Country      string
}

// Result carries the fresh post-commit counts for everything the click
// touched.
type Result struct {
	Second       websocket.SlotCount
	Total        int64
	LocalHour    *websocket.SlotCount
	LocalWeekday *websocket.SlotCount
	LocalMonth   *websocket.SlotCount
	Country      websocket.CountryStat
	Milestone    int64 // 0 when no threshold was crossed
	GrandHit     bool
}

// Service is the ingest path.
type Service struct {
	store      *store.Store
	hub        Broadcaster
	milestones Milestones
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall-clock source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates the ingest service.
func New(st *store.Store, hub Broadcaster, milestones Milestones, opts ...Option) *Service {
	s := &Service{
		store:      st,
		hub:        hub,
		milestones: milestones,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordClick applies one click atomically and broadcasts the delta after
// commit. The second slot index is the UTC second of the call; the guard
// against the concurrent rollover writer is that the scheduler never
// touches this slot during the same wall-clock second.
func (s *Service) RecordClick(ctx context.Context, click Click) (Result, error) {
	secondIndex := s.now().UTC().Second()

	var res Result
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		count, err := tx.Increment(ctx, store.GranularitySecond, secondIndex, 1)
		if err != nil {
			return err
		}
		res.Second = websocket.SlotCount{Index: secondIndex, Count: count}

		total, err := tx.IncrementTotal(ctx, 1)
		if err != nil {
			return err
		}
		res.Total = total

		// Out-of-range local context is skipped per sub-counter, never an
		// error: the rest of the click still counts.
		if click.LocalHour >= 0 && click.LocalHour <= 23 {
			count, err := tx.IncrementBreakdown(ctx, store.BreakdownLocalHour, click.LocalHour, 1)
			if err != nil {
				return err
			}
			res.LocalHour = &websocket.SlotCount{Index: click.LocalHour, Count: count}
		}
		if w := click.LocalWeekday; w != nil && *w >= 0 && *w <= 6 {
			count, err := tx.IncrementBreakdown(ctx, store.BreakdownLocalWeekday, *w, 1)
			if err != nil {
				return err
			}
			res.LocalWeekday = &websocket.SlotCount{Index: *w, Count: count}
		}
		if m := click.LocalMonth; m != nil && *m >= 0 && *m <= 11 {
			count, err := tx.IncrementBreakdown(ctx, store.BreakdownLocalMonth, *m, 1)
			if err != nil {
				return err
			}
			res.LocalMonth = &websocket.SlotCount{Index: *m, Count: count}
		}

		code := store.NormalizeCountry(click.Country)
		countryCount, err := tx.UpsertCountry(ctx, code, 1)
		if err != nil {
			return err
		}
		res.Country = websocket.CountryStat{Code: code, Count: countryCount}

		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to record click: %w", err)
	}

	res.Milestone, res.GrandHit = s.milestoneCrossed(res.Total)

	telemetry.ClicksAccepted.Inc()

	// Commit-before-broadcast: nothing is pushed unless it is durable
	s.hub.BroadcastStatsUpdated(websocket.StatsPayload{
		Second:       res.Second,
		Total:        res.Total,
		LocalHour:    res.LocalHour,
		LocalWeekday: res.LocalWeekday,
		LocalMonth:   res.LocalMonth,
		Country:      &websocket.CountryStat{Code: res.Country.Code, Count: res.Country.Count},
	})
	if res.Milestone > 0 {
		telemetry.MilestonesReached.Inc()
		s.hub.BroadcastMilestoneReached(res.Milestone, res.Total)
	}
	return res, nil
}

// milestoneCrossed reports the threshold crossed by the increment that
// produced newTotal, if any.
func (s *Service) milestoneCrossed(newTotal int64) (int64, bool) {
	if s.milestones.Step <= 0 || newTotal <= 0 {
		return 0, false
	}
	if newTotal/s.milestones.Step == (newTotal-1)/s.milestones.Step {
		return 0, false
	}
	milestone := (newTotal / s.milestones.Step) * s.milestones.Step
	return milestone, s.milestones.Grand > 0 && milestone == s.milestones.Grand
}
