// Package roll drives the once-per-second cascade that moves completed
// counts up the granularity hierarchy: seconds into minutes, minutes into
// hours, hours into days, days into months, months into years.
package roll

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/clickroll/internal/store"
	"github.com/rcourtman/clickroll/internal/telemetry"
)

// Broadcaster receives the delta events produced by each tick.
type Broadcaster interface {
	BroadcastSecondReset(index int)
	BroadcastBucketUpdated(granularity string, index int, count int64)
}

// Scheduler performs the per-second rollover. All tick state is derived
// from the wall clock, so a missed tick cannot desynchronize the cascade.
type Scheduler struct {
	store *store.Store
	hub   Broadcaster
	now   func() time.Time

	lastTick time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the wall-clock source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a rollover scheduler over the given store and broadcaster.
func New(st *store.Store, hub Broadcaster, opts ...Option) *Scheduler {
	s := &Scheduler{
		store: st,
		hub:   hub,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks once per second until ctx is cancelled. A failed tick is logged
// and the next tick proceeds from the then-current wall clock.
func (s *Scheduler) Run(ctx context.Context) error {
	// Align the first tick with the next wall-clock second
	select {
	case <-time.After(time.Until(s.now().Truncate(time.Second).Add(time.Second))):
	case <-ctx.Done():
		return ctx.Err()
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	log.Info().Msg("Rollover scheduler started")
	for {
		s.tickSafely(ctx)
		select {
		case <-ctx.Done():
			log.Info().Msg("Rollover scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tickSafely(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.RollTickErrors.Inc()
			log.Error().Interface("panic", r).Msg("Rollover tick panicked")
		}
	}()

	start := s.now()
	if !s.lastTick.IsZero() {
		if gap := start.Sub(s.lastTick); gap > 1500*time.Millisecond {
			// One missed tick self-heals; two or more lose fine-grained
			// detail and possibly a boundary fold.
			log.Warn().Dur("gap", gap).Msg("Rollover ticks delayed")
		}
	}
	s.lastTick = start

	if err := s.Tick(ctx); err != nil {
		telemetry.RollTickErrors.Inc()
		log.Error().Err(err).Msg("Rollover tick failed")
	}
	telemetry.RollTickDuration.Observe(s.now().Sub(start).Seconds())
}

// event is a delta produced inside a tick transaction, emitted after commit.
type event struct {
	granularity store.Granularity
	index       int
	count       int64
}

// Tick performs one cascade pass derived from the current wall clock.
//
// The ingest path only ever touches the slot for the current second, while
// this tick pre-clears the slot one second ahead and reads the slot one
// second behind, so the two writers operate on disjoint rows within any
// given wall-clock second.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now().UTC()
	sec := now.Second()
	min := now.Minute()
	hour := now.Hour()
	day := now.Day()
	month := int(now.Month())
	year := now.Year()

	secondToReset := (sec + 1) % 60
	previousSecond := (sec + 59) % 60

	var events []event

	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		events = events[:0]

		// Pre-clear the slot the ingest path starts filling one second
		// from now, and capture the just-completed second.
		if err := tx.Reset(ctx, store.GranularitySecond, secondToReset); err != nil {
			return err
		}
		transferred, err := tx.Read(ctx, store.GranularitySecond, previousSecond)
		if err != nil {
			return err
		}

		if sec == 0 {
			// The previous minute just completed. The captured second
			// belongs to it, so it joins the fold rather than the new
			// minute.
			previousMinute := (min + 59) % 60
			minuteCount, err := tx.Increment(ctx, store.GranularityMinute, previousMinute, transferred)
			if err != nil {
				return err
			}

			// Completing minute 59 belongs to the hour that just ended
			hourTarget := hour
			if min == 0 {
				hourTarget = (hour + 23) % 24
			}
			hourCount, err := tx.Increment(ctx, store.GranularityHour, hourTarget, minuteCount)
			if err != nil {
				return err
			}
			events = append(events, event{store.GranularityHour, hourTarget, hourCount})

			if err := tx.Reset(ctx, store.GranularityMinute, min); err != nil {
				return err
			}
			events = append(events, event{store.GranularityMinute, min, 0})
		} else if transferred > 0 {
			minuteCount, err := tx.Increment(ctx, store.GranularityMinute, min, transferred)
			if err != nil {
				return err
			}
			events = append(events, event{store.GranularityMinute, min, minuteCount})
		}

		if min == 0 && sec == 0 {
			// The previous hour completed; it already absorbed the final
			// minute above.
			previousHour := (hour + 23) % 24
			hourCount, err := tx.Read(ctx, store.GranularityHour, previousHour)
			if err != nil {
				return err
			}

			dayTarget := day
			if hour == 0 {
				dayTarget = now.AddDate(0, 0, -1).Day()
			}
			dayCount, err := tx.Increment(ctx, store.GranularityDay, dayTarget, hourCount)
			if err != nil {
				return err
			}
			events = append(events, event{store.GranularityDay, dayTarget, dayCount})

			// The current hour slot still holds yesterday's cycle
			if err := tx.Reset(ctx, store.GranularityHour, hour); err != nil {
				return err
			}
		}

		if hour == 0 && min == 0 && sec == 0 {
			previousDay := now.AddDate(0, 0, -1).Day()
			dayCount, err := tx.Read(ctx, store.GranularityDay, previousDay)
			if err != nil {
				return err
			}

			monthTarget := month
			if day == 1 {
				monthTarget = int(now.AddDate(0, 0, -1).Month())
			}
			monthCount, err := tx.Increment(ctx, store.GranularityMonth, monthTarget, dayCount)
			if err != nil {
				return err
			}
			events = append(events, event{store.GranularityMonth, monthTarget, monthCount})

			if err := tx.Reset(ctx, store.GranularityDay, day); err != nil {
				return err
			}
		}

		if day == 1 && hour == 0 && min == 0 && sec == 0 {
			previousMonth := int(now.AddDate(0, 0, -1).Month())
			monthCount, err := tx.Read(ctx, store.GranularityMonth, previousMonth)
			if err != nil {
				return err
			}

			yearTarget := year
			if month == 1 {
				yearTarget = year - 1
			}
			if yearTarget < store.FirstYear || yearTarget > store.LastYear {
				return fmt.Errorf("year %d outside archive window", yearTarget)
			}
			yearCount, err := tx.Increment(ctx, store.GranularityYear, yearTarget, monthCount)
			if err != nil {
				return err
			}
			events = append(events, event{store.GranularityYear, yearTarget, yearCount})

			if err := tx.Reset(ctx, store.GranularityMonth, month); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("rollover tick at %s: %w", now.Format(time.RFC3339), err)
	}

	// Commit-before-broadcast: viewers only ever see durable counts
	s.hub.BroadcastSecondReset(secondToReset)
	for _, ev := range events {
		s.hub.BroadcastBucketUpdated(string(ev.granularity), ev.index, ev.count)
	}
	return nil
}
