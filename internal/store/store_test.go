package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSeededRanges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		g    Granularity
		size int
		lo   int
	}{
		{GranularitySecond, 60, 0},
		{GranularityMinute, 60, 0},
		{GranularityHour, 24, 0},
		{GranularityDay, 31, 1},
		{GranularityMonth, 12, 1},
		{GranularityYear, 50, FirstYear},
	}
	for _, tt := range tests {
		buckets, err := s.Buckets(ctx, tt.g)
		require.NoError(t, err, "granularity %s", tt.g)
		require.Len(t, buckets, tt.size, "granularity %s", tt.g)
		assert.Equal(t, tt.lo, buckets[0].Index)
		for _, b := range buckets {
			assert.Zero(t, b.Count)
		}
	}

	total, err := s.Total(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)

	countries, err := s.Countries(ctx)
	require.NoError(t, err)
	require.Len(t, countries, 1)
	assert.Equal(t, CountryUnknown, countries[0].Code)
}

func TestSeedIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	require.NoError(t, err)
	_, err = s.Increment(ctx, GranularitySecond, 30, 5)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening must not zero existing counts
	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	count, err := s.Read(ctx, GranularitySecond, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
}

func TestIncrementReadReset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	count, err := s.Increment(ctx, GranularityMinute, 7, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	count, err = s.Increment(ctx, GranularityMinute, 7, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	count, err = s.Read(ctx, GranularityMinute, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	require.NoError(t, s.Reset(ctx, GranularityMinute, 7))
	count, err = s.Read(ctx, GranularityMinute, 7)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestOutOfRangeIndexReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Increment(ctx, GranularitySecond, 60, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Read(ctx, GranularityDay, 0)
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.Reset(ctx, GranularityMonth, 13)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.IncrementBreakdown(ctx, BreakdownLocalWeekday, 7, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentIncrementsSameSlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const writers = 20
	const perWriter = 25

	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				if _, err := s.Increment(ctx, GranularitySecond, 42, 1); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	count, err := s.Read(ctx, GranularitySecond, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(writers*perWriter), count)
}

func TestUpsertCountry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	count, err := s.UpsertCountry(ctx, "se", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = s.UpsertCountry(ctx, "SE", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// Unresolvable codes collapse onto the sentinel
	count, err = s.UpsertCountry(ctx, "", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	count, err = s.UpsertCountry(ctx, "U1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestUpsertCountryConcurrentFirstSeen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			if _, err := s.UpsertCountry(ctx, "NO", 1); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	countries, err := s.Countries(ctx)
	require.NoError(t, err)
	for _, c := range countries {
		if c.Code == "NO" {
			assert.Equal(t, int64(writers), c.Count)
			return
		}
	}
	t.Fatal("country NO not stored")
}

func TestNormalizeCountry(t *testing.T) {
	assert.Equal(t, "SE", NormalizeCountry("se"))
	assert.Equal(t, "DE", NormalizeCountry(" de "))
	assert.Equal(t, CountryUnknown, NormalizeCountry(""))
	assert.Equal(t, CountryUnknown, NormalizeCountry("SWE"))
	assert.Equal(t, CountryUnknown, NormalizeCountry("1A"))
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.Increment(ctx, GranularitySecond, 10, 1); err != nil {
			return err
		}
		if _, err := tx.IncrementTotal(ctx, 1); err != nil {
			return err
		}
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	count, err := s.Read(ctx, GranularitySecond, 10)
	require.NoError(t, err)
	assert.Zero(t, count, "rolled-back increment must not be visible")

	total, err := s.Total(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestWithTxCommitsMultiRowMutation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.Increment(ctx, GranularitySecond, 3, 1); err != nil {
			return err
		}
		if _, err := tx.IncrementTotal(ctx, 1); err != nil {
			return err
		}
		if _, err := tx.IncrementBreakdown(ctx, BreakdownLocalHour, 13, 1); err != nil {
			return err
		}
		if _, err := tx.UpsertCountry(ctx, "FI", 1); err != nil {
			return err
		}
		return nil
	})
	require.NoError(t, err)

	total, err := s.Total(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	hours, err := s.Breakdowns(ctx, BreakdownLocalHour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), hours[13].Count)
}

func TestDonationRequests(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := DonationRequest{
		ID:        "a",
		Milestone: 100_000,
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Country:   "SE",
		Name:      "Ada",
	}
	second := DonationRequest{
		ID:        "b",
		Milestone: 200_000,
		CreatedAt: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
		Country:   CountryUnknown,
		Message:   "for charity",
	}
	require.NoError(t, s.InsertDonationRequest(ctx, first))
	require.NoError(t, s.InsertDonationRequest(ctx, second))

	list, err := s.DonationRequests(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID, "newest first")
	assert.Equal(t, first, list[1])
}
