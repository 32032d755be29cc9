// Package store provides the durable counter store backing the click
// aggregation engine, using SQLite for persistence across restarts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Granularity identifies one rolling counter array.
type Granularity string

const (
	GranularitySecond Granularity = "second"
	GranularityMinute Granularity = "minute"
	GranularityHour   Granularity = "hour"
	GranularityDay    Granularity = "day"
	GranularityMonth  Granularity = "month"
	GranularityYear   Granularity = "year"
)

// Breakdown identifies one non-cyclic accumulator keyed by the client's
// local wall-clock context. Breakdowns never reset.
type Breakdown string

const (
	BreakdownLocalHour    Breakdown = "local_hour"
	BreakdownLocalWeekday Breakdown = "local_weekday"
	BreakdownLocalMonth   Breakdown = "local_month"
)

// Year buckets are a fixed archive window rather than a rolling cycle.
const (
	FirstYear = 2015
	LastYear  = 2064
)

// CountryUnknown is the sentinel country code for unresolvable clients.
const CountryUnknown = "ZZ"

// ErrNotFound is returned when an operation addresses a row outside the
// seeded index range for its counter.
var ErrNotFound = errors.New("store: counter row not found")

// Bucket is one (index, count) cell of a counter array.
type Bucket struct {
	Index int   `json:"index"`
	Count int64 `json:"count"`
}

// CountryCount is one country accumulator row.
type CountryCount struct {
	Code  string `json:"code"`
	Count int64  `json:"count"`
}

// DonationRequest records a viewer-submitted donation offer tied to a
// milestone that was reached.
type DonationRequest struct {
	ID        string    `json:"id"`
	Milestone int64     `json:"milestone"`
	CreatedAt time.Time `json:"createdAt"`
	Country   string    `json:"country"`
	Name      string    `json:"name,omitempty"`
	Email     string    `json:"email,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Store owns the SQLite database holding every counter.
type Store struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx so row operations can
// run standalone or inside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens (creating if necessary) the counter database under dataDir and
// seeds every fixed-range counter to zero on first boot.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "clicks.db")

	// Pragmas in the DSN so every pool connection is configured
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open counter database: %w", err)
	}

	// SQLite works best with a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("Counter store opened")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS buckets (
			granularity TEXT NOT NULL,
			idx INTEGER NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (granularity, idx)
		);

		CREATE TABLE IF NOT EXISTS breakdowns (
			kind TEXT NOT NULL,
			idx INTEGER NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (kind, idx)
		);

		CREATE TABLE IF NOT EXISTS countries (
			code TEXT PRIMARY KEY,
			count INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS totals (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			count INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS donation_requests (
			id TEXT PRIMARY KEY,
			milestone INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			country TEXT NOT NULL,
			name TEXT,
			email TEXT,
			message TEXT
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return s.seed()
}

// seed inserts the zeroed fixed-range rows. INSERT OR IGNORE keeps restarts
// from touching counts that already exist.
func (s *Store) seed() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin seed transaction: %w", err)
	}
	defer tx.Rollback()

	bucketStmt, err := tx.Prepare(`INSERT OR IGNORE INTO buckets (granularity, idx, count) VALUES (?, ?, 0)`)
	if err != nil {
		return fmt.Errorf("failed to prepare bucket seed: %w", err)
	}
	defer bucketStmt.Close()

	for _, r := range []struct {
		g      Granularity
		lo, hi int
	}{
		{GranularitySecond, 0, 59},
		{GranularityMinute, 0, 59},
		{GranularityHour, 0, 23},
		{GranularityDay, 1, 31},
		{GranularityMonth, 1, 12},
		{GranularityYear, FirstYear, LastYear},
	} {
		for i := r.lo; i <= r.hi; i++ {
			if _, err := bucketStmt.Exec(string(r.g), i); err != nil {
				return fmt.Errorf("failed to seed %s bucket %d: %w", r.g, i, err)
			}
		}
	}

	breakdownStmt, err := tx.Prepare(`INSERT OR IGNORE INTO breakdowns (kind, idx, count) VALUES (?, ?, 0)`)
	if err != nil {
		return fmt.Errorf("failed to prepare breakdown seed: %w", err)
	}
	defer breakdownStmt.Close()

	for _, r := range []struct {
		kind   Breakdown
		lo, hi int
	}{
		{BreakdownLocalHour, 0, 23},
		{BreakdownLocalWeekday, 0, 6},
		{BreakdownLocalMonth, 0, 11},
	} {
		for i := r.lo; i <= r.hi; i++ {
			if _, err := breakdownStmt.Exec(string(r.kind), i); err != nil {
				return fmt.Errorf("failed to seed %s breakdown %d: %w", r.kind, i, err)
			}
		}
	}

	if _, err := tx.Exec(`INSERT OR IGNORE INTO countries (code, count) VALUES (?, 0)`, CountryUnknown); err != nil {
		return fmt.Errorf("failed to seed sentinel country: %w", err)
	}
	if _, err := tx.Exec(`INSERT OR IGNORE INTO totals (id, count) VALUES (1, 0)`); err != nil {
		return fmt.Errorf("failed to seed total: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit seed transaction: %w", err)
	}
	return nil
}

// Tx exposes the row operations inside one transaction. All mutations made
// through a Tx become visible atomically at commit.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back if fn returns an error or panics.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Increment atomically adds delta to one bucket row and returns the new count.
func (s *Store) Increment(ctx context.Context, g Granularity, index int, delta int64) (int64, error) {
	return increment(ctx, s.db, g, index, delta)
}

// Increment atomically adds delta to one bucket row and returns the new count.
func (t *Tx) Increment(ctx context.Context, g Granularity, index int, delta int64) (int64, error) {
	return increment(ctx, t.tx, g, index, delta)
}

func increment(ctx context.Context, q querier, g Granularity, index int, delta int64) (int64, error) {
	var count int64
	err := q.QueryRowContext(ctx,
		`UPDATE buckets SET count = count + ? WHERE granularity = ? AND idx = ? RETURNING count`,
		delta, string(g), index,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s[%d]", ErrNotFound, g, index)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s[%d]: %w", g, index, err)
	}
	return count, nil
}

// Read returns the current count of one bucket row.
func (s *Store) Read(ctx context.Context, g Granularity, index int) (int64, error) {
	return readBucket(ctx, s.db, g, index)
}

// Read returns the current count of one bucket row.
func (t *Tx) Read(ctx context.Context, g Granularity, index int) (int64, error) {
	return readBucket(ctx, t.tx, g, index)
}

func readBucket(ctx context.Context, q querier, g Granularity, index int) (int64, error) {
	var count int64
	err := q.QueryRowContext(ctx,
		`SELECT count FROM buckets WHERE granularity = ? AND idx = ?`,
		string(g), index,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s[%d]", ErrNotFound, g, index)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s[%d]: %w", g, index, err)
	}
	return count, nil
}

// Reset zeroes one bucket row.
func (s *Store) Reset(ctx context.Context, g Granularity, index int) error {
	return resetBucket(ctx, s.db, g, index)
}

// Reset zeroes one bucket row.
func (t *Tx) Reset(ctx context.Context, g Granularity, index int) error {
	return resetBucket(ctx, t.tx, g, index)
}

func resetBucket(ctx context.Context, q querier, g Granularity, index int) error {
	res, err := q.ExecContext(ctx,
		`UPDATE buckets SET count = 0 WHERE granularity = ? AND idx = ?`,
		string(g), index,
	)
	if err != nil {
		return fmt.Errorf("failed to reset %s[%d]: %w", g, index, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s[%d]", ErrNotFound, g, index)
	}
	return nil
}

// IncrementBreakdown atomically adds delta to one breakdown row and returns
// the new count.
func (s *Store) IncrementBreakdown(ctx context.Context, kind Breakdown, index int, delta int64) (int64, error) {
	return incrementBreakdown(ctx, s.db, kind, index, delta)
}

// IncrementBreakdown atomically adds delta to one breakdown row and returns
// the new count.
func (t *Tx) IncrementBreakdown(ctx context.Context, kind Breakdown, index int, delta int64) (int64, error) {
	return incrementBreakdown(ctx, t.tx, kind, index, delta)
}

func incrementBreakdown(ctx context.Context, q querier, kind Breakdown, index int, delta int64) (int64, error) {
	var count int64
	err := q.QueryRowContext(ctx,
		`UPDATE breakdowns SET count = count + ? WHERE kind = ? AND idx = ? RETURNING count`,
		delta, string(kind), index,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s[%d]", ErrNotFound, kind, index)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment breakdown %s[%d]: %w", kind, index, err)
	}
	return count, nil
}

// IncrementTotal atomically adds delta to the running total and returns the
// new value.
func (s *Store) IncrementTotal(ctx context.Context, delta int64) (int64, error) {
	return incrementTotal(ctx, s.db, delta)
}

// IncrementTotal atomically adds delta to the running total and returns the
// new value.
func (t *Tx) IncrementTotal(ctx context.Context, delta int64) (int64, error) {
	return incrementTotal(ctx, t.tx, delta)
}

func incrementTotal(ctx context.Context, q querier, delta int64) (int64, error) {
	var count int64
	err := q.QueryRowContext(ctx,
		`UPDATE totals SET count = count + ? WHERE id = 1 RETURNING count`, delta,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to increment total: %w", err)
	}
	return count, nil
}

// Total returns the running total.
func (s *Store) Total(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT count FROM totals WHERE id = 1`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to read total: %w", err)
	}
	return count, nil
}

// UpsertCountry atomically adds delta to a country counter, inserting the
// row the first time the country is seen.
func (s *Store) UpsertCountry(ctx context.Context, code string, delta int64) (int64, error) {
	return upsertCountry(ctx, s.db, code, delta)
}

// UpsertCountry is the transactional variant of Store.UpsertCountry.
func (t *Tx) UpsertCountry(ctx context.Context, code string, delta int64) (int64, error) {
	return upsertCountry(ctx, t.tx, code, delta)
}

// upsertCountry is the only operation with an open-ended key set, so it is
// the only one needing the increment, insert, retry-increment dance: two
// writers can race to create the same country's first row.
func upsertCountry(ctx context.Context, q querier, code string, delta int64) (int64, error) {
	code = NormalizeCountry(code)

	incr := func() (int64, bool, error) {
		var count int64
		err := q.QueryRowContext(ctx,
			`UPDATE countries SET count = count + ? WHERE code = ? RETURNING count`,
			delta, code,
		).Scan(&count)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, fmt.Errorf("failed to increment country %s: %w", code, err)
		}
		return count, true, nil
	}

	if count, ok, err := incr(); err != nil || ok {
		return count, err
	}

	if _, err := q.ExecContext(ctx,
		`INSERT INTO countries (code, count) VALUES (?, ?)`, code, delta,
	); err != nil {
		if !isUniqueViolation(err) {
			return 0, fmt.Errorf("failed to insert country %s: %w", code, err)
		}
		// Lost the insert race; the row exists now, retry the increment.
		count, ok, err := incr()
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("country %s vanished during upsert retry", code)
		}
		return count, nil
	}
	return delta, nil
}

// NormalizeCountry maps a caller-supplied country code onto the stored key
// space: uppercase ISO2, or the unknown sentinel.
func NormalizeCountry(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 2 {
		return CountryUnknown
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return CountryUnknown
		}
	}
	return code
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Buckets returns every row of one granularity ordered by index.
func (s *Store) Buckets(ctx context.Context, g Granularity) ([]Bucket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, count FROM buckets WHERE granularity = ? ORDER BY idx`, string(g),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s buckets: %w", g, err)
	}
	defer rows.Close()
	return scanBuckets(rows)
}

// Breakdowns returns every row of one breakdown kind ordered by index.
func (s *Store) Breakdowns(ctx context.Context, kind Breakdown) ([]Bucket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, count FROM breakdowns WHERE kind = ? ORDER BY idx`, string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s breakdowns: %w", kind, err)
	}
	defer rows.Close()
	return scanBuckets(rows)
}

func scanBuckets(rows *sql.Rows) ([]Bucket, error) {
	var out []Bucket
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.Index, &b.Count); err != nil {
			return nil, fmt.Errorf("failed to scan bucket row: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bucket rows: %w", err)
	}
	return out, nil
}

// Countries returns every country counter ordered by count descending.
func (s *Store) Countries(ctx context.Context) ([]CountryCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, count FROM countries ORDER BY count DESC, code`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query countries: %w", err)
	}
	defer rows.Close()

	var out []CountryCount
	for rows.Next() {
		var c CountryCount
		if err := rows.Scan(&c.Code, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan country row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate country rows: %w", err)
	}
	return out, nil
}

// InsertDonationRequest persists a donation request.
func (s *Store) InsertDonationRequest(ctx context.Context, req DonationRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO donation_requests (id, milestone, created_at, country, name, email, message)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.Milestone, req.CreatedAt.UTC().Unix(), req.Country, req.Name, req.Email, req.Message,
	)
	if err != nil {
		return fmt.Errorf("failed to insert donation request: %w", err)
	}
	return nil
}

// DonationRequests lists stored donation requests, newest first.
func (s *Store) DonationRequests(ctx context.Context) ([]DonationRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, milestone, created_at, country, name, email, message
		 FROM donation_requests ORDER BY created_at DESC, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query donation requests: %w", err)
	}
	defer rows.Close()

	var out []DonationRequest
	for rows.Next() {
		var (
			req                  DonationRequest
			createdAt            int64
			name, email, message sql.NullString
		)
		if err := rows.Scan(&req.ID, &req.Milestone, &createdAt, &req.Country, &name, &email, &message); err != nil {
			return nil, fmt.Errorf("failed to scan donation request: %w", err)
		}
		req.CreatedAt = time.Unix(createdAt, 0).UTC()
		req.Name = name.String
		req.Email = email.String
		req.Message = message.String
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate donation requests: %w", err)
	}
	return out, nil
}
