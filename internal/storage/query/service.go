// Package query answers read requests over closed windows. It merges
// two sources: Parquet snapshots on disk, scanned through DuckDB, and
// closed windows still held in memory awaiting checkpoint.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	_ "github.com/marcboeker/go-duckdb"
	"golang.org/x/sync/singleflight"

	"github.com/nashlabs/nash-stats/internal/errors"
	"github.com/nashlabs/nash-stats/internal/logging"
	"github.com/nashlabs/nash-stats/internal/storage/types"
)

// WindowSource serves closed windows that have not yet been evicted
// from memory.
type WindowSource interface {
	Query(key types.MetricKey, r types.TimeRange) []types.WindowAggregate
	Keys() []types.MetricKey
}

// Request defines parameters for a window query.
type Request struct {
	Key   types.MetricKey
	Range types.TimeRange
	Limit int
}

// Service provides query capabilities over closed windows.
type Service struct {
	mu sync.RWMutex

	dir    string
	db     *sql.DB
	source WindowSource
	log    *slog.Logger

	// availableFromMs is the oldest timestamp still covered by
	// retained data; ranges entirely before it are rejected.
	availableFromMs int64

	// Identical concurrent queries share one DuckDB scan.
	group singleflight.Group

	stats Stats
}

// Stats holds query statistics.
type Stats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Rejected        int64
	Errors          int64
	SharedResults   int64
}

// New creates a query service over a snapshot directory.
func New(dir string, source WindowSource, memoryLimit string) (*Service, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, err.Error())
	}

	if memoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", memoryLimit)); err != nil {
			db.Close()
			return nil, errors.Wrap(errors.ErrDatabase, fmt.Sprintf("set memory limit: %v", err))
		}
	}

	return &Service{
		dir:    dir,
		db:     db,
		source: source,
		log:    logging.Component("query"),
	}, nil
}

// Close closes the query service.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SetAvailableFrom records the oldest timestamp still covered by
// retained data. Zero means no lower bound is enforced.
func (s *Service) SetAvailableFrom(ms int64) {
	s.mu.Lock()
	s.availableFromMs = ms
	s.mu.Unlock()
}

// Query returns closed windows for a key within a time range, ordered
// by window start. Ranges that end before the oldest retained data
// are rejected with a range-unavailable error rather than answered
// with silently empty results.
func (s *Service) Query(ctx context.Context, q Request) ([]types.WindowAggregate, error) {
	if q.Key == "" {
		return nil, errors.NewMissingField("key")
	}

	s.mu.RLock()
	availableFrom := s.availableFromMs
	s.mu.RUnlock()

	if availableFrom > 0 && !q.Range.IsZero() && q.Range.End <= availableFrom {
		s.mu.Lock()
		s.stats.Rejected++
		s.mu.Unlock()
		return nil, errors.Wrap(errors.ErrRangeUnavailable,
			fmt.Sprintf("range ends at %d, oldest retained data is %d", q.Range.End, availableFrom))
	}

	flightKey := fmt.Sprintf("%s/%d/%d", q.Key, q.Range.Start, q.Range.End)
	result, err, shared := s.group.Do(flightKey, func() (interface{}, error) {
		return s.execute(ctx, q.Key, q.Range)
	})
	if err != nil {
		s.mu.Lock()
		s.stats.Errors++
		s.mu.Unlock()
		return nil, err
	}

	merged := result.([]types.WindowAggregate)
	if q.Limit > 0 && len(merged) > q.Limit {
		merged = merged[:q.Limit]
	}

	s.mu.Lock()
	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(len(merged))
	if shared {
		s.stats.SharedResults++
	}
	s.mu.Unlock()

	return merged, nil
}

// execute scans snapshots and merges in retained in-memory windows.
func (s *Service) execute(ctx context.Context, key types.MetricKey, r types.TimeRange) ([]types.WindowAggregate, error) {
	fromDisk, err := s.queryParquet(ctx, key, r)
	if err != nil {
		return nil, err
	}

	var fromMemory []types.WindowAggregate
	if s.source != nil {
		fromMemory = s.source.Query(key, r)
	}

	return mergeWindows(fromDisk, fromMemory), nil
}

// queryParquet scans all snapshot files for the key and range.
func (s *Service) queryParquet(ctx context.Context, key types.MetricKey, r types.TimeRange) ([]types.WindowAggregate, error) {
	pattern := filepath.Join(s.dir, "agg-*.parquet")

	start := r.Start
	end := r.End
	if r.IsZero() {
		start = 0
		end = int64(1) << 62
	}

	query := `
		SELECT
			key, window_start, window_end,
			count, sum, min, max, avg,
			p50, p90, p95, p99, has_percentiles,
			first_ts, last_ts
		FROM read_parquet($1)
		WHERE key = $2
		  AND window_start >= $3
		  AND window_start < $4
		ORDER BY window_start
	`

	rows, err := s.db.QueryContext(ctx, query, pattern, string(key), start, end)
	if err != nil {
		// No snapshot files yet; the in-memory source still answers.
		return nil, nil
	}
	defer rows.Close()

	return scanWindows(rows)
}

// scanWindows scans DuckDB rows into window aggregates.
func scanWindows(rows *sql.Rows) ([]types.WindowAggregate, error) {
	var aggs []types.WindowAggregate

	for rows.Next() {
		var a types.WindowAggregate
		var key string
		var p50, p90, p95, p99 sql.NullFloat64
		var hasPercentiles bool

		err := rows.Scan(
			&key, &a.WindowStart, &a.WindowEnd,
			&a.Count, &a.Sum, &a.Min, &a.Max, &a.Avg,
			&p50, &p90, &p95, &p99, &hasPercentiles,
			&a.FirstTs, &a.LastTs,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		a.Key = types.MetricKey(key)
		if hasPercentiles {
			a.SetPercentiles(p50.Float64, p90.Float64, p95.Float64, p99.Float64)
		}

		aggs = append(aggs, a)
	}

	return aggs, rows.Err()
}

// mergeWindows combines disk and memory results, deduplicating by
// window start. The in-memory copy wins on overlap.
func mergeWindows(fromDisk, fromMemory []types.WindowAggregate) []types.WindowAggregate {
	if len(fromMemory) == 0 {
		return fromDisk
	}

	inMemory := make(map[int64]struct{}, len(fromMemory))
	for i := range fromMemory {
		inMemory[fromMemory[i].WindowStart] = struct{}{}
	}

	merged := make([]types.WindowAggregate, 0, len(fromDisk)+len(fromMemory))
	for i := range fromDisk {
		if _, ok := inMemory[fromDisk[i].WindowStart]; ok {
			continue
		}
		merged = append(merged, fromDisk[i])
	}
	merged = append(merged, fromMemory...)

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].WindowStart < merged[j].WindowStart
	})

	return merged
}

// Keys returns every metric key with data, across snapshots and the
// in-memory source.
func (s *Service) Keys(ctx context.Context) ([]types.MetricKey, error) {
	seen := make(map[types.MetricKey]struct{})

	if s.source != nil {
		for _, k := range s.source.Keys() {
			seen[k] = struct{}{}
		}
	}

	pattern := filepath.Join(s.dir, "agg-*.parquet")
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT key FROM read_parquet($1)`, pattern)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				return nil, fmt.Errorf("scan key: %w", err)
			}
			seen[types.MetricKey(k)] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	keys := make([]types.MetricKey, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	return keys, nil
}

// Stats returns query statistics.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
