package marketdata

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/semaphore"

	"github.com/quantora/strategyworker/internal/domain"
	"github.com/quantora/strategyworker/internal/timeframe"
)

const (
	// defaultBatchSize is the ticker count per fan-out query.
	defaultBatchSize = 1000
	// defaultMaxConcurrent caps in-flight batch queries so large universes do
	// not overwhelm the connection pool.
	defaultMaxConcurrent = 10

	minBarsFloor = 1
	minBarsCeil  = 10000
)

// BarService is the bar-data accessor exposed to strategies as get_bar_data.
// It decides between single-shot and batched execution and assembles a
// column-major result table.
type BarService struct {
	pool          *pgxpool.Pool
	securities    *SecurityService
	logger        *slog.Logger
	batchSize     int
	maxConcurrent int
}

// Option tunes a BarService.
type Option func(*BarService)

// WithBatchSize overrides the ticker batch size of the fan-out.
func WithBatchSize(n int) Option {
	return func(s *BarService) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithMaxConcurrent overrides the fan-out concurrency bound.
func WithMaxConcurrent(n int) Option {
	return func(s *BarService) {
		if n > 0 {
			s.maxConcurrent = n
		}
	}
}

// NewBarService creates a BarService over the given pool. The securities
// service resolves the active universe when a batched query is issued without
// an explicit ticker list.
func NewBarService(pool *pgxpool.Pool, securities *SecurityService, logger *slog.Logger, opts ...Option) *BarService {
	s := &BarService{
		pool:          pool,
		securities:    securities,
		logger:        logger.With(slog.String("component", "bar_service")),
		batchSize:     defaultBatchSize,
		maxConcurrent: defaultMaxConcurrent,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetBarData executes one bar-data request. Invalid timeframes and empty
// projections yield an empty table, not an error; database failures on the
// single-query path surface to the caller, while per-batch failures are
// logged and skipped.
func (s *BarService) GetBarData(ctx context.Context, q domain.BarQuery) (*domain.BarTable, error) {
	tf, err := timeframe.Parse(q.Timeframe)
	if err != nil {
		s.logger.Warn("bad timeframe", slog.String("timeframe", q.Timeframe))
		return domain.NewBarTable(nil), nil
	}

	cols, err := filterColumns(q.Columns)
	if err != nil {
		s.logger.Warn("empty column projection", slog.Any("requested", q.Columns))
		return domain.NewBarTable(nil), nil
	}

	minBars := q.MinBars
	if minBars < minBarsFloor {
		minBars = minBarsFloor
	}
	if minBars > minBarsCeil {
		minBars = minBarsCeil
	}

	var start, end *time.Time
	if q.StartDate != nil && q.EndDate != nil {
		st := NormalizeEST(*q.StartDate)
		en := NormalizeEST(*q.EndDate)
		start, end = &st, &en
	}

	var tickers []string
	if q.Filters != nil {
		tickers = q.Filters.Tickers
	}

	spec := barQuerySpec{
		tf:            tf,
		columns:       cols,
		minBars:       minBars,
		extendedHours: q.ExtendedHours,
		start:         start,
		end:           end,
	}

	// aggregate_mode requests a cross-ticker dataset and must see the full
	// set in one call; it disables batching unconditionally.
	useBatching := !q.AggregateMode && (len(tickers) == 0 || len(tickers) > s.batchSize)
	if !useBatching {
		spec.tickers = tickers
		return s.queryOnce(ctx, spec)
	}

	if len(tickers) == 0 {
		tickers, err = s.securities.ResolveUniverse(ctx, q.Filters)
		if err != nil {
			return nil, err
		}
	}

	return s.queryBatched(ctx, spec, tickers)
}

// queryBatched splits tickers into batches and dispatches them concurrently
// under a bounded semaphore. Rows concatenate in batch-completion order;
// callers must not rely on inter-batch ordering.
func (s *BarService) queryBatched(ctx context.Context, spec barQuerySpec, tickers []string) (*domain.BarTable, error) {
	result := domain.NewBarTable(spec.columns)
	if len(tickers) == 0 {
		return result, nil
	}

	sem := semaphore.NewWeighted(int64(s.maxConcurrent))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for begin := 0; begin < len(tickers); begin += s.batchSize {
		stop := begin + s.batchSize
		if stop > len(tickers) {
			stop = len(tickers)
		}
		batch := tickers[begin:stop]

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(batch []string) {
			defer wg.Done()
			defer sem.Release(1)

			batchSpec := spec
			batchSpec.tickers = batch
			tbl, err := s.queryOnce(ctx, batchSpec)
			if err != nil {
				s.logger.Warn("batch query failed, skipping batch",
					slog.Int("batch_size", len(batch)),
					slog.String("error", err.Error()),
				)
				return
			}
			mu.Lock()
			result.Extend(tbl)
			mu.Unlock()
		}(batch)
	}

	wg.Wait()
	return result, nil
}

// queryOnce executes one built statement and scans into a column-major table.
func (s *BarService) queryOnce(ctx context.Context, spec barQuerySpec) (*domain.BarTable, error) {
	sql, args, err := buildBarSQL(spec)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tbl := domain.NewBarTable(spec.columns)
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		tbl.AppendRow(vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tbl, nil
}
