package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/quantora/strategyworker/internal/domain"
)

// pgcode for a unique constraint violation.
const codeUniqueViolation = "23505"

// StrategyStore implements domain.StrategyStore using PostgreSQL. Versions
// are append-only rows under (userid, name).
type StrategyStore struct {
	db     *Client
	logger *slog.Logger
}

// NewStrategyStore creates a new StrategyStore backed by the given client.
func NewStrategyStore(db *Client, logger *slog.Logger) *StrategyStore {
	return &StrategyStore{
		db:     db,
		logger: logger.With(slog.String("component", "strategy_store")),
	}
}

var _ domain.StrategyStore = (*StrategyStore)(nil)

const strategyColumns = `strategyid, userid, name, description, prompt, python_code,
	version, created_at, updated_at, alert_active, score, min_timeframe, alert_universe_full`

// insertFirstVersion creates the version-1 row of a brand-new strategy.
const insertFirstVersion = `
	INSERT INTO strategies (
		userid, name, description, prompt, python_code, version,
		created_at, updated_at, alert_active, score, min_timeframe, alert_universe_full
	) VALUES ($1, $2, $3, $4, $5, 1, NOW(), NOW(), $6, $7, $8, $9)
	RETURNING strategyid, version, created_at, updated_at`

// insertNextVersion appends the next version under (userid, name). The
// version is computed inside the INSERT so no second query can interleave;
// a concurrent append surfaces as a unique violation and is retried.
const insertNextVersion = `
	INSERT INTO strategies (
		userid, name, description, prompt, python_code, version,
		created_at, updated_at, alert_active, score, min_timeframe, alert_universe_full
	)
	SELECT $1, $2, $3, $4, $5, COALESCE(MAX(version), 0) + 1,
	       NOW(), NOW(), $6, $7, $8, $9
	FROM strategies
	WHERE userid = $1 AND name = $2
	RETURNING strategyid, version, created_at, updated_at`

// FetchCode returns the latest version of a strategy unless a specific one
// is asked for. A missing requested version falls back to the latest with a
// warning.
func (s *StrategyStore) FetchCode(ctx context.Context, userID, strategyID int64, version *int) (domain.Strategy, error) {
	if version != nil {
		query := fmt.Sprintf(`
			SELECT %s FROM strategies
			WHERE userid = $1 AND strategyid = $2 AND version = $3`, strategyColumns)
		st, err := s.scanOne(ctx, query, userID, strategyID, *version)
		if err == nil {
			return st, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Strategy{}, err
		}
		s.logger.Warn("requested strategy version not found, falling back to latest",
			slog.Int64("strategy_id", strategyID),
			slog.Int("version", *version))
	}

	query := fmt.Sprintf(`
		SELECT %s FROM strategies
		WHERE userid = $1 AND strategyid = $2
		ORDER BY version DESC
		LIMIT 1`, strategyColumns)
	return s.scanOne(ctx, query, userID, strategyID)
}

// Save persists a strategy. With a StrategyID present it appends a new row
// with version = max(version)+1 under the same (userid, name); without one
// it inserts a fresh version-1 row. The append runs in a transaction; a
// version collision with a concurrent save is retried once.
func (s *StrategyStore) Save(ctx context.Context, st domain.Strategy) (domain.Strategy, error) {
	for attempt := 0; ; attempt++ {
		err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
			query := insertFirstVersion
			if st.StrategyID != 0 {
				query = insertNextVersion
			}
			return tx.QueryRow(ctx, query,
				st.UserID, st.Name, st.Description, st.Prompt, st.Code,
				st.AlertActive, st.Score, st.MinTimeframe, st.AlertUniverseFull,
			).Scan(&st.StrategyID, &st.Version, &st.CreatedAt, &st.UpdatedAt)
		})
		if err == nil {
			return st, nil
		}
		if attempt == 0 && isUniqueViolation(err) {
			s.logger.Warn("strategy version collision, retrying",
				slog.String("name", st.Name))
			continue
		}
		return domain.Strategy{}, fmt.Errorf("postgres: save strategy %s: %w", st.Name, err)
	}
}

// isUniqueViolation reports whether err is a unique constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

func (s *StrategyStore) scanOne(ctx context.Context, query string, args ...any) (domain.Strategy, error) {
	var st domain.Strategy
	err := s.db.Pool().QueryRow(ctx, query, args...).Scan(
		&st.StrategyID, &st.UserID, &st.Name, &st.Description, &st.Prompt, &st.Code,
		&st.Version, &st.CreatedAt, &st.UpdatedAt, &st.AlertActive, &st.Score,
		&st.MinTimeframe, &st.AlertUniverseFull,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Strategy{}, domain.ErrNotFound
		}
		return domain.Strategy{}, fmt.Errorf("postgres: fetch strategy: %w", err)
	}
	return st, nil
}
