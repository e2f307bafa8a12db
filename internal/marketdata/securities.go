package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantora/strategyworker/internal/domain"
)

// SecurityService is the general-data accessor exposed to strategies as
// get_general_data. Queries always constrain to current-version rows
// (maxdate IS NULL) and default to active securities.
type SecurityService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewSecurityService creates a SecurityService over the given pool.
func NewSecurityService(pool *pgxpool.Pool, logger *slog.Logger) *SecurityService {
	return &SecurityService{
		pool:   pool,
		logger: logger.With(slog.String("component", "security_service")),
	}
}

// filterSecurityColumns projects requested columns against the securities
// allow-list, preserving order. Nil requests the full default set.
func filterSecurityColumns(requested []string) []string {
	if len(requested) == 0 {
		return append([]string(nil), domain.SecurityColumns...)
	}
	allowed := make(map[string]bool, len(domain.SecurityColumns))
	for _, c := range domain.SecurityColumns {
		allowed[c] = true
	}
	var out []string
	for _, c := range requested {
		if allowed[c] {
			out = append(out, c)
		}
	}
	return out
}

// buildSecurityWhere renders the shared filter clauses. Every query pins the
// current-version row; active defaults to true unless the filter overrides
// it.
func buildSecurityWhere(f *domain.SecurityFilter, args *[]any) string {
	var sb strings.Builder
	sb.WriteString("WHERE maxdate IS NULL")

	next := func(v any) string {
		*args = append(*args, v)
		return fmt.Sprintf("$%d", len(*args))
	}

	active := true
	if f != nil && f.Active != nil {
		active = *f.Active
	}
	sb.WriteString(" AND active = " + next(active))

	if f == nil {
		return sb.String()
	}
	if f.Sector != "" {
		sb.WriteString(" AND sector = " + next(f.Sector))
	}
	if f.Industry != "" {
		sb.WriteString(" AND industry = " + next(f.Industry))
	}
	if f.Market != "" {
		sb.WriteString(" AND market = " + next(f.Market))
	}
	if f.PrimaryExchange != "" {
		sb.WriteString(" AND primary_exchange = " + next(f.PrimaryExchange))
	}
	if f.MarketCapMin != nil {
		sb.WriteString(" AND market_cap >= " + next(*f.MarketCapMin))
	}
	if f.MarketCapMax != nil {
		sb.WriteString(" AND market_cap <= " + next(*f.MarketCapMax))
	}
	if f.TotalEmployeesMin != nil {
		sb.WriteString(" AND total_employees >= " + next(*f.TotalEmployeesMin))
	}
	if f.TotalEmployeesMax != nil {
		sb.WriteString(" AND total_employees <= " + next(*f.TotalEmployeesMax))
	}
	if f.WeightedSharesOutstandingMin != nil {
		sb.WriteString(" AND weighted_shares_outstanding >= " + next(*f.WeightedSharesOutstandingMin))
	}
	if f.WeightedSharesOutstandingMax != nil {
		sb.WriteString(" AND weighted_shares_outstanding <= " + next(*f.WeightedSharesOutstandingMax))
	}
	return sb.String()
}

// numericSecurityColumns are stored as NUMERIC; the projection casts them so
// rows decode as float64 rather than a driver-specific numeric type.
var numericSecurityColumns = map[string]bool{
	"market_cap":                     true,
	"share_class_shares_outstanding": true,
	"weighted_shares_outstanding":    true,
}

// securityProjection renders the SELECT list, casting NUMERIC columns.
func securityProjection(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		if numericSecurityColumns[c] {
			parts[i] = c + "::float8 AS " + c
		} else {
			parts[i] = c
		}
	}
	return strings.Join(parts, ", ")
}

// GetGeneralData returns a row-set over the current rows of securities. A
// non-empty ticker list is first resolved to securityid values under the same
// filters; if it resolves to zero rows the result is empty.
func (s *SecurityService) GetGeneralData(ctx context.Context, q domain.SecurityQuery) ([]map[string]any, error) {
	cols := filterSecurityColumns(q.Columns)
	if len(cols) == 0 {
		s.logger.Warn("empty securities projection", slog.Any("requested", q.Columns))
		return []map[string]any{}, nil
	}

	var (
		sql  string
		args []any
	)
	if q.Filters != nil && len(q.Filters.Tickers) > 0 {
		ids, err := s.resolveSecurityIDs(ctx, q.Filters)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return []map[string]any{}, nil
		}
		args = append(args, ids)
		sql = fmt.Sprintf(
			"SELECT %s FROM securities WHERE maxdate IS NULL AND securityid = ANY($1) ORDER BY ticker",
			securityProjection(cols),
		)
	} else {
		where := buildSecurityWhere(q.Filters, &args)
		sql = fmt.Sprintf(
			"SELECT %s FROM securities %s ORDER BY ticker",
			securityProjection(cols), where,
		)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("marketdata: query securities: %w", err)
	}
	defer rows.Close()

	out := []map[string]any{}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("marketdata: scan securities row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("marketdata: securities rows: %w", err)
	}
	return out, nil
}

// ResolveUniverse returns the tickers matching the filters, used by the bar
// accessor when a batched query is issued without an explicit ticker list.
func (s *SecurityService) ResolveUniverse(ctx context.Context, f *domain.SecurityFilter) ([]string, error) {
	var args []any
	where := buildSecurityWhere(f, &args)
	sql := "SELECT ticker FROM securities " + where + " ORDER BY ticker"

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("marketdata: resolve universe: %w", err)
	}
	defer rows.Close()

	var tickers []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("marketdata: scan ticker: %w", err)
		}
		tickers = append(tickers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("marketdata: universe rows: %w", err)
	}
	return tickers, nil
}

// resolveSecurityIDs maps a ticker list to securityid values under the same
// filters that apply to the main query.
func (s *SecurityService) resolveSecurityIDs(ctx context.Context, f *domain.SecurityFilter) ([]int64, error) {
	var args []any
	where := buildSecurityWhere(f, &args)
	args = append(args, f.Tickers)
	sql := fmt.Sprintf("SELECT securityid FROM securities %s AND ticker = ANY($%d)", where, len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("marketdata: resolve securityids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("marketdata: scan securityid: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("marketdata: securityid rows: %w", err)
	}
	return ids, nil
}

// Compile-time interface checks.
var (
	_ domain.SecuritySource = (*SecurityService)(nil)
	_ domain.BarSource      = (*BarService)(nil)
)
