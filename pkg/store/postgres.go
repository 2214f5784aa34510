package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fraware/accountabilitylayer/pkg/models"
)

// pgUniqueViolation is the PostgreSQL error code for unique constraint hits.
const pgUniqueViolation = "23505"

// logColumns is the scan order shared by every row-returning query.
const logColumns = `agent_id, step_id, trace_id, user_id, ts, input_data, output, metadata,
	reasoning, status, reviewed, review_comments, version, retention_tier, content_hash,
	created_at, updated_at`

// sortColumns maps API sort keys to SQL columns. Anything else falls back
// to the timestamp.
var sortColumns = map[string]string{
	"timestamp": "ts",
	"step_id":   "step_id",
	"status":    "status",
	"version":   "version",
}

// PostgresStore implements LogStore on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, l *models.DecisionLog) error {
	input, output, meta, err := marshalJSONFields(l)
	if err != nil {
		return err
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO decision_logs (agent_id, step_id, trace_id, user_id, ts, input_data,
			output, metadata, reasoning, status, reviewed, review_comments, version,
			retention_tier, content_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at`,
		l.AgentID, l.StepID, l.TraceID, l.UserID, l.Timestamp.UTC(), input, output, meta,
		l.Reasoning, l.Status, l.Reviewed, l.ReviewComments, l.Version,
		l.RetentionTier, l.ContentHash,
	).Scan(&l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("insert %s: %w", l.LogID(), ErrDuplicate)
		}
		return fmt.Errorf("insert %s: %w", l.LogID(), err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, agentID string, stepID int64) (*models.DecisionLog, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+logColumns+` FROM decision_logs WHERE agent_id = $1 AND step_id = $2`,
		agentID, stepID)
	l, err := scanLog(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get %s:%d: %w", agentID, stepID, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s:%d: %w", agentID, stepID, err)
	}
	return l, nil
}

func (s *PostgresStore) ListByAgent(ctx context.Context, agentID string, p models.ListParams) (*models.LogListResult, error) {
	p = normalizeListParams(p)

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM decision_logs WHERE agent_id = $1`, agentID,
	).Scan(&total); err != nil {
		return nil, fmt.Errorf("count logs for %s: %w", agentID, err)
	}

	sortCol, ok := sortColumns[p.SortBy]
	if !ok {
		sortCol = "ts"
	}
	order := "DESC"
	if p.SortOrder == "asc" {
		order = "ASC"
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM decision_logs WHERE agent_id = $1 ORDER BY %s %s, step_id %s LIMIT $2 OFFSET $3`,
		logColumns, sortCol, order, order),
		agentID, p.Limit, (p.Page-1)*p.Limit)
	if err != nil {
		return nil, fmt.Errorf("list logs for %s: %w", agentID, err)
	}
	defer rows.Close()

	logs, err := scanLogs(rows)
	if err != nil {
		return nil, fmt.Errorf("list logs for %s: %w", agentID, err)
	}
	return &models.LogListResult{Logs: logs, TotalCount: total, Page: p.Page, Limit: p.Limit}, nil
}

func (s *PostgresStore) Search(ctx context.Context, f models.SearchFilters) (*models.LogListResult, error) {
	where, args := buildSearchWhere(f, time.Now())

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM decision_logs WHERE `+where, args...,
	).Scan(&total); err != nil {
		return nil, fmt.Errorf("count search: %w", err)
	}

	sortCol, ok := sortColumns[f.SortBy]
	if !ok {
		sortCol = "ts"
	}
	order := "DESC"
	if f.SortOrder == "asc" {
		order = "ASC"
	}

	query := fmt.Sprintf(`SELECT %s FROM decision_logs WHERE %s ORDER BY %s %s, step_id %s LIMIT $%d OFFSET $%d`,
		logColumns, where, sortCol, order, order, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	logs, err := scanLogs(rows)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	page := offset/limit + 1
	return &models.LogListResult{Logs: logs, TotalCount: total, Page: page, Limit: limit}, nil
}

// buildSearchWhere assembles the WHERE clause. An unset time range defaults
// to the trailing 30 days so unbounded searches never scan the full table.
func buildSearchWhere(f models.SearchFilters, now time.Time) (string, []any) {
	var conds []string
	var args []any

	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	from, to := searchRange(f, now)
	add("ts >= $%d", from.UTC())
	add("ts < $%d", to.UTC())

	if f.AgentID != "" {
		add("agent_id = $%d", f.AgentID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.TraceID != "" {
		add("trace_id = $%d", f.TraceID)
	}
	if f.Reviewed != nil {
		add("reviewed = $%d", *f.Reviewed)
	}
	if f.Keyword != "" {
		add("reasoning ILIKE $%d", "%"+escapeLike(f.Keyword)+"%")
	}
	return strings.Join(conds, " AND "), args
}

func searchRange(f models.SearchFilters, now time.Time) (time.Time, time.Time) {
	switch {
	case f.FromDate != nil && f.ToDate != nil:
		return *f.FromDate, *f.ToDate
	case f.FromDate != nil:
		return *f.FromDate, now.Add(time.Minute)
	case f.ToDate != nil:
		return f.ToDate.Add(-DefaultSearchRange), *f.ToDate
	default:
		return now.Add(-DefaultSearchRange), now.Add(time.Minute)
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *PostgresStore) Summary(ctx context.Context, agentID string, from, to *time.Time) (*models.AgentSummary, error) {
	query := `
		SELECT status, reviewed, count(*), min(ts), max(ts)
		FROM decision_logs WHERE agent_id = $1`
	args := []any{agentID}
	if from != nil {
		args = append(args, *from)
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if to != nil {
		args = append(args, *to)
		query += fmt.Sprintf(" AND ts <= $%d", len(args))
	}
	query += " GROUP BY status, reviewed"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary for %s: %w", agentID, err)
	}
	defer rows.Close()

	sum := &models.AgentSummary{
		AgentID:   agentID,
		ByStatus:  make(map[models.Status]int),
		Generated: time.Now().UTC(),
	}
	for rows.Next() {
		var (
			status   models.Status
			reviewed bool
			count    int
			from, to time.Time
		)
		if err := rows.Scan(&status, &reviewed, &count, &from, &to); err != nil {
			return nil, fmt.Errorf("summary for %s: %w", agentID, err)
		}
		sum.Total += count
		sum.ByStatus[status] += count
		if reviewed {
			sum.Reviewed += count
		} else {
			sum.Pending += count
		}
		if sum.FromDate == nil || from.Before(*sum.FromDate) {
			f := from
			sum.FromDate = &f
		}
		if sum.ToDate == nil || to.After(*sum.ToDate) {
			t := to
			sum.ToDate = &t
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("summary for %s: %w", agentID, err)
	}
	return sum, nil
}

func (s *PostgresStore) Update(ctx context.Context, l *models.DecisionLog, expectedVersion int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE decision_logs
		SET reviewed = $1, review_comments = $2, version = $3, content_hash = $4,
			status = $5, updated_at = now()
		WHERE agent_id = $6 AND step_id = $7 AND version = $8`,
		l.Reviewed, l.ReviewComments, l.Version, l.ContentHash, l.Status,
		l.AgentID, l.StepID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update %s: %w", l.LogID(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", l.LogID(), err)
	}
	if n == 0 {
		// Distinguish a missing row from a concurrent writer.
		var v int
		err := s.db.QueryRowContext(ctx,
			`SELECT version FROM decision_logs WHERE agent_id = $1 AND step_id = $2`,
			l.AgentID, l.StepID).Scan(&v)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("update %s: %w", l.LogID(), ErrNotFound)
		}
		return fmt.Errorf("update %s: stored version %d, expected %d: %w",
			l.LogID(), v, expectedVersion, ErrVersionConflict)
	}
	return nil
}

func (s *PostgresStore) RetierDue(ctx context.Context, now time.Time, hotDays, warmDays int) (int64, error) {
	warmCutoff := now.Add(-time.Duration(hotDays) * 24 * time.Hour)
	coldCutoff := now.Add(-time.Duration(warmDays) * 24 * time.Hour)

	// Demote oldest first so a log skipping a tier settles in one sweep.
	resCold, err := s.db.ExecContext(ctx, `
		UPDATE decision_logs SET retention_tier = 'cold', updated_at = now()
		WHERE retention_tier IN ('hot', 'warm') AND ts < $1`, coldCutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("retier to cold: %w", err)
	}
	cold, _ := resCold.RowsAffected()

	resWarm, err := s.db.ExecContext(ctx, `
		UPDATE decision_logs SET retention_tier = 'warm', updated_at = now()
		WHERE retention_tier = 'hot' AND ts < $1`, warmCutoff.UTC())
	if err != nil {
		return cold, fmt.Errorf("retier to warm: %w", err)
	}
	warm, _ := resWarm.RowsAffected()

	return cold + warm, nil
}

func (s *PostgresStore) ExpireCold(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM decision_logs WHERE retention_tier = 'cold' AND ts < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire cold: %w", err)
	}
	return res.RowsAffected()
}

func marshalJSONFields(l *models.DecisionLog) (input, output, meta []byte, err error) {
	if input, err = json.Marshal(orEmpty(l.InputData)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal input_data: %w", err)
	}
	if output, err = json.Marshal(orEmpty(l.Output)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal output: %w", err)
	}
	if meta, err = json.Marshal(orEmpty(l.Metadata)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return input, output, meta, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLog(row rowScanner) (*models.DecisionLog, error) {
	var l models.DecisionLog
	var input, output, meta []byte
	if err := row.Scan(
		&l.AgentID, &l.StepID, &l.TraceID, &l.UserID, &l.Timestamp,
		&input, &output, &meta,
		&l.Reasoning, &l.Status, &l.Reviewed, &l.ReviewComments,
		&l.Version, &l.RetentionTier, &l.ContentHash,
		&l.CreatedAt, &l.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(input, &l.InputData); err != nil {
		return nil, fmt.Errorf("unmarshal input_data: %w", err)
	}
	if err := json.Unmarshal(output, &l.Output); err != nil {
		return nil, fmt.Errorf("unmarshal output: %w", err)
	}
	if err := json.Unmarshal(meta, &l.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &l, nil
}

func scanLogs(rows *sql.Rows) ([]*models.DecisionLog, error) {
	logs := make([]*models.DecisionLog, 0)
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
