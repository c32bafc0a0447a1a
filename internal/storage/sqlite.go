package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "workyard/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx,
// so every query below works both standalone and inside InTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type sqliteQueries struct {
	q querier
}

type sqliteStore struct {
	sqliteQueries
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{sqliteQueries: sqliteQueries{q: db}, db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InTx runs fn inside one transaction. fn must issue all queries through
// the passed Queries: the root store's single connection is held by the
// transaction until it finishes.
func (s *sqliteStore) InTx(ctx context.Context, fn func(tx Queries) error) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persist("begin tx", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(&sqliteQueries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return persist("commit tx", err)
	}
	committed = true
	return nil
}

// PutDedup on the root store additionally prunes expired entries every
// N writes.
func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	err := s.sqliteQueries.PutDedup(ctx, key, until)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
		cancel()
	}
	return err
}

// ---- service requests ----

func (s *sqliteQueries) CreateServiceRequest(ctx context.Context, r ServiceRequest) error {
	if s == nil || s.q == nil {
		return ErrDisabled
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO service_requests(id, customer_id, provider_id, title, description, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)`,
		r.ID, r.CustomerID, nullStr(r.ProviderID), r.Title, r.Description,
		fmtStamp(r.CreatedAt), fmtStamp(r.UpdatedAt),
	)
	if err != nil {
		return persist("create service request", err)
	}
	return nil
}

func (s *sqliteQueries) GetServiceRequest(ctx context.Context, id string) (ServiceRequest, error) {
	if s == nil || s.q == nil {
		return ServiceRequest{}, ErrDisabled
	}
	row := s.q.QueryRowContext(ctx,
		`SELECT id, customer_id, provider_id, title, description, created_at, updated_at
		 FROM service_requests WHERE id = ?`, id)
	r, err := scanServiceRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ServiceRequest{}, fmt.Errorf("%w: service request %s", ErrNotFound, id)
	}
	if err != nil {
		return ServiceRequest{}, persist("get service request", err)
	}
	return r, nil
}

func scanServiceRequest(row scanner) (ServiceRequest, error) {
	var r ServiceRequest
	var provider sql.NullString
	var created, updated string
	if err := row.Scan(&r.ID, &r.CustomerID, &provider, &r.Title, &r.Description, &created, &updated); err != nil {
		return ServiceRequest{}, err
	}
	r.ProviderID = provider.String
	var err error
	if r.CreatedAt, err = parseTime(created); err != nil {
		return ServiceRequest{}, err
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return ServiceRequest{}, err
	}
	return r, nil
}

// ---- recurrence patterns ----

func (s *sqliteQueries) InsertPattern(ctx context.Context, p RecurrencePattern) error {
	if s == nil || s.q == nil {
		return ErrDisabled
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO recurrence_patterns(id, request_id, rule, next_run, created_at, updated_at)
		 VALUES(?,?,?,?,?,?)`,
		p.ID, p.RequestID, p.Rule, nullInstant(p.NextRun),
		fmtStamp(p.CreatedAt), fmtStamp(p.UpdatedAt),
	)
	if err != nil {
		return persist("insert pattern", err)
	}
	return nil
}

func (s *sqliteQueries) GetPattern(ctx context.Context, id string) (RecurrencePattern, error) {
	if s == nil || s.q == nil {
		return RecurrencePattern{}, ErrDisabled
	}
	row := s.q.QueryRowContext(ctx,
		`SELECT id, request_id, rule, next_run, created_at, updated_at
		 FROM recurrence_patterns WHERE id = ?`, id)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RecurrencePattern{}, fmt.Errorf("%w: pattern %s", ErrNotFound, id)
	}
	if err != nil {
		return RecurrencePattern{}, persist("get pattern", err)
	}
	return p, nil
}

func (s *sqliteQueries) UpdatePatternRule(ctx context.Context, id, rule string, at time.Time) error {
	if s == nil || s.q == nil {
		return ErrDisabled
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE recurrence_patterns SET rule = ?, updated_at = ? WHERE id = ?`,
		rule, fmtStamp(at), id)
	if err != nil {
		return persist("update pattern rule", err)
	}
	return errIfNoRows(res, "pattern "+id)
}

func (s *sqliteQueries) SetPatternNextRun(ctx context.Context, id string, next *time.Time, at time.Time) error {
	if s == nil || s.q == nil {
		return ErrDisabled
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE recurrence_patterns SET next_run = ?, updated_at = ? WHERE id = ?`,
		nullInstant(next), fmtStamp(at), id)
	if err != nil {
		return persist("set pattern next run", err)
	}
	return errIfNoRows(res, "pattern "+id)
}

func (s *sqliteQueries) DeletePattern(ctx context.Context, id string) error {
	if s == nil || s.q == nil {
		return ErrDisabled
	}
	res, err := s.q.ExecContext(ctx, `DELETE FROM recurrence_patterns WHERE id = ?`, id)
	if err != nil {
		return persist("delete pattern", err)
	}
	return errIfNoRows(res, "pattern "+id)
}

func (s *sqliteQueries) ListDuePatterns(ctx context.Context, due time.Time, limit int) ([]RecurrencePattern, error) {
	if s == nil || s.q == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = -1 // no limit
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, request_id, rule, next_run, created_at, updated_at
		 FROM recurrence_patterns
		 WHERE next_run IS NOT NULL AND next_run <= ?
		 ORDER BY next_run ASC LIMIT ?`,
		fmtInstant(due), limit)
	if err != nil {
		return nil, persist("list due patterns", err)
	}
	defer rows.Close()

	var out []RecurrencePattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, persist("scan due pattern", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, persist("list due patterns", err)
	}
	return out, nil
}

func scanPattern(row scanner) (RecurrencePattern, error) {
	var p RecurrencePattern
	var next sql.NullString
	var created, updated string
	if err := row.Scan(&p.ID, &p.RequestID, &p.Rule, &next, &created, &updated); err != nil {
		return RecurrencePattern{}, err
	}
	if next.Valid {
		t, err := parseTime(next.String)
		if err != nil {
			return RecurrencePattern{}, err
		}
		p.NextRun = &t
	}
	var err error
	if p.CreatedAt, err = parseTime(created); err != nil {
		return RecurrencePattern{}, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return RecurrencePattern{}, err
	}
	return p, nil
}

// ---- pattern exceptions ----

func (s *sqliteQueries) InsertException(ctx context.Context, e PatternException) error {
	if s == nil || s.q == nil {
		return ErrDisabled
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO pattern_exceptions(id, pattern_id, day, created_at) VALUES(?,?,?,?)`,
		e.ID, e.PatternID, e.Day, fmtStamp(e.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: exception %s/%s", ErrDuplicate, e.PatternID, e.Day)
	}
	if err != nil {
		return persist("insert exception", err)
	}
	return nil
}

func (s *sqliteQueries) GetException(ctx context.Context, id string) (PatternException, error) {
	if s == nil || s.q == nil {
		return PatternException{}, ErrDisabled
	}
	var e PatternException
	var created string
	err := s.q.QueryRowContext(ctx,
		`SELECT id, pattern_id, day, created_at FROM pattern_exceptions WHERE id = ?`, id).
		Scan(&e.ID, &e.PatternID, &e.Day, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return PatternException{}, fmt.Errorf("%w: exception %s", ErrNotFound, id)
	}
	if err != nil {
		return PatternException{}, persist("get exception", err)
	}
	if e.CreatedAt, err = parseTime(created); err != nil {
		return PatternException{}, persist("get exception", err)
	}
	return e, nil
}

func (s *sqliteQueries) DeleteException(ctx context.Context, id string) error {
	if s == nil || s.q == nil {
		return ErrDisabled
	}
	res, err := s.q.ExecContext(ctx, `DELETE FROM pattern_exceptions WHERE id = ?`, id)
	if err != nil {
		return persist("delete exception", err)
	}
	return errIfNoRows(res, "exception "+id)
}

func (s *sqliteQueries) DeleteExceptionsByPattern(ctx context.Context, patternID string) (int64, error) {
	if s == nil || s.q == nil {
		return 0, ErrDisabled
	}
	res, err := s.q.ExecContext(ctx, `DELETE FROM pattern_exceptions WHERE pattern_id = ?`, patternID)
	if err != nil {
		return 0, persist("delete exceptions by pattern", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqliteQueries) ListExceptions(ctx context.Context, patternID string) ([]PatternException, error) {
	if s == nil || s.q == nil {
		return nil, ErrDisabled
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, pattern_id, day, created_at FROM pattern_exceptions
		 WHERE pattern_id = ? ORDER BY day ASC`, patternID)
	if err != nil {
		return nil, persist("list exceptions", err)
	}
	defer rows.Close()

	var out []PatternException
	for rows.Next() {
		var e PatternException
		var created string
		if err := rows.Scan(&e.ID, &e.PatternID, &e.Day, &created); err != nil {
			return nil, persist("scan exception", err)
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, persist("scan exception", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, persist("list exceptions", err)
	}
	return out, nil
}

// ---- schedule items ----

func (s *sqliteQueries) InsertItem(ctx context.Context, it ScheduleItem) (bool, error) {
	if s == nil || s.q == nil {
		return false, ErrDisabled
	}
	// The conflict target is the partial unique index on
	// (pattern_id, starts_at): a concurrent or repeated materialization
	// of the same instant becomes a no-op instead of an error.
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO schedule_items(id, owner_id, assignee_id, title, description, starts_at, ends_at, done, pattern_id, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(pattern_id, starts_at) WHERE pattern_id IS NOT NULL DO NOTHING`,
		it.ID, it.OwnerID, nullStr(it.AssigneeID), it.Title, it.Description,
		fmtInstant(it.StartsAt), nullInstant(it.EndsAt), it.Done, nullStr(it.PatternID),
		fmtStamp(it.CreatedAt), fmtStamp(it.UpdatedAt),
	)
	if err != nil {
		return false, persist("insert item", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persist("insert item", err)
	}
	return n > 0, nil
}

func (s *sqliteQueries) GetItem(ctx context.Context, id string) (ScheduleItem, error) {
	if s == nil || s.q == nil {
		return ScheduleItem{}, ErrDisabled
	}
	row := s.q.QueryRowContext(ctx,
		`SELECT id, owner_id, assignee_id, title, description, starts_at, ends_at, done, pattern_id, created_at, updated_at
		 FROM schedule_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduleItem{}, fmt.Errorf("%w: item %s", ErrNotFound, id)
	}
	if err != nil {
		return ScheduleItem{}, persist("get item", err)
	}
	return it, nil
}

func (s *sqliteQueries) SetItemDone(ctx context.Context, id string, done bool, at time.Time) error {
	if s == nil || s.q == nil {
		return ErrDisabled
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE schedule_items SET done = ?, updated_at = ? WHERE id = ?`,
		done, fmtStamp(at), id)
	if err != nil {
		return persist("set item done", err)
	}
	return errIfNoRows(res, "item "+id)
}

func (s *sqliteQueries) UpdateItemWindow(ctx context.Context, id string, startsAt time.Time, endsAt *time.Time, at time.Time) error {
	if s == nil || s.q == nil {
		return ErrDisabled
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE schedule_items SET starts_at = ?, ends_at = ?, updated_at = ? WHERE id = ?`,
		fmtInstant(startsAt), nullInstant(endsAt), fmtStamp(at), id)
	if err != nil {
		return persist("update item window", err)
	}
	return errIfNoRows(res, "item "+id)
}

func (s *sqliteQueries) DeleteItem(ctx context.Context, id string) error {
	if s == nil || s.q == nil {
		return ErrDisabled
	}
	res, err := s.q.ExecContext(ctx, `DELETE FROM schedule_items WHERE id = ?`, id)
	if err != nil {
		return persist("delete item", err)
	}
	return errIfNoRows(res, "item "+id)
}

func (s *sqliteQueries) ListItemsByOwner(ctx context.Context, ownerID string, from, to time.Time, limit int) ([]ScheduleItem, error) {
	if s == nil || s.q == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, owner_id, assignee_id, title, description, starts_at, ends_at, done, pattern_id, created_at, updated_at
		 FROM schedule_items
		 WHERE owner_id = ? AND starts_at >= ? AND starts_at <= ?
		 ORDER BY starts_at ASC LIMIT ?`,
		ownerID, fmtInstant(from), fmtInstant(to), limit)
	if err != nil {
		return nil, persist("list items by owner", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

func (s *sqliteQueries) ListItemsByPattern(ctx context.Context, patternID string) ([]ScheduleItem, error) {
	if s == nil || s.q == nil {
		return nil, ErrDisabled
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, owner_id, assignee_id, title, description, starts_at, ends_at, done, pattern_id, created_at, updated_at
		 FROM schedule_items WHERE pattern_id = ? ORDER BY starts_at ASC`, patternID)
	if err != nil {
		return nil, persist("list items by pattern", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

func (s *sqliteQueries) DeleteFutureItems(ctx context.Context, patternID string, after time.Time) (int64, error) {
	if s == nil || s.q == nil {
		return 0, ErrDisabled
	}
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM schedule_items WHERE pattern_id = ? AND starts_at > ?`,
		patternID, fmtInstant(after))
	if err != nil {
		return 0, persist("delete future items", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqliteQueries) DeleteFutureItemsOnDay(ctx context.Context, patternID, day string, after time.Time) (int64, error) {
	if s == nil || s.q == nil {
		return 0, ErrDisabled
	}
	// Instants are UTC RFC3339, so the first 10 bytes are the calendar date.
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM schedule_items
		 WHERE pattern_id = ? AND starts_at > ? AND substr(starts_at, 1, 10) = ?`,
		patternID, fmtInstant(after), day)
	if err != nil {
		return 0, persist("delete future items on day", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanItem(row scanner) (ScheduleItem, error) {
	var it ScheduleItem
	var assignee, ends, pattern sql.NullString
	var starts, created, updated string
	if err := row.Scan(&it.ID, &it.OwnerID, &assignee, &it.Title, &it.Description,
		&starts, &ends, &it.Done, &pattern, &created, &updated); err != nil {
		return ScheduleItem{}, err
	}
	it.AssigneeID = assignee.String
	it.PatternID = pattern.String
	var err error
	if it.StartsAt, err = parseTime(starts); err != nil {
		return ScheduleItem{}, err
	}
	if ends.Valid {
		t, err := parseTime(ends.String)
		if err != nil {
			return ScheduleItem{}, err
		}
		it.EndsAt = &t
	}
	if it.CreatedAt, err = parseTime(created); err != nil {
		return ScheduleItem{}, err
	}
	if it.UpdatedAt, err = parseTime(updated); err != nil {
		return ScheduleItem{}, err
	}
	return it, nil
}

func collectItems(rows *sql.Rows) ([]ScheduleItem, error) {
	var out []ScheduleItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, persist("scan item", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, persist("collect items", err)
	}
	return out, nil
}

// ---- notify dedup ----

func (s *sqliteQueries) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.q == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err != nil {
		return persist("put dedup", err)
	}
	return nil
}

func (s *sqliteQueries) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.q == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.q.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, persist("get dedup", err)
	}
	return time.UnixMilli(ms), true, nil
}

// ---- helpers ----

// fmtInstant renders an occurrence instant: UTC RFC3339 at second
// precision, so lexicographic order in SQL equals chronological order.
func fmtInstant(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// fmtStamp renders bookkeeping timestamps (created/updated).
func fmtStamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	// RFC3339 parsing accepts optional fractional seconds.
	return time.Parse(time.RFC3339, s)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullInstant(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return fmtInstant(*t)
}

func errIfNoRows(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return persist("rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return nil
}

func persist(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
