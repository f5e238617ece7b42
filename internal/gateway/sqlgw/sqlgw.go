// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package sqlgw implements gateway.Rows on a SQL database. Statements are
// built with goqu for the SQLite or Postgres dialect and scanned with sqlx.
package sqlgw

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // Postgres dialect
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"  // SQLite dialect
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/qvtbox/qvtbox-go/internal/gateway"
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Gateway is a SQL-backed gateway.Rows.
type Gateway struct {
	db        *sqlx.DB
	dialect   goqu.DialectWrapper
	sqlite    bool
	publisher gateway.Publisher
	logger    *slog.Logger
	now       func() time.Time

	// SQLite allows a single writer; serializing write transactions here
	// avoids SQLITE_BUSY on read-to-write lock upgrades.
	writeMu sync.Mutex
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithPublisher publishes a change event for every written row. Leave it
// unset when the database notifies changes itself.
func WithPublisher(p gateway.Publisher) Option {
	return func(g *Gateway) { g.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithClock overrides the clock used for event commit times.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// New wraps db. driver is "sqlite" or "postgres".
func New(db *sql.DB, driver string, opts ...Option) *Gateway {
	dialect := "sqlite3"
	if driver == "postgres" {
		dialect = "postgres"
	}
	g := &Gateway{
		db:      sqlx.NewDb(db, driver),
		dialect: goqu.Dialect(dialect),
		sqlite:  dialect == "sqlite3",
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// DB returns the underlying handle.
func (g *Gateway) DB() *sqlx.DB { return g.db }

// queryer is satisfied by *sqlx.DB and *sqlx.Tx.
type queryer interface {
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Select runs q.
func (g *Gateway) Select(ctx context.Context, q gateway.Query) ([]gateway.Row, error) {
	if err := checkIdent(q.Table); err != nil {
		return nil, err
	}
	ds := g.dialect.From(q.Table).Prepared(true)

	if len(q.Columns) > 0 {
		cols := make([]any, len(q.Columns))
		for i, c := range q.Columns {
			if err := checkIdent(c); err != nil {
				return nil, err
			}
			cols[i] = goqu.C(c)
		}
		ds = ds.Select(cols...)
	}

	where, err := g.where(q.Filters)
	if err != nil {
		return nil, err
	}
	ds = ds.Where(where...)

	for _, o := range q.Orders {
		if err := checkIdent(o.Column); err != nil {
			return nil, err
		}
		if o.Desc {
			ds = ds.OrderAppend(goqu.C(o.Column).Desc())
		} else {
			ds = ds.OrderAppend(goqu.C(o.Column).Asc())
		}
	}
	if q.Limit > 0 {
		ds = ds.Limit(uint(q.Limit))
	}
	if q.Offset > 0 {
		ds = ds.Offset(uint(q.Offset))
	}

	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrInvalidQuery, err)
	}
	return g.query(ctx, g.db, query, args)
}

// Insert writes row, assigning a UUID when it has no id.
func (g *Gateway) Insert(ctx context.Context, table string, row gateway.Row) (gateway.Row, error) {
	if err := checkIdent(table); err != nil {
		return nil, err
	}
	rec, err := g.record(row)
	if err != nil {
		return nil, err
	}
	if _, ok := rec["id"]; !ok {
		rec["id"] = uuid.NewString()
	}

	query, args, err := g.dialect.Insert(table).Prepared(true).Rows(rec).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrInvalidQuery, err)
	}

	var stored gateway.Row
	err = g.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return classify(err)
		}
		rows, err := g.byIDs(ctx, tx, table, []any{rec["id"]})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return gateway.ErrNotFound
		}
		stored = rows[0]
		return nil
	})
	if err != nil {
		return nil, err
	}

	g.publish(ctx, table, gateway.EventInsert, stored, nil)
	return stored, nil
}

// Update applies patch to every row matching filters and returns them.
// An update matching nothing returns an empty slice.
func (g *Gateway) Update(ctx context.Context, table string, filters []gateway.Filter, patch gateway.Row) ([]gateway.Row, error) {
	if err := checkIdent(table); err != nil {
		return nil, err
	}
	if len(filters) == 0 {
		return nil, fmt.Errorf("%w: update without filter", gateway.ErrInvalidQuery)
	}
	rec, err := g.record(patch)
	if err != nil {
		return nil, err
	}
	delete(rec, "id")
	if len(rec) == 0 {
		return nil, fmt.Errorf("%w: empty patch", gateway.ErrInvalidQuery)
	}

	var before, after []gateway.Row
	err = g.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		if before, err = g.matching(ctx, tx, table, filters); err != nil || len(before) == 0 {
			return err
		}
		ids := rowIDs(before)
		query, args, err := g.dialect.Update(table).Prepared(true).
			Set(rec).Where(goqu.C("id").In(ids...)).ToSQL()
		if err != nil {
			return fmt.Errorf("%w: %v", gateway.ErrInvalidQuery, err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return classify(err)
		}
		after, err = g.byIDs(ctx, tx, table, ids)
		return err
	})
	if err != nil {
		return nil, err
	}

	old := indexByID(before)
	for _, r := range after {
		g.publish(ctx, table, gateway.EventUpdate, r, old[r.String("id")])
	}
	return after, nil
}

// Delete removes every row matching filters and returns them.
func (g *Gateway) Delete(ctx context.Context, table string, filters []gateway.Filter) ([]gateway.Row, error) {
	if err := checkIdent(table); err != nil {
		return nil, err
	}
	if len(filters) == 0 {
		return nil, fmt.Errorf("%w: delete without filter", gateway.ErrInvalidQuery)
	}

	var removed []gateway.Row
	err := g.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		if removed, err = g.matching(ctx, tx, table, filters); err != nil || len(removed) == 0 {
			return err
		}
		query, args, err := g.dialect.Delete(table).Prepared(true).
			Where(goqu.C("id").In(rowIDs(removed)...)).ToSQL()
		if err != nil {
			return fmt.Errorf("%w: %v", gateway.ErrInvalidQuery, err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return classify(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, r := range removed {
		g.publish(ctx, table, gateway.EventDelete, nil, r)
	}
	return removed, nil
}

// Upsert inserts row or updates the row it collides with on the conflict
// columns, in one INSERT .. ON CONFLICT DO UPDATE statement. The id of an
// existing row is never changed.
func (g *Gateway) Upsert(ctx context.Context, table string, row gateway.Row, conflict []string) (gateway.Row, error) {
	if err := checkIdent(table); err != nil {
		return nil, err
	}
	if len(conflict) == 0 {
		return nil, fmt.Errorf("%w: upsert without conflict columns", gateway.ErrInvalidQuery)
	}
	rec, err := g.record(row)
	if err != nil {
		return nil, err
	}
	if _, ok := rec["id"]; !ok {
		rec["id"] = uuid.NewString()
	}

	keys := make([]gateway.Filter, 0, len(conflict))
	isKey := make(map[string]bool, len(conflict))
	for _, c := range conflict {
		if err := checkIdent(c); err != nil {
			return nil, err
		}
		v, ok := rec[c]
		if !ok {
			return nil, fmt.Errorf("%w: conflict column %s missing from row", gateway.ErrInvalidQuery, c)
		}
		keys = append(keys, gateway.Eq(c, v))
		isKey[c] = true
	}

	set := goqu.Record{}
	for col := range rec {
		if col == "id" || col == "created_at" || isKey[col] {
			continue
		}
		set[col] = goqu.I("excluded." + col)
	}
	var action exp.ConflictExpression
	if len(set) == 0 {
		action = goqu.DoNothing()
	} else {
		action = goqu.DoUpdate(strings.Join(conflict, ","), set)
	}

	query, args, err := g.dialect.Insert(table).Prepared(true).
		Rows(rec).OnConflict(action).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrInvalidQuery, err)
	}

	var before, after []gateway.Row
	err = g.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		if before, err = g.matching(ctx, tx, table, keys); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return classify(err)
		}
		after, err = g.matching(ctx, tx, table, keys)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(after) == 0 {
		return nil, gateway.ErrNotFound
	}

	if len(before) == 0 {
		g.publish(ctx, table, gateway.EventInsert, after[0], nil)
	} else {
		g.publish(ctx, table, gateway.EventUpdate, after[0], before[0])
	}
	return after[0], nil
}

func (g *Gateway) matching(ctx context.Context, q queryer, table string, filters []gateway.Filter) ([]gateway.Row, error) {
	where, err := g.where(filters)
	if err != nil {
		return nil, err
	}
	query, args, err := g.dialect.From(table).Prepared(true).Where(where...).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrInvalidQuery, err)
	}
	return g.query(ctx, q, query, args)
}

func (g *Gateway) byIDs(ctx context.Context, q queryer, table string, ids []any) ([]gateway.Row, error) {
	query, args, err := g.dialect.From(table).Prepared(true).
		Where(goqu.C("id").In(ids...)).Order(goqu.C("id").Asc()).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrInvalidQuery, err)
	}
	return g.query(ctx, q, query, args)
}

func (g *Gateway) query(ctx context.Context, q queryer, query string, args []any) ([]gateway.Row, error) {
	rows, err := q.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var out []gateway.Row
	for rows.Next() {
		m := make(map[string]any)
		if err := rows.MapScan(m); err != nil {
			return nil, classify(err)
		}
		out = append(out, normalize(m))
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (g *Gateway) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	if g.sqlite {
		g.writeMu.Lock()
		defer g.writeMu.Unlock()
	}
	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

func (g *Gateway) where(filters []gateway.Filter) ([]exp.Expression, error) {
	out := make([]exp.Expression, 0, len(filters))
	for _, f := range filters {
		if err := f.Validate(); err != nil {
			return nil, err
		}
		if err := checkIdent(f.Column); err != nil {
			return nil, err
		}
		out = append(out, g.filterExp(f))
	}
	return out, nil
}

func (g *Gateway) filterExp(f gateway.Filter) exp.Expression {
	c := goqu.C(f.Column)
	v := g.arg(f.Value)
	switch f.Op {
	case gateway.OpNeq:
		return c.Neq(v)
	case gateway.OpGt:
		return c.Gt(v)
	case gateway.OpGte:
		return c.Gte(v)
	case gateway.OpLt:
		return c.Lt(v)
	case gateway.OpLte:
		return c.Lte(v)
	case gateway.OpLike:
		return c.Like(v)
	case gateway.OpILike:
		return c.ILike(v)
	case gateway.OpIn:
		in := gateway.InValues(f.Value)
		vals := make([]any, len(in))
		for i, x := range in {
			vals[i] = g.arg(x)
		}
		return c.In(vals...)
	case gateway.OpIsNull:
		if b, ok := f.Value.(bool); ok && !b {
			return c.IsNotNull()
		}
		return c.IsNull()
	default:
		if v == nil {
			return c.IsNull()
		}
		return c.Eq(v)
	}
}

// record converts a row into driver arguments.
func (g *Gateway) record(row gateway.Row) (goqu.Record, error) {
	rec := make(goqu.Record, len(row))
	for col, v := range row {
		if err := checkIdent(col); err != nil {
			return nil, err
		}
		rec[col] = g.arg(v)
	}
	return rec, nil
}

// arg adapts a Go value to the column storage. SQLite keeps timestamps as
// fixed-width text.
func (g *Gateway) arg(v any) any {
	if t, ok := v.(time.Time); ok && g.sqlite {
		return gateway.Timestamp(t)
	}
	if t, ok := v.(*time.Time); ok {
		if t == nil {
			return nil
		}
		return g.arg(*t)
	}
	return v
}

func (g *Gateway) publish(ctx context.Context, table string, typ gateway.EventType, newRow, oldRow gateway.Row) {
	if g.publisher == nil {
		return
	}
	ev := gateway.ChangeEvent{
		Table:      table,
		Type:       typ,
		New:        newRow,
		Old:        oldRow,
		CommitTime: g.now().UTC(),
	}
	if err := g.publisher.Publish(ctx, ev); err != nil {
		g.logger.Warn("failed to publish change event", "table", table, "type", typ, "error", err)
	}
}

func normalize(m map[string]any) gateway.Row {
	row := make(gateway.Row, len(m))
	for k, v := range m {
		if b, ok := v.([]byte); ok {
			row[k] = string(b)
			continue
		}
		row[k] = v
	}
	return row
}

func rowIDs(rows []gateway.Row) []any {
	ids := make([]any, len(rows))
	for i, r := range rows {
		ids[i] = r.String("id")
	}
	return ids
}

func indexByID(rows []gateway.Row) map[string]gateway.Row {
	m := make(map[string]gateway.Row, len(rows))
	for _, r := range rows {
		m[r.String("id")] = r
	}
	return m
}

func checkIdent(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("%w: invalid identifier %q", gateway.ErrInvalidQuery, name)
	}
	return nil
}

var _ gateway.Rows = (*Gateway)(nil)
