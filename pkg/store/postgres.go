package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/a-essam23/go-relay/pkg/config"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of *pgxpool.Pool the store needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres implements DataService over arbitrary tables. Table and column
// names are quoted as identifiers; values are always bound parameters.
type Postgres struct {
	db Querier
}

func NewPostgres(db Querier) *Postgres {
	return &Postgres{db: db}
}

var _ DataService = (*Postgres)(nil)

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// EnsureMessagesTable creates the chat history table if it is missing.
func EnsureMessagesTable(ctx context.Context, db Querier, table string) error {
	sql := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id            TEXT PRIMARY KEY,
	room_id       TEXT NOT NULL,
	sender_id     TEXT NOT NULL,
	user_id       TEXT NOT NULL DEFAULT '',
	content       TEXT NOT NULL DEFAULT '',
	payload       JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
)`, pgx.Identifier{table}.Sanitize())
	if _, err := db.Exec(ctx, sql); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

func (p *Postgres) Select(ctx context.Context, table string, filter Filter) ([]Record, error) {
	sql, args := buildSelect(table, filter)
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", table, err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", table, err)
	}
	out := make([]Record, len(maps))
	for i, m := range maps {
		out[i] = Record(m)
	}
	return out, nil
}

func (p *Postgres) Insert(ctx context.Context, table string, record Record) (Record, error) {
	row := record.clone()
	if _, ok := row["id"]; !ok {
		row["id"] = uuid.NewString()
	}
	sql, args := buildInsert(table, row)
	return p.queryOne(ctx, table, sql, args)
}

func (p *Postgres) Update(ctx context.Context, table string, id any, patch Record) (Record, error) {
	patch = patch.clone()
	delete(patch, "id")
	if len(patch) == 0 {
		return nil, fmt.Errorf("update %s: empty patch", table)
	}
	sql, args := buildUpdate(table, id, patch)
	return p.queryOne(ctx, table, sql, args)
}

func (p *Postgres) Delete(ctx context.Context, table string, id any) error {
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", pgx.Identifier{table}.Sanitize(), pgx.Identifier{"id"}.Sanitize())
	tag, err := p.db.Exec(ctx, sql, id)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) queryOne(ctx context.Context, table, sql string, args []any) (Record, error) {
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", table, err)
	}
	m, err := pgx.CollectExactlyOneRow(rows, pgx.RowToMap)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", table, err)
	}
	return Record(m), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func buildSelect(table string, filter Filter) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT * FROM %s", pgx.Identifier{table}.Sanitize())

	args := make([]any, 0, len(filter.Eq))
	for i, col := range sortedKeys(filter.Eq) {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		args = append(args, filter.Eq[col])
		fmt.Fprintf(&b, "%s = $%d", pgx.Identifier{col}.Sanitize(), len(args))
	}
	if filter.OrderBy != "" {
		fmt.Fprintf(&b, " ORDER BY %s", pgx.Identifier{filter.OrderBy}.Sanitize())
		if filter.Desc {
			b.WriteString(" DESC")
		}
	}
	if filter.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", filter.Limit)
	}
	return b.String(), args
}

func buildInsert(table string, row Record) (string, []any) {
	cols := sortedKeys(row)
	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		quoted[i] = pgx.Identifier{col}.Sanitize()
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[col]
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		pgx.Identifier{table}.Sanitize(),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
	)
	return sql, args
}

func buildUpdate(table string, id any, patch Record) (string, []any) {
	cols := sortedKeys(patch)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, col := range cols {
		args = append(args, patch[col])
		sets[i] = fmt.Sprintf("%s = $%d", pgx.Identifier{col}.Sanitize(), len(args))
	}
	args = append(args, id)
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d RETURNING *",
		pgx.Identifier{table}.Sanitize(),
		strings.Join(sets, ", "),
		pgx.Identifier{"id"}.Sanitize(),
		len(args),
	)
	return sql, args
}
