package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mtzanidakis/orkestra/internal/model"
	_ "modernc.org/sqlite"
)

type dialect struct {
	driver string
	seqDDL string
	// numbered placeholders ($1) instead of ?
	numbered bool
}

var (
	sqliteDialect   = dialect{driver: "sqlite", seqDDL: "INTEGER PRIMARY KEY AUTOINCREMENT"}
	postgresDialect = dialect{driver: "pgx", seqDDL: "BIGSERIAL PRIMARY KEY", numbered: true}
)

func (d dialect) ph(n int) string {
	if d.numbered {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

type sqlBackend struct {
	db      *sql.DB
	dialect dialect
}

func openSQLite(path string) (*sqlBackend, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// WAL lets readers proceed during writes; the busy timeout makes
	// writers wait instead of failing with SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	b := &sqlBackend{db: db, dialect: sqliteDialect}
	if err := b.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return b, nil
}

func openPostgres(dsn string) (*sqlBackend, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	b := &sqlBackend{db: db, dialect: postgresDialect}
	if err := b.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return b, nil
}

func (b *sqlBackend) migrate() error {
	var migrations []string
	for _, t := range allTables {
		cols := make([]string, 0, len(t.cols))
		for _, c := range t.cols {
			cols = append(cols, fmt.Sprintf("%s TEXT NOT NULL DEFAULT ''", c))
		}
		migrations = append(migrations, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq  %s,
			id   TEXT NOT NULL UNIQUE,
			rev  BIGINT NOT NULL,
			%s,
			data TEXT NOT NULL
		)`, t.name, b.dialect.seqDDL, strings.Join(cols, ",\n\t\t\t")))
		for _, c := range t.cols {
			migrations = append(migrations,
				fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(%s)`, t.name, c, t.name, c))
		}
	}

	for _, m := range migrations {
		if _, err := b.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

func (b *sqlBackend) insert(ctx context.Context, t table, d doc) error {
	names := append([]string{"id", "rev"}, t.cols...)
	names = append(names, "data")
	args := make([]any, 0, len(names))
	args = append(args, d.id, d.rev)
	for _, c := range d.cols {
		args = append(args, c)
	}
	args = append(args, d.data)

	phs := make([]string, len(names))
	for i := range names {
		phs[i] = b.dialect.ph(i + 1)
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.name, strings.Join(names, ", "), strings.Join(phs, ", "))
	if _, err := b.db.ExecContext(ctx, q, args...); err != nil {
		if _, getErr := b.get(ctx, t, d.id); getErr == nil {
			return model.Conflictf("%s %s already exists", singular(t.name), d.id)
		}
		return fmt.Errorf("insert %s: %w", singular(t.name), err)
	}
	return nil
}

func (b *sqlBackend) get(ctx context.Context, t table, id string) (doc, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE id = %s", b.selectCols(t), t.name, b.dialect.ph(1))
	d, err := scanDoc(b.db.QueryRowContext(ctx, q, id), t)
	if errors.Is(err, sql.ErrNoRows) {
		return doc{}, notFound(t, id)
	}
	if err != nil {
		return doc{}, fmt.Errorf("get %s: %w", singular(t.name), err)
	}
	return d, nil
}

func (b *sqlBackend) list(ctx context.Context, t table, conds []cond, page Page) ([]doc, int, error) {
	where, args := b.where(conds)

	var total int
	countQ := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", t.name, where)
	if err := b.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count %s: %w", t.name, err)
	}

	q := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY seq", b.selectCols(t), t.name, where)
	if page.Limit > 0 {
		start, _ := page.bounds(total)
		q += fmt.Sprintf(" LIMIT %d OFFSET %d", page.Limit, start)
	}

	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list %s: %w", t.name, err)
	}
	defer rows.Close()

	var docs []doc
	for rows.Next() {
		d, err := scanDoc(rows, t)
		if err != nil {
			return nil, 0, fmt.Errorf("scan %s: %w", singular(t.name), err)
		}
		docs = append(docs, d)
	}
	return docs, total, rows.Err()
}

func (b *sqlBackend) where(conds []cond) (string, []any) {
	if len(conds) == 0 {
		return "", nil
	}
	var (
		clauses []string
		args    []any
	)
	for _, c := range conds {
		phs := make([]string, len(c.values))
		for i, v := range c.values {
			args = append(args, v)
			phs[i] = b.dialect.ph(len(args))
		}
		clauses = append(clauses, fmt.Sprintf("%s IN (%s)", c.col, strings.Join(phs, ", ")))
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (b *sqlBackend) cas(ctx context.Context, t table, d doc, prevRev int64) error {
	sets := []string{"rev = " + b.dialect.ph(1)}
	args := []any{d.rev}
	for i, c := range t.cols {
		args = append(args, d.cols[i])
		sets = append(sets, fmt.Sprintf("%s = %s", c, b.dialect.ph(len(args))))
	}
	args = append(args, d.data)
	sets = append(sets, "data = "+b.dialect.ph(len(args)))
	args = append(args, d.id, prevRev)

	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s AND rev = %s",
		t.name, strings.Join(sets, ", "), b.dialect.ph(len(args)-1), b.dialect.ph(len(args)))
	res, err := b.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", singular(t.name), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", singular(t.name), err)
	}
	if n == 0 {
		if _, err := b.get(ctx, t, d.id); err != nil {
			return err
		}
		return ErrStale
	}
	return nil
}

func (b *sqlBackend) remove(ctx context.Context, t table, id string) error {
	q := fmt.Sprintf("DELETE FROM %s WHERE id = %s", t.name, b.dialect.ph(1))
	res, err := b.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", singular(t.name), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(t, id)
	}
	return nil
}

func (b *sqlBackend) close() error {
	return b.db.Close()
}

func (b *sqlBackend) selectCols(t table) string {
	return "id, rev, " + strings.Join(t.cols, ", ") + ", data"
}

func scanDoc(scanner interface {
	Scan(dest ...any) error
}, t table) (doc, error) {
	d := doc{cols: make([]string, len(t.cols))}
	dest := []any{&d.id, &d.rev}
	for i := range d.cols {
		dest = append(dest, &d.cols[i])
	}
	dest = append(dest, &d.data)
	if err := scanner.Scan(dest...); err != nil {
		return doc{}, err
	}
	return d, nil
}
