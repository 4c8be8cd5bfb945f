package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/domain"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed schema_postgres.sql
var postgresSchema string

//go:embed schema_sqlite.sql
var sqliteSchema string

type dialect int

const (
	dialectPostgres dialect = iota + 1
	dialectSQLite
)

// Repository implements domain.CursorRepository, domain.FreshnessRepository
// and the entity writes used by the pipeline, on PostgreSQL or SQLite.
type Repository struct {
	db      *sql.DB
	dialect dialect
}

// NewRepository connects to the database at the given URL, verifies the
// connection, and returns a new Repository. postgres:// and postgresql://
// URLs use lib/pq; sqlite://<path> opens a SQLite file (":memory:" works too).
// The caller should call Close when the repository is no longer needed.
func NewRepository(databaseURL string) (*Repository, error) {
	d, driver, dsn, err := parseDatabaseURL(databaseURL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if d == dialectSQLite {
		// SQLite allows a single writer; serialize through one connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	return &Repository{db: db, dialect: d}, nil
}

func parseDatabaseURL(databaseURL string) (dialect, string, string, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return dialectPostgres, "postgres", databaseURL, nil
	case strings.HasPrefix(databaseURL, "sqlite://"):
		path := strings.TrimPrefix(databaseURL, "sqlite://")
		if path == "" {
			return 0, "", "", fmt.Errorf("sqlite url %q has no path", databaseURL)
		}
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return dialectSQLite, "sqlite", path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", nil
	default:
		return 0, "", "", fmt.Errorf("unsupported database url %q", databaseURL)
	}
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// EnsureSchema creates the replicator tables and indexes if they do not exist.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	schema := postgresSchema
	if r.dialect == dialectSQLite {
		schema = sqliteSchema
	}
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// GetCursor retrieves the saved hub cursor for a service.
func (r *Repository) GetCursor(ctx context.Context, service string) (int64, bool, error) {
	var cursor int64
	err := r.db.QueryRowContext(ctx,
		r.rebind(`SELECT cursor_value FROM cursors WHERE service = ?`), service,
	).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return cursor, true, nil
}

// UpdateCursor upserts the hub cursor for a service. The stored value only
// moves forward.
func (r *Repository) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	_, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO cursors (service, cursor_value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (service) DO UPDATE
		SET cursor_value = excluded.cursor_value, updated_at = excluded.updated_at
		WHERE cursors.cursor_value < excluded.cursor_value`),
		service, cursor, time.Now().UTC(),
	)
	return err
}

// GetLatestFidPull returns when fid was last fully pulled.
func (r *Repository) GetLatestFidPull(ctx context.Context, fid int64) (time.Time, bool, error) {
	var updatedAt time.Time
	err := r.db.QueryRowContext(ctx,
		r.rebind(`SELECT updated_at FROM latest_fid_pulls WHERE fid = ?`), fid,
	).Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return updatedAt, true, nil
}

// UpsertLatestFidPull inserts or overwrites the freshness record of fid.
func (r *Repository) UpsertLatestFidPull(ctx context.Context, fid int64, updatedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO latest_fid_pulls (fid, updated_at)
		VALUES (?, ?)
		ON CONFLICT (fid) DO UPDATE SET updated_at = excluded.updated_at`),
		fid, updatedAt.UTC(),
	)
	return err
}

// ListLatestFidPulls returns all freshness records.
func (r *Repository) ListLatestFidPulls(ctx context.Context) ([]domain.FidPull, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT fid, updated_at FROM latest_fid_pulls`)
	if err != nil {
		return nil, fmt.Errorf("query latest fid pulls: %w", err)
	}
	defer rows.Close()

	var pulls []domain.FidPull
	for rows.Next() {
		var p domain.FidPull
		if err := rows.Scan(&p.Fid, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan latest fid pull: %w", err)
		}
		pulls = append(pulls, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest fid pulls: %w", err)
	}
	return pulls, nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (r *Repository) rebind(query string) string {
	if r.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
