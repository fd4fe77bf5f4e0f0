package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// dialect holds the statements that differ between SQLite and Postgres.
type dialect struct {
	driver string
	create string
	load   string
	upsert string
}

var (
	sqliteDialect = dialect{
		driver: "sqlite3",
		create: `CREATE TABLE IF NOT EXISTS droidctl_records (
			name TEXT PRIMARY KEY,
			body TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		load: `SELECT body FROM droidctl_records WHERE name = ?`,
		upsert: `INSERT INTO droidctl_records (name, body, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
	}
	postgresDialect = dialect{
		driver: "pgx",
		create: `CREATE TABLE IF NOT EXISTS droidctl_records (
			name TEXT PRIMARY KEY,
			body TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		load: `SELECT body FROM droidctl_records WHERE name = $1`,
		upsert: `INSERT INTO droidctl_records (name, body, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (name) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`,
	}
)

// SQLStore keeps one row per collection in droidctl_records.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// OpenSQLite opens (or creates) a SQLite database file in WAL mode.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if path == "" {
		path = "droidctl.db"
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d", path, int((5 * time.Second).Milliseconds()))
	db, err := sql.Open(sqliteDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under the tickers.
	db.SetMaxOpenConns(1)
	return newSQLStore(ctx, db, sqliteDialect)
}

// OpenPostgres opens a Postgres database through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, errors.New("store: postgres dsn is required")
	}
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)
	return newSQLStore(ctx, db, postgresDialect)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", d.driver, err)
	}
	if _, err := db.ExecContext(ctx, d.create); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create table: %w", err)
	}
	log.Debug().Str("driver", d.driver).Msg("store.SQLStore ready")
	return &SQLStore{db: db, dialect: d}, nil
}

func (s *SQLStore) Load(ctx context.Context, name string, out any) (bool, error) {
	if err := validName(name); err != nil {
		return false, err
	}
	var body string
	err := s.db.QueryRowContext(ctx, s.dialect.load, name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: load %s: %w", name, err)
	}
	return true, decode([]byte(body), out)
}

func (s *SQLStore) Save(ctx context.Context, name string, v any) error {
	if err := validName(name); err != nil {
		return err
	}
	data, err := encode(v)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.upsert, name, string(data), time.Now().UTC()); err != nil {
		return fmt.Errorf("store: save %s: %w", name, err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
