package store

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresConfig holds connection settings for the PostgreSQL backend.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// PostgresStore persists state in PostgreSQL. Key/value pairs live in
// kv_entries; lists live in list_entries ordered by insertion id.
type PostgresStore struct {
	db *stdsql.DB
}

// NewPostgresStore opens a pooled connection and applies pending migrations.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, cfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing connection (useful for testing).
// Migrations are still applied.
func NewPostgresStoreFromDB(db *stdsql.DB, database string) (*PostgresStore, error) {
	if err := runMigrations(db, database); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// DB returns the underlying connection for health checks.
func (s *PostgresStore) DB() *stdsql.DB {
	return s.db
}

// runMigrations applies the embedded migration files with golang-migrate.
// Files are embedded via go:embed so production binaries carry their own
// schema history.
func runMigrations(db *stdsql.DB, database string) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found")
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, database, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source driver. m.Close() would also close the
	// database driver, which calls db.Close() on the shared *sql.DB passed
	// via postgres.WithInstance().
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	return nil
}

func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			return true, nil
		}
	}
	return false, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE key = $1`, key,
	).Scan(&value)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %s: %w", key, err)
	}
	return value, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("postgres set %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("postgres delete %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv_entries WHERE key LIKE $1 || '%'`, escapeLike(prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres keys %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("postgres keys %s: %w", prefix, err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) ListPush(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO list_entries (key, value) VALUES ($1, $2)`, key, value,
	)
	if err != nil {
		return fmt.Errorf("postgres list push %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	length, err := s.ListLen(ctx, key)
	if err != nil {
		return nil, err
	}
	lo, hi, ok := rangeBounds(length, start, stop)
	if !ok {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT value FROM list_entries
		WHERE key = $1
		ORDER BY id ASC
		OFFSET $2 LIMIT $3`,
		key, lo, hi-lo+1,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres list range %s: %w", key, err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var value []byte
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("postgres list range %s: %w", key, err)
		}
		out = append(out, value)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTrim(ctx context.Context, key string, start, stop int64) error {
	length, err := s.ListLen(ctx, key)
	if err != nil {
		return err
	}

	lo, hi, ok := rangeBounds(length, start, stop)
	if !ok {
		_, err := s.db.ExecContext(ctx, `DELETE FROM list_entries WHERE key = $1`, key)
		if err != nil {
			return fmt.Errorf("postgres list trim %s: %w", key, err)
		}
		return nil
	}

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM list_entries
		WHERE key = $1 AND id NOT IN (
			SELECT id FROM list_entries
			WHERE key = $1
			ORDER BY id ASC
			OFFSET $2 LIMIT $3
		)`,
		key, lo, hi-lo+1,
	)
	if err != nil {
		return fmt.Errorf("postgres list trim %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) ListLen(ctx context.Context, key string) (int64, error) {
	var length int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM list_entries WHERE key = $1`, key,
	).Scan(&length)
	if err != nil {
		return 0, fmt.Errorf("postgres list len %s: %w", key, err)
	}
	return length, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// escapeLike escapes LIKE wildcards so prefixes match literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
