package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/logging"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/store"
)

// ErrChecksumMismatch means an applied migration file was edited afterwards.
var ErrChecksumMismatch = errors.New("migration changed after it was applied")

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

var openDBFn = func(ctx context.Context) (migratorDBCloser, error) {
	return store.NewPostgresPool(ctx)
}

func main() {
	logger := logging.New("migrator")
	if err := run(context.Background(), logger, envOr("MIGRATIONS_DIR", "migrations")); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func run(ctx context.Context, logger *slog.Logger, dir string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pool, err := openDBFn(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	m := Migrator{DB: pool, FS: os.DirFS(dir), Logger: logger}
	_, err = m.Run(ctx)
	return err
}

// Migrator applies *.sql files from FS in lexical order, one transaction per
// file, recording each file's sha256 in schema_migrations.
type Migrator struct {
	DB     migrationDB
	FS     fs.FS
	Logger *slog.Logger
}

// Run returns the number of files applied by this call.
func (m Migrator) Run(ctx context.Context) (int, error) {
	if m.DB == nil {
		return 0, fmt.Errorf("db required")
	}
	if m.FS == nil {
		return 0, fmt.Errorf("migrations fs required")
	}
	logger := logging.OrDiscard(m.Logger)

	if _, err := m.DB.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := fs.Glob(m.FS, "*.sql")
	if err != nil {
		return 0, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	applied := 0
	for _, file := range files {
		name := path.Base(file)
		body, err := fs.ReadFile(m.FS, file)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", name, err)
		}
		sum := sha256.Sum256(body)
		checksum := hex.EncodeToString(sum[:])

		var recorded string
		err = m.DB.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE filename=$1`, name).Scan(&recorded)
		switch {
		case err == nil:
			if recorded != checksum {
				return applied, fmt.Errorf("%w: %s", ErrChecksumMismatch, name)
			}
			continue
		case !errors.Is(err, pgx.ErrNoRows):
			return applied, fmt.Errorf("migration lookup: %w", err)
		}

		if err := m.apply(ctx, name, string(body), checksum); err != nil {
			return applied, err
		}
		applied++
		logger.Info("applied migration", "file", name)
	}

	logger.Info("migrations complete", "files", len(files), "applied", applied)
	return applied, nil
}

func (m Migrator) apply(ctx context.Context, name, sql, checksum string) error {
	tx, err := m.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	if _, err := tx.Exec(ctx, sql); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("apply migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename, checksum) VALUES($1, $2)`, name, checksum); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("mark migration %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}
