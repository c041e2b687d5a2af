package infra

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrator applies the embedded goose migrations through a database/sql
// handle borrowed from the pgx pool.
type Migrator struct {
	db     *sql.DB
	logger Logger
}

// NewMigrator wraps pool for goose. Close releases the sql.DB handle only.
func NewMigrator(pool *pgxpool.Pool, logger Logger) (*Migrator, error) {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(gooseLogger{logger: logger})
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("migrate: set dialect: %w", err)
	}
	return &Migrator{db: stdlib.OpenDBFromPool(pool), logger: logger}, nil
}

// Up applies all pending migrations.
func (m *Migrator) Up(ctx context.Context) error {
	if err := goose.UpContext(ctx, m.db, "migrations"); err != nil {
		return fmt.Errorf("migrate: up: %w", err)
	}
	return nil
}

// Down rolls back the most recent migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := goose.DownContext(ctx, m.db, "migrations"); err != nil {
		return fmt.Errorf("migrate: down: %w", err)
	}
	return nil
}

// Status logs the applied state of every migration.
func (m *Migrator) Status(ctx context.Context) error {
	if err := goose.StatusContext(ctx, m.db, "migrations"); err != nil {
		return fmt.Errorf("migrate: status: %w", err)
	}
	return nil
}

// Version returns the current schema version.
func (m *Migrator) Version(ctx context.Context) (int64, error) {
	return goose.GetDBVersionContext(ctx, m.db)
}

func (m *Migrator) Close() error {
	return m.db.Close()
}

type gooseLogger struct {
	logger Logger
}

func (g gooseLogger) Fatalf(format string, v ...any) {
	g.logger.Fatal().Msgf("goose: "+format, v...)
}

func (g gooseLogger) Printf(format string, v ...any) {
	g.logger.Info().Msgf("goose: "+format, v...)
}
