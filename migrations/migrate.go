// Package migrations embeds the SQL schema and applies it with golang-migrate.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

// Files contains the embedded SQL migrations.
//
//go:embed *.sql
var Files embed.FS

func open(ctx context.Context, dsn string) (*migrate.Migrate, *sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open migrations connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping migrations database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("initialise postgres driver: %w", err)
	}
	source, err := iofs.New(Files, ".")
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("load embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("initialise migrate instance: %w", err)
	}
	return m, db, nil
}

func closeAll(m *migrate.Migrate, db *sql.DB, logger *log.Logger) {
	sourceErr, dbErr := m.Close()
	if logger != nil {
		if sourceErr != nil {
			logger.Printf("migrations source close: %v", sourceErr)
		}
		if dbErr != nil {
			logger.Printf("migrations db close: %v", dbErr)
		}
	}
	db.Close()
}

// Apply runs every pending up migration. A nil logger disables logging.
func Apply(ctx context.Context, dsn string, logger *log.Logger) error {
	m, db, err := open(ctx, dsn)
	if err != nil {
		return err
	}
	defer closeAll(m, db, logger)

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			if logger != nil {
				logger.Printf("database migrations up-to-date")
			}
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}
	if logger != nil {
		logger.Printf("database migrations applied")
	}
	return nil
}

// Rollback reverts the given number of migrations.
func Rollback(ctx context.Context, dsn string, steps int, logger *log.Logger) error {
	if steps < 1 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	m, db, err := open(ctx, dsn)
	if err != nil {
		return err
	}
	defer closeAll(m, db, logger)

	if err := m.Steps(-steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("rollback migrations: %w", err)
	}
	if logger != nil {
		logger.Printf("rolled back %d migration(s)", steps)
	}
	return nil
}

// Version reports the current schema version and whether it is dirty.
func Version(ctx context.Context, dsn string) (uint, bool, error) {
	m, db, err := open(ctx, dsn)
	if err != nil {
		return 0, false, err
	}
	defer closeAll(m, db, nil)

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}
