// Package db opens the OrbitMesh host's relational store and brings its
// schema up to date. Jobs, dead-letter entries, workflow definitions and
// instances, deployment profiles/executions, enrollments and tokens all
// persist here; the repositories package provides the typed access layer on
// top. SQLite (pure-Go modernc driver, no CGO) is the zero-setup default,
// PostgreSQL the multi-host option. Embedded SQL migrations run on every
// startup and are idempotent, with the schema_versions row recording the
// level a given database is at.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// Registers the modernc pure-Go SQLite driver as "sqlite".
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config selects and parameterizes the backing store. An empty Driver means
// SQLite.
type Config struct {
	Driver   string // "sqlite" or "postgres"
	DSN      string
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel
}

// New opens the store named by cfg, applies any pending migrations, and
// returns a ready *gorm.DB.
func New(cfg Config) (*gorm.DB, error) {
	if cfg.Logger == nil {
		return nil, errors.New("db: logger is required")
	}
	gormCfg := &gorm.Config{Logger: newGormLogger(cfg.Logger, cfg.LogLevel)}

	var (
		database *gorm.DB
		sqlDB    *sql.DB
		drvName  string
		err      error
	)
	switch cfg.Driver {
	case "sqlite", "":
		drvName = "sqlite"
		database, sqlDB, err = openSQLite(cfg.DSN, gormCfg)
	case "postgres":
		drvName = "postgres"
		database, sqlDB, err = openPostgres(cfg.DSN, gormCfg)
	default:
		return nil, fmt.Errorf("db: unknown driver %q (want sqlite or postgres)", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := migrateUp(sqlDB, drvName, cfg.Logger); err != nil {
		return nil, fmt.Errorf("db: migrate: %w", err)
	}
	return database, nil
}

// openSQLite hands a database/sql connection from the modernc driver to GORM,
// rather than letting the sqlite dialector open its own via go-sqlite3 (which
// would reintroduce CGO). One writer at a time is a SQLite constraint, not a
// tuning choice.
func openSQLite(dsn string, gormCfg *gorm.Config) (*gorm.DB, *sql.DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("db: open sqlite %q: %w", dsn, err)
	}
	sqlDB.SetMaxOpenConns(1)
	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, nil, fmt.Errorf("db: enable sqlite foreign keys: %w", err)
	}

	database, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("db: attach gorm to sqlite: %w", err)
	}
	return database, sqlDB, nil
}

// openPostgres opens through the gorm dialector and then tunes the pool it
// created. The limits suit a single host process; deployment executions and
// job updates are the write-heavy tables.
func openPostgres(dsn string, gormCfg *gorm.Config) (*gorm.DB, *sql.DB, error) {
	database, err := gorm.Open(gormpostgres.Open(dsn), gormCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("db: open postgres: %w", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("db: unwrap sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return database, sqlDB, nil
}

// Ping verifies the backing store is reachable.
func Ping(ctx context.Context, database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("db: unwrap sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// SchemaVersionInfo is the singleton schema_versions row the final migration
// of each release maintains.
type SchemaVersionInfo struct {
	Version                  int       `json:"version"`
	UpdatedAt                time.Time `json:"updatedAt"`
	LastMigrationDescription string    `json:"lastMigrationDescription"`
}

// CurrentSchemaVersion reads the schema_versions row, reporting which schema
// level the connected database is actually at (as opposed to the level this
// binary was built against).
func CurrentSchemaVersion(ctx context.Context, database *gorm.DB) (SchemaVersionInfo, error) {
	var info SchemaVersionInfo
	row := database.WithContext(ctx).
		Raw("SELECT version, updated_at, last_migration_description FROM schema_versions WHERE id = 1").
		Row()
	if err := row.Scan(&info.Version, &info.UpdatedAt, &info.LastMigrationDescription); err != nil {
		return SchemaVersionInfo{}, fmt.Errorf("db: read schema version: %w", err)
	}
	return info, nil
}

// migrateUp applies the embedded up-migrations in ascending order. Already
// being at the latest level (migrate.ErrNoChange) is the common case on
// restart and not an error.
func migrateUp(sqlDB *sql.DB, driver string, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}

	var m *migrate.Migrate
	switch driver {
	case "sqlite":
		d, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", d)
		if err != nil {
			return fmt.Errorf("build migrator: %w", err)
		}
	case "postgres":
		d, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", d)
		if err != nil {
			return fmt.Errorf("build migrator: %w", err)
		}
	default:
		return fmt.Errorf("no migrate driver for %q", driver)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	log.Info("database schema up to date")
	return nil
}
