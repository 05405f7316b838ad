package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

type DBConfig struct {
	Driver  string // postgres or sqlite
	DSN     string
	Migrate bool
	LogSQL  bool
}

// Open connects to the configured backing store and brings its schema up to
// date when cfg.Migrate is set. The returned close func releases the pool.
func Open(ctx context.Context, cfg DBConfig) (*Store, func() error, error) {
	gcfg := &gorm.Config{Logger: newGormLogger(cfg.LogSQL)}

	switch cfg.Driver {
	case "postgres", "":
		sqlDB, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		if cfg.Migrate {
			if err := Migrate(ctx, sqlDB); err != nil {
				_ = sqlDB.Close()
				return nil, nil, err
			}
		}
		db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), gcfg)
		if err != nil {
			_ = sqlDB.Close()
			return nil, nil, fmt.Errorf("gorm open: %w", err)
		}
		return New(db), sqlDB.Close, nil

	case "sqlite":
		db, err := gorm.Open(sqlite.Open(cfg.DSN), gcfg)
		if err != nil {
			return nil, nil, fmt.Errorf("gorm open: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		// SQLite serializes writers; a single connection avoids SQLITE_BUSY
		// under concurrent claims and drains.
		sqlDB.SetMaxOpenConns(1)
		st := New(db)
		if cfg.Migrate {
			if err := st.AutoMigrate(ctx); err != nil {
				_ = sqlDB.Close()
				return nil, nil, fmt.Errorf("auto migrate: %w", err)
			}
		}
		return st, sqlDB.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
}

// Migrate applies the embedded goose migrations to a Postgres database.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

func newGormLogger(logSQL bool) logger.Interface {
	lvl := logger.Warn
	if logSQL {
		lvl = logger.Info
	}
	return logger.New(slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  lvl,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}
