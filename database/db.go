package database

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"evoting-tally/config"
	"evoting-tally/migrations"
	"evoting-tally/models"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the configured database and migrates the schema.
func Open(cfg config.Config) (*gorm.DB, error) {
	// gorm writes its own log stream
	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logLevel(cfg.Environment),
			IgnoreRecordNotFoundError: true,
			Colorful:                  cfg.Environment == "development",
		},
	)

	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         newLogger,
		TranslateError: true, // unique violations surface as gorm.ErrDuplicatedKey
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	slog.Info("database connected and migrated", "driver", cfg.DBDriver)
	return db, nil
}

// Migrate creates or updates the tally schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Auth{}, &models.Question{}, &models.QuestionOption{}, &models.Voting{}); err != nil {
		return fmt.Errorf("failed to migrate models: %w", err)
	}
	if err := migrations.BackfillTallyState(db); err != nil {
		return fmt.Errorf("failed to backfill tally state: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		slog.Error("failed to get database handle", "error", err)
		return
	}
	if err := sqlDB.Close(); err != nil {
		slog.Error("failed to close database", "error", err)
		return
	}
	slog.Info("database connection closed")
}

func dialectorFor(cfg config.Config) (gorm.Dialector, error) {
	switch cfg.DBDriver {
	case "mysql", "":
		dsn := cfg.DBDSN
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
				cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)
		}
		return mysql.Open(dsn), nil
	case "postgres":
		dsn := cfg.DBDSN
		if dsn == "" {
			dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
				cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort)
		}
		return postgres.Open(dsn), nil
	case "sqlite":
		dsn := cfg.DBDSN
		if dsn == "" {
			dsn = "tally.db"
		}
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DBDriver)
	}
}

func logLevel(env string) logger.LogLevel {
	if env == "development" {
		return logger.Info
	}
	return logger.Warn
}
