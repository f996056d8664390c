package database

import (
	"fmt"
	"strings"

	sqlite "github.com/glebarez/sqlite"
	"github.com/neominik/write-collab/internal/documents"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultMaxOpenConns = 4

var connectionPragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"foreign_keys(1)",
}

// Options configures the SQLite connection.
type Options struct {
	Path         string
	MaxOpenConns int
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(options Options, logger *zap.Logger) (*gorm.DB, error) {
	if options.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	maxOpenConns := options.MaxOpenConns
	if maxOpenConns < 1 {
		maxOpenConns = defaultMaxOpenConns
	}

	db, err := gorm.Open(sqlite.Open(withPragmas(options.Path)), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxOpenConns)

	if err := db.AutoMigrate(&documents.Document{}, &documents.Version{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized",
			zap.String("path", options.Path),
			zap.Int("max_open_conns", maxOpenConns))
	}

	return db, nil
}

// withPragmas appends the connection pragmas every pooled connection must run with.
func withPragmas(path string) string {
	var builder strings.Builder
	builder.WriteString(path)
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	for _, pragma := range connectionPragmas {
		if strings.Contains(path, pragma) {
			continue
		}
		builder.WriteString(separator)
		builder.WriteString("_pragma=")
		builder.WriteString(pragma)
		separator = "&"
	}
	return builder.String()
}
