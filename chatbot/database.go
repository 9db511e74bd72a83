package chatbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteExecPragma = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix millisecond timestamps
// for creation and update. Knowledge rows are hard-deleted on request (the
// memory table's unique content index must not be blocked by soft-deleted
// rows), so there is no DeletedAt column.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

// MemoryNote is an unstructured, timestamped fact remembered from a
// conversation (or added manually via the API). Content is globally
// unique; it carries a machine-readable provenance tag prefix written by
// KnowledgeStore.AddMemory.
type MemoryNote struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// Content is the tagged note text. The unique index is what enforces
	// exact-duplicate rejection; races between concurrent inserts resolve
	// in the database, not in application locks.
	Content string `gorm:"type:text;not null;uniqueIndex" json:"content"`

	// Timestamp is an ISO-8601 UTC string, set by the caller or defaulted
	// to insertion time.
	Timestamp string `gorm:"type:string;not null" json:"timestamp"`

	UserID   string `gorm:"type:string" json:"user_id"`
	UserName string `gorm:"type:string" json:"user_name"`
	Source   string `gorm:"type:string" json:"source"`

	ModelUnixTime
}

func (m MemoryNote) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(m.ID)),
		slog.String("user_id", m.UserID),
		slog.String("source", m.Source),
		slog.String("timestamp", m.Timestamp),
	)
}

// WorldBookEntry is a keyword-triggered knowledge snippet. When
// LinkedUserID is set and Content parses as a Portrait, the entry is that
// user's structured portrait; otherwise Content is free text.
type WorldBookEntry struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// Keywords is a comma-separated list of case-insensitive triggers.
	Keywords string `gorm:"type:text;not null" json:"keywords"`

	Content string `gorm:"type:text;not null" json:"content"`

	// Disabled entries are invisible to all retrieval paths.
	Enabled bool `gorm:"default:true" json:"enabled"`

	// LinkedUserID optionally ties the entry to a Discord user.
	LinkedUserID string `gorm:"type:string;index" json:"linked_user_id"`

	ModelUnixTime
}

func (w WorldBookEntry) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(w.ID)),
		slog.String("keywords", w.Keywords),
		slog.Bool("enabled", w.Enabled),
		slog.String("linked_user_id", w.LinkedUserID),
	)
}

// UsageRecord is one LLM round trip's accounted cost, kept for the usage
// statistics API. Quota enforcement uses the in-memory ledger; these rows
// are the durable audit trail.
type UsageRecord struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	UserID       string `gorm:"type:string;index" json:"user_id"`
	Provider     string `gorm:"type:string" json:"provider"`
	Model        string `gorm:"type:string" json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	TotalTokens  int    `json:"total_tokens"`

	ModelUnixTime
}

// BotState holds the small amount of mutable state persisted across
// restarts: the admin credentials set by the `init` command.
type BotState struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	AdminUsername string `gorm:"type:string" json:"admin_username"`
	AdminPassword string `gorm:"type:string" json:"-" log:"[redacted]"`

	ModelUnixTime
}

// CreateDB opens a GORM connection for the given database type ('sqlite'
// or 'postgres') and runs the idempotent schema migration. Safe to call on
// every startup.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, 500*time.Millisecond)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	if databaseType == dbTypeSQLite {
		for _, pragma := range sqliteExecPragma {
			if err = db.Exec(pragma).Error; err != nil {
				return db, fmt.Errorf("error setting pragma %q: %w", pragma, err)
			}
		}
	}

	txn := db.WithContext(ctx).Begin()
	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&MemoryNote{},
		&WorldBookEntry{},
		&UsageRecord{},
		&BotState{},
	)
	if err != nil {
		return db, err
	}

	if commitErr := txn.Commit().Error; commitErr != nil {
		return db, commitErr
	}

	return db, nil
}

// getDB dials the database. TranslateError is enabled so driver-specific
// unique constraint violations surface as gorm.ErrDuplicatedKey, which the
// knowledge store relies on to report duplicate memory content.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// withTimeout attaches the default operation timeout to a context that
// doesn't already carry a deadline.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}
