package chatbot

import (
	"context"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// UsageStats aggregates recorded token consumption over some window.
type UsageStats struct {
	Requests     int64            `json:"requests"`
	InputTokens  int64            `json:"input_tokens"`
	OutputTokens int64            `json:"output_tokens"`
	TotalTokens  int64            `json:"total_tokens"`
	ByProvider   map[string]int64 `json:"by_provider"`
}

// UsageRecorder persists per-request token consumption. Records are
// advisory history for the stats API; quota enforcement reads the
// in-memory ledger, not these rows.
type UsageRecorder struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewUsageRecorder(db *gorm.DB, logger *slog.Logger) *UsageRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageRecorder{
		db:     db,
		logger: logger.With(loggerNameKey, "usage"),
	}
}

// Record writes one usage row. Failures are logged and swallowed, a lost
// stats row must not fail the user's request.
func (u *UsageRecorder) Record(
	ctx context.Context,
	userID string,
	provider string,
	model string,
	usage TokenUsage,
) {
	record := UsageRecord{
		UserID:       userID,
		Provider:     provider,
		Model:        model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		TotalTokens:  usage.InputTokens + usage.OutputTokens,
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if err := u.db.WithContext(ctx).Create(&record).Error; err != nil {
		u.logger.ErrorContext(ctx, "error recording usage", tint.Err(err), "record", record)
	}
}

// Stats aggregates usage since the given time, across all users when
// userID is empty.
func (u *UsageRecorder) Stats(
	ctx context.Context,
	userID string,
	since time.Time,
) (UsageStats, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := u.db.WithContext(ctx).Model(&UsageRecord{}).Where(
		"created_at >= ?",
		since.UnixMilli(),
	)
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}

	var records []UsageRecord
	if err := query.Find(&records).Error; err != nil {
		return UsageStats{}, storageErr("usage stats", err)
	}

	stats := UsageStats{ByProvider: map[string]int64{}}
	for _, record := range records {
		stats.Requests++
		stats.InputTokens += int64(record.InputTokens)
		stats.OutputTokens += int64(record.OutputTokens)
		stats.TotalTokens += int64(record.TotalTokens)
		stats.ByProvider[record.Provider] += int64(record.TotalTokens)
	}
	return stats, nil
}
