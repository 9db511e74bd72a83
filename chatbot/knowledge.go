package chatbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"
)

// StorageError wraps an unexpected persistence failure. Expected outcomes
// (duplicate content, id not found) are reported as values, never as
// errors; anything arriving as a StorageError is logged with context and
// surfaced to the user as a generic failure notice.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// KnowledgeStore provides persistent storage for the bot's long-term
// knowledge: free-text memory notes and keyword-triggered world book
// entries. It is constructed once at startup and handed to whatever needs
// it; there is no package-level instance.
type KnowledgeStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewKnowledgeStore(db *gorm.DB, logger *slog.Logger) *KnowledgeStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &KnowledgeStore{
		db:     db,
		logger: logger.With(loggerNameKey, "knowledge"),
	}
}

// memoryTag builds the machine-readable provenance prefix written in front
// of every memory note body. The first ']' is the tag boundary.
func memoryTag(timestamp, source, userName, userID string) string {
	return fmt.Sprintf("[%s | %s | %s (%s)]", timestamp, source, userName, userID)
}

// splitMemoryTag separates a stored note into its provenance tag and the
// untagged body. ok is false when the content has no tag boundary, in
// which case body is the full content.
func splitMemoryTag(content string) (tag string, body string, ok bool) {
	boundary := strings.Index(content, "]")
	if boundary < 0 {
		return "", content, false
	}
	return content[:boundary+1], strings.TrimSpace(content[boundary+1:]), true
}

// AddMemory tags and inserts a memory note. The second return value is
// false when the tagged content already exists - an expected outcome, not
// an error. An empty timestamp defaults to the current UTC time.
func (s *KnowledgeStore) AddMemory(
	ctx context.Context,
	content string,
	timestamp string,
	userID string,
	userName string,
	source string,
) (uint, bool, error) {
	if timestamp == "" {
		timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	note := MemoryNote{
		Content:   fmt.Sprintf("%s %s", memoryTag(timestamp, source, userName, userID), content),
		Timestamp: timestamp,
		UserID:    userID,
		UserName:  userName,
		Source:    source,
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	err := s.db.WithContext(ctx).Create(&note).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			s.logger.InfoContext(ctx, "memory content already exists", "memory", note)
			return 0, false, nil
		}
		return 0, false, storageErr("add memory", err)
	}
	s.logger.InfoContext(ctx, "added memory", "memory", note)
	return note.ID, true, nil
}

// UpdateMemory replaces a note's body while preserving its provenance tag.
// Returns false when the id doesn't exist or the stored content has no
// parseable tag boundary.
func (s *KnowledgeStore) UpdateMemory(ctx context.Context, id uint, newContent string) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var note MemoryNote
	err := s.db.WithContext(ctx).First(&note, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, storageErr("update memory", err)
	}

	tag, _, ok := splitMemoryTag(note.Content)
	if !ok {
		s.logger.WarnContext(
			ctx,
			"memory content has no tag boundary, refusing update",
			"memory", note,
		)
		return false, nil
	}
	tagged := fmt.Sprintf("%s %s", tag, newContent)

	rv := s.db.WithContext(ctx).Model(&note).Update("content", tagged)
	if rv.Error != nil {
		return false, storageErr("update memory", rv.Error)
	}
	return rv.RowsAffected > 0, nil
}

// DeleteMemory removes a note by id; false means the id wasn't found.
func (s *KnowledgeStore) DeleteMemory(ctx context.Context, id uint) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := s.db.WithContext(ctx).Delete(&MemoryNote{}, id)
	if rv.Error != nil {
		return false, storageErr("delete memory", rv.Error)
	}
	return rv.RowsAffected > 0, nil
}

// ListMemories returns all notes, newest timestamp first.
func (s *KnowledgeStore) ListMemories(ctx context.Context) ([]MemoryNote, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var notes []MemoryNote
	err := s.db.WithContext(ctx).Order("timestamp desc").Find(&notes).Error
	if err != nil {
		return nil, storageErr("list memories", err)
	}
	return notes, nil
}

// AddWorldBookEntry inserts a new enabled entry and returns its id.
func (s *KnowledgeStore) AddWorldBookEntry(
	ctx context.Context,
	keywords string,
	content string,
	linkedUserID string,
) (uint, error) {
	entry := WorldBookEntry{
		Keywords:     keywords,
		Content:      content,
		Enabled:      true,
		LinkedUserID: linkedUserID,
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return 0, storageErr("add world book entry", err)
	}
	s.logger.InfoContext(ctx, "added world book entry", "entry", entry)
	return entry.ID, nil
}

// UpdateWorldBookEntry overwrites all mutable fields of an entry; false
// means the id wasn't found.
func (s *KnowledgeStore) UpdateWorldBookEntry(
	ctx context.Context,
	id uint,
	keywords string,
	content string,
	enabled bool,
	linkedUserID string,
) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := s.db.WithContext(ctx).Model(&WorldBookEntry{ID: id}).Updates(
		map[string]any{
			"keywords":       keywords,
			"content":        content,
			"enabled":        enabled,
			"linked_user_id": linkedUserID,
		},
	)
	if rv.Error != nil {
		return false, storageErr("update world book entry", rv.Error)
	}
	return rv.RowsAffected > 0, nil
}

// DeleteWorldBookEntry removes an entry by id; false means not found.
func (s *KnowledgeStore) DeleteWorldBookEntry(ctx context.Context, id uint) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := s.db.WithContext(ctx).Delete(&WorldBookEntry{}, id)
	if rv.Error != nil {
		return false, storageErr("delete world book entry", rv.Error)
	}
	return rv.RowsAffected > 0, nil
}

// ListWorldBookEntries returns all entries (enabled or not) in id order,
// for the management API.
func (s *KnowledgeStore) ListWorldBookEntries(ctx context.Context) ([]WorldBookEntry, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var entries []WorldBookEntry
	err := s.db.WithContext(ctx).Order("id").Find(&entries).Error
	if err != nil {
		return nil, storageErr("list world book entries", err)
	}
	return entries, nil
}

// FindEntriesByKeyword returns the enabled entries triggered by the given
// text: any of an entry's comma-separated keywords appearing as a
// case-insensitive substring counts. Each entry appears once no matter
// how many of its keywords match, in id order.
func (s *KnowledgeStore) FindEntriesByKeyword(ctx context.Context, text string) ([]WorldBookEntry, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var entries []WorldBookEntry
	err := s.db.WithContext(ctx).Where("enabled = ?", true).Order("id").Find(&entries).Error
	if err != nil {
		return nil, storageErr("find world book entries", err)
	}

	lowerText := strings.ToLower(text)
	var triggered []WorldBookEntry
	for _, entry := range entries {
		for _, keyword := range SplitKeywords(entry.Keywords) {
			if strings.Contains(lowerText, strings.ToLower(keyword)) {
				triggered = append(triggered, entry)
				break
			}
		}
	}
	return triggered, nil
}

// FindEntriesForUser returns the enabled entries linked to the given user
// id, in id order.
func (s *KnowledgeStore) FindEntriesForUser(ctx context.Context, userID string) ([]WorldBookEntry, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var entries []WorldBookEntry
	err := s.db.WithContext(ctx).Where(
		"enabled = ? AND linked_user_id = ?",
		true,
		userID,
	).Order("id").Find(&entries).Error
	if err != nil {
		return nil, storageErr("find world book entries for user", err)
	}
	return entries, nil
}

// FindUserPortraitEntry locates the entry holding a user's portrait: the
// first of the user's entries whose content parses as a structured
// portrait, falling back to the user's first entry of any kind. The third
// return value is false when the user has no entries at all.
func (s *KnowledgeStore) FindUserPortraitEntry(
	ctx context.Context,
	userID string,
) (WorldBookEntry, Portrait, bool, error) {
	entries, err := s.FindEntriesForUser(ctx, userID)
	if err != nil {
		return WorldBookEntry{}, Portrait{}, false, err
	}
	if len(entries) == 0 {
		return WorldBookEntry{}, Portrait{}, false, nil
	}
	for _, entry := range entries {
		if portrait, ok := ParsePortrait(entry.Content); ok {
			return entry, portrait, true, nil
		}
	}
	// No structured portrait yet: treat the first entry's text as the
	// core content of an implicit one.
	first := entries[0]
	portrait := NewPortrait()
	portrait.CoreContent = first.Content
	return first, portrait, true, nil
}
