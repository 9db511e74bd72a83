package chatbot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/lmittmann/tint"
)

// Tool result statuses. Every tool execution returns one of these; model
// errors (bad arguments, unknown ids) are reported back to the model as
// results rather than failing the request.
const (
	ToolStatusSuccess        = "success"
	ToolStatusDuplicateFound = "duplicate_found"
	ToolStatusError          = "error"
)

// ToolResult is what the model sees after a tool runs.
type ToolResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (t ToolResult) Encode() string {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Sprintf(`{"status": %q, "message": "encoding error"}`, ToolStatusError)
	}
	return string(data)
}

func toolSuccess(format string, args ...any) ToolResult {
	return ToolResult{Status: ToolStatusSuccess, Message: fmt.Sprintf(format, args...)}
}

func toolError(format string, args ...any) ToolResult {
	return ToolResult{Status: ToolStatusError, Message: fmt.Sprintf(format, args...)}
}

// ValidationError reports model-supplied arguments that fail validation.
// It is surfaced to the model as an error-status result, never to the
// Discord user.
type ValidationError struct {
	Tool   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Tool, e.Detail)
}

// ToolContext carries the provenance of the request that triggered a tool
// call.
type ToolContext struct {
	UserID   string
	UserName string
	Source   string
}

// ToolRegistry executes the model's tool calls against the knowledge
// store. Portrait updates are serialized per user so concurrent
// read-modify-write cycles cannot drop edits.
type ToolRegistry struct {
	store                   *KnowledgeStore
	memoryDedupThreshold    float64
	worldBookDedupThreshold float64
	logger                  *slog.Logger

	mu            sync.Mutex
	portraitLocks map[string]*sync.Mutex
}

func NewToolRegistry(
	store *KnowledgeStore,
	memoryDedupThreshold float64,
	worldBookDedupThreshold float64,
	logger *slog.Logger,
) *ToolRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolRegistry{
		store:                   store,
		memoryDedupThreshold:    memoryDedupThreshold,
		worldBookDedupThreshold: worldBookDedupThreshold,
		logger:                  logger.With(loggerNameKey, "tools"),
		portraitLocks:           map[string]*sync.Mutex{},
	}
}

func (r *ToolRegistry) portraitLock(userID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock := r.portraitLocks[userID]
	if lock == nil {
		lock = &sync.Mutex{}
		r.portraitLocks[userID] = lock
	}
	return lock
}

// Definitions returns the tool declarations advertised to the model.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "add_memory",
			Description: "Save a new long-term memory about the conversation or a user. Use for durable facts worth recalling later, not transient chatter.",
			Parameters: map[string]ToolParameter{
				"content": {
					Type:        "string",
					Description: "The fact to remember, as a single self-contained sentence",
				},
				"timestamp": {
					Type:        "string",
					Description: "When the fact was learned, RFC 3339. Omit to use the current time.",
				},
			},
			Required: []string{"content"},
		},
		{
			Name:        "find_memories",
			Description: "Search saved memories. Returns each matching memory with its numeric id, newest first.",
			Parameters: map[string]ToolParameter{
				"query": {
					Type:        "string",
					Description: "Case-insensitive text to search for. Omit to list every memory.",
				},
			},
		},
		{
			Name:        "update_memory",
			Description: "Replace the content of an existing memory by its numeric id.",
			Parameters: map[string]ToolParameter{
				"id": {
					Type:        "integer",
					Description: "The memory id",
				},
				"content": {
					Type:        "string",
					Description: "The new content",
				},
			},
			Required: []string{"id", "content"},
		},
		{
			Name:        "delete_memory",
			Description: "Delete a memory by its numeric id.",
			Parameters: map[string]ToolParameter{
				"id": {
					Type:        "integer",
					Description: "The memory id",
				},
			},
			Required: []string{"id"},
		},
		{
			Name:        "add_world_book_entry",
			Description: "Create a world book entry: background knowledge injected into context whenever one of its keywords appears in a message.",
			Parameters: map[string]ToolParameter{
				"keywords": {
					Type:        "string",
					Description: "Comma-separated trigger keywords",
				},
				"content": {
					Type:        "string",
					Description: "The knowledge to inject when triggered",
				},
			},
			Required: []string{"keywords", "content"},
		},
		{
			Name:        "update_world_book_entry",
			Description: "Replace the keywords and content of a world book entry by its numeric id.",
			Parameters: map[string]ToolParameter{
				"id": {
					Type:        "integer",
					Description: "The entry id",
				},
				"keywords": {
					Type:        "string",
					Description: "Comma-separated trigger keywords",
				},
				"content": {
					Type:        "string",
					Description: "The new content",
				},
			},
			Required: []string{"id", "keywords", "content"},
		},
		{
			Name:        "delete_world_book_entry",
			Description: "Delete a world book entry by its numeric id.",
			Parameters: map[string]ToolParameter{
				"id": {
					Type:        "integer",
					Description: "The entry id",
				},
			},
			Required: []string{"id"},
		},
		{
			Name:        "find_user_portrait",
			Description: "Look up the current user's portrait: their aliases, topic triggers and description.",
		},
		{
			Name:        "update_user_portrait",
			Description: "Update the current user's portrait: their aliases, topic triggers and a free-text description. Additions and removals merge into the existing portrait.",
			Parameters: map[string]ToolParameter{
				"core_content": {
					Type:        "string",
					Description: "Replacement description of the user. Omit to keep the current one.",
				},
				"aliases_to_add": {
					Type:        "string",
					Description: "Comma-separated names to add",
				},
				"aliases_to_remove": {
					Type:        "string",
					Description: "Comma-separated names to remove",
				},
				"triggers_to_add": {
					Type:        "string",
					Description: "Comma-separated topic keywords to add",
				},
				"triggers_to_remove": {
					Type:        "string",
					Description: "Comma-separated topic keywords to remove",
				},
			},
		},
	}
}

// Execute runs a single tool call and returns the result to feed back to
// the model. Storage failures are logged and reported as error-status
// results.
func (r *ToolRegistry) Execute(
	ctx context.Context,
	tc ToolContext,
	call ToolCall,
) ToolResult {
	logger := r.logger.With(
		"tool", call.Name,
		"user_id", tc.UserID,
	)
	logger.InfoContext(ctx, "executing tool call", "arguments", truncate(call.Arguments, 512))

	var rv ToolResult
	var err error
	switch call.Name {
	case "add_memory":
		rv, err = r.addMemory(ctx, tc, call.Arguments)
	case "find_memories":
		rv, err = r.findMemories(ctx, call.Arguments)
	case "update_memory":
		rv, err = r.updateMemory(ctx, call.Arguments)
	case "delete_memory":
		rv, err = r.deleteMemory(ctx, call.Arguments)
	case "add_world_book_entry":
		rv, err = r.addWorldBookEntry(ctx, call.Arguments)
	case "update_world_book_entry":
		rv, err = r.updateWorldBookEntry(ctx, call.Arguments)
	case "delete_world_book_entry":
		rv, err = r.deleteWorldBookEntry(ctx, call.Arguments)
	case "find_user_portrait":
		rv, err = r.findUserPortrait(ctx, tc)
	case "update_user_portrait":
		rv, err = r.updateUserPortrait(ctx, tc, call.Arguments)
	default:
		return toolError("unknown tool: %s", call.Name)
	}

	switch e := err.(type) {
	case nil:
		return rv
	case *ValidationError:
		logger.WarnContext(ctx, "tool call validation failed", tint.Err(e))
		return toolError("invalid arguments: %s", e.Detail)
	default:
		logger.ErrorContext(ctx, "tool call failed", tint.Err(err))
		return toolError("internal error executing %s", call.Name)
	}
}

func decodeArguments(tool string, raw string, into any) error {
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), into); err != nil {
		return &ValidationError{Tool: tool, Detail: fmt.Sprintf("malformed JSON: %v", err)}
	}
	return nil
}

func (r *ToolRegistry) addMemory(
	ctx context.Context,
	tc ToolContext,
	raw string,
) (ToolResult, error) {
	var args struct {
		Content   string `json:"content"`
		Timestamp string `json:"timestamp"`
	}
	if err := decodeArguments("add_memory", raw, &args); err != nil {
		return ToolResult{}, err
	}
	if args.Content == "" {
		return ToolResult{}, &ValidationError{
			Tool:   "add_memory",
			Detail: "content must not be empty",
		}
	}

	if r.memoryDedupThreshold > 0 {
		notes, err := r.store.ListMemories(ctx)
		if err != nil {
			return ToolResult{}, err
		}
		// Compare against the untagged bodies. The provenance prefix is
		// unique per note and would mask any real similarity.
		existing := make([]string, len(notes))
		for i, note := range notes {
			_, body, _ := splitMemoryTag(note.Content)
			existing[i] = body
		}
		if IsDuplicate(args.Content, existing, r.memoryDedupThreshold) {
			return ToolResult{
				Status:  ToolStatusDuplicateFound,
				Message: "a very similar memory already exists, nothing was saved",
			}, nil
		}
	}

	id, created, err := r.store.AddMemory(
		ctx,
		args.Content,
		args.Timestamp,
		tc.UserID,
		tc.UserName,
		tc.Source,
	)
	if err != nil {
		return ToolResult{}, err
	}
	if !created {
		return ToolResult{
			Status:  ToolStatusDuplicateFound,
			Message: "this memory already exists, nothing was saved",
		}, nil
	}
	return toolSuccess("memory saved with id %d", id), nil
}

func (r *ToolRegistry) findMemories(ctx context.Context, raw string) (ToolResult, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := decodeArguments("find_memories", raw, &args); err != nil {
		return ToolResult{}, err
	}

	notes, err := r.store.ListMemories(ctx)
	if err != nil {
		return ToolResult{}, err
	}
	query := strings.ToLower(strings.TrimSpace(args.Query))
	var lines []string
	for _, note := range notes {
		if query != "" && !strings.Contains(strings.ToLower(note.Content), query) {
			continue
		}
		lines = append(lines, fmt.Sprintf("[id %d] %s", note.ID, note.Content))
	}
	if len(lines) == 0 {
		return toolSuccess("no matching memories"), nil
	}
	return toolSuccess("%s", strings.Join(lines, "\n")), nil
}

func (r *ToolRegistry) updateMemory(ctx context.Context, raw string) (ToolResult, error) {
	var args struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
	}
	if err := decodeArguments("update_memory", raw, &args); err != nil {
		return ToolResult{}, err
	}
	if args.ID <= 0 {
		return ToolResult{}, &ValidationError{
			Tool:   "update_memory",
			Detail: "id must be a positive integer",
		}
	}
	if args.Content == "" {
		return ToolResult{}, &ValidationError{
			Tool:   "update_memory",
			Detail: "content must not be empty",
		}
	}

	updated, err := r.store.UpdateMemory(ctx, uint(args.ID), args.Content)
	if err != nil {
		return ToolResult{}, err
	}
	if !updated {
		return toolError("no memory found with id %d", args.ID), nil
	}
	return toolSuccess("memory %d updated", args.ID), nil
}

func (r *ToolRegistry) deleteMemory(ctx context.Context, raw string) (ToolResult, error) {
	var args struct {
		ID int `json:"id"`
	}
	if err := decodeArguments("delete_memory", raw, &args); err != nil {
		return ToolResult{}, err
	}
	if args.ID <= 0 {
		return ToolResult{}, &ValidationError{
			Tool:   "delete_memory",
			Detail: "id must be a positive integer",
		}
	}

	deleted, err := r.store.DeleteMemory(ctx, uint(args.ID))
	if err != nil {
		return ToolResult{}, err
	}
	if !deleted {
		return toolError("no memory found with id %d", args.ID), nil
	}
	return toolSuccess("memory %d deleted", args.ID), nil
}

func (r *ToolRegistry) addWorldBookEntry(ctx context.Context, raw string) (ToolResult, error) {
	var args struct {
		Keywords string `json:"keywords"`
		Content  string `json:"content"`
	}
	if err := decodeArguments("add_world_book_entry", raw, &args); err != nil {
		return ToolResult{}, err
	}
	if len(SplitKeywords(args.Keywords)) == 0 {
		return ToolResult{}, &ValidationError{
			Tool:   "add_world_book_entry",
			Detail: "keywords must contain at least one keyword",
		}
	}
	if args.Content == "" {
		return ToolResult{}, &ValidationError{
			Tool:   "add_world_book_entry",
			Detail: "content must not be empty",
		}
	}

	if r.worldBookDedupThreshold > 0 {
		entries, err := r.store.ListWorldBookEntries(ctx)
		if err != nil {
			return ToolResult{}, err
		}
		existing := make([]string, len(entries))
		for i, entry := range entries {
			existing[i] = entry.Content
		}
		if IsDuplicate(args.Content, existing, r.worldBookDedupThreshold) {
			return ToolResult{
				Status:  ToolStatusDuplicateFound,
				Message: "a very similar world book entry already exists, nothing was saved",
			}, nil
		}
	}

	id, err := r.store.AddWorldBookEntry(ctx, args.Keywords, args.Content, "")
	if err != nil {
		return ToolResult{}, err
	}
	return toolSuccess("world book entry saved with id %d", id), nil
}

func (r *ToolRegistry) updateWorldBookEntry(ctx context.Context, raw string) (ToolResult, error) {
	var args struct {
		ID       int    `json:"id"`
		Keywords string `json:"keywords"`
		Content  string `json:"content"`
	}
	if err := decodeArguments("update_world_book_entry", raw, &args); err != nil {
		return ToolResult{}, err
	}
	if args.ID <= 0 {
		return ToolResult{}, &ValidationError{
			Tool:   "update_world_book_entry",
			Detail: "id must be a positive integer",
		}
	}

	// Preserve the entry's enabled flag and user link across the rewrite
	entries, err := r.store.ListWorldBookEntries(ctx)
	if err != nil {
		return ToolResult{}, err
	}
	var current *WorldBookEntry
	for i := range entries {
		if entries[i].ID == uint(args.ID) {
			current = &entries[i]
			break
		}
	}
	if current == nil {
		return toolError("no world book entry found with id %d", args.ID), nil
	}

	updated, err := r.store.UpdateWorldBookEntry(
		ctx,
		uint(args.ID),
		args.Keywords,
		args.Content,
		current.Enabled,
		current.LinkedUserID,
	)
	if err != nil {
		return ToolResult{}, err
	}
	if !updated {
		return toolError("no world book entry found with id %d", args.ID), nil
	}
	return toolSuccess("world book entry %d updated", args.ID), nil
}

func (r *ToolRegistry) deleteWorldBookEntry(ctx context.Context, raw string) (ToolResult, error) {
	var args struct {
		ID int `json:"id"`
	}
	if err := decodeArguments("delete_world_book_entry", raw, &args); err != nil {
		return ToolResult{}, err
	}
	if args.ID <= 0 {
		return ToolResult{}, &ValidationError{
			Tool:   "delete_world_book_entry",
			Detail: "id must be a positive integer",
		}
	}

	deleted, err := r.store.DeleteWorldBookEntry(ctx, uint(args.ID))
	if err != nil {
		return ToolResult{}, err
	}
	if !deleted {
		return toolError("no world book entry found with id %d", args.ID), nil
	}
	return toolSuccess("world book entry %d deleted", args.ID), nil
}

func (r *ToolRegistry) findUserPortrait(ctx context.Context, tc ToolContext) (ToolResult, error) {
	_, portrait, found, err := r.store.FindUserPortraitEntry(ctx, tc.UserID)
	if err != nil {
		return ToolResult{}, err
	}
	if !found {
		return toolSuccess("no portrait exists for this user yet"), nil
	}

	lines := []string{fmt.Sprintf("description: %s", portrait.CoreContent)}
	if len(portrait.Aliases) > 0 {
		lines = append(lines, "aliases: "+strings.Join(portrait.Aliases, ", "))
	}
	if len(portrait.Triggers) > 0 {
		lines = append(lines, "triggers: "+strings.Join(portrait.Triggers, ", "))
	}
	return toolSuccess("%s", strings.Join(lines, "\n")), nil
}

func (r *ToolRegistry) updateUserPortrait(
	ctx context.Context,
	tc ToolContext,
	raw string,
) (ToolResult, error) {
	var args struct {
		CoreContent      *string `json:"core_content"`
		AliasesToAdd     string  `json:"aliases_to_add"`
		AliasesToRemove  string  `json:"aliases_to_remove"`
		TriggersToAdd    string  `json:"triggers_to_add"`
		TriggersToRemove string  `json:"triggers_to_remove"`
	}
	if err := decodeArguments("update_user_portrait", raw, &args); err != nil {
		return ToolResult{}, err
	}
	edits := PortraitEdits{
		CoreContent:      args.CoreContent,
		AliasesToAdd:     SplitKeywords(args.AliasesToAdd),
		AliasesToRemove:  SplitKeywords(args.AliasesToRemove),
		TriggersToAdd:    SplitKeywords(args.TriggersToAdd),
		TriggersToRemove: SplitKeywords(args.TriggersToRemove),
	}

	lock := r.portraitLock(tc.UserID)
	lock.Lock()
	defer lock.Unlock()

	entry, portrait, found, err := r.store.FindUserPortraitEntry(ctx, tc.UserID)
	if err != nil {
		return ToolResult{}, err
	}

	merged := MergePortrait(&portrait, edits)
	encoded, err := merged.Encode()
	if err != nil {
		return ToolResult{}, err
	}
	keywords := MergeKeywords(
		"",
		append(append([]string{}, merged.Aliases...), merged.Triggers...),
		nil,
	)
	if keywords == "" {
		keywords = tc.UserName
	}

	if !found {
		id, storeErr := r.store.AddWorldBookEntry(
			ctx,
			keywords,
			encoded,
			tc.UserID,
		)
		if storeErr != nil {
			return ToolResult{}, storeErr
		}
		return toolSuccess("portrait created with entry id %d", id), nil
	}

	updated, err := r.store.UpdateWorldBookEntry(
		ctx,
		entry.ID,
		keywords,
		encoded,
		entry.Enabled,
		entry.LinkedUserID,
	)
	if err != nil {
		return ToolResult{}, err
	}
	if !updated {
		return toolError("portrait entry %d disappeared during update", entry.ID), nil
	}
	return toolSuccess("portrait updated"), nil
}
