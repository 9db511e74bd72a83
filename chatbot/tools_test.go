package chatbot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRegistry(t testing.TB) (*ToolRegistry, *KnowledgeStore) {
	t.Helper()
	store := setupTestStore(t)
	return NewToolRegistry(store, 0.85, 0.85, testLogger(t)), store
}

func executeTool(
	t testing.TB,
	registry *ToolRegistry,
	name string,
	args map[string]any,
) ToolResult {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return registry.Execute(
		context.Background(),
		ToolContext{UserID: "u1", UserName: "Rin", Source: "discord"},
		ToolCall{ID: "call_1", Name: name, Arguments: string(raw)},
	)
}

func TestExecuteUnknownTool(t *testing.T) {
	t.Parallel()

	registry, _ := setupTestRegistry(t)
	rv := registry.Execute(
		context.Background(),
		ToolContext{UserID: "u1"},
		ToolCall{Name: "launch_missiles", Arguments: "{}"},
	)
	assert.Equal(t, ToolStatusError, rv.Status)
	assert.Contains(t, rv.Message, "unknown tool")
}

func TestExecuteMalformedArguments(t *testing.T) {
	t.Parallel()

	registry, _ := setupTestRegistry(t)
	rv := registry.Execute(
		context.Background(),
		ToolContext{UserID: "u1"},
		ToolCall{Name: "add_memory", Arguments: `{"content":`},
	)
	assert.Equal(t, ToolStatusError, rv.Status)
	assert.Contains(t, rv.Message, "invalid arguments")
}

func TestExecuteEmptyArguments(t *testing.T) {
	t.Parallel()

	// Empty argument strings decode as an empty object, then fail field
	// validation rather than JSON parsing
	registry, _ := setupTestRegistry(t)
	rv := registry.Execute(
		context.Background(),
		ToolContext{UserID: "u1"},
		ToolCall{Name: "add_memory"},
	)
	assert.Equal(t, ToolStatusError, rv.Status)
	assert.Contains(t, rv.Message, "invalid arguments")
	assert.Contains(t, rv.Message, "content")
}

func TestAddMemoryTool(t *testing.T) {
	t.Parallel()

	registry, store := setupTestRegistry(t)

	rv := executeTool(t, registry, "add_memory", map[string]any{
		"content": "the user prefers dark roast coffee",
	})
	require.Equal(t, ToolStatusSuccess, rv.Status)
	assert.Contains(t, rv.Message, "memory saved with id")

	notes, err := store.ListMemories(context.Background())
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Content, "Rin (u1)")
	assert.Contains(t, notes[0].Content, "the user prefers dark roast coffee")
}

func TestAddMemoryToolNearDuplicate(t *testing.T) {
	t.Parallel()

	registry, _ := setupTestRegistry(t)

	rv := executeTool(t, registry, "add_memory", map[string]any{
		"content": "the user prefers dark roast coffee",
	})
	require.Equal(t, ToolStatusSuccess, rv.Status)

	// The stored note carries a provenance prefix; the comparison runs
	// against the untagged body, so the near-duplicate is still caught.
	rv = executeTool(t, registry, "add_memory", map[string]any{
		"content": "the user prefers dark roast coffees",
	})
	assert.Equal(t, ToolStatusDuplicateFound, rv.Status)
	assert.Contains(t, rv.Message, "similar memory already exists")

	notes, err := registry.store.ListMemories(context.Background())
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestAddWorldBookEntryToolNearDuplicate(t *testing.T) {
	t.Parallel()

	registry, store := setupTestRegistry(t)

	rv := executeTool(t, registry, "add_world_book_entry", map[string]any{
		"keywords": "tokyo", "content": "Tokyo is the capital of Japan.",
	})
	require.Equal(t, ToolStatusSuccess, rv.Status)

	rv = executeTool(t, registry, "add_world_book_entry", map[string]any{
		"keywords": "tokyo, japan", "content": "Tokyo is the capital of Japan!",
	})
	assert.Equal(t, ToolStatusDuplicateFound, rv.Status)
	assert.Contains(t, rv.Message, "similar world book entry already exists")

	entries, err := store.ListWorldBookEntries(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// A zero threshold disables the check entirely
	unchecked := NewToolRegistry(store, 0, 0, testLogger(t))
	rv = executeTool(t, unchecked, "add_world_book_entry", map[string]any{
		"keywords": "tokyo", "content": "Tokyo is the capital of Japan.",
	})
	assert.Equal(t, ToolStatusSuccess, rv.Status)
}

func TestFindMemoriesTool(t *testing.T) {
	t.Parallel()

	registry, _ := setupTestRegistry(t)

	rv := executeTool(t, registry, "find_memories", map[string]any{})
	require.Equal(t, ToolStatusSuccess, rv.Status)
	assert.Equal(t, "no matching memories", rv.Message)

	rv = executeTool(t, registry, "add_memory", map[string]any{
		"content": "the user prefers dark roast coffee",
	})
	require.Equal(t, ToolStatusSuccess, rv.Status)
	rv = executeTool(t, registry, "add_memory", map[string]any{
		"content": "the user lives in Lisbon",
	})
	require.Equal(t, ToolStatusSuccess, rv.Status)

	// No query lists everything
	rv = executeTool(t, registry, "find_memories", map[string]any{})
	require.Equal(t, ToolStatusSuccess, rv.Status)
	assert.Contains(t, rv.Message, "dark roast coffee")
	assert.Contains(t, rv.Message, "Lisbon")
	assert.Contains(t, rv.Message, "[id ")

	// Queries filter case-insensitively
	rv = executeTool(t, registry, "find_memories", map[string]any{"query": "LISBON"})
	require.Equal(t, ToolStatusSuccess, rv.Status)
	assert.Contains(t, rv.Message, "Lisbon")
	assert.NotContains(t, rv.Message, "coffee")

	rv = executeTool(t, registry, "find_memories", map[string]any{"query": "pottery"})
	require.Equal(t, ToolStatusSuccess, rv.Status)
	assert.Equal(t, "no matching memories", rv.Message)
}

func TestFindUserPortraitTool(t *testing.T) {
	t.Parallel()

	registry, _ := setupTestRegistry(t)

	rv := executeTool(t, registry, "find_user_portrait", nil)
	require.Equal(t, ToolStatusSuccess, rv.Status)
	assert.Contains(t, rv.Message, "no portrait exists")

	rv = executeTool(t, registry, "update_user_portrait", map[string]any{
		"core_content":    "Night owl, into astronomy.",
		"aliases_to_add":  "Rin, Rinny",
		"triggers_to_add": "astronomy",
	})
	require.Equal(t, ToolStatusSuccess, rv.Status)

	rv = executeTool(t, registry, "find_user_portrait", nil)
	require.Equal(t, ToolStatusSuccess, rv.Status)
	assert.Contains(t, rv.Message, "description: Night owl, into astronomy.")
	assert.Contains(t, rv.Message, "aliases: Rin, Rinny")
	assert.Contains(t, rv.Message, "triggers: astronomy")
}

func TestUpdateMemoryToolValidation(t *testing.T) {
	t.Parallel()

	registry, _ := setupTestRegistry(t)

	rv := executeTool(t, registry, "update_memory", map[string]any{
		"id": 0, "content": "whatever",
	})
	assert.Equal(t, ToolStatusError, rv.Status)
	assert.Contains(t, rv.Message, "invalid arguments")

	rv = executeTool(t, registry, "update_memory", map[string]any{
		"id": 42, "content": "no such memory",
	})
	assert.Equal(t, ToolStatusError, rv.Status)
	assert.Contains(t, rv.Message, "no memory found with id 42")
}

func TestMemoryToolRoundTrip(t *testing.T) {
	t.Parallel()

	registry, store := setupTestRegistry(t)
	ctx := context.Background()

	rv := executeTool(t, registry, "add_memory", map[string]any{
		"content": "original fact", "timestamp": "2024-06-01T12:00:00Z",
	})
	require.Equal(t, ToolStatusSuccess, rv.Status)

	notes, err := store.ListMemories(ctx)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	id := notes[0].ID

	rv = executeTool(t, registry, "update_memory", map[string]any{
		"id": id, "content": "corrected fact",
	})
	require.Equal(t, ToolStatusSuccess, rv.Status)

	notes, err = store.ListMemories(ctx)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(
		t,
		"[2024-06-01T12:00:00Z | discord | Rin (u1)] corrected fact",
		notes[0].Content,
	)

	rv = executeTool(t, registry, "delete_memory", map[string]any{"id": id})
	require.Equal(t, ToolStatusSuccess, rv.Status)

	notes, err = store.ListMemories(ctx)
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestWorldBookToolsPreserveLinkAndFlag(t *testing.T) {
	t.Parallel()

	registry, store := setupTestRegistry(t)
	ctx := context.Background()

	id, err := store.AddWorldBookEntry(ctx, "tokyo", "Tokyo facts.", "u9")
	require.NoError(t, err)

	rv := executeTool(t, registry, "update_world_book_entry", map[string]any{
		"id": id, "keywords": "tokyo, japan", "content": "Updated Tokyo facts.",
	})
	require.Equal(t, ToolStatusSuccess, rv.Status)

	entries, err := store.ListWorldBookEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tokyo, japan", entries[0].Keywords)
	assert.Equal(t, "Updated Tokyo facts.", entries[0].Content)
	assert.True(t, entries[0].Enabled)
	assert.Equal(t, "u9", entries[0].LinkedUserID)
}

func TestWorldBookToolValidation(t *testing.T) {
	t.Parallel()

	registry, _ := setupTestRegistry(t)

	rv := executeTool(t, registry, "add_world_book_entry", map[string]any{
		"keywords": " , ", "content": "orphaned",
	})
	assert.Equal(t, ToolStatusError, rv.Status)
	assert.Contains(t, rv.Message, "invalid arguments")

	rv = executeTool(t, registry, "delete_world_book_entry", map[string]any{"id": 123})
	assert.Equal(t, ToolStatusError, rv.Status)
	assert.Contains(t, rv.Message, "no world book entry found")
}

func TestUpdateUserPortraitCreates(t *testing.T) {
	t.Parallel()

	registry, store := setupTestRegistry(t)
	ctx := context.Background()

	rv := executeTool(t, registry, "update_user_portrait", map[string]any{
		"core_content":    "Night owl, into astronomy.",
		"aliases_to_add":  "Rin, Rinny",
		"triggers_to_add": "astronomy",
	})
	require.Equal(t, ToolStatusSuccess, rv.Status)
	assert.Contains(t, rv.Message, "portrait created")

	entry, portrait, found, err := store.FindUserPortraitEntry(ctx, "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "u1", entry.LinkedUserID)
	assert.Equal(t, "Rin, Rinny, astronomy", entry.Keywords)
	assert.Equal(t, "Night owl, into astronomy.", portrait.CoreContent)
	assert.Equal(t, []string{"Rin", "Rinny"}, portrait.Aliases)
	assert.Equal(t, []string{"astronomy"}, portrait.Triggers)
}

func TestUpdateUserPortraitMerges(t *testing.T) {
	t.Parallel()

	registry, store := setupTestRegistry(t)
	ctx := context.Background()

	rv := executeTool(t, registry, "update_user_portrait", map[string]any{
		"core_content":   "First version.",
		"aliases_to_add": "Rin, Rinny",
	})
	require.Equal(t, ToolStatusSuccess, rv.Status)

	// Second edit: remove an alias, add a trigger, keep the description
	rv = executeTool(t, registry, "update_user_portrait", map[string]any{
		"aliases_to_remove": "Rinny",
		"triggers_to_add":   "astronomy",
	})
	require.Equal(t, ToolStatusSuccess, rv.Status)

	_, portrait, found, err := store.FindUserPortraitEntry(ctx, "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "First version.", portrait.CoreContent)
	assert.Equal(t, []string{"Rin"}, portrait.Aliases)
	assert.Equal(t, []string{"astronomy"}, portrait.Triggers)

	entries, err := store.ListWorldBookEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestUpdateUserPortraitUpgradesFreeText(t *testing.T) {
	t.Parallel()

	registry, store := setupTestRegistry(t)
	ctx := context.Background()

	// An existing free-text linked entry becomes the portrait's core content
	id, err := store.AddWorldBookEntry(ctx, "rin", "Rin likes astronomy.", "u1")
	require.NoError(t, err)

	rv := executeTool(t, registry, "update_user_portrait", map[string]any{
		"aliases_to_add": "Rin",
	})
	require.Equal(t, ToolStatusSuccess, rv.Status)

	entry, portrait, found, err := store.FindUserPortraitEntry(ctx, "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, id, entry.ID)
	assert.Equal(t, "Rin likes astronomy.", portrait.CoreContent)
	assert.Equal(t, []string{"Rin"}, portrait.Aliases)
}

func TestUpdateUserPortraitConcurrentEdits(t *testing.T) {
	t.Parallel()

	registry, store := setupTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			rv := executeTool(t, registry, "update_user_portrait", map[string]any{
				"aliases_to_add": fmt.Sprintf("alias%d", n),
			})
			assert.Equal(t, ToolStatusSuccess, rv.Status)
		}(i)
	}
	wg.Wait()

	// All concurrent additions survive the read-modify-write cycles
	_, portrait, found, err := store.FindUserPortraitEntry(ctx, "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, portrait.Aliases, 8)

	entries, err := store.ListWorldBookEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestToolResultEncode(t *testing.T) {
	t.Parallel()

	encoded := ToolResult{Status: ToolStatusSuccess, Message: "done"}.Encode()
	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(encoded), &decoded))
	assert.Equal(t, ToolStatusSuccess, decoded["status"])
	assert.Equal(t, "done", decoded["message"])
}

func TestDefinitionsCoverKnowledgeTools(t *testing.T) {
	t.Parallel()

	registry, _ := setupTestRegistry(t)
	names := map[string]bool{}
	for _, def := range registry.Definitions() {
		names[def.Name] = true
		assert.NotEmpty(t, def.Description, def.Name)
	}
	for _, want := range []string{
		"add_memory",
		"find_memories",
		"update_memory",
		"delete_memory",
		"add_world_book_entry",
		"update_world_book_entry",
		"delete_world_book_entry",
		"find_user_portrait",
		"update_user_portrait",
	} {
		assert.True(t, names[want], want)
	}
}
