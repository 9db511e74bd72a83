package chatbot

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// testLogger returns a logger tagged with the running test's name.
// Output is discarded unless a test needs to inspect it.
func testLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil)).With(
		"test_name", t.Name(),
	)
}

func setupTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.sqlite3")
	db, err := CreateDB(context.Background(), "sqlite", dbPath)
	if err != nil {
		t.Fatalf("error creating test database: %v", err)
	}
	return db
}

func setupTestStore(t testing.TB) *KnowledgeStore {
	t.Helper()
	return NewKnowledgeStore(setupTestDB(t), testLogger(t))
}

func TestContextLogger(t *testing.T) {
	t.Parallel()

	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	logger := testLogger(t)
	ctx := WithLogger(context.Background(), logger)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hel", truncate("hello", 3))
	assert.Equal(t, "こんに", truncate("こんにちは", 3))
}

func TestSplitMessageShortText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"hello"}, splitMessage("hello", 2000))
	assert.Equal(t, []string{""}, splitMessage("", 2000))
}

func TestSplitMessagePrefersNewline(t *testing.T) {
	t.Parallel()

	text := "first line\nsecond line that pushes past"
	chunks := splitMessage(text, 28)
	require.Len(t, chunks, 2)
	assert.Equal(t, "first line", chunks[0])
	assert.Equal(t, "second line that pushes past", chunks[1])
}

func TestSplitMessageFallsBackToSpace(t *testing.T) {
	t.Parallel()

	text := "one two three four five six seven"
	chunks := splitMessage(text, 12)
	require.GreaterOrEqual(t, len(chunks), 2)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(chunk), 12)
		assert.NotEmpty(t, chunk)
	}
	assert.Equal(t, "one two", chunks[0])
}

func TestSplitMessageHardCut(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("x", 30)
	chunks := splitMessage(text, 10)
	require.Len(t, chunks, 3)
	for _, chunk := range chunks {
		assert.Equal(t, strings.Repeat("x", 10), chunk)
	}
}

func TestSplitMessagePreservesContent(t *testing.T) {
	t.Parallel()

	text := "alpha beta\ngamma delta epsilon zeta\neta theta iota kappa"
	chunks := splitMessage(text, 20)
	var words []string
	for _, chunk := range chunks {
		words = append(words, strings.Fields(chunk)...)
	}
	assert.Equal(t, strings.Fields(text), words)
}

func TestHashAndVerifyPassword(t *testing.T) {
	t.Parallel()

	hashed, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hashed, "$argon2id$v=19$"))

	ok, err := verifyPassword(hashed, "correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = verifyPassword(hashed, "wrong password")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashPasswordSalted(t *testing.T) {
	t.Parallel()

	first, err := HashPassword("same password")
	require.NoError(t, err)
	second, err := HashPassword("same password")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestVerifyPasswordMalformedHash(t *testing.T) {
	t.Parallel()

	_, err := verifyPassword("not a real hash", "anything")
	require.Error(t, err)
}

func TestDerive64ByteKey(t *testing.T) {
	t.Parallel()

	key := derive64ByteKey("secret")
	assert.Len(t, key, 64)
	assert.Equal(t, key, derive64ByteKey("secret"))
	assert.NotEqual(t, key, derive64ByteKey("other"))
}

func TestStructToSlogValueRedaction(t *testing.T) {
	t.Parallel()

	type sample struct {
		Name  string `json:"name"`
		Token string `json:"token" log:"[redacted]"`
		Empty string `json:"empty"`
	}

	v := structToSlogValue(sample{Name: "bot", Token: "tok_123"})
	require.Equal(t, slog.KindGroup, v.Kind())

	attrs := map[string]string{}
	for _, attr := range v.Group() {
		attrs[attr.Key] = attr.Value.String()
	}
	assert.Equal(t, "bot", attrs["name"])
	assert.Equal(t, "[redacted]", attrs["token"])
	_, present := attrs["empty"]
	assert.False(t, present)
}
