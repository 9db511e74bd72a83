package chatbot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockProvider returns scripted responses in order, repeating the last
// one once the script runs out.
type mockProvider struct {
	responses []ChatResponse
	requests  []ChatRequest
	err       error
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) CreateChatCompletion(
	_ context.Context,
	req ChatRequest,
) (ChatResponse, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return ChatResponse{}, m.err
	}
	if len(m.responses) == 0 {
		return ChatResponse{Content: "fallback"}, nil
	}
	resp := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return resp, nil
}

func newTestChatBot(t testing.TB, provider Provider) *ChatBot {
	t.Helper()

	cfg := DefaultConfig()
	db := setupTestDB(t)
	logger := testLogger(t)

	b := &ChatBot{
		config:    cfg,
		db:        db,
		logger:    logger,
		estimator: &TokenEstimator{},
		provider:  provider,
		inFlight:  map[string]bool{},
	}
	b.knowledge = NewKnowledgeStore(db, logger)
	b.quota = NewQuotaLedger(logger)
	b.usage = NewUsageRecorder(db, logger)
	b.tools = NewToolRegistry(
		b.knowledge,
		cfg.Knowledge.MemoryDedupThreshold,
		cfg.Knowledge.WorldBookDedupThreshold,
		logger,
	)
	b.contextBuilder = NewContextBuilder(
		b.knowledge,
		b.estimator,
		cfg.Knowledge,
		cfg.LLM,
		logger,
	)
	return b
}

func TestRunToolLoopTextAnswer(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{responses: []ChatResponse{
		{Content: "hello!", Usage: TokenUsage{InputTokens: 10, OutputTokens: 5, Reported: true}},
	}}
	b := newTestChatBot(t, provider)

	resp, usage, err := b.runToolLoop(
		context.Background(),
		ChatRequest{Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}}},
		ToolContext{UserID: "u1", UserName: "Rin", Source: "discord"},
	)
	require.NoError(t, err)
	assert.Equal(t, "hello!", resp.Content)
	assert.Equal(t, 10, usage.InputTokens)
	assert.Equal(t, 5, usage.OutputTokens)
	assert.True(t, usage.Reported)

	// Tools were advertised on the first round
	require.Len(t, provider.requests, 1)
	assert.NotEmpty(t, provider.requests[0].Tools)
}

func TestRunToolLoopExecutesTools(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{responses: []ChatResponse{
		{
			ToolCalls: []ToolCall{{
				ID:        "call_1",
				Name:      "add_memory",
				Arguments: `{"content": "the user likes coffee"}`,
			}},
			Usage: TokenUsage{InputTokens: 10, OutputTokens: 4, Reported: true},
		},
		{
			Content: "noted!",
			Usage:   TokenUsage{InputTokens: 20, OutputTokens: 3, Reported: true},
		},
	}}
	b := newTestChatBot(t, provider)

	resp, usage, err := b.runToolLoop(
		context.Background(),
		ChatRequest{Messages: []ChatMessage{{Role: RoleUser, Content: "remember I like coffee"}}},
		ToolContext{UserID: "u1", UserName: "Rin", Source: "discord"},
	)
	require.NoError(t, err)
	assert.Equal(t, "noted!", resp.Content)

	// Usage accumulates across rounds
	assert.Equal(t, 30, usage.InputTokens)
	assert.Equal(t, 7, usage.OutputTokens)

	// The memory landed in the store
	notes, err := b.knowledge.ListMemories(context.Background())
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Content, "the user likes coffee")

	// The second round carried the assistant's tool call and its result
	require.Len(t, provider.requests, 2)
	second := provider.requests[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, RoleAssistant, second[1].Role)
	require.Len(t, second[1].ToolCalls, 1)
	assert.Equal(t, RoleTool, second[2].Role)
	assert.Equal(t, "call_1", second[2].ToolCallID)
	assert.Contains(t, second[2].Content, ToolStatusSuccess)
}

func TestRunToolLoopWithholdsToolsAfterMaxRounds(t *testing.T) {
	t.Parallel()

	// The model keeps asking for tools forever; the loop must cut it off
	toolResp := ChatResponse{
		ToolCalls: []ToolCall{{
			ID:        "call_1",
			Name:      "delete_memory",
			Arguments: `{"id": 12345}`,
		}},
	}
	provider := &mockProvider{responses: []ChatResponse{
		toolResp, toolResp, toolResp,
		{Content: "fine, here's a text answer"},
	}}
	b := newTestChatBot(t, provider)
	b.config.LLM.MaxToolRounds = 3

	resp, _, err := b.runToolLoop(
		context.Background(),
		ChatRequest{Messages: []ChatMessage{{Role: RoleUser, Content: "loop forever"}}},
		ToolContext{UserID: "u1"},
	)
	require.NoError(t, err)
	assert.Equal(t, "fine, here's a text answer", resp.Content)

	require.Len(t, provider.requests, 4)
	for i := 0; i < 3; i++ {
		assert.NotEmpty(t, provider.requests[i].Tools, "round %d", i)
	}
	assert.Empty(t, provider.requests[3].Tools)
}

func TestRespondQuotaExceeded(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{}
	b := newTestChatBot(t, provider)

	reply, err := b.respond(context.Background(), IncomingMessage{
		UserID:   "u1",
		UserName: "Rin",
		Content:  "hello",
		Persona: UserPersona{
			UserID:   "u1",
			UserName: "Rin",
			Quota: RoleQuotaPolicy{
				EnableMessageLimit:    true,
				MessageLimit:          0,
				MessageRefreshMinutes: 60,
			},
		},
		History:   &stubChannelHistory{},
		BotUserID: "bot1",
	})

	// A quota rejection is a reply, not an error
	require.NoError(t, err)
	assert.Contains(t, reply, "quota")
	assert.Empty(t, provider.requests)
}

func TestRespondCommitsUsage(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{responses: []ChatResponse{
		{Content: "hi Rin!", Usage: TokenUsage{InputTokens: 40, OutputTokens: 9, Reported: true}},
	}}
	b := newTestChatBot(t, provider)

	reply, err := b.respond(context.Background(), IncomingMessage{
		UserID:    "u1",
		UserName:  "Rin",
		Content:   "hello",
		Persona:   UserPersona{UserID: "u1", UserName: "Rin"},
		History:   &stubChannelHistory{},
		BotUserID: "bot1",
	})
	require.NoError(t, err)
	assert.Equal(t, "hi Rin!", reply)

	usage := b.quota.GetOrInit("u1")
	assert.Equal(t, 1, usage.MessageCount)
	assert.Equal(t, 49, usage.TotalTokens)
}

func TestRespondEstimatesWhenUsageUnreported(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{responses: []ChatResponse{
		{Content: "four byte reply text"},
	}}
	b := newTestChatBot(t, provider)

	_, err := b.respond(context.Background(), IncomingMessage{
		UserID:    "u1",
		UserName:  "Rin",
		Content:   "hello",
		Persona:   UserPersona{UserID: "u1", UserName: "Rin"},
		History:   &stubChannelHistory{},
		BotUserID: "bot1",
	})
	require.NoError(t, err)

	// Estimated input plus estimated output, never zero
	usage := b.quota.GetOrInit("u1")
	assert.Equal(t, 1, usage.MessageCount)
	assert.Greater(t, usage.TotalTokens, 0)
}

func TestTryAcquireUser(t *testing.T) {
	t.Parallel()

	b := &ChatBot{inFlight: map[string]bool{}}
	require.True(t, b.tryAcquireUser("u1"))
	assert.False(t, b.tryAcquireUser("u1"))
	assert.True(t, b.tryAcquireUser("u2"))

	b.releaseUser("u1")
	assert.True(t, b.tryAcquireUser("u1"))
}
