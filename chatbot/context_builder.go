package chatbot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// channelHistory is the slice of the discordgo session the context
// builder needs. *discordgo.Session satisfies it.
type channelHistory interface {
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)
}

// ContextBuilder assembles the provider request for one user message:
// recent channel history, the knowledge sections of the system prompt,
// and the user's request block.
type ContextBuilder struct {
	store     *KnowledgeStore
	estimator *TokenEstimator
	cfg       *KnowledgeConfig
	llm       *LLMConfig
	logger    *slog.Logger
}

func NewContextBuilder(
	store *KnowledgeStore,
	estimator *TokenEstimator,
	cfg *KnowledgeConfig,
	llm *LLMConfig,
	logger *slog.Logger,
) *ContextBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextBuilder{
		store:     store,
		estimator: estimator,
		cfg:       cfg,
		llm:       llm,
		logger:    logger.With(loggerNameKey, "context"),
	}
}

// BuildRequest produces the provider round trip for a user message, and
// the estimated input token count used for quota accounting.
func (b *ContextBuilder) BuildRequest(
	ctx context.Context,
	history channelHistory,
	persona UserPersona,
	channelID string,
	botUserID string,
	content string,
) (ChatRequest, int, error) {
	memories, err := b.store.ListMemories(ctx)
	if err != nil {
		return ChatRequest{}, 0, err
	}

	worldEntries, err := b.store.FindEntriesByKeyword(ctx, content)
	if err != nil {
		return ChatRequest{}, 0, err
	}
	linked, err := b.store.FindEntriesForUser(ctx, persona.UserID)
	if err != nil {
		return ChatRequest{}, 0, err
	}

	var portrait *Portrait
	seen := map[uint]bool{}
	for _, entry := range worldEntries {
		seen[entry.ID] = true
	}
	for _, entry := range linked {
		if p, ok := ParsePortrait(entry.Content); ok {
			if portrait == nil {
				portrait = &p
			}
			continue
		}
		if !seen[entry.ID] {
			worldEntries = append(worldEntries, entry)
			seen[entry.ID] = true
		}
	}

	messages, err := b.historyMessages(ctx, history, channelID, botUserID)
	if err != nil {
		return ChatRequest{}, 0, err
	}
	messages = append(
		messages,
		ChatMessage{
			Role:    RoleUser,
			Content: fmt.Sprintf("%s says: %s", persona.Identity(), content),
		},
	)

	req := ChatRequest{
		SystemPrompt: buildSystemPrompt(
			b.llm.SystemPrompt,
			b.cfg.SecurityPreamble,
			persona,
			portrait,
			worldEntries,
			memories,
		),
		Messages:    messages,
		Model:       b.llm.Model,
		MaxTokens:   b.llm.MaxResponseTokens,
		Temperature: b.llm.Temperature,
	}

	estimated := b.estimator.Estimate(req.SystemPrompt, b.llm.Provider, b.llm.Model)
	for _, m := range req.Messages {
		estimated += b.estimator.Estimate(m.Content, b.llm.Provider, b.llm.Model)
	}
	return req, estimated, nil
}

// historyMessages fetches the channel's recent messages and reshapes them
// into the transcript, oldest first. The triggering message itself is
// excluded, it arrives as the final request block instead.
func (b *ContextBuilder) historyMessages(
	ctx context.Context,
	history channelHistory,
	channelID string,
	botUserID string,
) ([]ChatMessage, error) {
	if b.cfg.HistoryLimit <= 0 {
		return nil, nil
	}

	// Skip the most recent message, which is the one being answered
	recent, err := history.ChannelMessages(
		channelID,
		b.cfg.HistoryLimit+1,
		"",
		"",
		"",
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("fetching channel history: %w", err)
	}
	if len(recent) > 0 {
		recent = recent[1:]
	}

	// ChannelMessages returns newest first
	var messages []ChatMessage
	for i := len(recent) - 1; i >= 0; i-- {
		m := recent[i]
		if m.Author == nil || m.Content == "" {
			continue
		}
		if m.Author.ID == botUserID {
			messages = append(
				messages,
				ChatMessage{Role: RoleAssistant, Content: m.Content},
			)
			continue
		}
		messages = append(
			messages,
			ChatMessage{
				Role: RoleUser,
				Content: fmt.Sprintf(
					"%s (ID: %s) says: %s",
					authorDisplayName(m),
					m.Author.ID,
					m.Content,
				),
			},
		)
	}
	return messages, nil
}

func authorDisplayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
