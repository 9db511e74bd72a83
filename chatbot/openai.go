package chatbot

import (
	"context"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// openaiProvider adapts the OpenAI chat completion API, and by extension
// any OpenAI-compatible endpoint reachable through OpenAIBaseURL.
type openaiProvider struct {
	client         *openai.Client
	model          string
	maxTokens      int
	temperature    float32
	requestLimiter *rate.Limiter
	logger         *slog.Logger
}

func newOpenAIProvider(cfg *LLMConfig, logger *slog.Logger) *openaiProvider {
	if logger == nil {
		logger = slog.Default()
	}
	clientConfig := openai.DefaultConfig(cfg.OpenAIToken)
	if cfg.OpenAIBaseURL != "" {
		clientConfig.BaseURL = cfg.OpenAIBaseURL
	}
	return &openaiProvider{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		maxTokens:   cfg.MaxResponseTokens,
		temperature: cfg.Temperature,
		requestLimiter: rate.NewLimiter(
			rate.Limit(cfg.MaxRequestsPerSecond),
			1,
		),
		logger: logger.With(loggerNameKey, "openai"),
	}
}

func (p *openaiProvider) Name() string {
	return ProviderOpenAI
}

func (p *openaiProvider) CreateChatCompletion(
	ctx context.Context,
	req ChatRequest,
) (ChatResponse, error) {
	if err := p.requestLimiter.Wait(ctx); err != nil {
		return ChatResponse{}, fmt.Errorf("rate limiter: %w", err)
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(
			messages,
			openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: req.SystemPrompt,
			},
		)
	}
	for _, m := range req.Messages {
		messages = append(messages, openaiMessage(m))
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       modelOrDefault(req.Model, p.model),
		Messages:    messages,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	} else if p.maxTokens > 0 {
		chatReq.MaxTokens = p.maxTokens
	}
	for _, t := range req.Tools {
		chatReq.Tools = append(
			chatReq.Tools,
			openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  openaiToolParameters(t),
				},
			},
		)
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return ChatResponse{}, fmt.Errorf("openai chat completion: no choices returned")
	}

	choice := resp.Choices[0].Message
	rv := ChatResponse{
		Content: choice.Content,
		Usage: TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			Reported:     resp.Usage.TotalTokens > 0,
		},
	}
	for _, tc := range choice.ToolCalls {
		rv.ToolCalls = append(
			rv.ToolCalls,
			ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		)
	}
	return rv, nil
}

func openaiMessage(m ChatMessage) openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{Content: m.Content}
	switch m.Role {
	case RoleAssistant:
		msg.Role = openai.ChatMessageRoleAssistant
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(
				msg.ToolCalls,
				openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				},
			)
		}
	case RoleTool:
		msg.Role = openai.ChatMessageRoleTool
		msg.ToolCallID = m.ToolCallID
		msg.Name = m.ToolName
	case RoleSystem:
		msg.Role = openai.ChatMessageRoleSystem
	default:
		msg.Role = openai.ChatMessageRoleUser
	}
	return msg
}

// openaiToolParameters converts a neutral tool definition into the JSON
// schema object the OpenAI API expects.
func openaiToolParameters(t ToolDefinition) map[string]any {
	properties := map[string]any{}
	for name, param := range t.Parameters {
		properties[name] = map[string]any{
			"type":        param.Type,
			"description": param.Description,
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(t.Required) > 0 {
		schema["required"] = t.Required
	}
	return schema
}

func modelOrDefault(model string, fallback string) string {
	if model != "" {
		return model
	}
	return fallback
}
