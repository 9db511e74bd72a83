package chatbot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/time/rate"
)

// anthropicProvider adapts the Anthropic Messages API.
type anthropicProvider struct {
	client         anthropic.Client
	model          string
	maxTokens      int
	temperature    float32
	requestLimiter *rate.Limiter
	logger         *slog.Logger
}

func newAnthropicProvider(cfg *LLMConfig, logger *slog.Logger) *anthropicProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &anthropicProvider{
		client:      anthropic.NewClient(option.WithAPIKey(cfg.AnthropicToken)),
		model:       cfg.Model,
		maxTokens:   cfg.MaxResponseTokens,
		temperature: cfg.Temperature,
		requestLimiter: rate.NewLimiter(
			rate.Limit(cfg.MaxRequestsPerSecond),
			1,
		),
		logger: logger.With(loggerNameKey, "anthropic"),
	}
}

func (p *anthropicProvider) Name() string {
	return ProviderAnthropic
}

func (p *anthropicProvider) CreateChatCompletion(
	ctx context.Context,
	req ChatRequest,
) (ChatResponse, error) {
	if err := p.requestLimiter.Wait(ctx); err != nil {
		return ChatResponse{}, fmt.Errorf("rate limiter: %w", err)
	}

	messages, err := anthropicMessages(req.Messages)
	if err != nil {
		return ChatResponse{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(modelOrDefault(req.Model, p.model)),
		MaxTokens:   int64(maxTokens),
		Messages:    messages,
		Temperature: anthropic.Float(float64(req.Temperature)),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	for _, t := range req.Tools {
		properties := map[string]any{}
		for name, param := range t.Parameters {
			properties[name] = map[string]any{
				"type":        param.Type,
				"description": param.Description,
			}
		}
		params.Tools = append(
			params.Tools,
			anthropic.ToolUnionParam{
				OfTool: &anthropic.ToolParam{
					Name:        t.Name,
					Description: anthropic.String(t.Description),
					InputSchema: anthropic.ToolInputSchemaParam{
						Properties: properties,
						Required:   t.Required,
					},
				},
			},
		)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("anthropic messages: %w", err)
	}

	rv := ChatResponse{
		Usage: TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			Reported:     true,
		},
	}
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			rv.Content += b.Text
		case anthropic.ToolUseBlock:
			rv.ToolCalls = append(
				rv.ToolCalls,
				ToolCall{
					ID:        b.ID,
					Name:      b.Name,
					Arguments: string(b.Input),
				},
			)
		}
	}
	return rv, nil
}

// anthropicMessages reshapes the neutral transcript into the Messages API
// format: assistant tool calls become tool_use blocks, and tool results
// become tool_result blocks on the user side.
func anthropicMessages(messages []ChatMessage) ([]anthropic.MessageParam, error) {
	var rv []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
					return nil, fmt.Errorf(
						"tool call %s arguments: %w",
						tc.Name,
						err,
					)
				}
				blocks = append(
					blocks,
					anthropic.ContentBlockParamUnion{
						OfToolUse: &anthropic.ToolUseBlockParam{
							ID:    tc.ID,
							Name:  tc.Name,
							Input: input,
						},
					},
				)
			}
			if len(blocks) == 0 {
				continue
			}
			rv = append(rv, anthropic.NewAssistantMessage(blocks...))
		case RoleTool:
			rv = append(
				rv,
				anthropic.NewUserMessage(
					anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false),
				),
			)
		default:
			rv = append(rv, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return rv, nil
}
