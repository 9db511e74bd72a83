package chatbot

import (
	"context"
	"fmt"
	"log/slog"
)

// Chat message roles, shared across provider adapters. Each adapter maps
// these onto its SDK's own role vocabulary.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is one turn of a provider-neutral conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that request tool execution
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName are set on tool-result messages, echoing
	// the call they answer
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}

// ToolCall is a model-issued request to run one registered tool.
// Arguments is the raw JSON argument object as the model produced it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolParameter describes one named argument of a tool, in a neutral
// schema each adapter converts to its SDK's format.
type ToolParameter struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// ToolDefinition declares a tool the model may call.
type ToolDefinition struct {
	Name        string                   `json:"name"`
	Description string                   `json:"description"`
	Parameters  map[string]ToolParameter `json:"parameters"`
	Required    []string                 `json:"required"`
}

// TokenUsage reports the token counts of one provider round trip.
// Reported is false when the provider returned no usage data and the
// counts are local estimates.
type TokenUsage struct {
	InputTokens  int  `json:"input_tokens"`
	OutputTokens int  `json:"output_tokens"`
	Reported     bool `json:"reported"`
}

// ChatRequest is one provider round trip: the full conversation so far
// plus the tools the model may call.
type ChatRequest struct {
	SystemPrompt string
	Messages     []ChatMessage
	Tools        []ToolDefinition
	Model        string
	MaxTokens    int
	Temperature  float32
}

// ChatResponse is the model's reply. A response with ToolCalls set means
// the caller must execute them and make another round trip; Content may
// still carry partial text alongside.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     TokenUsage
}

// Provider is a chat completion backend. Implementations are safe for
// concurrent use and apply their own outgoing rate limit.
type Provider interface {
	// Name returns the provider identifier (openai, google, anthropic)
	Name() string

	// CreateChatCompletion performs one round trip. The request's
	// Messages must alternate per the provider's rules; adapters handle
	// provider-specific transcript reshaping internally.
	CreateChatCompletion(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// NewProvider constructs the adapter selected by cfg.Provider.
func NewProvider(cfg *LLMConfig, logger *slog.Logger) (Provider, error) {
	switch cfg.Provider {
	case ProviderOpenAI:
		if cfg.OpenAIToken == "" {
			return nil, fmt.Errorf("provider %q selected but openai_token not set", cfg.Provider)
		}
		return newOpenAIProvider(cfg, logger), nil
	case ProviderGoogle:
		if cfg.GeminiToken == "" {
			return nil, fmt.Errorf("provider %q selected but gemini_token not set", cfg.Provider)
		}
		return newGeminiProvider(cfg, logger)
	case ProviderAnthropic:
		if cfg.AnthropicToken == "" {
			return nil, fmt.Errorf("provider %q selected but anthropic_token not set", cfg.Provider)
		}
		return newAnthropicProvider(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", cfg.Provider)
	}
}
