package chatbot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// geminiProvider adapts the Google Gemini API. Gemini does not assign IDs
// to function calls, so the adapter synthesizes positional ones and maps
// results back by tool name.
type geminiProvider struct {
	client         *genai.Client
	model          string
	maxTokens      int
	temperature    float32
	requestLimiter *rate.Limiter
	logger         *slog.Logger
}

func newGeminiProvider(cfg *LLMConfig, logger *slog.Logger) (*geminiProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(
		context.Background(),
		&genai.ClientConfig{APIKey: cfg.GeminiToken},
	)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &geminiProvider{
		client:      client,
		model:       cfg.Model,
		maxTokens:   cfg.MaxResponseTokens,
		temperature: cfg.Temperature,
		requestLimiter: rate.NewLimiter(
			rate.Limit(cfg.MaxRequestsPerSecond),
			1,
		),
		logger: logger.With(loggerNameKey, "gemini"),
	}, nil
}

func (p *geminiProvider) Name() string {
	return ProviderGoogle
}

func (p *geminiProvider) CreateChatCompletion(
	ctx context.Context,
	req ChatRequest,
) (ChatResponse, error) {
	if err := p.requestLimiter.Wait(ctx); err != nil {
		return ChatResponse{}, fmt.Errorf("rate limiter: %w", err)
	}

	contents, err := geminiContents(req.Messages)
	if err != nil {
		return ChatResponse{}, err
	}

	genConfig := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		genConfig.SystemInstruction = genai.NewContentFromText(
			req.SystemPrompt,
			genai.RoleUser,
		)
	}
	temperature := req.Temperature
	genConfig.Temperature = &temperature
	if req.MaxTokens > 0 {
		genConfig.MaxOutputTokens = int32(req.MaxTokens)
	} else if p.maxTokens > 0 {
		genConfig.MaxOutputTokens = int32(p.maxTokens)
	}
	if len(req.Tools) > 0 {
		genConfig.Tools = []*genai.Tool{
			{FunctionDeclarations: geminiFunctionDeclarations(req.Tools)},
		}
	}

	resp, err := p.client.Models.GenerateContent(
		ctx,
		modelOrDefault(req.Model, p.model),
		contents,
		genConfig,
	)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("gemini generate content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ChatResponse{}, fmt.Errorf("gemini generate content: no candidates returned")
	}

	rv := ChatResponse{}
	for i, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			rv.Content += part.Text
		}
		if part.FunctionCall != nil {
			args, jsonErr := json.Marshal(part.FunctionCall.Args)
			if jsonErr != nil {
				return ChatResponse{}, fmt.Errorf(
					"gemini function call arguments: %w",
					jsonErr,
				)
			}
			rv.ToolCalls = append(
				rv.ToolCalls,
				ToolCall{
					ID:        fmt.Sprintf("call_%d", i),
					Name:      part.FunctionCall.Name,
					Arguments: string(args),
				},
			)
		}
	}
	if resp.UsageMetadata != nil {
		rv.Usage = TokenUsage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			Reported:     true,
		}
	}
	return rv, nil
}

// geminiContents reshapes the neutral transcript into Gemini's
// user/model alternation, with tool results encoded as function
// response parts on the user side.
func geminiContents(messages []ChatMessage) ([]*genai.Content, error) {
	var contents []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
					return nil, fmt.Errorf(
						"tool call %s arguments: %w",
						tc.Name,
						err,
					)
				}
				parts = append(parts, genai.NewPartFromFunctionCall(tc.Name, args))
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(
				contents,
				genai.NewContentFromParts(parts, genai.RoleModel),
			)
		case RoleTool:
			contents = append(
				contents,
				genai.NewContentFromParts(
					[]*genai.Part{
						genai.NewPartFromFunctionResponse(
							m.ToolName,
							map[string]any{"result": m.Content},
						),
					},
					genai.RoleUser,
				),
			)
		default:
			contents = append(
				contents,
				genai.NewContentFromText(m.Content, genai.RoleUser),
			)
		}
	}
	return contents, nil
}

func geminiFunctionDeclarations(tools []ToolDefinition) []*genai.FunctionDeclaration {
	var decls []*genai.FunctionDeclaration
	for _, t := range tools {
		properties := map[string]*genai.Schema{}
		for name, param := range t.Parameters {
			properties[name] = &genai.Schema{
				Type:        geminiSchemaType(param.Type),
				Description: param.Description,
			}
		}
		decls = append(
			decls,
			&genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters: &genai.Schema{
					Type:       genai.TypeObject,
					Properties: properties,
					Required:   t.Required,
				},
			},
		)
	}
	return decls
}

func geminiSchemaType(jsonType string) genai.Type {
	switch jsonType {
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}
