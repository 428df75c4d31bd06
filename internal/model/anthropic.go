package model

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// MessagesClient captures the subset of the Anthropic SDK used by
// AnthropicProvider, matching *sdk.MessageService so a real client or a
// fake can be passed interchangeably.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicProvider implements Provider on top of the Claude Messages API.
type AnthropicProvider struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int
}

// NewAnthropicProvider builds a Provider from an Anthropic Messages client.
func NewAnthropicProvider(msg MessagesClient, defaultModel string, maxTokens int) (*AnthropicProvider, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicProvider{msg: msg, defaultModel: defaultModel, maxTokens: maxTokens}, nil
}

// NewAnthropicProviderFromAPIKey constructs a provider using the default
// Anthropic HTTP client, reading ANTHROPIC_API_KEY conventions via the SDK.
func NewAnthropicProviderFromAPIKey(apiKey, defaultModel string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicProvider(&client.Messages, defaultModel, 0)
}

func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, errors.New("messages are required")
	}

	modelID := req.Model
	if modelID == "" {
		modelID = p.defaultModel
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = int64(p.maxTokens)
	}

	var system string
	var turns []sdk.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Text
		case RoleUser:
			turns = append(turns, sdk.NewUserMessage(sdk.NewTextBlock(m.Text)))
		case RoleAssistant:
			turns = append(turns, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Text)))
		}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: maxTokens,
		Messages:  turns,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	out, err := p.msg.New(ctx, params)
	if err != nil {
		return Response{}, NewProviderError("anthropic", classifyAnthropicError(err), 0, isAnthropicRetryable(err), err)
	}

	var text strings.Builder
	for _, block := range out.Content {
		if tb, ok := block.AsAny().(sdk.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}

	return Response{
		Text:       text.String(),
		StopReason: string(out.StopReason),
		Usage: TokenUsage{
			InputTokens:  int(out.Usage.InputTokens),
			OutputTokens: int(out.Usage.OutputTokens),
		},
	}, nil
}

func classifyAnthropicError(err error) ErrorKind {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return ErrorKindAuth
		case 429:
			return ErrorKindRateLimited
		case 400, 404, 422:
			return ErrorKindInvalidRequest
		default:
			if apiErr.StatusCode >= 500 {
				return ErrorKindUnavailable
			}
		}
	}
	return ErrorKindUnknown
}

func isAnthropicRetryable(err error) bool {
	switch classifyAnthropicError(err) {
	case ErrorKindRateLimited, ErrorKindUnavailable:
		return true
	default:
		return false
	}
}
