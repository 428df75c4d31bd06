package model

import (
	"context"
	"errors"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ChatClient captures the subset of the OpenAI SDK used by OpenAIProvider,
// matching *sdk.ChatCompletionService so a real client or a fake can be
// passed interchangeably.
type ChatClient interface {
	New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
}

// OpenAIProvider implements Provider on top of OpenAI's Chat Completions API.
type OpenAIProvider struct {
	chat         ChatClient
	defaultModel string
}

// NewOpenAIProvider builds a Provider from an OpenAI chat completions client.
func NewOpenAIProvider(chat ChatClient, defaultModel string) (*OpenAIProvider, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &OpenAIProvider{chat: chat, defaultModel: defaultModel}, nil
}

// NewOpenAIProviderFromAPIKey constructs a provider using the default OpenAI
// HTTP client, reading OPENAI_API_KEY conventions via the SDK.
func NewOpenAIProviderFromAPIKey(apiKey, defaultModel string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewOpenAIProvider(&client.Chat.Completions, defaultModel)
}

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, errors.New("messages are required")
	}

	modelID := req.Model
	if modelID == "" {
		modelID = p.defaultModel
	}

	var turns []sdk.ChatCompletionMessageParamUnion
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			turns = append(turns, sdk.SystemMessage(m.Text))
		case RoleUser:
			turns = append(turns, sdk.UserMessage(m.Text))
		case RoleAssistant:
			turns = append(turns, sdk.AssistantMessage(m.Text))
		}
	}

	params := sdk.ChatCompletionNewParams{
		Model:    modelID,
		Messages: turns,
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(req.MaxTokens))
	}

	out, err := p.chat.New(ctx, params)
	if err != nil {
		return Response{}, NewProviderError("openai", classifyOpenAIError(err), 0, isOpenAIRetryable(err), err)
	}
	if len(out.Choices) == 0 {
		return Response{}, NewProviderError("openai", ErrorKindUnknown, 0, false, errors.New("no choices returned"))
	}

	return Response{
		Text:       out.Choices[0].Message.Content,
		StopReason: string(out.Choices[0].FinishReason),
		Usage: TokenUsage{
			InputTokens:  int(out.Usage.PromptTokens),
			OutputTokens: int(out.Usage.CompletionTokens),
		},
	}, nil
}

func classifyOpenAIError(err error) ErrorKind {
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

func isOpenAIRetryable(err error) bool {
	switch classifyOpenAIError(err) {
	case ErrorKindRateLimited, ErrorKindUnavailable:
		return true
	default:
		return false
	}
}
