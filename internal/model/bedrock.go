package model

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client used by
// BedrockProvider, matching *bedrockruntime.Client so a real client or a
// fake can be passed interchangeably.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockProvider implements Provider on top of the AWS Bedrock Converse API.
type BedrockProvider struct {
	runtime      RuntimeClient
	defaultModel string
}

// NewBedrockProvider builds a Provider from a Bedrock runtime client.
func NewBedrockProvider(runtime RuntimeClient, defaultModel string) (*BedrockProvider, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &BedrockProvider{runtime: runtime, defaultModel: defaultModel}, nil
}

func (p *BedrockProvider) Complete(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, errors.New("messages are required")
	}

	modelID := req.Model
	if modelID == "" {
		modelID = p.defaultModel
	}

	var system []brtypes.SystemContentBlock
	var turns []brtypes.Message
	for _, m := range req.Messages {
		block := brtypes.ContentBlockMemberText{Value: m.Text}
		switch m.Role {
		case RoleSystem:
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Text})
		case RoleUser:
			turns = append(turns, brtypes.Message{Role: brtypes.ConversationRoleUser, Content: []brtypes.ContentBlock{&block}})
		case RoleAssistant:
			turns = append(turns, brtypes.Message{Role: brtypes.ConversationRoleAssistant, Content: []brtypes.ContentBlock{&block}})
		}
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: turns,
		System:   system,
	}
	if req.MaxTokens > 0 || req.Temperature > 0 {
		cfg := &brtypes.InferenceConfiguration{}
		if req.MaxTokens > 0 {
			cfg.MaxTokens = aws.Int32(int32(req.MaxTokens))
		}
		if req.Temperature > 0 {
			cfg.Temperature = aws.Float32(float32(req.Temperature))
		}
		input.InferenceConfig = cfg
	}

	out, err := p.runtime.Converse(ctx, input)
	if err != nil {
		return Response{}, NewProviderError("bedrock", classifyBedrockError(err), 0, isBedrockRetryable(err), err)
	}

	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return Response{}, NewProviderError("bedrock", ErrorKindUnknown, 0, false, errors.New("converse response had no message output"))
	}

	var text string
	for _, block := range msg.Value.Content {
		if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
			text += tb.Value
		}
	}

	usage := TokenUsage{}
	if out.Usage != nil {
		usage.InputTokens = int(aws.ToInt32(out.Usage.InputTokens))
		usage.OutputTokens = int(aws.ToInt32(out.Usage.OutputTokens))
	}

	return Response{Text: text, StopReason: string(out.StopReason), Usage: usage}, nil
}

func classifyBedrockError(err error) ErrorKind {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "UnrecognizedClientException":
			return ErrorKindAuth
		case "ThrottlingException":
			return ErrorKindRateLimited
		case "ValidationException", "ModelNotReadyException":
			return ErrorKindInvalidRequest
		case "ServiceUnavailableException", "InternalServerException":
			return ErrorKindUnavailable
		}
	}
	return ErrorKindUnknown
}

func isBedrockRetryable(err error) bool {
	switch classifyBedrockError(err) {
	case ErrorKindRateLimited, ErrorKindUnavailable:
		return true
	default:
		return false
	}
}
