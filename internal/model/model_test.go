package model_test

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	oai "github.com/openai/openai-go"
	oaiopt "github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cucinellclark/bvbrc-agent-core/internal/model"
)

type fakeAnthropicClient struct {
	resp *sdk.Message
	err  error
}

func (f *fakeAnthropicClient) New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	return f.resp, f.err
}

func TestAnthropicProviderCompleteReturnsConcatenatedText(t *testing.T) {
	t.Parallel()
	fake := &fakeAnthropicClient{resp: &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "planner says hi"}},
		StopReason: "end_turn",
		Usage:      sdk.Usage{InputTokens: 10, OutputTokens: 5},
	}}
	p, err := model.NewAnthropicProvider(fake, "claude-sonnet", 1024)
	require.NoError(t, err)

	resp, err := p.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Text: "plan this"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "planner says hi", resp.Text)
	assert.Equal(t, 10, resp.Usage.InputTokens)
}

func TestAnthropicProviderRequiresMessages(t *testing.T) {
	t.Parallel()
	p, err := model.NewAnthropicProvider(&fakeAnthropicClient{}, "claude-sonnet", 0)
	require.NoError(t, err)
	_, err = p.Complete(context.Background(), model.Request{})
	assert.Error(t, err)
}

type fakeOpenAIClient struct {
	resp *oai.ChatCompletion
	err  error
}

func (f *fakeOpenAIClient) New(ctx context.Context, body oai.ChatCompletionNewParams, opts ...oaiopt.RequestOption) (*oai.ChatCompletion, error) {
	return f.resp, f.err
}

func TestOpenAIProviderCompleteReturnsFirstChoice(t *testing.T) {
	t.Parallel()
	fake := &fakeOpenAIClient{resp: &oai.ChatCompletion{
		Choices: []oai.ChatCompletionChoice{{
			Message:      oai.ChatCompletionMessage{Content: "final answer"},
			FinishReason: "stop",
		}},
		Usage: oai.CompletionUsage{PromptTokens: 20, CompletionTokens: 8},
	}}
	p, err := model.NewOpenAIProvider(fake, "gpt-4o")
	require.NoError(t, err)

	resp, err := p.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Text: "answer"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "final answer", resp.Text)
	assert.Equal(t, 8, resp.Usage.OutputTokens)
}

func TestOpenAIProviderErrorsOnEmptyChoices(t *testing.T) {
	t.Parallel()
	fake := &fakeOpenAIClient{resp: &oai.ChatCompletion{}}
	p, err := model.NewOpenAIProvider(fake, "gpt-4o")
	require.NoError(t, err)
	_, err = p.Complete(context.Background(), model.Request{Messages: []model.Message{{Role: model.RoleUser, Text: "x"}}})
	require.Error(t, err)
}

func TestProviderErrorUnwrapsCause(t *testing.T) {
	t.Parallel()
	cause := errors.New("boom")
	perr := model.NewProviderError("anthropic", model.ErrorKindUnavailable, 503, true, cause)
	assert.ErrorIs(t, perr, cause)

	var pe *model.ProviderError
	ok := errors.As(perr, &pe)
	require.True(t, ok)
	assert.True(t, pe.Retryable)

	got, ok := model.AsProviderError(perr)
	require.True(t, ok)
	assert.Equal(t, model.ErrorKindUnavailable, got.Kind)
}
