package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cucinellclark/bvbrc-agent-core/internal/memory"
	"github.com/cucinellclark/bvbrc-agent-core/internal/model"
	"github.com/cucinellclark/bvbrc-agent-core/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThresholdsShouldTriggerRequiresBothMinimumAndDelta(t *testing.T) {
	th := Thresholds{MinMessagesForSummary: 6, TriggerEveryN: 6}

	assert.False(t, th.ShouldTrigger(5, 0), "below minimum total")
	assert.False(t, th.ShouldTrigger(10, 8), "delta below trigger_every_n")
	assert.True(t, th.ShouldTrigger(12, 0))
	assert.True(t, th.ShouldTrigger(12, 6))
}

type fakeSessionReader struct {
	messages map[string][]Message
	err      error
}

func (f *fakeSessionReader) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.messages[sessionID], nil
}

type fakeSummaryWriter struct {
	sessionID string
	summary   string
	covered   int
	saved     bool
}

func (f *fakeSummaryWriter) SaveSummary(ctx context.Context, sessionID, summary string, covered int, now time.Time) error {
	f.sessionID, f.summary, f.covered, f.saved = sessionID, summary, covered, true
	return nil
}

type fakeModel struct {
	text string
	err  error
}

func (f *fakeModel) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if f.err != nil {
		return model.Response{}, f.err
	}
	return model.Response{Text: f.text}, nil
}

func TestConversationSummaryHandlerSavesSummaryCoveringAllMessages(t *testing.T) {
	reader := &fakeSessionReader{messages: map[string][]Message{
		"s1": {{Role: "user", Text: "hello"}, {Role: "assistant", Text: "hi"}},
	}}
	writer := &fakeSummaryWriter{}
	h := &ConversationSummaryHandler{Sessions: reader, Summaries: writer, Model: &fakeModel{text: "compact summary"}}

	err := h.Handle(context.Background(), &queue.Job{Payload: SummaryPayload{SessionID: "s1"}})

	require.NoError(t, err)
	assert.True(t, writer.saved)
	assert.Equal(t, "s1", writer.sessionID)
	assert.Equal(t, "compact summary", writer.summary)
	assert.Equal(t, 2, writer.covered)
}

func TestConversationSummaryHandlerSkipsEmptyTranscript(t *testing.T) {
	reader := &fakeSessionReader{messages: map[string][]Message{}}
	writer := &fakeSummaryWriter{}
	h := &ConversationSummaryHandler{Sessions: reader, Summaries: writer, Model: &fakeModel{text: "should not be used"}}

	err := h.Handle(context.Background(), &queue.Job{Payload: SummaryPayload{SessionID: "empty"}})

	require.NoError(t, err)
	assert.False(t, writer.saved)
}

func TestConversationSummaryHandlerRejectsWrongPayloadType(t *testing.T) {
	h := &ConversationSummaryHandler{Sessions: &fakeSessionReader{}, Summaries: &fakeSummaryWriter{}, Model: &fakeModel{}}

	err := h.Handle(context.Background(), &queue.Job{Payload: "not-a-summary-payload"})

	assert.Error(t, err)
}

func TestConversationSummaryHandlerPropagatesModelError(t *testing.T) {
	reader := &fakeSessionReader{messages: map[string][]Message{"s1": {{Role: "user", Text: "x"}}}}
	h := &ConversationSummaryHandler{Sessions: reader, Summaries: &fakeSummaryWriter{}, Model: &fakeModel{err: errors.New("provider down")}}

	err := h.Handle(context.Background(), &queue.Job{Payload: SummaryPayload{SessionID: "s1"}})

	assert.Error(t, err)
}

func TestFactsRefreshHandlerAppliesParsedFactsWithLLMProvenance(t *testing.T) {
	mem := memory.New(memory.NewMemStore())
	h := &FactsRefreshHandler{
		Memory: mem,
		Model:  &fakeModel{text: "```json\n{\"genome_id\": \"83332.12\"}\n```"},
	}

	err := h.Handle(context.Background(), &queue.Job{Payload: FactsPayload{
		SessionID: "s1", UserQuery: "look up this genome", ToolID: "genome_lookup",
		Parameters: map[string]any{"id": "83332.12"},
		Result:     map[string]any{"genome_id": "83332.12"},
	}})

	require.NoError(t, err)
	got, err := mem.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "83332.12", got.Facts["genome_id"])
	assert.Equal(t, "llm", got.FactsMeta["genome_id"].Source)
}

func TestFactsRefreshHandlerReturnsErrorOnUnparsableResponse(t *testing.T) {
	mem := memory.New(memory.NewMemStore())
	h := &FactsRefreshHandler{Memory: mem, Model: &fakeModel{text: "not json at all"}}

	err := h.Handle(context.Background(), &queue.Job{Payload: FactsPayload{SessionID: "s1"}})

	assert.Error(t, err)
}

func TestFactsRefreshHandlerRejectsWrongPayloadType(t *testing.T) {
	mem := memory.New(memory.NewMemStore())
	h := &FactsRefreshHandler{Memory: mem, Model: &fakeModel{}}

	err := h.Handle(context.Background(), &queue.Job{Payload: 42})

	assert.Error(t, err)
}

func TestParseFactsToleratesSurroundingProse(t *testing.T) {
	facts, err := parseFacts("Sure, here are the facts: {\"workflow_id\": \"wf-1\"} -- hope that helps!")

	require.NoError(t, err)
	assert.Equal(t, "wf-1", facts["workflow_id"])
}
