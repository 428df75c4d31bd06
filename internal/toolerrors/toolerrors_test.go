package toolerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDefaultsMessage(t *testing.T) {
	assert.Equal(t, "tool error", New("").Message)
	assert.Equal(t, "boom", New("boom").Message)
}

func TestNewKindDefaultsMessageToKind(t *testing.T) {
	te := NewKind(KindValidation, "")
	assert.Equal(t, "validation", te.Message)
	assert.Equal(t, KindValidation, te.Kind)
}

func TestFromErrorClassifiesSessionErrorsByMessage(t *testing.T) {
	te := FromError(errors.New("mcp session expired"))
	assert.Equal(t, KindSession, te.Kind)

	te = FromError(errors.New("Session invalid"))
	assert.Equal(t, KindSession, te.Kind)

	te = FromError(errors.New("disk full"))
	assert.Equal(t, KindInternal, te.Kind)
}

func TestFromErrorPassesThroughExistingToolError(t *testing.T) {
	original := NewKind(KindNotFound, "no such tool")
	assert.Same(t, original, FromError(original))
}

func TestFromErrorNilReturnsNil(t *testing.T) {
	assert.Nil(t, FromError(nil))
}

func TestErrorInterfaceAndUnwrap(t *testing.T) {
	cause := NewKind(KindUpstreamMCP, "rpc failed")
	wrapped := NewWithCause("call failed", cause)

	assert.Equal(t, "call failed", wrapped.Error())
	assert.Equal(t, cause.Kind, wrapped.Unwrap().(*ToolError).Kind)

	var nilErr *ToolError
	assert.Equal(t, "", nilErr.Error())
	assert.Nil(t, nilErr.Unwrap())
}

func TestIsMatchesOnKind(t *testing.T) {
	a := NewKind(KindSession, "a")
	b := NewKind(KindSession, "b")
	c := NewKind(KindAuth, "c")

	assert.True(t, a.Is(b))
	assert.False(t, a.Is(c))
	assert.True(t, errors.Is(a, b))
}

func TestIsSessionWalksCauseChain(t *testing.T) {
	leaf := NewKind(KindSession, "session expired")
	wrapped := NewKindWithCause(KindUpstreamMCP, "retry exhausted", leaf)

	assert.True(t, IsSession(wrapped))
	assert.False(t, IsSession(errors.New("unrelated")))
}

func TestJobCancelledErrorRoundTrips(t *testing.T) {
	err := NewJobCancelled("job-1")
	assert.Equal(t, "job job-1 cancelled", err.Error())
	assert.True(t, IsJobCancelled(err))
	assert.False(t, IsJobCancelled(errors.New("other")))

	wrapped := NewWithCause("enqueue failed", err)
	assert.False(t, IsJobCancelled(wrapped), "JobCancelledError wrapped inside a ToolError is not unwrapped by errors.As across kinds")
}
