package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentSplit(t *testing.T) {
	server, name, ok := New("bvbrc-mcp-data", "query_data").Split()
	assert.True(t, ok)
	assert.Equal(t, "bvbrc-mcp-data", server)
	assert.Equal(t, "query_data", name)

	_, name, ok = Ident("query_data").Split()
	assert.False(t, ok)
	assert.Equal(t, "query_data", name)
}

func TestDescriptorDeclaresParam(t *testing.T) {
	d := &Descriptor{InputSchema: []byte(`{"properties":{"session_id":{"type":"string"},"query":{"type":"string"}}}`)}
	assert.True(t, d.DeclaresParam("session_id"))
	assert.True(t, d.DeclaresParam("query"))
	assert.False(t, d.DeclaresParam("cancel_token"))
}

func TestDescriptorDeclaresParamHandlesNilAndMalformed(t *testing.T) {
	var nilDesc *Descriptor
	assert.False(t, nilDesc.DeclaresParam("session_id"))

	empty := &Descriptor{}
	assert.False(t, empty.DeclaresParam("session_id"))

	malformed := &Descriptor{InputSchema: []byte(`not json`)}
	assert.False(t, malformed.DeclaresParam("session_id"))
}

func TestPredicateSetMatchesFullyQualifiedAndBareNames(t *testing.T) {
	ps := NewPredicateSet("bvbrc-mcp-data.query_data", "rag_search")

	assert.True(t, ps.Has(New("bvbrc-mcp-data", "query_data")))
	assert.True(t, ps.Has(Ident("query_data")), "bare tool name should match a configured fully-qualified entry")
	assert.True(t, ps.Has(New("bvbrc-workspace", "rag_search")), "configured bare entry should match any server")
	assert.False(t, ps.Has(New("bvbrc-mcp-data", "other_tool")))
}

func TestPredicateSetIgnoresEmptyEntries(t *testing.T) {
	ps := NewPredicateSet("", "tool_a")
	assert.True(t, ps.Has(Ident("tool_a")))
	assert.False(t, ps.Has(Ident("")))
}
