// Package tools defines the shared tool identity and descriptor types used
// by the registry, executor, and orchestrator (spec §3 ToolDescriptor, §4.1).
package tools

import (
	"encoding/json"
	"strings"
)

// Ident is a fully qualified tool identifier, "server_key.tool_name".
type Ident string

// String returns the identifier as plain text.
func (i Ident) String() string { return string(i) }

// Split separates the identifier into its server key and tool name. Returns
// ok=false when the identifier has no "." separator (unqualified name).
func (i Ident) Split() (serverKey, toolName string, ok bool) {
	s := string(i)
	idx := strings.Index(s, ".")
	if idx < 0 {
		return "", s, false
	}
	return s[:idx], s[idx+1:], true
}

// New joins a server key and tool name into a fully qualified Ident.
func New(serverKey, toolName string) Ident {
	return Ident(serverKey + "." + toolName)
}

// Annotations captures MCP tool annotations relevant to execution policy
// (spec §3 ToolDescriptor.annotations, §4.4 streaming_hint).
type Annotations struct {
	StreamingHint bool `json:"streaming_hint,omitempty"`
	ReadOnlyHint  bool `json:"read_only_hint,omitempty"`
	Replayable    bool `json:"replayable,omitempty"`
}

// Descriptor is the immutable tool metadata cached by the registry after
// discovery (spec §3 ToolDescriptor).
type Descriptor struct {
	ID          Ident           `json:"id"`
	ServerKey   string          `json:"server_key"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
	Annotations Annotations     `json:"annotations"`

	// AutoProvidedParams lists parameter names the system injects rather than
	// the planner (e.g. "session_id"). Used to annotate prompt text and to
	// decide injection/stripping during parameter overrides (spec §4.1, §4.4).
	AutoProvidedParams []string `json:"-"`
}

// DeclaresParam reports whether the tool's input schema declares the named
// top-level parameter (used to decide whether to inject session_id or
// cancel_token, spec §4.4 step 2).
func (d *Descriptor) DeclaresParam(name string) bool {
	if d == nil || len(d.InputSchema) == 0 {
		return false
	}
	var schema struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(d.InputSchema, &schema); err != nil {
		return false
	}
	_, ok := schema.Properties[name]
	return ok
}

// PredicateSet is a configured set of tool identifiers checked by membership,
// used throughout the spec to avoid deep inheritance / type hierarchies
// (spec §9 "capabilities ... are configured sets checked by predicate
// functions"). Matching is by exact Ident or bare tool name (so a set entry
// "bvbrc_search_data" matches any server's "bvbrc_search_data").
type PredicateSet struct {
	full map[Ident]struct{}
	bare map[string]struct{}
}

// NewPredicateSet builds a PredicateSet from a list of tool identifiers,
// which may be fully qualified ("server.tool") or bare ("tool").
func NewPredicateSet(idents ...string) PredicateSet {
	ps := PredicateSet{full: map[Ident]struct{}{}, bare: map[string]struct{}{}}
	for _, s := range idents {
		if s == "" {
			continue
		}
		ps.full[Ident(s)] = struct{}{}
		if _, _, ok := Ident(s).Split(); ok {
			_, name, _ := Ident(s).Split()
			ps.bare[name] = struct{}{}
		} else {
			ps.bare[s] = struct{}{}
		}
	}
	return ps
}

// Has reports whether id matches the set, either fully qualified or by bare
// tool name.
func (ps PredicateSet) Has(id Ident) bool {
	if _, ok := ps.full[id]; ok {
		return true
	}
	if _, _, ok := id.Split(); ok {
		_, name, _ := id.Split()
		_, ok := ps.bare[name]
		return ok
	}
	_, ok := ps.bare[string(id)]
	return ok
}
