package orchestrator

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	"github.com/cucinellclark/bvbrc-agent-core/internal/tools"
)

type duplicateReason string

const (
	duplicateReasonNone    duplicateReason = ""
	duplicateReasonHasData duplicateReason = "has_data"
	duplicateReasonAdapt   duplicateReason = "adapt"
)

// normalizeParams applies the spec §4.6 step 2 normalization: trim strings,
// map empty strings to nil, map "true"/"false" strings to booleans, recurse
// into nested objects, and sort keys so deep-equality is order independent.
func normalizeParams(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case string:
		trimmed := strings.TrimSpace(val)
		switch trimmed {
		case "":
			return nil
		case "true":
			return true
		case "false":
			return false
		default:
			return trimmed
		}
	case map[string]any:
		return normalizeParams(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}

// normalizedKey renders a normalized params map as a key-sorted JSON string
// so deep equality reduces to a string comparison (spec §4.6 step 2 "sort
// keys").
func normalizedKey(params map[string]any) string {
	b, err := json.Marshal(sortedMap(normalizeParams(params)))
	if err != nil {
		return ""
	}
	return string(b)
}

// sortedMap returns v unchanged for non-map values, or a map whose nested
// maps have been recursively rebuilt so json.Marshal emits keys in sorted
// order (Go's encoding/json already sorts map[string]any keys, but nested
// values built from interface{} need the same recursive treatment applied
// explicitly for clarity and to match the spec's own wording).
func sortedMap(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(val))
		for _, k := range keys {
			out[k] = sortedMap(val[k])
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sortedMap(item)
		}
		return out
	default:
		return val
	}
}

// hasData reports whether any prior invocation produced a non-error file
// result with records, the trigger for overriding a duplicate to FINALIZE
// (spec §4.6 step 2 "sufficient data is already in hand").
func hasData(trace []*ToolInvocation) bool {
	for _, inv := range trace {
		if inv.Result != nil && inv.Result.File != nil && !inv.Result.File.IsError && inv.Result.File.Summary.RecordCount > 0 {
			return true
		}
	}
	return false
}

// checkDuplicate implements spec §4.6 step 2: only for tools in the
// configured duplicate-tracked set, look for a past successful invocation
// whose planner proposal (pre-override, since overrides inject fields the
// planner never saw) had the same tool and deeply-equal normalized
// parameters.
func (o *Orchestrator) checkDuplicate(trace []*ToolInvocation, plan Plan) (bool, duplicateReason) {
	if !o.duplicateTools.Has(tools.Ident(plan.Action)) {
		return false, duplicateReasonNone
	}
	key := normalizedKey(plan.Parameters)
	for _, inv := range trace {
		if inv.ActionID != plan.Action || inv.Status != StatusSuccess {
			continue
		}
		if normalizedKey(inv.proposedParameters) == key && reflect.DeepEqual(normalizeParams(inv.proposedParameters), normalizeParams(plan.Parameters)) {
			if hasData(trace) {
				return true, duplicateReasonHasData
			}
			return true, duplicateReasonAdapt
		}
	}
	return false, duplicateReasonNone
}
