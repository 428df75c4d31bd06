package mcpexec

import (
	"fmt"
	"path"
	"strings"

	"github.com/cucinellclark/bvbrc-agent-core/internal/config"
	"github.com/cucinellclark/bvbrc-agent-core/internal/toolerrors"
	"github.com/cucinellclark/bvbrc-agent-core/internal/tools"
)

// overrideParams applies the spec's per-tool parameter rewrites in order
// (spec §4.4 step 2). It mutates and returns a copy of params, refusing the
// call when the code-execution tool still references an unresolved
// workspace path after rewriting.
func (e *Executor) overrideParams(d *tools.Descriptor, params map[string]any, ectx ExecContext) (map[string]any, error) {
	out := cloneParams(params)

	if d.DeclaresParam("session_id") {
		out["session_id"] = ectx.SessionID
	} else {
		delete(out, "session_id")
	}

	if d.DeclaresParam("cancel_token") && ectx.JobID != "" {
		out["cancel_token"] = "job:" + ectx.JobID
	}

	switch d.Name {
	case e.cfg.WorkspaceBrowseTool:
		rewriteWorkspaceBrowsePath(out, ectx.HomePath)
		sanitizeListParams(out)
	case e.cfg.CodeExecutionTool:
		if unresolved := rewriteCodeExecutionPaths(out, ectx.SessionID); unresolved {
			return nil, toolerrors.NewKind(toolerrors.KindValidation, "code execution refused: unresolved workspace paths remain after rewrite")
		}
	case e.cfg.DataQueryTool:
		out["stream"] = false
		if d.DeclaresParam("format") {
			out["format"] = "tsv"
		}
	}

	if d.Annotations.StreamingHint {
		out["stream"] = true
	}

	if e.contextAware.Has(d.ID) && ectx.ConversationContext != "" {
		prependContext(out, ectx.ConversationContext)
		if ectx.WorkspaceItems != nil {
			out["workspace_items"] = ectx.WorkspaceItems
		}
	}

	return out, nil
}

func cloneParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

// rewriteWorkspaceBrowsePath roots path at the user's home unless it is an
// absolute /public/... path (spec §4.4 "rewrite path to be rooted at the
// authenticated user's home").
func rewriteWorkspaceBrowsePath(params map[string]any, home string) {
	p, _ := params["path"].(string)
	if strings.HasPrefix(p, "/public/") {
		return
	}
	if home == "" {
		return
	}
	if p == "" || p == "/" {
		params["path"] = home
		return
	}
	if !strings.HasPrefix(p, home) {
		params["path"] = path.Join(home, p)
	}
}

// sanitizeListParams rewrites empty-string list-type parameters to nil
// rather than "" (spec §4.4 "sanitize list-type parameters to null rather
// than empty string").
func sanitizeListParams(params map[string]any) {
	for k, v := range params {
		if s, ok := v.(string); ok && s == "" {
			if _, isList := listParamNames[k]; isList {
				params[k] = nil
			}
		}
	}
}

var listParamNames = map[string]struct{}{
	"types":  {},
	"tags":   {},
	"fields": {},
}

const copilotDownloadsPrefix = "/home/CopilotDownloads/"

// rewriteCodeExecutionPaths rewrites embedded workspace download paths to
// the per-session tmp equivalent and reports whether an unresolved
// workspace path remains after rewriting, in which case the caller must
// refuse the call rather than send it (spec §4.4 "rewrite any embedded
// workspace paths ... to the per-session /tmp/copilot/sessions/<id>/downloads/...
// equivalent; refuse if unresolved workspace paths remain").
func rewriteCodeExecutionPaths(params map[string]any, sessionID string) bool {
	code, ok := params["code"].(string)
	if !ok {
		return false
	}
	idx := strings.Index(code, copilotDownloadsPrefix)
	if idx < 0 {
		return false
	}
	replacement := fmt.Sprintf("/tmp/copilot/sessions/%s/downloads/", sessionID)
	rewritten := rewriteWorkspacePathOccurrences(code, replacement)
	params["code"] = rewritten
	return stillHasUserHomePattern(rewritten)
}

func rewriteWorkspacePathOccurrences(code, replacement string) string {
	var b strings.Builder
	rest := code
	for {
		idx := strings.Index(rest, copilotDownloadsPrefix)
		if idx < 0 {
			b.WriteString(rest)
			break
		}
		start := idx
		for start > 0 && rest[start-1] != '/' && !isPathBoundary(rest[start-1]) {
			start--
		}
		if start > 0 && rest[start-1] == '/' {
			start--
		} else {
			start = idx
		}
		b.WriteString(rest[:start])
		end := idx + len(copilotDownloadsPrefix)
		for end < len(rest) && !isPathBoundary(rest[end]) {
			end++
		}
		b.WriteString(replacement + rest[idx+len(copilotDownloadsPrefix):end])
		rest = rest[end:]
	}
	return b.String()
}

func isPathBoundary(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t' || c == '"' || c == '\'' || c == ')'
}

func stillHasUserHomePattern(code string) bool {
	return strings.Contains(code, copilotDownloadsPrefix)
}

// prependContext injects a compact conversation-context block into the
// user_query parameter for context-aware tools (spec §4.4 step 2).
func prependContext(params map[string]any, contextBlock string) {
	existing, _ := params["user_query"].(string)
	params["user_query"] = contextBlock + "\n\n" + existing
}

// ContextAwareSet is exported so callers can build it from config.
func ContextAwareSet(cfg config.GlobalSettings) tools.PredicateSet {
	return tools.NewPredicateSet(cfg.ContextAwareTools...)
}
