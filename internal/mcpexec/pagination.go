package mcpexec

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/cucinellclark/bvbrc-agent-core/internal/mcpclient"
	"github.com/cucinellclark/bvbrc-agent-core/internal/stream"
	"github.com/cucinellclark/bvbrc-agent-core/internal/tools"
)

const defaultPaginationBatchCap = 200

// executePaginated drives the data-query tool's cursor-based pagination
// loop (spec §4.4 "Cursor-based pagination").
func (e *Executor) executePaginated(ctx context.Context, client *mcpclient.Client, d *tools.Descriptor, params map[string]any, headers http.Header, ectx ExecContext) (any, *BatchMeta, error) {
	batchCap := e.cfg.PaginationBatchCap
	if batchCap <= 0 {
		batchCap = defaultPaginationBatchCap
	}

	callerSuppliedCursor := params["cursorId"] != nil && params["cursorId"] != ""
	limit, hasLimit := extractLimit(params)

	var tsvLines []string
	tsvHeaderCaptured := false
	var jsonRows []any
	var paginationErrors []string

	batchNumber := 0
	cursor := ""
	if c, ok := params["cursorId"].(string); ok {
		cursor = c
	}

	for {
		if err := ectx.checkCancelled(); err != nil {
			return nil, nil, err
		}
		batchNumber++

		callParams := cloneParams(params)
		if cursor != "" {
			callParams["cursorId"] = cursor
		}

		raw, err := client.Call(ctx, "tools/call", map[string]any{"name": d.ID.String(), "arguments": callParams}, headers)
		if err != nil {
			paginationErrors = append(paginationErrors, err.Error())
			break
		}
		unwrapped, err := unwrapPaginationResult(raw)
		if err != nil {
			paginationErrors = append(paginationErrors, err.Error())
			break
		}

		switch v := unwrapped.data.(type) {
		case string:
			lines := strings.Split(strings.TrimRight(v, "\n"), "\n")
			if len(lines) == 0 {
				break
			}
			if !tsvHeaderCaptured {
				tsvLines = append(tsvLines, lines...)
				tsvHeaderCaptured = true
			} else if len(lines) > 1 {
				tsvLines = append(tsvLines, lines[1:]...)
			}
		case []any:
			jsonRows = append(jsonRows, v...)
		}

		emitQueryProgress(ctx, ectx.Sink, ectx.JobID, batchNumber, 0, batchNumber)

		if hasLimit && (len(jsonRows) >= limit || len(tsvLines) >= limit) {
			break
		}
		if unwrapped.nextCursor == "" || callerSuppliedCursor {
			break
		}
		if batchNumber >= batchCap {
			if sink := ectx.Sink; sink != nil {
				_ = sink.Send(ctx, stream.NewBase(stream.EventQueryWarning, ectx.JobID, stream.QueryWarningPayload{
					Message:        "pagination safety cap reached",
					BatchesFetched: batchNumber,
				}))
			}
			break
		}
		cursor = unwrapped.nextCursor
	}

	meta := &BatchMeta{BatchesReceived: batchNumber, PaginationErrors: paginationErrors}

	if len(paginationErrors) > 0 {
		return map[string]any{
			"partial":          true,
			"batchesReceived":  batchNumber,
			"paginationErrors": paginationErrors,
			"results":          jsonRows,
		}, meta, nil
	}

	if len(tsvLines) > 0 {
		return strings.Join(tsvLines, "\n"), meta, nil
	}
	return map[string]any{"results": jsonRows, "count": len(jsonRows)}, meta, nil
}

func extractLimit(params map[string]any) (int, bool) {
	switch v := params["limit"].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

type paginationPage struct {
	data       any
	nextCursor string
}

func unwrapPaginationResult(raw json.RawMessage) (paginationPage, error) {
	var envelope struct {
		StructuredContent struct {
			Result       json.RawMessage `json:"result"`
			NextCursorID *string         `json:"nextCursorId"`
		} `json:"structuredContent"`
		Content []struct {
			Text *string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return paginationPage{}, fmt.Errorf("unwrap pagination result: %w", err)
	}

	var nextCursor string
	if envelope.StructuredContent.NextCursorID != nil {
		nextCursor = *envelope.StructuredContent.NextCursorID
	}

	if len(envelope.StructuredContent.Result) > 0 {
		var data any
		if err := json.Unmarshal(envelope.StructuredContent.Result, &data); err == nil {
			return paginationPage{data: data, nextCursor: nextCursor}, nil
		}
	}
	if len(envelope.Content) > 0 && envelope.Content[0].Text != nil {
		text := *envelope.Content[0].Text
		trimmed := strings.TrimSpace(text)
		if strings.HasPrefix(trimmed, "[") {
			var arr []any
			if err := json.Unmarshal([]byte(trimmed), &arr); err == nil {
				return paginationPage{data: arr, nextCursor: nextCursor}, nil
			}
		}
		return paginationPage{data: text, nextCursor: nextCursor}, nil
	}
	return paginationPage{nextCursor: nextCursor}, nil
}
