package mcpexec

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cucinellclark/bvbrc-agent-core/internal/mcpclient"
	"github.com/cucinellclark/bvbrc-agent-core/internal/stream"
	"github.com/cucinellclark/bvbrc-agent-core/internal/toolerrors"
	"github.com/cucinellclark/bvbrc-agent-core/internal/tools"
)

type progressNotification struct {
	Progress float64 `json:"progress"`
	Total    float64 `json:"total"`
}

type batchContentItem struct {
	Type string  `json:"type"`
	Text *string `json:"text"`
}

type batchResult struct {
	Content []batchContentItem `json:"content"`
	IsError bool               `json:"isError"`
}

// executeStreaming reads an SSE stream from the MCP server, forwarding
// progress notifications as query_progress SSE events and accumulating
// batch records from each tools/call frame (spec §4.4 "Streaming (SSE
// batches)").
func (e *Executor) executeStreaming(ctx context.Context, client *mcpclient.Client, d *tools.Descriptor, params map[string]any, headers http.Header, ectx ExecContext) (any, *BatchMeta, error) {
	rpcParams := map[string]any{"name": d.ID.String(), "arguments": params}
	addProgressToken(rpcParams, ectx.JobID)

	frames, err := client.OpenStream(ctx, "tools/call", rpcParams, headers)
	if err != nil {
		return nil, nil, toolerrors.NewKindWithCause(toolerrors.KindUpstreamMCP, "open mcp stream", err)
	}

	var results []any
	var numFound float64
	haveNumFound := false
	batchCount := 0

	for frame := range frames {
		if err := ectx.checkCancelled(); err != nil {
			return nil, nil, err
		}

		if frame.Method == "notifications/progress" {
			var p progressNotification
			if json.Unmarshal(frame.Params, &p) == nil {
				emitQueryProgress(ctx, ectx.Sink, ectx.JobID, int(p.Progress), int(p.Total), batchCount)
			}
			continue
		}
		if frame.Response == nil {
			continue
		}
		if frame.Response.Error != nil {
			return nil, nil, toolerrors.NewKindWithCause(toolerrors.KindUpstreamMCP, "MCP tool error", frame.Response.Error)
		}

		batchCount++
		var br batchResult
		if err := json.Unmarshal(frame.Response.Result, &br); err != nil {
			continue
		}
		if br.IsError {
			return nil, nil, toolerrors.NewKind(toolerrors.KindUpstreamMCP, "MCP tool error: stream batch reported isError")
		}
		for _, item := range br.Content {
			if item.Text == nil {
				continue
			}
			batchRecords, nf, ok := parseBatchText(*item.Text)
			if ok {
				results = append(results, batchRecords...)
				if nf != nil {
					numFound = *nf
					haveNumFound = true
				}
			}
		}
	}

	if len(results) == 0 && batchCount == 0 {
		return nil, nil, toolerrors.NewKind(toolerrors.KindUpstreamMCP, "MCP tool error: stream produced no batches")
	}

	out := map[string]any{
		"results":    results,
		"count":      len(results),
		"source":     d.ID.String(),
		"_batchCount": batchCount,
	}
	if haveNumFound {
		out["numFound"] = numFound
	}
	return out, &BatchMeta{BatchCount: batchCount}, nil
}

// parseBatchText decodes one batch's text payload, which may be a JSON
// array of records or a single JSON object carrying {results, numFound}.
func parseBatchText(text string) ([]any, *float64, bool) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "[") {
		var arr []any
		if err := json.Unmarshal([]byte(trimmed), &arr); err == nil {
			return arr, nil, true
		}
		return nil, nil, false
	}
	if strings.HasPrefix(trimmed, "{") {
		var obj struct {
			Results  []any    `json:"results"`
			NumFound *float64 `json:"numFound"`
		}
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			return obj.Results, obj.NumFound, true
		}
	}
	return nil, nil, false
}

func addProgressToken(params map[string]any, jobID string) {
	if jobID == "" {
		return
	}
	params["_meta"] = map[string]any{"progressToken": jobID}
}

func emitQueryProgress(ctx context.Context, sink stream.Sink, jobID string, current, total, batchNumber int) {
	if sink == nil {
		return
	}
	payload := stream.QueryProgressPayload{
		Current:     current,
		Total:       total,
		Percentage:  stream.Percentage(current, total),
		BatchNumber: batchNumber,
	}
	_ = sink.Send(ctx, stream.NewBase(stream.EventQueryProgress, jobID, payload))
}
