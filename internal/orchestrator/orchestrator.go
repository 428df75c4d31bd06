// Package orchestrator implements the iterative planning loop: format the
// planner prompt, parse its JSON action, detect duplicate plans, execute
// tools, and compose the final assistant message (spec §4.6).
package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cucinellclark/bvbrc-agent-core/internal/mcpexec"
	"github.com/cucinellclark/bvbrc-agent-core/internal/memory"
	"github.com/cucinellclark/bvbrc-agent-core/internal/model"
	"github.com/cucinellclark/bvbrc-agent-core/internal/stream"
	"github.com/cucinellclark/bvbrc-agent-core/internal/telemetry"
	"github.com/cucinellclark/bvbrc-agent-core/internal/toolerrors"
	"github.com/cucinellclark/bvbrc-agent-core/internal/tools"
)

// InvocationStatus is the lifecycle state of one ToolInvocation entry
// (spec §3 ToolInvocation.status).
type InvocationStatus string

const (
	StatusPending InvocationStatus = "pending"
	StatusSuccess InvocationStatus = "success"
	StatusError   InvocationStatus = "error"
	StatusFailed  InvocationStatus = "failed"
	StatusWarning InvocationStatus = "warning"
)

// ResultMeta summarizes whether and what kind of result an invocation
// produced (spec §3 ToolInvocation.result_meta).
type ResultMeta struct {
	HasResult  bool   `json:"has_result"`
	ResultType string `json:"result_type,omitempty"`
}

// ToolInvocation is one appended, never-rewritten trace entry (spec §3
// ToolInvocation). Parameters holds the exact parameters passed to the MCP
// server after overrides (spec §3); proposedParameters keeps the planner's
// pre-override proposal for duplicate-plan comparison, which must compare
// against what the planner asked for, not what the executor injected.
type ToolInvocation struct {
	Iteration  int              `json:"iteration"`
	ActionID   string           `json:"action_id"`
	Reasoning  string           `json:"reasoning"`
	Parameters map[string]any   `json:"parameters"`
	Status     InvocationStatus `json:"status"`
	ResultMeta ResultMeta       `json:"result_meta"`
	Error      string           `json:"error,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`

	Result             *mcpexec.Result `json:"-"`
	proposedParameters map[string]any
}

// Input bundles everything the loop needs for a single run (spec §4.6 step
// 1 prompt ingredients, minus the tools manifest and session memory, which
// the orchestrator fetches itself).
type Input struct {
	SessionID           string
	UserID              string
	JobID               string
	Query               string
	SystemPrompt        string
	SessionHistory       string
	WorkspaceItems       []any
	SelectedJobs         []any
	SelectedWorkflows    []any
	ConversationContext string
	AuthToken            string
	HomePath             string
	Sink                 stream.Sink
	Cancelled            func() bool
}

// AssistantMessage is the composed final output of a run (spec §4.6
// "Assembly of the assistant message").
type AssistantMessage struct {
	Text          string          `json:"text"`
	SourceTool    string          `json:"source_tool,omitempty"`
	UISourceTool  string          `json:"ui_source_tool,omitempty"`
	ToolCall      *ReplayEnvelope `json:"tool_call,omitempty"`
	UIToolCall    *ReplayEnvelope `json:"ui_tool_call,omitempty"`
	UIDisplay     map[string]any  `json:"ui_display,omitempty"`
	WorkflowIDs   []string        `json:"workflow_ids,omitempty"`
}

// ReplayEnvelope describes how a tool call can be replayed by the UI
// (spec §4.6 "replay envelope {tool, arguments_executed, replayable,
// replay?}").
type ReplayEnvelope struct {
	Tool               string         `json:"tool"`
	ArgumentsExecuted  map[string]any `json:"arguments_executed"`
	Replayable         bool           `json:"replayable"`
	Replay             map[string]any `json:"replay,omitempty"`
}

// RunResult is the outcome of Run.
type RunResult struct {
	Trace     []*ToolInvocation
	Message   AssistantMessage
	Iterations int
}

// Registry is the subset of *toolregistry.Registry the orchestrator
// depends on, narrowed for testability.
type Registry interface {
	RenderPrompt() string
}

// Executor is the subset of *mcpexec.Executor the orchestrator depends
// on, narrowed for testability.
type Executor interface {
	Execute(ctx context.Context, toolID string, params map[string]any, ectx mcpexec.ExecContext) (*mcpexec.Result, error)
}

// Options configures an Orchestrator.
type Options struct {
	Registry       Registry
	Executor       Executor
	Memory         *memory.Service
	Planner        model.Provider
	FinalResponder model.Provider
	Classification mcpexec.Classification
	MaxIterations  int
	DuplicateTools tools.PredicateSet
	Budget         Budget
	// DataQueryTool is the bare or qualified name of the configured
	// data-query tool, forced to priority when selecting ui_source_tool
	// (spec §4.6 "the data-query tool (forced priority)").
	DataQueryTool string
	// ToolPromptEnhancements appends extra instructions to the
	// final-response prompt for specific tools actually executed
	// (spec §4.6 "Append per-tool prompt enhancements").
	ToolPromptEnhancements map[string]string
	Log                    telemetry.Logger
}

// Orchestrator runs the planning loop described in spec §4.6.
type Orchestrator struct {
	registry          Registry
	executor          Executor
	memory            *memory.Service
	planner           model.Provider
	finalResponder    model.Provider
	classification    mcpexec.Classification
	maxIterations     int
	duplicateTools    tools.PredicateSet
	budget            Budget
	dataQueryToolName string
	toolEnhancements  map[string]string
	log               telemetry.Logger
}

// New constructs an Orchestrator.
func New(opts Options) *Orchestrator {
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = 3
	}
	log := opts.Log
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	budget := opts.Budget
	if budget.FinalResponseToolChars <= 0 {
		budget = DefaultBudget()
	}
	return &Orchestrator{
		registry:          opts.Registry,
		executor:          opts.Executor,
		memory:            opts.Memory,
		planner:           opts.Planner,
		finalResponder:    opts.FinalResponder,
		classification:    opts.Classification,
		maxIterations:     maxIter,
		duplicateTools:    opts.DuplicateTools,
		budget:            budget,
		dataQueryToolName: opts.DataQueryTool,
		toolEnhancements:  opts.ToolPromptEnhancements,
		log:               log,
	}
}

func checkCancelled(jobID string, cancelled func() bool) error {
	if cancelled != nil && cancelled() {
		return toolerrors.NewJobCancelled(jobID)
	}
	return nil
}

// Run drives the planning loop up to MaxIterations, then finalizes
// (spec §4.6).
func (o *Orchestrator) Run(ctx context.Context, in Input, now time.Time) (*RunResult, error) {
	var trace []*ToolInvocation
	var finalizeReason string
	var finalSourceTool string

	for iter := 1; iter <= o.maxIterations; iter++ {
		if err := checkCancelled(in.JobID, in.Cancelled); err != nil {
			return nil, err
		}

		mem, err := o.loadMemory(ctx, in.SessionID)
		if err != nil {
			return nil, err
		}

		plan, err := o.plan(ctx, in, trace, mem, iter)
		if err != nil {
			return nil, err
		}

		emit(ctx, in.Sink, stream.NewBase(stream.EventProgress, in.JobID, map[string]any{
			"iteration": iter, "percentage": stream.Percentage(iter-1, o.maxIterations), "tool": plan.Action,
		}))

		if plan.Action != ActionFinalize {
			emit(ctx, in.Sink, stream.NewBase(stream.EventToolSelected, in.JobID, map[string]any{
				"iteration": iter, "tool": plan.Action, "reasoning": plan.Reasoning, "parameters": plan.Parameters,
			}))

			if dup, reason := o.checkDuplicate(trace, plan); dup {
				if reason == duplicateReasonHasData {
					plan = Plan{Action: ActionFinalize, Reasoning: "duplicate with data"}
				} else {
					trace = append(trace, &ToolInvocation{
						Iteration: iter,
						ActionID:  "DUPLICATE_DETECTED",
						Reasoning: plan.Reasoning,
						Status:    StatusWarning,
						Timestamp: now,
					})
					emit(ctx, in.Sink, stream.NewBase(stream.EventDuplicateDetected, in.JobID, map[string]any{
						"tool": plan.Action, "iteration": iter,
					}))
					continue
				}
			}
		}

		if plan.Action == ActionFinalize {
			finalizeReason = plan.Reasoning
			break
		}

		inv, execErr := o.execute(ctx, in, plan, iter, now)
		trace = append(trace, inv)

		if execErr != nil {
			stop := o.shouldStopOnError(trace)
			if stop {
				finalizeReason = "error recovery: stopping"
				break
			}
			continue
		}

		if inv.Result != nil && inv.Result.Kind == mcpexec.ResultFile {
			emit(ctx, in.Sink, stream.NewBase(stream.EventSessionFileCreated, in.JobID, stream.SessionFileCreatedPayload{
				FileID:        inv.Result.File.FileID,
				ToolID:        plan.Action,
				DataType:      string(inv.Result.File.DataType),
				Size:          inv.Result.File.Summary.Size,
				SizeFormatted: inv.Result.File.Summary.SizeFormatted,
			}))
		}

		if o.classification.Finalize.Has(tools.Ident(plan.Action)) {
			finalSourceTool = plan.Action
			finalizeReason = "terminal tool"
			break
		}
	}

	if finalizeReason == "" {
		finalizeReason = "max iterations reached"
	}

	msg, err := o.finalize(ctx, in, trace, finalSourceTool, now)
	if err != nil {
		return nil, err
	}

	return &RunResult{Trace: trace, Message: *msg, Iterations: len(trace)}, nil
}

func (o *Orchestrator) loadMemory(ctx context.Context, sessionID string) (*memory.SessionMemory, error) {
	if o.memory == nil {
		return &memory.SessionMemory{}, nil
	}
	return o.memory.Get(ctx, sessionID)
}

func emit(ctx context.Context, sink stream.Sink, ev stream.Event) {
	if sink == nil {
		return
	}
	_ = sink.Send(ctx, ev)
}

func sampleRecordFrom(res *mcpexec.Result) map[string]any {
	if res == nil {
		return nil
	}
	switch res.Kind {
	case mcpexec.ResultBypass:
		return res.Raw
	case mcpexec.ResultFile:
		if res.File == nil || res.File.Summary.Sample == "" {
			return nil
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(res.File.Summary.Sample), &m); err == nil {
			return m
		}
	}
	return nil
}
