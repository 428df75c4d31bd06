// Package config loads the agent core's static configuration (spec §6
// "Configuration (enumerated)"). Configuration loading itself (file watching,
// secrets, environment overlay) is an out-of-scope external collaborator;
// this package only defines the shape the rest of the core depends on and a
// thin YAML loader, matching the teacher's "config is ambient, not deep"
// treatment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Queue holds job-queue tuning knobs (spec §4.7, §5, §6). CategoryConcurrency
// gives each job category (agent, rag, summary, facts) its own worker pool
// size (spec §5 "default 3 agent, 3 RAG, 1 summary, 1 facts"); a category
// absent from the map falls back to WorkerConcurrency.
type Queue struct {
	Enabled           bool             `yaml:"enabled"`
	WorkerConcurrency int              `yaml:"workerConcurrency"`
	CategoryConcurrency map[string]int `yaml:"categoryConcurrency"`
	MaxRetries        int              `yaml:"maxRetries"`
	JobTimeout        time.Duration    `yaml:"jobTimeout"`
	CompletedRetainAge   time.Duration `yaml:"completedRetainAge"`
	CompletedRetainCount int           `yaml:"completedRetainCount"`
	FailedRetainAge      time.Duration `yaml:"failedRetainAge"`
	HeartbeatInterval    time.Duration `yaml:"heartbeatInterval"`
}

// ConcurrencyFor returns the configured worker pool size for category,
// falling back to WorkerConcurrency when the category has no override.
func (q Queue) ConcurrencyFor(category string) int {
	if n, ok := q.CategoryConcurrency[category]; ok && n > 0 {
		return n
	}
	return q.WorkerConcurrency
}

// Agent holds orchestration-loop knobs (spec §4.6, §6).
type Agent struct {
	MaxIterations     int           `yaml:"max_iterations"`
	JobPollInterval   time.Duration `yaml:"job_poll_interval"`
}

// GlobalSettings holds executor/prompt-wide knobs (spec §4.4, §4.6, §6).
type GlobalSettings struct {
	ToolExecutionTimeout    time.Duration     `yaml:"tool_execution_timeout"`
	DisabledTools           []string          `yaml:"disabled_tools"`
	FinalizeTools           []string          `yaml:"finalize_tools"`
	ReplayableTools         []string          `yaml:"replayable_tools"`
	RAGTools                []string          `yaml:"rag_tools"`
	BypassFileHandlingTools []string          `yaml:"bypass_file_handling_tools"`
	ContextAwareTools       []string          `yaml:"context_aware_tools"`
	DuplicateTrackedTools   []string          `yaml:"duplicate_tracked_tools"`
	RawReadTools            []string          `yaml:"raw_read_tools"`
	ToolPromptEnhancements  map[string]string `yaml:"tool_prompt_enhancements"`
	TokenServerAllowlist    []string          `yaml:"token_server_allowlist"`
	RAGMaxDocs              int               `yaml:"rag_max_docs"`
	FinalResponseToolChars  int               `yaml:"final_response_tool_chars"`
	ReplayDataPageSizeDflt  int               `yaml:"replay_data_page_size_default"`

	// Single, specifically-named tools the executor applies bespoke
	// parameter rewrites to (spec §4.4 step 2).
	DataQueryTool       string `yaml:"data_query_tool"`
	WorkspaceBrowseTool string `yaml:"workspace_browse_tool"`
	CodeExecutionTool   string `yaml:"code_execution_tool"`
	JobListTool         string `yaml:"job_list_tool"`
	WorkflowTool        string `yaml:"workflow_tool"`

	PaginationBatchCap int `yaml:"pagination_batch_cap"`
}

// Streaming holds streaming auto-enable policy (spec §4.4, §6).
type Streaming struct {
	AutoEnableOnHint bool `yaml:"autoEnableOnHint"`
}

// FileManager holds file-store accumulation/upload knobs (spec §4.3, §6).
type FileManager struct {
	AccumulateSizeThreshold int64  `yaml:"accumulateSizeThreshold"`
	MaxAccumulatePages      int    `yaml:"maxAccumulatePages"`
	UploadToWorkspace       bool   `yaml:"uploadToWorkspace"`
	WorkspaceUploadDir      string `yaml:"workspaceUploadDir"`
}

// MCPServer names one federated MCP server this core talks to (spec §1 "one
// of several federated MCP servers"). Mirrors mcpsession.ServerConfig's
// shape; cmd/agentcore copies each entry into an mcpsession.ServerConfig.
type MCPServer struct {
	Key         string `yaml:"key"`
	Endpoint    string `yaml:"endpoint"`
	AuthAllowed bool   `yaml:"authAllowed"`
	StaticAuth  string `yaml:"staticAuth"`
}

// HTTP holds ingress server knobs (spec §6 "Ingress (HTTP + SSE)").
type HTTP struct {
	Addr string `yaml:"addr"`
}

// Mongo holds the persistence-layer connection knobs for internal/store's
// MongoDB-backed implementation. Empty URI means "use the in-memory store".
type Mongo struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// Redis holds the durable job queue's backing-store connection knobs.
// Empty Addr means "use the in-memory queue store".
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Config is the root configuration object for the agent core.
type Config struct {
	Queue          Queue          `yaml:"queue"`
	Agent          Agent          `yaml:"agent"`
	GlobalSettings GlobalSettings `yaml:"global_settings"`
	Streaming      Streaming      `yaml:"streaming"`
	FileManager    FileManager    `yaml:"fileManager"`
	SessionBaseDir string         `yaml:"session_base_dir"`
	HTTP           HTTP           `yaml:"http"`
	Mongo          Mongo          `yaml:"mongo"`
	Redis          Redis          `yaml:"redis"`
	Servers        []MCPServer    `yaml:"servers"`
}

// Default returns the configuration with the spec's documented defaults
// (spec §4.6 max_iterations=3, §4.7 jobTimeout=10m, §4.4
// tool_execution_timeout=120s, §6 final_response
// budget=24000, replay page size=100, §6 accumulateSizeThreshold=10MiB,
// maxAccumulatePages=100).
func Default() Config {
	return Config{
		Queue: Queue{
			Enabled:           true,
			WorkerConcurrency: 3,
			CategoryConcurrency: map[string]int{
				"agent":   3,
				"rag":     3,
				"summary": 1,
				"facts":   1,
			},
			MaxRetries:           3,
			JobTimeout:           10 * time.Minute,
			CompletedRetainAge:   7 * 24 * time.Hour,
			CompletedRetainCount: 500,
			FailedRetainAge:      24 * time.Hour,
			HeartbeatInterval:    15 * time.Second,
		},
		Agent: Agent{
			MaxIterations:   3,
			JobPollInterval: 500 * time.Millisecond,
		},
		GlobalSettings: GlobalSettings{
			ToolExecutionTimeout:   120 * time.Second,
			FinalResponseToolChars: 24000,
			ReplayDataPageSizeDflt: 100,
			DataQueryTool:          "query_data",
			WorkspaceBrowseTool:    "list_workspace",
			CodeExecutionTool:      "execute_code",
			JobListTool:            "list_jobs",
			WorkflowTool:           "submit_workflow",
			PaginationBatchCap:     200,
		},
		Streaming: Streaming{AutoEnableOnHint: true},
		FileManager: FileManager{
			AccumulateSizeThreshold: 10 * 1024 * 1024,
			MaxAccumulatePages:      100,
		},
		SessionBaseDir: "./data",
	}
}

// Load reads a YAML configuration file, overlaying it onto Default().
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}
