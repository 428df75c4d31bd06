// Command agentcore runs the agent orchestration core's HTTP+SSE ingress
// and background job workers as a single process (spec §6 "Ingress (HTTP +
// SSE)", §4.7 "Background Workers"). Wiring follows the teacher's
// flag/log/signal/waitgroup idiom, adapted to plain net/http since this
// core exposes a small, fixed SSE surface rather than a generated goa
// service.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	"github.com/cucinellclark/bvbrc-agent-core/internal/config"
	"github.com/cucinellclark/bvbrc-agent-core/internal/filestore"
	"github.com/cucinellclark/bvbrc-agent-core/internal/httpapi"
	"github.com/cucinellclark/bvbrc-agent-core/internal/mcpexec"
	"github.com/cucinellclark/bvbrc-agent-core/internal/mcpsession"
	"github.com/cucinellclark/bvbrc-agent-core/internal/memory"
	"github.com/cucinellclark/bvbrc-agent-core/internal/model"
	"github.com/cucinellclark/bvbrc-agent-core/internal/orchestrator"
	"github.com/cucinellclark/bvbrc-agent-core/internal/queue"
	"github.com/cucinellclark/bvbrc-agent-core/internal/store"
	"github.com/cucinellclark/bvbrc-agent-core/internal/telemetry"
	"github.com/cucinellclark/bvbrc-agent-core/internal/toolregistry"
	"github.com/cucinellclark/bvbrc-agent-core/internal/workers"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration file (defaults baked in if omitted)")
		addrF   = flag.String("addr", "", "HTTP listen address (overrides config http.addr)")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}
	logger := telemetry.NewClueLogger()

	cfg := config.Default()
	if *configF != "" {
		loaded, err := config.Load(*configF)
		if err != nil {
			log.Fatal(ctx, fmt.Errorf("load config: %w", err))
		}
		cfg = loaded
	}
	addr := cfg.HTTP.Addr
	if addr == "" {
		addr = ":8080"
	}
	if *addrF != "" {
		addr = *addrF
	}

	sessions, err := buildSessionStore(ctx, cfg)
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("build session store: %w", err))
	}

	jobStore, err := buildJobStore(cfg)
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("build job store: %w", err))
	}

	planner, finalResponder, err := buildModelProviders(ctx)
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("build model providers: %w", err))
	}

	servers := make([]mcpsession.ServerConfig, 0, len(cfg.Servers))
	registryServers := make([]toolregistry.ServerDef, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers = append(servers, mcpsession.ServerConfig{
			Key:         s.Key,
			Endpoint:    s.Endpoint,
			AuthAllowed: s.AuthAllowed,
			StaticAuth:  s.StaticAuth,
			ClientName:  "bvbrc-agent-core",
			ClientVer:   "1.0.0",
		})
		registryServers = append(registryServers, toolregistry.ServerDef{Key: s.Key})
	}

	sessionMgr := mcpsession.New(servers, http.DefaultClient, logger)
	registry := toolregistry.New(toolregistry.Options{
		Sessions:      sessionMgr,
		Servers:       registryServers,
		DisabledTools: cfg.GlobalSettings.DisabledTools,
		Log:           logger,
	})
	if err := registry.Reload(ctx); err != nil {
		log.Print(ctx, log.KV{K: "warn", V: fmt.Sprintf("initial tool discovery incomplete: %v", err)})
	}

	files := filestore.New(cfg.SessionBaseDir)
	limiter := mcpexec.NewRateLimiter(60, 600)
	executor := mcpexec.New(mcpexec.Options{
		Registry: registry,
		Sessions: sessionMgr,
		Files:    files,
		Config:   cfg.GlobalSettings,
		Log:      logger,
		Limiter:  limiter,
	})

	memSvc := memory.New(memory.NewMemStore())

	orch := orchestrator.New(orchestrator.Options{
		Registry:               registry,
		Executor:               executor,
		Memory:                 memSvc,
		Planner:                planner,
		FinalResponder:         finalResponder,
		Classification:         mcpexec.NewClassification(cfg.GlobalSettings),
		MaxIterations:          cfg.Agent.MaxIterations,
		DataQueryTool:          cfg.GlobalSettings.DataQueryTool,
		ToolPromptEnhancements: cfg.GlobalSettings.ToolPromptEnhancements,
		Log:                    logger,
	})

	mux := queue.NewSSEMultiplexer(cfg.Queue.HeartbeatInterval)
	jobMgr := queue.NewManager(jobStore, cfg.Queue, logger, mux)

	agentHandler := &agentJobHandler{
		Orchestrator: orch,
		Sessions:     sessions,
		Jobs:         jobStore,
		Mux:          mux,
		Thresholds:   workers.DefaultThresholds(),
		Log:          logger,
	}
	jobMgr.Register(httpapi.CategoryAgent, agentHandler.Handle)
	jobMgr.Register(httpapi.CategoryRAG, agentHandler.Handle)
	jobMgr.Register("summary", (&workers.ConversationSummaryHandler{
		Sessions:  sessions,
		Summaries: sessions,
		Model:     finalResponder,
		Log:       logger,
	}).Handle)
	jobMgr.Register("facts", (&workers.FactsRefreshHandler{
		Memory: memSvc,
		Model:  finalResponder,
		Log:    logger,
	}).Handle)

	server := httpapi.NewServer(jobStore, mux, sessions, cfg, logger)
	rootMux := http.NewServeMux()
	server.Routes(rootMux)
	httpSrv := &http.Server{Addr: addr, Handler: rootMux}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	jobMgr.Start(runCtx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Print(ctx, log.KV{K: "addr", V: addr})
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)

	cancel()
	jobMgr.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	wg.Wait()
	log.Print(ctx, log.KV{K: "status", V: "exited"})
}

// buildSessionStore picks MongoStore when cfg.Mongo.URI is set, falling
// back to the in-memory store otherwise (spec §3 Session persistence is an
// ambient concern, not a Non-goal).
func buildSessionStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.Mongo.URI == "" {
		return store.NewMemStore(), nil
	}
	client, err := mongo.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	return store.NewMongoStore(ctx, store.MongoOptions{Client: client, Database: cfg.Mongo.Database})
}

// buildJobStore picks RedisStore when cfg.Redis.Addr is set, falling back
// to the in-memory store (spec §4.7 "durable" queue is a deployment
// concern, not a hard requirement for a single-process core).
func buildJobStore(cfg config.Config) (queue.Store, error) {
	if cfg.Redis.Addr == "" {
		return queue.NewMemStore(), nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	return queue.NewRedisStore(rdb, "agentcore"), nil
}

// buildModelProviders picks a provider from whichever credentials are
// present in the environment, preferring Anthropic (the teacher's own
// planner-grade model class), then OpenAI, then Bedrock. The same provider
// serves both planning and final-response calls; these providers do not
// consult Request.ModelClass.
func buildModelProviders(ctx context.Context) (model.Provider, model.Provider, error) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		p, err := model.NewAnthropicProviderFromAPIKey(key, envOr("ANTHROPIC_MODEL", "claude-sonnet-4-5"))
		if err != nil {
			return nil, nil, err
		}
		return p, p, nil
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		p, err := model.NewOpenAIProviderFromAPIKey(key, envOr("OPENAI_MODEL", "gpt-4o"))
		if err != nil {
			return nil, nil, err
		}
		return p, p, nil
	}

	region := envOr("AWS_REGION", "us-east-1")
	var awsCfg aws.Config
	var err error
	if id, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY"); id != "" && secret != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(id, secret, os.Getenv("AWS_SESSION_TOKEN"))),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load AWS config: %w", err)
	}
	p, err := model.NewBedrockProvider(bedrockruntime.NewFromConfig(awsCfg), envOr("BEDROCK_MODEL", "anthropic.claude-3-5-sonnet-20241022-v2:0"))
	if err != nil {
		return nil, nil, err
	}
	return p, p, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
