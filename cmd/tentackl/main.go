package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	rediscache "github.com/tentackl/tentackl/features/cache/redis"
	memmongo "github.com/tentackl/tentackl/features/memory/mongo"
	memmongoc "github.com/tentackl/tentackl/features/memory/mongo/clients/mongo"
	anthropicmodel "github.com/tentackl/tentackl/features/model/anthropic"
	"github.com/tentackl/tentackl/features/model/middleware"
	openaimodel "github.com/tentackl/tentackl/features/model/openai"
	prefmongo "github.com/tentackl/tentackl/features/preference/mongo"
	prefmongoc "github.com/tentackl/tentackl/features/preference/mongo/clients/mongo"
	storemongo "github.com/tentackl/tentackl/features/store/mongo"
	storemongoc "github.com/tentackl/tentackl/features/store/mongo/clients/mongo"
	pulsequeue "github.com/tentackl/tentackl/features/queue/pulse"
	poolclients "github.com/tentackl/tentackl/features/queue/pulse/clients/pool"
	pulsestream "github.com/tentackl/tentackl/features/stream/pulse"
	pulseclients "github.com/tentackl/tentackl/features/stream/pulse/clients/pulse"
	"github.com/tentackl/tentackl/runtime/task"
	autoinmem "github.com/tentackl/tentackl/runtime/task/automation/inmem"
	"github.com/tentackl/tentackl/runtime/task/checkpoint"
	"github.com/tentackl/tentackl/runtime/task/gateway"
	gwinmem "github.com/tentackl/tentackl/runtime/task/gateway/inmem"
	inboxinmem "github.com/tentackl/tentackl/runtime/task/inbox/inmem"
	intentllm "github.com/tentackl/tentackl/runtime/task/intent/llm"
	"github.com/tentackl/tentackl/runtime/task/model"
	"github.com/tentackl/tentackl/runtime/task/observer"
	"github.com/tentackl/tentackl/runtime/task/orchestrator"
	"github.com/tentackl/tentackl/runtime/task/planner"
	"github.com/tentackl/tentackl/runtime/task/planner/fastpath"
	plannerllm "github.com/tentackl/tentackl/runtime/task/planner/llm"
	"github.com/tentackl/tentackl/runtime/task/planner/risk"
	"github.com/tentackl/tentackl/runtime/task/queue"
	taskruntime "github.com/tentackl/tentackl/runtime/task/runtime"
	"github.com/tentackl/tentackl/runtime/task/scheduler"
	"github.com/tentackl/tentackl/runtime/task/stepexec"
	"github.com/tentackl/tentackl/runtime/task/telemetry"
	treeinmem "github.com/tentackl/tentackl/runtime/task/tree/inmem"
	triggerinmem "github.com/tentackl/tentackl/runtime/task/trigger/inmem"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration file")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := LoadConfig(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}
	log.Print(ctx, log.KV{K: "http-addr", V: cfg.HTTP.Addr}, log.KV{K: "queue-mode", V: cfg.Queue.Mode})

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewOTELMetrics()

	// Backing connections.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf(ctx, err, "redis unreachable at %s", cfg.Redis.Addr)
	}
	mcli, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		log.Fatalf(ctx, err, "mongo connect failed")
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mcli.Disconnect(dctx); err != nil {
			log.Errorf(ctx, err, "mongo disconnect failed")
		}
	}()

	// Storage.
	taskClient, err := storemongoc.New(storemongoc.Options{
		Client: mcli, Database: cfg.Mongo.Database, Timeout: cfg.Mongo.Timeout,
	})
	if err != nil {
		log.Fatalf(ctx, err, "task store init failed")
	}
	primary, err := storemongo.NewStore(taskClient)
	if err != nil {
		log.Fatalf(ctx, err, "task store init failed")
	}
	cache, err := rediscache.New(rediscache.Options{Client: rdb})
	if err != nil {
		log.Fatalf(ctx, err, "cache init failed")
	}
	prefClient, err := prefmongoc.New(prefmongoc.Options{
		Client: mcli, Database: cfg.Mongo.Database, Timeout: cfg.Mongo.Timeout,
	})
	if err != nil {
		log.Fatalf(ctx, err, "preference store init failed")
	}
	prefs, err := prefmongo.NewService(prefClient)
	if err != nil {
		log.Fatalf(ctx, err, "preference service init failed")
	}
	memClient, err := memmongoc.New(memmongoc.Options{
		Client: mcli, Database: cfg.Mongo.Database, Timeout: cfg.Mongo.Timeout,
	})
	if err != nil {
		log.Fatalf(ctx, err, "memory store init failed")
	}
	memories, err := memmongo.NewStore(memClient)
	if err != nil {
		log.Fatalf(ctx, err, "memory store init failed")
	}

	// Eventing.
	pulseClient, err := pulseclients.New(pulseclients.Options{Redis: rdb})
	if err != nil {
		log.Fatalf(ctx, err, "pulse client init failed")
	}
	defer pulseClient.Close(context.Background())
	eventBus, err := pulsestream.NewBus(pulsestream.BusOptions{Client: pulseClient, Redis: rdb})
	if err != nil {
		log.Fatalf(ctx, err, "event bus init failed")
	}
	streams, err := pulsestream.NewStreams(pulsestream.StreamOptions{Client: pulseClient, Redis: rdb})
	if err != nil {
		log.Fatalf(ctx, err, "event streams init failed")
	}

	// Model client.
	modelClient, err := buildModelClient(cfg.Model)
	if err != nil {
		log.Fatalf(ctx, err, "model client init failed")
	}
	limiter := middleware.NewRateLimiter(middleware.Options{TPM: cfg.Model.TokensPerMinute})
	modelClient = limiter.Middleware(modelClient)

	// Core components.
	trees := treeinmem.New()
	inboxes := inboxinmem.New()
	triggers := triggerinmem.New()
	automations := autoinmem.New()
	obs := observer.New(observer.Options{Model: modelClient, Logger: logger})
	plans, err := plannerllm.New(plannerllm.Options{Model: modelClient, Logger: logger})
	if err != nil {
		log.Fatalf(ctx, err, "planner init failed")
	}
	intents, err := intentllm.New(intentllm.Options{Model: modelClient, Logger: logger})
	if err != nil {
		log.Fatalf(ctx, err, "intent detector init failed")
	}
	fp, err := fastpath.New(primary)
	if err != nil {
		log.Fatalf(ctx, err, "fast path init failed")
	}

	checkpoints, err := checkpoint.New(checkpoint.Options{
		Store:       primary,
		Cache:       cache,
		Tree:        trees,
		Planner:     plans,
		Bus:         eventBus,
		Inbox:       inboxes,
		Preferences: prefs,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf(ctx, err, "checkpoint manager init failed")
	}
	exec, err := stepexec.New(stepexec.Options{
		Tree:        trees,
		Store:       primary,
		Cache:       cache,
		Bus:         eventBus,
		Inbox:       inboxes,
		Checkpoints: checkpoints,
		Executor:    &llmExecutor{model: modelClient},
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "step executor init failed")
	}

	sched, err := buildScheduler(ctx, cfg.Queue, rdb, trees, exec, logger, metrics)
	if err != nil {
		log.Fatalf(ctx, err, "scheduler init failed")
	}
	exec.SetScheduleReady(sched.ScheduleReadyNodes)

	orch, err := orchestrator.New(orchestrator.Options{
		Store:       primary,
		Cache:       cache,
		Tree:        trees,
		Bus:         eventBus,
		Inbox:       inboxes,
		Observer:    obs,
		Checkpoints: checkpoints,
		Exec:        exec,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "orchestrator init failed")
	}
	planning, err := planner.New(planner.Options{
		Store:       primary,
		Cache:       cache,
		Trees:       trees,
		Bus:         eventBus,
		Intents:     intents,
		FastPath:    fp,
		Planner:     plans,
		Risk:        risk.New(),
		Automations: automations,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "planning pipeline init failed")
	}

	rt, err := taskruntime.New(taskruntime.Options{
		Store:        primary,
		Cache:        cache,
		Tree:         trees,
		Bus:          eventBus,
		Stream:       streams,
		Inbox:        inboxes,
		Planning:     planning,
		Orchestrator: orch,
		Scheduler:    sched,
		Checkpoints:  checkpoints,
		Preferences:  prefs,
		Triggers:     triggers,
		Memory:       memories,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "runtime init failed")
	}
	rt.StartRecoverySweep()

	// External event gateway.
	gw, err := gateway.New(gateway.Options{
		Sources:     gwinmem.NewSourceStore(),
		Idempotency: cache,
		Bus:         eventBus,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf(ctx, err, "gateway init failed")
	}
	gw.SetDispatch(rt.DispatchEvent)

	// Health and webhook endpoints.
	mux := http.NewServeMux()
	checker := health.NewChecker(taskClient, prefClient, memClient, cache)
	mux.Handle("GET /healthz", health.Handler(checker))
	mux.Handle("GET /livez", health.Handler(checker))
	mux.HandleFunc("POST /events/{source}", func(w http.ResponseWriter, req *http.Request) {
		handleWebhook(gw, w, req)
	})
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	// Fire due automations: clone the template task at each scheduled
	// instant and start the clone.
	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case now := <-ticker.C:
				due, err := automations.Due(loopCtx, now.UTC())
				if err != nil {
					log.Errorf(loopCtx, err, "automation scan failed")
					continue
				}
				for _, a := range due {
					if err := automations.MarkFired(loopCtx, a.ID, now.UTC()); err != nil {
						log.Errorf(loopCtx, err, "automation mark-fired failed")
						continue
					}
					if _, err := rt.CloneAndExecuteFromAutomation(loopCtx, a.TaskID, a.ID); err != nil {
						log.Errorf(loopCtx, err, "automation firing failed")
					}
				}
			}
		}
	}()
	go func() {
		log.Printf(ctx, "HTTP server listening on %s", cfg.HTTP.Addr)
		errc <- srv.ListenAndServe()
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Errorf(ctx, err, "http shutdown failed")
	}
	if err := rt.Shutdown(sctx); err != nil {
		log.Errorf(ctx, err, "runtime shutdown failed")
	}
	log.Printf(ctx, "exited")
}

// buildModelClient constructs the configured provider client.
func buildModelClient(cfg ModelConfig) (model.Client, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("environment variable %s is not set", cfg.APIKeyEnv)
	}
	switch cfg.Provider {
	case "anthropic":
		return anthropicmodel.NewFromAPIKey(apiKey, cfg.Model)
	case "openai":
		return openaimodel.NewFromAPIKey(apiKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}

// buildScheduler wires queue mode (durable Pulse pool) or in-process mode
// (direct step execution).
func buildScheduler(ctx context.Context, cfg QueueConfig, rdb *redis.Client, trees *treeinmem.Store, exec *stepexec.Pipeline, logger telemetry.Logger, metrics telemetry.Metrics) (*scheduler.Scheduler, error) {
	if cfg.Mode == "inprocess" {
		return scheduler.New(scheduler.Options{
			Tree: trees,
			Execute: func(ctx context.Context, taskID, stepID string) error {
				_, err := exec.Execute(ctx, stepexec.Payload{TaskID: taskID, StepID: stepID})
				return err
			},
			Logger:  logger,
			Metrics: metrics,
		})
	}
	poolName := cfg.PoolName
	if poolName == "" {
		poolName = pulsequeue.DefaultPoolName
	}
	node, err := poolclients.New(ctx, poolclients.Options{
		Redis:      rdb,
		PoolName:   poolName,
		ClientOnly: !cfg.Worker,
	})
	if err != nil {
		return nil, fmt.Errorf("pool node: %w", err)
	}
	q, err := pulsequeue.NewQueue(pulsequeue.QueueOptions{Node: node, Logger: logger})
	if err != nil {
		return nil, err
	}
	if cfg.Worker {
		_, err = pulsequeue.NewWorker(ctx, pulsequeue.WorkerOptions{
			Node: node,
			Handler: func(ctx context.Context, item queue.WorkItem) error {
				_, err := exec.Execute(ctx, stepexec.Payload{TaskID: item.TaskID, StepID: item.StepID})
				return err
			},
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("pool worker: %w", err)
		}
	}
	return scheduler.New(scheduler.Options{Tree: trees, Queue: q, Logger: logger, Metrics: metrics})
}

// handleWebhook adapts one HTTP delivery to the gateway contract.
func handleWebhook(gw *gateway.Gateway, w http.ResponseWriter, req *http.Request) {
	body := http.MaxBytesReader(w, req.Body, 1<<20)
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	headers := make(map[string]string, len(req.Header))
	for k := range req.Header {
		headers[k] = req.Header.Get(k)
	}
	receipt, err := gw.HandleEvent(req.Context(), req.PathValue("source"), headers, raw)
	if err != nil {
		http.Error(w, err.Error(), gatewayStatus(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(receipt)
}

func gatewayStatus(err error) int {
	switch {
	case task.IsKind(err, task.KindForbidden):
		return http.StatusUnauthorized
	case task.IsKind(err, task.KindValidation):
		return http.StatusBadRequest
	case task.IsKind(err, task.KindNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
