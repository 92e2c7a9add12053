package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/completion"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/config"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/embeddings"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/health"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/httpapi"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/pipeline"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/policy"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/recall"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/server"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/vectordb"
)

const knowledgeSeedTimeout = 60 * time.Second

func main() {
	logger, err := newLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("Solver exited with error", zap.Error(err))
	}
	logger.Info("Solver stopped")
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("SOLVER_ENV") == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgPath := config.ResolvePath("")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("Configuration loaded",
		zap.String("path", cfgPath),
		zap.String("environment", cfg.Environment),
		zap.String("recall_driver", cfg.Recall.Driver),
		zap.Bool("guardrails", cfg.Guardrails.Enabled),
		zap.Bool("vector", cfg.Vector.Enabled),
		zap.Bool("auth", cfg.Auth.Enabled),
	)

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	hm := health.NewManager(logger)

	// Completion service shared by every stage agent
	llmBreaker := circuitbreaker.New("completion", cfg.Breaker, logger)
	llm, err := completion.New(cfg.Completion, llmBreaker, logger)
	if err != nil {
		return fmt.Errorf("completion client: %w", err)
	}
	_ = hm.RegisterChecker(health.NewBreakerChecker(llmBreaker, false))

	var (
		opa        *policy.OPAEngine
		policyEval agents.PolicyEvaluator
	)
	if cfg.Guardrails.Enabled {
		opa, err = policy.NewOPAEngine(cfg.Guardrails, logger)
		if err != nil {
			logger.Warn("Policy engine unavailable, guardrail runs without rego rules", zap.Error(err))
		} else {
			policyEval = opa
		}
	}

	store, err := recall.OpenSQLStore(ctx, cfg.Recall.Driver, cfg.Recall.DSN, logger)
	if err != nil {
		return fmt.Errorf("recall store: %w", err)
	}
	defer store.Close()
	_ = hm.RegisterChecker(health.NewPingChecker("database", true, store.Ping))

	var (
		retriever recall.Retriever
		knowledge server.KnowledgeIndex
	)
	if cfg.Vector.Enabled {
		vec := setupKnowledge(ctx, cfg, logger)
		retriever, knowledge = vec, vec
		_ = hm.RegisterChecker(health.NewReadyChecker("knowledge_index", vec))
	}
	engine := recall.NewEngine(store, retriever, logger, recall.WithContextK(cfg.Recall.ContextK))

	orch, err := pipeline.New(pipeline.Config{
		Safety:     agents.NewGuardrail(llm, policyEval, logger),
		Parser:     agents.NewParser(llm, logger),
		Classifier: agents.NewRouter(llm, logger),
		Solver:     agents.NewSolver(llm, agents.NewCalculator(), logger),
		Verifier:   agents.NewVerifier(llm, logger),
		Explainer:  agents.NewExplainer(llm, logger),
		Recall:     engine,
		Extraction: agents.NewInputVerifier(cfg.Review.ExtractionConfidenceThreshold, logger),
		Policy:     cfg.ReviewPolicy(),
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	solver := server.NewSolverService(orch, store, knowledge, logger)
	reviews := server.NewFeedbackService(store, logger)

	eventLog, closeLog := newEventLog(ctx, cfg.Streaming, hm, logger)
	defer closeLog()
	streams := streaming.NewController(solver, streaming.Options{
		QueueSize:   cfg.Streaming.QueueSize,
		CancelGrace: cfg.Streaming.CancelGrace,
		Log:         eventLog,
	}, logger)

	var jwtm *auth.JWTManager
	if cfg.Auth.Enabled {
		jwtm = auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, 0)
	}
	guard := auth.NewMiddleware(jwtm, !cfg.Auth.Enabled, logger)

	mux := http.NewServeMux()
	httpapi.NewHandler(solver, reviews, streams, guard, logger).RegisterRoutes(mux)
	health.NewHTTPHandler(hm, logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	// No write timeout: SSE and WebSocket responses stay open for the whole run.
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTP.Port),
		Handler:           mux,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		IdleTimeout:       60 * time.Second,
	}

	watcher, err := config.NewWatcher(cfgPath, cfg, logger)
	if err != nil {
		return err
	}
	watcher.OnChange(func(c *config.Config) error {
		return orch.SetPolicy(c.ReviewPolicy())
	})
	if opa != nil {
		watcher.OnPolicyChange(opa.LoadPolicies)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := watcher.Run(gctx); err != nil {
			logger.Warn("Configuration hot reload disabled", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("Solver HTTP server listening", zap.Int("port", cfg.HTTP.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down HTTP server", zap.Duration("timeout", cfg.HTTP.ShutdownTimeout))
		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// setupKnowledge builds the embedding service and vector index and seeds the
// index from the knowledge base file. Failures leave the index not ready,
// which recall treats as unavailable.
func setupKnowledge(ctx context.Context, cfg *config.Config, logger *zap.Logger) *vectordb.Client {
	var cache embeddings.EmbeddingCache
	if cfg.Embeddings.RedisAddr != "" {
		rc, err := embeddings.DialRedisCache(ctx, cfg.Embeddings.RedisAddr, logger)
		if err != nil {
			logger.Warn("Embeddings Redis cache init failed, using local cache only", zap.Error(err))
		} else {
			cache = rc
		}
	}
	emb := embeddings.New(cfg.Embeddings, cache, circuitbreaker.New("embeddings", cfg.Breaker, logger), logger)
	vec := vectordb.New(cfg.Vector, emb, circuitbreaker.New("qdrant", cfg.Breaker, logger), logger)

	var docs []vectordb.Document
	if path := cfg.Vector.KnowledgePath; path != "" {
		var err error
		if docs, err = vectordb.LoadKnowledgeBase(path); err != nil {
			logger.Warn("Failed to load knowledge base", zap.String("path", path), zap.Error(err))
		}
	}
	seedCtx, cancel := context.WithTimeout(ctx, knowledgeSeedTimeout)
	defer cancel()
	if err := vec.Initialize(seedCtx, docs); err != nil {
		logger.Warn("Knowledge index not initialized", zap.Error(err))
	}
	return vec
}

// newEventLog prefers the shared Redis log so replay survives restarts and
// works across replicas.
func newEventLog(ctx context.Context, cfg config.StreamingConfig, hm *health.Manager, logger *zap.Logger) (streaming.EventLog, func()) {
	memory := streaming.NewMemoryLog(0, 0)
	if cfg.RedisURL == "" {
		return memory, func() {}
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("Invalid streaming redis_url, replay stays in memory", zap.Error(err))
		return memory, func() {}
	}
	client := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		logger.Warn("Redis unreachable, replay stays in memory", zap.Error(err))
		_ = client.Close()
		return memory, func() {}
	}
	_ = hm.RegisterChecker(health.NewPingChecker("redis", false, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}))
	logger.Info("Stream replay backed by Redis", zap.String("addr", opts.Addr))
	return streaming.NewRedisLog(client, cfg.ReplayMaxLen, cfg.ReplayTTL, logger), func() { _ = client.Close() }
}
