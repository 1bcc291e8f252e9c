// Command agentd is a multi-tenant conversational AI server.
//
// It serves streaming and non-streaming chat over HTTP, runs a
// tool-calling agent loop against any OpenAI-compatible LLM, executes
// shell and file tools inside a shared Docker sandbox with per-user
// workspaces, and persists conversation state as per-thread checkpoints
// in SQLite or PostgreSQL.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/agentd"
	"github.com/nevindra/agentd/internal/config"
	"github.com/nevindra/agentd/observer"
	"github.com/nevindra/agentd/provider/openaicompat"
	"github.com/nevindra/agentd/sandbox"
	"github.com/nevindra/agentd/server"
	"github.com/nevindra/agentd/store/postgres"
	"github.com/nevindra/agentd/store/sqlite"
	"github.com/nevindra/agentd/tools/file"
	"github.com/nevindra/agentd/tools/shell"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config (default agentd.toml, env AGENTD_CONFIG)")
	flag.Parse()

	cfg := config.Load(*configPath)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Observability: tracer + metric instruments, no-op unless enabled.
	var (
		tracer agentd.Tracer
		inst   *observer.Instruments
	)
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx)
		if err != nil {
			logger.Error("observer init failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = shutdown(shutCtx)
		}()
		tracer = observer.NewTracer()
	}

	// Store: postgres:// selects PostgreSQL, anything else is a SQLite path.
	var db agentd.Store
	if strings.HasPrefix(cfg.Database.URL, "postgres://") || strings.HasPrefix(cfg.Database.URL, "postgresql://") {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			logger.Error("postgres pool failed", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		db = postgres.New(pool)
	} else {
		db = sqlite.New(cfg.Database.URL, sqlite.WithLogger(logger))
	}
	defer db.Close()
	if err := db.Init(ctx); err != nil {
		logger.Error("store init failed", "error", err)
		os.Exit(1)
	}

	// Sandbox.
	if cfg.Sandbox.Image == "" {
		logger.Error("sandbox image is required (SANDBOX_IMAGE or [sandbox] image)")
		os.Exit(1)
	}
	cpu, _ := strconv.ParseFloat(cfg.Sandbox.CPULimit, 64)
	sb, err := sandbox.New(sandbox.Config{
		Image:          cfg.Sandbox.Image,
		ContainerName:  cfg.Sandbox.ContainerName,
		VolumeName:     cfg.Sandbox.VolumeName,
		Network:        cfg.Sandbox.Network,
		CPULimit:       cpu,
		MemoryLimit:    cfg.Sandbox.MemoryLimit,
		DefaultTimeout: time.Duration(cfg.Sandbox.TimeoutDefault) * time.Second,
		MaxTimeout:     time.Duration(cfg.Sandbox.TimeoutMax) * time.Second,
		ToolsSource:    cfg.Sandbox.ToolsSource,
	}, sandbox.WithLogger(logger), sandbox.WithTracer(tracer))
	if err != nil {
		logger.Error("sandbox setup failed", "error", err)
		os.Exit(1)
	}
	defer sb.Close(context.Background())

	// Tools. The sandbox is shared; per-user isolation comes from the
	// session context each tool reads.
	var execer shell.Execer = sb
	if inst != nil {
		execer = observer.WrapExecer(sb, inst)
	}
	tools := []agentd.Tool{
		shell.New(execer, time.Duration(cfg.Sandbox.TimeoutDefault)*time.Second),
		file.New(sb),
		agentd.NewTodoTool(),
	}
	if inst != nil {
		for i, t := range tools {
			tools[i] = observer.WrapTool(t, inst)
		}
	}

	// Agent factory: one compiled agent per (model, key, baseURL, tokens).
	builder := func(key agentd.AgentKey) (*agentd.Agent, error) {
		var provider agentd.Provider = openaicompat.NewProvider(key.APIKey, key.Model, key.BaseURL)
		provider = agentd.WithRetry(provider)
		if cfg.LLM.RPM > 0 || cfg.LLM.TPM > 0 {
			provider = agentd.WithRateLimit(provider, agentd.RPM(cfg.LLM.RPM), agentd.TPM(cfg.LLM.TPM))
		}
		if inst != nil {
			provider = observer.WrapProvider(provider, key.Model, inst)
		}
		return agentd.NewAgent(provider,
			agentd.WithTools(tools...),
			agentd.WithSystemPrompt(cfg.Server.SystemPrompt),
			agentd.WithMaxTokens(key.MaxOutputTokens),
			agentd.WithProcessors(
				agentd.NewInjectionGuard(agentd.InjectionLogger(logger)),
				agentd.NewContentGuard(
					agentd.MaxInputLength(cfg.Server.MaxInputRunes),
					agentd.ContentLogger(logger),
				),
				agentd.NewMaxToolCallsGuard(10),
				&agentd.ToolCallRepair{},
				agentd.NewSummarizer(provider, 80_000, 10),
			),
			agentd.WithTracer(tracer),
			agentd.WithLogger(logger),
		), nil
	}
	factory := agentd.NewFactory(agentd.DefaultFactoryCapacity, builder)

	resolver := agentd.NewResolver(db, agentd.ResolverDefaults{
		Model:             cfg.LLM.Model,
		APIKey:            cfg.LLM.APIKey,
		BaseURL:           cfg.LLM.BaseURL,
		MaxOutputTokens:   cfg.LLM.MaxOutputTokens,
		RecursionBound:    cfg.LLM.RecursionLimit,
		MaxRecursionBound: cfg.LLM.RecursionLimit,
	}, agentd.ResolverLogger(logger))

	runner := agentd.NewRunner(factory, db, resolver,
		agentd.RunnerLogger(logger), agentd.RunnerTracer(tracer))

	var turns server.TurnRunner = runner
	if inst != nil {
		turns = observer.WrapRunner(runner, inst)
	}

	srv := server.New(turns, db, tokenVerifier(cfg.Server), server.WithLogger(logger))
	httpSrv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     srv.Handler(),
		ReadTimeout: time.Minute,
		IdleTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	logger.Info("stopped")
}

// tokenVerifier builds the bearer verifier from config: a token map for
// multi-user deployments, or a single shared secret mapped to "default".
// JWT issuance and verification are left to the deployment; swap this
// func for one that validates real tokens.
func tokenVerifier(cfg config.ServerConfig) server.TokenVerifier {
	return func(_ context.Context, token string) (string, error) {
		if userID, ok := cfg.Tokens[token]; ok {
			return userID, nil
		}
		if cfg.AuthToken != "" && token == cfg.AuthToken {
			return "default", nil
		}
		return "", errors.New("unknown token")
	}
}
