package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dshills/pipeflow/flow"
	"github.com/dshills/pipeflow/flow/block"
	"github.com/dshills/pipeflow/flow/emit"
	"github.com/dshills/pipeflow/flow/expr"
	"github.com/dshills/pipeflow/flow/llm"
	"github.com/dshills/pipeflow/flow/llm/anthropic"
	"github.com/dshills/pipeflow/flow/llm/google"
	"github.com/dshills/pipeflow/flow/llm/openai"
	"github.com/dshills/pipeflow/flow/store"
	"github.com/dshills/pipeflow/flow/tool"
	"github.com/dshills/pipeflow/internal/config"
	"github.com/dshills/pipeflow/internal/ctxlog"
)

// app is everything a command needs, built from the loaded config.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.Store
	tools    *tool.Registry
	registry *block.Registry
	engine   *flow.Engine
	metrics  *prometheus.Registry
}

// loadRegistry builds the tool registry and the block registry, with one
// block per tool plus the declarations found in the configured sources.
func loadRegistry(ctx context.Context, cfg *config.Config) (*tool.Registry, *block.Registry, error) {
	tools, err := tool.NewRegistry(tool.Builtins(&http.Client{Timeout: 60 * time.Second}, chatModels(cfg))...)
	if err != nil {
		return nil, nil, err
	}
	reg := block.NewRegistry()
	if err := block.RegisterTools(reg, tools); err != nil {
		return nil, nil, err
	}

	var sources []block.Source
	for _, dir := range cfg.Blocks.Sources {
		sources = append(sources, block.YAMLSource(dir), block.HCLSource(dir))
	}
	if err := reg.LoadSources(ctx, sources...); err != nil {
		return nil, nil, fmt.Errorf("failed to load block sources: %w", err)
	}
	return tools, reg, nil
}

// chatModels registers a chat tool per configured provider. The first
// configured provider, in the order anthropic, openai, google, also
// serves the default llm.chat tool.
func chatModels(cfg *config.Config) map[string]llm.ChatModel {
	models := map[string]llm.ChatModel{}
	add := func(name string, m llm.ChatModel) {
		models[tool.ChatName+"."+name] = m
		if _, ok := models[tool.ChatName]; !ok {
			models[tool.ChatName] = m
		}
	}
	if p := cfg.LLM.Anthropic; p.APIKey != "" {
		add("anthropic", anthropic.NewChatModel(p.APIKey, p.Model))
	}
	if p := cfg.LLM.OpenAI; p.APIKey != "" {
		add("openai", openai.NewChatModel(p.APIKey, p.Model))
	}
	if p := cfg.LLM.Google; p.APIKey != "" {
		add("google", google.NewChatModel(p.APIKey, p.Model))
	}
	return models
}

// openStore opens the configured storage backend.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return store.NewMemStore(), nil
	case config.DriverSQLite:
		return store.NewSQLiteStore(cfg.Store.DSN)
	case config.DriverMySQL:
		return store.NewMySQLStore(cfg.Store.DSN)
	case config.DriverPostgres:
		return store.NewPostgresStore(ctx, cfg.Store.DSN)
	}
	return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
}

func newApp(ctx context.Context, cfg *config.Config, logW io.Writer) (*app, error) {
	logger := cfg.NewLogger(logW)
	ctx = ctxlog.WithLogger(ctx, logger)

	tools, reg, err := loadRegistry(ctx, cfg)
	if err != nil {
		return nil, err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: st, tools: tools, registry: reg}
	opts := []flow.Option{
		flow.WithLogger(logger),
		flow.WithEvaluator(expr.New(cfg.ExprOptions(logger))),
		flow.WithMaxIterations(cfg.Engine.MaxIterations),
		flow.WithToolTimeout(cfg.Engine.ToolTimeout),
		flow.WithValidationMode(flow.ValidationMode(cfg.Engine.ValidationMode)),
		flow.WithEmitter(emit.NewLogEmitter(logger, slog.LevelDebug)),
	}
	if cfg.Metrics.Enabled {
		a.metrics = prometheus.NewRegistry()
		opts = append(opts, flow.WithMetrics(flow.NewPrometheusMetrics(a.metrics)))
	}
	a.engine, err = flow.New(reg, tools, st, opts...)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
