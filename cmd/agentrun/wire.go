package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/agentrun/internal/config"
	"github.com/nextlevelbuilder/agentrun/internal/events"
	"github.com/nextlevelbuilder/agentrun/internal/executor"
	"github.com/nextlevelbuilder/agentrun/internal/llm"
	"github.com/nextlevelbuilder/agentrun/internal/planner"
	"github.com/nextlevelbuilder/agentrun/internal/processor"
	"github.com/nextlevelbuilder/agentrun/internal/scheduler"
	"github.com/nextlevelbuilder/agentrun/internal/store"
	"github.com/nextlevelbuilder/agentrun/internal/store/file"
	"github.com/nextlevelbuilder/agentrun/internal/store/pg"
	"github.com/nextlevelbuilder/agentrun/internal/task"
	"github.com/nextlevelbuilder/agentrun/internal/tools"
	"github.com/nextlevelbuilder/agentrun/internal/tools/builtin"
	"github.com/nextlevelbuilder/agentrun/internal/tracing"
)

// runtime bundles the wired components plus their teardown.
type runtime struct {
	cfg      *config.Config
	manager  *task.Manager
	registry *tools.Registry
	planner  *planner.Planner
	exec     *executor.Executor
	sink     events.Log
	lanes    *scheduler.LaneManager
}

// buildRuntime wires every component from configuration. The returned
// cleanup tears them down in reverse order and is safe to call once.
func buildRuntime(ctx context.Context) (*runtime, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*runtime, func(), error) {
		cleanup()
		return nil, nil, err
	}

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing.Endpoint, "agentrun")
	if err != nil {
		return fail(err)
	}
	cleanups = append(cleanups, func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("trace flush failed", "error", err)
		}
	})

	storage, err := openStorage(cfg)
	if err != nil {
		return fail(err)
	}
	cleanups = append(cleanups, func() {
		if err := storage.Close(); err != nil {
			slog.Warn("storage close failed", "error", err)
		}
	})

	manager := task.NewManager(storage)
	if err := manager.Initialize(ctx); err != nil {
		return fail(err)
	}

	registry := tools.NewRegistry()
	if err := registry.RegisterTool(builtin.NewShellTool(cfg.Workspace)); err != nil {
		return fail(err)
	}
	if err := registry.RegisterTool(builtin.NewHTTPRequestTool()); err != nil {
		return fail(err)
	}

	loader := tools.NewPluginLoader(registry)
	loader.LoadDirectory(ctx, cfg.Plugins.Dir)
	cleanups = append(cleanups, loader.Close)

	if cfg.Plugins.Watch {
		watcher, err := tools.NewPluginWatcher(loader, cfg.Plugins.Dir)
		if err != nil {
			slog.Warn("plugin watcher unavailable", "error", err)
		} else if err := watcher.Start(ctx); err != nil {
			slog.Warn("plugin watcher failed to start", "error", err)
		} else {
			cleanups = append(cleanups, watcher.Stop)
		}
	}

	var sink events.Log
	if cfg.Redis.Addr != "" {
		client, err := events.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fail(err)
		}
		redisSink := events.NewRedisSink(client)
		cleanups = append(cleanups, func() {
			if err := redisSink.Close(); err != nil {
				slog.Warn("redis close failed", "error", err)
			}
		})
		sink = redisSink
	} else {
		slog.Warn("no redis configured; event log is in-memory only")
		sink = events.NewMemorySink()
	}

	client := llm.NewRetryClient(llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL:           cfg.LLM.BaseURL,
		APIKey:            cfg.LLM.APIKey,
		Model:             cfg.LLM.Model,
		CallTimeout:       cfg.LLM.Timeout(),
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
	}), llm.RetryConfig{})

	proc := processor.New(registry, processor.DefaultOptions())
	pl := planner.New(manager, registry, client, sink)
	exec := executor.New(manager, registry, proc, client, sink, executor.Config{
		LLMParams:   cfg.Executor.LLMParams,
		MaxParallel: cfg.Executor.MaxParallel,
		ToolRetries: cfg.Executor.ToolRetries,
	})

	lanes := scheduler.NewLaneManager(scheduler.DefaultLanes())
	cleanups = append(cleanups, lanes.StopAll)

	return &runtime{
		cfg:      cfg,
		manager:  manager,
		registry: registry,
		planner:  pl,
		exec:     exec,
		sink:     sink,
		lanes:    lanes,
	}, cleanup, nil
}

func openStorage(cfg *config.Config) (store.TaskStore, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return pg.Open(cfg.Storage.DSN)
	case "file":
		return file.Open(cfg.Storage.Path)
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
