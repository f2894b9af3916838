package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/caselens/loom/internal/reporting"
	"github.com/caselens/loom/internal/tracing"
	"github.com/caselens/loom/pkg/cache"
	"github.com/caselens/loom/pkg/engine"
	"github.com/caselens/loom/pkg/events"
	"github.com/caselens/loom/pkg/results"
	"github.com/caselens/loom/pkg/schema"
	"github.com/caselens/loom/pkg/transform"
)

// runtime bundles the long-lived services a command wires before executing.
type runtime struct {
	layout     results.Layout
	registry   *schema.Registry
	transforms *transform.Registry
	runCache   *cache.Cache
	writer     *results.Writer
	reader     *results.Reader
	engine     *engine.Engine
	publisher  *events.Publisher
	reporter   *reporting.Reporter

	shutdownTracing func(context.Context) error
}

// newRuntime wires the shared services from the loaded configuration.
func newRuntime(ctx context.Context) (*runtime, error) {
	rt := &runtime{
		layout:     results.DefaultLayout(cfg.DataDir),
		registry:   schema.NewRegistry(0),
		transforms: transform.NewRegistry(),
		runCache:   cache.New(cache.ScopeRun),
	}
	rt.writer = results.NewWriter(rt.layout, logger)
	rt.reader = results.NewReader(rt.layout)

	var err error
	rt.reporter, err = reporting.Init(reporting.Config{
		DSN:         cfg.Reporting.DSN,
		Environment: cfg.Reporting.Environment,
	}, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Tracing.Enabled {
		tcfg := tracing.DefaultConfig("loom")
		tcfg.OTLPEndpoint = cfg.Tracing.OTLPEndpoint
		tcfg.Environment = cfg.Tracing.Environment
		tcfg.SampleRatio = cfg.Tracing.SampleRatio
		rt.shutdownTracing, err = tracing.Setup(ctx, tcfg, logger)
		if err != nil {
			return nil, err
		}
	}

	engineOpts := []engine.Option{
		engine.WithTransforms(rt.transforms),
		engine.WithRunCache(rt.runCache),
	}
	if cfg.Events.URL != "" {
		rt.publisher, err = events.Connect(events.DefaultConfig(cfg.Events.URL), logger)
		if err != nil {
			// Lifecycle events are best-effort; a missing broker should not
			// block a run.
			logger.Warn("Event publisher unavailable, continuing without it", zap.Error(err))
		} else {
			engineOpts = append(engineOpts, engine.WithEvents(rt.publisher))
		}
	}

	rt.engine, err = engine.New(rt.registry, rt.writer, logger, engineOpts...)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// close flushes and shuts down the optional services.
func (rt *runtime) close(ctx context.Context) {
	if rt.publisher != nil {
		if err := rt.publisher.Close(); err != nil {
			logger.Warn("Failed to close event publisher", zap.Error(err))
		}
	}
	if rt.shutdownTracing != nil {
		_ = tracing.Shutdown(rt.shutdownTracing, logger)
	}
	rt.reporter.Flush()
}
