// Package app assembles a connector process: logger, processor registry,
// supervisor, monitoring agent, resolvers, transport, callbacks and the
// HTTP server, all constructed once at a deterministic point and shared by
// reference.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/specialistvlad/chainmesh/internal/chain"
	"github.com/specialistvlad/chainmesh/internal/config"
	"github.com/specialistvlad/chainmesh/internal/connector"
	"github.com/specialistvlad/chainmesh/internal/ctxlog"
	"github.com/specialistvlad/chainmesh/internal/monitoring"
	"github.com/specialistvlad/chainmesh/internal/observability"
	"github.com/specialistvlad/chainmesh/internal/processor"
	"github.com/specialistvlad/chainmesh/internal/resolver"
	"github.com/specialistvlad/chainmesh/internal/supervisor"
	"github.com/specialistvlad/chainmesh/internal/transport"
)

// App encapsulates one connector's dependencies and lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	cfg    *Config
	file   *config.File

	registry *processor.Registry
	agent    *monitoring.Agent
	sup      *supervisor.Supervisor
	server   *connector.Server
	metrics  *observability.Metrics
}

// New constructs a fully wired App. The supervisor and monitoring agent are
// the process-wide singletons; nothing looks them up globally, they are
// passed into every component that needs them.
func New(outW io.Writer, cfg *Config) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	logger.Debug("Logger configured successfully.")

	registry := processor.NewDefaultRegistry()

	file, err := config.Load(cfg.ConfigPath, registry)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if cfg.UID != "" {
		file.UID = cfg.UID
	}
	if cfg.Port != 0 {
		file.Port = cfg.Port
	}
	if file.Port == 0 {
		file.Port = 8080
	}
	if file.Advertise == "" {
		file.Advertise = fmt.Sprintf("http://localhost:%d", file.Port)
	}
	logger.Debug("Configuration loaded.", "uid", file.UID, "peers", len(file.Peers),
		"pipelines", len(file.Pipelines), "chainStages", len(file.Chain))

	promRegistry := prometheus.NewRegistry()
	metrics := observability.New(promRegistry)

	agent := monitoring.NewAgent()
	sup := supervisor.New(supervisor.Options{
		UID:     file.UID,
		Clock:   clock.New(),
		Metrics: metrics,
	})

	hosts := resolver.NewStaticHosts(file.Peers)
	monResolver := resolver.NewAgentMonitoring(agent)
	poster := transport.NewHTTPPoster(nil)

	wiring := supervisor.Wiring{
		Hosts:          hosts,
		Monitoring:     monResolver,
		Poster:         poster,
		Paths:          file.Paths,
		MonitoringHost: file.Advertise,
		Metrics:        metrics,
	}
	wiring.ReportHandler = func(ctx context.Context, msg monitoring.ReportingMessage) {
		_ = supervisor.BroadcastReport(ctxlog.WithLogger(ctx, logger), wiring, msg)
	}
	if err := sup.SetCallbacks(supervisor.DefaultCallbacks(wiring)); err != nil {
		return nil, err
	}
	sup.SetChainConfig(file.Chain)

	server := connector.New(connector.Options{
		Supervisor: sup,
		Agent:      agent,
		Pipelines:  file.Pipelines,
		Paths:      file.Paths,
		Logger:     logger,
		Gatherer:   promRegistry,
	})

	return &App{
		outW:     outW,
		logger:   logger,
		cfg:      cfg,
		file:     file,
		registry: registry,
		agent:    agent,
		sup:      sup,
		server:   server,
		metrics:  metrics,
	}, nil
}

// Supervisor returns the app's supervisor. This is primarily for testing.
func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }

// Agent returns the app's monitoring agent. This is primarily for testing.
func (a *App) Agent() *monitoring.Agent { return a.agent }

// Paths returns the fabric paths this connector serves.
func (a *App) Paths() chain.Paths { return a.file.Paths }
