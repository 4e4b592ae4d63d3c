// Package connector exposes the fabric protocol over HTTP: the setup, run
// and notify endpoints peers address, plus health and metrics.
package connector

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/specialistvlad/chainmesh/internal/chain"
	"github.com/specialistvlad/chainmesh/internal/config"
	"github.com/specialistvlad/chainmesh/internal/ctxlog"
	"github.com/specialistvlad/chainmesh/internal/monitoring"
	"github.com/specialistvlad/chainmesh/internal/node"
	"github.com/specialistvlad/chainmesh/internal/supervisor"
)

// Server wires the supervisor and monitoring agent behind the connector's
// HTTP surface.
type Server struct {
	engine    *gin.Engine
	sup       *supervisor.Supervisor
	agent     *monitoring.Agent
	pipelines map[string]config.PipelineDefault
	paths     chain.Paths
	logger    *slog.Logger
}

// Options configures a connector server.
type Options struct {
	Supervisor *supervisor.Supervisor
	Agent      *monitoring.Agent
	Pipelines  map[string]config.PipelineDefault
	Paths      chain.Paths
	Logger     *slog.Logger
	// Gatherer backs the /metrics endpoint. Nil disables it.
	Gatherer prometheus.Gatherer
}

// New builds the gin engine with the fabric routes mounted under the
// configured paths.
func New(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:    gin.New(),
		sup:       opts.Supervisor,
		agent:     opts.Agent,
		pipelines: opts.Pipelines,
		paths:     opts.Paths,
		logger:    logger,
	}

	s.engine.Use(gin.Recovery(), s.accessLog())

	s.engine.POST(s.paths.Setup, s.handleSetup)
	s.engine.POST(s.paths.Run, s.handleRun)
	s.engine.POST(s.paths.Notify, s.handleNotify)
	s.engine.GET("/chain/:chainId/state", s.handleChainState)
	s.engine.GET("/healthz", s.handleHealth)
	if opts.Gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
	return s
}

// Handler returns the server's http.Handler, for mounting and for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// accessLog logs each request with latency and status, and plants the
// server's logger in the request context for downstream components.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Request = c.Request.WithContext(ctxlog.WithLogger(c.Request.Context(), s.logger))
		c.Next()
		s.logger.Debug("Request handled.",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start))
	}
}

// handleSetup materializes this connector's nodes for a broadcast stage and
// records the chain's monitoring host.
func (s *Server) handleSetup(c *gin.Context) {
	var req chain.SetupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ChainID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chainId is required"})
		return
	}
	ctx := ctxlog.With(c.Request.Context(), "chainID", req.ChainID)
	logger := ctxlog.FromContext(ctx)

	if req.MonitoringHost != "" {
		s.agent.Register(req.ChainID, req.MonitoringHost)
		logger.Debug("Monitoring host registered.", "host", req.MonitoringHost)
	}

	services := req.RemoteConfigs.Services
	if len(services) == 0 {
		logger.Warn("Setup request carries no services.")
		c.JSON(http.StatusOK, gin.H{"created": []string{}})
		return
	}
	if len(services) > 1 {
		logger.Warn("Only the first service of a setup stage is materialized.",
			"extra", len(services)-1)
	}

	svc := services[0]
	nodeID := s.sup.CreateNode(ctx, req.ChainID, nil)
	n, _ := s.sup.Node(nodeID)
	if def, ok := s.pipelines[svc.TargetID]; ok {
		if err := n.AppendPipeline(def.Processors...); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if def.NextTarget != "" {
			if err := n.SetNextTarget(def.NextTarget, nil); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
	}
	s.sup.BindTarget(req.ChainID, svc.TargetID, nodeID)
	logger.Info("Node created from setup broadcast.", "targetID", svc.TargetID, "nodeID", nodeID)
	c.JSON(http.StatusOK, gin.H{"created": []string{nodeID}})
}

// handleRun executes the node serving the addressed target and, if the node
// has a next target, forwards its output downstream before replying.
func (s *Server) handleRun(c *gin.Context) {
	var req chain.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ChainID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chainId is required"})
		return
	}
	ctx := ctxlog.With(c.Request.Context(), "chainID", req.ChainID, "targetID", req.TargetID)
	logger := ctxlog.FromContext(ctx)

	n, ok := s.sup.NodeByTarget(req.ChainID, req.TargetID)
	if !ok {
		logger.Warn("Run request for unknown target.")
		c.JSON(http.StatusNotFound, gin.H{"error": "no node for target " + req.TargetID})
		return
	}

	if err := s.sup.RunNode(ctx, n.ID(), req.Data); err != nil {
		var perr *node.ProcessingError
		var derr *node.DependencyError
		switch {
		case errors.As(err, &perr), errors.As(err, &derr):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "nodeId": n.ID()})
		default:
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "nodeId": n.ID()})
		}
		return
	}

	if n.NextTarget() != "" {
		if err := s.sup.SendNodeData(ctx, n.ID()); err != nil {
			logger.Error("Downstream hand-off failed.", "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "nodeId": n.ID()})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"nodeId": n.ID(), "status": n.Status().String()})
}

// handleNotify folds an incoming status report into the agent's aggregate
// view. Only a chain's monitoring peer receives these.
func (s *Server) handleNotify(c *gin.Context) {
	var msg monitoring.ReportingMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg.ChainID == "" || msg.NodeID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chainId and nodeId are required"})
		return
	}
	s.agent.Observe(msg)
	c.Status(http.StatusNoContent)
}

// handleChainState serves the aggregate snapshot for one chain.
func (s *Server) handleChainState(c *gin.Context) {
	c.JSON(http.StatusOK, s.agent.ChainState(c.Param("chainId")))
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}
