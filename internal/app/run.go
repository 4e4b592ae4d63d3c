package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/specialistvlad/chainmesh/internal/ctxlog"
)

// Run serves the connector API and, when configured as initiator, starts
// the chain. It blocks until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.file.Port),
		Handler: a.server.Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("Connector listening.", "address", httpServer.Addr, "uid", a.file.UID)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if a.cfg.Start {
		if err := a.startChain(ctx); err != nil {
			a.logger.Error("Chain start failed.", "error", err)
			return err
		}
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("connector server failed: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down connector...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Connector shutdown failed.", "error", err)
		return err
	}
	a.sup.Close()
	a.logger.Debug("Connector shut down gracefully.")
	return nil
}

// startChain makes this connector the chain initiator: instantiate the
// configured chain, register itself as the chain's monitoring host, and
// optionally feed the first local node.
func (a *App) startChain(ctx context.Context) error {
	if len(a.file.Chain) == 0 {
		return errors.New("app: --start requires a chain block in the config file")
	}

	chainID, err := a.sup.StartChain(ctx)
	if err != nil {
		return err
	}
	a.agent.Register(chainID, a.file.Advertise)
	a.logger.Info("Chain initiated.", "chainID", chainID)

	if a.cfg.Feed == "" {
		return nil
	}
	var payload any
	if err := json.Unmarshal([]byte(a.cfg.Feed), &payload); err != nil {
		return fmt.Errorf("app: decode --feed payload: %w", err)
	}
	first, ok := a.firstLocalTarget(chainID)
	if !ok {
		return errors.New("app: --feed given but the chain has no local first stage")
	}
	n, _ := a.sup.NodeByTarget(chainID, first)
	if err := a.sup.RunNode(ctx, n.ID(), payload); err != nil {
		return err
	}
	if n.NextTarget() != "" {
		return a.sup.SendNodeData(ctx, n.ID())
	}
	return nil
}

// firstLocalTarget returns the target ID of the chain's first local stage.
func (a *App) firstLocalTarget(chainID string) (string, bool) {
	for _, stage := range a.file.Chain {
		svc, ok := stage.FirstService()
		if !ok {
			continue
		}
		if _, found := a.sup.NodeByTarget(chainID, svc.TargetID); found {
			return svc.TargetID, true
		}
	}
	return "", false
}
