package supervisor

import (
	"context"

	"github.com/specialistvlad/chainmesh/internal/chain"
	"github.com/specialistvlad/chainmesh/internal/ctxlog"
)

// StartChain instantiates the current chain config. Local stages become
// nodes on this connector immediately; if any remote stage exists, a setup
// broadcast is emitted for the remote stages. The broadcast is detached:
// StartChain returns as soon as local nodes exist, and delivery failures are
// logged without rolling anything back.
func (s *Supervisor) StartChain(ctx context.Context) (string, error) {
	s.mu.RLock()
	stages := s.chainCfg
	s.mu.RUnlock()
	if len(stages) == 0 {
		return "", ErrNoChainConfig
	}

	chainID := chain.NewID(s.uid, s.clk)
	ctx = ctxlog.With(ctx, "chainID", chainID)
	logger := ctxlog.FromContext(ctx)

	var remote []chain.StagePayload
	for i, stage := range stages {
		if len(stage.Services) == 0 {
			logger.Warn("Skipping stage with no services.", "stage", i)
			continue
		}
		if len(stage.Services) > 1 {
			logger.Warn("Stage fan-out not supported yet, only the first service is addressed.",
				"stage", i, "services", len(stage.Services))
		}

		switch stage.Location {
		case chain.LocationRemote:
			remote = append(remote, chain.StagePayload{Services: stage.Services})
		default:
			if err := s.materializeLocalStage(ctx, chainID, i, stages); err != nil {
				return "", err
			}
		}
	}

	if len(remote) > 0 {
		s.broadcastSetup(ctx, BroadcastSetupMessage{
			Signal: SignalNodeCreate,
			Chain:  BroadcastChain{ID: chainID, Config: remote},
		})
	}

	logger.Info("Chain started.", "stages", len(stages), "remoteStages", len(remote))
	return chainID, nil
}

// materializeLocalStage creates the node for one local stage, installs its
// processors, and wires its next target to the following stage's first
// service.
func (s *Supervisor) materializeLocalStage(ctx context.Context, chainID string, idx int, stages []chain.Stage) error {
	stage := stages[idx]
	svc, _ := stage.FirstService()

	nodeID := s.CreateNode(ctx, chainID, nil)
	n, _ := s.Node(nodeID)
	if err := n.AppendPipeline(stage.Processors...); err != nil {
		return err
	}
	if next, ok := nextService(stages, idx); ok {
		if err := n.SetNextTarget(next.TargetID, next.Meta); err != nil {
			return err
		}
	}
	s.BindTarget(chainID, svc.TargetID, nodeID)
	ctxlog.FromContext(ctx).Debug("Local stage materialized.",
		"stage", idx, "targetID", svc.TargetID, "nodeID", nodeID)
	return nil
}

// nextService returns the first service entry of the next non-empty stage.
func nextService(stages []chain.Stage, idx int) (chain.ServiceRef, bool) {
	for _, stage := range stages[idx+1:] {
		if svc, ok := stage.FirstService(); ok {
			return svc, true
		}
	}
	return chain.ServiceRef{}, false
}

// broadcastSetup launches the setup broadcast without awaiting delivery.
// Errors are captured and logged so a failed stage never blocks the control
// loop; Flush waits for in-flight deliveries.
func (s *Supervisor) broadcastSetup(ctx context.Context, msg BroadcastSetupMessage) {
	s.cbMu.RLock()
	cb := s.callbacks.BroadcastSetup
	s.cbMu.RUnlock()
	logger := ctxlog.FromContext(ctx)
	if cb == nil {
		logger.Warn("No broadcast-setup callback wired, dropping setup broadcast.")
		return
	}
	s.detached.Add(1)
	go func() {
		defer s.detached.Done()
		if err := cb(ctx, msg); err != nil {
			logger.Error("Setup broadcast failed.", "error", err)
			if s.metrics != nil {
				s.metrics.BroadcastsTotal.WithLabelValues("failed").Inc()
			}
		}
	}()
}

// Flush blocks until detached broadcasts have finished and all enqueued
// reports have been forwarded. Shutdown and tests use it to observe a
// quiescent supervisor.
func (s *Supervisor) Flush() {
	s.detached.Wait()
	s.reportWG.Wait()
}

// Close stops the report loop. The supervisor must not be used afterwards.
func (s *Supervisor) Close() {
	s.Flush()
	close(s.closed)
}
