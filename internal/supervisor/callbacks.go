package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/specialistvlad/chainmesh/internal/chain"
	"github.com/specialistvlad/chainmesh/internal/ctxlog"
	"github.com/specialistvlad/chainmesh/internal/monitoring"
	"github.com/specialistvlad/chainmesh/internal/node"
	"github.com/specialistvlad/chainmesh/internal/observability"
	"github.com/specialistvlad/chainmesh/internal/resolver"
	"github.com/specialistvlad/chainmesh/internal/transport"
)

// ErrMissingChainID is returned by the remote-service callback when a
// downstream hand-off carries no chain ID.
var ErrMissingChainID = errors.New("supervisor: dispatch missing chain id")

// ErrNoNextConnector is returned when the host resolver cannot place a
// hand-off target on any peer.
var ErrNoNextConnector = errors.New("supervisor: no connector for target")

// Wiring carries the injected dependencies the default callback policy is
// built from.
type Wiring struct {
	Hosts      resolver.HostResolver
	Monitoring resolver.MonitoringResolver
	Poster     transport.Poster
	Paths      chain.Paths

	// MonitoringHost is the URL peers should send this connector's chains'
	// reports to — normally the connector's own advertised address.
	MonitoringHost string

	// ReportHandler receives each local status event. When nil, events are
	// routed through BroadcastReport toward the chain's monitoring host.
	ReportHandler func(ctx context.Context, msg monitoring.ReportingMessage)

	Metrics *observability.Metrics
}

// DefaultCallbacks builds the standard callback policy:
//
//   - broadcast-setup posts one SetupRequest per resolvable stage, isolating
//     per-stage failures;
//   - remote-service awaits the downstream POST because the caller's node
//     status depends on it;
//   - report forwards each status event to the chain's monitoring host,
//     dropping (with a warning) chains whose monitoring host is unknown.
func DefaultCallbacks(w Wiring) Callbacks {
	report := w.ReportHandler
	if report == nil {
		report = func(ctx context.Context, msg monitoring.ReportingMessage) {
			_ = BroadcastReport(ctx, w, msg)
		}
	}
	return Callbacks{
		BroadcastSetup: func(ctx context.Context, msg BroadcastSetupMessage) error {
			return broadcastSetup(ctx, w, msg)
		},
		RemoteService: func(ctx context.Context, d node.Dispatch) error {
			return remoteService(ctx, w, d)
		},
		Report: report,
	}
}

// broadcastSetup walks the broadcast's stages and posts a SetupRequest to
// each stage's first resolvable service. One stage's failure never aborts
// the rest.
func broadcastSetup(ctx context.Context, w Wiring, msg BroadcastSetupMessage) error {
	logger := ctxlog.FromContext(ctx)
	var failures []error
	for i, stage := range msg.Chain.Config {
		if len(stage.Services) == 0 {
			logger.Warn("Setup broadcast stage has no services, skipping.", "stage", i)
			continue
		}
		svc := stage.Services[0]
		if len(stage.Services) > 1 {
			logger.Warn("Setup broadcast addresses only the first service of a stage.",
				"stage", i, "extra", len(stage.Services)-1)
		}
		url, ok := w.Hosts.Resolve(svc.TargetID, svc.Meta)
		if !ok {
			logger.Warn("No connector resolved for target, skipping stage.",
				"stage", i, "targetID", svc.TargetID)
			continue
		}
		req := chain.SetupRequest{
			ChainID:        msg.Chain.ID,
			RemoteConfigs:  stage,
			MonitoringHost: w.MonitoringHost,
		}
		if _, err := w.Poster.Post(ctx, url+w.Paths.Setup, req); err != nil {
			logger.Error("Setup post failed for peer.", "stage", i, "peer", url, "error", err)
			countPost(w.Metrics, "setup", "error")
			failures = append(failures, fmt.Errorf("stage %d peer %s: %w", i, url, err))
			continue
		}
		countPost(w.Metrics, "setup", "ok")
		if w.Metrics != nil {
			w.Metrics.BroadcastsTotal.WithLabelValues("sent").Inc()
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("%w: %w", ErrBroadcastFailed, errors.Join(failures...))
	}
	return nil
}

// remoteService posts a downstream hand-off to the next connector. The POST
// is awaited: the caller's SendData succeeds only if the peer accepted the
// payload.
func remoteService(ctx context.Context, w Wiring, d node.Dispatch) error {
	if d.ChainID == "" {
		return ErrMissingChainID
	}
	url, ok := w.Hosts.Resolve(d.TargetID, d.Meta)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoNextConnector, d.TargetID)
	}
	req := chain.RunRequest{
		ChainID:  d.ChainID,
		TargetID: d.TargetID,
		Meta:     d.Meta,
		Data:     d.Data,
	}
	if _, err := w.Poster.Post(ctx, url+w.Paths.Run, req); err != nil {
		countPost(w.Metrics, "run", "error")
		return err
	}
	countPost(w.Metrics, "run", "ok")
	return nil
}

// BroadcastReport resolves the chain's monitoring host and posts the status
// event to its notify endpoint. A missing monitoring host drops the report
// with a warning; it is never fatal.
func BroadcastReport(ctx context.Context, w Wiring, msg monitoring.ReportingMessage) error {
	logger := ctxlog.FromContext(ctx)
	host, err := w.Monitoring.Resolve(ctx, msg.ChainID)
	if err != nil {
		logger.Warn("Dropping report, monitoring host unknown.",
			"chainID", msg.ChainID, "nodeID", msg.NodeID, "error", err)
		countReport(w.Metrics, "dropped")
		return err
	}
	if _, err := w.Poster.Post(ctx, host+w.Paths.Notify, msg); err != nil {
		logger.Warn("Report delivery failed.", "chainID", msg.ChainID, "host", host, "error", err)
		countPost(w.Metrics, "notify", "error")
		countReport(w.Metrics, "dropped")
		return err
	}
	countPost(w.Metrics, "notify", "ok")
	countReport(w.Metrics, "forwarded")
	return nil
}

func countPost(m *observability.Metrics, endpoint, result string) {
	if m != nil {
		m.PostsTotal.WithLabelValues(endpoint, result).Inc()
	}
}

func countReport(m *observability.Metrics, result string) {
	if m != nil {
		m.ReportsTotal.WithLabelValues(result).Inc()
	}
}
