package supervisor

import (
	"context"
	"log/slog"

	"github.com/specialistvlad/chainmesh/internal/monitoring"
)

// enqueueReport hands a status event to the forwarding loop. The channel is
// generously buffered; if monitoring cannot keep up the report is dropped
// with a warning, never blocking a node transition.
func (s *Supervisor) enqueueReport(msg monitoring.ReportingMessage) {
	s.reportWG.Add(1)
	select {
	case s.reports <- msg:
	default:
		s.reportWG.Done()
		slog.Warn("Report queue full, dropping status report.",
			"chainID", msg.ChainID, "nodeID", msg.NodeID, "status", msg.Status.String())
		if s.metrics != nil {
			s.metrics.ReportsTotal.WithLabelValues("dropped").Inc()
		}
	}
}

// reportLoop forwards status events one at a time, preserving per-node
// causal order on the wire.
func (s *Supervisor) reportLoop() {
	for {
		select {
		case msg := <-s.reports:
			s.forwardReport(msg)
			s.reportWG.Done()
		case <-s.closed:
			return
		}
	}
}

func (s *Supervisor) forwardReport(msg monitoring.ReportingMessage) {
	s.cbMu.RLock()
	cb := s.callbacks.Report
	s.cbMu.RUnlock()
	if cb == nil {
		return
	}
	cb(context.Background(), msg)
}
