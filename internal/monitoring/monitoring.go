// Package monitoring tracks aggregate chain state and the per-chain mapping
// from chain ID to the monitoring peer that collects its reports.
package monitoring

import (
	"sort"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/specialistvlad/chainmesh/internal/node"
)

// ReportingMessage is one node status event routed toward a chain's
// monitoring host.
type ReportingMessage struct {
	ChainID   string      `json:"chainId"`
	NodeID    string      `json:"nodeId"`
	Status    node.Status `json:"status"`
	Timestamp int64       `json:"timestamp"`
}

// ChainState is an atomic snapshot of a chain's node buckets. The three
// buckets are disjoint; nodes that are IN_PROGRESS or PAUSED appear in none.
type ChainState struct {
	Completed []string `json:"completed"`
	Pending   []string `json:"pending"`
	Failed    []string `json:"failed"`
}

// Tracker maintains the bucket membership for the nodes a connector owns and
// emits a ReportingMessage on every status change.
type Tracker struct {
	mu      sync.Mutex
	nodes   map[string]string // nodeID -> chainID
	buckets map[string]node.Status
	emit    func(ReportingMessage)
	clk     clock.Clock
}

// NewTracker creates a tracker that publishes status changes through emit.
// A nil emit drops the reports, which is how standalone tests run.
func NewTracker(clk clock.Clock, emit func(ReportingMessage)) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{
		nodes:   make(map[string]string),
		buckets: make(map[string]node.Status),
		emit:    emit,
		clk:     clk,
	}
}

// AddNode registers a node under its chain. New members start PENDING.
func (t *Tracker) AddNode(nodeID, chainID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[nodeID] = chainID
	t.buckets[nodeID] = node.StatusPending
}

// RemoveNode drops a node from all buckets. Unknown IDs are a no-op.
func (t *Tracker) RemoveNode(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nodes, nodeID)
	delete(t.buckets, nodeID)
}

// OnStatusChange moves the node into the bucket matching its new status and
// emits a report. Status changes for unknown nodes are ignored; a deleted
// node's in-flight execution still completes but is no longer addressable.
func (t *Tracker) OnStatusChange(nodeID string, status node.Status) {
	t.mu.Lock()
	chainID, known := t.nodes[nodeID]
	if !known {
		t.mu.Unlock()
		return
	}
	t.buckets[nodeID] = status
	emit := t.emit
	msg := ReportingMessage{
		ChainID:   chainID,
		NodeID:    nodeID,
		Status:    status,
		Timestamp: t.clk.Now().UnixMilli(),
	}
	t.mu.Unlock()
	if emit != nil {
		emit(msg)
	}
}

// Snapshot returns an atomic copy of the three buckets for one chain.
func (t *Tracker) Snapshot(chainID string) ChainState {
	t.mu.Lock()
	defer t.mu.Unlock()
	var state ChainState
	for nodeID, owner := range t.nodes {
		if owner != chainID {
			continue
		}
		switch t.buckets[nodeID] {
		case node.StatusCompleted:
			state.Completed = append(state.Completed, nodeID)
		case node.StatusPending:
			state.Pending = append(state.Pending, nodeID)
		case node.StatusFailed:
			state.Failed = append(state.Failed, nodeID)
		}
	}
	sort.Strings(state.Completed)
	sort.Strings(state.Pending)
	sort.Strings(state.Failed)
	return state
}
