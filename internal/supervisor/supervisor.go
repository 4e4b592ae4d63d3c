// Package supervisor implements the process-wide state machine that owns
// nodes, dispatches control signals, and drives chain creation and setup
// broadcasts across the fabric.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/specialistvlad/chainmesh/internal/chain"
	"github.com/specialistvlad/chainmesh/internal/ctxlog"
	"github.com/specialistvlad/chainmesh/internal/monitoring"
	"github.com/specialistvlad/chainmesh/internal/node"
	"github.com/specialistvlad/chainmesh/internal/observability"
)

// Signal names a supervisor control operation.
type Signal string

const (
	SignalNodeCreate   Signal = "NODE_CREATE"
	SignalNodeDelete   Signal = "NODE_DELETE"
	SignalNodePause    Signal = "NODE_PAUSE"
	SignalNodeDelay    Signal = "NODE_DELAY"
	SignalNodeRun      Signal = "NODE_RUN"
	SignalNodeSendData Signal = "NODE_SEND_DATA"
)

// ErrUnknownSignal is returned for signals outside the table above. The
// supervisor warns and mutates nothing.
var ErrUnknownSignal = errors.New("supervisor: unknown signal")

// ErrUnknownNode is returned when a signal addresses a node ID that is not
// registered.
var ErrUnknownNode = errors.New("supervisor: unknown node")

// ErrNoChainConfig is returned by StartChain when no chain config is set.
var ErrNoChainConfig = errors.New("supervisor: no chain config")

// ErrBroadcastFailed wraps per-stage setup broadcast delivery failures. It
// is logged; already-created local nodes are not rolled back.
var ErrBroadcastFailed = errors.New("supervisor: setup broadcast failed")

// ErrCallbacksSealed is returned when callbacks are replaced after wiring.
// Swapping callbacks on a live supervisor is disallowed.
var ErrCallbacksSealed = errors.New("supervisor: callbacks already set")

// Payload is the tagged signal envelope handed to HandleSignal. Each signal
// reads only the fields it requires; the other fields are not validated and
// are ignored.
type Payload struct {
	Signal       Signal   `json:"signal"`
	ID           string   `json:"id,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	DelayMS      int64    `json:"delay,omitempty"`
	Data         any      `json:"data,omitempty"`
}

// BroadcastChain is the chain description inside a setup broadcast: the
// chain ID plus the per-stage service lists with location stripped.
type BroadcastChain struct {
	ID     string               `json:"id"`
	Config []chain.StagePayload `json:"config"`
}

// BroadcastSetupMessage instructs every addressed peer to create its nodes
// for the chain.
type BroadcastSetupMessage struct {
	Signal Signal         `json:"signal"`
	Chain  BroadcastChain `json:"chain"`
}

// Callbacks are the three injection points of the supervisor. They are set
// exactly once during wiring; see DefaultCallbacks for the standard policy,
// whose Report routes chain-level reports through BroadcastReport.
type Callbacks struct {
	// BroadcastSetup delivers a setup broadcast to the addressed peers.
	BroadcastSetup func(ctx context.Context, msg BroadcastSetupMessage) error
	// RemoteService hands a completed node's output to the next connector.
	RemoteService node.Dispatcher
	// Report delivers one local status event to the reporting pipeline.
	Report func(ctx context.Context, msg monitoring.ReportingMessage)
}

// Supervisor owns every node on this connector. It is constructed once per
// process during app wiring and shared by reference; the nodes map has a
// single owner and all access is serialized through the supervisor.
type Supervisor struct {
	uid     string
	clk     clock.Clock
	metrics *observability.Metrics

	mu       sync.RWMutex
	nodes    map[string]*node.Node
	targets  map[string]string // chainID + "\x00" + targetID -> nodeID
	chainCfg []chain.Stage

	cbMu      sync.RWMutex
	callbacks Callbacks
	sealed    bool

	tracker *monitoring.Tracker

	reports  chan monitoring.ReportingMessage
	reportWG sync.WaitGroup
	detached sync.WaitGroup
	closed   chan struct{}
}

// Options configures a Supervisor.
type Options struct {
	UID     string
	Clock   clock.Clock
	Metrics *observability.Metrics
}

// New constructs the supervisor and starts its report forwarding loop. The
// loop is a single goroutine, so reports leave this connector in the order
// the status changes occurred.
func New(opts Options) *Supervisor {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	s := &Supervisor{
		uid:     opts.UID,
		clk:     clk,
		metrics: opts.Metrics,
		nodes:   make(map[string]*node.Node),
		targets: make(map[string]string),
		reports: make(chan monitoring.ReportingMessage, 256),
		closed:  make(chan struct{}),
	}
	s.tracker = monitoring.NewTracker(clk, s.enqueueReport)
	go s.reportLoop()
	return s
}

// UID returns the connector's configured unique identifier.
func (s *Supervisor) UID() string { return s.uid }

// Tracker exposes the supervisor's node monitoring for snapshot reads.
func (s *Supervisor) Tracker() *monitoring.Tracker { return s.tracker }

// SetCallbacks installs the callbacks. It may be called once; a live
// supervisor's callbacks cannot be replaced.
func (s *Supervisor) SetCallbacks(cb Callbacks) error {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	if s.sealed {
		return ErrCallbacksSealed
	}
	s.callbacks = cb
	s.sealed = true
	return nil
}

// SetChainConfig stores the chain description StartChain instantiates.
func (s *Supervisor) SetChainConfig(stages []chain.Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chainCfg = stages
}

// HandleSignal dispatches one SupervisorPayload. It returns the created node
// ID for NODE_CREATE and the empty string otherwise. Unknown signals warn
// and mutate nothing.
func (s *Supervisor) HandleSignal(ctx context.Context, p Payload) (string, error) {
	logger := ctxlog.FromContext(ctx)
	var (
		nodeID string
		err    error
	)
	switch p.Signal {
	case SignalNodeCreate:
		nodeID = s.CreateNode(ctx, "", p.Dependencies)
	case SignalNodeDelete:
		s.DeleteNode(ctx, p.ID)
	case SignalNodePause:
		err = s.PauseNode(ctx, p.ID)
	case SignalNodeDelay:
		err = s.DelayNode(ctx, p.ID, time.Duration(p.DelayMS)*time.Millisecond)
	case SignalNodeRun:
		err = s.RunNode(ctx, p.ID, p.Data)
	case SignalNodeSendData:
		err = s.SendNodeData(ctx, p.ID)
	default:
		logger.Warn("Ignoring unknown signal.", "signal", string(p.Signal))
		s.countSignal(p.Signal, "unknown")
		return "", fmt.Errorf("%w: %q", ErrUnknownSignal, string(p.Signal))
	}
	if err != nil {
		s.countSignal(p.Signal, "error")
		return "", err
	}
	s.countSignal(p.Signal, "ok")
	return nodeID, nil
}

// CreateNode registers a fresh node in PENDING and returns its ID. IDs are
// never reused.
func (s *Supervisor) CreateNode(ctx context.Context, chainID string, deps []string) string {
	id := uuid.NewString()
	n := node.New(node.Options{
		ID:           id,
		ChainID:      chainID,
		Dependencies: deps,
		Clock:        s.clk,
		OnStatus:     s.onNodeStatus,
		Dispatch:     s.dispatchDownstream,
		DepStatus:    s.nodeStatus,
	})
	s.mu.Lock()
	s.nodes[id] = n
	s.mu.Unlock()
	s.tracker.AddNode(id, chainID)
	ctxlog.FromContext(ctx).Debug("Node created.", "nodeID", id, "chainID", chainID, "deps", deps)
	return id
}

// DeleteNode removes a node. Unknown IDs warn only; an in-flight execution
// continues but its results are discarded because the node is no longer
// addressable.
func (s *Supervisor) DeleteNode(ctx context.Context, id string) {
	s.mu.Lock()
	_, known := s.nodes[id]
	delete(s.nodes, id)
	for key, nodeID := range s.targets {
		if nodeID == id {
			delete(s.targets, key)
		}
	}
	s.mu.Unlock()
	if !known {
		ctxlog.FromContext(ctx).Warn("Delete for unknown node.", "nodeID", id)
		return
	}
	s.tracker.RemoveNode(id)
	ctxlog.FromContext(ctx).Debug("Node deleted.", "nodeID", id)
}

// PauseNode transitions a node to PAUSED.
func (s *Supervisor) PauseNode(ctx context.Context, id string) error {
	n, err := s.lookup(id)
	if err != nil {
		return err
	}
	return n.Pause()
}

// ResumeNode moves a PAUSED node back to PENDING.
func (s *Supervisor) ResumeNode(ctx context.Context, id string) error {
	n, err := s.lookup(id)
	if err != nil {
		return err
	}
	return n.Resume()
}

// DelayNode records the per-execution delay for a node.
func (s *Supervisor) DelayNode(ctx context.Context, id string, d time.Duration) error {
	n, err := s.lookup(id)
	if err != nil {
		return err
	}
	n.SetDelay(d)
	return nil
}

// RunNode executes a node's pipeline over the given payload.
func (s *Supervisor) RunNode(ctx context.Context, id string, data any) error {
	n, err := s.lookup(id)
	if err != nil {
		return err
	}
	return n.Execute(ctx, data)
}

// SendNodeData forwards a completed node's output downstream.
func (s *Supervisor) SendNodeData(ctx context.Context, id string) error {
	n, err := s.lookup(id)
	if err != nil {
		return err
	}
	return n.SendData(ctx)
}

// Node returns the node registered under the given ID.
func (s *Supervisor) Node(id string) (*node.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

// NodeByTarget returns the node materializing the given target service of a
// chain on this connector.
func (s *Supervisor) NodeByTarget(chainID, targetID string) (*node.Node, bool) {
	s.mu.RLock()
	nodeID, ok := s.targets[targetKey(chainID, targetID)]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return s.Node(nodeID)
}

// BindTarget records that targetID of chainID is served by the given node.
func (s *Supervisor) BindTarget(chainID, targetID, nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[targetKey(chainID, targetID)] = nodeID
}

func targetKey(chainID, targetID string) string {
	return chainID + "\x00" + targetID
}

// lookup resolves a node ID or returns ErrUnknownNode.
func (s *Supervisor) lookup(id string) (*node.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	return n, nil
}

// nodeStatus backs the dependency check inside node.Execute.
func (s *Supervisor) nodeStatus(id string) (node.Status, bool) {
	n, ok := s.Node(id)
	if !ok {
		return node.StatusPending, false
	}
	return n.Status(), true
}

// onNodeStatus is installed as every node's status hook.
func (s *Supervisor) onNodeStatus(nodeID string, status node.Status) {
	if s.metrics != nil {
		s.metrics.NodeTransitionsTotal.WithLabelValues(status.String()).Inc()
	}
	s.tracker.OnStatusChange(nodeID, status)
}

// dispatchDownstream forwards a node's output through the remote-service
// callback.
func (s *Supervisor) dispatchDownstream(ctx context.Context, d node.Dispatch) error {
	s.cbMu.RLock()
	cb := s.callbacks.RemoteService
	s.cbMu.RUnlock()
	if cb == nil {
		return errors.New("supervisor: no remote-service callback wired")
	}
	return cb(ctx, d)
}

func (s *Supervisor) countSignal(sig Signal, outcome string) {
	if s.metrics != nil {
		s.metrics.SignalsTotal.WithLabelValues(string(sig), outcome).Inc()
	}
}
