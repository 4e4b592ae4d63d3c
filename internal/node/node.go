// Package node implements the local materialization of a chain stage: an
// ordered processor pipeline with a guarded status lifecycle, an execution
// delay, and a downstream hand-off hook.
package node

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/specialistvlad/chainmesh/internal/ctxlog"
	"github.com/specialistvlad/chainmesh/internal/processor"
)

// Dispatch is the payload handed to the downstream delivery callback when a
// completed node forwards its output.
type Dispatch struct {
	ChainID  string            `json:"chainId"`
	TargetID string            `json:"targetId"`
	Meta     map[string]string `json:"meta,omitempty"`
	Data     any               `json:"data"`
}

// Dispatcher delivers a completed node's output toward its next target.
type Dispatcher func(ctx context.Context, d Dispatch) error

// StatusHook observes every committed status transition of a node.
type StatusHook func(nodeID string, status Status)

// DepCheck reports the status of another node by ID. It backs the
// dependency check in Execute; the supervisor injects a lookup over its own
// registry.
type DepCheck func(nodeID string) (Status, bool)

// Options configures a new Node. ID is required; a nil Clock falls back to
// the wall clock, and the rest may be zero.
type Options struct {
	ID           string
	ChainID      string
	Dependencies []string
	Clock        clock.Clock
	OnStatus     StatusHook
	Dispatch     Dispatcher
	DepStatus    DepCheck
}

// Node is a serial actor: a single mutex guards all state, so transitions,
// pipeline changes and executions are strictly ordered per node.
type Node struct {
	mu sync.Mutex

	id        string
	chainID   string
	pipeline  []processor.Processor
	deps      map[string]struct{}
	status    Status
	delay     time.Duration
	output    any
	hasOutput bool

	nextTarget string
	meta       map[string]string

	clk       clock.Clock
	onStatus  StatusHook
	dispatch  Dispatcher
	depStatus DepCheck
}

// New creates a node in PENDING with an empty pipeline.
func New(opts Options) *Node {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	deps := make(map[string]struct{}, len(opts.Dependencies))
	for _, id := range opts.Dependencies {
		deps[id] = struct{}{}
	}
	return &Node{
		id:        opts.ID,
		chainID:   opts.ChainID,
		deps:      deps,
		status:    StatusPending,
		clk:       clk,
		onStatus:  opts.OnStatus,
		dispatch:  opts.Dispatch,
		depStatus: opts.DepStatus,
	}
}

// ID returns the node's unique identifier.
func (n *Node) ID() string { return n.id }

// ChainID returns the chain this node belongs to, if any.
func (n *Node) ChainID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.chainID
}

// SetChainID binds the node to a chain. The node's status is not checked.
func (n *Node) SetChainID(chainID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.chainID = chainID
}

// Status returns the node's current lifecycle status.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// Dependencies returns the IDs this node waits on, in sorted order.
func (n *Node) Dependencies() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, 0, len(n.deps))
	for id := range n.deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NextTarget returns the service ID SendData forwards to, or "" for a
// terminal node.
func (n *Node) NextTarget() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nextTarget
}

// SetNextTarget designates where SendData forwards output. Only permitted
// while the pipeline is still mutable.
func (n *Node) SetNextTarget(targetID string, meta map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status != StatusPending && n.status != StatusPaused {
		return ErrPipelineLocked
	}
	n.nextTarget = targetID
	n.meta = meta
	return nil
}

// AppendPipeline extends the processor pipeline. Only permitted while the
// node is PENDING or PAUSED.
func (n *Node) AppendPipeline(procs ...processor.Processor) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status != StatusPending && n.status != StatusPaused {
		return ErrPipelineLocked
	}
	n.pipeline = append(n.pipeline, procs...)
	return nil
}

// PipelineLen returns the number of processors currently installed.
func (n *Node) PipelineLen() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pipeline)
}

// SetDelay stores the delay applied before the next Execute. Negative
// durations are clamped to zero.
func (n *Node) SetDelay(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if d < 0 {
		d = 0
	}
	n.delay = d
}

// Delay returns the currently configured execution delay.
func (n *Node) Delay() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.delay
}

// Output returns the retained output and whether one is present.
func (n *Node) Output() (any, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.output, n.hasOutput
}

// UpdateStatus applies a status transition, enforcing the legal-transition
// table. Committed transitions are published to the status hook.
func (n *Node) UpdateStatus(to Status) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.transition(to)
}

// Pause moves the node to PAUSED. Pausing an already-paused node is a no-op.
func (n *Node) Pause() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status == StatusPaused {
		return nil
	}
	return n.transition(StatusPaused)
}

// Resume moves a PAUSED node back to PENDING.
func (n *Node) Resume() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.transition(StatusPending)
}

// transition commits a status change. Callers must hold n.mu.
func (n *Node) transition(to Status) error {
	if !canTransition(n.status, to) {
		return &TransitionError{NodeID: n.id, From: n.status, To: to}
	}
	n.status = to
	if n.onStatus != nil {
		n.onStatus(n.id, to)
	}
	return nil
}

// Execute runs the pipeline over input. It sleeps the configured delay,
// transitions PENDING → IN_PROGRESS, folds the processors left to right, and
// commits COMPLETED with the final value retained as output, or FAILED with
// a ProcessingError. Unmet dependencies fail the node before any processor
// runs. The node mutex is held for the whole call, so a node is a strictly
// serial actor: concurrent Execute/SendData/Pause calls queue behind it.
func (n *Node) Execute(ctx context.Context, input any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	logger := ctxlog.FromContext(ctx).With("nodeID", n.id)

	// Paused, running and terminal nodes all refuse execution.
	if n.status != StatusPending {
		return &TransitionError{NodeID: n.id, From: n.status, To: StatusInProgress}
	}

	if unmet := n.unmetDeps(); len(unmet) > 0 {
		err := &DependencyError{NodeID: n.id, Unmet: unmet}
		logger.Warn("Execution refused, dependencies not met.", "unmet", unmet)
		if terr := n.transition(StatusFailed); terr != nil {
			return terr
		}
		return err
	}

	if n.delay > 0 {
		logger.Debug("Delaying execution.", "delay", n.delay)
		timer := n.clk.Timer(n.delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	if err := n.transition(StatusInProgress); err != nil {
		return err
	}

	payload := input
	for i, proc := range n.pipeline {
		out, err := proc.Run(payload)
		if err != nil {
			perr := &ProcessingError{NodeID: n.id, StageIndex: i, Cause: err}
			logger.Error("Processor failed.", "stage", i, "error", err)
			if terr := n.transition(StatusFailed); terr != nil {
				return terr
			}
			return perr
		}
		payload = out
	}

	n.output = payload
	n.hasOutput = true
	if err := n.transition(StatusCompleted); err != nil {
		return err
	}
	logger.Debug("Node execution succeeded.")
	return nil
}

// unmetDeps returns the sorted IDs of dependencies not yet COMPLETED.
// Callers must hold n.mu.
func (n *Node) unmetDeps() []string {
	if len(n.deps) == 0 || n.depStatus == nil {
		return nil
	}
	var unmet []string
	for id := range n.deps {
		status, ok := n.depStatus(id)
		if !ok || status != StatusCompleted {
			unmet = append(unmet, id)
		}
	}
	sort.Strings(unmet)
	return unmet
}

// SendData forwards the retained output to the node's next target through
// the downstream delivery callback. The output is cleared only after the
// callback reports success; on failure the node stays COMPLETED with its
// output intact so the hand-off can be retried.
func (n *Node) SendData(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status != StatusCompleted || !n.hasOutput {
		return ErrNoOutput
	}
	d := Dispatch{
		ChainID:  n.chainID,
		TargetID: n.nextTarget,
		Meta:     n.meta,
		Data:     n.output,
	}
	if n.dispatch == nil {
		return ErrNoDispatcher
	}
	if err := n.dispatch(ctx, d); err != nil {
		return err
	}
	n.output = nil
	n.hasOutput = false
	return nil
}
