package monitoring

import (
	"sort"
	"sync"

	"github.com/specialistvlad/chainmesh/internal/node"
)

// Agent is the per-process registry mapping each known chain to the URL of
// its monitoring peer. On the monitoring peer itself it additionally
// aggregates the notify messages received from participating connectors.
//
// The two maps are backed by sync.Map: keys (chain IDs) are stable after
// setup while values see frequent concurrent reads from report routing.
type Agent struct {
	hosts  sync.Map // chainID -> monitoring host URL (string)
	states sync.Map // chainID -> *chainStateAccumulator
}

// NewAgent creates an empty agent. Exactly one is constructed per process,
// during app wiring, and shared by reference.
func NewAgent() *Agent {
	return &Agent{}
}

// Register records the monitoring host for a chain. Registration happens
// when a setup broadcast is received, or when the initiator starts a chain.
func (a *Agent) Register(chainID, host string) {
	a.hosts.Store(chainID, host)
}

// RemoteMonitoringHost returns the monitoring host registered for a chain.
func (a *Agent) RemoteMonitoringHost(chainID string) (string, bool) {
	host, ok := a.hosts.Load(chainID)
	if !ok {
		return "", false
	}
	return host.(string), true
}

// Forget drops all state for a chain. Deregistration is explicit.
func (a *Agent) Forget(chainID string) {
	a.hosts.Delete(chainID)
	a.states.Delete(chainID)
}

// Observe folds an incoming report into the chain's aggregate state. Only
// the monitoring peer receives these, via its notify endpoint.
func (a *Agent) Observe(msg ReportingMessage) {
	acc, _ := a.states.LoadOrStore(msg.ChainID, newAccumulator())
	acc.(*chainStateAccumulator).observe(msg)
}

// ChainState returns the aggregate snapshot for a chain built from observed
// reports. The zero state is returned for unknown chains.
func (a *Agent) ChainState(chainID string) ChainState {
	acc, ok := a.states.Load(chainID)
	if !ok {
		return ChainState{}
	}
	return acc.(*chainStateAccumulator).snapshot()
}

// chainStateAccumulator is the mutable bucket state behind Agent.Observe.
type chainStateAccumulator struct {
	mu      sync.Mutex
	buckets map[string]node.Status
}

func newAccumulator() *chainStateAccumulator {
	return &chainStateAccumulator{buckets: make(map[string]node.Status)}
}

func (c *chainStateAccumulator) observe(msg ReportingMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets[msg.NodeID] = msg.Status
}

func (c *chainStateAccumulator) snapshot() ChainState {
	c.mu.Lock()
	defer c.mu.Unlock()
	var state ChainState
	for nodeID, status := range c.buckets {
		switch status {
		case node.StatusCompleted:
			state.Completed = append(state.Completed, nodeID)
		case node.StatusPending:
			state.Pending = append(state.Pending, nodeID)
		case node.StatusFailed:
			state.Failed = append(state.Failed, nodeID)
		}
	}
	sortState(&state)
	return state
}

func sortState(state *ChainState) {
	sort.Strings(state.Completed)
	sort.Strings(state.Pending)
	sort.Strings(state.Failed)
}
