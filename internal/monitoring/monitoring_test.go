package monitoring

import (
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/chainmesh/internal/node"
)

func TestTrackerBucketsAreDisjoint(t *testing.T) {
	tr := NewTracker(clock.NewMock(), nil)
	tr.AddNode("a", "chain-1")
	tr.AddNode("b", "chain-1")
	tr.AddNode("c", "chain-1")

	tr.OnStatusChange("a", node.StatusInProgress)
	tr.OnStatusChange("a", node.StatusCompleted)
	tr.OnStatusChange("b", node.StatusInProgress)
	tr.OnStatusChange("b", node.StatusFailed)

	state := tr.Snapshot("chain-1")
	want := ChainState{Completed: []string{"a"}, Pending: []string{"c"}, Failed: []string{"b"}}
	if diff := cmp.Diff(want, state); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestTrackerInProgressAndPausedInNoBucket(t *testing.T) {
	tr := NewTracker(clock.NewMock(), nil)
	tr.AddNode("a", "chain-1")
	tr.AddNode("b", "chain-1")
	tr.OnStatusChange("a", node.StatusInProgress)
	tr.OnStatusChange("b", node.StatusPaused)

	state := tr.Snapshot("chain-1")
	assert.Empty(t, state.Completed)
	assert.Empty(t, state.Pending)
	assert.Empty(t, state.Failed)
}

func TestTrackerScopesSnapshotsByChain(t *testing.T) {
	tr := NewTracker(clock.NewMock(), nil)
	tr.AddNode("a", "chain-1")
	tr.AddNode("x", "chain-2")
	tr.OnStatusChange("x", node.StatusInProgress)
	tr.OnStatusChange("x", node.StatusCompleted)

	assert.Equal(t, []string{"a"}, tr.Snapshot("chain-1").Pending)
	assert.Equal(t, []string{"x"}, tr.Snapshot("chain-2").Completed)
}

func TestTrackerEmitsReportsInCausalOrder(t *testing.T) {
	clk := clock.NewMock()
	var emitted []ReportingMessage
	tr := NewTracker(clk, func(msg ReportingMessage) {
		emitted = append(emitted, msg)
	})
	tr.AddNode("a", "chain-1")

	tr.OnStatusChange("a", node.StatusInProgress)
	tr.OnStatusChange("a", node.StatusCompleted)

	require.Len(t, emitted, 2)
	assert.Equal(t, node.StatusInProgress, emitted[0].Status)
	assert.Equal(t, node.StatusCompleted, emitted[1].Status)
	assert.Equal(t, "chain-1", emitted[0].ChainID)
	assert.Equal(t, "a", emitted[0].NodeID)
}

func TestTrackerIgnoresUnknownAndRemovedNodes(t *testing.T) {
	var emitted []ReportingMessage
	tr := NewTracker(clock.NewMock(), func(msg ReportingMessage) {
		emitted = append(emitted, msg)
	})
	tr.OnStatusChange("ghost", node.StatusCompleted)
	assert.Empty(t, emitted)

	tr.AddNode("a", "chain-1")
	tr.RemoveNode("a")
	tr.OnStatusChange("a", node.StatusCompleted)
	assert.Empty(t, emitted)

	// RemoveNode on an unknown ID is a no-op.
	tr.RemoveNode("never-there")
}

func TestAgentHostRegistry(t *testing.T) {
	agent := NewAgent()

	_, ok := agent.RemoteMonitoringHost("chain-1")
	assert.False(t, ok)

	agent.Register("chain-1", "http://monitor:8080")
	host, ok := agent.RemoteMonitoringHost("chain-1")
	require.True(t, ok)
	assert.Equal(t, "http://monitor:8080", host)

	agent.Forget("chain-1")
	_, ok = agent.RemoteMonitoringHost("chain-1")
	assert.False(t, ok)
}

func TestAgentObserveBuildsChainState(t *testing.T) {
	agent := NewAgent()
	agent.Observe(ReportingMessage{ChainID: "chain-1", NodeID: "a", Status: node.StatusInProgress})
	agent.Observe(ReportingMessage{ChainID: "chain-1", NodeID: "a", Status: node.StatusCompleted})
	agent.Observe(ReportingMessage{ChainID: "chain-1", NodeID: "b", Status: node.StatusPending})
	agent.Observe(ReportingMessage{ChainID: "chain-2", NodeID: "z", Status: node.StatusFailed})

	state := agent.ChainState("chain-1")
	want := ChainState{Completed: []string{"a"}, Pending: []string{"b"}}
	if diff := cmp.Diff(want, state); diff != "" {
		t.Fatalf("chain state mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, []string{"z"}, agent.ChainState("chain-2").Failed)
	assert.Equal(t, ChainState{}, agent.ChainState("unknown"))
}
