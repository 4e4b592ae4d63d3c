package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/chainmesh/internal/chain"
	"github.com/specialistvlad/chainmesh/internal/monitoring"
	"github.com/specialistvlad/chainmesh/internal/node"
	"github.com/specialistvlad/chainmesh/internal/processor"
)

func newTestSupervisor(t *testing.T, uid string) *Supervisor {
	t.Helper()
	s := New(Options{UID: uid, Clock: clock.New()})
	t.Cleanup(s.Close)
	return s
}

// localDispatcher routes hand-offs to nodes on the same supervisor, the way
// the connector's run endpoint does for remote peers.
func localDispatcher(s *Supervisor) node.Dispatcher {
	return func(ctx context.Context, d node.Dispatch) error {
		n, ok := s.NodeByTarget(d.ChainID, d.TargetID)
		if !ok {
			return ErrNoNextConnector
		}
		return s.RunNode(ctx, n.ID(), d.Data)
	}
}

func addOne(payload any) (any, error) { return payload.(float64) + 1, nil }
func double(payload any) (any, error) { return payload.(float64) * 2, nil }

func TestLocalTwoStageChain(t *testing.T) {
	s := newTestSupervisor(t, "ci")
	require.NoError(t, s.SetCallbacks(Callbacks{RemoteService: localDispatcher(s)}))
	s.SetChainConfig([]chain.Stage{
		{
			Services:   []chain.ServiceRef{{TargetID: "A"}},
			Location:   chain.LocationLocal,
			Processors: []processor.Processor{processor.Func(addOne)},
		},
		{
			Services:   []chain.ServiceRef{{TargetID: "B"}},
			Location:   chain.LocationLocal,
			Processors: []processor.Processor{processor.Func(double)},
		},
	})

	ctx := context.Background()
	chainID, err := s.StartChain(ctx)
	require.NoError(t, err)

	nodeA, ok := s.NodeByTarget(chainID, "A")
	require.True(t, ok)
	nodeB, ok := s.NodeByTarget(chainID, "B")
	require.True(t, ok)

	require.NoError(t, s.RunNode(ctx, nodeA.ID(), float64(3)))
	require.NoError(t, s.SendNodeData(ctx, nodeA.ID()))

	assert.Equal(t, node.StatusCompleted, nodeB.Status())
	out, hasOutput := nodeB.Output()
	require.True(t, hasOutput)
	assert.Equal(t, float64(8), out)

	state := s.Tracker().Snapshot(chainID)
	assert.ElementsMatch(t, []string{nodeA.ID(), nodeB.ID()}, state.Completed)
	assert.Empty(t, state.Pending)
	assert.Empty(t, state.Failed)
}

func TestSplitLocalRemoteBroadcast(t *testing.T) {
	s := newTestSupervisor(t, "ci")

	var mu sync.Mutex
	var broadcasts []BroadcastSetupMessage
	require.NoError(t, s.SetCallbacks(Callbacks{
		BroadcastSetup: func(_ context.Context, msg BroadcastSetupMessage) error {
			mu.Lock()
			defer mu.Unlock()
			broadcasts = append(broadcasts, msg)
			return nil
		},
	}))
	s.SetChainConfig([]chain.Stage{
		{Services: []chain.ServiceRef{{TargetID: "A"}}, Location: chain.LocationLocal},
		{Services: []chain.ServiceRef{{TargetID: "B"}}, Location: chain.LocationRemote},
	})

	chainID, err := s.StartChain(context.Background())
	require.NoError(t, err)
	s.Flush()

	assert.Regexp(t, `^ci-\d+-[0-9a-f]{8}$`, chainID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, broadcasts, 1)
	msg := broadcasts[0]
	assert.Equal(t, SignalNodeCreate, msg.Signal)
	assert.Equal(t, chainID, msg.Chain.ID)
	require.Len(t, msg.Chain.Config, 1)
	require.Len(t, msg.Chain.Config[0].Services, 1)
	assert.Equal(t, "B", msg.Chain.Config[0].Services[0].TargetID)

	// The local stage exists regardless of broadcast outcome.
	nodeA, ok := s.NodeByTarget(chainID, "A")
	require.True(t, ok)
	assert.Equal(t, "B", nodeA.NextTarget())
}

func TestStartChainSkipsEmptyStages(t *testing.T) {
	s := newTestSupervisor(t, "ci")
	require.NoError(t, s.SetCallbacks(Callbacks{}))
	s.SetChainConfig([]chain.Stage{
		{Services: nil, Location: chain.LocationLocal},
		{Services: []chain.ServiceRef{{TargetID: "A"}}, Location: chain.LocationLocal},
	})

	chainID, err := s.StartChain(context.Background())
	require.NoError(t, err)

	_, ok := s.NodeByTarget(chainID, "A")
	assert.True(t, ok)
}

func TestStartChainWithoutConfig(t *testing.T) {
	s := newTestSupervisor(t, "ci")
	_, err := s.StartChain(context.Background())
	assert.ErrorIs(t, err, ErrNoChainConfig)
}

func TestUnknownSignalMutatesNothing(t *testing.T) {
	s := newTestSupervisor(t, "ci")
	id := s.CreateNode(context.Background(), "", nil)
	before, _ := s.Node(id)
	beforeStatus := before.Status()

	_, err := s.HandleSignal(context.Background(), Payload{Signal: Signal("bogus")})

	assert.ErrorIs(t, err, ErrUnknownSignal)
	after, ok := s.Node(id)
	require.True(t, ok)
	assert.Equal(t, beforeStatus, after.Status())
}

func TestSignalLifecycle(t *testing.T) {
	s := newTestSupervisor(t, "ci")
	require.NoError(t, s.SetCallbacks(Callbacks{}))
	ctx := context.Background()

	id, err := s.HandleSignal(ctx, Payload{Signal: SignalNodeCreate})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = s.HandleSignal(ctx, Payload{Signal: SignalNodeDelay, ID: id, DelayMS: 5})
	require.NoError(t, err)
	n, _ := s.Node(id)
	assert.Equal(t, 5*time.Millisecond, n.Delay())

	_, err = s.HandleSignal(ctx, Payload{Signal: SignalNodeRun, ID: id, Data: "x"})
	require.NoError(t, err)
	assert.Equal(t, node.StatusCompleted, n.Status())

	_, err = s.HandleSignal(ctx, Payload{Signal: SignalNodeDelete, ID: id})
	require.NoError(t, err)
	_, ok := s.Node(id)
	assert.False(t, ok)
}

func TestDeleteUnknownNodeIsIdempotent(t *testing.T) {
	s := newTestSupervisor(t, "ci")
	_, err := s.HandleSignal(context.Background(), Payload{Signal: SignalNodeDelete, ID: "never-there"})
	assert.NoError(t, err)
}

func TestPauseIsIdempotentAndResumable(t *testing.T) {
	s := newTestSupervisor(t, "ci")
	ctx := context.Background()
	id := s.CreateNode(ctx, "", nil)

	require.NoError(t, s.PauseNode(ctx, id))
	require.NoError(t, s.PauseNode(ctx, id))
	n, _ := s.Node(id)
	assert.Equal(t, node.StatusPaused, n.Status())

	require.NoError(t, s.ResumeNode(ctx, id))
	assert.Equal(t, node.StatusPending, n.Status())
}

func TestSignalsOnUnknownNode(t *testing.T) {
	s := newTestSupervisor(t, "ci")
	ctx := context.Background()
	for _, p := range []Payload{
		{Signal: SignalNodePause, ID: "ghost"},
		{Signal: SignalNodeDelay, ID: "ghost", DelayMS: 1},
		{Signal: SignalNodeRun, ID: "ghost"},
		{Signal: SignalNodeSendData, ID: "ghost"},
	} {
		_, err := s.HandleSignal(ctx, p)
		assert.ErrorIs(t, err, ErrUnknownNode, "signal %s", p.Signal)
	}
}

func TestDependenciesEnforcedAcrossNodes(t *testing.T) {
	s := newTestSupervisor(t, "ci")
	require.NoError(t, s.SetCallbacks(Callbacks{}))
	ctx := context.Background()

	depID := s.CreateNode(ctx, "", nil)
	id := s.CreateNode(ctx, "", []string{depID})

	err := s.RunNode(ctx, id, "x")
	var derr *node.DependencyError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, []string{depID}, derr.Unmet)

	// Once the dependency completes, a fresh dependent runs fine.
	require.NoError(t, s.RunNode(ctx, depID, "x"))
	id2 := s.CreateNode(ctx, "", []string{depID})
	assert.NoError(t, s.RunNode(ctx, id2, "x"))
}

func TestCallbacksSetOnce(t *testing.T) {
	s := newTestSupervisor(t, "ci")
	require.NoError(t, s.SetCallbacks(Callbacks{}))
	assert.ErrorIs(t, s.SetCallbacks(Callbacks{}), ErrCallbacksSealed)
}

func TestReportsForwardedInCausalOrder(t *testing.T) {
	s := newTestSupervisor(t, "ci")
	var mu sync.Mutex
	var statuses []node.Status
	require.NoError(t, s.SetCallbacks(Callbacks{
		Report: func(_ context.Context, msg monitoring.ReportingMessage) {
			mu.Lock()
			defer mu.Unlock()
			statuses = append(statuses, msg.Status)
		},
	}))
	ctx := context.Background()

	id := s.CreateNode(ctx, "chain-1", nil)
	require.NoError(t, s.RunNode(ctx, id, "x"))
	s.Flush()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []node.Status{node.StatusInProgress, node.StatusCompleted}, statuses)
}

func TestDeletedNodeEmitsNoFurtherReports(t *testing.T) {
	s := newTestSupervisor(t, "ci")
	var mu sync.Mutex
	count := 0
	require.NoError(t, s.SetCallbacks(Callbacks{
		Report: func(context.Context, monitoring.ReportingMessage) {
			mu.Lock()
			defer mu.Unlock()
			count++
		},
	}))
	ctx := context.Background()

	id := s.CreateNode(ctx, "chain-1", nil)
	n, _ := s.Node(id)
	s.DeleteNode(ctx, id)

	// The in-flight handle still works, but results are discarded: no
	// reports reach monitoring for an unaddressable node.
	require.NoError(t, n.Execute(ctx, "x"))
	s.Flush()

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, count)
}
