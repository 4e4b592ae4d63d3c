package connector

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/specialistvlad/chainmesh/internal/chain"
	"github.com/specialistvlad/chainmesh/internal/config"
	"github.com/specialistvlad/chainmesh/internal/monitoring"
	"github.com/specialistvlad/chainmesh/internal/node"
	"github.com/specialistvlad/chainmesh/internal/processor"
	"github.com/specialistvlad/chainmesh/internal/supervisor"
)

type testConnector struct {
	sup    *supervisor.Supervisor
	agent  *monitoring.Agent
	server *httptest.Server
}

// newTestConnector assembles a connector with the given pipeline defaults
// and empty callbacks, serving the fabric protocol over httptest.
func newTestConnector(t *testing.T, pipelines map[string]config.PipelineDefault) *testConnector {
	t.Helper()
	sup := supervisor.New(supervisor.Options{UID: "peer", Clock: clock.New()})
	t.Cleanup(sup.Close)
	require.NoError(t, sup.SetCallbacks(supervisor.Callbacks{}))
	agent := monitoring.NewAgent()
	srv := New(Options{
		Supervisor: sup,
		Agent:      agent,
		Pipelines:  pipelines,
		Paths:      chain.DefaultPaths(),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testConnector{sup: sup, agent: agent, server: ts}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func mustBuild(t *testing.T, kind string, args map[string]cty.Value) processor.Processor {
	t.Helper()
	p, err := processor.NewDefaultRegistry().Build(kind, args)
	require.NoError(t, err)
	return p
}

func TestSetupCreatesNodeAndRegistersMonitor(t *testing.T) {
	tc := newTestConnector(t, map[string]config.PipelineDefault{
		"B": {Processors: []processor.Processor{mustBuild(t, "multiply", map[string]cty.Value{"factor": cty.NumberIntVal(2)})}},
	})

	resp := postJSON(t, tc.server.URL+"/chain/setup", chain.SetupRequest{
		ChainID:        "ci-1-00112233",
		RemoteConfigs:  chain.StagePayload{Services: []chain.ServiceRef{{TargetID: "B"}}},
		MonitoringHost: "http://initiator:8080",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	n, ok := tc.sup.NodeByTarget("ci-1-00112233", "B")
	require.True(t, ok)
	assert.Equal(t, node.StatusPending, n.Status())
	assert.Equal(t, 1, n.PipelineLen())

	host, ok := tc.agent.RemoteMonitoringHost("ci-1-00112233")
	require.True(t, ok)
	assert.Equal(t, "http://initiator:8080", host)
}

func TestSetupRequiresChainID(t *testing.T) {
	tc := newTestConnector(t, nil)
	resp := postJSON(t, tc.server.URL+"/chain/setup", chain.SetupRequest{
		RemoteConfigs: chain.StagePayload{Services: []chain.ServiceRef{{TargetID: "B"}}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSetupAcceptsBareStringServices(t *testing.T) {
	tc := newTestConnector(t, nil)
	resp := postJSON(t, tc.server.URL+"/chain/setup", map[string]any{
		"chainId":       "ci-1-00112233",
		"remoteConfigs": map[string]any{"services": []any{"B"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, ok := tc.sup.NodeByTarget("ci-1-00112233", "B")
	assert.True(t, ok)
}

func TestRunExecutesNode(t *testing.T) {
	tc := newTestConnector(t, map[string]config.PipelineDefault{
		"B": {Processors: []processor.Processor{mustBuild(t, "multiply", map[string]cty.Value{"factor": cty.NumberIntVal(2)})}},
	})
	postJSON(t, tc.server.URL+"/chain/setup", chain.SetupRequest{
		ChainID:       "ci-1-00112233",
		RemoteConfigs: chain.StagePayload{Services: []chain.ServiceRef{{TargetID: "B"}}},
	})

	resp := postJSON(t, tc.server.URL+"/chain/run", chain.RunRequest{
		ChainID:  "ci-1-00112233",
		TargetID: "B",
		Data:     21,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "COMPLETED", body["status"])

	n, _ := tc.sup.NodeByTarget("ci-1-00112233", "B")
	out, ok := n.Output()
	require.True(t, ok)
	assert.Equal(t, float64(42), out)
}

func TestRunUnknownTarget(t *testing.T) {
	tc := newTestConnector(t, nil)
	resp := postJSON(t, tc.server.URL+"/chain/run", chain.RunRequest{
		ChainID:  "ci-1-00112233",
		TargetID: "ghost",
		Data:     1,
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunRequiresChainID(t *testing.T) {
	tc := newTestConnector(t, nil)
	resp := postJSON(t, tc.server.URL+"/chain/run", chain.RunRequest{TargetID: "B", Data: 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunReportsProcessingFailure(t *testing.T) {
	failing := processor.Func(func(any) (any, error) {
		return nil, assert.AnError
	})
	tc := newTestConnector(t, map[string]config.PipelineDefault{
		"B": {Processors: []processor.Processor{failing}},
	})
	postJSON(t, tc.server.URL+"/chain/setup", chain.SetupRequest{
		ChainID:       "ci-1-00112233",
		RemoteConfigs: chain.StagePayload{Services: []chain.ServiceRef{{TargetID: "B"}}},
	})

	resp := postJSON(t, tc.server.URL+"/chain/run", chain.RunRequest{
		ChainID:  "ci-1-00112233",
		TargetID: "B",
		Data:     1,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	n, _ := tc.sup.NodeByTarget("ci-1-00112233", "B")
	assert.Equal(t, node.StatusFailed, n.Status())
}

func TestNotifyFeedsAgent(t *testing.T) {
	tc := newTestConnector(t, nil)

	resp := postJSON(t, tc.server.URL+"/chain/notify", monitoring.ReportingMessage{
		ChainID: "ci-1-00112233", NodeID: "n1", Status: node.StatusCompleted, Timestamp: 1700000000000,
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	state := tc.agent.ChainState("ci-1-00112233")
	assert.Equal(t, []string{"n1"}, state.Completed)
}

func TestNotifyRejectsIncompleteReports(t *testing.T) {
	tc := newTestConnector(t, nil)
	resp := postJSON(t, tc.server.URL+"/chain/notify", map[string]any{"chainId": "c"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChainStateEndpoint(t *testing.T) {
	tc := newTestConnector(t, nil)
	tc.agent.Observe(monitoring.ReportingMessage{ChainID: "c1", NodeID: "a", Status: node.StatusFailed})

	resp, err := http.Get(tc.server.URL + "/chain/c1/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var state monitoring.ChainState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	assert.Equal(t, []string{"a"}, state.Failed)
}

func TestHealthz(t *testing.T) {
	tc := newTestConnector(t, nil)
	resp, err := http.Get(tc.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
