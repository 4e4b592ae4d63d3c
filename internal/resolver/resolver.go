// Package resolver maps logical identifiers to peer base URLs: target
// services via the host resolver and chains via the monitoring resolver.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/specialistvlad/chainmesh/internal/monitoring"
)

// ErrMonitoringNotFound is returned when no monitoring host is registered
// for a chain. Callers log it and drop the report; it is never fatal.
var ErrMonitoringNotFound = errors.New("resolver: no monitoring host registered for chain")

// HostResolver maps a target service ID (plus optional metadata) to a peer
// base URL. Resolution is synchronous service discovery.
type HostResolver interface {
	Resolve(targetID string, meta map[string]string) (string, bool)
}

// MonitoringResolver maps a chain ID to the base URL of that chain's
// monitoring peer. Implementations may be backed by remote lookups, so the
// call takes a context.
type MonitoringResolver interface {
	Resolve(ctx context.Context, chainID string) (string, error)
}

// metaHostKey lets a service entry override discovery with an explicit host.
const metaHostKey = "host"

// StaticHosts is a HostResolver over a fixed peer table, typically loaded
// from the connector's config file.
type StaticHosts struct {
	mu    sync.RWMutex
	peers map[string]string
}

// NewStaticHosts builds a resolver over the given targetID → URL table.
func NewStaticHosts(peers map[string]string) *StaticHosts {
	table := make(map[string]string, len(peers))
	for id, url := range peers {
		table[id] = url
	}
	return &StaticHosts{peers: table}
}

// Add registers or replaces a peer entry.
func (s *StaticHosts) Add(targetID, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[targetID] = url
}

// Resolve implements HostResolver. A "host" meta key wins over the table.
func (s *StaticHosts) Resolve(targetID string, meta map[string]string) (string, bool) {
	if host, ok := meta[metaHostKey]; ok && host != "" {
		return host, true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	url, ok := s.peers[targetID]
	return url, ok
}

// AgentMonitoring resolves monitoring hosts from the process-local
// monitoring agent. This is the default MonitoringResolver.
type AgentMonitoring struct {
	agent *monitoring.Agent
}

// NewAgentMonitoring wraps the given agent.
func NewAgentMonitoring(agent *monitoring.Agent) *AgentMonitoring {
	return &AgentMonitoring{agent: agent}
}

// Resolve implements MonitoringResolver.
func (r *AgentMonitoring) Resolve(_ context.Context, chainID string) (string, error) {
	host, ok := r.agent.RemoteMonitoringHost(chainID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMonitoringNotFound, chainID)
	}
	return host, nil
}
