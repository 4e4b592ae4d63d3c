// Package chain defines the declarative description of a pipeline chain and
// the wire messages the fabric protocol exchanges between connectors.
package chain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/specialistvlad/chainmesh/internal/processor"
)

// Location says whether a stage's nodes live on this connector or on a peer.
type Location string

const (
	// LocationLocal places the stage on the initiating connector.
	LocationLocal Location = "local"
	// LocationRemote places the stage on whichever peer resolves its service.
	LocationRemote Location = "remote"
)

// ParseLocation validates a location string from a chain file.
func ParseLocation(s string) (Location, error) {
	switch Location(strings.ToLower(s)) {
	case LocationLocal:
		return LocationLocal, nil
	case LocationRemote:
		return LocationRemote, nil
	default:
		return "", fmt.Errorf("chain: unknown location %q", s)
	}
}

// ServiceRef is the normalized form of a stage's service entry. Chain files
// and wire messages accept either a bare service ID or an object carrying
// resolver metadata; both decode into this one shape.
type ServiceRef struct {
	TargetID string            `json:"targetId"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// UnmarshalJSON accepts both `"svc-a"` and `{"targetId": "svc-a", "meta": {...}}`.
func (r *ServiceRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*r = ServiceRef{TargetID: id}
		return nil
	}
	type plain ServiceRef
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = ServiceRef(p)
	return nil
}

// MarshalJSON emits the compact string form when no metadata is attached.
func (r ServiceRef) MarshalJSON() ([]byte, error) {
	if len(r.Meta) == 0 {
		return json.Marshal(r.TargetID)
	}
	type plain ServiceRef
	return json.Marshal(plain(r))
}

// Stage is one position in a chain's ordered config. Processors are already
// built against the registry by the time a Stage reaches the supervisor.
type Stage struct {
	Services   []ServiceRef
	Location   Location
	Processors []processor.Processor
}

// FirstService returns the stage's addressed service entry. Per current
// fabric behavior only the first entry matters; extra entries are reserved
// for future fan-out.
func (s Stage) FirstService() (ServiceRef, bool) {
	if len(s.Services) == 0 {
		return ServiceRef{}, false
	}
	return s.Services[0], true
}

// idSuffixLen is the number of hex characters in a chain ID's random suffix.
const idSuffixLen = 8

// NewID allocates a chain identifier of the form
// <initiator-uid>-<unix-ms>-<8-hex>. The random suffix bounds the collision
// probability for two allocations in the same millisecond at roughly 2^-32.
func NewID(uid string, clk clock.Clock) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:idSuffixLen]
	return fmt.Sprintf("%s-%d-%s", uid, clk.Now().UnixMilli(), suffix)
}

// idPattern matches IDs produced by NewID for any initiator uid.
var idPattern = regexp.MustCompile(`^.+-\d+-[0-9a-f]{8}$`)

// ValidID reports whether the given string looks like a fabric chain ID.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}
