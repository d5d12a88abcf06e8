// Package policy holds the per-client behavior table. Each embedding client
// (identified by the clientId claim on its tokens) gets a ClientPolicy; the
// "default" entry covers everyone else. The table is static process
// configuration, optionally overridden by a JSON document at startup.
package policy

import (
	"encoding/json"
	"fmt"
)

// DefaultKey is the fallback table key when a token carries no clientId
// or an unknown one.
const DefaultKey = "default"

// ClientPolicy is the set of behavior flags for one embedding client.
type ClientPolicy struct {
	// AllowNonHostRoomCreation lets a non-host token create a room by
	// joining a nonexistent one. When false such joins fail.
	AllowNonHostRoomCreation bool `json:"allowNonHostRoomCreation"`

	// AllowHostJoin honors the isHost claim. When false, host tokens are
	// downgraded to participant on admission.
	AllowHostJoin bool `json:"allowHostJoin"`

	// UseWaitingRoom queues non-host joiners until the host admits them.
	UseWaitingRoom bool `json:"useWaitingRoom"`

	// AllowDisplayNameUpdate permits non-hosts to rename themselves after
	// admission. Hosts may always rename.
	AllowDisplayNameUpdate bool `json:"allowDisplayNameUpdate"`
}

// Table resolves a clientPolicyKey to its ClientPolicy.
type Table struct {
	policies map[string]ClientPolicy
}

func defaultPolicies() map[string]ClientPolicy {
	return map[string]ClientPolicy{
		DefaultKey: {
			AllowNonHostRoomCreation: false,
			AllowHostJoin:            true,
			UseWaitingRoom:           true,
			AllowDisplayNameUpdate:   true,
		},
	}
}

// NewTable builds the policy table. overrideJSON, when non-empty, is a
// document of the shape {"<clientId>": {<flags>}} merged over the built-in
// defaults; entries replace whole policies, they do not patch field by field.
func NewTable(overrideJSON string) (*Table, error) {
	policies := defaultPolicies()

	if overrideJSON != "" {
		var override map[string]ClientPolicy
		if err := json.Unmarshal([]byte(overrideJSON), &override); err != nil {
			return nil, fmt.Errorf("parsing client policies: %w", err)
		}
		for key, p := range override {
			policies[key] = p
		}
	}

	return &Table{policies: policies}, nil
}

// Resolve returns the policy for key, falling back to the default entry.
// An empty key means the token carried no clientId claim.
func (t *Table) Resolve(key string) ClientPolicy {
	if key != "" {
		if p, ok := t.policies[key]; ok {
			return p
		}
	}
	return t.policies[DefaultKey]
}

// Keys lists the configured policy keys, for startup logging.
func (t *Table) Keys() []string {
	keys := make([]string, 0, len(t.policies))
	for k := range t.policies {
		keys = append(keys, k)
	}
	return keys
}
