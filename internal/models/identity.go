package models

import "slices"

// Capabilities attached to an already-resolved caller identity. Transport
// authentication happens upstream; this core never parses tokens.
const (
	CapabilityAdmin      = "governance.admin"
	CapabilityBreakGlass = "governance.break-glass"
)

// Identity is the caller identity resolved by the authentication layer.
type Identity struct {
	Actor        string   `json:"actor"`
	Capabilities []string `json:"capabilities"`
}

// Has reports whether the identity carries the named capability.
func (id Identity) Has(capability string) bool {
	return slices.Contains(id.Capabilities, capability)
}
