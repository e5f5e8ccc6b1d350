package models

import "time"

// Executor pools.
const (
	PoolManaged = "managed"
	PoolBYON    = "byon"
)

// Executor is the persisted pairing record for a worker process. Online
// presence is WebSocket-held only; this row carries identity, capability
// defaults, the token hash, and the revocation flag.
type Executor struct {
	ID             string
	OrganizationID string
	Pool           string
	Name           string
	Labels         []string
	Kinds          []string
	Connectors     []string
	MaxInFlight    int
	TokenHash      string
	Revoked        bool
	CreatedAt      time.Time
}
