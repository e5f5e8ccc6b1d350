package gateway

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vespid/vespid/pkg/config"
	"github.com/vespid/vespid/pkg/models"
)

// ExecutorConn is one online executor as seen by the registry. Identity and
// capability fields are fixed at registration (pairing record merged with
// the hello frame); inFlight is guarded by the registry mutex.
type ExecutorConn struct {
	ID           string
	OrgID        string
	Pool         string
	Name         string
	AgentVersion string
	Labels       []string
	Kinds        []string
	Connectors   []string
	MaxInFlight  int
	ConnectedAt  time.Time

	send     FrameSender
	inFlight int
}

// Send delivers a frame to the executor's socket.
func (c *ExecutorConn) Send(ctx context.Context, frame any) error {
	return c.send.Send(ctx, frame)
}

// Close closes the executor's socket.
func (c *ExecutorConn) Close(reason string) {
	c.send.Close(reason)
}

// ExecutorInfo is the health-endpoint snapshot of one connection.
type ExecutorInfo struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"orgId,omitempty"`
	Pool         string    `json:"pool"`
	Name         string    `json:"name"`
	AgentVersion string    `json:"agentVersion,omitempty"`
	Labels       []string  `json:"labels,omitempty"`
	Kinds        []string  `json:"kinds"`
	Connectors   []string  `json:"connectors,omitempty"`
	MaxInFlight  int       `json:"maxInFlight"`
	InFlight     int       `json:"inFlight"`
	ConnectedAt  time.Time `json:"connectedAt"`
}

// Registry tracks executors connected to this process. It is pure routing
// state: persistence (revocation, pairing) stays in store.ExecutorStore and
// is re-checked by the router at dispatch time.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*ExecutorConn

	// Round-robin cursors keyed by the pool the eligible set was drawn
	// from ("mixed" when an explicit selector spans pools).
	rr map[string]uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*ExecutorConn),
		rr:    make(map[string]uint64),
	}
}

// Add registers a connection, replacing any previous connection with the
// same executor id. The replaced connection is returned so the caller can
// close its socket.
func (r *Registry) Add(conn *ExecutorConn) *ExecutorConn {
	r.mu.Lock()
	old := r.conns[conn.ID]
	r.conns[conn.ID] = conn
	r.mu.Unlock()

	if old == nil {
		recordExecutorOnline(conn.Pool)
	}
	return old
}

// Remove drops a connection. The pointer must match the registered entry:
// a session that was replaced by a reconnect must not remove its successor.
func (r *Registry) Remove(conn *ExecutorConn) {
	r.mu.Lock()
	removed := r.conns[conn.ID] == conn
	if removed {
		delete(r.conns, conn.ID)
	}
	r.mu.Unlock()

	if removed {
		recordExecutorOffline(conn.Pool)
	}
}

// Get returns the live connection for an executor id.
func (r *Registry) Get(executorID string) (*ExecutorConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[executorID]
	return conn, ok
}

// OnlineCount returns the number of connected executors.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// InFlight returns the current in-flight count for an executor.
func (r *Registry) InFlight(executorID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if conn, ok := r.conns[executorID]; ok {
		return conn.inFlight
	}
	return 0
}

// IncInFlight records one dispatched request against an executor.
func (r *Registry) IncInFlight(executorID string) {
	r.mu.Lock()
	if conn, ok := r.conns[executorID]; ok {
		conn.inFlight++
	}
	r.mu.Unlock()
	recordInFlightDelta(1)
}

// DecInFlight records one resolved request. Counts never go negative: the
// executor may have reconnected since the dispatch, resetting its count.
func (r *Registry) DecInFlight(executorID string) {
	r.mu.Lock()
	if conn, ok := r.conns[executorID]; ok && conn.inFlight > 0 {
		conn.inFlight--
	}
	r.mu.Unlock()
	recordInFlightDelta(-1)
}

// Eligible returns the executors able to serve a request, in stable id
// order. Revocation is not checked here; the router re-checks the selected
// BYON executor against the store before sending.
func (r *Registry) Eligible(req *models.DispatchRequest) []*ExecutorConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.eligibleLocked(req)
}

func (r *Registry) eligibleLocked(req *models.DispatchRequest) []*ExecutorConn {
	var managed, byon []*ExecutorConn
	for _, conn := range r.conns {
		if !conn.matches(req) {
			continue
		}
		if conn.Pool == models.PoolBYON {
			byon = append(byon, conn)
		} else {
			managed = append(managed, conn)
		}
	}

	var out []*ExecutorConn
	switch {
	case selectorPool(req) != "":
		if selectorPool(req) == models.PoolBYON {
			out = byon
		} else {
			out = managed
		}
	case explicitSelector(req):
		out = append(managed, byon...)
	case len(managed) > 0:
		// Default routing prefers the managed pool; org-bound BYON
		// executors serve only when no managed executor can.
		out = managed
	default:
		out = byon
	}

	slices.SortFunc(out, func(a, b *ExecutorConn) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Select picks one executor for a request, or returns false when none is
// eligible. Ties always break in stable executor id order.
func (r *Registry) Select(req *models.DispatchRequest, strategy string) (*ExecutorConn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	eligible := r.eligibleLocked(req)
	if len(eligible) == 0 {
		return nil, false
	}

	switch strategy {
	case config.SelectionLeastInFlight:
		chosen := eligible[0]
		for _, conn := range eligible[1:] {
			if conn.inFlight < chosen.inFlight {
				chosen = conn
			}
		}
		return chosen, true
	default:
		key := eligible[0].Pool
		for _, conn := range eligible[1:] {
			if conn.Pool != key {
				key = "mixed"
				break
			}
		}
		n := r.rr[key]
		r.rr[key]++
		return eligible[n%uint64(len(eligible))], true
	}
}

// Snapshot returns health-endpoint info for every connection, in id order.
func (r *Registry) Snapshot() []ExecutorInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ExecutorInfo, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, ExecutorInfo{
			ID:           conn.ID,
			OrgID:        conn.OrgID,
			Pool:         conn.Pool,
			Name:         conn.Name,
			AgentVersion: conn.AgentVersion,
			Labels:       conn.Labels,
			Kinds:        conn.Kinds,
			Connectors:   conn.Connectors,
			MaxInFlight:  conn.MaxInFlight,
			InFlight:     conn.inFlight,
			ConnectedAt:  conn.ConnectedAt,
		})
	}
	slices.SortFunc(out, func(a, b ExecutorInfo) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// matches applies every per-executor eligibility filter except pool routing,
// which needs the whole candidate set.
func (c *ExecutorConn) matches(req *models.DispatchRequest) bool {
	if !slices.Contains(c.Kinds, req.Kind) {
		return false
	}

	// Executors that declare a connector list only take connector.action
	// requests for those connectors.
	if req.Kind == models.KindConnectorAction && len(c.Connectors) > 0 {
		connectorID, _ := req.Payload["connectorId"].(string)
		if !slices.Contains(c.Connectors, connectorID) {
			return false
		}
	}

	// BYON executors serve only their own organization.
	if c.Pool == models.PoolBYON && c.OrgID != req.OrgID {
		return false
	}

	if sel := req.Selector; sel != nil {
		if sel.ExecutorID != "" && sel.ExecutorID != c.ID {
			return false
		}
		if sel.Tag != "" && !slices.Contains(c.Labels, sel.Tag) {
			return false
		}
		if sel.Group != "" && !slices.Contains(c.Labels, "group:"+sel.Group) {
			return false
		}
		for _, label := range sel.Labels {
			if !slices.Contains(c.Labels, label) {
				return false
			}
		}
	}

	if c.MaxInFlight > 0 && c.inFlight >= c.MaxInFlight {
		return false
	}
	return true
}

func selectorPool(req *models.DispatchRequest) string {
	if req.Selector == nil {
		return ""
	}
	return req.Selector.Pool
}

// explicitSelector reports whether the request targets executors directly,
// which lets BYON executors compete with the managed pool.
func explicitSelector(req *models.DispatchRequest) bool {
	sel := req.Selector
	if sel == nil {
		return false
	}
	return sel.ExecutorID != "" || sel.Tag != "" || sel.Group != "" || len(sel.Labels) > 0
}
