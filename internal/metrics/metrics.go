package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Metrics holds process-wide presence counters.
type Metrics struct {
	activeConns       atomic.Int64
	joins             atomic.Uint64
	leaves            atomic.Uint64
	graceReconnects   atomic.Uint64
	sessionSwitches   atomic.Uint64
	explicitLogouts   atomic.Uint64
	rejectedConnects  atomic.Uint64
	broadcastFailures atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncConn() {
	m.activeConns.Add(1)
}

func (m *Metrics) DecConn() {
	m.activeConns.Add(-1)
}

func (m *Metrics) IncJoin() {
	m.joins.Add(1)
}

func (m *Metrics) IncLeave() {
	m.leaves.Add(1)
}

// IncGraceReconnect counts reconnects that landed inside a grace window.
func (m *Metrics) IncGraceReconnect() {
	m.graceReconnects.Add(1)
}

func (m *Metrics) IncSessionSwitch() {
	m.sessionSwitches.Add(1)
}

func (m *Metrics) IncExplicitLogout() {
	m.explicitLogouts.Add(1)
}

func (m *Metrics) IncRejectedConnect() {
	m.rejectedConnects.Add(1)
}

func (m *Metrics) IncBroadcastFailure() {
	m.broadcastFailures.Add(1)
}

// Snapshot returns the counters keyed the way ServeHTTP reports them.
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"active_connections":       m.activeConns.Load(),
		"joins_total":              m.joins.Load(),
		"leaves_total":             m.leaves.Load(),
		"grace_reconnects_total":   m.graceReconnects.Load(),
		"session_switches_total":   m.sessionSwitches.Load(),
		"explicit_logouts_total":   m.explicitLogouts.Load(),
		"rejected_connects_total":  m.rejectedConnects.Load(),
		"broadcast_failures_total": m.broadcastFailures.Load(),
	}
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.Snapshot())
}
