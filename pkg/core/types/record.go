package types

import "time"

// CostBreakdown is the billed view of a ledger snapshot.
type CostBreakdown struct {
	Base               float64 `json:"base"`
	PlatformFeePercent float64 `json:"platform_fee_percent"`
	PlatformFee        float64 `json:"platform_fee"`
	Total              float64 `json:"total"`
}

// SessionRecord is emitted once per session on termination.
type SessionRecord struct {
	SessionID  string               `json:"session_id"`
	AgentID    string               `json:"agent_id"`
	Reason     string               `json:"reason"`
	Error      string               `json:"error,omitempty"`
	StartedAt  time.Time            `json:"started_at"`
	EndedAt    time.Time            `json:"ended_at"`
	Vars       map[string]string    `json:"vars,omitempty"`
	NodePath   []string             `json:"node_path"`
	Transcript []Turn               `json:"transcript"`
	Costs      map[Category]float64 `json:"costs"`
	Quantities map[string]float64   `json:"quantities,omitempty"`
	Breakdown  CostBreakdown        `json:"breakdown"`
}

// Duration returns the wall-clock length of the session.
func (r SessionRecord) Duration() time.Duration {
	if r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
