package models

import (
	"encoding/json"
	"time"
)

// CommandStatus enumerates lifecycle states persisted in the store.
const (
	StatusPending  = "pending"
	StatusInFlight = "in_flight"
	StatusDone     = "done"
	StatusError    = "error"
	StatusExpired  = "expired"
)

// Statuses lists every command status in lifecycle order.
var Statuses = []string{StatusPending, StatusInFlight, StatusDone, StatusError, StatusExpired}

// IsActive reports whether status still participates in dedupe.
func IsActive(status string) bool {
	return status == StatusPending || status == StatusInFlight
}

// Command is a unit of work awaiting execution by an edge agent.
// Zero times mean "unset".
type Command struct {
	Seq            int64           `json:"-"`
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"`
	TargetAgent    string          `json:"target_agent,omitempty"`
	AgentID        string          `json:"agent_id,omitempty"`
	Source         string          `json:"source,omitempty"`
	DedupeKey      string          `json:"dedupe_key"`
	NotBefore      time.Time       `json:"not_before"`
	Deadline       time.Time       `json:"deadline"`
	LeasedAt       time.Time       `json:"leased_at"`
	LeaseExpiresAt time.Time       `json:"lease_expires_at"`
	Attempts       int             `json:"attempts"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Due reports whether a pending command may be leased at now.
func (c Command) Due(now time.Time) bool {
	return c.NotBefore.IsZero() || !c.NotBefore.After(now)
}

// Receipt is an agent's report of one execution attempt. Receipts are append-only.
type Receipt struct {
	ID         int64           `json:"id"`
	CommandID  string          `json:"cmd_id"`
	AgentID    string          `json:"agent_id"`
	OK         bool            `json:"ok"`
	Status     string          `json:"status"`
	TxID       string          `json:"txid,omitempty"`
	Message    string          `json:"message,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// DailyReceipts is the compacted aggregate of receipts for one UTC day.
type DailyReceipts struct {
	Day        string    `json:"day_utc"`
	CountTotal int64     `json:"count_total"`
	CountOK    int64     `json:"count_ok"`
	CountError int64     `json:"count_error"`
	LastTS     time.Time `json:"last_ts"`
}

// Heartbeat is the latest liveness report from one agent.
type Heartbeat struct {
	AgentID   string    `json:"agent_id"`
	LastSeen  time.Time `json:"last_seen"`
	LatencyMS float64   `json:"latency_ms"`
	Beats     int64     `json:"beats"`
}

// Stale reports whether the agent has been silent for longer than after.
func (h Heartbeat) Stale(now time.Time, after time.Duration) bool {
	return now.Sub(h.LastSeen) > after
}

// QueueDepth is a point-in-time count of commands by status.
type QueueDepth map[string]int64

// Total sums every status.
func (d QueueDepth) Total() int64 {
	var n int64
	for _, v := range d {
		n += v
	}
	return n
}
