// Package notify fans outbox lifecycle events out to operators and downstream consumers.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"command-outbox/internal/telemetry"
)

// AckEvent describes a receipt recorded for a command.
type AckEvent struct {
	CommandID    string    `json:"cmd_id"`
	AgentID      string    `json:"agent_id"`
	Status       string    `json:"status"`
	OK           bool      `json:"ok"`
	TxID         string    `json:"txid,omitempty"`
	Message      string    `json:"message,omitempty"`
	Transitioned bool      `json:"transitioned"`
	At           time.Time `json:"ts"`
}

// ReapEvent reports leases returned to pending by a sweep.
type ReapEvent struct {
	AgentID string    `json:"agent_id,omitempty"`
	Count   int64     `json:"count"`
	Expired int64     `json:"expired"`
	At      time.Time `json:"ts"`
}

// Notifier receives events after the originating transaction commits.
type Notifier interface {
	CommandAcked(ctx context.Context, ev AckEvent) error
	LeasesReaped(ctx context.Context, ev ReapEvent) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) CommandAcked(context.Context, AckEvent) error   { return nil }
func (Nop) LeasesReaped(context.Context, ReapEvent) error { return nil }

// Multi delivers to every notifier, logging and counting failures instead of
// surfacing them; notification never affects outbox state.
type Multi struct {
	targets []named
	logger  *slog.Logger
}

type named struct {
	name string
	n    Notifier
}

// NewMulti builds a fan-out notifier.
func NewMulti(logger *slog.Logger) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{logger: logger}
}

// Add registers a notifier under name for logs and metrics.
func (m *Multi) Add(name string, n Notifier) *Multi {
	if n != nil {
		m.targets = append(m.targets, named{name: name, n: n})
	}
	return m
}

// Len returns the number of registered notifiers.
func (m *Multi) Len() int { return len(m.targets) }

func (m *Multi) CommandAcked(ctx context.Context, ev AckEvent) error {
	var errs []error
	for _, t := range m.targets {
		if err := t.n.CommandAcked(ctx, ev); err != nil {
			m.fail(t.name, err, "cmd_id", ev.CommandID)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) LeasesReaped(ctx context.Context, ev ReapEvent) error {
	var errs []error
	for _, t := range m.targets {
		if err := t.n.LeasesReaped(ctx, ev); err != nil {
			m.fail(t.name, err, "count", ev.Count)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) fail(name string, err error, args ...any) {
	telemetry.NotifyFailures.WithLabelValues(name).Inc()
	m.logger.Warn("notification failed", append([]any{"notifier", name, "error", err}, args...)...)
}
