// Package events publishes verdict changes for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"

	"ctiengine/internal/common"
	"ctiengine/internal/metrics"
	"ctiengine/internal/threat"
)

// VerdictEvent is emitted after every successful upsert.
type VerdictEvent struct {
	Identifier  string        `json:"identifier"`
	Kind        common.Kind   `json:"kind"`
	Status      common.Status `json:"status"`
	ThreatScore int           `json:"threat_score"`
	Confidence  int           `json:"confidence"`
	Tags        []string      `json:"tags"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// FromRecord builds the event for rec.
func FromRecord(rec threat.ThreatRecord) VerdictEvent {
	return VerdictEvent{
		Identifier:  rec.Identifier,
		Kind:        rec.Kind,
		Status:      rec.Verdict.Status,
		ThreatScore: rec.Verdict.ThreatScore,
		Confidence:  rec.Verdict.Confidence,
		Tags:        rec.Verdict.Tags,
		UpdatedAt:   rec.UpdatedAt,
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev VerdictEvent) error
	Close() error
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(context.Context, VerdictEvent) error { return nil }
func (Noop) Close() error                                { return nil }

type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

var propagator = propagation.TraceContext{}

// NATS publishes each event to "<subject>.<status>" with the trace context in headers.
type NATS struct {
	conn    *nats.Conn
	pub     msgPublisher
	subject string
}

// ConnectNATS dials url. The connection reconnects indefinitely.
func ConnectNATS(url, subject string) (*NATS, error) {
	nc, err := nats.Connect(url, nats.Name("ctiengine"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATS{conn: nc, pub: nc, subject: subject}, nil
}

func (n *NATS) Publish(ctx context.Context, ev VerdictEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: n.subject + "." + string(ev.Status), Data: data, Header: hdr}
	if err := n.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	metrics.EventsPublished.WithLabelValues(string(ev.Status)).Inc()
	return nil
}

func (n *NATS) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
