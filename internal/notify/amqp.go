package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Publisher is satisfied by *amqp.Channel.
type Publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQP publishes every event as JSON to a topic exchange. Routing keys are
// "<prefix>.acked" and "<prefix>.reaped".
type AMQP struct {
	pub      Publisher
	exchange string
	prefix   string
	close    func() error
}

// DialAMQP connects, opens a channel and declares a durable topic exchange.
func DialAMQP(url, exchange, prefix string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	a := NewAMQP(ch, exchange, prefix)
	a.close = func() error {
		_ = ch.Close()
		return conn.Close()
	}
	return a, nil
}

// NewAMQP wraps an existing publisher.
func NewAMQP(pub Publisher, exchange, prefix string) *AMQP {
	if prefix == "" {
		prefix = "outbox"
	}
	return &AMQP{pub: pub, exchange: exchange, prefix: prefix}
}

func (a *AMQP) CommandAcked(ctx context.Context, ev AckEvent) error {
	return a.publish(ctx, "acked", ev)
}

func (a *AMQP) LeasesReaped(ctx context.Context, ev ReapEvent) error {
	if ev.Count == 0 && ev.Expired == 0 {
		return nil
	}
	return a.publish(ctx, "reaped", ev)
}

// Close releases the connection when the publisher was dialed here.
func (a *AMQP) Close() error {
	if a.close == nil {
		return nil
	}
	return a.close()
}

func (a *AMQP) publish(ctx context.Context, kind string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	headers := amqp.Table{"event": kind}
	for k, val := range carrier {
		headers[k] = val
	}
	err = a.pub.Publish(a.exchange, a.prefix+"."+kind, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	return nil
}
