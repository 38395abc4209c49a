package queue

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/iliyamo/reservation-reallocation/internal/metrics"
)

// Publisher sends events to a durable topic exchange.  A connection is
// dialled per publish; notification volume is low and this keeps the
// publisher free of reconnect state.
type Publisher struct {
	url      string
	exchange string
	log      *zap.Logger
}

// NewPublisher returns a publisher for the broker at url.
func NewPublisher(url, exchange string, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{url: url, exchange: exchange, log: log}
}

// Publish sends ev with ev.Type as routing key.  Messages are persistent.
// Errors are logged and returned so the caller can choose to ignore them.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	err := p.publish(ctx, ev)
	result := "ok"
	if err != nil {
		result = "error"
		p.log.Warn("rabbitmq: publish failed",
			zap.String("routing_key", ev.Type),
			zap.String("reservation_id", ev.ReservationID),
			zap.Error(err))
	}
	metrics.Notifications.WithLabelValues(ev.Type, result).Inc()
	return err
}

func (p *Publisher) publish(ctx context.Context, ev Event) error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	// Ensure the exchange exists (idempotent). Durable so bindings survive broker restarts.
	if err := declareExchange(ch, p.exchange); err != nil {
		return err
	}

	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // store on disk
		Timestamp:    ev.OccurredAt,
		Type:         ev.Type,
		Body:         body,
	}
	return ch.PublishWithContext(ctx,
		p.exchange, // exchange
		ev.Type,    // routing key
		false,      // mandatory
		false,      // immediate
		pub,
	)
}

func declareExchange(ch *amqp.Channel, name string) error {
	return ch.ExchangeDeclare(
		name,    // name
		"topic", // kind
		true,    // durable
		false,   // autoDelete
		false,   // internal
		false,   // noWait
		nil,     // args
	)
}
