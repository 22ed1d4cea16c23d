package events

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const eventsExchange = "nexusmeme.events"

// AMQPMirror republishes lifecycle events to a RabbitMQ topic exchange so
// services outside this process (notifier, analytics) can follow along.
// Publishing is best effort: a broker outage never affects job execution.
type AMQPMirror struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *logrus.Entry
}

// NewAMQPMirror connects to the broker and declares the exchange.
func NewAMQPMirror(url string, log *logrus.Entry) (*AMQPMirror, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(eventsExchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPMirror{conn: conn, ch: ch, log: log}, nil
}

// Run consumes lifecycle events from the bus until ctx is done.
func (m *AMQPMirror) Run(ctx context.Context, bus *Bus) {
	msgs, unsub := bus.SubscribeMany(256, Lifecycle...)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if err := m.publish(ctx, msg); err != nil {
				m.log.WithError(err).WithField("event", string(msg.Event)).Debug("amqp mirror publish failed")
			}
		}
	}
}

func (m *AMQPMirror) publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return m.ch.PublishWithContext(ctx,
		eventsExchange,
		string(msg.Event), // routing key, e.g. job.completed
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   msg.At,
			Body:        body,
		})
}

// Close tears down the channel and connection.
func (m *AMQPMirror) Close() {
	if m.ch != nil {
		m.ch.Close()
	}
	if m.conn != nil {
		m.conn.Close()
	}
}
