// Package mq publishes routing events to RabbitMQ.
package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/staydesk/staydesk/internal/nlp"
)

const (
	DefaultExchange = "events"

	RoutingKeyRouted    = "email.routed"
	RoutingKeyEscalated = "email.escalated"
)

// Event is the payload of every routing event
type Event struct {
	EventID    string         `json:"event_id"`
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	MessageID  string         `json:"message_id"`
	Sender     string         `json:"sender"`
	Subject    string         `json:"subject"`
	Intent     nlp.IntentType `json:"intent"`
	NextAction nlp.NextAction `json:"next_action"`
	Confidence float64        `json:"confidence"`
	Escalate   bool           `json:"escalate"`
	Outcome    string         `json:"outcome,omitempty"` // What the dispatcher did
	Result     nlp.Result     `json:"result"`
}

// NewEvent builds the event for a result under routingKey
func NewEvent(routingKey string, r nlp.Result, outcome string) Event {
	return Event{
		EventID:    uuid.NewString(),
		Type:       routingKey,
		OccurredAt: time.Now().UTC(),
		MessageID:  r.MessageID,
		Sender:     r.Sender,
		Subject:    r.Subject,
		Intent:     r.Intent,
		NextAction: r.NextAction,
		Confidence: r.Confidence,
		Escalate:   r.Escalate,
		Outcome:    outcome,
		Result:     r,
	}
}

// EventPublisher sends one event under a routing key
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
	Close()
}

type Publisher struct {
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
}

// NewConnection creates a new RabbitMQ connection
func NewConnection(url string) (*amqp091.Connection, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

// DeclareExchange declares a durable topic exchange
func DeclareExchange(ch *amqp091.Channel, name string) error {
	return ch.ExchangeDeclare(
		name,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
}

func NewPublisher(url, exchange string) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := DeclareExchange(ch, exchange); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
	}, nil
}

func (p *Publisher) Close() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// IsConnected checks if the publisher connection is still alive
func (p *Publisher) IsConnected() bool {
	if p.conn == nil || p.channel == nil {
		return false
	}
	return !p.conn.IsClosed()
}

// Publish publishes payload as JSON to the exchange with the given routing key
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	return p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
		},
	)
}

// Nop discards events; used when no broker is configured
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }
func (Nop) Close()                                     {}
