// Package events publishes ledger events to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"go-interest-ledger/model"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// EventTypeInterestBatchCompleted is the event_type of InterestBatchCompleted messages.
const EventTypeInterestBatchCompleted = "interest.batch.completed"

// InterestBatchCompleted is published once per finished interest batch.
type InterestBatchCompleted struct {
	EventID     string `json:"event_id"`
	EventType   string `json:"event_type"`
	BatchID     string `json:"batch_id"`
	ActorID     string `json:"actor_id"`
	Posted      int    `json:"posted_count"`
	Failed      int    `json:"failed_count"`
	Skipped     int    `json:"skipped_count"`
	TotalPosted string `json:"total_posted"`
	StartedAt   string `json:"started_at"`
	FinishedAt  string `json:"finished_at"`
	Timestamp   string `json:"timestamp"`
}

// NewInterestBatchCompleted builds the event for result. Times are RFC 3339 strings.
func NewInterestBatchCompleted(result model.BatchResult, now time.Time) InterestBatchCompleted {
	return InterestBatchCompleted{
		EventID:     uuid.NewString(),
		EventType:   EventTypeInterestBatchCompleted,
		BatchID:     result.BatchID.String(),
		ActorID:     result.ActorID,
		Posted:      result.Posted,
		Failed:      result.Failed,
		Skipped:     result.Skipped,
		TotalPosted: result.TotalPosted.String(),
		StartedAt:   result.StartedAt.UTC().Format(time.RFC3339),
		FinishedAt:  result.FinishedAt.UTC().Format(time.RFC3339),
		Timestamp:   now.UTC().Format(time.RFC3339),
	}
}

// RabbitMQPublisher publishes events to a topic exchange.
type RabbitMQPublisher struct {
	mu         sync.Mutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
}

// NewRabbitMQPublisher connects to url and declares a durable topic exchange.
func NewRabbitMQPublisher(url, exchange, routingKey string) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	log.Printf("RabbitMQ publisher initialized: exchange=%s, routing_key=%s", exchange, routingKey)

	return &RabbitMQPublisher{
		conn:       conn,
		channel:    channel,
		exchange:   exchange,
		routingKey: routingKey,
	}, nil
}

// PublishBatchCompleted sends an InterestBatchCompleted event for result.
func (p *RabbitMQPublisher) PublishBatchCompleted(ctx context.Context, result model.BatchResult) error {
	now := time.Now()
	event := NewInterestBatchCompleted(result, now)
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.PublishWithContext(ctx,
		p.exchange,   // exchange
		p.routingKey, // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.EventID,
			Type:         event.EventType,
			Timestamp:    now,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	log.Printf("Published %s event: batchId=%s", event.EventType, event.BatchID)
	return nil
}

// Close closes the RabbitMQ channel and connection.
func (p *RabbitMQPublisher) Close() error {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			log.Printf("Error closing channel: %v", err)
		}
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
