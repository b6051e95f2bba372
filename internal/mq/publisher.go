package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeRunPending     MessageType = "run.pending"
	MessageTypeStageDispatch  MessageType = "stage.dispatch"
	MessageTypeStageCompleted MessageType = "stage.completed"
)

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// RunPendingPayload — payload для сообщения о новом run.
type RunPendingPayload struct {
	RunID uuid.UUID `json:"run_id"`
}

// StageDispatchPayload — payload для стадии, готовой к выполнению.
//
// IdempotencyKey передаётся воркеру, чтобы повторная доставка того же
// сообщения не породила второго конкурентного выполнения попытки.
type StageDispatchPayload struct {
	RunID          uuid.UUID `json:"run_id"`
	Stage          string    `json:"stage"`
	IdempotencyKey string    `json:"idempotency_key"`
	Attempt        int       `json:"attempt"`
}

// StageCompletedPayload — payload для завершённой попытки стадии.
type StageCompletedPayload struct {
	RunID   uuid.UUID `json:"run_id"`
	Stage   string    `json:"stage"`
	Status  string    `json:"status"` // completed, failed или skipped
	Reason  string    `json:"reason,omitempty"`
	Notes   string    `json:"notes,omitempty"`
	Attempt int       `json:"attempt"`
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
}

// PublishRunPending публикует событие о новом run, ожидающем выполнения.
// Потребитель: Orchestrator.
func (p *Publisher) PublishRunPending(ctx context.Context, runID uuid.UUID) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeRunPending,
		Payload:   RunPendingPayload{RunID: runID},
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeRuns, RoutingKeyPending, msg)
}

// PublishStageDispatch публикует стадию, готовую к выполнению.
// Потребитель: Worker.
func (p *Publisher) PublishStageDispatch(ctx context.Context, payload StageDispatchPayload) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeStageDispatch,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeStages, RoutingKeyDispatch, msg)
}

// PublishStageCompleted публикует событие о завершённой попытке стадии.
// Потребитель: Orchestrator.
func (p *Publisher) PublishStageCompleted(ctx context.Context, payload StageCompletedPayload) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeStageCompleted,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeStages, RoutingKeyCompleted, msg)
}
