package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDrop — сигнальная ошибка обработчика: сообщение не возвращается
// в очередь, а уходит в DLQ (если она привязана к очереди).
var ErrDrop = errors.New("drop message")

// Handler обрабатывает одно сообщение. Подтверждение позднее: ack
// отправляется только после возврата обработчика. nil — ack; ErrDrop —
// nack без requeue (DLQ); любая другая ошибка — nack с requeue.
type Handler func(ctx context.Context, msg *Delivery) error

// Delivery — доставленное сообщение вместе с сырым AMQP-кадром.
type Delivery struct {
	Message Message
	Raw     amqp.Delivery
}

// Ack подтверждает обработку.
func (d *Delivery) Ack() error {
	return d.Raw.Ack(false)
}

// Nack отклоняет сообщение; requeue=false уводит его в DLQ.
func (d *Delivery) Nack(requeue bool) error {
	return d.Raw.Nack(false, requeue)
}

// Consumer читает одну очередь и гонит сообщения в Handler.
// Переживает реконнект соединения: подписка перезапускается по
// сигналу ReconnectNotify.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    string
	handler  Handler
	prefetch int

	cancelFunc context.CancelFunc
}

type ConsumerConfig struct {
	Queue   string
	Handler Handler

	// Prefetch ограничивает число неподтверждённых сообщений у этого
	// консьюмера. 1 — следующее не приходит, пока текущее не ack'нуто.
	Prefetch int
}

func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}

	return &Consumer{
		conn:     conn,
		logger:   logger,
		queue:    cfg.Queue,
		handler:  cfg.Handler,
		prefetch: prefetch,
	}
}

// Start блокируется до отмены контекста, перезапуская подписку после
// каждого разрыва.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		deliveries, err := c.subscribe()
		if err != nil {
			c.logger.Error("subscribe failed", "queue", c.queue, "error", err)
			if err := c.awaitReconnect(ctx); err != nil {
				return err
			}
			continue
		}

		c.logger.Info("consumer started", "queue", c.queue)

		if err := c.drain(ctx, deliveries); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("deliveries channel closed", "queue", c.queue)
			if err := c.awaitReconnect(ctx); err != nil {
				return err
			}
		}
	}
}

func (c *Consumer) awaitReconnect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.conn.ReconnectNotify():
		c.logger.Info("reconnected, restarting consumer", "queue", c.queue)
		return nil
	}
}

// subscribe выставляет prefetch и открывает подписку на очередь.
func (c *Consumer) subscribe() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, errors.New("no channel available")
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}

	return deliveries, nil
}

func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.dispatch(ctx, raw)
		}
	}
}

// dispatch разбирает кадр, зовёт обработчик и подтверждает результат.
// Ack строго после возврата обработчика: упади процесс посередине,
// брокер доставит сообщение заново.
func (c *Consumer) dispatch(ctx context.Context, raw amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		c.logger.Error("malformed message",
			"queue", c.queue,
			"error", err,
			"body", string(raw.Body),
		)
		raw.Nack(false, false)
		return
	}

	c.logger.Debug("received message",
		"queue", c.queue,
		"message_id", msg.ID,
		"type", msg.Type,
	)

	err := c.handler(ctx, &Delivery{Message: msg, Raw: raw})
	switch {
	case err == nil:
		raw.Ack(false)

	case errors.Is(err, ErrDrop):
		c.logger.Warn("message dropped",
			"queue", c.queue,
			"message_id", msg.ID,
			"type", msg.Type,
			"error", err,
		)
		raw.Nack(false, false)

	default:
		c.logger.Error("handler failed",
			"queue", c.queue,
			"message_id", msg.ID,
			"type", msg.Type,
			"error", err,
		)
		raw.Nack(false, true)
	}
}

// Stop прерывает цикл Start.
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
}

// ParsePayload приводит payload сообщения к конкретному типу.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T

	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("unmarshal payload: %w", err)
	}

	return result, nil
}
