package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/leakwatch/shared/rabbitmq"
)

// RabbitBroker maps lanes onto RabbitMQ priority queues
type RabbitBroker struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewRabbitBroker wraps a connected client; lanes must already be declared
func NewRabbitBroker(client *rabbitmq.Client, logger *slog.Logger) *RabbitBroker {
	return &RabbitBroker{client: client, logger: logger}
}

func (b *RabbitBroker) Publish(ctx context.Context, lane Lane, task Task) error {
	body, err := Encode(task)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, string(lane), body, task.Priority.Level())
}

func (b *RabbitBroker) PublishDelayed(ctx context.Context, lane Lane, task Task, delay time.Duration) error {
	if delay <= 0 {
		return b.Publish(ctx, lane, task)
	}

	body, err := Encode(task)
	if err != nil {
		return err
	}
	return b.client.PublishDelayed(ctx, string(lane), body, task.Priority.Level(), delay)
}

func (b *RabbitBroker) Get(_ context.Context, lane Lane) (*Delivery, bool, error) {
	msg, ok, err := b.client.Get(string(lane))
	if err != nil || !ok {
		return nil, false, err
	}

	task, err := Decode(msg.Body)
	if err != nil {
		b.logger.Error("Failed to decode task, dropping message",
			slog.String("lane", string(lane)),
			slog.String("error", err.Error()),
			slog.String("body", string(msg.Body)),
		)
		if nackErr := msg.Nack(false, false); nackErr != nil {
			b.logger.Error("Failed to NACK malformed message",
				slog.String("error", nackErr.Error()),
			)
		}
		return nil, false, nil
	}

	return NewDelivery(task, lane,
		func() error { return msg.Ack(false) },
		func(requeue bool) error { return msg.Nack(false, requeue) },
	), true, nil
}

func (b *RabbitBroker) Depth(_ context.Context, lane Lane) (int, error) {
	return b.client.QueueDepth(string(lane))
}

func (b *RabbitBroker) Close() error {
	return b.client.Close()
}
