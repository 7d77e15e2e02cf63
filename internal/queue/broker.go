package queue

import (
	"context"
	"errors"
	"time"
)

// ErrBrokerClosed is returned after Close
var ErrBrokerClosed = errors.New("broker closed")

// Delivery is one pulled task awaiting settlement
type Delivery struct {
	Task Task
	Lane Lane

	ack  func() error
	nack func(requeue bool) error
}

// NewDelivery wraps a task with its settlement callbacks
func NewDelivery(task Task, lane Lane, ack func() error, nack func(requeue bool) error) *Delivery {
	return &Delivery{Task: task, Lane: lane, ack: ack, nack: nack}
}

// Ack removes the task from its lane
func (d *Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack rejects the task, optionally putting it back on its lane
func (d *Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}

// Broker moves tasks between producers and workers
type Broker interface {
	Publish(ctx context.Context, lane Lane, task Task) error
	// PublishDelayed makes the task visible on lane after delay
	PublishDelayed(ctx context.Context, lane Lane, task Task, delay time.Duration) error
	// Get pulls the highest-priority ready task from lane without blocking
	Get(ctx context.Context, lane Lane) (*Delivery, bool, error)
	Depth(ctx context.Context, lane Lane) (int, error)
	Close() error
}

// Revoker is implemented by brokers that can drop queued tasks for a job
type Revoker interface {
	Revoke(ctx context.Context, jobID string) (bool, error)
}
