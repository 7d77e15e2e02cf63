package queue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/leakwatch/internal/config"
)

// LaneWeight is a lane and the number of pulls it gets per round
type LaneWeight struct {
	Lane   Lane
	Weight int
}

// WeightsFrom converts configured lanes into dispatcher weights
func WeightsFrom(lanes []config.LaneConfig) []LaneWeight {
	out := make([]LaneWeight, 0, len(lanes))
	for _, l := range lanes {
		out = append(out, LaneWeight{Lane: Lane(l.Name), Weight: l.Weight})
	}
	return out
}

// LanesFrom returns the configured lane names
func LanesFrom(lanes []config.LaneConfig) []Lane {
	out := make([]Lane, 0, len(lanes))
	for _, l := range lanes {
		out = append(out, Lane(l.Name))
	}
	return out
}

// Dispatcher pulls from lanes in weighted rounds. Heavier lanes are served
// first and get more pulls, but every non-empty lane is visited each round.
type Dispatcher struct {
	broker       Broker
	lanes        []LaneWeight
	pollInterval time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	idx     int
	credits int
}

// NewDispatcher orders lanes by descending weight
func NewDispatcher(broker Broker, lanes []LaneWeight, pollInterval time.Duration, logger *slog.Logger) *Dispatcher {
	sorted := make([]LaneWeight, 0, len(lanes))
	for _, l := range lanes {
		if l.Weight <= 0 {
			l.Weight = 1
		}
		sorted = append(sorted, l)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Weight > sorted[j].Weight })

	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}

	return &Dispatcher{
		broker:       broker,
		lanes:        sorted,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Lanes returns the lanes in service order
func (d *Dispatcher) Lanes() []LaneWeight {
	return d.lanes
}

// Next blocks until a task is available or ctx is done
func (d *Dispatcher) Next(ctx context.Context) (*Delivery, error) {
	for {
		delivery, err := d.TryNext(ctx)
		if err != nil {
			return nil, err
		}
		if delivery != nil {
			return delivery, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.pollInterval):
		}
	}
}

// TryNext makes one pass over the lanes and returns nil when all are empty
func (d *Dispatcher) TryNext(ctx context.Context) (*Delivery, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.lanes) == 0 {
		return nil, nil
	}

	for range d.lanes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		lane := d.lanes[d.idx]
		if d.credits == 0 {
			d.credits = lane.Weight
		}

		delivery, ok, err := d.broker.Get(ctx, lane.Lane)
		if err != nil {
			d.logger.Warn("Failed to pull from lane",
				slog.String("lane", string(lane.Lane)),
				slog.String("error", err.Error()),
			)
		}

		if ok {
			d.credits--
			if d.credits == 0 {
				d.advance()
			}
			return delivery, nil
		}

		// An empty lane forfeits the rest of its round
		d.advance()
	}

	d.idx = 0
	d.credits = 0
	return nil, nil
}

func (d *Dispatcher) advance() {
	d.idx = (d.idx + 1) % len(d.lanes)
	d.credits = 0
}
