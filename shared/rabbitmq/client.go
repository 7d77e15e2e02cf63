package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned when the client has no open channel
var ErrNotConnected = errors.New("not connected to RabbitMQ")

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool
	Lanes              []LaneConfig
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
	// RetryDelays are the delay tiers; each gets its own queue per lane
	RetryDelays []time.Duration
}

// LaneConfig declares one priority queue bound to the exchange under its own name
type LaneConfig struct {
	Name        string
	MaxPriority int
	Durable     bool
}

// RetryQueue names the delay queue of one tier that dead-letters back into lane
func RetryQueue(lane string, delay time.Duration) string {
	return lane + ".retry." + strconv.FormatInt(delay.Milliseconds(), 10)
}

// maxBackoffTiers bounds the tier list when no cap is configured
const maxBackoffTiers = 12

// BackoffTiers lists base*2^n up to and including limit
func BackoffTiers(base, limit time.Duration) []time.Duration {
	if base <= 0 {
		return nil
	}
	var tiers []time.Duration
	for d := base; len(tiers) < maxBackoffTiers; d *= 2 {
		if limit > 0 && d >= limit {
			tiers = append(tiers, limit)
			break
		}
		tiers = append(tiers, d)
	}
	return tiers
}

// retryTier picks the smallest tier not shorter than delay, or the longest
func retryTier(tiers []time.Duration, delay time.Duration) time.Duration {
	i := sort.Search(len(tiers), func(i int) bool { return tiers[i] >= delay })
	if i == len(tiers) {
		return tiers[len(tiers)-1]
	}
	return tiers[i]
}

// Client represents a RabbitMQ client
type Client struct {
	config      *Config
	conn        *amqp.Connection
	channel     *amqp.Channel
	logger      *slog.Logger
	mu          sync.Mutex
	closeChan   chan *amqp.Error
	isConnected bool
}

// NewClient creates a new RabbitMQ client
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config: config,
		logger: logger,
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Client) connect() error {
	var err error

	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}

	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(dsn, amqpConfig)
		if err == nil {
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := c.setup(); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to setup exchange and lanes: %w", err)
	}

	c.closeChan = make(chan *amqp.Error, 1)
	c.channel.NotifyClose(c.closeChan)
	c.isConnected = true

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.Int("lanes", len(c.config.Lanes)),
	)

	return nil
}

// setup declares the exchange, one priority queue per lane and its delay queue
func (c *Client) setup() error {
	err := c.channel.ExchangeDeclare(
		c.config.ExchangeName,       // name
		c.config.ExchangeType,       // type
		c.config.ExchangeDurable,    // durable
		c.config.ExchangeAutoDelete, // auto-deleted
		false,                       // internal
		false,                       // no-wait
		nil,                         // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	for _, lane := range c.config.Lanes {
		_, err = c.channel.QueueDeclare(
			lane.Name,
			lane.Durable,
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			amqp.Table{"x-max-priority": lane.MaxPriority},
		)
		if err != nil {
			return fmt.Errorf("failed to declare lane %s: %w", lane.Name, err)
		}

		if err := c.channel.QueueBind(lane.Name, lane.Name, c.config.ExchangeName, false, nil); err != nil {
			return fmt.Errorf("failed to bind lane %s: %w", lane.Name, err)
		}

		// One TTL per queue keeps expiry in FIFO order; expired messages are
		// dead-lettered back into the lane
		for _, delay := range c.config.RetryDelays {
			_, err = c.channel.QueueDeclare(
				RetryQueue(lane.Name, delay),
				lane.Durable,
				false,
				false,
				false,
				amqp.Table{
					"x-message-ttl":             delay.Milliseconds(),
					"x-dead-letter-exchange":    c.config.ExchangeName,
					"x-dead-letter-routing-key": lane.Name,
				},
			)
			if err != nil {
				return fmt.Errorf("failed to declare retry queue for %s: %w", lane.Name, err)
			}
		}
	}

	return nil
}

// Publish publishes a message to a lane
func (c *Client) Publish(ctx context.Context, lane string, body []byte, priority uint8) error {
	return c.publish(ctx, c.config.ExchangeName, lane, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		Priority:     priority,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
}

// PublishDelayed parks a message in the lane's delay queue for the tier
// covering delay. Without tiers it publishes to the lane directly.
func (c *Client) PublishDelayed(ctx context.Context, lane string, body []byte, priority uint8, delay time.Duration) error {
	if len(c.config.RetryDelays) == 0 {
		return c.Publish(ctx, lane, body, priority)
	}

	// Default exchange routes by queue name
	return c.publish(ctx, "", RetryQueue(lane, retryTier(c.config.RetryDelays, delay)), amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		Priority:     priority,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
}

// publish retries with exponential backoff
func (c *Client) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	maxRetries := c.config.PublishRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	baseDelay := c.config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	backoffMult := c.config.PublishBackoffMult
	if backoffMult <= 0 {
		backoffMult = 2.0
	}

	var lastErr error
	delay := baseDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := c.withChannel(func(ch *amqp.Channel) error {
			return ch.PublishWithContext(ctx, exchange, key, false, false, msg)
		})
		if err == nil {
			if attempt > 0 {
				c.logger.Info("Successfully published message to RabbitMQ after retry",
					slog.Int("attempt", attempt+1),
					slog.String("routing_key", key),
				)
			}
			return nil
		}

		lastErr = err
		if errors.Is(err, ErrNotConnected) {
			break
		}

		if attempt < maxRetries {
			c.logger.Warn("Failed to publish message to RabbitMQ, retrying",
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", maxRetries),
				slog.Duration("retry_after", delay),
				slog.Any("error", err),
			)

			select {
			case <-ctx.Done():
				return fmt.Errorf("failed to publish message: %w", ctx.Err())
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * backoffMult)
		}
	}

	c.logger.Error("Failed to publish message to RabbitMQ after all retries",
		slog.String("routing_key", key),
		slog.Any("error", lastErr),
	)
	return fmt.Errorf("failed to publish message: %w", lastErr)
}

// Get pulls one message from a lane without auto-ack
func (c *Client) Get(lane string) (amqp.Delivery, bool, error) {
	var (
		msg amqp.Delivery
		ok  bool
	)
	err := c.withChannel(func(ch *amqp.Channel) error {
		var err error
		msg, ok, err = ch.Get(lane, false)
		return err
	})
	if err != nil {
		return amqp.Delivery{}, false, fmt.Errorf("failed to get from %s: %w", lane, err)
	}
	return msg, ok, nil
}

// QueueDepth returns the number of ready messages in a lane
func (c *Client) QueueDepth(lane string) (int, error) {
	var depth int
	err := c.withChannel(func(ch *amqp.Channel) error {
		q, err := ch.QueueDeclarePassive(lane, true, false, false, false, nil)
		if err != nil {
			return err
		}
		depth = q.Messages
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to inspect %s: %w", lane, err)
	}
	return depth, nil
}

func (c *Client) withChannel(fn func(ch *amqp.Channel) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isConnected || c.channel == nil || c.channel.IsClosed() {
		return ErrNotConnected
	}
	return fn(c.channel)
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = false

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel", slog.Any("error", err))
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection", slog.Any("error", err))
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConnected && c.conn != nil && !c.conn.IsClosed()
}

// NotifyClose returns the channel that receives the server close reason
func (c *Client) NotifyClose() <-chan *amqp.Error {
	return c.closeChan
}
