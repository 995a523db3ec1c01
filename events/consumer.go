package events

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultReconnectDelay is the pause between consume attempts after the
// broker connection drops.
const DefaultReconnectDelay = 5 * time.Second

// ConsumerConfig wires the bus consumer.
type ConsumerConfig struct {
	URL            string
	Queue          string
	Reconciler     *Reconciler
	Logger         *log.Logger
	ReconnectDelay time.Duration
}

// Consumer reads fraction events from RabbitMQ and feeds the reconciler.
// The lifecycle is explicit: Start launches the consume loop under the given
// context, Stop tears the connection down and waits for the loop to exit.
type Consumer struct {
	url        string
	queue      string
	reconciler *Reconciler
	logger     *log.Logger
	delay      time.Duration

	mu      sync.Mutex
	conn    *amqp.Connection
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewConsumer validates cfg and constructs a Consumer.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("events: broker url required")
	}
	queue := strings.TrimSpace(cfg.Queue)
	if queue == "" {
		return nil, fmt.Errorf("events: queue name required")
	}
	if cfg.Reconciler == nil {
		return nil, fmt.Errorf("events: reconciler required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	return &Consumer{
		url:        url,
		queue:      queue,
		reconciler: cfg.Reconciler,
		logger:     logger,
		delay:      delay,
	}, nil
}

// Start launches the consume loop. It returns immediately; the loop runs
// until the context is cancelled or Stop is called.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("events: consumer already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.started = true
	go c.loop(runCtx)
	return nil
}

// Stop tears down the connection and waits for the consume loop to exit.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	done := c.done
	conn := c.conn
	c.started = false
	c.mu.Unlock()

	cancel()
	if conn != nil {
		conn.Close()
	}
	<-done
}

func (c *Consumer) loop(ctx context.Context) {
	defer close(c.done)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.consumeOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Printf("events: consume loop: %v", err)
			c.reconciler.setConnected(false, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.delay):
		}
	}
}

// consumeOnce holds one broker connection until it drops or the context ends.
func (c *Consumer) consumeOnce(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	channel, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if _, err := channel.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.queue, err)
	}
	deliveries, err := channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	c.reconciler.setConnected(true, nil)
	c.logger.Printf("events: consuming from %s", c.queue)

	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			// Handle absorbs processing failures into the retry queue;
			// a non-nil return means the bookkeeping write failed, so
			// the message goes back to the broker.
			if err := c.reconciler.Handle(ctx, delivery.Body); err != nil {
				c.logger.Printf("events: requeue after bookkeeping failure: %v", err)
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					return fmt.Errorf("nack: %w", nackErr)
				}
				continue
			}
			if err := delivery.Ack(false); err != nil {
				return fmt.Errorf("ack: %w", err)
			}
		}
	}
}
