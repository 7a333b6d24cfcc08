package consumer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/boardgov/go-routing-engine/internal/domain"
	"github.com/boardgov/go-routing-engine/internal/metrics"
	"github.com/boardgov/go-routing-engine/internal/shared/config"
	"github.com/boardgov/go-routing-engine/internal/shared/errors"
	"github.com/boardgov/go-routing-engine/internal/shared/logger"
	"github.com/boardgov/go-routing-engine/internal/shared/rabbitmq"
)

const (
	consumerTag    = "routing-engine"
	redialDelay    = 5 * time.Second
	processTimeout = 30 * time.Second
)

// intakeBindings lists the governance routing keys the engine subscribes to.
var intakeBindings = []string{
	"board.emergency",
	"security.incident",
	"vote.*",
	"meeting.*",
	"compliance.*",
	"governance.*",
}

// EventProcessor turns one governance event into notification submissions.
type EventProcessor interface {
	ProcessGovernanceEvent(ctx context.Context, event *domain.GovernanceEvent) error
}

// EventConsumer consumes governance platform events and feeds them into the
// routing pipeline. It owns its own broker connection, separate from the
// publisher's, and redials when the broker drops it.
type EventConsumer struct {
	cfg       config.RabbitMQConfig
	processor EventProcessor
	workers   int
	log       *logger.Logger

	mu     sync.Mutex
	client *rabbitmq.RabbitMQClient
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewEventConsumer creates a governance event consumer with the given number
// of processing workers.
func NewEventConsumer(cfg config.RabbitMQConfig, processor EventProcessor, workers int, log *logger.Logger) *EventConsumer {
	if workers < 1 {
		workers = 1
	}
	return &EventConsumer{
		cfg:       cfg,
		processor: processor,
		workers:   workers,
		log:       log,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start connects, binds the intake queue and begins consuming. The initial
// connection failure is returned so startup fails fast; later drops redial
// in the background.
func (c *EventConsumer) Start() error {
	messages, err := c.connect()
	if err != nil {
		return err
	}
	c.log.Info("Event consumer started",
		"exchange", c.cfg.IntakeExchange,
		"queue", c.cfg.IntakeQueue,
		"workers", c.workers)

	go c.run(messages)
	return nil
}

// Stop closes the connection, which drains the workers, and waits for them.
func (c *EventConsumer) Stop() {
	close(c.stopCh)
	c.closeClient()
	<-c.doneCh
}

// connect dials the broker and sets up the intake topology.
func (c *EventConsumer) connect() (<-chan rabbitmq.Message, error) {
	client, err := rabbitmq.NewRabbitMQClient(c.cfg.URL)
	if err != nil {
		return nil, err
	}

	setup := func() error {
		if err := client.DeclareExchange(c.cfg.IntakeExchange, "topic"); err != nil {
			return err
		}
		if err := client.DeclareQueue(c.cfg.IntakeQueue); err != nil {
			return err
		}
		for _, key := range intakeBindings {
			if err := client.BindQueue(c.cfg.IntakeQueue, key, c.cfg.IntakeExchange); err != nil {
				return err
			}
		}
		return client.Qos(c.workers * 2)
	}
	if err := setup(); err != nil {
		client.Close()
		return nil, err
	}

	messages, err := client.Consume(c.cfg.IntakeQueue, consumerTag)
	if err != nil {
		client.Close()
		return nil, err
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	return messages, nil
}

func (c *EventConsumer) closeClient() {
	c.mu.Lock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	c.mu.Unlock()
}

// run drains the delivery channel through the worker pool and redials when
// the broker closes it underneath us.
func (c *EventConsumer) run(messages <-chan rabbitmq.Message) {
	defer close(c.doneCh)

	for {
		c.consume(messages)
		c.closeClient()

		select {
		case <-c.stopCh:
			return
		default:
		}

		metrics.ConsumerRestarts.Inc()
		c.log.Warn("Event consumer connection lost, redialing")

		for {
			select {
			case <-c.stopCh:
				return
			case <-time.After(redialDelay):
			}
			var err error
			messages, err = c.connect()
			if err == nil {
				break
			}
			c.log.Error("Event consumer redial failed", "error", err)
		}
	}
}

// consume fans the delivery channel across the worker pool and returns when
// the channel closes.
func (c *EventConsumer) consume(messages <-chan rabbitmq.Message) {
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range messages {
				c.handle(msg)
			}
		}()
	}
	wg.Wait()
}

// handle processes one governance event. Malformed and invalid events are
// dropped rather than requeued; transient processing failures requeue for
// redelivery.
func (c *EventConsumer) handle(msg rabbitmq.Message) {
	var event domain.GovernanceEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		c.log.Error("Failed to decode governance event",
			"routing_key", msg.RoutingKey, "error", err)
		msg.Nack(false, false)
		return
	}
	if event.Type == "" {
		event.Type = msg.RoutingKey
	}

	ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
	defer cancel()

	if err := c.processor.ProcessGovernanceEvent(ctx, &event); err != nil {
		if errors.IsValidation(err) {
			c.log.Error("Dropping invalid governance event",
				"type", event.Type, "error", err)
			msg.Nack(false, false)
			return
		}
		c.log.Error("Failed to process governance event, requeueing",
			"type", event.Type, "error", err)
		msg.Nack(false, true)
		return
	}

	msg.Ack(false)
	c.log.Debug("Governance event processed",
		"type", event.Type, "recipients", len(event.RecipientUserIDs))
}
