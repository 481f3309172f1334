// Package kafkaconsumer drops cached artifacts when the training pipeline
// publishes an update event for a customer.
package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/AsobaCloud/platform-edge/internal/invalidation"
	"github.com/AsobaCloud/platform-edge/internal/model"
	"github.com/AsobaCloud/platform-edge/internal/observability"
)

// Invalidator drops one artifact kind for a customer from every writable
// cache tier.
type Invalidator interface {
	Invalidate(ctx context.Context, kind model.Kind, customerID string) error
}

type Consumer struct {
	cfg    Config
	logger *slog.Logger
	inv    Invalidator
	dedupe *eventDedupe
}

func New(cfg Config, logger *slog.Logger, inv Invalidator) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		cfg:    cfg,
		logger: logger,
		inv:    inv,
		dedupe: newEventDedupe(0),
	}
}

// Start joins the consumer group and processes events until ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	if c.inv == nil {
		return errors.New("kafkaconsumer: missing invalidator")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{process: c.ProcessOne}

	c.logger.Info("kafka invalidation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("kafka invalidation consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				c.logger.Error("consumer error", "err", err)
				time.Sleep(2 * time.Second)
			}
		}
	}
}

// ProcessOne handles a single artifact-update message.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		observability.ObserveInvalidation("decode", err)
		c.logger.Error("event decode failed",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return fmt.Errorf("json decode: %w", err)
	}
	if err := ev.Validate(); err != nil {
		observability.ObserveInvalidation("validate", err)
		c.logger.Error("event rejected",
			"topic", msg.Topic, "offset", msg.Offset, "err", err)
		return fmt.Errorf("validate event: %w", err)
	}

	dedupeKey := ev.Op + "/" + ev.CustomerID
	if !c.dedupe.shouldApply(dedupeKey, ev.TS.UnixNano()) {
		observability.ObserveInvalidation("duplicate", nil)
		c.logger.Debug("stale or duplicate event skipped",
			"op", ev.Op, "customer_id", ev.CustomerID, "ts", ev.TS)
		return nil
	}

	if err := c.inv.Invalidate(ctx, ev.Kind(), ev.CustomerID); err != nil {
		observability.ObserveInvalidation(ev.Op, err)
		c.logger.Error("invalidation failed",
			"op", ev.Op, "customer_id", ev.CustomerID, "err", err)
		return fmt.Errorf("invalidate %s/%s: %w", ev.Kind(), ev.CustomerID, err)
	}

	c.dedupe.record(dedupeKey, ev.TS.UnixNano())
	observability.ObserveInvalidation(ev.Op, nil)
	c.logger.Debug("artifact invalidated",
		"op", ev.Op, "customer_id", ev.CustomerID, "source", ev.Source)
	return nil
}
