package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"

	"rtc-signaling/pkg/logger"
)

const (
	kafkaMaxRetries     = 3
	kafkaInitialBackoff = 100 * time.Millisecond
	kafkaMaxBackoff     = 2 * time.Second
	kafkaReadyTimeout   = 10 * time.Second
)

// KafkaBus shares one topic between all servers. Each server joins its own
// consumer group, so every server sees every envelope and keeps only those
// addressed to it.
type KafkaBus struct {
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	topic    string

	// readyTimeout bounds how long Subscribe waits for the first group session.
	readyTimeout time.Duration

	mu          sync.RWMutex
	closed      bool
	stopConsume context.CancelFunc
}

// NewKafkaBus connects a producer and a per-server consumer group.
func NewKafkaBus(brokers []string, topic, serverID string) (*KafkaBus, error) {
	config := sarama.NewConfig()

	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = kafkaMaxRetries
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy

	config.Consumer.Return.Errors = true
	// Frames are only useful while the connection is alive; never replay.
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Group.Session.Timeout = 10 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	config.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	group, err := sarama.NewConsumerGroup(brokers, "rtc-signaling-"+serverID, config)
	if err != nil {
		_ = producer.Close()
		return nil, fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}
	return newKafkaBus(producer, group, topic), nil
}

func newKafkaBus(producer sarama.SyncProducer, group sarama.ConsumerGroup, topic string) *KafkaBus {
	return &KafkaBus{producer: producer, group: group, topic: topic, readyTimeout: kafkaReadyTimeout}
}

func (b *KafkaBus) Publish(ctx context.Context, env Envelope) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return fmt.Errorf("kafka bus is closed")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(env.ServerID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("server_id"), Value: []byte(env.ServerID)},
		},
		Timestamp: time.Now(),
	}

	operation := func() error {
		_, _, err := b.producer.SendMessage(msg)
		return err
	}
	strategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(kafkaInitialBackoff),
				backoff.WithMaxInterval(kafkaMaxBackoff),
			),
			kafkaMaxRetries,
		),
		ctx,
	)
	return backoff.RetryNotify(operation, strategy, func(err error, d time.Duration) {
		logger.From(ctx).Warn("retrying kafka publish", "server_id", env.ServerID, "err", err, "next", d)
	})
}

func (b *KafkaBus) Subscribe(ctx context.Context, serverID string) (<-chan Envelope, error) {
	if b.group == nil {
		return nil, fmt.Errorf("kafka bus has no consumer group")
	}
	out := make(chan Envelope, 100)
	handler := &envelopeHandler{serverID: serverID, out: out, ready: make(chan struct{})}

	consumeCtx, stop := context.WithCancel(ctx)
	b.mu.Lock()
	b.stopConsume = stop
	b.mu.Unlock()

	go func() {
		defer close(out)
		for {
			if err := b.group.Consume(consumeCtx, []string{b.topic}, handler); err != nil {
				if consumeCtx.Err() == nil {
					logger.From(ctx).Error("kafka consume failed", "err", err)
				}
				return
			}
			if consumeCtx.Err() != nil {
				return
			}
		}
	}()
	go func() {
		for {
			select {
			case err, ok := <-b.group.Errors():
				if !ok {
					return
				}
				logger.From(ctx).Warn("kafka consumer group error", "err", err)
			case <-consumeCtx.Done():
				return
			}
		}
	}()

	timer := time.NewTimer(b.readyTimeout)
	defer timer.Stop()
	select {
	case <-handler.ready:
		return out, nil
	case <-ctx.Done():
		stop()
		return nil, ctx.Err()
	case <-timer.C:
		stop()
		return nil, fmt.Errorf("timeout waiting for kafka consumer")
	}
}

func (b *KafkaBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.stopConsume != nil {
		b.stopConsume()
	}

	var errs []error
	if err := b.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close producer: %w", err))
	}
	if b.group != nil {
		if err := b.group.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close consumer group: %w", err))
		}
	}
	return errors.Join(errs...)
}

// envelopeHandler implements sarama.ConsumerGroupHandler.
type envelopeHandler struct {
	serverID string
	out      chan<- Envelope
	ready    chan struct{}
	once     sync.Once
}

func (h *envelopeHandler) Setup(sarama.ConsumerGroupSession) error {
	h.once.Do(func() { close(h.ready) })
	return nil
}

func (h *envelopeHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *envelopeHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok || msg == nil {
				return nil
			}
			if env, keep := h.accept(msg); keep {
				select {
				case h.out <- env:
				case <-session.Context().Done():
					return nil
				}
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// accept decodes msg and keeps it only if addressed to this server.
func (h *envelopeHandler) accept(msg *sarama.ConsumerMessage) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return Envelope{}, false
	}
	return env, env.ServerID == h.serverID
}
