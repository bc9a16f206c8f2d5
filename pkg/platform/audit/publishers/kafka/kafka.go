// Package kafka forwards audit events to a Kafka topic with franz-go.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	audit "pich/pkg/platform/audit"
	"pich/pkg/platform/circuit"
	"pich/pkg/platform/sentinel"
)

// Publisher implements audit.Store by producing one JSON record per event,
// keyed by user id so a user's events stay ordered within a partition.
type Publisher struct {
	client  *kgo.Client
	topic   string
	breaker *circuit.Breaker
}

type Option func(*config)

type config struct {
	produceTimeout time.Duration
	breaker        *circuit.Breaker
}

func WithProduceTimeout(d time.Duration) Option {
	return func(c *config) { c.produceTimeout = d }
}

// WithBreaker sheds produce calls while the broker is failing.
func WithBreaker(b *circuit.Breaker) Option {
	return func(c *config) { c.breaker = b }
}

func New(brokers []string, topic string, opts ...Option) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	cfg := config{produceTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.breaker == nil {
		cfg.breaker = circuit.New("audit-kafka", circuit.WithCooldown(30*time.Second))
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProduceRequestTimeout(cfg.produceTimeout),
		kgo.RecordDeliveryTimeout(cfg.produceTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka: create client: %w", err)
	}
	return &Publisher{client: client, topic: topic, breaker: cfg.breaker}, nil
}

// EnsureTopic creates the audit topic if it does not exist.
func (p *Publisher) EnsureTopic(ctx context.Context, partitions int32, replicationFactor int16) error {
	adm := kadm.NewClient(p.client)
	resp, err := adm.CreateTopics(ctx, partitions, replicationFactor, nil, p.topic)
	if err != nil {
		return fmt.Errorf("kafka: create topic %s: %w", p.topic, err)
	}
	for _, t := range resp {
		if t.Err != nil && !errors.Is(t.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("kafka: create topic %s: %w", t.Topic, t.Err)
		}
	}
	return nil
}

func (p *Publisher) Append(ctx context.Context, event audit.Event) error {
	if !p.breaker.Allow() {
		return fmt.Errorf("kafka: circuit %s open: %w", p.breaker.Name(), sentinel.ErrUnavailable)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka: marshal audit event: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.UserID.String()),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "action", Value: []byte(event.Action)},
		},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		p.breaker.RecordFailure()
		return fmt.Errorf("kafka: produce audit event: %w", err)
	}
	p.breaker.RecordSuccess()
	return nil
}

func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

func (p *Publisher) Close() {
	p.client.Close()
}
