package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cfgpkg "github.com/fatflowers/entitlement/pkg/config"
	"github.com/fatflowers/entitlement/pkg/logctx"
)

const headerEventType = "event_type"

// Publisher writes JSON events to a single topic. A nil *Publisher means
// Kafka is disabled.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	log      *zap.SugaredLogger
}

func NewPublisher(producer sarama.SyncProducer, topic string, log *zap.SugaredLogger) *Publisher {
	return &Publisher{producer: producer, topic: topic, log: log}
}

func newSaramaConfig() *sarama.Config {
	c := sarama.NewConfig()
	c.ClientID = "entitlement"
	c.Producer.RequiredAcks = sarama.WaitForAll
	c.Producer.Retry.Max = 3
	c.Producer.Return.Successes = true
	c.Producer.Compression = sarama.CompressionSnappy
	c.Producer.Partitioner = sarama.NewHashPartitioner
	return c
}

// New connects a sync producer when kafka.enabled is set and closes it on
// shutdown. It returns a nil publisher otherwise.
func New(lc fx.Lifecycle, cfg *cfgpkg.Config, log *zap.SugaredLogger) (*Publisher, error) {
	if !cfg.Kafka.Enabled {
		log.Infow("kafka publisher disabled")
		return nil, nil
	}
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, newSaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	p := NewPublisher(producer, cfg.Kafka.Topic, log)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			log.Infow("closing kafka producer")
			return p.Close()
		},
	})
	log.Infow("kafka publisher ready", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	return p, nil
}

// Publish sends v as JSON keyed by key so events of one key stay ordered
// within a partition.
func (p *Publisher) Publish(ctx context.Context, key, eventType string, v any) error {
	if p == nil {
		return nil
	}
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(headerEventType), Value: []byte(eventType)},
		},
		Timestamp: time.Now(),
	}
	if tid := logctx.TraceID(ctx); tid != "" {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte("trace_id"), Value: []byte(tid)})
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", eventType, err)
	}
	logctx.FromCtx(ctx, p.log).Debugw("published event", "topic", p.topic, "event_type", eventType, "partition", partition, "offset", offset)
	return nil
}

func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.producer.Close()
}

var Module = fx.Options(
	fx.Provide(New),
)
