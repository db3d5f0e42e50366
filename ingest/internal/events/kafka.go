package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/hazyhaar/recette/ingest/internal/model"
)

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers  []string      `yaml:"brokers"`
	Topic    string        `yaml:"topic"`
	ClientID string        `yaml:"client_id"`
	Timeout  time.Duration `yaml:"timeout"`
}

func (c *KafkaConfig) defaults() {
	if c.Topic == "" {
		c.Topic = "ingest.progress"
	}
	if c.ClientID == "" {
		c.ClientID = "recette"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// Kafka publishes events as JSON values keyed by task id, so one task's
// events stay ordered within a partition.
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// SaramaConfig returns the producer configuration used by NewKafka.
func SaramaConfig(cfg KafkaConfig) *sarama.Config {
	cfg.defaults()
	sc := sarama.NewConfig()
	sc.Version = sarama.V3_6_0_0
	sc.ClientID = cfg.ClientID
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Retry.Max = 3
	sc.Producer.Timeout = cfg.Timeout
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	return sc
}

// NewKafka connects a synchronous producer to cfg.Brokers.
func NewKafka(cfg KafkaConfig, logger *slog.Logger) (*Kafka, error) {
	cfg.defaults()
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("events: kafka: no brokers")
	}
	p, err := sarama.NewSyncProducer(cfg.Brokers, SaramaConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("events: kafka producer: %w", err)
	}
	return NewKafkaWithProducer(p, cfg.Topic, logger), nil
}

// NewKafkaWithProducer wraps an existing producer.
func NewKafkaWithProducer(p sarama.SyncProducer, topic string, logger *slog.Logger) *Kafka {
	if logger == nil {
		logger = slog.Default()
	}
	if topic == "" {
		topic = "ingest.progress"
	}
	return &Kafka{producer: p, topic: topic, logger: logger}
}

// Publish sends ev and waits for the broker acknowledgement.
func (k *Kafka) Publish(ctx context.Context, ev model.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: encode: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic:     k.topic,
		Key:       sarama.StringEncoder(ev.TaskID),
		Value:     sarama.ByteEncoder(value),
		Timestamp: ev.At,
		Headers: []sarama.RecordHeader{
			{Key: []byte("type"), Value: []byte(ev.Type)},
		},
	}
	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("events: kafka send %s: %w", ev.TaskID, err)
	}
	k.logger.DebugContext(ctx, "event published",
		"task_id", ev.TaskID, "phase", ev.Phase, "partition", partition, "offset", offset)
	return nil
}

// Close flushes and closes the producer.
func (k *Kafka) Close() error { return k.producer.Close() }
