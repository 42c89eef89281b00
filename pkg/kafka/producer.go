package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
)

// ProducerOption configures Producer.
type ProducerOption func(*ProducerConfig)

// ProducerConfig holds writer settings. Topics are chosen per publish.
type ProducerConfig struct {
	Brokers      []string
	RequiredAcks int
	Compression  string
	MaxAttempts  int
	WriteTimeout time.Duration
	Linger       time.Duration
	Async        bool
	KeyedByRun   bool
}

// Producer publishes JSON payloads. With KeyedByRun every event of a run
// lands on one partition, so consumers see a run's events in order.
type Producer struct {
	writer *kafka.Writer
	comp   string
}

// Message is one record of a batch; Value is JSON-encoded unless raw.
type Message struct {
	Key   []byte
	Value interface{}
}

// NewProducer builds the writer. It does not dial; the first publish does.
func NewProducer(opts ...ProducerOption) (*Producer, error) {
	cfg := &ProducerConfig{
		RequiredAcks: int(kafka.RequireAll),
		Compression:  "gzip",
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		Linger:       time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka producer: brokers are required")
	}

	pm := producerMetricsOnce()
	var balancer kafka.Balancer = &kafka.LeastBytes{}
	if cfg.KeyedByRun {
		balancer = &kafka.Hash{}
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               balancer,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            parseCompression(cfg.Compression),
		MaxAttempts:            cfg.MaxAttempts,
		WriteTimeout:           cfg.WriteTimeout,
		BatchTimeout:           cfg.Linger,
		Async:                  cfg.Async,
		AllowAutoTopicCreation: true,
	}
	if cfg.Async {
		// async writes report failures only through Completion
		w.Completion = func(msgs []kafka.Message, err error) {
			if len(msgs) > 0 {
				pm.messages.WithLabelValues(msgs[0].Topic, result(err)).Add(float64(len(msgs)))
			}
		}
	}
	return &Producer{writer: w, comp: cfg.Compression}, nil
}

// Publish sends one message.
func (p *Producer) Publish(ctx context.Context, topic string, key []byte, value interface{}) error {
	return p.PublishBatch(ctx, topic, []Message{{Key: key, Value: value}})
}

// PublishMessage satisfies logger.Publisher.
func (p *Producer) PublishMessage(ctx context.Context, topic string, payload interface{}) error {
	return p.Publish(ctx, topic, nil, payload)
}

// PublishBatch writes messages to topic in one call.
func (p *Producer) PublishBatch(ctx context.Context, topic string, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}
	pm := producerMetricsOnce()
	start := time.Now()
	out := make([]kafka.Message, len(messages))
	var size int
	for i, m := range messages {
		v, err := encode(m.Value)
		if err != nil {
			return err
		}
		out[i] = kafka.Message{
			Topic:   topic,
			Key:     m.Key,
			Value:   v,
			Time:    start,
			Headers: []kafka.Header{{Key: "content-type", Value: []byte("application/json")}},
		}
		size += len(v)
	}

	err := p.writer.WriteMessages(ctx, out...)
	pm.bytes.WithLabelValues(topic, p.comp).Add(float64(size))
	pm.latency.WithLabelValues(topic).Observe(time.Since(start).Seconds())
	if !p.writer.Async {
		pm.messages.WithLabelValues(topic, result(err)).Add(float64(len(out)))
	}
	if err != nil {
		return fmt.Errorf("kafka write %s: %w", topic, err)
	}
	return nil
}

// Close flushes pending async writes.
func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func encode(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return b, nil
}

func parseCompression(s string) kafka.Compression {
	switch s {
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	}
	return kafka.Gzip
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

type producerMetrics struct {
	messages *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var producerMetricsOnce = sync.OnceValue(func() *producerMetrics {
	return &producerMetrics{
		messages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "twpull_kafka_producer_messages_total",
			Help: "Messages published to Kafka by result.",
		}, []string{"topic", "result"}),
		bytes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "twpull_kafka_producer_bytes_total",
			Help: "Payload bytes published.",
		}, []string{"topic", "compression"}),
		latency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "twpull_kafka_producer_publish_seconds",
			Help:    "Publish call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"}),
	}
})

func WithBrokers(brokers []string) ProducerOption {
	return func(c *ProducerConfig) { c.Brokers = brokers }
}

// WithCompression accepts gzip, snappy, lz4 or zstd.
func WithCompression(compression string) ProducerOption {
	return func(c *ProducerConfig) {
		if compression != "" {
			c.Compression = compression
		}
	}
}

// WithRequiredAcks sets acknowledgements (-1 all, 1 leader, 0 none).
func WithRequiredAcks(acks int) ProducerOption {
	return func(c *ProducerConfig) { c.RequiredAcks = acks }
}

func WithMaxAttempts(n int) ProducerOption {
	return func(c *ProducerConfig) {
		if n > 0 {
			c.MaxAttempts = n
		}
	}
}

func WithWriteTimeout(d time.Duration) ProducerOption {
	return func(c *ProducerConfig) {
		if d > 0 {
			c.WriteTimeout = d
		}
	}
}

// WithLinger bounds how long the writer waits to fill a batch.
func WithLinger(d time.Duration) ProducerOption {
	return func(c *ProducerConfig) {
		if d > 0 {
			c.Linger = d
		}
	}
}

// WithAsync makes publishes fire-and-forget.
func WithAsync(async bool) ProducerOption {
	return func(c *ProducerConfig) { c.Async = async }
}

// WithKeyedByRun hashes message keys to partitions.
func WithKeyedByRun(keyed bool) ProducerOption {
	return func(c *ProducerConfig) { c.KeyedByRun = keyed }
}
