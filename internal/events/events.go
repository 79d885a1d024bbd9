// Package events publishes the withdrawal queue's domain signals
// (WithdrawalRequested, WithdrawalBatchFinalized, WithdrawalClaimed) to a
// configurable queue driver.
package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

const (
	envKafkaTLS = "WITHDRAWALQUEUE_EVENTS_KAFKA_TLS"

	TopicRequested = "withdrawal.requested"
	TopicFinalized = "withdrawal.batch_finalized"
	TopicClaimed   = "withdrawal.claimed"
)

// WithdrawalRequested is emitted by enqueue.
type WithdrawalRequested struct {
	ID       uint64    `json:"id"`
	Owner    string    `json:"owner"`
	STK      string    `json:"stk"`
	Shares   string    `json:"shares"`
	ReportAt time.Time `json:"report_at"`
}

// WithdrawalBatchFinalized is emitted by finalize.
type WithdrawalBatchFinalized struct {
	FromID       uint64    `json:"from_id"`
	ToID         uint64    `json:"to_id"`
	NATLocked    string    `json:"nat_locked"`
	SharesBurned string    `json:"shares_burned"`
	Timestamp    time.Time `json:"timestamp"`
}

// WithdrawalClaimed is emitted by claim.
type WithdrawalClaimed struct {
	ID        uint64 `json:"id"`
	Owner     string `json:"owner"`
	Recipient string `json:"recipient"`
	NATAmount string `json:"nat_amount"`
}

// Producer publishes raw event payloads to a named topic.
type Producer interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// ProducerConfig configures a Producer.
type ProducerConfig struct {
	Driver string

	// Kafka fields.
	Brokers      []string
	BatchTimeout time.Duration

	// Stdio fields.
	Writer io.Writer
}

// NewProducer creates a Producer for the configured driver.
func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaProducer(cfg)
	case DriverStdio:
		return newStdioProducer(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported events driver %q", cfg.Driver)
	}
}

// Emitter wraps a Producer with the three typed domain signals.
type Emitter struct {
	producer Producer
}

func NewEmitter(producer Producer) (*Emitter, error) {
	if producer == nil {
		return nil, errors.New("events: nil producer")
	}
	return &Emitter{producer: producer}, nil
}

func (e *Emitter) WithdrawalRequested(ctx context.Context, ev WithdrawalRequested) error {
	return e.publish(ctx, TopicRequested, ev)
}

func (e *Emitter) WithdrawalBatchFinalized(ctx context.Context, ev WithdrawalBatchFinalized) error {
	return e.publish(ctx, TopicFinalized, ev)
}

func (e *Emitter) WithdrawalClaimed(ctx context.Context, ev WithdrawalClaimed) error {
	return e.publish(ctx, TopicClaimed, ev)
}

func (e *Emitter) publish(ctx context.Context, topic string, ev any) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", topic, err)
	}
	return e.producer.Publish(ctx, topic, payload)
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func eventsKafkaTLSEnabled() bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(envKafkaTLS)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

type kafkaProducer struct {
	writer *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (Producer, error) {
	brokers := normalizeList(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka producer requires at least one broker")
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	if eventsKafkaTLSEnabled() {
		writer.Transport = &kafka.Transport{
			TLS: &tls.Config{MinVersion: tls.VersionTLS12},
		}
	}

	return &kafkaProducer{writer: writer}, nil
}

func (p *kafkaProducer) Publish(ctx context.Context, topic string, payload []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errors.New("topic is required")
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Value: payload})
}

func (p *kafkaProducer) Close() error {
	return p.writer.Close()
}

type stdioProducer struct {
	w io.Writer
	m sync.Mutex
}

func newStdioProducer(cfg ProducerConfig) Producer {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioProducer{w: w}
}

func (p *stdioProducer) Publish(_ context.Context, topic string, payload []byte) error {
	p.m.Lock()
	defer p.m.Unlock()

	line := fmt.Sprintf("%s %s\n", topic, payload)
	_, err := p.w.Write([]byte(line))
	return err
}

func (p *stdioProducer) Close() error {
	return nil
}
