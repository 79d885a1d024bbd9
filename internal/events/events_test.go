package events

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestStdioProducer_PublishWritesLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p, err := NewProducer(ProducerConfig{Driver: DriverStdio, Writer: &buf})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}

	if err := p.Publish(context.Background(), "a-topic", []byte(`{"x":1}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got := buf.String()
	if !strings.HasPrefix(got, "a-topic ") || !strings.Contains(got, `{"x":1}`) {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestNewProducer_RejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := NewProducer(ProducerConfig{Driver: "carrier-pigeon"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestNewProducer_KafkaRequiresBrokers(t *testing.T) {
	t.Parallel()

	if _, err := NewProducer(ProducerConfig{Driver: DriverKafka}); err == nil {
		t.Fatalf("expected error when no brokers configured")
	}
}

func TestEmitter_PublishesTypedSignalsToExpectedTopics(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p, err := NewProducer(ProducerConfig{Driver: DriverStdio, Writer: &buf})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	e, err := NewEmitter(p)
	if err != nil {
		t.Fatalf("NewEmitter: %v", err)
	}

	ctx := context.Background()
	if err := e.WithdrawalRequested(ctx, WithdrawalRequested{ID: 1, Owner: "0xabc", STK: "10", Shares: "10", ReportAt: time.Now()}); err != nil {
		t.Fatalf("WithdrawalRequested: %v", err)
	}
	if err := e.WithdrawalBatchFinalized(ctx, WithdrawalBatchFinalized{FromID: 1, ToID: 2, NATLocked: "5", SharesBurned: "5"}); err != nil {
		t.Fatalf("WithdrawalBatchFinalized: %v", err)
	}
	if err := e.WithdrawalClaimed(ctx, WithdrawalClaimed{ID: 1, Owner: "0xabc", Recipient: "0xabc", NATAmount: "10"}); err != nil {
		t.Fatalf("WithdrawalClaimed: %v", err)
	}

	out := buf.String()
	for _, topic := range []string{TopicRequested, TopicFinalized, TopicClaimed} {
		if !strings.Contains(out, topic) {
			t.Fatalf("expected output to contain topic %q, got %q", topic, out)
		}
	}
}

func TestNewEmitter_RejectsNilProducer(t *testing.T) {
	t.Parallel()

	if _, err := NewEmitter(nil); err == nil {
		t.Fatalf("expected error for nil producer")
	}
}
