package writer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"

	appconfig "chartfeed/config"
	"chartfeed/internal/metrics"
	"chartfeed/models"
)

type fakeMessageWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	block  chan struct{}
	closed bool
}

func (f *fakeMessageWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeMessageWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeMessageWriter) written() []kafka.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kafka.Message(nil), f.msgs...)
}

func TestNewKafkaWriterValidation(t *testing.T) {
	if _, err := NewKafkaWriter(appconfig.KafkaConfig{Topic: "t"}); err == nil {
		t.Fatalf("expected error without brokers")
	}
	if _, err := NewKafkaWriter(appconfig.KafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatalf("expected error without topic")
	}
	kw, err := NewKafkaWriter(appconfig.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "snapshots"})
	if err != nil {
		t.Fatalf("NewKafkaWriter: %v", err)
	}
	if cap(kw.updates) != 64 {
		t.Fatalf("default buffer not applied: %d", cap(kw.updates))
	}
}

func TestKafkaWriterPublishesOneMessagePerQuote(t *testing.T) {
	fake := &fakeMessageWriter{}
	kw := newKafkaWriter(fake, "snapshots", 4)

	// dropped: not started yet
	kw.Publish(models.MarketUpdate{Quotes: []models.Quote{{Symbol: "IGNORED"}}})

	if err := kw.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := kw.Start(context.Background()); err == nil {
		t.Fatalf("second Start must fail")
	}

	kw.Publish(models.MarketUpdate{
		Quotes:    []models.Quote{{Symbol: "AAPL", CurrentPrice: 190.5}, {Symbol: "MSFT", CurrentPrice: 410}},
		Timestamp: 1_700_000_000,
		Seq:       7,
	})

	deadline := time.Now().Add(2 * time.Second)
	for len(fake.written()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("messages not written: %d", len(fake.written()))
		}
		time.Sleep(5 * time.Millisecond)
	}
	kw.Stop()
	kw.Stop()

	msgs := fake.written()
	if len(msgs) != 2 || string(msgs[0].Key) != "AAPL" || string(msgs[1].Key) != "MSFT" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	var payload quoteMessage
	if err := json.Unmarshal(msgs[0].Value, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Quote.CurrentPrice != 190.5 || payload.Seq != 7 || payload.Timestamp != 1_700_000_000 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if !fake.closed {
		t.Fatalf("writer not closed on Stop")
	}

	kw.Publish(models.MarketUpdate{Quotes: []models.Quote{{Symbol: "LATE"}}})
	if len(fake.written()) != 2 {
		t.Fatalf("publish after stop reached the writer")
	}
}

func TestKafkaWriterDropsWhenBufferFull(t *testing.T) {
	fake := &fakeMessageWriter{block: make(chan struct{})}
	kw := newKafkaWriter(fake, "snapshots", 1)

	var mu sync.Mutex
	drops := 0
	id := metrics.RegisterMetricHandler(func(m metrics.Metric) {
		if m.Name == string(metrics.DropMetricPublish) {
			mu.Lock()
			drops++
			mu.Unlock()
		}
	})
	defer metrics.UnregisterMetricHandler(id)

	if err := kw.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	update := models.MarketUpdate{Quotes: []models.Quote{{Symbol: "AAPL"}}}

	// the first update is held by the blocked writer, the second fills the
	// buffer, the rest are dropped
	kw.Publish(update)
	deadline := time.Now().Add(2 * time.Second)
	for len(kw.updates) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first update never picked up")
		}
		time.Sleep(time.Millisecond)
	}
	kw.Publish(update)
	kw.Publish(update)
	kw.Publish(update)

	mu.Lock()
	got := drops
	mu.Unlock()
	if got != 2 {
		t.Fatalf("expected 2 drops, got %d", got)
	}

	close(fake.block)
	kw.Stop()
}

func TestKafkaWriterWriteErrorIsLogged(t *testing.T) {
	fake := &fakeMessageWriter{err: errors.New("broker unavailable")}
	kw := newKafkaWriter(fake, "snapshots", 1)
	kw.write(context.Background(), models.MarketUpdate{Quotes: []models.Quote{{Symbol: "AAPL"}}})
	kw.write(context.Background(), models.MarketUpdate{})
	if len(fake.written()) != 0 {
		t.Fatalf("failed write must not record messages")
	}
}
