package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	kafka "github.com/segmentio/kafka-go"

	appconfig "chartfeed/config"
	"chartfeed/internal/metrics"
	"chartfeed/logger"
	"chartfeed/models"
)

// quoteMessage is the payload of one published quote.
type quoteMessage struct {
	Symbol    string       `json:"symbol"`
	Quote     models.Quote `json:"quote"`
	Timestamp float64      `json:"timestamp"`
	Seq       uint64       `json:"seq"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter publishes throttled market snapshots, one message per quote
// keyed by symbol. Publish never blocks; a full buffer drops the snapshot.
type KafkaWriter struct {
	writer  messageWriter
	topic   string
	updates chan models.MarketUpdate
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	log     *logger.Log
}

func NewKafkaWriter(cfg appconfig.KafkaConfig) (*KafkaWriter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic not configured")
	}
	w := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
	}
	kw := newKafkaWriter(w, cfg.Topic, cfg.Buffer)
	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Debug("kafka writer initialized")
	return kw, nil
}

func newKafkaWriter(w messageWriter, topic string, buffer int) *KafkaWriter {
	if buffer <= 0 {
		buffer = 64
	}
	return &KafkaWriter{
		writer:  w,
		topic:   topic,
		updates: make(chan models.MarketUpdate, buffer),
		log:     logger.GetLogger(),
	}
}

func (kw *KafkaWriter) Start(ctx context.Context) error {
	kw.mu.Lock()
	defer kw.mu.Unlock()
	if kw.running {
		return fmt.Errorf("kafka writer already running")
	}
	kw.running = true
	ctx, kw.cancel = context.WithCancel(ctx)

	kw.wg.Add(1)
	go kw.run(ctx)
	return nil
}

// Publish queues update for publishing. It is safe to call before Start and
// after Stop; such updates are dropped.
func (kw *KafkaWriter) Publish(update models.MarketUpdate) {
	kw.mu.RLock()
	defer kw.mu.RUnlock()
	if !kw.running {
		return
	}
	select {
	case kw.updates <- update:
	default:
		metrics.EmitDropMetric(kw.log, metrics.DropMetricPublish, "kafka", "buffer_full")
	}
}

func (kw *KafkaWriter) run(ctx context.Context) {
	defer kw.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-kw.updates:
			kw.write(ctx, update)
		}
	}
}

func (kw *KafkaWriter) write(ctx context.Context, update models.MarketUpdate) {
	msgs := make([]kafka.Message, 0, len(update.Quotes))
	for _, q := range update.Quotes {
		data, err := json.Marshal(quoteMessage{Symbol: q.Symbol, Quote: q, Timestamp: update.Timestamp, Seq: update.Seq})
		if err != nil {
			kw.log.WithComponent("kafka_writer").WithError(err).Warn("failed to marshal quote")
			continue
		}
		msgs = append(msgs, kafka.Message{Key: []byte(q.Symbol), Value: data})
	}
	if len(msgs) == 0 {
		return
	}
	if err := kw.writer.WriteMessages(ctx, msgs...); err != nil {
		kw.log.WithComponent("kafka_writer").WithError(err).Warn("failed to write messages")
		return
	}
	logger.LogDataFlowEntry(kw.log.WithComponent("kafka_writer"), "throttle", kw.topic, len(msgs), "quotes")
}

func (kw *KafkaWriter) Stop() {
	kw.mu.Lock()
	if !kw.running {
		kw.mu.Unlock()
		return
	}
	kw.running = false
	cancel := kw.cancel
	kw.mu.Unlock()

	cancel()
	kw.wg.Wait()
	if err := kw.writer.Close(); err != nil {
		kw.log.WithComponent("kafka_writer").WithError(err).Warn("failed to close kafka writer")
	}
	kw.log.WithComponent("kafka_writer").Debug("kafka writer stopped")
}
