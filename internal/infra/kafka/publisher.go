// Package kafka publishes audit events about scored answers and ended sessions.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"live-quiz-service/internal/config"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/logger"
	"live-quiz-service/internal/metrics"
)

var (
	// ErrBackpressure is returned when the producer input is full.
	ErrBackpressure = errors.New("audit producer is saturated")
	ErrClosed       = errors.New("audit producer is closed")
)

// Publisher writes audit events to a topic, keyed by game id so the events
// of one game stay ordered within a partition. Publish never waits on the
// broker: delivery results are drained in the background.
type Publisher struct {
	producer sarama.AsyncProducer
	topic    string
	log      *slog.Logger

	// mu guards closed; sends hold the read lock so Close never races
	// with a write to the producer input.
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewConfig returns the producer settings used in production.
func NewConfig(cfg config.Kafka) *sarama.Config {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Compression = sarama.CompressionSnappy
	sc.Producer.Flush.Frequency = 100 * time.Millisecond
	sc.Producer.Flush.Messages = 100
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	return sc
}

// Dial connects an async producer to the configured brokers.
func Dial(cfg config.Kafka, log *slog.Logger) (*Publisher, error) {
	producer, err := sarama.NewAsyncProducer(cfg.Brokers, NewConfig(cfg))
	if err != nil {
		return nil, err
	}
	return NewPublisher(producer, cfg.Topic, log), nil
}

func NewPublisher(producer sarama.AsyncProducer, topic string, log *slog.Logger) *Publisher {
	p := &Publisher{
		producer: producer,
		topic:    topic,
		log:      logger.WithComponent(log, "audit"),
	}
	p.wg.Add(2)
	go p.drainSuccesses()
	go p.drainErrors()
	return p
}

func (p *Publisher) Publish(ctx context.Context, ev domain.AuditEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ev.GameID),
		Value: sarama.ByteEncoder(payload),
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		metrics.AuditEvents.WithLabelValues("dropped").Inc()
		return ErrClosed
	}
	select {
	case p.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		metrics.AuditEvents.WithLabelValues("dropped").Inc()
		return ErrBackpressure
	}
}

// Close flushes buffered messages and waits for the drain goroutines.
// Publish fails with ErrClosed afterwards.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.producer.AsyncClose()
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}

func (p *Publisher) drainSuccesses() {
	defer p.wg.Done()
	for range p.producer.Successes() {
		metrics.AuditEvents.WithLabelValues("ok").Inc()
	}
}

func (p *Publisher) drainErrors() {
	defer p.wg.Done()
	for perr := range p.producer.Errors() {
		metrics.AuditEvents.WithLabelValues("error").Inc()
		p.log.Error("audit event not delivered", "topic", perr.Msg.Topic, "error", perr.Err)
	}
}
