// Package events forwards status events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/codebuildervaibhav/scribber/internal/metrics"
	"github.com/codebuildervaibhav/scribber/internal/types"
)

// Config holds Kafka publisher configuration.
type Config struct {
	Enabled   bool
	Brokers   []string
	Topic     string
	Principal string
	QueueSize int
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes status events to a Kafka topic keyed by entity id.
// Publish only enqueues; Run drains the queue, so a slow broker never stalls
// the caller. When disabled, events are logged and discarded.
type Publisher struct {
	writer    messageWriter
	topic     string
	principal string
	enabled   bool
	queue     chan types.StatusEvent
	metrics   *metrics.Metrics

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a new Kafka event publisher.
func New(cfg *Config, m *metrics.Metrics) *Publisher {
	if m == nil {
		m = metrics.DefaultMetrics
	}

	if cfg == nil || !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		p := &Publisher{enabled: false, metrics: m, done: make(chan struct{})}
		if cfg != nil {
			p.topic = cfg.Topic
			p.principal = cfg.Principal
		}
		return p
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return newWithWriter(writer, cfg, m)
}

func newWithWriter(w messageWriter, cfg *Config, m *metrics.Metrics) *Publisher {
	size := cfg.QueueSize
	if size <= 0 {
		size = 1024
	}
	return &Publisher{
		writer:    w,
		topic:     cfg.Topic,
		principal: cfg.Principal,
		enabled:   true,
		queue:     make(chan types.StatusEvent, size),
		metrics:   m,
		done:      make(chan struct{}),
	}
}

// Publish enqueues ev without blocking. Events are dropped, and counted, when
// the queue is full.
func (p *Publisher) Publish(ev types.StatusEvent) {
	if !p.enabled {
		log.Debug().
			Str("entityId", ev.EntityID).
			Str("type", string(ev.Type)).
			Int64("version", ev.Version).
			Msg("Status event (kafka disabled)")
		return
	}

	select {
	case p.queue <- ev:
	default:
		p.metrics.RecordSinkDrop(p.topic)
		log.Warn().Str("entityId", ev.EntityID).Int64("version", ev.Version).Msg("Kafka queue full, dropping event")
	}
}

// Run writes queued events until ctx ends, then flushes what is queued.
func (p *Publisher) Run(ctx context.Context) {
	defer close(p.done)
	if !p.enabled {
		<-ctx.Done()
		return
	}

	for {
		select {
		case ev := <-p.queue:
			p.write(ctx, ev)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			for {
				select {
				case ev := <-p.queue:
					p.write(flushCtx, ev)
				default:
					cancel()
					return
				}
			}
		}
	}
}

func (p *Publisher) write(ctx context.Context, ev types.StatusEvent) {
	start := time.Now()

	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("topic", p.topic).Msg("Failed to marshal event")
		return
	}

	msg := kafka.Message{
		Key:   []byte(ev.EntityID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(ev.Type)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	err = p.writer.WriteMessages(ctx, msg)
	if err != nil {
		log.Error().
			Err(err).
			Str("topic", p.topic).
			Str("entityId", ev.EntityID).
			Msg("Failed to write to Kafka")
	}
	p.metrics.RecordSinkPublish(p.topic, err, time.Since(start).Seconds())
}

// Close waits for Run to return and closes the writer.
func (p *Publisher) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		select {
		case <-p.done:
		case <-ctx.Done():
		}
		if p.writer != nil {
			if e := p.writer.Close(); e != nil {
				log.Error().Err(e).Msg("Error closing kafka writer")
				err = e
			}
		}
	})
	return err
}
