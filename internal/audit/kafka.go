package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/pasarlokal/dispatch-engine/internal/metrics"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events to a Kafka topic keyed by entity id. Emit only
// enqueues; a single goroutine drains the buffer into an async writer.
type KafkaSink struct {
	w      messageWriter
	inbox  chan kafka.Message
	done   chan struct{}
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewKafkaSink creates a sink writing to topic. buf bounds the number of
// events held while the broker is slow.
func NewKafkaSink(brokers []string, topic string, buf int, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				metrics.AuditDropped.Add(float64(len(msgs)))
				logger.Warn("audit publish failed", "count", len(msgs), "error", err)
			}
		},
	}
	return newKafkaSink(w, buf, logger)
}

func newKafkaSink(w messageWriter, buf int, logger *slog.Logger) *KafkaSink {
	if buf <= 0 {
		buf = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSink{
		w:      w,
		inbox:  make(chan kafka.Message, buf),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Start runs the drain loop until ctx is cancelled or Close is called,
// then flushes what is left and closes the writer.
func (s *KafkaSink) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				s.flush()
				return
			case m, ok := <-s.inbox:
				if !ok {
					_ = s.w.Close()
					return
				}
				s.write(m)
			}
		}
	}()
}

func (s *KafkaSink) flush() {
	for {
		select {
		case m := <-s.inbox:
			s.write(m)
		default:
			_ = s.w.Close()
			return
		}
	}
}

func (s *KafkaSink) write(m kafka.Message) {
	if err := s.w.WriteMessages(context.Background(), m); err != nil {
		metrics.AuditDropped.Inc()
		s.logger.Warn("audit write failed", "key", string(m.Key), "error", err)
	}
}

// Emit enqueues e without blocking. Events are dropped when the buffer is full.
func (s *KafkaSink) Emit(_ context.Context, e Event) {
	value, err := json.Marshal(e)
	if err != nil {
		metrics.AuditDropped.Inc()
		return
	}
	msg := kafka.Message{
		Key:   []byte(e.EntityID),
		Value: value,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		metrics.AuditDropped.Inc()
		return
	}
	select {
	case s.inbox <- msg:
	default:
		metrics.AuditDropped.Inc()
	}
}

// Close stops accepting events and waits for the buffer to drain.
// Only valid after Start.
func (s *KafkaSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.inbox)
	}
	s.mu.Unlock()
	<-s.done
}
