package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	kafkaQueueDepth  = 1024
	kafkaMaxAttempts = 3
	kafkaBackoff     = 100 * time.Millisecond
)

// KafkaSink publishes audit events to a Kafka topic. Record enqueues into a
// bounded queue and never blocks the request path: when the queue is full
// the event is dropped and counted. A single writer goroutine drains the
// queue, retrying transient produce failures with exponential backoff.
type KafkaSink struct {
	writer *kafka.Writer
	logger *slog.Logger

	queue chan Event
	done  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	dropped int64

	closeOnce sync.Once
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) *KafkaSink {
	s := &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
		},
		logger: logger,
		queue:  make(chan Event, kafkaQueueDepth),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.drain()
	return s
}

// Record enqueues ev; drops when the queue is full.
func (s *KafkaSink) Record(_ context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case s.queue <- ev:
	default:
		s.mu.Lock()
		s.dropped++
		n := s.dropped
		s.mu.Unlock()
		if n%100 == 1 {
			s.logger.Warn("audit queue full, dropping events", "dropped_total", n)
		}
	}
}

// Dropped reports how many events were discarded due to a full queue.
func (s *KafkaSink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops the writer goroutine after flushing queued events.
func (s *KafkaSink) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return s.writer.Close()
}

func (s *KafkaSink) drain() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.queue:
			s.produce(ev)
		case <-s.done:
			// Flush what is left without accepting new work.
			for {
				select {
				case ev := <-s.queue:
					s.produce(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *KafkaSink) produce(ev Event) {
	value, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("marshal audit event", "error", err, "action", ev.Action)
		return
	}
	msg := kafka.Message{
		Key:   []byte(ev.UserID),
		Value: value,
		Time:  ev.Timestamp,
	}

	backoff := kafkaBackoff
	for attempt := 1; attempt <= kafkaMaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = s.writer.WriteMessages(ctx, msg)
		cancel()
		if err == nil {
			return
		}
		if attempt < kafkaMaxAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	s.logger.Error("produce audit event", "error", err, "action", ev.Action)
}
