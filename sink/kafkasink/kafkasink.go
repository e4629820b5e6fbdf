// Package kafkasink provides an observability sink that forwards observed
// bus events to a Kafka topic.
//
// Each observed event is packed into a payload.Envelope and produced
// asynchronously, keyed by event id so envelopes for the same event land
// in the same partition. Produce failures are logged and counted; they
// never propagate into the bus.
//
// Usage:
//
//	sink, err := kafkasink.New([]string{"localhost:9092"}, "bus-events")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sink.Close()
//	b, _ := bus.New("orders", bus.WithObservabilityHook(sink))
package kafkasink

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"

	"github.com/gobuslab/bus/v2"
	"github.com/gobuslab/bus/v2/payload"
)

// Sink forwards observed events to Kafka.
type Sink struct {
	producer sarama.AsyncProducer
	topic    string
	codec    payload.Codec
	logger   *slog.Logger
	dropped  atomic.Int64

	closeOnce sync.Once
	drainDone chan struct{}
	ownsProd  bool
}

// Option configures the sink.
type Option func(*Sink)

// WithCodec sets the payload codec. Default is JSON.
func WithCodec(c payload.Codec) Option {
	return func(s *Sink) {
		if c != nil {
			s.codec = c
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Kafka forwarding sink with its own async producer. Close
// releases the producer.
func New(brokers []string, topic string, opts ...Option) (*Sink, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}
	s := newSink(producer, topic, opts...)
	s.ownsProd = true
	return s, nil
}

// NewFromProducer creates a sink over an existing producer owned by the
// caller.
func NewFromProducer(producer sarama.AsyncProducer, topic string, opts ...Option) *Sink {
	return newSink(producer, topic, opts...)
}

func newSink(producer sarama.AsyncProducer, topic string, opts ...Option) *Sink {
	s := &Sink{
		producer:  producer,
		topic:     topic,
		codec:     payload.Default(),
		logger:    slog.Default().With("component", "sink.kafka"),
		drainDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.drainErrors()
	return s
}

// drainErrors consumes the producer error channel so the producer never
// stalls.
func (s *Sink) drainErrors() {
	defer close(s.drainDone)
	for err := range s.producer.Errors() {
		s.dropped.Add(1)
		s.logger.Warn("failed to produce observed event",
			"topic", err.Msg.Topic,
			"error", err.Err)
	}
}

// Observe packs the event and hands it to the async producer.
func (s *Sink) Observe(ev bus.Event) {
	env, err := payload.Pack(s.codec, ev.EventID, string(ev.SessionID), ev.Type, ev.CreatedAt, ev.Metadata, ev.Payload)
	if err != nil {
		s.dropped.Add(1)
		s.logger.Warn("failed to encode observed event", "event_type", ev.Type, "error", err)
		return
	}
	data, err := env.Marshal()
	if err != nil {
		s.dropped.Add(1)
		s.logger.Warn("failed to marshal envelope", "event_type", ev.Type, "error", err)
		return
	}

	s.producer.Input() <- &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(ev.EventID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(ev.Type)},
			{Key: []byte("session_id"), Value: []byte(ev.SessionID)},
		},
	}
}

// Dropped returns the number of events the sink failed to forward.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Close flushes and releases the producer when the sink owns it, then
// waits for the error drainer to finish. A caller-owned producer is left
// open and Close returns without waiting.
func (s *Sink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.ownsProd {
			err = s.producer.Close()
			<-s.drainDone
		}
	})
	return err
}

// Compile-time check
var _ bus.ObservabilityHook = (*Sink)(nil)
