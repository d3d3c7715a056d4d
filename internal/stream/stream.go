package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/lagcast-lab/lagcast/internal/consumer"
)

// Config holds the durable event log settings.
type Config struct {
	// URL is the NATS server address.
	URL string

	// Stream is the JetStream stream name holding raw sale events.
	Stream string

	// Subject is the subject pattern bound to the stream.
	Subject string

	// Durable names the pull consumer so the read position survives
	// restarts.
	Durable string

	// FetchWait bounds how long a blocking read waits before reporting
	// "no entries".
	FetchWait time.Duration
}

// Log is the JetStream-backed durable event log. It exposes the blocking
// read / acknowledge interface the consumer loop drives.
type Log struct {
	nc        *nats.Conn
	js        jetstream.JetStream
	cons      jetstream.Consumer
	fetchWait time.Duration
}

// Connect dials NATS, ensures the stream exists with file storage, and binds
// the durable pull consumer. Idempotent across restarts.
func Connect(ctx context.Context, cfg Config) (*Log, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect NATS %q: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	streamCfg := jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
		Discard:   jetstream.DiscardOld,
	}

	st, err := js.Stream(ctx, cfg.Stream)
	if err == nil {
		st, err = js.UpdateStream(ctx, streamCfg)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("update stream %s: %w", cfg.Stream, err)
		}
	} else if errors.Is(err, jetstream.ErrStreamNotFound) {
		st, err = js.CreateStream(ctx, streamCfg)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
		}
	} else {
		nc.Close()
		return nil, fmt.Errorf("check stream %s: %w", cfg.Stream, err)
	}

	cons, err := st.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		// One entry in flight at a time preserves log order through the
		// single consumer loop.
		MaxAckPending: 1,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create consumer %s: %w", cfg.Durable, err)
	}

	slog.Info("[Stream] Connected",
		"url", cfg.URL,
		"stream", cfg.Stream,
		"subject", cfg.Subject,
		"durable", cfg.Durable)

	return &Log{nc: nc, js: js, cons: cons, fetchWait: cfg.FetchWait}, nil
}

// Next blocks up to the configured fetch wait for the next undelivered
// entry. Returns consumer.ErrNoEntries when the wait expires empty.
func (l *Log) Next(ctx context.Context) (consumer.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batch, err := l.cons.Fetch(1, jetstream.FetchMaxWait(l.fetchWait))
	if err != nil {
		return nil, fmt.Errorf("fetch entry: %w", err)
	}

	for msg := range batch.Messages() {
		return &logEntry{msg: msg}, nil
	}

	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return nil, fmt.Errorf("fetch entry: %w", err)
	}
	return nil, consumer.ErrNoEntries
}

// Close drains the connection so in-flight acknowledgments flush.
func (l *Log) Close() error {
	if err := l.nc.Drain(); err != nil {
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}

// logEntry adapts a JetStream message to consumer.Entry.
type logEntry struct {
	msg jetstream.Msg
}

// ID returns a stable identifier for the entry, derived from the stream
// sequence. Redeliveries of the same entry share the ID.
func (e *logEntry) ID() string {
	meta, err := e.msg.Metadata()
	if err != nil {
		// Fall back to the subject; the entry is still processable, only
		// record-level idempotency weakens.
		return e.msg.Subject()
	}
	return fmt.Sprintf("%s:%d", meta.Stream, meta.Sequence.Stream)
}

func (e *logEntry) Data() []byte { return e.msg.Data() }

// Ack removes the entry from the work queue.
func (e *logEntry) Ack() error { return e.msg.Ack() }

// Nak leaves the entry for redelivery on a later fetch.
func (e *logEntry) Nak() error { return e.msg.Nak() }

// Term removes the entry without processing it (poison pill).
func (e *logEntry) Term() error { return e.msg.Term() }
