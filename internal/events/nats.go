package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Stream names for the durable logs.
const (
	FaceEventsStream  = "FACE_EVENTS"
	FaceEventsSubject = "face_events"

	PersonCountStream  = "PERSON_COUNT"
	PersonCountSubject = "person_count"

	BufferStream  = "FACE_EVENTS_BUFFER"
	BufferSubject = "face_events_buffer"

	drainConsumerName = "buffer-drain"
)

// NATSTransport carries both delivery classes over one connection: JetStream
// streams for the durable logs and core NATS publish for broadcast.
type NATSTransport struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewNATSTransport(natsURL string) (*NATSTransport, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	return &NATSTransport{nc: nc, js: js}, nil
}

// EnsureStreams creates the durable log streams if they don't exist.
// Retries up to 30 times (1s apart) to handle NATS startup delay.
func (t *NATSTransport) EnsureStreams(ctx context.Context, primaryMaxLen, bufferMaxLen int64) error {
	streams := []jetstream.StreamConfig{
		{
			Name:        FaceEventsStream,
			Subjects:    []string{FaceEventsSubject},
			Retention:   jetstream.LimitsPolicy,
			MaxMsgs:     primaryMaxLen,
			Storage:     jetstream.FileStorage,
			Discard:     jetstream.DiscardOld,
			Description: "Face identification events",
		},
		{
			Name:        PersonCountStream,
			Subjects:    []string{PersonCountSubject},
			Retention:   jetstream.LimitsPolicy,
			MaxMsgs:     primaryMaxLen,
			Storage:     jetstream.FileStorage,
			Discard:     jetstream.DiscardOld,
			Description: "Per-frame person counts",
		},
		{
			// WorkQueue retention so drained entries delete on ack.
			Name:        BufferStream,
			Subjects:    []string{BufferSubject},
			Retention:   jetstream.WorkQueuePolicy,
			MaxMsgs:     bufferMaxLen,
			Storage:     jetstream.FileStorage,
			Discard:     jetstream.DiscardOld,
			Description: "Fallback buffer for face events during outages",
		},
	}

	const maxAttempts = 30
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		allOK := true
		for _, cfg := range streams {
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_, err := t.js.CreateOrUpdateStream(opCtx, cfg)
			cancel()
			if err != nil {
				allOK = false
				if attempt == maxAttempts {
					return fmt.Errorf("create stream %s: %w (after %d attempts)", cfg.Name, err, maxAttempts)
				}
				slog.Warn("ensure NATS stream (retrying...)", "name", cfg.Name, "attempt", attempt, "error", err)
				break
			}
		}
		if allOK {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}
	return nil
}

// FaceLog returns the primary durable log for face events.
func (t *NATSTransport) FaceLog() DurableLog {
	return &jsLog{js: t.js, stream: FaceEventsStream, subject: FaceEventsSubject}
}

// CountLog returns the durable log for person-count events.
func (t *NATSTransport) CountLog() DurableLog {
	return &jsLog{js: t.js, stream: PersonCountStream, subject: PersonCountSubject}
}

// BufferLog returns the fallback buffer log.
func (t *NATSTransport) BufferLog() DurableLog {
	return &jsLog{js: t.js, stream: BufferStream, subject: BufferSubject}
}

// Broadcast implements Broadcaster over core NATS (fire-and-forget).
func (t *NATSTransport) Broadcast(subject string, payload []byte) error {
	return t.nc.Publish(subject, payload)
}

// Subscribe registers a handler for a broadcast subject.
func (t *NATSTransport) Subscribe(subject string, handler func(payload []byte)) (*nats.Subscription, error) {
	return t.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

func (t *NATSTransport) Ping() error {
	if !t.nc.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return nil
}

func (t *NATSTransport) Close() {
	t.nc.Close()
}

// jsLog is a DurableLog backed by one JetStream stream.
type jsLog struct {
	js      jetstream.JetStream
	stream  string
	subject string
}

func (l *jsLog) Append(ctx context.Context, payload []byte) error {
	if _, err := l.js.Publish(ctx, l.subject, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", l.stream, err)
	}
	return nil
}

func (l *jsLog) Len(ctx context.Context) (uint64, error) {
	stream, err := l.js.Stream(ctx, l.stream)
	if err != nil {
		return 0, fmt.Errorf("get stream %s: %w", l.stream, err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("stream info %s: %w", l.stream, err)
	}
	return info.State.Msgs, nil
}

// Drain pulls retained entries in order and hands them to accept. Entries are
// acked (and, under WorkQueue retention, deleted) only after accept succeeds.
func (l *jsLog) Drain(ctx context.Context, accept func(payload []byte) error) (int, error) {
	stream, err := l.js.Stream(ctx, l.stream)
	if err != nil {
		return 0, fmt.Errorf("get stream %s: %w", l.stream, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:      drainConsumerName,
		Durable:   drainConsumerName,
		AckPolicy: jetstream.AckExplicitPolicy,
		AckWait:   30 * time.Second,
	})
	if err != nil {
		return 0, fmt.Errorf("create drain consumer: %w", err)
	}

	drained := 0
	for {
		if ctx.Err() != nil {
			return drained, ctx.Err()
		}

		batch, err := cons.Fetch(100, jetstream.FetchMaxWait(time.Second))
		if err != nil {
			return drained, fmt.Errorf("fetch from %s: %w", l.stream, err)
		}

		got := 0
		for msg := range batch.Messages() {
			got++
			if err := accept(msg.Data()); err != nil {
				_ = msg.Nak()
				return drained, fmt.Errorf("drain entry rejected: %w", err)
			}
			if err := msg.Ack(); err != nil {
				return drained, fmt.Errorf("ack drained entry: %w", err)
			}
			drained++
		}
		if got == 0 {
			return drained, nil
		}
	}
}
