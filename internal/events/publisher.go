package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/your-org/faceid/internal/models"
	"github.com/your-org/faceid/internal/observability"
)

// DurableLog is an append-only, length-capped, replayable message log.
type DurableLog interface {
	// Append writes one payload to the log tail.
	Append(ctx context.Context, payload []byte) error
	// Len returns the number of retained entries.
	Len(ctx context.Context) (uint64, error)
	// Drain feeds retained entries, oldest first, to accept. An entry is
	// deleted from the log only after accept returns nil; the first accept
	// error stops the drain. Returns the number of entries drained.
	Drain(ctx context.Context, accept func(payload []byte) error) (int, error)
}

// Broadcaster delivers fire-and-forget best-effort messages.
type Broadcaster interface {
	Broadcast(subject string, payload []byte) error
}

// Broadcast subjects.
const (
	AlertsSubject        = "alerts"
	FaceDetectionSubject = "face_detected"
)

// Publisher emits pipeline events over two delivery classes: durable
// length-capped logs (face events, person counts) and best-effort broadcast
// (alerts, live face notifications). When the primary face-event log is
// unreachable, events land in a smaller buffer log that an operator drains
// back into the primary after recovery.
type Publisher struct {
	mu sync.Mutex

	faceLog   DurableLog
	countLog  DurableLog
	bufferLog DurableLog
	broadcast Broadcaster

	serviceName string
	cameraID    string
	now         func() time.Time
}

func NewPublisher(faceLog, countLog, bufferLog DurableLog, broadcast Broadcaster, serviceName, cameraID string) *Publisher {
	return &Publisher{
		faceLog:     faceLog,
		countLog:    countLog,
		bufferLog:   bufferLog,
		broadcast:   broadcast,
		serviceName: serviceName,
		cameraID:    cameraID,
		now:         time.Now,
	}
}

// EmitFaceEvent appends the event to the primary face-event log. On failure
// it retries once against the buffer log.
func (p *Publisher) EmitFaceEvent(ctx context.Context, ev models.FaceEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal face event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.faceLog.Append(ctx, payload); err != nil {
		observability.PublishFailures.WithLabelValues("face_events").Inc()
		slog.Warn("primary face log append failed, buffering",
			"error", err,
			"person_id", ev.PersonID,
		)
		if berr := p.bufferLog.Append(ctx, payload); berr != nil {
			observability.PublishFailures.WithLabelValues("buffer").Inc()
			return fmt.Errorf("append face event to buffer: %w", berr)
		}
		observability.EventsBuffered.WithLabelValues("face_events").Inc()
		return nil
	}

	observability.EventsPublished.WithLabelValues("face_events").Inc()
	return nil
}

// EmitPersonCount appends a person-count event to its durable log.
func (p *Publisher) EmitPersonCount(ctx context.Context, ev models.PersonCountEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal person count: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.countLog.Append(ctx, payload); err != nil {
		observability.PublishFailures.WithLabelValues("person_count").Inc()
		return fmt.Errorf("append person count: %w", err)
	}
	observability.EventsPublished.WithLabelValues("person_count").Inc()
	return nil
}

// EmitAlert broadcasts an operator alert. Failures are logged and dropped.
func (p *Publisher) EmitAlert(alertType, message string, metadata map[string]any) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	alert := models.Alert{
		Type:      alertType,
		Message:   message,
		Service:   p.serviceName,
		CameraID:  p.cameraID,
		Timestamp: p.now(),
		Metadata:  metadata,
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		slog.Error("marshal alert", "error", err)
		return
	}

	if err := p.broadcast.Broadcast(AlertsSubject, payload); err != nil {
		slog.Warn("alert broadcast failed", "error", err, "type", alertType)
		return
	}
	slog.Info("alert published", "type", alertType, "message", message)
}

// Alert implements capture.AlertSink.
func (p *Publisher) Alert(level, message string, metadata map[string]any) {
	p.EmitAlert(level, message, metadata)
}

// BroadcastFace sends a real-time face notification. Best-effort: failures
// are logged and dropped.
func (p *Publisher) BroadcastFace(ev models.FaceEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal face broadcast", "error", err)
		return
	}
	if err := p.broadcast.Broadcast(FaceDetectionSubject, payload); err != nil {
		slog.Warn("face broadcast failed", "error", err)
	}
}

// DrainBuffer copies buffered face events into the primary log in original
// order, deleting each from the buffer only after the primary accepted it.
// Returns the number of events drained.
func (p *Publisher) DrainBuffer(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, err := p.bufferLog.Drain(ctx, func(payload []byte) error {
		return p.faceLog.Append(ctx, payload)
	})
	if n > 0 {
		slog.Info("buffer drained", "count", n)
	}
	if err != nil {
		return n, fmt.Errorf("drain buffer: %w", err)
	}
	return n, nil
}

// BufferLen returns the number of events waiting in the buffer log.
func (p *Publisher) BufferLen(ctx context.Context) (uint64, error) {
	return p.bufferLog.Len(ctx)
}
