package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/your-org/faceid/internal/models"
	"github.com/your-org/faceid/internal/vision"
)

// memLog is an in-memory DurableLog with a switchable failure mode.
type memLog struct {
	entries [][]byte
	failing bool
	maxLen  int
}

func (m *memLog) Append(ctx context.Context, payload []byte) error {
	if m.failing {
		return errors.New("log unreachable")
	}
	cp := append([]byte(nil), payload...)
	m.entries = append(m.entries, cp)
	if m.maxLen > 0 && len(m.entries) > m.maxLen {
		m.entries = m.entries[len(m.entries)-m.maxLen:]
	}
	return nil
}

func (m *memLog) Len(ctx context.Context) (uint64, error) {
	return uint64(len(m.entries)), nil
}

func (m *memLog) Drain(ctx context.Context, accept func([]byte) error) (int, error) {
	drained := 0
	for len(m.entries) > 0 {
		if err := accept(m.entries[0]); err != nil {
			return drained, err
		}
		m.entries = m.entries[1:]
		drained++
	}
	return drained, nil
}

type memBroadcast struct {
	messages map[string][][]byte
	failing  bool
}

func newMemBroadcast() *memBroadcast {
	return &memBroadcast{messages: make(map[string][][]byte)}
}

func (m *memBroadcast) Broadcast(subject string, payload []byte) error {
	if m.failing {
		return errors.New("broadcast unreachable")
	}
	m.messages[subject] = append(m.messages[subject], payload)
	return nil
}

func testPublisher() (*Publisher, *memLog, *memLog, *memLog, *memBroadcast) {
	faceLog := &memLog{}
	countLog := &memLog{}
	bufferLog := &memLog{maxLen: 10000}
	broadcast := newMemBroadcast()
	p := NewPublisher(faceLog, countLog, bufferLog, broadcast, "face-identification-service", "camera_01")
	return p, faceLog, countLog, bufferLog, broadcast
}

func faceEvent(n uint64) models.FaceEvent {
	return models.FaceEvent{
		CameraID:       "camera_01",
		Timestamp:      time.Unix(1700000000, 0).UTC(),
		FrameNumber:    n,
		PersonID:       "EMP001",
		FullName:       "Test Person",
		Similarity:     0.76,
		VotePercentage: 0.8,
		Decision:       vision.DecisionMatch,
		BBox:           [4]int{10, 10, 130, 130},
	}
}

func TestEmitFaceEventPrimary(t *testing.T) {
	p, faceLog, _, bufferLog, _ := testPublisher()

	if err := p.EmitFaceEvent(context.Background(), faceEvent(30)); err != nil {
		t.Fatalf("EmitFaceEvent() error = %v", err)
	}
	if len(faceLog.entries) != 1 {
		t.Fatalf("primary entries = %d, want 1", len(faceLog.entries))
	}
	if len(bufferLog.entries) != 0 {
		t.Errorf("buffer entries = %d, want 0", len(bufferLog.entries))
	}

	var decoded map[string]any
	if err := json.Unmarshal(faceLog.entries[0], &decoded); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	for _, field := range []string{"camera_id", "timestamp", "frame_number", "person_id", "full_name", "similarity", "vote_percentage", "decision", "bbox"} {
		if _, ok := decoded[field]; !ok {
			t.Errorf("serialized event missing field %q", field)
		}
	}
	if decoded["decision"] != "MATCH" {
		t.Errorf("decision = %v, want MATCH", decoded["decision"])
	}
}

func TestEmitFaceEventFallsBackToBuffer(t *testing.T) {
	p, faceLog, _, bufferLog, _ := testPublisher()
	faceLog.failing = true

	if err := p.EmitFaceEvent(context.Background(), faceEvent(30)); err != nil {
		t.Fatalf("EmitFaceEvent() error = %v, want buffered success", err)
	}
	if len(bufferLog.entries) != 1 {
		t.Errorf("buffer entries = %d, want 1", len(bufferLog.entries))
	}

	bufferLog.failing = true
	if err := p.EmitFaceEvent(context.Background(), faceEvent(60)); err == nil {
		t.Error("EmitFaceEvent() succeeded with both logs unreachable")
	}
}

func TestDrainBuffer(t *testing.T) {
	p, faceLog, _, bufferLog, _ := testPublisher()

	// Outage: 500 events land in the buffer.
	faceLog.failing = true
	for i := 0; i < 500; i++ {
		if err := p.EmitFaceEvent(context.Background(), faceEvent(uint64(i+1))); err != nil {
			t.Fatalf("EmitFaceEvent(%d) error = %v", i, err)
		}
	}
	if n, _ := p.BufferLen(context.Background()); n != 500 {
		t.Fatalf("BufferLen() = %d, want 500", n)
	}

	// Recovery and operator drain.
	faceLog.failing = false
	n, err := p.DrainBuffer(context.Background())
	if err != nil {
		t.Fatalf("DrainBuffer() error = %v", err)
	}
	if n != 500 {
		t.Errorf("DrainBuffer() = %d, want 500", n)
	}
	if got, _ := p.BufferLen(context.Background()); got != 0 {
		t.Errorf("BufferLen() after drain = %d, want 0", got)
	}
	if len(faceLog.entries) != 500 {
		t.Fatalf("primary entries = %d, want 500", len(faceLog.entries))
	}

	// Original order preserved, each exactly once.
	for i, entry := range faceLog.entries {
		var ev models.FaceEvent
		if err := json.Unmarshal(entry, &ev); err != nil {
			t.Fatalf("unmarshal drained entry %d: %v", i, err)
		}
		if ev.FrameNumber != uint64(i+1) {
			t.Fatalf("entry %d has frame_number %d, want %d", i, ev.FrameNumber, i+1)
		}
	}

	// New events append after the drained ones.
	if err := p.EmitFaceEvent(context.Background(), faceEvent(501)); err != nil {
		t.Fatalf("EmitFaceEvent() after drain error = %v", err)
	}
	var last models.FaceEvent
	_ = json.Unmarshal(faceLog.entries[len(faceLog.entries)-1], &last)
	if last.FrameNumber != 501 {
		t.Errorf("last frame_number = %d, want 501", last.FrameNumber)
	}
}

func TestDrainBufferStopsOnPrimaryFailure(t *testing.T) {
	p, faceLog, _, bufferLog, _ := testPublisher()

	faceLog.failing = true
	for i := 0; i < 3; i++ {
		_ = p.EmitFaceEvent(context.Background(), faceEvent(uint64(i+1)))
	}

	// Primary still down: nothing may leave the buffer.
	n, err := p.DrainBuffer(context.Background())
	if err == nil {
		t.Error("DrainBuffer() succeeded against an unreachable primary")
	}
	if n != 0 {
		t.Errorf("DrainBuffer() = %d, want 0", n)
	}
	if len(bufferLog.entries) != 3 {
		t.Errorf("buffer entries = %d, want all 3 retained", len(bufferLog.entries))
	}
}

func TestEmitPersonCount(t *testing.T) {
	p, _, countLog, _, _ := testPublisher()

	ev := models.PersonCountEvent{
		CameraID:    "camera_01",
		Timestamp:   time.Unix(1700000000, 0).UTC(),
		Count:       2,
		FrameNumber: 42,
	}
	if err := p.EmitPersonCount(context.Background(), ev); err != nil {
		t.Fatalf("EmitPersonCount() error = %v", err)
	}

	var decoded models.PersonCountEvent
	if err := json.Unmarshal(countLog.entries[0], &decoded); err != nil {
		t.Fatalf("unmarshal count event: %v", err)
	}
	if decoded != ev {
		t.Errorf("decoded = %+v, want %+v", decoded, ev)
	}
}

func TestEmitAlertShape(t *testing.T) {
	p, _, _, _, broadcast := testPublisher()

	p.EmitAlert("warning", "camera offline", map[string]any{"retry_count": 3})

	msgs := broadcast.messages[AlertsSubject]
	if len(msgs) != 1 {
		t.Fatalf("alert messages = %d, want 1", len(msgs))
	}

	var alert models.Alert
	if err := json.Unmarshal(msgs[0], &alert); err != nil {
		t.Fatalf("unmarshal alert: %v", err)
	}
	if alert.Type != "warning" || alert.Message != "camera offline" {
		t.Errorf("alert = %+v", alert)
	}
	if alert.Service != "face-identification-service" || alert.CameraID != "camera_01" {
		t.Errorf("alert identity fields = %q/%q", alert.Service, alert.CameraID)
	}
	if alert.Metadata["retry_count"] == nil {
		t.Error("alert metadata dropped")
	}
}

func TestBroadcastFailuresDropped(t *testing.T) {
	p, _, _, _, broadcast := testPublisher()
	broadcast.failing = true

	// Neither call may return an error or panic.
	p.EmitAlert("info", "hello", nil)
	p.BroadcastFace(faceEvent(1))
}

func TestBufferCapacityBound(t *testing.T) {
	p, faceLog, _, bufferLog, _ := testPublisher()
	bufferLog.maxLen = 10

	faceLog.failing = true
	for i := 0; i < 25; i++ {
		_ = p.EmitFaceEvent(context.Background(), faceEvent(uint64(i+1)))
	}

	if len(bufferLog.entries) != 10 {
		t.Fatalf("buffer entries = %d, want capped at 10", len(bufferLog.entries))
	}

	// Oldest entries were discarded; the newest 10 remain.
	var first models.FaceEvent
	_ = json.Unmarshal(bufferLog.entries[0], &first)
	if first.FrameNumber != 16 {
		t.Errorf("oldest retained frame_number = %d, want 16", first.FrameNumber)
	}
}

func TestBroadcastFaceSubject(t *testing.T) {
	p, _, _, _, broadcast := testPublisher()

	p.BroadcastFace(faceEvent(7))

	if got := len(broadcast.messages[FaceDetectionSubject]); got != 1 {
		t.Fatalf("face_detected messages = %d, want 1", got)
	}
	var ev models.FaceEvent
	if err := json.Unmarshal(broadcast.messages[FaceDetectionSubject][0], &ev); err != nil {
		t.Fatalf("unmarshal broadcast: %v", err)
	}
	if ev.FrameNumber != 7 {
		t.Errorf("frame_number = %d, want 7", ev.FrameNumber)
	}
}
