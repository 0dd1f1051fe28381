package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/your-org/faceid/internal/capture"
	"github.com/your-org/faceid/internal/config"
	"github.com/your-org/faceid/internal/enroll"
	"github.com/your-org/faceid/internal/models"
	"github.com/your-org/faceid/internal/observability"
	"github.com/your-org/faceid/internal/vision"
)

// FrameSource is the capture capability the core drives.
type FrameSource interface {
	Start()
	Stop()
	ReadLatest() (*vision.Frame, bool)
	GetStatus() capture.Status
}

// EventSink is the publisher capability the core emits through.
type EventSink interface {
	EmitFaceEvent(ctx context.Context, ev models.FaceEvent) error
	EmitPersonCount(ctx context.Context, ev models.PersonCountEvent) error
	EmitAlert(alertType, message string, metadata map[string]any)
	BroadcastFace(ev models.FaceEvent)
	DrainBuffer(ctx context.Context) (int, error)
	BufferLen(ctx context.Context) (uint64, error)
}

// SnapshotStore persists matched-face crops. Optional.
type SnapshotStore interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
}

// Pinger reports downstream transport reachability for readiness.
type Pinger interface {
	Ping() error
}

// Status aggregates child statuses for the control surface.
type Status struct {
	Running            bool               `json:"running"`
	CameraID           string             `json:"camera_id"`
	ProcessedFrames    uint64             `json:"processed_frames"`
	PublishMode        config.PublishMode `json:"publish_mode"`
	EnrolledIdentities int                `json:"enrolled_identities"`
	ActiveTracks       int                `json:"active_tracks"`
	Capture            capture.Status     `json:"capture"`
}

// Health is the minimal liveness view.
type Health struct {
	Running         bool   `json:"running"`
	Connected       bool   `json:"connected"`
	ProcessedFrames uint64 `json:"processed_frames"`
}

// Core owns the processing domain: a single-threaded cooperative loop that
// drives detection every frame and recognition at a reduced cadence, then
// publishes in frame order. The capture worker is the only other concurrency
// domain; the two meet at the latest-frame slot.
type Core struct {
	cfg       *config.Config
	source    FrameSource
	detection *vision.DetectionStage
	embedding *vision.EmbeddingStage
	matcher   *vision.Matcher
	verifier  *vision.Verifier
	tracker   *vision.Tracker
	registry  *enroll.Registry
	sink      EventSink
	snapshots SnapshotStore // may be nil
	transport Pinger        // may be nil

	frameSeq        uint64 // scheduler tick counter, starts at 1
	processedFrames atomic.Uint64
	recognitions    uint64
	running         atomic.Bool
	stop            chan struct{}
	done            chan struct{}

	idleDelay      time.Duration
	publishTimeout time.Duration
}

func New(
	cfg *config.Config,
	source FrameSource,
	detection *vision.DetectionStage,
	embedding *vision.EmbeddingStage,
	matcher *vision.Matcher,
	verifier *vision.Verifier,
	registry *enroll.Registry,
	sink EventSink,
	snapshots SnapshotStore,
	transport Pinger,
) *Core {
	return &Core{
		cfg:            cfg,
		source:         source,
		detection:      detection,
		embedding:      embedding,
		matcher:        matcher,
		verifier:       verifier,
		tracker:        vision.NewTracker(cfg.Camera.ID, 30),
		registry:       registry,
		sink:           sink,
		snapshots:      snapshots,
		transport:      transport,
		idleDelay:      10 * time.Millisecond,
		publishTimeout: 2 * time.Second,
	}
}

// Start spawns the capture worker and the processing loop.
func (c *Core) Start() {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	c.source.Start()
	go c.run()

	slog.Info("pipeline started",
		"camera_id", c.cfg.Camera.ID,
		"recognize_every_n", c.cfg.Recognition.RecognizeEveryN,
		"publish_mode", c.cfg.Recognition.PublishMode,
	)
}

// Stop halts the processing loop first, then the capture worker, then makes
// a final best-effort drain of the buffer log.
func (c *Core) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	close(c.stop)
	<-c.done

	c.source.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if n, err := c.sink.DrainBuffer(ctx); err != nil {
		slog.Warn("final buffer drain failed", "error", err)
	} else if n > 0 {
		slog.Info("final buffer drain", "count", n)
	}

	slog.Info("pipeline stopped", "processed_frames", c.processedFrames.Load())
}

func (c *Core) run() {
	defer close(c.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.stop
		cancel()
	}()

	for {
		select {
		case <-c.stop:
			return
		default:
		}
		c.Tick(ctx)
	}
}

// Tick processes at most one frame: person counting always, the face
// pipeline at the configured cadence. With no frame available it yields
// briefly. Per-face errors never fail the frame; a bad frame never stops
// the loop.
func (c *Core) Tick(ctx context.Context) {
	frame, ok := c.source.ReadLatest()
	if !ok {
		c.idle()
		return
	}

	start := time.Now()
	c.frameSeq++
	n := c.frameSeq

	c.countPersons(ctx, frame)

	if n%uint64(c.cfg.Recognition.RecognizeEveryN) == 0 {
		c.recognizeFaces(ctx, frame)
		c.verifier.Reap()
		observability.ActiveTracks.Set(float64(c.verifier.ActiveTracks()))
	}

	c.processedFrames.Add(1)
	observability.FramesProcessed.WithLabelValues(c.cfg.Camera.ID).Inc()
	observability.FrameProcessingDuration.Observe(time.Since(start).Seconds())
}

func (c *Core) idle() {
	select {
	case <-c.stop:
	case <-time.After(c.idleDelay):
	}
}

// countPersons runs person detection and emits the count event. Count events
// always precede face events derived from the same frame.
func (c *Core) countPersons(ctx context.Context, frame *vision.Frame) {
	persons, err := c.detection.DetectPersons(ctx, frame)
	if err != nil {
		slog.Warn("person detection failed", "error", err, "frame", frame.Seq)
		return
	}
	observability.PersonsDetected.WithLabelValues(c.cfg.Camera.ID).Add(float64(len(persons)))

	pubCtx, cancel := context.WithTimeout(ctx, c.publishTimeout)
	defer cancel()
	ev := models.PersonCountEvent{
		CameraID:    c.cfg.Camera.ID,
		Timestamp:   frame.Timestamp,
		Count:       len(persons),
		FrameNumber: c.frameSeq,
	}
	if err := c.sink.EmitPersonCount(pubCtx, ev); err != nil {
		slog.Warn("person count publish failed", "error", err)
	}
}

// recognizeFaces runs the full face pipeline for one frame: detect, crop,
// embed, match, optionally verify, publish in face-iteration order.
func (c *Core) recognizeFaces(ctx context.Context, frame *vision.Frame) {
	c.recognitions++

	start := time.Now()
	faces, err := c.detection.DetectFaces(ctx, frame)
	observability.InferenceDuration.WithLabelValues("face_detect").Observe(time.Since(start).Seconds())
	if err != nil {
		slog.Warn("face detection failed", "error", err, "frame", frame.Seq)
		return
	}
	observability.FacesDetected.WithLabelValues(c.cfg.Camera.ID).Add(float64(len(faces)))

	verified := c.cfg.Recognition.PublishMode == config.PublishVerified
	var tracks []*vision.Track
	if verified {
		tracks = c.tracker.Assign(faces)
	}

	for i, face := range faces {
		crop, err := c.detection.CropFace(frame, face)
		if err != nil {
			slog.Debug("face crop skipped", "error", err, "frame", frame.Seq)
			continue
		}

		start = time.Now()
		emb, err := c.embedding.Embed(ctx, crop)
		observability.InferenceDuration.WithLabelValues("embed").Observe(time.Since(start).Seconds())
		if err != nil {
			slog.Warn("embedding failed", "error", err, "frame", frame.Seq)
			continue
		}
		if emb == nil {
			observability.FacesRejected.WithLabelValues("no_embedding").Inc()
			continue
		}

		decision := c.matcher.Match(emb.Descriptor.Embedding, c.registry.Snapshot())
		if decision.Decision == vision.DecisionUnknown {
			continue
		}

		final := decision
		trackID := ""
		if verified {
			trackID = tracks[i].ID
			c.verifier.Add(trackID, decision, frame.Timestamp)
			v, ok := c.verifier.Verify(trackID)
			if !ok {
				continue
			}
			final = v
		}

		if final.Decision != vision.DecisionMatch {
			continue
		}

		c.emitFace(ctx, frame, face, crop, final, emb.Quality, trackID)
	}
}

func (c *Core) emitFace(ctx context.Context, frame *vision.Frame, face vision.Detection, crop *vision.Frame, decision vision.FrameDecision, quality float64, trackID string) {
	observability.FacesMatched.WithLabelValues(c.cfg.Camera.ID).Inc()

	ev := models.FaceEvent{
		CameraID:       c.cfg.Camera.ID,
		Timestamp:      frame.Timestamp,
		FrameNumber:    c.frameSeq,
		PersonID:       decision.PersonID,
		FullName:       decision.FullName,
		Similarity:     decision.Similarity,
		VotePercentage: decision.VotePercentage,
		Decision:       decision.Decision,
		BBox:           [4]int{face.BBox.X1, face.BBox.Y1, face.BBox.X2, face.BBox.Y2},
		Quality:        quality,
		TrackID:        trackID,
	}

	if c.snapshots != nil {
		key := fmt.Sprintf("snapshots/%s/%d_%s.jpg", c.cfg.Camera.ID, frame.Seq, decision.PersonID)
		snapCtx, cancel := context.WithTimeout(ctx, c.publishTimeout)
		if err := c.snapshots.PutObject(snapCtx, key, vision.EncodeJPEG(crop, 90), "image/jpeg"); err != nil {
			slog.Warn("save snapshot", "error", err)
		} else {
			ev.SnapshotKey = key
		}
		cancel()
	}

	pubCtx, cancel := context.WithTimeout(ctx, c.publishTimeout)
	defer cancel()
	if err := c.sink.EmitFaceEvent(pubCtx, ev); err != nil {
		slog.Error("face event publish failed", "error", err, "person_id", ev.PersonID)
	}
	c.sink.BroadcastFace(ev)
}

// SyncBuffer drains the fallback buffer into the primary log.
func (c *Core) SyncBuffer(ctx context.Context) (int, error) {
	return c.sink.DrainBuffer(ctx)
}

// GetStatus aggregates child statuses.
func (c *Core) GetStatus() Status {
	return Status{
		Running:            c.running.Load(),
		CameraID:           c.cfg.Camera.ID,
		ProcessedFrames:    c.processedFrames.Load(),
		PublishMode:        c.cfg.Recognition.PublishMode,
		EnrolledIdentities: c.registry.Count(),
		ActiveTracks:       c.verifier.ActiveTracks(),
		Capture:            c.source.GetStatus(),
	}
}

// GetHealth reports liveness.
func (c *Core) GetHealth() Health {
	return Health{
		Running:         c.running.Load(),
		Connected:       c.source.GetStatus().Connected,
		ProcessedFrames: c.processedFrames.Load(),
	}
}

// Ready reports whether the service can do useful work: running, camera
// connected, and the event transport reachable.
func (c *Core) Ready() bool {
	if !c.running.Load() || !c.source.GetStatus().Connected {
		return false
	}
	if c.transport != nil {
		if err := c.transport.Ping(); err != nil {
			return false
		}
	}
	return true
}
