package core

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/your-org/faceid/internal/capture"
	"github.com/your-org/faceid/internal/config"
	"github.com/your-org/faceid/internal/enroll"
	"github.com/your-org/faceid/internal/models"
	"github.com/your-org/faceid/internal/vision"
)

// fakeSource hands out the same frame on every read.
type fakeSource struct {
	frame *vision.Frame
	reads int
}

func (f *fakeSource) Start() {}
func (f *fakeSource) Stop()  {}

func (f *fakeSource) ReadLatest() (*vision.Frame, bool) {
	if f.frame == nil {
		return nil, false
	}
	f.reads++
	fr := f.frame.Clone()
	fr.Seq = uint64(f.reads)
	fr.Timestamp = time.Now()
	return fr, true
}

func (f *fakeSource) GetStatus() capture.Status {
	return capture.Status{CameraID: "camera_01", Connected: f.frame != nil, Running: true}
}

// recordingSink captures every emission in arrival order.
type recordingSink struct {
	order  []string // "count" / "face" interleaving
	counts []models.PersonCountEvent
	faces  []models.FaceEvent
	casts  []models.FaceEvent
}

func (r *recordingSink) EmitFaceEvent(ctx context.Context, ev models.FaceEvent) error {
	r.order = append(r.order, "face")
	r.faces = append(r.faces, ev)
	return nil
}

func (r *recordingSink) EmitPersonCount(ctx context.Context, ev models.PersonCountEvent) error {
	r.order = append(r.order, "count")
	r.counts = append(r.counts, ev)
	return nil
}

func (r *recordingSink) EmitAlert(alertType, message string, metadata map[string]any) {}

func (r *recordingSink) BroadcastFace(ev models.FaceEvent) {
	r.casts = append(r.casts, ev)
}

func (r *recordingSink) DrainBuffer(ctx context.Context) (int, error) { return 0, nil }
func (r *recordingSink) BufferLen(ctx context.Context) (uint64, error) { return 0, nil }

type stubPersons struct{ n int }

func (s *stubPersons) DetectPersons(ctx context.Context, frame *vision.Frame) ([]vision.Detection, error) {
	out := make([]vision.Detection, s.n)
	for i := range out {
		out[i] = vision.Detection{
			BBox:       vision.BoundingBox{X1: i * 100, Y1: 0, X2: i*100 + 80, Y2: 180},
			Confidence: 0.9,
			Class:      vision.ClassPerson,
		}
	}
	return out, nil
}

type stubFaces struct {
	det   vision.Detection
	calls int
}

func (s *stubFaces) DetectFaces(ctx context.Context, frame *vision.Frame) ([]vision.Detection, error) {
	s.calls++
	return []vision.Detection{s.det}, nil
}

type stubEmbedder struct {
	embedding []float32
	calls     int
}

func (s *stubEmbedder) Embed(ctx context.Context, crop *vision.Frame) (*vision.FaceDescriptor, error) {
	s.calls++
	if s.embedding == nil {
		return nil, nil
	}
	return &vision.FaceDescriptor{Embedding: s.embedding, DetScore: 0.95, Age: 35}, nil
}

type staticLoader struct {
	identities []vision.EnrolledIdentity
}

func (s *staticLoader) LoadEnrollment(ctx context.Context) ([]vision.EnrolledIdentity, error) {
	return s.identities, nil
}

// embeddingAt builds a unit vector whose remapped cosine similarity against
// the query [1, 0, ...] is exactly s.
func embeddingAt(s float64, dim int) []float32 {
	cos := 2*s - 1
	sin := math.Sqrt(1 - cos*cos)
	v := make([]float32, dim)
	v[0] = float32(cos)
	v[1] = float32(sin)
	return v
}

func testConfig(mode config.PublishMode) *config.Config {
	return &config.Config{
		Camera: config.CameraConfig{ID: "camera_01"},
		Recognition: config.RecognitionConfig{
			RecognizeEveryN:      30,
			SimilarityThreshold:  0.35,
			VotingThreshold:      0.60,
			MinFaceSize:          80,
			EmbeddingDim:         8,
			CropMargin:           0.2,
			PersonConfThreshold:  0.6,
			FaceConfThreshold:    0.5,
			VerificationFrames:   3,
			VerificationInterval: time.Second,
			HistoryTTL:           30 * time.Second,
			PublishMode:          mode,
		},
	}
}

type fixture struct {
	core     *Core
	sink     *recordingSink
	faces    *stubFaces
	embedder *stubEmbedder
}

func newFixture(t *testing.T, mode config.PublishMode, identities []vision.EnrolledIdentity, embedding []float32) *fixture {
	t.Helper()
	cfg := testConfig(mode)

	faces := &stubFaces{det: vision.Detection{
		BBox:       vision.BoundingBox{X1: 200, Y1: 200, X2: 320, Y2: 320},
		Confidence: 0.9,
		Class:      vision.ClassFace,
	}}
	embedder := &stubEmbedder{embedding: embedding}
	sink := &recordingSink{}

	registry := enroll.NewRegistry(&staticLoader{identities: identities}, 8)
	if err := registry.Reload(context.Background()); err != nil {
		t.Fatalf("reload registry: %v", err)
	}

	detStage := vision.NewDetectionStage(
		&stubPersons{n: 1}, faces,
		cfg.Recognition.PersonConfThreshold,
		cfg.Recognition.FaceConfThreshold,
		cfg.Recognition.MinFaceSize,
		cfg.Recognition.CropMargin,
	)
	embStage := vision.NewEmbeddingStage(embedder)
	matcher := vision.NewMatcher(cfg.Recognition.SimilarityThreshold, cfg.Recognition.VotingThreshold)
	verifier := vision.NewVerifier(
		cfg.Recognition.VerificationFrames,
		cfg.Recognition.VerificationInterval,
		cfg.Recognition.HistoryTTL,
	)

	source := &fakeSource{frame: vision.NewFrame(640, 480)}
	c := New(cfg, source, detStage, embStage, matcher, verifier, registry, sink, nil, nil)

	return &fixture{core: c, sink: sink, faces: faces, embedder: embedder}
}

func TestUnknownPersonEmptyEnrollment(t *testing.T) {
	// 30 frames with one face and no enrolled identities: 30 person-count
	// events, one recognition yielding UNKNOWN, no face event.
	f := newFixture(t, config.PublishPerFrame, nil, embeddingAt(0.9, 8))

	ctx := context.Background()
	for i := 0; i < 30; i++ {
		f.core.Tick(ctx)
	}

	if len(f.sink.counts) != 30 {
		t.Errorf("count events = %d, want 30", len(f.sink.counts))
	}
	for _, ev := range f.sink.counts {
		if ev.Count != 1 {
			t.Fatalf("count = %d, want 1", ev.Count)
		}
	}
	if f.embedder.calls != 1 {
		t.Errorf("embedder calls = %d, want 1 (tick 30 only)", f.embedder.calls)
	}
	if len(f.sink.faces) != 0 {
		t.Errorf("face events = %d, want 0 for UNKNOWN", len(f.sink.faces))
	}
}

func TestKnownPersonEmitsAtCadence(t *testing.T) {
	// One identity with five embeddings: four at similarity 0.9, one at
	// 0.2. 91 frames produce face events at frames 30, 60, 90.
	identities := []vision.EnrolledIdentity{{
		PersonID: "E1",
		FullName: "Known Person",
		Active:   true,
		Embeddings: [][]float32{
			embeddingAt(0.9, 8),
			embeddingAt(0.9, 8),
			embeddingAt(0.9, 8),
			embeddingAt(0.9, 8),
			embeddingAt(0.2, 8),
		},
	}}
	query := make([]float32, 8)
	query[0] = 1

	f := newFixture(t, config.PublishPerFrame, identities, query)

	ctx := context.Background()
	for i := 0; i < 91; i++ {
		f.core.Tick(ctx)
	}

	if len(f.sink.counts) != 91 {
		t.Errorf("count events = %d, want 91", len(f.sink.counts))
	}
	if len(f.sink.faces) != 3 {
		t.Fatalf("face events = %d, want 3", len(f.sink.faces))
	}

	wantFrames := []uint64{30, 60, 90}
	for i, ev := range f.sink.faces {
		if ev.FrameNumber != wantFrames[i] {
			t.Errorf("face event %d at frame %d, want %d", i, ev.FrameNumber, wantFrames[i])
		}
		if ev.Decision != vision.DecisionMatch {
			t.Errorf("decision = %v, want MATCH", ev.Decision)
		}
		if math.Abs(ev.VotePercentage-0.8) > 1e-9 {
			t.Errorf("vote_percentage = %v, want 0.8", ev.VotePercentage)
		}
		if math.Abs(ev.Similarity-0.76) > 1e-6 {
			t.Errorf("similarity = %v, want 0.76", ev.Similarity)
		}
		if ev.PersonID != "E1" {
			t.Errorf("person_id = %q, want E1", ev.PersonID)
		}
	}

	// Matched faces are also broadcast.
	if len(f.sink.casts) != 3 {
		t.Errorf("broadcasts = %d, want 3", len(f.sink.casts))
	}
}

func TestCountEventsPrecedeFaceEvents(t *testing.T) {
	identities := []vision.EnrolledIdentity{{
		PersonID: "E1", FullName: "P", Active: true,
		Embeddings: [][]float32{embeddingAt(0.9, 8)},
	}}
	query := make([]float32, 8)
	query[0] = 1

	f := newFixture(t, config.PublishPerFrame, identities, query)

	ctx := context.Background()
	for i := 0; i < 30; i++ {
		f.core.Tick(ctx)
	}

	// The face event for frame 30 must come after that frame's count event.
	if len(f.sink.order) < 2 {
		t.Fatalf("order = %v", f.sink.order)
	}
	last := f.sink.order[len(f.sink.order)-1]
	prev := f.sink.order[len(f.sink.order)-2]
	if prev != "count" || last != "face" {
		t.Errorf("emission order tail = [%s %s], want [count face]", prev, last)
	}
}

func TestSchedulerIdlesWithoutFrames(t *testing.T) {
	f := newFixture(t, config.PublishPerFrame, nil, nil)
	src := f.core.source.(*fakeSource)
	src.frame = nil

	f.core.stop = make(chan struct{})
	f.core.idleDelay = time.Millisecond
	f.core.Tick(context.Background())

	if len(f.sink.counts) != 0 {
		t.Errorf("count events = %d, want 0 with no frame", len(f.sink.counts))
	}
	if f.core.frameSeq != 0 {
		t.Errorf("frameSeq = %d, want 0 with no frame", f.core.frameSeq)
	}
}

func TestFailedEmbeddingDropsFaceOnly(t *testing.T) {
	// Embedder finds no face in the crop: the frame continues, no event.
	f := newFixture(t, config.PublishPerFrame, nil, nil)

	ctx := context.Background()
	for i := 0; i < 30; i++ {
		f.core.Tick(ctx)
	}

	if f.embedder.calls != 1 {
		t.Errorf("embedder calls = %d, want 1", f.embedder.calls)
	}
	if len(f.sink.counts) != 30 {
		t.Errorf("count events = %d, want 30 despite embedding failures", len(f.sink.counts))
	}
	if len(f.sink.faces) != 0 {
		t.Errorf("face events = %d, want 0", len(f.sink.faces))
	}
}

func TestVerifiedModeRequiresObservations(t *testing.T) {
	identities := []vision.EnrolledIdentity{{
		PersonID: "E1", FullName: "P", Active: true,
		Embeddings: [][]float32{embeddingAt(0.9, 8)},
	}}
	query := make([]float32, 8)
	query[0] = 1

	f := newFixture(t, config.PublishVerified, identities, query)

	ctx := context.Background()

	// Two recognition passes: not enough observations for the verifier.
	for i := 0; i < 60; i++ {
		f.core.Tick(ctx)
	}
	if len(f.sink.faces) != 0 {
		t.Fatalf("face events = %d, want 0 before the verification window fills", len(f.sink.faces))
	}

	// Third pass satisfies the three-frame requirement.
	for i := 0; i < 30; i++ {
		f.core.Tick(ctx)
	}
	if len(f.sink.faces) != 1 {
		t.Fatalf("face events = %d, want 1 after three observations", len(f.sink.faces))
	}
	ev := f.sink.faces[0]
	if ev.TrackID == "" {
		t.Error("verified event missing track_id")
	}
	if ev.Decision != vision.DecisionMatch {
		t.Errorf("decision = %v, want MATCH", ev.Decision)
	}
}

func TestStatusAggregation(t *testing.T) {
	f := newFixture(t, config.PublishPerFrame, nil, nil)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.core.Tick(ctx)
	}

	st := f.core.GetStatus()
	if st.CameraID != "camera_01" {
		t.Errorf("CameraID = %q", st.CameraID)
	}
	if st.ProcessedFrames != 5 {
		t.Errorf("ProcessedFrames = %d, want 5", st.ProcessedFrames)
	}
	if st.PublishMode != config.PublishPerFrame {
		t.Errorf("PublishMode = %v", st.PublishMode)
	}

	h := f.core.GetHealth()
	if !h.Connected {
		t.Error("Health.Connected = false with a live source")
	}
	if h.ProcessedFrames != 5 {
		t.Errorf("Health.ProcessedFrames = %d, want 5", h.ProcessedFrames)
	}
}
