package vision

import (
	"context"
	"log/slog"

	"github.com/your-org/faceid/internal/observability"
)

// PersonDetector locates people in a full frame.
type PersonDetector interface {
	DetectPersons(ctx context.Context, frame *Frame) ([]Detection, error)
}

// FaceDetector locates faces in a full frame.
type FaceDetector interface {
	DetectFaces(ctx context.Context, frame *Frame) ([]Detection, error)
}

// Embedder re-detects the dominant face inside a crop and returns its
// descriptor, or (nil, nil) when no face is found in the crop.
type Embedder interface {
	Embed(ctx context.Context, crop *Frame) (*FaceDescriptor, error)
}

// FaceDescriptor is the Embedder output for one face.
type FaceDescriptor struct {
	Embedding []float32  // L2-normalized, dimension EmbeddingDim
	DetScore  float64    // detector confidence inside the crop
	Age       int        // estimated age, 0 when unavailable
	Pose      [3]float64 // pitch, yaw, roll in degrees
}

// DetectionStage filters raw detector output by confidence and face size
// and produces margin-expanded face crops.
type DetectionStage struct {
	persons PersonDetector
	faces   FaceDetector

	personConfThreshold float64
	faceConfThreshold   float64
	minFaceSize         int
	cropMargin          float64
}

func NewDetectionStage(persons PersonDetector, faces FaceDetector, personConf, faceConf float64, minFaceSize int, cropMargin float64) *DetectionStage {
	return &DetectionStage{
		persons:             persons,
		faces:               faces,
		personConfThreshold: personConf,
		faceConfThreshold:   faceConf,
		minFaceSize:         minFaceSize,
		cropMargin:          cropMargin,
	}
}

// DetectPersons returns detections tagged person with confidence above the
// person threshold, clipped to frame bounds.
func (s *DetectionStage) DetectPersons(ctx context.Context, frame *Frame) ([]Detection, error) {
	raw, err := s.persons.DetectPersons(ctx, frame)
	if err != nil {
		return nil, err
	}

	var out []Detection
	for _, d := range raw {
		if d.Class != ClassPerson || d.Confidence < s.personConfThreshold {
			continue
		}
		d.BBox = d.BBox.Clip(frame.Width, frame.Height)
		out = append(out, d)
	}
	return out, nil
}

// DetectFaces returns face detections above the face confidence threshold
// that also satisfy the minimum face size. Undersized faces are logged and
// dropped.
func (s *DetectionStage) DetectFaces(ctx context.Context, frame *Frame) ([]Detection, error) {
	raw, err := s.faces.DetectFaces(ctx, frame)
	if err != nil {
		return nil, err
	}

	var out []Detection
	for _, d := range raw {
		if d.Confidence < s.faceConfThreshold {
			continue
		}
		d.BBox = d.BBox.Clip(frame.Width, frame.Height)
		if !d.ValidFaceSize(s.minFaceSize) {
			slog.Debug("face too small",
				"width", d.BBox.Width(),
				"height", d.BBox.Height(),
				"min_size", s.minFaceSize,
			)
			observability.FacesRejected.WithLabelValues("too_small").Inc()
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// CropFace expands the detection box by the configured margin, clips it to
// frame bounds, and copies the region. Returns (nil, error) if the clipped
// region is degenerate.
func (s *DetectionStage) CropFace(frame *Frame, det Detection) (*Frame, error) {
	return frame.Crop(det.BBox.Expand(s.cropMargin))
}

// EmbeddingStage runs the Embedder on face crops and scores quality.
type EmbeddingStage struct {
	embedder Embedder
}

func NewEmbeddingStage(embedder Embedder) *EmbeddingStage {
	return &EmbeddingStage{embedder: embedder}
}

// FaceEmbedding is the embedding for one valid face plus its quality score.
// Quality is recorded but does not gate matching.
type FaceEmbedding struct {
	Descriptor FaceDescriptor
	Quality    float64
}

// Embed extracts the embedding for one face crop. Returns (nil, nil) when the
// embedder finds no face in the crop; the face is dropped from this frame.
func (s *EmbeddingStage) Embed(ctx context.Context, crop *Frame) (*FaceEmbedding, error) {
	desc, err := s.embedder.Embed(ctx, crop)
	if err != nil {
		return nil, err
	}
	if desc == nil {
		return nil, nil
	}
	return &FaceEmbedding{
		Descriptor: *desc,
		Quality:    qualityScore(desc),
	}, nil
}

// qualityScore combines detector confidence, age plausibility, and head pose
// into a [0,1] score. Extreme ages and large pose angles are penalized.
func qualityScore(d *FaceDescriptor) float64 {
	score := d.DetScore

	if d.Age != 0 && (d.Age < 10 || d.Age > 80) {
		score *= 0.8
	}

	maxAngle := 0.0
	for _, a := range d.Pose {
		if a < 0 {
			a = -a
		}
		if a > maxAngle {
			maxAngle = a
		}
	}
	if maxAngle > 30 {
		score *= 0.7
	} else if maxAngle > 15 {
		score *= 0.9
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}
