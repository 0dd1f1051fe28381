package vision

import (
	"context"
	"fmt"
	"math"

	ort "github.com/yalue/onnxruntime_go"
)

// ArcFaceExtractor extracts 512-dimensional face embeddings using an ArcFace
// ONNX model (w600k_r50, 112x112 input).
type ArcFaceExtractor struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	inputW       int
	inputH       int
	embDim       int
}

func NewArcFaceExtractor(modelPath string, opts *ort.SessionOptions) (*ArcFaceExtractor, error) {
	inputW, inputH := 112, 112
	embDim := 512

	inputShape := ort.NewShape(1, 3, int64(inputH), int64(inputW))
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputShape := ort.NewShape(1, int64(embDim))
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input.1"},
		[]string{"683"},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		opts,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create embedding session: %w", err)
	}

	return &ArcFaceExtractor{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		inputW:       inputW,
		inputH:       inputH,
		embDim:       embDim,
	}, nil
}

// Extract runs embedding extraction on a face crop and returns an
// L2-normalized vector.
func (e *ArcFaceExtractor) Extract(crop *Frame) ([]float32, error) {
	input := preprocessForEmbedding(crop, e.inputW, e.inputH)
	copy(e.inputTensor.GetData(), input)

	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("run embedding: %w", err)
	}

	embedding := make([]float32, e.embDim)
	copy(embedding, e.outputTensor.GetData())
	normalize(embedding)
	return embedding, nil
}

// EmbeddingDim returns the embedding vector dimension.
func (e *ArcFaceExtractor) EmbeddingDim() int {
	return e.embDim
}

func (e *ArcFaceExtractor) Close() {
	if e.session != nil {
		e.session.Destroy()
	}
	if e.inputTensor != nil {
		e.inputTensor.Destroy()
	}
	if e.outputTensor != nil {
		e.outputTensor.Destroy()
	}
}

// normalize performs L2 normalization in-place.
func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := float32(math.Sqrt(sum))
	if norm > 0 {
		for i := range v {
			v[i] /= norm
		}
	}
}

// AgePredictor predicts age from a face crop using the InsightFace genderage
// head (96x96 input, output [1,3] = female/male logits + normalized age).
type AgePredictor struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	inputW       int
	inputH       int
}

func NewAgePredictor(modelPath string, opts *ort.SessionOptions) (*AgePredictor, error) {
	inputW, inputH := 96, 96

	inputShape := ort.NewShape(1, 3, int64(inputH), int64(inputW))
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputShape := ort.NewShape(1, 3)
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"data"},
		[]string{"fc1"},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		opts,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create age session: %w", err)
	}

	return &AgePredictor{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		inputW:       inputW,
		inputH:       inputH,
	}, nil
}

// Predict returns the estimated age for a face crop.
func (p *AgePredictor) Predict(crop *Frame) (int, error) {
	input := preprocessForAttributes(crop, p.inputW, p.inputH)
	copy(p.inputTensor.GetData(), input)

	if err := p.session.Run(); err != nil {
		return 0, fmt.Errorf("run age prediction: %w", err)
	}

	data := p.outputTensor.GetData()
	if len(data) < 3 {
		return 0, fmt.Errorf("unexpected output size: %d", len(data))
	}
	return int(data[2] * 100), nil
}

func (p *AgePredictor) Close() {
	if p.session != nil {
		p.session.Destroy()
	}
	if p.inputTensor != nil {
		p.inputTensor.Destroy()
	}
	if p.outputTensor != nil {
		p.outputTensor.Destroy()
	}
}

// ONNXEmbedder is the production Embedder: it re-detects the dominant face
// inside the crop, extracts its ArcFace embedding, and estimates age and
// head pose for the quality score.
type ONNXEmbedder struct {
	detector  *RetinaFaceDetector
	extractor *ArcFaceExtractor
	age       *AgePredictor // optional
}

func NewONNXEmbedder(detector *RetinaFaceDetector, extractor *ArcFaceExtractor, age *AgePredictor) *ONNXEmbedder {
	return &ONNXEmbedder{detector: detector, extractor: extractor, age: age}
}

// Embed implements Embedder. Returns (nil, nil) when the crop contains no
// detectable face.
func (e *ONNXEmbedder) Embed(ctx context.Context, crop *Frame) (*FaceDescriptor, error) {
	raw, err := e.detector.detectRaw(crop)
	if err != nil {
		return nil, fmt.Errorf("re-detect in crop: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	// Dominant face = highest re-detection score.
	best := raw[0]
	for _, f := range raw[1:] {
		if f.score > best.score {
			best = f
		}
	}

	faceBox := BoundingBox{
		X1: int(best.box[0]), Y1: int(best.box[1]),
		X2: int(best.box[2]), Y2: int(best.box[3]),
	}.Clip(crop.Width, crop.Height)
	faceCrop, err := crop.Crop(faceBox)
	if err != nil {
		return nil, fmt.Errorf("crop re-detected face: %w", err)
	}

	embedding, err := e.extractor.Extract(faceCrop)
	if err != nil {
		return nil, err
	}

	desc := &FaceDescriptor{
		Embedding: embedding,
		DetScore:  float64(best.score),
		Pose:      poseFromLandmarks(best.landmarks, faceBox),
	}

	if e.age != nil {
		if age, err := e.age.Predict(faceCrop); err == nil {
			desc.Age = age
		}
	}
	return desc, nil
}

func (e *ONNXEmbedder) Close() {
	if e.extractor != nil {
		e.extractor.Close()
	}
	if e.age != nil {
		e.age.Close()
	}
}

// poseFromLandmarks derives a coarse (pitch, yaw, roll) estimate in degrees
// from the 5-point landmarks. Good enough to penalize clearly non-frontal
// faces in the quality score; not a head-pose solver.
func poseFromLandmarks(lm [5][2]float32, box BoundingBox) [3]float64 {
	leftEye, rightEye, nose := lm[0], lm[1], lm[2]
	mouthL, mouthR := lm[3], lm[4]

	// Roll: slope of the eye line.
	roll := math.Atan2(float64(rightEye[1]-leftEye[1]), float64(rightEye[0]-leftEye[0])) * 180 / math.Pi

	eyeMidX := float64(leftEye[0]+rightEye[0]) / 2
	eyeMidY := float64(leftEye[1]+rightEye[1]) / 2
	eyeDist := math.Hypot(float64(rightEye[0]-leftEye[0]), float64(rightEye[1]-leftEye[1]))
	if eyeDist < 1 {
		eyeDist = 1
	}

	// Yaw: horizontal nose offset from the eye midpoint, normalized by eye
	// distance. A frontal face keeps the nose centered.
	yaw := (float64(nose[0]) - eyeMidX) / eyeDist * 90
	yaw = math.Max(-90, math.Min(90, yaw))

	// Pitch: vertical nose position between the eye line and the mouth line.
	mouthMidY := float64(mouthL[1]+mouthR[1]) / 2
	span := mouthMidY - eyeMidY
	if math.Abs(span) < 1 {
		span = 1
	}
	pitch := ((float64(nose[1])-eyeMidY)/span - 0.5) * 2 * 45
	pitch = math.Max(-90, math.Min(90, pitch))

	return [3]float64{pitch, yaw, roll}
}
