package vision

import (
	"context"
	"fmt"
	"math"
	"sort"

	ort "github.com/yalue/onnxruntime_go"
)

// rawFace is one undecoded RetinaFace hit with its landmarks.
type rawFace struct {
	box       [4]float32 // x1, y1, x2, y2 in source pixels
	score     float32
	landmarks [5][2]float32 // eyes, nose, mouth corners
}

// RetinaFaceDetector runs RetinaFace (det_10g) face detection via ONNX
// Runtime. It implements FaceDetector and also backs the embedder's in-crop
// re-detection.
type RetinaFaceDetector struct {
	session       *ort.AdvancedSession
	inputTensor   *ort.Tensor[float32]
	outputTensors []*ort.Tensor[float32]
	threshold     float32
	inputW        int
	inputH        int
}

// stride configuration for det_10g
var retinaStrides = []int{8, 16, 32}

// anchors per pixel at each stride
const anchorsPerStride = 2

// NewRetinaFaceDetector loads the det_10g ONNX model.
// opts may be nil (ORT defaults) or a pre-configured *ort.SessionOptions.
func NewRetinaFaceDetector(modelPath string, threshold float64, opts *ort.SessionOptions) (*RetinaFaceDetector, error) {
	inputW, inputH := 640, 640

	inputShape := ort.NewShape(1, 3, int64(inputH), int64(inputW))
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	// det_10g output shapes (no batch dimension):
	// scores:    [12800,1] [3200,1] [800,1]     -> stride 8, 16, 32
	// bboxes:    [12800,4] [3200,4] [800,4]
	// landmarks: [12800,10] [3200,10] [800,10]
	type outputSpec struct {
		name  string
		shape ort.Shape
	}
	outputs := []outputSpec{
		{"448", ort.NewShape(12800, 1)},
		{"471", ort.NewShape(3200, 1)},
		{"494", ort.NewShape(800, 1)},
		{"451", ort.NewShape(12800, 4)},
		{"474", ort.NewShape(3200, 4)},
		{"497", ort.NewShape(800, 4)},
		{"454", ort.NewShape(12800, 10)},
		{"477", ort.NewShape(3200, 10)},
		{"500", ort.NewShape(800, 10)},
	}

	outputNames := make([]string, len(outputs))
	outputTensors := make([]*ort.Tensor[float32], len(outputs))
	outputValues := make([]ort.Value, len(outputs))

	for i, spec := range outputs {
		outputNames[i] = spec.name
		t, err := ort.NewEmptyTensor[float32](spec.shape)
		if err != nil {
			for j := 0; j < i; j++ {
				outputTensors[j].Destroy()
			}
			inputTensor.Destroy()
			return nil, fmt.Errorf("create output tensor %d (%s): %w", i, spec.name, err)
		}
		outputTensors[i] = t
		outputValues[i] = t
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input.1"},
		outputNames,
		[]ort.Value{inputTensor},
		outputValues,
		opts,
	)
	if err != nil {
		inputTensor.Destroy()
		for _, t := range outputTensors {
			t.Destroy()
		}
		return nil, fmt.Errorf("create face detector session: %w", err)
	}

	return &RetinaFaceDetector{
		session:       session,
		inputTensor:   inputTensor,
		outputTensors: outputTensors,
		threshold:     float32(threshold),
		inputW:        inputW,
		inputH:        inputH,
	}, nil
}

// DetectFaces implements FaceDetector.
func (d *RetinaFaceDetector) DetectFaces(ctx context.Context, frame *Frame) ([]Detection, error) {
	raw, err := d.detectRaw(frame)
	if err != nil {
		return nil, err
	}

	out := make([]Detection, 0, len(raw))
	for _, rf := range raw {
		out = append(out, Detection{
			BBox: BoundingBox{
				X1: int(rf.box[0]), Y1: int(rf.box[1]),
				X2: int(rf.box[2]), Y2: int(rf.box[3]),
			}.Clip(frame.Width, frame.Height),
			Confidence: float64(rf.score),
			Class:      ClassFace,
		})
	}
	return out, nil
}

// detectRaw runs one inference pass and returns NMS-filtered raw faces with
// landmarks in source-frame coordinates.
func (d *RetinaFaceDetector) detectRaw(frame *Frame) ([]rawFace, error) {
	input := preprocessForDetection(frame, d.inputW, d.inputH)
	copy(d.inputTensor.GetData(), input)

	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("run face detection: %w", err)
	}

	faces := d.parseDetections(frame.Width, frame.Height)
	return nmsFaces(faces, 0.4), nil
}

// parseDetections decodes anchor-based outputs at strides 8, 16, 32.
func (d *RetinaFaceDetector) parseDetections(origW, origH int) []rawFace {
	var faces []rawFace

	scaleW := float32(origW) / float32(d.inputW)
	scaleH := float32(origH) / float32(d.inputH)

	for si, stride := range retinaStrides {
		scores := d.outputTensors[si].GetData()
		bboxes := d.outputTensors[si+3].GetData()
		landmarks := d.outputTensors[si+6].GetData()

		fmW := d.inputW / stride
		fmH := d.inputH / stride

		idx := 0
		for cy := 0; cy < fmH; cy++ {
			for cx := 0; cx < fmW; cx++ {
				for a := 0; a < anchorsPerStride; a++ {
					score := scores[idx]
					if score >= d.threshold {
						anchorX := float32(cx) * float32(stride)
						anchorY := float32(cy) * float32(stride)
						st := float32(stride)

						// bbox regression is distance from anchor to edges
						x1 := (anchorX - bboxes[idx*4+0]*st) * scaleW
						y1 := (anchorY - bboxes[idx*4+1]*st) * scaleH
						x2 := (anchorX + bboxes[idx*4+2]*st) * scaleW
						y2 := (anchorY + bboxes[idx*4+3]*st) * scaleH

						var lm [5][2]float32
						for li := 0; li < 5; li++ {
							lm[li][0] = (anchorX + landmarks[idx*10+li*2]*st) * scaleW
							lm[li][1] = (anchorY + landmarks[idx*10+li*2+1]*st) * scaleH
						}

						faces = append(faces, rawFace{
							box: [4]float32{
								clampF(x1, 0, float32(origW)),
								clampF(y1, 0, float32(origH)),
								clampF(x2, 0, float32(origW)),
								clampF(y2, 0, float32(origH)),
							},
							score:     score,
							landmarks: lm,
						})
					}
					idx++
				}
			}
		}
	}
	return faces
}

func (d *RetinaFaceDetector) Close() {
	if d.session != nil {
		d.session.Destroy()
	}
	if d.inputTensor != nil {
		d.inputTensor.Destroy()
	}
	for _, t := range d.outputTensors {
		if t != nil {
			t.Destroy()
		}
	}
}

// nmsFaces performs non-maximum suppression on raw faces.
func nmsFaces(faces []rawFace, iouThreshold float32) []rawFace {
	if len(faces) == 0 {
		return faces
	}

	sort.Slice(faces, func(i, j int) bool {
		return faces[i].score > faces[j].score
	})

	keep := make([]bool, len(faces))
	for i := range keep {
		keep[i] = true
	}
	for i := 0; i < len(faces); i++ {
		if !keep[i] {
			continue
		}
		for j := i + 1; j < len(faces); j++ {
			if keep[j] && iouF(faces[i].box, faces[j].box) > iouThreshold {
				keep[j] = false
			}
		}
	}

	var out []rawFace
	for i, f := range faces {
		if keep[i] {
			out = append(out, f)
		}
	}
	return out
}

func iouF(a, b [4]float32) float32 {
	x1 := float32(math.Max(float64(a[0]), float64(b[0])))
	y1 := float32(math.Max(float64(a[1]), float64(b[1])))
	x2 := float32(math.Min(float64(a[2]), float64(b[2])))
	y2 := float32(math.Min(float64(a[3]), float64(b[3])))

	inter := float32(math.Max(0, float64(x2-x1))) * float32(math.Max(0, float64(y2-y1)))
	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func clampF(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
