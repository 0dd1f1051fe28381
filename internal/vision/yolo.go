package vision

import (
	"context"
	"fmt"
	"sort"

	ort "github.com/yalue/onnxruntime_go"
)

// YOLOPersonDetector runs a YOLO-family ONNX model for person detection.
// Expects the ultralytics export layout: output [1, 4+classes, anchors] with
// box centers in input pixels.
type YOLOPersonDetector struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	threshold    float32
	inputW       int
	inputH       int
	numClasses   int
	numAnchors   int
}

// COCO class 0 is person.
const yoloPersonClass = 0

// NewYOLOPersonDetector loads a YOLO ONNX model (e.g. yolo11n).
func NewYOLOPersonDetector(modelPath string, threshold float64, opts *ort.SessionOptions) (*YOLOPersonDetector, error) {
	inputW, inputH := 640, 640
	numClasses := 80
	numAnchors := 8400

	inputShape := ort.NewShape(1, 3, int64(inputH), int64(inputW))
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputShape := ort.NewShape(1, int64(4+numClasses), int64(numAnchors))
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		opts,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create person detector session: %w", err)
	}

	return &YOLOPersonDetector{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		threshold:    float32(threshold),
		inputW:       inputW,
		inputH:       inputH,
		numClasses:   numClasses,
		numAnchors:   numAnchors,
	}, nil
}

// DetectPersons implements PersonDetector.
func (d *YOLOPersonDetector) DetectPersons(ctx context.Context, frame *Frame) ([]Detection, error) {
	input := preprocessForYOLO(frame, d.inputW, d.inputH)
	copy(d.inputTensor.GetData(), input)

	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("run person detection: %w", err)
	}

	out := d.outputTensor.GetData()
	scaleW := float32(frame.Width) / float32(d.inputW)
	scaleH := float32(frame.Height) / float32(d.inputH)

	// Row layout: [cx, cy, w, h, class0..class79] × anchors, transposed.
	var boxes []rawFace
	for a := 0; a < d.numAnchors; a++ {
		score := out[(4+yoloPersonClass)*d.numAnchors+a]
		if score < d.threshold {
			continue
		}
		cx := out[0*d.numAnchors+a]
		cy := out[1*d.numAnchors+a]
		w := out[2*d.numAnchors+a]
		h := out[3*d.numAnchors+a]

		boxes = append(boxes, rawFace{
			box: [4]float32{
				clampF((cx-w/2)*scaleW, 0, float32(frame.Width)),
				clampF((cy-h/2)*scaleH, 0, float32(frame.Height)),
				clampF((cx+w/2)*scaleW, 0, float32(frame.Width)),
				clampF((cy+h/2)*scaleH, 0, float32(frame.Height)),
			},
			score: score,
		})
	}

	boxes = nmsFaces(boxes, 0.45)
	sort.Slice(boxes, func(i, j int) bool { return boxes[i].score > boxes[j].score })

	detections := make([]Detection, 0, len(boxes))
	for _, b := range boxes {
		detections = append(detections, Detection{
			BBox: BoundingBox{
				X1: int(b.box[0]), Y1: int(b.box[1]),
				X2: int(b.box[2]), Y2: int(b.box[3]),
			}.Clip(frame.Width, frame.Height),
			Confidence: float64(b.score),
			Class:      ClassPerson,
		})
	}
	return detections, nil
}

func (d *YOLOPersonDetector) Close() {
	if d.session != nil {
		d.session.Destroy()
	}
	if d.inputTensor != nil {
		d.inputTensor.Destroy()
	}
	if d.outputTensor != nil {
		d.outputTensor.Destroy()
	}
}
