package vision

import (
	"fmt"
	"time"
)

// Frame is a decoded video frame in BGR byte order, 3 bytes per pixel.
// Seq is the capture sequence number assigned by the stream capture worker.
type Frame struct {
	Pix       []byte
	Width     int
	Height    int
	Seq       uint64
	Timestamp time.Time
}

// NewFrame allocates a zeroed BGR frame.
func NewFrame(width, height int) *Frame {
	return &Frame{
		Pix:    make([]byte, width*height*3),
		Width:  width,
		Height: height,
	}
}

// Clone returns a deep copy of the frame. Readers of the latest-frame slot
// receive clones so the capture worker can keep overwriting its buffer.
func (f *Frame) Clone() *Frame {
	pix := make([]byte, len(f.Pix))
	copy(pix, f.Pix)
	return &Frame{
		Pix:       pix,
		Width:     f.Width,
		Height:    f.Height,
		Seq:       f.Seq,
		Timestamp: f.Timestamp,
	}
}

// At returns the B, G, R bytes at pixel (x, y). No bounds checking.
func (f *Frame) At(x, y int) (byte, byte, byte) {
	off := (y*f.Width + x) * 3
	return f.Pix[off], f.Pix[off+1], f.Pix[off+2]
}

// Crop copies the region r (clipped to frame bounds) into a new frame.
// Returns an error if the clipped region is empty.
func (f *Frame) Crop(r BoundingBox) (*Frame, error) {
	r = r.Clip(f.Width, f.Height)
	if r.Width() <= 0 || r.Height() <= 0 {
		return nil, fmt.Errorf("empty crop region %v", r)
	}

	out := NewFrame(r.Width(), r.Height())
	out.Seq = f.Seq
	out.Timestamp = f.Timestamp
	for y := 0; y < r.Height(); y++ {
		srcOff := ((r.Y1+y)*f.Width + r.X1) * 3
		dstOff := y * r.Width() * 3
		copy(out.Pix[dstOff:dstOff+r.Width()*3], f.Pix[srcOff:srcOff+r.Width()*3])
	}
	return out, nil
}

// BoundingBox is an integer pixel rectangle with X1 < X2 and Y1 < Y2.
type BoundingBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

func (b BoundingBox) Width() int  { return b.X2 - b.X1 }
func (b BoundingBox) Height() int { return b.Y2 - b.Y1 }
func (b BoundingBox) Area() int   { return b.Width() * b.Height() }

// Center returns the box center point (cx, cy).
func (b BoundingBox) Center() (int, int) {
	return b.X1 + b.Width()/2, b.Y1 + b.Height()/2
}

// Clip constrains the box to [0,w)×[0,h).
func (b BoundingBox) Clip(w, h int) BoundingBox {
	if b.X1 < 0 {
		b.X1 = 0
	}
	if b.Y1 < 0 {
		b.Y1 = 0
	}
	if b.X2 > w {
		b.X2 = w
	}
	if b.Y2 > h {
		b.Y2 = h
	}
	b.X1 = min(b.X1, w)
	b.Y1 = min(b.Y1, h)
	b.X2 = max(b.X2, 0)
	b.Y2 = max(b.Y2, 0)
	return b
}

// Expand grows the box by margin (fraction of width/height) on every side.
func (b BoundingBox) Expand(margin float64) BoundingBox {
	mw := int(float64(b.Width()) * margin)
	mh := int(float64(b.Height()) * margin)
	return BoundingBox{X1: b.X1 - mw, Y1: b.Y1 - mh, X2: b.X2 + mw, Y2: b.Y2 + mh}
}

// IoU computes intersection-over-union between two boxes.
func (b BoundingBox) IoU(o BoundingBox) float64 {
	x1 := max(b.X1, o.X1)
	y1 := max(b.Y1, o.Y1)
	x2 := min(b.X2, o.X2)
	y2 := min(b.Y2, o.Y2)

	iw := x2 - x1
	ih := y2 - y1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Class tags what a detection is.
type Class string

const (
	ClassPerson Class = "person"
	ClassFace   Class = "face"
)

// Detection is one detector hit: a clipped bounding box with confidence.
type Detection struct {
	BBox       BoundingBox
	Confidence float64
	Class      Class
}

// ValidFaceSize reports whether the detection is large enough for recognition.
func (d Detection) ValidFaceSize(minSize int) bool {
	return d.BBox.Width() >= minSize && d.BBox.Height() >= minSize
}
