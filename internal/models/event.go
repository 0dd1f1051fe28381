package models

import (
	"time"

	"github.com/your-org/faceid/internal/vision"
)

// FaceEvent is the durable-log record for one identified face.
type FaceEvent struct {
	CameraID       string          `json:"camera_id"`
	Timestamp      time.Time       `json:"timestamp"`
	FrameNumber    uint64          `json:"frame_number"`
	PersonID       string          `json:"person_id"`
	FullName       string          `json:"full_name"`
	Similarity     float64         `json:"similarity"`
	VotePercentage float64         `json:"vote_percentage"`
	Decision       vision.Decision `json:"decision"`
	BBox           [4]int          `json:"bbox"` // x1, y1, x2, y2
	Quality        float64         `json:"quality,omitempty"`
	TrackID        string          `json:"track_id,omitempty"`
	SnapshotKey    string          `json:"snapshot_key,omitempty"`
}

// PersonCountEvent is the durable-log record for one processed frame.
type PersonCountEvent struct {
	CameraID    string    `json:"camera_id"`
	Timestamp   time.Time `json:"timestamp"`
	Count       int       `json:"count"`
	FrameNumber uint64    `json:"frame_number"`
}

// Alert is the broadcast record for operator escalation.
type Alert struct {
	Type      string         `json:"type"` // info, warning, critical
	Message   string         `json:"message"`
	Service   string         `json:"service"`
	CameraID  string         `json:"camera_id"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}
