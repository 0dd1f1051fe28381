package vision

import (
	"fmt"
)

// Track is a hypothesized physical person persistent across frames.
type Track struct {
	ID              string
	BBox            BoundingBox
	Confidence      float64
	Hits            int
	TimeSinceUpdate int // frames since last detection match
}

// Tracker assigns stable track IDs to face detections by greedy IoU matching,
// SORT-style. It supplies the track_id contract the temporal verifier needs
// when verified publishing is enabled.
type Tracker struct {
	tracks map[string]*Track
	nextID int
	maxAge int // frames without a match before a track is dropped
	iouMin float64
	prefix string
}

func NewTracker(prefix string, maxAge int) *Tracker {
	return &Tracker{
		tracks: make(map[string]*Track),
		maxAge: maxAge,
		iouMin: 0.3,
		prefix: prefix,
	}
}

// Assign matches detections to existing tracks and opens new tracks for
// unmatched ones. The returned slice is parallel to detections.
func (t *Tracker) Assign(detections []Detection) []*Track {
	for _, tr := range t.tracks {
		tr.TimeSinceUpdate++
	}

	assigned := make([]*Track, len(detections))
	matched := make(map[string]bool)

	for i, det := range detections {
		bestIoU := t.iouMin
		var bestTrack *Track
		for _, tr := range t.tracks {
			if matched[tr.ID] {
				continue
			}
			if iou := det.BBox.IoU(tr.BBox); iou > bestIoU {
				bestIoU = iou
				bestTrack = tr
			}
		}

		if bestTrack != nil {
			bestTrack.BBox = det.BBox
			bestTrack.Confidence = det.Confidence
			bestTrack.Hits++
			bestTrack.TimeSinceUpdate = 0
			matched[bestTrack.ID] = true
			assigned[i] = bestTrack
			continue
		}

		t.nextID++
		tr := &Track{
			ID:         fmt.Sprintf("%s_%d", t.prefix, t.nextID),
			BBox:       det.BBox,
			Confidence: det.Confidence,
			Hits:       1,
		}
		t.tracks[tr.ID] = tr
		assigned[i] = tr
	}

	for id, tr := range t.tracks {
		if tr.TimeSinceUpdate > t.maxAge {
			delete(t.tracks, id)
		}
	}

	return assigned
}

// TrackCount returns the number of live tracks.
func (t *Tracker) TrackCount() int {
	return len(t.tracks)
}
