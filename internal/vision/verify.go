package vision

import (
	"log/slog"
	"time"
)

// TrackObservation is one per-frame decision attributed to a track.
type TrackObservation struct {
	TrackID   string
	Timestamp time.Time
	Decision  FrameDecision
}

// Verifier confirms an identity across multiple time-spaced observations of
// the same track, rejecting transient single-frame false positives. Track
// identifiers are supplied by the caller and must be stable across the
// verification window.
type Verifier struct {
	frames     int           // observations required
	interval   time.Duration // expected spacing between observations
	historyTTL time.Duration

	history map[string][]TrackObservation
	now     func() time.Time
}

func NewVerifier(frames int, interval, historyTTL time.Duration) *Verifier {
	return &Verifier{
		frames:     frames,
		interval:   interval,
		historyTTL: historyTTL,
		history:    make(map[string][]TrackObservation),
		now:        time.Now,
	}
}

// Add appends an observation for the track. History per track is bounded at
// twice the verification frame count; overflow drops the oldest entry.
func (v *Verifier) Add(trackID string, decision FrameDecision, timestamp time.Time) {
	if timestamp.IsZero() {
		timestamp = v.now()
	}

	obs := TrackObservation{TrackID: trackID, Timestamp: timestamp, Decision: decision}
	h := append(v.history[trackID], obs)
	if maxLen := v.frames * 2; len(h) > maxLen {
		h = h[len(h)-maxLen:]
	}
	v.history[trackID] = h
}

// Verify returns the cross-frame decision for the track, or (zero, false)
// when fewer than the required observations fall inside the recency window.
func (v *Verifier) Verify(trackID string) (FrameDecision, bool) {
	h := v.history[trackID]
	if len(h) < v.frames {
		return FrameDecision{}, false
	}

	// Most recent observations inside the window, newest first.
	now := v.now()
	maxAge := time.Duration(v.frames-1)*v.interval + 5*time.Second
	var recent []TrackObservation
	for i := len(h) - 1; i >= 0 && len(recent) < v.frames; i-- {
		if now.Sub(h[i].Timestamp) > maxAge {
			continue
		}
		recent = append(recent, h[i])
	}
	if len(recent) < v.frames {
		return FrameDecision{}, false
	}

	if len(recent) >= 2 {
		var total time.Duration
		for i := 0; i < len(recent)-1; i++ {
			d := recent[i].Timestamp.Sub(recent[i+1].Timestamp)
			if d < 0 {
				d = -d
			}
			total += d
		}
		avg := total / time.Duration(len(recent)-1)
		if avg < v.interval/2 {
			slog.Warn("verification frames too close",
				"track_id", trackID,
				"avg_interval", avg.Seconds(),
				"expected", v.interval.Seconds(),
			)
		}
	}

	return v.voteAcrossFrames(recent), true
}

// voteAcrossFrames runs a majority vote over the window. Only MATCH
// observations count; the winning identity needs more than half of the
// window's frames to confirm.
func (v *Verifier) voteAcrossFrames(recent []TrackObservation) FrameDecision {
	type tally struct {
		votes  int
		simSum float64
		name   string
		newest time.Time
	}
	votes := make(map[string]*tally)

	for _, obs := range recent {
		if obs.Decision.Decision != DecisionMatch {
			continue
		}
		t := votes[obs.Decision.PersonID]
		if t == nil {
			t = &tally{name: obs.Decision.FullName}
			votes[obs.Decision.PersonID] = t
		}
		t.votes++
		t.simSum += obs.Decision.Similarity
		if obs.Timestamp.After(t.newest) {
			t.newest = obs.Timestamp
		}
	}

	total := len(recent)
	if len(votes) == 0 {
		return FrameDecision{
			TotalEmbeddings: total,
			Decision:        DecisionNoMatch,
		}
	}

	var bestID string
	var best *tally
	for id, t := range votes {
		if best == nil || t.votes > best.votes ||
			(t.votes == best.votes && t.newest.After(best.newest)) {
			bestID = id
			best = t
		}
	}

	ratio := float64(best.votes) / float64(total)
	decision := DecisionNoMatch
	if ratio > 0.5 {
		decision = DecisionMatch
	}

	return FrameDecision{
		PersonID:        bestID,
		FullName:        best.name,
		Similarity:      best.simSum / float64(best.votes),
		VoteCount:       best.votes,
		TotalEmbeddings: total,
		VotePercentage:  ratio,
		Decision:        decision,
	}
}

// Reap evicts tracks whose newest observation is older than the history TTL.
// Invoked opportunistically from the processing loop.
func (v *Verifier) Reap() int {
	now := v.now()
	removed := 0
	for id, h := range v.history {
		if len(h) == 0 || now.Sub(h[len(h)-1].Timestamp) > v.historyTTL {
			delete(v.history, id)
			removed++
		}
	}
	return removed
}

// ActiveTracks returns the number of tracks with retained history.
func (v *Verifier) ActiveTracks() int {
	return len(v.history)
}
