package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "faceid",
		Name:      "frames_captured_total",
		Help:      "Total number of frames read from the camera",
	}, []string{"camera_id"})

	FramesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "faceid",
		Name:      "frames_processed_total",
		Help:      "Total number of frames processed by the pipeline",
	}, []string{"camera_id"})

	CaptureErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "faceid",
		Name:      "capture_errors_total",
		Help:      "Total number of camera read/connect errors",
	}, []string{"camera_id"})

	CaptureReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "faceid",
		Name:      "capture_reconnects_total",
		Help:      "Total number of camera reconnect attempts",
	}, []string{"camera_id"})

	PersonsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "faceid",
		Name:      "persons_detected_total",
		Help:      "Total number of person detections",
	}, []string{"camera_id"})

	FacesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "faceid",
		Name:      "faces_detected_total",
		Help:      "Total number of valid face detections",
	}, []string{"camera_id"})

	FacesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "faceid",
		Name:      "faces_rejected_total",
		Help:      "Total number of face detections dropped before recognition",
	}, []string{"reason"})

	FacesMatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "faceid",
		Name:      "faces_matched_total",
		Help:      "Total number of faces matched to an enrolled identity",
	}, []string{"camera_id"})

	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "faceid",
		Name:      "inference_duration_seconds",
		Help:      "Duration of ML inference stages",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"stage"})

	FrameProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "faceid",
		Name:      "frame_processing_duration_seconds",
		Help:      "Wall time of one processing tick",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "faceid",
		Name:      "events_published_total",
		Help:      "Total number of events written to the durable logs",
	}, []string{"log"})

	EventsBuffered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "faceid",
		Name:      "events_buffered_total",
		Help:      "Total number of events diverted to the fallback buffer",
	}, []string{"log"})

	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "faceid",
		Name:      "publish_failures_total",
		Help:      "Total number of event publish failures",
	}, []string{"log"})

	EnrolledIdentities = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "faceid",
		Name:      "enrolled_identities",
		Help:      "Number of active identities in the current enrollment snapshot",
	})

	ActiveTracks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "faceid",
		Name:      "active_tracks",
		Help:      "Number of tracks with retained verification history",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "faceid",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "faceid",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
