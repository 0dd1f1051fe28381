package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/your-org/faceid/internal/observability"
	"github.com/your-org/faceid/internal/vision"
)

// Source produces JPEG frames from a stream URL. Run blocks until the
// context is cancelled, the stream ends, or the callback fails.
type Source interface {
	Run(ctx context.Context, streamURL string, callback JPEGCallback) error
	Stop()
}

// AlertSink receives operator escalation alerts from the capture worker.
type AlertSink interface {
	Alert(level, message string, metadata map[string]any)
}

// Status is a point-in-time snapshot of the capture state.
type Status struct {
	CameraID          string     `json:"camera_id"`
	Connected         bool       `json:"connected"`
	Running           bool       `json:"running"`
	FrameCount        uint64     `json:"frame_count"`
	ErrorCount        uint64     `json:"error_count"`
	RetryCount        uint64     `json:"retry_count"`
	LastFrameTime     *time.Time `json:"last_frame_time,omitempty"`
	CurrentRetryDelay float64    `json:"current_retry_delay"`
}

// Capture bridges a blocking network video source into the processing path.
// One worker goroutine owns the source and is the sole writer of the
// latest-frame slot; ReadLatest never blocks on the network.
type Capture struct {
	cameraID     string
	streamURL    string
	source       Source
	alerts       AlertSink
	initialDelay time.Duration
	maxDelay     time.Duration

	mu            sync.Mutex
	frame         *vision.Frame
	frameCount    uint64
	errorCount    uint64
	retryCount    uint64
	lastFrameTime time.Time
	connected     bool
	retryDelay    time.Duration

	running bool
	stop    chan struct{}
	done    chan struct{}

	sleep func(d time.Duration, abort <-chan struct{}) bool
}

// New creates a capture for one camera. alerts may be nil.
func New(cameraID, streamURL string, source Source, alerts AlertSink, initialDelay, maxDelay time.Duration) *Capture {
	return &Capture{
		cameraID:     cameraID,
		streamURL:    streamURL,
		source:       source,
		alerts:       alerts,
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		retryDelay:   initialDelay,
		sleep:        interruptibleSleep,
	}
}

// Start spawns the capture worker. Idempotent.
func (c *Capture) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		slog.Warn("capture already running", "camera_id", c.cameraID)
		return
	}
	c.running = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.captureLoop()
	slog.Info("capture started", "camera_id", c.cameraID, "url", c.streamURL)
}

// Stop signals the worker, aborts any backoff sleep promptly, and joins it
// with a bounded grace period.
func (c *Capture) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stop)
	done := c.done
	c.mu.Unlock()

	c.source.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		slog.Warn("capture worker did not stop in time", "camera_id", c.cameraID)
	}

	c.mu.Lock()
	frames, errors := c.frameCount, c.errorCount
	c.connected = false
	c.mu.Unlock()

	slog.Info("capture stopped",
		"camera_id", c.cameraID,
		"total_frames", frames,
		"total_errors", errors,
	)
}

// ReadLatest returns a copy of the most recent frame, or (nil, false) if no
// frame has ever arrived. O(1) and non-blocking.
func (c *Capture) ReadLatest() (*vision.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frame == nil {
		return nil, false
	}
	return c.frame.Clone(), true
}

// GetStatus returns a snapshot of the capture state.
func (c *Capture) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		CameraID:          c.cameraID,
		Connected:         c.connected,
		Running:           c.running,
		FrameCount:        c.frameCount,
		ErrorCount:        c.errorCount,
		RetryCount:        c.retryCount,
		CurrentRetryDelay: c.retryDelay.Seconds(),
	}
	if !c.lastFrameTime.IsZero() {
		t := c.lastFrameTime
		st.LastFrameTime = &t
	}
	return st
}

// captureLoop runs the source until stopped, absorbing every I/O failure
// into the reconnect state machine.
func (c *Capture) captureLoop() {
	defer close(c.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.stop
		cancel()
	}()

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		err := c.source.Run(ctx, c.streamURL, c.onJPEGFrame)

		c.mu.Lock()
		c.connected = false
		stopped := !c.running
		c.mu.Unlock()

		if stopped || ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		c.errorCount++
		c.mu.Unlock()
		observability.CaptureErrors.WithLabelValues(c.cameraID).Inc()

		slog.Error("stream read failed",
			"camera_id", c.cameraID,
			"error", err,
		)

		if !c.handleConnectionFailure() {
			return
		}
	}
}

// onJPEGFrame decodes one JPEG frame into the latest-frame slot. A decode
// failure is a corrupt frame: the error propagates and forces reconnect.
func (c *Capture) onJPEGFrame(data []byte) error {
	frame, err := decodeJPEGToBGR(data)
	if err != nil {
		return fmt.Errorf("corrupt frame: %w", err)
	}

	c.mu.Lock()
	c.frameCount++
	frame.Seq = c.frameCount
	frame.Timestamp = time.Now()
	c.frame = frame
	c.lastFrameTime = frame.Timestamp

	wasConnected := c.connected
	c.connected = true
	recoveredErrors := c.errorCount
	c.errorCount = 0
	c.retryCount = 0
	c.retryDelay = c.initialDelay
	c.mu.Unlock()

	observability.FramesCaptured.WithLabelValues(c.cameraID).Inc()

	if !wasConnected && recoveredErrors > 0 {
		slog.Info("stream recovered",
			"camera_id", c.cameraID,
			"previous_errors", recoveredErrors,
		)
	}
	return nil
}

// handleConnectionFailure escalates alerts at retry thresholds, sleeps the
// current backoff delay, and grows it by 1.5x up to the cap. Returns false
// when the sleep was aborted by Stop.
func (c *Capture) handleConnectionFailure() bool {
	c.mu.Lock()
	c.retryCount++
	retries := c.retryCount
	delay := c.retryDelay

	next := c.retryDelay * 3 / 2
	if next > c.maxDelay {
		next = c.maxDelay
	}
	c.retryDelay = next
	c.mu.Unlock()

	observability.CaptureReconnects.WithLabelValues(c.cameraID).Inc()

	switch retries {
	case 3:
		msg := fmt.Sprintf("Camera %s offline for 3 attempts", c.cameraID)
		slog.Warn("camera offline", "camera_id", c.cameraID, "retry_count", retries)
		if c.alerts != nil {
			c.alerts.Alert("warning", msg, map[string]any{"retry_count": retries})
		}
	case 10:
		msg := fmt.Sprintf("Camera %s CRITICAL - offline for 10 attempts", c.cameraID)
		slog.Error("camera offline critical", "camera_id", c.cameraID, "retry_count", retries)
		if c.alerts != nil {
			c.alerts.Alert("critical", msg, map[string]any{"retry_count": retries})
		}
	}

	slog.Info("retry scheduled",
		"camera_id", c.cameraID,
		"retry_count", retries,
		"delay", delay.Seconds(),
	)

	return c.sleep(delay, c.stop)
}

// interruptibleSleep waits d or until abort closes. Returns false on abort.
func interruptibleSleep(d time.Duration, abort <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-abort:
		return false
	}
}
