package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/faceid/internal/api"
	"github.com/your-org/faceid/internal/api/ws"
	"github.com/your-org/faceid/internal/capture"
	"github.com/your-org/faceid/internal/config"
	"github.com/your-org/faceid/internal/core"
	"github.com/your-org/faceid/internal/enroll"
	"github.com/your-org/faceid/internal/events"
	"github.com/your-org/faceid/internal/observability"
	"github.com/your-org/faceid/internal/storage"
	"github.com/your-org/faceid/internal/vision"
)

const serviceName = "face-identification-service"

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting face identification service",
		"camera_id", cfg.Camera.ID,
		"publish_mode", cfg.Recognition.PublishMode,
		"cpu_cores", runtime.NumCPU(),
	)

	// Initialize ONNX Runtime
	ort.SetSharedLibraryPath(getONNXLibPath())
	if err := ort.InitializeEnvironment(); err != nil {
		slog.Error("init onnx runtime", "error", err)
		os.Exit(1)
	}
	defer ort.DestroyEnvironment()

	// Event transport (publisher first: everything downstream reports into it)
	transport, err := events.NewNATSTransport(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats", "error", err)
		os.Exit(1)
	}
	defer transport.Close()

	if err := transport.EnsureStreams(context.Background(), cfg.NATS.PrimaryLogMaxLen, cfg.NATS.MaxBufferSize); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	publisher := events.NewPublisher(
		transport.FaceLog(),
		transport.CountLog(),
		transport.BufferLog(),
		transport,
		serviceName,
		cfg.Camera.ID,
	)

	// Stream capture
	cam := capture.New(
		cfg.Camera.ID,
		cfg.Camera.RTSPURL,
		&capture.FFmpegSource{},
		publisher,
		cfg.Camera.InitialDelay,
		cfg.Camera.MaxDelay,
	)

	// Inference models
	detStage, embStage, closeModels, err := buildVision(cfg)
	if err != nil {
		slog.Error("init vision models", "error", err)
		os.Exit(1)
	}
	defer closeModels()

	// Enrollment
	db, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	registry := enroll.NewRegistry(db, cfg.Recognition.EmbeddingDim)
	if err := registry.Reload(context.Background()); err != nil {
		slog.Warn("initial enrollment load failed", "error", err)
	}

	// Snapshot storage
	var snapshots core.SnapshotStore
	if cfg.MinIO.Endpoint != "" {
		minioStore, err := storage.NewMinIOStore(cfg.MinIO)
		if err != nil {
			slog.Warn("connect to minio", "error", err)
		} else {
			if err := minioStore.EnsureBucket(context.Background()); err != nil {
				slog.Warn("ensure minio bucket", "error", err)
			}
			snapshots = minioStore
		}
	}

	matcher := vision.NewMatcher(cfg.Recognition.SimilarityThreshold, cfg.Recognition.VotingThreshold)
	verifier := vision.NewVerifier(
		cfg.Recognition.VerificationFrames,
		cfg.Recognition.VerificationInterval,
		cfg.Recognition.HistoryTTL,
	)

	pipeline := core.New(cfg, cam, detStage, embStage, matcher, verifier, registry, publisher, snapshots, transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go registry.Run(ctx, cfg.Database.ReloadPeriod)

	// WebSocket hub re-broadcasting live notifications
	hub := ws.NewHub()
	go hub.Run()
	for _, subject := range []string{events.FaceDetectionSubject, events.AlertsSubject} {
		subject := subject
		if _, err := transport.Subscribe(subject, func(payload []byte) {
			hub.Publish(subject, payload)
		}); err != nil {
			slog.Warn("subscribe broadcast", "subject", subject, "error", err)
		}
	}

	pipeline.Start()
	publisher.EmitAlert("info", "face identification service started", nil)

	// Control surface
	router := api.NewRouter(api.RouterConfig{
		APIKey: cfg.Server.APIKey,
		Core:   pipeline,
		Hub:    hub,
		Checks: map[string]api.ReadinessCheck{
			"postgres": db.Ping,
			"nats":     func(context.Context) error { return transport.Ping() },
		},
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}
	go func() {
		slog.Info("control surface listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down...")
	cancel()
	pipeline.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	slog.Info("service stopped")
}

// buildVision loads the ONNX models and assembles the detection and
// embedding stages.
func buildVision(cfg *config.Config) (*vision.DetectionStage, *vision.EmbeddingStage, func(), error) {
	newSessionOptions := func() (*ort.SessionOptions, error) {
		opts, err := ort.NewSessionOptions()
		if err != nil {
			return nil, fmt.Errorf("create session options: %w", err)
		}
		if cfg.Recognition.IntraOpThreads > 0 {
			if err := opts.SetIntraOpNumThreads(cfg.Recognition.IntraOpThreads); err != nil {
				opts.Destroy()
				return nil, fmt.Errorf("set intra_op_threads: %w", err)
			}
		}
		if cfg.Recognition.InterOpThreads > 0 {
			if err := opts.SetInterOpNumThreads(cfg.Recognition.InterOpThreads); err != nil {
				opts.Destroy()
				return nil, fmt.Errorf("set inter_op_threads: %w", err)
			}
		}
		return opts, nil
	}

	modelsDir := cfg.Recognition.ModelsDir

	slog.Info("loading face detection model", "dir", modelsDir)
	faceOpts, err := newSessionOptions()
	if err != nil {
		return nil, nil, nil, err
	}
	faceDet, err := vision.NewRetinaFaceDetector(
		filepath.Join(modelsDir, "det_10g.onnx"),
		cfg.Recognition.FaceConfThreshold,
		faceOpts,
	)
	faceOpts.Destroy()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load face detector: %w", err)
	}

	slog.Info("loading person detection model", "dir", modelsDir)
	personOpts, err := newSessionOptions()
	if err != nil {
		faceDet.Close()
		return nil, nil, nil, err
	}
	personDet, err := vision.NewYOLOPersonDetector(
		filepath.Join(modelsDir, "yolo11n.onnx"),
		cfg.Recognition.PersonConfThreshold,
		personOpts,
	)
	personOpts.Destroy()
	if err != nil {
		faceDet.Close()
		return nil, nil, nil, fmt.Errorf("load person detector: %w", err)
	}

	slog.Info("loading embedding model", "dir", modelsDir)
	embOpts, err := newSessionOptions()
	if err != nil {
		faceDet.Close()
		personDet.Close()
		return nil, nil, nil, err
	}
	extractor, err := vision.NewArcFaceExtractor(filepath.Join(modelsDir, "w600k_r50.onnx"), embOpts)
	embOpts.Destroy()
	if err != nil {
		faceDet.Close()
		personDet.Close()
		return nil, nil, nil, fmt.Errorf("load embedder: %w", err)
	}

	// Age model is optional: without it the quality score skips the age term.
	var age *vision.AgePredictor
	ageOpts, err := newSessionOptions()
	if err == nil {
		age, err = vision.NewAgePredictor(filepath.Join(modelsDir, "genderage.onnx"), ageOpts)
		ageOpts.Destroy()
		if err != nil {
			slog.Warn("load age model", "error", err)
			age = nil
		}
	}

	detStage := vision.NewDetectionStage(
		personDet,
		faceDet,
		cfg.Recognition.PersonConfThreshold,
		cfg.Recognition.FaceConfThreshold,
		cfg.Recognition.MinFaceSize,
		cfg.Recognition.CropMargin,
	)
	embStage := vision.NewEmbeddingStage(vision.NewONNXEmbedder(faceDet, extractor, age))

	closeModels := func() {
		faceDet.Close()
		personDet.Close()
		extractor.Close()
		if age != nil {
			age.Close()
		}
	}

	slog.Info("vision pipeline ready")
	return detStage, embStage, closeModels, nil
}

// getONNXLibPath returns the ONNX Runtime shared library path based on the
// operating system.
func getONNXLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "linux":
		return "libonnxruntime.so"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "onnxruntime.dll"
	}
}
