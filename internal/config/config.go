package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Camera      CameraConfig      `yaml:"camera"`
	Database    DatabaseConfig    `yaml:"database"`
	NATS        NATSConfig        `yaml:"nats"`
	MinIO       MinIOConfig       `yaml:"minio"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

type CameraConfig struct {
	ID              string        `yaml:"id"`
	RTSPURL         string        `yaml:"rtsp_url"`
	FrameBufferSize int           `yaml:"frame_buffer_size"`
	InitialDelay    time.Duration `yaml:"initial_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
}

type DatabaseConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Name         string        `yaml:"name"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	MaxConns     int           `yaml:"max_conns"`
	ReloadPeriod time.Duration `yaml:"reload_period"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type NATSConfig struct {
	URL              string `yaml:"url"`
	PrimaryLogMaxLen int64  `yaml:"primary_log_max_len"`
	MaxBufferSize    int64  `yaml:"max_buffer_size"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// PublishMode selects which MATCH decisions become face events.
type PublishMode string

const (
	// PublishPerFrame emits every per-frame MATCH decision.
	PublishPerFrame PublishMode = "per_frame"
	// PublishVerified emits only temporally verified MATCH decisions.
	PublishVerified PublishMode = "verified"
)

type RecognitionConfig struct {
	ModelsDir            string        `yaml:"models_dir"`
	RecognizeEveryN      int           `yaml:"recognize_every_n"`
	SimilarityThreshold  float64       `yaml:"similarity_threshold"`
	VotingThreshold      float64       `yaml:"voting_threshold"`
	MinFaceSize          int           `yaml:"min_face_size"`
	EmbeddingDim         int           `yaml:"embedding_dim"`
	CropMargin           float64       `yaml:"crop_margin"`
	PersonConfThreshold  float64       `yaml:"person_conf_threshold"`
	FaceConfThreshold    float64       `yaml:"face_conf_threshold"`
	VerificationFrames   int           `yaml:"verification_frames"`
	VerificationInterval time.Duration `yaml:"verification_interval"`
	HistoryTTL           time.Duration `yaml:"history_ttl"`
	PublishMode          PublishMode   `yaml:"publish_mode"`
	IntraOpThreads       int           `yaml:"intra_op_threads"`
	InterOpThreads       int           `yaml:"inter_op_threads"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from a YAML file, applies environment variable overrides,
// fills defaults, and validates. Validation failures are fatal at startup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot start with.
func (c *Config) Validate() error {
	if c.Camera.RTSPURL == "" {
		return fmt.Errorf("camera.rtsp_url is required")
	}
	if c.Recognition.RecognizeEveryN <= 0 {
		return fmt.Errorf("recognition.recognize_every_n must be positive, got %d", c.Recognition.RecognizeEveryN)
	}
	for name, v := range map[string]float64{
		"recognition.similarity_threshold":  c.Recognition.SimilarityThreshold,
		"recognition.voting_threshold":      c.Recognition.VotingThreshold,
		"recognition.person_conf_threshold": c.Recognition.PersonConfThreshold,
		"recognition.face_conf_threshold":   c.Recognition.FaceConfThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0,1], got %v", name, v)
		}
	}
	if c.Recognition.VerificationFrames <= 0 {
		return fmt.Errorf("recognition.verification_frames must be positive, got %d", c.Recognition.VerificationFrames)
	}
	switch c.Recognition.PublishMode {
	case PublishPerFrame, PublishVerified:
	default:
		return fmt.Errorf("recognition.publish_mode must be %q or %q, got %q",
			PublishPerFrame, PublishVerified, c.Recognition.PublishMode)
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8003
	}
	if cfg.Camera.ID == "" {
		cfg.Camera.ID = "camera_01"
	}
	if cfg.Camera.FrameBufferSize == 0 {
		cfg.Camera.FrameBufferSize = 2
	}
	if cfg.Camera.InitialDelay == 0 {
		cfg.Camera.InitialDelay = 30 * time.Second
	}
	if cfg.Camera.MaxDelay == 0 {
		cfg.Camera.MaxDelay = 300 * time.Second
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.Database.ReloadPeriod == 0 {
		cfg.Database.ReloadPeriod = 60 * time.Second
	}
	if cfg.NATS.PrimaryLogMaxLen == 0 {
		cfg.NATS.PrimaryLogMaxLen = 100000
	}
	if cfg.NATS.MaxBufferSize == 0 {
		cfg.NATS.MaxBufferSize = 10000
	}
	if cfg.Recognition.RecognizeEveryN == 0 {
		cfg.Recognition.RecognizeEveryN = 30
	}
	if cfg.Recognition.SimilarityThreshold == 0 {
		cfg.Recognition.SimilarityThreshold = 0.35
	}
	if cfg.Recognition.VotingThreshold == 0 {
		cfg.Recognition.VotingThreshold = 0.60
	}
	if cfg.Recognition.MinFaceSize == 0 {
		cfg.Recognition.MinFaceSize = 80
	}
	if cfg.Recognition.EmbeddingDim == 0 {
		cfg.Recognition.EmbeddingDim = 512
	}
	if cfg.Recognition.CropMargin == 0 {
		cfg.Recognition.CropMargin = 0.2
	}
	if cfg.Recognition.PersonConfThreshold == 0 {
		cfg.Recognition.PersonConfThreshold = 0.6
	}
	if cfg.Recognition.FaceConfThreshold == 0 {
		cfg.Recognition.FaceConfThreshold = 0.5
	}
	if cfg.Recognition.VerificationFrames == 0 {
		cfg.Recognition.VerificationFrames = 3
	}
	if cfg.Recognition.VerificationInterval == 0 {
		cfg.Recognition.VerificationInterval = time.Second
	}
	if cfg.Recognition.HistoryTTL == 0 {
		cfg.Recognition.HistoryTTL = 30 * time.Second
	}
	if cfg.Recognition.PublishMode == "" {
		cfg.Recognition.PublishMode = PublishPerFrame
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FACEID_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FACEID_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("FACEID_CAMERA_ID"); v != "" {
		cfg.Camera.ID = v
	}
	if v := os.Getenv("FACEID_RTSP_URL"); v != "" {
		cfg.Camera.RTSPURL = v
	}
	if v := os.Getenv("FACEID_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("FACEID_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("FACEID_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("FACEID_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("FACEID_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("FACEID_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("FACEID_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("FACEID_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("FACEID_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("FACEID_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("FACEID_MODELS_DIR"); v != "" {
		cfg.Recognition.ModelsDir = v
	}
	if v := os.Getenv("FACEID_PUBLISH_MODE"); v != "" {
		cfg.Recognition.PublishMode = PublishMode(v)
	}
}
