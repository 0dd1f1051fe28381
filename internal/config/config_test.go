package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
camera:
  rtsp_url: rtsp://10.0.0.5:554/stream1
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Camera.ID != "camera_01" {
		t.Errorf("Camera.ID = %q", cfg.Camera.ID)
	}
	if cfg.Camera.InitialDelay != 30*time.Second {
		t.Errorf("InitialDelay = %v, want 30s", cfg.Camera.InitialDelay)
	}
	if cfg.Camera.MaxDelay != 300*time.Second {
		t.Errorf("MaxDelay = %v, want 300s", cfg.Camera.MaxDelay)
	}
	if cfg.Recognition.RecognizeEveryN != 30 {
		t.Errorf("RecognizeEveryN = %d, want 30", cfg.Recognition.RecognizeEveryN)
	}
	if cfg.Recognition.SimilarityThreshold != 0.35 {
		t.Errorf("SimilarityThreshold = %v, want 0.35", cfg.Recognition.SimilarityThreshold)
	}
	if cfg.Recognition.VotingThreshold != 0.60 {
		t.Errorf("VotingThreshold = %v, want 0.60", cfg.Recognition.VotingThreshold)
	}
	if cfg.Recognition.MinFaceSize != 80 {
		t.Errorf("MinFaceSize = %d, want 80", cfg.Recognition.MinFaceSize)
	}
	if cfg.Recognition.EmbeddingDim != 512 {
		t.Errorf("EmbeddingDim = %d, want 512", cfg.Recognition.EmbeddingDim)
	}
	if cfg.Recognition.VerificationFrames != 3 {
		t.Errorf("VerificationFrames = %d, want 3", cfg.Recognition.VerificationFrames)
	}
	if cfg.Recognition.VerificationInterval != time.Second {
		t.Errorf("VerificationInterval = %v, want 1s", cfg.Recognition.VerificationInterval)
	}
	if cfg.Recognition.HistoryTTL != 30*time.Second {
		t.Errorf("HistoryTTL = %v, want 30s", cfg.Recognition.HistoryTTL)
	}
	if cfg.Recognition.PublishMode != PublishPerFrame {
		t.Errorf("PublishMode = %v, want per_frame", cfg.Recognition.PublishMode)
	}
	if cfg.NATS.PrimaryLogMaxLen != 100000 {
		t.Errorf("PrimaryLogMaxLen = %d, want 100000", cfg.NATS.PrimaryLogMaxLen)
	}
	if cfg.NATS.MaxBufferSize != 10000 {
		t.Errorf("MaxBufferSize = %d, want 10000", cfg.NATS.MaxBufferSize)
	}
	if cfg.Recognition.PersonConfThreshold != 0.6 {
		t.Errorf("PersonConfThreshold = %v, want 0.6", cfg.Recognition.PersonConfThreshold)
	}
	if cfg.Recognition.FaceConfThreshold != 0.5 {
		t.Errorf("FaceConfThreshold = %v, want 0.5", cfg.Recognition.FaceConfThreshold)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FACEID_RTSP_URL", "rtsp://override/stream")
	t.Setenv("FACEID_CAMERA_ID", "camera_07")
	t.Setenv("FACEID_SERVER_PORT", "9999")

	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Camera.RTSPURL != "rtsp://override/stream" {
		t.Errorf("RTSPURL = %q", cfg.Camera.RTSPURL)
	}
	if cfg.Camera.ID != "camera_07" {
		t.Errorf("Camera.ID = %q", cfg.Camera.ID)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			"missing rtsp url",
			`camera: {id: camera_01}`,
		},
		{
			"negative recognize cadence",
			minimalConfig + `
recognition:
  recognize_every_n: -5
`,
		},
		{
			"threshold above one",
			minimalConfig + `
recognition:
  voting_threshold: 1.5
`,
		},
		{
			"unknown publish mode",
			minimalConfig + `
recognition:
  publish_mode: sometimes
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("Load() accepted an invalid configuration")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() accepted a missing file")
	}
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, Name: "faceid", User: "svc", Password: "secret"}
	want := "postgres://svc:secret@db:5432/faceid?sslmode=disable"
	if got := d.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
