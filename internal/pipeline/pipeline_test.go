package pipeline

import (
	"context"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gramlabs/gramscore/internal/audio"
	"github.com/gramlabs/gramscore/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()

	samples := make([]float32, 1600)
	for i := range samples {
		samples[i] = float32(math.Sin(float64(i) * 0.03))
	}
	for _, name := range []string{"a.wav", "b.wav"} {
		if err := audio.WriteWAV(filepath.Join(dir, name), samples, 16000); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
	}
	manifest := filepath.Join(dir, "train.csv")
	if err := os.WriteFile(manifest, []byte("filename,label\na.wav,2.5\nb.wav,3.5\n"), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	cfg := config.Default()
	cfg.Dataset.AudioDir = dir
	cfg.Dataset.TrainManifest = manifest
	cfg.Dataset.ValManifest = ""
	cfg.Dataset.PredictManifest = manifest
	cfg.Dataset.ClipSeconds = 0.5
	cfg.STT.Mode = "mock"
	cfg.Train.CheckpointPath = filepath.Join(dir, "checkpoint.json")
	cfg.Predict.OutputPath = filepath.Join(dir, "predictions.csv")
	cfg.RunStore.Enabled = false
	cfg.Telemetry.PrometheusBind = ""
	cfg.Telemetry.OTLPEndpoint = ""
	return cfg
}

func TestPrepReportsKeptRows(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, testConfig(t), testLogger())
	if err != nil {
		t.Fatalf("pipeline setup: %v", err)
	}
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	if err := p.Prep(ctx); err != nil {
		t.Fatalf("prep: %v", err)
	}
}

func TestPredictFailsWithoutCheckpoint(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	p, err := New(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("pipeline setup: %v", err)
	}
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	if err := p.Predict(ctx); err == nil {
		t.Fatal("expected error when checkpoint file is missing")
	}
}

func TestPrepFailsOnMissingManifest(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Dataset.TrainManifest = filepath.Join(t.TempDir(), "absent.csv")
	p, err := New(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("pipeline setup: %v", err)
	}
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	if err := p.Prep(ctx); err == nil {
		t.Fatal("expected error for missing manifest")
	}
}
