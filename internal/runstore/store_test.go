package runstore

import (
	"context"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"

	"github.com/gramlabs/gramscore/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDisabledStoreIsNoOp(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.RunStoreConfig{Enabled: false}, newLogger())
	if err != nil {
		t.Fatalf("open disabled store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if s.Enabled() {
		t.Fatal("disabled store reports enabled")
	}
	id, err := s.BeginRun(ctx, "train")
	if err != nil || id != 0 {
		t.Fatalf("BeginRun on disabled store: id=%d err=%v", id, err)
	}
	if err := s.RecordEpoch(ctx, id, 1, 0.5, 0.4, 0.9, true); err != nil {
		t.Fatalf("RecordEpoch on disabled store: %v", err)
	}
	if err := s.FinishRun(ctx, id, "completed"); err != nil {
		t.Fatalf("FinishRun on disabled store: %v", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	cfg := config.RunStoreConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "runs.db")}
	s, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	id, err := s.BeginRun(ctx, "train")
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if id == 0 {
		t.Fatal("expected a nonzero run id")
	}

	if err := s.RecordEpoch(ctx, id, 1, 1.2, 1.1, 0.4, true); err != nil {
		t.Fatalf("record epoch: %v", err)
	}
	if err := s.RecordEpoch(ctx, id, 2, 0.9, math.NaN(), math.NaN(), false); err != nil {
		t.Fatalf("record epoch with NaN validation: %v", err)
	}
	if err := s.FinishRun(ctx, id, "completed"); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	runs, err := s.Runs(ctx, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].Kind != "train" || runs[0].Status != "completed" {
		t.Fatalf("unexpected run record: %+v", runs[0])
	}
}

func TestRecordPredictions(t *testing.T) {
	ctx := context.Background()
	cfg := config.RunStoreConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "runs.db")}
	s, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	id, err := s.BeginRun(ctx, "predict")
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if err := s.RecordPrediction(ctx, id, "a.wav", 3.42, 3); err != nil {
		t.Fatalf("record prediction: %v", err)
	}
	if err := s.RecordPrediction(ctx, id, "b.wav", 1.8, 2); err != nil {
		t.Fatalf("record prediction: %v", err)
	}
	if err := s.FinishRun(ctx, id, "completed"); err != nil {
		t.Fatalf("finish run: %v", err)
	}
}
