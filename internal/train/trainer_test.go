package train

import (
	"context"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gramlabs/gramscore/internal/audio"
	"github.com/gramlabs/gramscore/internal/config"
	"github.com/gramlabs/gramscore/internal/dataset"
	"github.com/gramlabs/gramscore/internal/model"
	"github.com/gramlabs/gramscore/internal/stt"
	"github.com/gramlabs/gramscore/internal/textfeat"
)

type stubEncoder struct {
	dim int
}

func (e *stubEncoder) Dim() int { return e.dim }

func (e *stubEncoder) Encode(_ context.Context, clips, _ [][]float32) ([][][]float32, error) {
	out := make([][][]float32, len(clips))
	for i, clip := range clips {
		var sum float32
		for _, s := range clip {
			sum += s
		}
		frame := make([]float32, e.dim)
		for d := range frame {
			frame[d] = sum*0.001 + float32(d)*0.01
		}
		out[i] = [][]float32{frame}
	}
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func buildDataset(t *testing.T, labels []float64) *dataset.Dataset {
	t.Helper()
	dir := t.TempDir()
	rows := make([]dataset.Row, len(labels))
	for i, label := range labels {
		name := "clip" + string(rune('a'+i)) + ".wav"
		samples := make([]float32, 800)
		for j := range samples {
			samples[j] = float32(math.Sin(float64(j)*0.02*float64(i+1))) * 0.5
		}
		if err := audio.WriteWAV(filepath.Join(dir, name), samples, 16000); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
		rows[i] = dataset.Row{Filename: name, Label: label, Labeled: true}
	}

	tr, err := stt.New(config.STTConfig{Mode: "mock"}, testLogger())
	if err != nil {
		t.Fatalf("mock transcriber: %v", err)
	}
	ds, _, err := dataset.Assemble(context.Background(), dataset.Options{
		Rows:        rows,
		AudioDir:    dir,
		SampleRate:  16000,
		ClipSeconds: 0.1,
		Transcriber: tr,
		Extractor:   textfeat.New(testLogger()),
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	return ds
}

func buildModel(t *testing.T) *model.Fusion {
	t.Helper()
	m, err := model.New(&stubEncoder{dim: 6}, 4, 3, textfeat.Dim, 11)
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	return m
}

func TestAdamMinimizesQuadratic(t *testing.T) {
	// loss = (x-3)^2, gradient 2(x-3)
	x := []float64{10}
	params := [][]float64{x}
	opt := newAdam(0.1)
	for i := 0; i < 500; i++ {
		grads := [][]float64{{2 * (x[0] - 3)}}
		opt.Step(params, grads)
	}
	if math.Abs(x[0]-3) > 0.01 {
		t.Fatalf("adam did not converge: x=%v", x[0])
	}
}

func TestRunReducesTrainingLoss(t *testing.T) {
	ds := buildDataset(t, []float64{1.5, 2.5, 3.5, 4.5})
	m := buildModel(t)

	saves := 0
	tr, err := New(m, Config{
		Epochs:       30,
		BatchSize:    2,
		LearningRate: 0.01,
		Saver:        func() error { saves++; return nil },
	}, testLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	history, err := tr.Run(context.Background(), ds, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(history) != 30 {
		t.Fatalf("expected 30 epochs, got %d", len(history))
	}
	if !math.IsNaN(history[0].ValLoss) || !math.IsNaN(history[0].Pearson) {
		t.Fatal("validation stats should be NaN without a validation set")
	}
	first, last := history[0].TrainLoss, history[len(history)-1].TrainLoss
	if last >= first {
		t.Fatalf("training loss did not decrease: first=%v last=%v", first, last)
	}
	if saves != 1 {
		t.Fatalf("expected one final save without validation, got %d", saves)
	}
}

func TestRunWithValidationSavesOnImprovement(t *testing.T) {
	train := buildDataset(t, []float64{1.5, 2.5, 3.5, 4.5})
	val := buildDataset(t, []float64{2.0, 3.0})
	m := buildModel(t)

	saves := 0
	tr, err := New(m, Config{
		Epochs:       10,
		BatchSize:    2,
		LearningRate: 0.01,
		Saver:        func() error { saves++; return nil },
	}, testLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	history, err := tr.Run(context.Background(), train, val)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if saves == 0 {
		t.Fatal("expected at least one checkpoint save")
	}
	if !history[0].Improved {
		t.Fatal("first epoch must improve on the infinite initial best")
	}
	for _, st := range history {
		if math.IsNaN(st.ValLoss) {
			t.Fatalf("epoch %d missing validation loss", st.Epoch)
		}
	}
}

func TestEarlyStoppingHalts(t *testing.T) {
	train := buildDataset(t, []float64{1.5, 2.5, 3.5, 4.5})
	val := buildDataset(t, []float64{2.0, 3.0})
	m := buildModel(t)

	// A divergent learning rate keeps validation loss from reaching new
	// minima for long stretches, so patience trips well before the cap.
	tr, err := New(m, Config{
		Epochs:        200,
		BatchSize:     2,
		LearningRate:  5.0,
		EarlyStopping: true,
		Patience:      3,
	}, testLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	history, err := tr.Run(context.Background(), train, val)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(history) == 200 {
		t.Fatal("early stopping never triggered")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	m := buildModel(t)
	cases := []Config{
		{Epochs: 0, BatchSize: 2, LearningRate: 0.1},
		{Epochs: 5, BatchSize: 0, LearningRate: 0.1},
		{Epochs: 5, BatchSize: 2, LearningRate: 0},
		{Epochs: 5, BatchSize: 2, LearningRate: 0.1, EarlyStopping: true, Patience: 0},
	}
	for i, cfg := range cases {
		if _, err := New(m, cfg, testLogger(), nil); err == nil {
			t.Errorf("case %d: expected config error", i)
		}
	}
}

func TestRunRejectsUnlabeledData(t *testing.T) {
	dir := t.TempDir()
	samples := make([]float32, 800)
	if err := audio.WriteWAV(filepath.Join(dir, "a.wav"), samples, 16000); err != nil {
		t.Fatal(err)
	}
	sttMock, err := stt.New(config.STTConfig{Mode: "mock"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	ds, _, err := dataset.Assemble(context.Background(), dataset.Options{
		Rows:        []dataset.Row{{Filename: "a.wav"}},
		AudioDir:    dir,
		SampleRate:  16000,
		ClipSeconds: 0.1,
		Transcriber: sttMock,
		Extractor:   textfeat.New(testLogger()),
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	tr, err := New(buildModel(t), Config{Epochs: 1, BatchSize: 1, LearningRate: 0.1}, testLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := tr.Run(context.Background(), ds, nil); err == nil {
		t.Fatal("expected error for unlabeled training data")
	}
}

func TestPearson(t *testing.T) {
	if p := Pearson([]float64{1, 2, 3}, []float64{2, 4, 6}); math.Abs(p-1) > 1e-12 {
		t.Fatalf("perfect correlation expected, got %v", p)
	}
	if p := Pearson([]float64{1}, []float64{2}); !math.IsNaN(p) {
		t.Fatalf("single point should yield NaN, got %v", p)
	}
}
