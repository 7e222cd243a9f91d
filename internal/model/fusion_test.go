package model

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/gramlabs/gramscore/internal/scaler"
)

// stubEncoder produces deterministic hidden states from the raw samples
// so that tests run without an ONNX runtime.
type stubEncoder struct {
	dim    int
	frames int
}

func (e *stubEncoder) Dim() int { return e.dim }

func (e *stubEncoder) Encode(_ context.Context, clips, _ [][]float32) ([][][]float32, error) {
	out := make([][][]float32, len(clips))
	for i, clip := range clips {
		var sum float32
		for _, s := range clip {
			sum += s
		}
		frames := make([][]float32, e.frames)
		for t := range frames {
			frame := make([]float32, e.dim)
			for d := range frame {
				frame[d] = sum*0.01 + float32(t)*0.1 + float32(d)*0.001
			}
			frames[t] = frame
		}
		out[i] = frames
	}
	return out, nil
}

func testBatch() (clips, masks [][]float32, feats [][]float64, targets []float64) {
	clips = [][]float32{
		{0.1, -0.2, 0.3, 0.05},
		{-0.4, 0.2, 0.1, 0.0},
		{0.25, 0.25, -0.1, 0.15},
	}
	masks = [][]float32{
		{1, 1, 1, 1},
		{1, 1, 1, 0},
		{1, 1, 1, 1},
	}
	feats = [][]float64{
		{0.5, -1.2, 0.3, 0.9, -0.4},
		{-0.2, 0.7, 1.1, -0.8, 0.2},
		{1.3, 0.1, -0.6, 0.4, 0.5},
	}
	targets = []float64{2.5, 3.0, 4.0}
	return
}

func TestForwardDeterministic(t *testing.T) {
	enc := &stubEncoder{dim: 8, frames: 5}
	f, err := New(enc, 6, 4, 5, 42)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	clips, masks, feats, _ := testBatch()
	a, err := f.Forward(context.Background(), clips, masks, feats)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	b, err := f.Forward(context.Background(), clips, masks, feats)
	if err != nil {
		t.Fatalf("second forward: %v", err)
	}
	for i := range a.Preds {
		if a.Preds[i] != b.Preds[i] {
			t.Fatalf("prediction %d differs between identical passes: %v vs %v", i, a.Preds[i], b.Preds[i])
		}
	}

	g, err := New(enc, 6, 4, 5, 42)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c, err := g.Forward(context.Background(), clips, masks, feats)
	if err != nil {
		t.Fatalf("forward on re-seeded model: %v", err)
	}
	for i := range a.Preds {
		if a.Preds[i] != c.Preds[i] {
			t.Fatalf("same seed produced different prediction %d: %v vs %v", i, a.Preds[i], c.Preds[i])
		}
	}
}

func TestForwardRejectsBadFeatureDim(t *testing.T) {
	enc := &stubEncoder{dim: 8, frames: 3}
	f, err := New(enc, 6, 4, 5, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clips, masks, _, _ := testBatch()
	short := [][]float64{{1, 2}, {3, 4}, {5, 6}}
	if _, err := f.Forward(context.Background(), clips, masks, short); err == nil {
		t.Fatal("expected error on wrong feature width")
	}
}

// TestGradientsNumeric verifies the analytic backward pass against a
// central finite difference of the loss for a sample of parameters.
func TestGradientsNumeric(t *testing.T) {
	enc := &stubEncoder{dim: 4, frames: 3}
	f, err := New(enc, 3, 2, 5, 7)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clips, masks, feats, targets := testBatch()
	ctx := context.Background()

	lossAt := func() float64 {
		acts, err := f.Forward(ctx, clips, masks, feats)
		if err != nil {
			t.Fatalf("forward: %v", err)
		}
		return Loss(acts.Preds, targets)
	}

	acts, err := f.Forward(ctx, clips, masks, feats)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	loss, grads, err := f.Backward(acts, targets)
	if err != nil {
		t.Fatalf("backward: %v", err)
	}
	if got := Loss(acts.Preds, targets); math.Abs(got-loss) > 1e-12 {
		t.Fatalf("backward loss %v disagrees with Loss %v", loss, got)
	}

	const eps = 1e-6
	params := f.Params()
	gradSlices := grads.Slices()
	for p := range params {
		// probe the first, a middle, and the last element of each slice
		idxs := []int{0, len(params[p]) / 2, len(params[p]) - 1}
		for _, i := range idxs {
			orig := params[p][i]
			params[p][i] = orig + eps
			up := lossAt()
			params[p][i] = orig - eps
			down := lossAt()
			params[p][i] = orig

			numeric := (up - down) / (2 * eps)
			analytic := gradSlices[p][i]
			if math.Abs(numeric-analytic) > 1e-4*(1+math.Abs(numeric)) {
				t.Errorf("param group %d index %d: analytic %v, numeric %v", p, i, analytic, numeric)
			}
		}
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	enc := &stubEncoder{dim: 8, frames: 4}
	f, err := New(enc, 6, 4, 5, 99)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sc := scaler.New()
	if _, err := sc.FitTransform([][]float64{
		{1, 2, 3, 4, 5},
		{2, 3, 4, 5, 6},
		{0, 1, 2, 3, 4},
	}); err != nil {
		t.Fatalf("fit scaler: %v", err)
	}

	path := filepath.Join(t.TempDir(), "checkpoint.json")
	if err := Save(path, f, sc); err != nil {
		t.Fatalf("save: %v", err)
	}

	cp, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	restored, sc2, err := FromCheckpoint(cp, enc)
	if err != nil {
		t.Fatalf("from checkpoint: %v", err)
	}
	if !sc2.Fitted() {
		t.Fatal("restored scaler not marked fitted")
	}

	clips, masks, feats, _ := testBatch()
	a, err := f.Forward(context.Background(), clips, masks, feats)
	if err != nil {
		t.Fatalf("forward original: %v", err)
	}
	b, err := restored.Forward(context.Background(), clips, masks, feats)
	if err != nil {
		t.Fatalf("forward restored: %v", err)
	}
	for i := range a.Preds {
		if a.Preds[i] != b.Preds[i] {
			t.Fatalf("restored model diverges at %d: %v vs %v", i, a.Preds[i], b.Preds[i])
		}
	}
}

func TestCheckpointRejectsMismatchedEncoder(t *testing.T) {
	enc := &stubEncoder{dim: 8, frames: 4}
	f, err := New(enc, 6, 4, 5, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sc := scaler.New()
	if _, err := sc.FitTransform([][]float64{{1, 2, 3, 4, 5}, {2, 3, 4, 5, 6}}); err != nil {
		t.Fatalf("fit scaler: %v", err)
	}
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	if err := Save(path, f, sc); err != nil {
		t.Fatalf("save: %v", err)
	}
	cp, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, _, err := FromCheckpoint(cp, &stubEncoder{dim: 16, frames: 4}); err == nil {
		t.Fatal("expected error for mismatched encoder hidden size")
	}
}

func TestSaveRejectsUnfittedScaler(t *testing.T) {
	enc := &stubEncoder{dim: 4, frames: 2}
	f, err := New(enc, 3, 2, 5, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	if err := Save(path, f, scaler.New()); err == nil {
		t.Fatal("expected error saving with unfitted scaler")
	}
}
