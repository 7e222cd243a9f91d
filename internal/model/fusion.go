// Package model implements the fusion regression head: a frozen
// pretrained audio encoder feeding a trainable projection, a parallel
// trainable projection of the grammar features, and a final linear layer
// producing one scalar score per sample.
package model

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// AudioEncoder is the frozen pretrained encoder consumed as a black box.
// Implementations return per-timestep hidden states [batch][frames][dim]
// and never update their weights.
type AudioEncoder interface {
	Dim() int
	Encode(ctx context.Context, clips [][]float32, masks [][]float32) ([][][]float32, error)
}

// Fusion holds the trainable parameters. Weight matrices are stored
// row-major and flat.
type Fusion struct {
	enc AudioEncoder

	encDim   int // frozen encoder hidden size
	audioDim int // audio projection width
	gramDim  int // grammar projection width
	featDim  int // grammar feature vector length

	wa []float64 // audioDim x encDim
	ba []float64 // audioDim
	wg []float64 // gramDim x featDim
	bg []float64 // gramDim
	wo []float64 // audioDim + gramDim
	bo [1]float64
}

// Activations caches one forward pass for the backward step.
type Activations struct {
	audioEmb [][]float64
	features [][]float64
	ha       [][]float64
	hg       [][]float64
	Preds    []float64
}

// Gradients mirrors the trainable parameter layout.
type Gradients struct {
	Wa, Ba, Wg, Bg, Wo []float64
	Bo                 [1]float64
}

// New builds a fusion head with Xavier-uniform initialized projections.
func New(enc AudioEncoder, audioDim, gramDim, featDim int, seed int64) (*Fusion, error) {
	if enc == nil {
		return nil, fmt.Errorf("fusion model needs an audio encoder")
	}
	if audioDim <= 0 || gramDim <= 0 || featDim <= 0 {
		return nil, fmt.Errorf("invalid fusion dims: audio=%d grammar=%d features=%d", audioDim, gramDim, featDim)
	}

	f := &Fusion{
		enc:      enc,
		encDim:   enc.Dim(),
		audioDim: audioDim,
		gramDim:  gramDim,
		featDim:  featDim,
		wa:       make([]float64, audioDim*enc.Dim()),
		ba:       make([]float64, audioDim),
		wg:       make([]float64, gramDim*featDim),
		bg:       make([]float64, gramDim),
		wo:       make([]float64, audioDim+gramDim),
	}

	rng := rand.New(rand.NewSource(seed))
	xavier(rng, f.wa, f.encDim, audioDim)
	xavier(rng, f.wg, featDim, gramDim)
	xavier(rng, f.wo, audioDim+gramDim, 1)
	return f, nil
}

func xavier(rng *rand.Rand, w []float64, fanIn, fanOut int) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * limit
	}
}

// Forward runs one batch: frozen encoder pass, mean pooling over time,
// the two trainable projections, concatenation, and the final linear
// layer. The returned activations feed Backward; pass them to nothing in
// evaluation mode.
func (f *Fusion) Forward(ctx context.Context, clips, masks [][]float32, features [][]float64) (*Activations, error) {
	batch := len(clips)
	if batch == 0 || len(features) != batch {
		return nil, fmt.Errorf("forward batch mismatch: %d clips, %d feature rows", batch, len(features))
	}
	for i, row := range features {
		if len(row) != f.featDim {
			return nil, fmt.Errorf("feature row %d has %d dims, expected %d", i, len(row), f.featDim)
		}
	}

	// Frozen encoder: inference only, no gradient bookkeeping exists for
	// it anywhere in this package.
	hidden, err := f.enc.Encode(ctx, clips, masks)
	if err != nil {
		return nil, fmt.Errorf("encoder forward: %w", err)
	}
	if len(hidden) != batch {
		return nil, fmt.Errorf("encoder returned %d rows for batch of %d", len(hidden), batch)
	}

	acts := &Activations{
		audioEmb: make([][]float64, batch),
		features: features,
		ha:       make([][]float64, batch),
		hg:       make([][]float64, batch),
		Preds:    make([]float64, batch),
	}

	for i := 0; i < batch; i++ {
		emb, err := meanPool(hidden[i], f.encDim)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		acts.audioEmb[i] = emb

		ha := make([]float64, f.audioDim)
		for j := 0; j < f.audioDim; j++ {
			v := floats.Dot(f.wa[j*f.encDim:(j+1)*f.encDim], emb) + f.ba[j]
			if v > 0 {
				ha[j] = v
			}
		}
		acts.ha[i] = ha

		hg := make([]float64, f.gramDim)
		for j := 0; j < f.gramDim; j++ {
			v := floats.Dot(f.wg[j*f.featDim:(j+1)*f.featDim], features[i]) + f.bg[j]
			if v > 0 {
				hg[j] = v
			}
		}
		acts.hg[i] = hg

		acts.Preds[i] = floats.Dot(f.wo[:f.audioDim], ha) +
			floats.Dot(f.wo[f.audioDim:], hg) + f.bo[0]
	}
	return acts, nil
}

func meanPool(frames [][]float32, dim int) ([]float64, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("encoder produced no frames")
	}
	emb := make([]float64, dim)
	for _, frame := range frames {
		if len(frame) != dim {
			return nil, fmt.Errorf("frame has %d dims, expected %d", len(frame), dim)
		}
		for d, v := range frame {
			emb[d] += float64(v)
		}
	}
	inv := 1 / float64(len(frames))
	for d := range emb {
		emb[d] *= inv
	}
	return emb, nil
}

// Backward computes the mean-squared-error loss against targets and the
// gradients of all trainable parameters. The frozen encoder receives no
// gradient.
func (f *Fusion) Backward(acts *Activations, targets []float64) (float64, *Gradients, error) {
	batch := len(acts.Preds)
	if len(targets) != batch {
		return 0, nil, fmt.Errorf("backward: %d targets for batch of %d", len(targets), batch)
	}

	grads := &Gradients{
		Wa: make([]float64, len(f.wa)),
		Ba: make([]float64, len(f.ba)),
		Wg: make([]float64, len(f.wg)),
		Bg: make([]float64, len(f.bg)),
		Wo: make([]float64, len(f.wo)),
	}

	var loss float64
	for i := 0; i < batch; i++ {
		diff := acts.Preds[i] - targets[i]
		loss += diff * diff
		dy := 2 * diff / float64(batch)

		for j := 0; j < f.audioDim; j++ {
			grads.Wo[j] += dy * acts.ha[i][j]
		}
		for j := 0; j < f.gramDim; j++ {
			grads.Wo[f.audioDim+j] += dy * acts.hg[i][j]
		}
		grads.Bo[0] += dy

		for j := 0; j < f.audioDim; j++ {
			if acts.ha[i][j] <= 0 {
				continue // ReLU gate
			}
			dh := dy * f.wo[j]
			floats.AddScaled(grads.Wa[j*f.encDim:(j+1)*f.encDim], dh, acts.audioEmb[i])
			grads.Ba[j] += dh
		}
		for j := 0; j < f.gramDim; j++ {
			if acts.hg[i][j] <= 0 {
				continue
			}
			dh := dy * f.wo[f.audioDim+j]
			floats.AddScaled(grads.Wg[j*f.featDim:(j+1)*f.featDim], dh, acts.features[i])
			grads.Bg[j] += dh
		}
	}
	return loss / float64(batch), grads, nil
}

// Loss is the mean squared error between predictions and targets.
func Loss(preds, targets []float64) float64 {
	if len(preds) == 0 {
		return 0
	}
	var sum float64
	for i := range preds {
		d := preds[i] - targets[i]
		sum += d * d
	}
	return sum / float64(len(preds))
}

// Params exposes the trainable parameter slices for the optimizer, in a
// fixed order matched by Gradients.Slices. The output bias is viewed as
// a one-element slice so the optimizer can update it in place.
func (f *Fusion) Params() [][]float64 {
	return [][]float64{f.wa, f.ba, f.wg, f.bg, f.wo, f.bo[:]}
}

// Slices orders gradients to match Fusion.Params.
func (g *Gradients) Slices() [][]float64 {
	return [][]float64{g.Wa, g.Ba, g.Wg, g.Bg, g.Wo, g.Bo[:]}
}

// FeatureDim reports the expected grammar feature vector length.
func (f *Fusion) FeatureDim() int {
	return f.featDim
}
