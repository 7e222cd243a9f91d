package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gramlabs/gramscore/internal/scaler"
)

// Checkpoint is the JSON snapshot of a trained fusion head together
// with the fitted feature scaler, everything prediction needs besides
// the frozen encoder model file itself.
type Checkpoint struct {
	EncoderDim           int          `json:"encoder_dim"`
	AudioProjectionDim   int          `json:"audio_projection_dim"`
	GrammarProjectionDim int          `json:"grammar_projection_dim"`
	FeatureDim           int          `json:"feature_dim"`
	Wa                   []float64    `json:"wa"`
	Ba                   []float64    `json:"ba"`
	Wg                   []float64    `json:"wg"`
	Bg                   []float64    `json:"bg"`
	Wo                   []float64    `json:"wo"`
	Bo                   float64      `json:"bo"`
	Scaler               scaler.State `json:"scaler"`
	SavedAt              time.Time    `json:"saved_at"`
}

// Save writes the model weights and scaler state atomically: a temp
// file in the target directory renamed into place.
func Save(path string, f *Fusion, sc *scaler.Standard) error {
	state, err := sc.State()
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	cp := Checkpoint{
		EncoderDim:           f.encDim,
		AudioProjectionDim:   f.audioDim,
		GrammarProjectionDim: f.gramDim,
		FeatureDim:           f.featDim,
		Wa:                   f.wa,
		Ba:                   f.ba,
		Wg:                   f.wg,
		Bg:                   f.bg,
		Wo:                   f.wo,
		Bo:                   f.bo[0],
		Scaler:               state,
		SavedAt:              time.Now().UTC(),
	}

	data, err := json.MarshalIndent(&cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.json")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("finalize checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads and validates a checkpoint file.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	if err := cp.validate(); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	return &cp, nil
}

func (cp *Checkpoint) validate() error {
	if cp.EncoderDim <= 0 || cp.AudioProjectionDim <= 0 || cp.GrammarProjectionDim <= 0 || cp.FeatureDim <= 0 {
		return fmt.Errorf("non-positive dimension")
	}
	if len(cp.Wa) != cp.AudioProjectionDim*cp.EncoderDim {
		return fmt.Errorf("audio projection has %d weights, expected %d", len(cp.Wa), cp.AudioProjectionDim*cp.EncoderDim)
	}
	if len(cp.Ba) != cp.AudioProjectionDim {
		return fmt.Errorf("audio projection has %d biases, expected %d", len(cp.Ba), cp.AudioProjectionDim)
	}
	if len(cp.Wg) != cp.GrammarProjectionDim*cp.FeatureDim {
		return fmt.Errorf("grammar projection has %d weights, expected %d", len(cp.Wg), cp.GrammarProjectionDim*cp.FeatureDim)
	}
	if len(cp.Bg) != cp.GrammarProjectionDim {
		return fmt.Errorf("grammar projection has %d biases, expected %d", len(cp.Bg), cp.GrammarProjectionDim)
	}
	if len(cp.Wo) != cp.AudioProjectionDim+cp.GrammarProjectionDim {
		return fmt.Errorf("output layer has %d weights, expected %d", len(cp.Wo), cp.AudioProjectionDim+cp.GrammarProjectionDim)
	}
	if len(cp.Scaler.Mean) != cp.FeatureDim || len(cp.Scaler.Std) != cp.FeatureDim {
		return fmt.Errorf("scaler state covers %d features, expected %d", len(cp.Scaler.Mean), cp.FeatureDim)
	}
	return nil
}

// FromCheckpoint rebuilds the fusion head and the fitted scaler from a
// checkpoint. The encoder's hidden size must match what the checkpoint
// was trained against.
func FromCheckpoint(cp *Checkpoint, enc AudioEncoder) (*Fusion, *scaler.Standard, error) {
	if enc.Dim() != cp.EncoderDim {
		return nil, nil, fmt.Errorf("encoder hidden size %d does not match checkpoint %d", enc.Dim(), cp.EncoderDim)
	}
	f := &Fusion{
		enc:      enc,
		encDim:   cp.EncoderDim,
		audioDim: cp.AudioProjectionDim,
		gramDim:  cp.GrammarProjectionDim,
		featDim:  cp.FeatureDim,
		wa:       append([]float64(nil), cp.Wa...),
		ba:       append([]float64(nil), cp.Ba...),
		wg:       append([]float64(nil), cp.Wg...),
		bg:       append([]float64(nil), cp.Bg...),
		wo:       append([]float64(nil), cp.Wo...),
		bo:       [1]float64{cp.Bo},
	}
	sc, err := scaler.FromState(cp.Scaler)
	if err != nil {
		return nil, nil, fmt.Errorf("restore scaler: %w", err)
	}
	return f, sc, nil
}
