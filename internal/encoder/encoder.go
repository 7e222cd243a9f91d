// Package encoder wraps a frozen pretrained audio encoder exported to
// ONNX. The encoder is used for inference only; its weights never change.
package encoder

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/gramlabs/gramscore/internal/config"
)

var (
	onnxInitMu      sync.Mutex
	onnxInitialized bool
)

func initONNXRuntime() error {
	onnxInitMu.Lock()
	defer onnxInitMu.Unlock()

	if onnxInitialized {
		return nil
	}
	if libPath := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnx runtime: %w", err)
	}
	onnxInitialized = true
	return nil
}

// Encoder runs batched waveforms through the frozen ONNX model and
// returns per-timestep hidden states. The session is not reentrant, so
// calls are serialized.
type Encoder struct {
	session     *ort.DynamicAdvancedSession
	inputNames  []string
	outputNames []string
	dim         int
	mu          sync.Mutex
}

func New(cfg config.EncoderConfig, log *slog.Logger) (*Encoder, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("encoder model path is empty")
	}
	if _, err := os.Stat(cfg.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("encoder model not found: %s", cfg.ModelPath)
	}

	if err := initONNXRuntime(); err != nil {
		return nil, err
	}

	inputInfo, outputInfo, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("read encoder model info: %w", err)
	}
	inputNames := make([]string, len(inputInfo))
	for i, info := range inputInfo {
		inputNames[i] = info.Name
	}
	outputNames := make([]string, len(outputInfo))
	for i, info := range outputInfo {
		outputNames[i] = info.Name
	}

	// Hidden size comes from the model when the export carries a static
	// last dimension; otherwise the configured value is trusted.
	dim := cfg.HiddenDim
	if len(outputInfo) > 0 {
		dims := outputInfo[0].Dimensions
		if len(dims) > 0 && dims[len(dims)-1] > 0 {
			dim = int(dims[len(dims)-1])
		}
	}
	if dim <= 0 {
		return nil, fmt.Errorf("encoder hidden dim unknown; set encoder.hidden_dim")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer options.Destroy()
	if cfg.NumThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			return nil, fmt.Errorf("set encoder threads: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, inputNames, outputNames, options)
	if err != nil {
		return nil, fmt.Errorf("create encoder session: %w", err)
	}

	if log != nil {
		log.Info("audio encoder initialized",
			slog.String("model", cfg.ModelPath),
			slog.Int("hidden_dim", dim),
			slog.Any("inputs", inputNames))
	}

	return &Encoder{
		session:     session,
		inputNames:  inputNames,
		outputNames: outputNames,
		dim:         dim,
	}, nil
}

// Dim reports the encoder's hidden state size.
func (e *Encoder) Dim() int {
	return e.dim
}

// Preprocess normalizes a raw clip to zero mean and unit variance, the
// input convention of wav2vec2-style encoders. An all-zero clip passes
// through unchanged.
func Preprocess(clip []float32) []float32 {
	if len(clip) == 0 {
		return clip
	}
	var sum float64
	for _, s := range clip {
		sum += float64(s)
	}
	mean := sum / float64(len(clip))

	var variance float64
	for _, s := range clip {
		d := float64(s) - mean
		variance += d * d
	}
	variance /= float64(len(clip))
	std := math.Sqrt(variance) + 1e-7

	out := make([]float32, len(clip))
	for i, s := range clip {
		out[i] = float32((float64(s) - mean) / std)
	}
	return out
}

// Encode runs a batch of fixed-length clips through the frozen encoder
// and returns hidden states shaped [batch][frames][dim].
func (e *Encoder) Encode(ctx context.Context, clips [][]float32, masks [][]float32) ([][][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(clips) == 0 {
		return nil, fmt.Errorf("encode empty batch")
	}
	batch := len(clips)
	length := len(clips[0])
	for i, c := range clips {
		if len(c) != length {
			return nil, fmt.Errorf("clip %d has %d samples, expected %d", i, len(c), length)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, fmt.Errorf("encoder closed")
	}

	flat := make([]float32, batch*length)
	for i, c := range clips {
		copy(flat[i*length:], c)
	}
	inputShape := ort.NewShape(int64(batch), int64(length))
	inputTensor, err := ort.NewTensor(inputShape, flat)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	inputs := []ort.Value{inputTensor}
	// Models exported with an attention_mask input receive it as int64.
	if len(e.inputNames) > 1 {
		maskData := make([]int64, batch*length)
		for i, m := range masks {
			if len(m) != length {
				return nil, fmt.Errorf("mask %d has %d entries, expected %d", i, len(m), length)
			}
			for j, v := range m {
				if v > 0 {
					maskData[i*length+j] = 1
				}
			}
		}
		maskTensor, err := ort.NewTensor(ort.NewShape(int64(batch), int64(length)), maskData)
		if err != nil {
			return nil, fmt.Errorf("create mask tensor: %w", err)
		}
		defer maskTensor.Destroy()
		inputs = append(inputs, maskTensor)
	}

	outputs := make([]ort.Value, len(e.outputNames))
	if err := e.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("encoder inference failed: %w", err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	hiddenTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected encoder output type")
	}
	shape := hiddenTensor.GetShape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("unexpected encoder output rank %d", len(shape))
	}
	frames := int(shape[1])
	dim := int(shape[2])
	data := hiddenTensor.GetData()

	hidden := make([][][]float32, batch)
	for b := 0; b < batch; b++ {
		hidden[b] = make([][]float32, frames)
		for t := 0; t < frames; t++ {
			row := make([]float32, dim)
			copy(row, data[(b*frames+t)*dim:(b*frames+t+1)*dim])
			hidden[b][t] = row
		}
	}
	return hidden, nil
}

// Close releases the ONNX session.
func (e *Encoder) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
}
