package stt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"github.com/gramlabs/gramscore/internal/audio"
	"github.com/gramlabs/gramscore/internal/config"
)

// SherpaTranscriber runs an offline sherpa-onnx recognizer (Whisper or
// transducer models) over whole audio files. The underlying recognizer is
// not reentrant, so calls are serialized.
type SherpaTranscriber struct {
	cfg        config.STTConfig
	recognizer *sherpa.OfflineRecognizer
	log        *slog.Logger
	mu         sync.Mutex
}

func NewSherpaTranscriber(cfg config.STTConfig, log *slog.Logger) (*SherpaTranscriber, error) {
	whisper := cfg.WhisperEncoder != "" && cfg.WhisperDecoder != ""
	transducer := cfg.Encoder != "" && cfg.Decoder != "" && cfg.Joiner != ""
	if !whisper && !transducer {
		return nil, fmt.Errorf("sherpa transcriber needs whisper_encoder/whisper_decoder or encoder/decoder/joiner model paths")
	}
	if cfg.Tokens == "" {
		return nil, fmt.Errorf("sherpa transcriber needs a tokens file")
	}

	paths := []string{cfg.Tokens}
	if whisper {
		paths = append(paths, cfg.WhisperEncoder, cfg.WhisperDecoder)
	} else {
		paths = append(paths, cfg.Encoder, cfg.Decoder, cfg.Joiner)
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("stt model file not found: %s", p)
		}
	}

	recognizerConfig := sherpa.OfflineRecognizerConfig{}
	recognizerConfig.FeatConfig = sherpa.FeatureConfig{
		SampleRate: cfg.SampleRate,
		FeatureDim: 80,
	}
	recognizerConfig.ModelConfig.Tokens = cfg.Tokens
	recognizerConfig.ModelConfig.NumThreads = cfg.NumThreads
	recognizerConfig.ModelConfig.Provider = cfg.Provider
	if whisper {
		recognizerConfig.ModelConfig.Whisper = sherpa.OfflineWhisperModelConfig{
			Encoder:  cfg.WhisperEncoder,
			Decoder:  cfg.WhisperDecoder,
			Language: cfg.Language,
		}
	} else {
		recognizerConfig.ModelConfig.Transducer = sherpa.OfflineTransducerModelConfig{
			Encoder: cfg.Encoder,
			Decoder: cfg.Decoder,
			Joiner:  cfg.Joiner,
		}
	}

	recognizer := sherpa.NewOfflineRecognizer(&recognizerConfig)
	if recognizer == nil {
		return nil, fmt.Errorf("failed to create sherpa offline recognizer")
	}

	if log != nil {
		backend := "transducer"
		if whisper {
			backend = "whisper"
		}
		log.Info("sherpa recognizer initialized",
			slog.String("backend", backend),
			slog.Int("sample_rate", cfg.SampleRate),
			slog.String("provider", cfg.Provider))
	}

	return &SherpaTranscriber{cfg: cfg, recognizer: recognizer, log: log}, nil
}

func (t *SherpaTranscriber) Transcribe(ctx context.Context, path string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	samples, err := audio.LoadWaveform(path, t.cfg.SampleRate)
	if err != nil {
		return Result{}, fmt.Errorf("load audio for stt: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	stream := sherpa.NewOfflineStream(t.recognizer)
	defer sherpa.DeleteOfflineStream(stream)

	stream.AcceptWaveform(t.cfg.SampleRate, samples)
	t.recognizer.Decode(stream)
	result := stream.GetResult()
	if result == nil {
		return Result{}, fmt.Errorf("sherpa decode produced no result")
	}
	return Result{Text: strings.TrimSpace(result.Text)}, nil
}

// Close releases the recognizer.
func (t *SherpaTranscriber) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.recognizer != nil {
		sherpa.DeleteOfflineRecognizer(t.recognizer)
		t.recognizer = nil
	}
}
