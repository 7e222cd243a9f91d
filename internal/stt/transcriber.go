package stt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gramlabs/gramscore/internal/config"
)

// Result captures transcriber output for one audio file.
type Result struct {
	Text string
}

// Transcriber abstracts speech-to-text backends. Implementations are
// invoked once per row during dataset assembly.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (Result, error)
}

// New builds the configured transcriber backend.
func New(cfg config.STTConfig, log *slog.Logger) (Transcriber, error) {
	switch cfg.Mode {
	case "sherpa":
		return NewSherpaTranscriber(cfg, log)
	case "exec":
		return NewExecTranscriber(cfg)
	case "mock":
		return NewMockTranscriber(nil), nil
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
