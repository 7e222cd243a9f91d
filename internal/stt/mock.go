package stt

import (
	"context"
	"fmt"
	"path/filepath"
)

type mockTranscriber struct {
	transcripts map[string]string
}

// NewMockTranscriber returns canned transcripts keyed by audio file base
// name. Files without an entry yield a deterministic placeholder.
func NewMockTranscriber(transcripts map[string]string) Transcriber {
	return &mockTranscriber{transcripts: transcripts}
}

func (m *mockTranscriber) Transcribe(_ context.Context, path string) (Result, error) {
	base := filepath.Base(path)
	if text, ok := m.transcripts[base]; ok {
		return Result{Text: text}, nil
	}
	return Result{Text: fmt.Sprintf("mock transcript for %s", base)}, nil
}
