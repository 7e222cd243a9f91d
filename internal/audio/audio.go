// Package audio loads and validates WAV files and shapes waveforms for
// the encoder: mono mix, resample, fixed-duration clip with attention mask.
package audio

import (
	"fmt"
	"os"

	"github.com/go-audio/wav"
)

// Clip is a fixed-length waveform plus its attention mask. When the
// underlying file could not be decoded at sample time, Fallback is set and
// the samples are all zero; the clip still has the requested length so
// batch shapes stay consistent.
type Clip struct {
	Samples  []float32
	Mask     []float32
	Fallback bool
	Reason   string
}

// Probe reports whether the file at path is a decodable WAV container.
func Probe(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	return dec.IsValidFile()
}

// LoadWaveform decodes a WAV file into mono float32 samples in [-1, 1],
// resampled to targetRate.
func LoadWaveform(path string, targetRate int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return nil, fmt.Errorf("decode audio: empty pcm buffer")
	}

	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	scale := float32(int(1) << (dec.BitDepth - 1))
	if scale <= 0 {
		scale = 1 << 15
	}

	frames := len(buf.Data) / channels
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(buf.Data[i*channels+c]) / scale
		}
		mono[i] = sum / float32(channels)
	}

	if buf.Format.SampleRate != targetRate && buf.Format.SampleRate > 0 {
		mono = Resample(mono, buf.Format.SampleRate, targetRate)
	}
	return mono, nil
}

// Resample converts samples from one rate to another with linear
// interpolation.
func Resample(in []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || len(in) == 0 {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}

	outLen := int(float64(len(in)) * float64(toRate) / float64(fromRate))
	if outLen < 1 {
		outLen = 1
	}
	out := make([]float32, outLen)
	step := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = in[idx]*(1-frac) + in[idx+1]*frac
	}
	return out
}

// FitDuration truncates or right-zero-pads samples to exactly n entries
// and returns the clip together with its attention mask (1 for real
// samples, 0 for padding).
func FitDuration(samples []float32, n int) Clip {
	clip := Clip{
		Samples: make([]float32, n),
		Mask:    make([]float32, n),
	}
	keep := len(samples)
	if keep > n {
		keep = n
	}
	copy(clip.Samples, samples[:keep])
	for i := 0; i < keep; i++ {
		clip.Mask[i] = 1
	}
	return clip
}

// ZeroClip builds an all-zero clip of n samples with a full attention
// mask, used when a waveform cannot be loaded at sample-retrieval time.
func ZeroClip(n int, reason string) Clip {
	clip := Clip{
		Samples:  make([]float32, n),
		Mask:     make([]float32, n),
		Fallback: true,
		Reason:   reason,
	}
	for i := range clip.Mask {
		clip.Mask[i] = 1
	}
	return clip
}
