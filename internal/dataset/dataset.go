// Package dataset turns a CSV manifest plus an audio directory into
// model-ready batches: it filters unreadable audio, runs transcription
// and grammar feature extraction once per row, and standardizes the
// feature matrix.
package dataset

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gramlabs/gramscore/internal/audio"
	"github.com/gramlabs/gramscore/internal/scaler"
	"github.com/gramlabs/gramscore/internal/stt"
	"github.com/gramlabs/gramscore/internal/telemetry"
	"github.com/gramlabs/gramscore/internal/textfeat"
)

var tracer = otel.Tracer("gramscore/dataset")

// Options configures one assembly pass. When Scaler is nil a new scaler
// is fitted on this dataset's features; passing a fitted scaler reuses
// the training-time statistics instead.
type Options struct {
	Rows        []Row
	AudioDir    string
	SampleRate  int
	ClipSeconds float64

	Transcriber stt.Transcriber
	Extractor   *textfeat.Extractor
	Scaler      *scaler.Standard
	Preprocess  func([]float32) []float32

	Logger  *slog.Logger
	Metrics *telemetry.PipelineMetrics
}

// RowFailure records why a manifest row was dropped or degraded.
type RowFailure struct {
	Filename string
	Reason   string
}

// Report summarizes an assembly pass.
type Report struct {
	Total                int
	Kept                 int
	ExcludedInvalidAudio int
	TranscriptFallbacks  int
	Excluded             []RowFailure
	Fallbacks            []RowFailure
}

// Dataset is an assembled, feature-complete sample collection. Feature
// vectors are precomputed and scaled; waveforms are loaded lazily per
// sample so large datasets never sit fully in memory.
type Dataset struct {
	rows       []Row
	features   [][]float64
	audioDir   string
	sampleRate int
	clipLen    int
	preprocess func([]float32) []float32
	scaler     *scaler.Standard
	log        *slog.Logger
	metrics    *telemetry.PipelineMetrics
}

// Sample is one fully materialized training or prediction example.
type Sample struct {
	Filename string
	Clip     audio.Clip
	Features []float64
	Label    float64
	Labeled  bool
}

// Assemble runs the preprocessing pass over all manifest rows.
func Assemble(ctx context.Context, opts Options) (*Dataset, *Report, error) {
	ctx, span := tracer.Start(ctx, "dataset.assemble")
	defer span.End()

	if opts.SampleRate <= 0 || opts.ClipSeconds <= 0 {
		return nil, nil, fmt.Errorf("invalid clip geometry: rate=%d seconds=%v", opts.SampleRate, opts.ClipSeconds)
	}
	if opts.Transcriber == nil || opts.Extractor == nil {
		return nil, nil, fmt.Errorf("assembly needs a transcriber and a feature extractor")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	report := &Report{Total: len(opts.Rows)}
	var kept []Row
	var raw [][]float64

	for _, row := range opts.Rows {
		path := filepath.Join(opts.AudioDir, row.Filename)
		if !audio.Probe(path) {
			report.ExcludedInvalidAudio++
			report.Excluded = append(report.Excluded, RowFailure{row.Filename, "unreadable audio"})
			opts.Metrics.RowExcluded(ctx)
			log.Warn("excluding row with unreadable audio", "file", row.Filename)
			continue
		}

		var text string
		res, err := opts.Transcriber.Transcribe(ctx, path)
		if err != nil {
			report.TranscriptFallbacks++
			report.Fallbacks = append(report.Fallbacks, RowFailure{row.Filename, err.Error()})
			opts.Metrics.TranscribeFallback(ctx)
			log.Warn("transcription failed, using empty transcript", "file", row.Filename, "error", err)
		} else {
			text = res.Text
		}

		ext := opts.Extractor.Extract(text)
		if ext.Fallback && err == nil {
			report.TranscriptFallbacks++
			report.Fallbacks = append(report.Fallbacks, RowFailure{row.Filename, ext.Reason})
		}

		kept = append(kept, row)
		raw = append(raw, ext.Vector)
		opts.Metrics.RowKept(ctx)
	}

	report.Kept = len(kept)
	span.SetAttributes(
		attribute.Int("rows.total", report.Total),
		attribute.Int("rows.kept", report.Kept),
	)
	if len(kept) == 0 {
		return nil, report, fmt.Errorf("no usable rows out of %d", report.Total)
	}

	sc := opts.Scaler
	var features [][]float64
	var err error
	if sc == nil {
		sc = scaler.New()
		features, err = sc.FitTransform(raw)
	} else {
		features, err = sc.Transform(raw)
	}
	if err != nil {
		return nil, report, fmt.Errorf("scale features: %w", err)
	}

	ds := &Dataset{
		rows:       kept,
		features:   features,
		audioDir:   opts.AudioDir,
		sampleRate: opts.SampleRate,
		clipLen:    int(opts.ClipSeconds * float64(opts.SampleRate)),
		preprocess: opts.Preprocess,
		scaler:     sc,
		log:        log,
		metrics:    opts.Metrics,
	}
	return ds, report, nil
}

// Len reports the number of kept rows.
func (d *Dataset) Len() int { return len(d.rows) }

// Scaler returns the scaler used for this dataset's features.
func (d *Dataset) Scaler() *scaler.Standard { return d.scaler }

// Labeled reports whether every kept row carries a label.
func (d *Dataset) Labeled() bool {
	for _, r := range d.rows {
		if !r.Labeled {
			return false
		}
	}
	return len(d.rows) > 0
}

// Sample loads row i: waveform from disk, resampled and fit to the
// fixed clip length. A row whose audio fails to load at this stage
// degrades to a tagged zero clip rather than failing the batch.
func (d *Dataset) Sample(ctx context.Context, i int) (Sample, error) {
	if i < 0 || i >= len(d.rows) {
		return Sample{}, fmt.Errorf("sample index %d out of range [0,%d)", i, len(d.rows))
	}
	row := d.rows[i]

	var clip audio.Clip
	samples, err := audio.LoadWaveform(filepath.Join(d.audioDir, row.Filename), d.sampleRate)
	if err != nil {
		d.log.Warn("waveform load failed, substituting silence", "file", row.Filename, "error", err)
		d.metrics.WaveformFallback(ctx)
		clip = audio.ZeroClip(d.clipLen, err.Error())
	} else {
		clip = audio.FitDuration(samples, d.clipLen)
	}
	if d.preprocess != nil {
		clip.Samples = d.preprocess(clip.Samples)
	}

	return Sample{
		Filename: row.Filename,
		Clip:     clip,
		Features: d.features[i],
		Label:    row.Label,
		Labeled:  row.Labeled,
	}, nil
}

// Batch is a model-ready slice of samples in column layout.
type Batch struct {
	Filenames []string
	Clips     [][]float32
	Masks     [][]float32
	Features  [][]float64
	Targets   []float64
	Fallbacks int
}

// Batches partitions indices [0,Len) into consecutive groups of at most
// size. Order is manifest order; shuffling is the caller's concern.
func (d *Dataset) Batches(size int) [][]int {
	if size <= 0 {
		size = 1
	}
	var out [][]int
	for start := 0; start < len(d.rows); start += size {
		end := start + size
		if end > len(d.rows) {
			end = len(d.rows)
		}
		idx := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			idx = append(idx, i)
		}
		out = append(out, idx)
	}
	return out
}

// Batch materializes the given sample indices.
func (d *Dataset) Batch(ctx context.Context, indices []int) (*Batch, error) {
	b := &Batch{
		Filenames: make([]string, 0, len(indices)),
		Clips:     make([][]float32, 0, len(indices)),
		Masks:     make([][]float32, 0, len(indices)),
		Features:  make([][]float64, 0, len(indices)),
		Targets:   make([]float64, 0, len(indices)),
	}
	for _, i := range indices {
		s, err := d.Sample(ctx, i)
		if err != nil {
			return nil, err
		}
		b.Filenames = append(b.Filenames, s.Filename)
		b.Clips = append(b.Clips, s.Clip.Samples)
		b.Masks = append(b.Masks, s.Clip.Mask)
		b.Features = append(b.Features, s.Features)
		b.Targets = append(b.Targets, s.Label)
		if s.Clip.Fallback {
			b.Fallbacks++
		}
	}
	return b, nil
}
