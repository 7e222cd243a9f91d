package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// PipelineMetrics holds the counters incremented during dataset assembly,
// training, and inference. A nil *PipelineMetrics is safe to use everywhere.
type PipelineMetrics struct {
	rowsKept            metric.Int64Counter
	rowsExcluded        metric.Int64Counter
	transcribeFallbacks metric.Int64Counter
	waveformFallbacks   metric.Int64Counter
	epochsCompleted     metric.Int64Counter
	predictionsProduced metric.Int64Counter
}

// NewPipelineMetrics registers the pipeline counters on the global meter.
func NewPipelineMetrics() (*PipelineMetrics, error) {
	meter := otel.Meter("gramscore/pipeline")
	m := &PipelineMetrics{}

	var err error
	if m.rowsKept, err = meter.Int64Counter("dataset.rows_kept"); err != nil {
		return nil, err
	}
	if m.rowsExcluded, err = meter.Int64Counter("dataset.rows_excluded"); err != nil {
		return nil, err
	}
	if m.transcribeFallbacks, err = meter.Int64Counter("dataset.transcribe_fallbacks"); err != nil {
		return nil, err
	}
	if m.waveformFallbacks, err = meter.Int64Counter("dataset.waveform_fallbacks"); err != nil {
		return nil, err
	}
	if m.epochsCompleted, err = meter.Int64Counter("train.epochs_completed"); err != nil {
		return nil, err
	}
	if m.predictionsProduced, err = meter.Int64Counter("predict.records_produced"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PipelineMetrics) RowKept(ctx context.Context) {
	if m == nil {
		return
	}
	m.rowsKept.Add(ctx, 1)
}

func (m *PipelineMetrics) RowExcluded(ctx context.Context) {
	if m == nil {
		return
	}
	m.rowsExcluded.Add(ctx, 1)
}

func (m *PipelineMetrics) TranscribeFallback(ctx context.Context) {
	if m == nil {
		return
	}
	m.transcribeFallbacks.Add(ctx, 1)
}

func (m *PipelineMetrics) WaveformFallback(ctx context.Context) {
	if m == nil {
		return
	}
	m.waveformFallbacks.Add(ctx, 1)
}

func (m *PipelineMetrics) EpochCompleted(ctx context.Context) {
	if m == nil {
		return
	}
	m.epochsCompleted.Add(ctx, 1)
}

func (m *PipelineMetrics) PredictionsProduced(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.predictionsProduced.Add(ctx, int64(n))
}
