// Package pipeline wires the full scoring system together: telemetry,
// dataset assembly, the frozen encoder, the fusion head, training,
// prediction, and run history.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/gramlabs/gramscore/internal/config"
	"github.com/gramlabs/gramscore/internal/dataset"
	"github.com/gramlabs/gramscore/internal/encoder"
	"github.com/gramlabs/gramscore/internal/grade"
	"github.com/gramlabs/gramscore/internal/model"
	"github.com/gramlabs/gramscore/internal/runstore"
	"github.com/gramlabs/gramscore/internal/stt"
	"github.com/gramlabs/gramscore/internal/telemetry"
	"github.com/gramlabs/gramscore/internal/textfeat"
	"github.com/gramlabs/gramscore/internal/train"
)

var tracer = otel.Tracer("gramscore/pipeline")

// Pipeline holds the shared runtime pieces for one invocation.
type Pipeline struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *telemetry.PipelineMetrics
	store   *runstore.Store

	shutdown   func(context.Context) error
	metricsSrv *http.Server
}

// New sets up telemetry and the run store. Callers must Close.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*Pipeline, error) {
	shutdown, promHandler, err := telemetry.Setup(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("telemetry setup: %w", err)
	}

	metrics, err := telemetry.NewPipelineMetrics()
	if err != nil {
		shutdown(ctx)
		return nil, fmt.Errorf("pipeline metrics: %w", err)
	}

	store, err := runstore.Open(ctx, cfg.RunStore, log)
	if err != nil {
		shutdown(ctx)
		return nil, fmt.Errorf("open run store: %w", err)
	}

	p := &Pipeline{
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		store:    store,
		shutdown: shutdown,
	}

	if cfg.Telemetry.PrometheusBind != "" && promHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promHandler)
		p.metricsSrv = &http.Server{Addr: cfg.Telemetry.PrometheusBind, Handler: mux}
		go func() {
			if err := p.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("metrics endpoint stopped", "error", err)
			}
		}()
		log.Info("serving metrics", "addr", cfg.Telemetry.PrometheusBind)
	}

	return p, nil
}

// Close flushes telemetry and releases the run store.
func (p *Pipeline) Close(ctx context.Context) error {
	var errs []error
	if p.metricsSrv != nil {
		shutCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := p.metricsSrv.Shutdown(shutCtx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if err := p.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *Pipeline) assembleOpts(rows []dataset.Row) (dataset.Options, error) {
	transcriber, err := stt.New(p.cfg.STT, p.log)
	if err != nil {
		return dataset.Options{}, fmt.Errorf("transcriber: %w", err)
	}
	return dataset.Options{
		Rows:        rows,
		AudioDir:    p.cfg.Dataset.AudioDir,
		SampleRate:  p.cfg.Dataset.SampleRate,
		ClipSeconds: p.cfg.Dataset.ClipSeconds,
		Transcriber: transcriber,
		Extractor:   textfeat.New(p.log),
		Preprocess:  encoder.Preprocess,
		Logger:      p.log,
		Metrics:     p.metrics,
	}, nil
}

func closeTranscriber(t stt.Transcriber) {
	if c, ok := t.(interface{ Close() }); ok {
		c.Close()
	}
}

// Train assembles the training and optional validation datasets, fits
// the feature scaler on training rows only, trains the fusion head, and
// writes the best checkpoint.
func (p *Pipeline) Train(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "pipeline.train")
	defer span.End()

	runID, err := p.store.BeginRun(ctx, "train")
	if err != nil {
		return err
	}
	status := "failed"
	defer func() {
		if err := p.store.FinishRun(ctx, runID, status); err != nil {
			p.log.Warn("finish run record failed", "error", err)
		}
	}()

	trainRows, err := dataset.ReadManifest(p.cfg.Dataset.TrainManifest, p.cfg.Dataset.FilenameColumn, p.cfg.Dataset.LabelColumn)
	if err != nil {
		return err
	}

	opts, err := p.assembleOpts(trainRows)
	if err != nil {
		return err
	}
	defer closeTranscriber(opts.Transcriber)

	trainDS, report, err := dataset.Assemble(ctx, opts)
	if err != nil {
		return fmt.Errorf("assemble training data: %w", err)
	}
	p.logReport("train", report)

	var valDS *dataset.Dataset
	if p.cfg.Dataset.ValManifest != "" {
		valRows, err := dataset.ReadManifest(p.cfg.Dataset.ValManifest, p.cfg.Dataset.FilenameColumn, p.cfg.Dataset.LabelColumn)
		if err != nil {
			return err
		}
		valOpts := opts
		valOpts.Rows = valRows
		valOpts.Scaler = trainDS.Scaler() // training statistics only
		valDS, report, err = dataset.Assemble(ctx, valOpts)
		if err != nil {
			return fmt.Errorf("assemble validation data: %w", err)
		}
		p.logReport("validation", report)
	}

	enc, err := encoder.New(p.cfg.Encoder, p.log)
	if err != nil {
		return fmt.Errorf("load encoder: %w", err)
	}
	defer enc.Close()

	fusion, err := model.New(enc, p.cfg.Model.AudioProjectionDim, p.cfg.Model.GrammarProjectionDim, textfeat.Dim, p.cfg.Train.Seed)
	if err != nil {
		return fmt.Errorf("build model: %w", err)
	}

	trainer, err := train.New(fusion, train.Config{
		Epochs:        p.cfg.Train.Epochs,
		BatchSize:     p.cfg.Train.BatchSize,
		LearningRate:  p.cfg.Train.LearningRate,
		EarlyStopping: p.cfg.Train.EarlyStopping,
		Patience:      p.cfg.Train.Patience,
		Saver: func() error {
			return model.Save(p.cfg.Train.CheckpointPath, fusion, trainDS.Scaler())
		},
	}, p.log, p.metrics)
	if err != nil {
		return err
	}

	history, err := trainer.Run(ctx, trainDS, valDS)
	for _, st := range history {
		if rerr := p.store.RecordEpoch(ctx, runID, st.Epoch, st.TrainLoss, st.ValLoss, st.Pearson, st.Improved); rerr != nil {
			p.log.Warn("record epoch failed", "epoch", st.Epoch, "error", rerr)
		}
	}
	if err != nil {
		return fmt.Errorf("training: %w", err)
	}

	status = "completed"
	p.log.Info("training complete", "epochs", len(history), "checkpoint", p.cfg.Train.CheckpointPath)
	return nil
}

// Predict loads a checkpoint, scores every manifest row, grades the
// scores, and writes the prediction CSV.
func (p *Pipeline) Predict(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "pipeline.predict")
	defer span.End()

	runID, err := p.store.BeginRun(ctx, "predict")
	if err != nil {
		return err
	}
	status := "failed"
	defer func() {
		if err := p.store.FinishRun(ctx, runID, status); err != nil {
			p.log.Warn("finish run record failed", "error", err)
		}
	}()

	grader, err := grade.New(p.cfg.Grade.Thresholds)
	if err != nil {
		return err
	}

	cp, err := model.LoadCheckpoint(p.cfg.Train.CheckpointPath)
	if err != nil {
		return err
	}

	rows, err := dataset.ReadManifest(p.cfg.Dataset.PredictManifest, p.cfg.Dataset.FilenameColumn, p.cfg.Dataset.LabelColumn)
	if err != nil {
		return err
	}

	enc, err := encoder.New(p.cfg.Encoder, p.log)
	if err != nil {
		return fmt.Errorf("load encoder: %w", err)
	}
	defer enc.Close()

	fusion, scaler, err := model.FromCheckpoint(cp, enc)
	if err != nil {
		return err
	}

	opts, err := p.assembleOpts(rows)
	if err != nil {
		return err
	}
	defer closeTranscriber(opts.Transcriber)
	opts.Scaler = scaler

	ds, report, err := dataset.Assemble(ctx, opts)
	if err != nil {
		return fmt.Errorf("assemble prediction data: %w", err)
	}
	p.logReport("predict", report)

	var preds []dataset.Prediction
	for _, idx := range ds.Batches(p.cfg.Train.BatchSize) {
		b, err := ds.Batch(ctx, idx)
		if err != nil {
			return err
		}
		acts, err := fusion.Forward(ctx, b.Clips, b.Masks, b.Features)
		if err != nil {
			return fmt.Errorf("score batch: %w", err)
		}
		for i, score := range acts.Preds {
			pr := dataset.Prediction{
				Filename: b.Filenames[i],
				Score:    score,
				Grade:    grader.Grade(score),
			}
			preds = append(preds, pr)
			if rerr := p.store.RecordPrediction(ctx, runID, pr.Filename, pr.Score, pr.Grade); rerr != nil {
				p.log.Warn("record prediction failed", "file", pr.Filename, "error", rerr)
			}
		}
	}

	if err := dataset.WritePredictions(p.cfg.Predict.OutputPath, preds); err != nil {
		return err
	}
	p.metrics.PredictionsProduced(ctx, len(preds))

	status = "completed"
	p.log.Info("prediction complete", "rows", len(preds), "output", p.cfg.Predict.OutputPath)
	return nil
}

// Prep runs the preprocessing pass alone and reports what training
// would keep, drop, and degrade.
func (p *Pipeline) Prep(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "pipeline.prep")
	defer span.End()

	rows, err := dataset.ReadManifest(p.cfg.Dataset.TrainManifest, p.cfg.Dataset.FilenameColumn, p.cfg.Dataset.LabelColumn)
	if err != nil {
		return err
	}
	opts, err := p.assembleOpts(rows)
	if err != nil {
		return err
	}
	defer closeTranscriber(opts.Transcriber)

	_, report, err := dataset.Assemble(ctx, opts)
	if report != nil {
		p.logReport("prep", report)
		for _, f := range report.Excluded {
			p.log.Warn("excluded", "file", f.Filename, "reason", f.Reason)
		}
		for _, f := range report.Fallbacks {
			p.log.Warn("degraded", "file", f.Filename, "reason", f.Reason)
		}
	}
	return err
}

func (p *Pipeline) logReport(stage string, r *dataset.Report) {
	p.log.Info("dataset assembled",
		"stage", stage,
		"total", r.Total,
		"kept", r.Kept,
		"excluded_invalid_audio", r.ExcludedInvalidAudio,
		"transcript_fallbacks", r.TranscriptFallbacks,
	)
}
