// Package train drives the epoch loop: batched forward and backward
// passes, Adam updates of the fusion head, validation scoring, and
// best-checkpoint tracking.
package train

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gonum.org/v1/gonum/stat"

	"github.com/gramlabs/gramscore/internal/dataset"
	"github.com/gramlabs/gramscore/internal/model"
	"github.com/gramlabs/gramscore/internal/telemetry"
)

var tracer = otel.Tracer("gramscore/train")

// Config controls one training run. Saver is invoked whenever the
// current weights should be persisted: on every validation improvement
// when early stopping is active, otherwise once after the final epoch.
type Config struct {
	Epochs        int
	BatchSize     int
	LearningRate  float64
	EarlyStopping bool
	Patience      int
	Saver         func() error
}

// EpochStats records one epoch of the run. ValLoss and Pearson are NaN
// when no validation set was supplied.
type EpochStats struct {
	Epoch     int
	TrainLoss float64
	ValLoss   float64
	Pearson   float64
	Improved  bool
}

// Trainer owns the optimizer state for one run.
type Trainer struct {
	model   *model.Fusion
	cfg     Config
	log     *slog.Logger
	metrics *telemetry.PipelineMetrics
}

func New(m *model.Fusion, cfg Config, log *slog.Logger, metrics *telemetry.PipelineMetrics) (*Trainer, error) {
	if cfg.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", cfg.Epochs)
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", cfg.LearningRate)
	}
	if cfg.EarlyStopping && cfg.Patience <= 0 {
		return nil, fmt.Errorf("early stopping needs a positive patience, got %d", cfg.Patience)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Trainer{model: m, cfg: cfg, log: log, metrics: metrics}, nil
}

// Run executes the epoch loop. val may be nil; early stopping then has
// nothing to watch and the run completes all configured epochs.
func (t *Trainer) Run(ctx context.Context, train, val *dataset.Dataset) ([]EpochStats, error) {
	ctx, span := tracer.Start(ctx, "train.run")
	defer span.End()

	if !train.Labeled() {
		return nil, fmt.Errorf("training dataset is missing labels")
	}
	if val != nil && !val.Labeled() {
		return nil, fmt.Errorf("validation dataset is missing labels")
	}

	opt := newAdam(t.cfg.LearningRate)
	batches := train.Batches(t.cfg.BatchSize)

	var history []EpochStats
	best := math.Inf(1)
	sinceImproved := 0
	saved := false

	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return history, err
		}

		var lossSum float64
		var seen int
		for _, idx := range batches {
			b, err := train.Batch(ctx, idx)
			if err != nil {
				return history, fmt.Errorf("epoch %d: %w", epoch, err)
			}
			acts, err := t.model.Forward(ctx, b.Clips, b.Masks, b.Features)
			if err != nil {
				return history, fmt.Errorf("epoch %d forward: %w", epoch, err)
			}
			loss, grads, err := t.model.Backward(acts, b.Targets)
			if err != nil {
				return history, fmt.Errorf("epoch %d backward: %w", epoch, err)
			}
			opt.Step(t.model.Params(), grads.Slices())
			lossSum += loss * float64(len(idx))
			seen += len(idx)
		}

		stats := EpochStats{
			Epoch:     epoch,
			TrainLoss: lossSum / float64(seen),
			ValLoss:   math.NaN(),
			Pearson:   math.NaN(),
		}

		if val != nil {
			preds, targets, valLoss, err := Evaluate(ctx, t.model, val, t.cfg.BatchSize)
			if err != nil {
				return history, fmt.Errorf("epoch %d validation: %w", epoch, err)
			}
			stats.ValLoss = valLoss
			stats.Pearson = Pearson(preds, targets)

			if valLoss < best {
				best = valLoss
				sinceImproved = 0
				stats.Improved = true
				if t.cfg.Saver != nil {
					if err := t.cfg.Saver(); err != nil {
						return history, fmt.Errorf("save checkpoint: %w", err)
					}
					saved = true
				}
			} else {
				sinceImproved++
			}
		}

		t.metrics.EpochCompleted(ctx)
		t.log.Info("epoch complete",
			"epoch", epoch,
			"train_loss", stats.TrainLoss,
			"val_loss", stats.ValLoss,
			"pearson", stats.Pearson,
			"improved", stats.Improved,
		)
		history = append(history, stats)

		if t.cfg.EarlyStopping && val != nil && sinceImproved >= t.cfg.Patience {
			t.log.Info("early stopping", "epoch", epoch, "best_val_loss", best)
			break
		}
	}

	span.SetAttributes(attribute.Int("epochs", len(history)))

	// Without validation-driven saves the final weights are the run's
	// product.
	if t.cfg.Saver != nil && !saved {
		if err := t.cfg.Saver(); err != nil {
			return history, fmt.Errorf("save final checkpoint: %w", err)
		}
	}
	return history, nil
}

// Evaluate runs the model over a labeled dataset without updating
// weights and returns per-sample predictions, targets, and mean squared
// error.
func Evaluate(ctx context.Context, m *model.Fusion, ds *dataset.Dataset, batchSize int) (preds, targets []float64, loss float64, err error) {
	for _, idx := range ds.Batches(batchSize) {
		b, err := ds.Batch(ctx, idx)
		if err != nil {
			return nil, nil, 0, err
		}
		acts, err := m.Forward(ctx, b.Clips, b.Masks, b.Features)
		if err != nil {
			return nil, nil, 0, err
		}
		preds = append(preds, acts.Preds...)
		targets = append(targets, b.Targets...)
	}
	return preds, targets, model.Loss(preds, targets), nil
}

// Pearson is the correlation between predictions and targets; NaN when
// either side has no variance or fewer than two points.
func Pearson(preds, targets []float64) float64 {
	if len(preds) < 2 {
		return math.NaN()
	}
	return stat.Correlation(preds, targets, nil)
}
