package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type DatasetConfig struct {
	AudioDir        string  `yaml:"audio_dir"`
	TrainManifest   string  `yaml:"train_manifest"`
	ValManifest     string  `yaml:"val_manifest"`
	PredictManifest string  `yaml:"predict_manifest"`
	FilenameColumn  string  `yaml:"filename_column"`
	LabelColumn     string  `yaml:"label_column"`
	SampleRate      int     `yaml:"sample_rate"`
	ClipSeconds     float64 `yaml:"clip_seconds"`
}

type STTConfig struct {
	Mode           string `yaml:"mode"` // sherpa, exec, mock
	Command        string `yaml:"command"`
	WhisperEncoder string `yaml:"whisper_encoder"`
	WhisperDecoder string `yaml:"whisper_decoder"`
	Encoder        string `yaml:"encoder"`
	Decoder        string `yaml:"decoder"`
	Joiner         string `yaml:"joiner"`
	Tokens         string `yaml:"tokens"`
	Language       string `yaml:"language"`
	SampleRate     int    `yaml:"sample_rate"`
	NumThreads     int    `yaml:"num_threads"`
	Provider       string `yaml:"provider"`
}

type EncoderConfig struct {
	ModelPath  string `yaml:"model_path"`
	HiddenDim  int    `yaml:"hidden_dim"`
	NumThreads int    `yaml:"num_threads"`
}

type ModelConfig struct {
	AudioProjectionDim   int `yaml:"audio_projection_dim"`
	GrammarProjectionDim int `yaml:"grammar_projection_dim"`
}

type TrainConfig struct {
	Epochs         int     `yaml:"epochs"`
	BatchSize      int     `yaml:"batch_size"`
	LearningRate   float64 `yaml:"learning_rate"`
	EarlyStopping  bool    `yaml:"early_stopping"`
	Patience       int     `yaml:"patience"`
	Seed           int64   `yaml:"seed"`
	CheckpointPath string  `yaml:"checkpoint_path"`
}

type GradeConfig struct {
	Thresholds string `yaml:"thresholds"` // half, conservative
}

type PredictConfig struct {
	OutputPath string `yaml:"output_path"`
}

type RunStoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type Config struct {
	Dataset   DatasetConfig   `yaml:"dataset"`
	STT       STTConfig       `yaml:"stt"`
	Encoder   EncoderConfig   `yaml:"encoder"`
	Model     ModelConfig     `yaml:"model"`
	Train     TrainConfig     `yaml:"train"`
	Grade     GradeConfig     `yaml:"grade"`
	Predict   PredictConfig   `yaml:"predict"`
	RunStore  RunStoreConfig  `yaml:"run_store"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

func Default() Config {
	return Config{
		Dataset: DatasetConfig{
			AudioDir:       "./audio",
			FilenameColumn: "filename",
			LabelColumn:    "label",
			SampleRate:     16000,
			ClipSeconds:    10,
		},
		STT: STTConfig{
			Mode:       "sherpa",
			SampleRate: 16000,
			NumThreads: 4,
			Provider:   "cpu",
		},
		Encoder: EncoderConfig{
			HiddenDim:  768,
			NumThreads: 4,
		},
		Model: ModelConfig{
			AudioProjectionDim:   128,
			GrammarProjectionDim: 32,
		},
		Train: TrainConfig{
			Epochs:         20,
			BatchSize:      4,
			LearningRate:   1e-3,
			EarlyStopping:  true,
			Patience:       3,
			Seed:           42,
			CheckpointPath: "./data/checkpoint.json",
		},
		Grade: GradeConfig{
			Thresholds: "half",
		},
		Predict: PredictConfig{
			OutputPath: "./data/predictions.csv",
		},
		RunStore: RunStoreConfig{
			Enabled: true,
			Path:    "./data/gramscore-runs.db",
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Dataset.AudioDir, "GRAMSCORE_DATASET_AUDIO_DIR")
	overrideString(&cfg.Dataset.TrainManifest, "GRAMSCORE_DATASET_TRAIN_MANIFEST")
	overrideString(&cfg.Dataset.ValManifest, "GRAMSCORE_DATASET_VAL_MANIFEST")
	overrideString(&cfg.Dataset.PredictManifest, "GRAMSCORE_DATASET_PREDICT_MANIFEST")
	overrideString(&cfg.Dataset.FilenameColumn, "GRAMSCORE_DATASET_FILENAME_COLUMN")
	overrideString(&cfg.Dataset.LabelColumn, "GRAMSCORE_DATASET_LABEL_COLUMN")
	overrideInt(&cfg.Dataset.SampleRate, "GRAMSCORE_DATASET_SAMPLE_RATE")
	overrideFloat(&cfg.Dataset.ClipSeconds, "GRAMSCORE_DATASET_CLIP_SECONDS")
	overrideString(&cfg.STT.Mode, "GRAMSCORE_STT_MODE")
	overrideString(&cfg.STT.Command, "GRAMSCORE_STT_COMMAND")
	overrideString(&cfg.STT.WhisperEncoder, "GRAMSCORE_STT_WHISPER_ENCODER")
	overrideString(&cfg.STT.WhisperDecoder, "GRAMSCORE_STT_WHISPER_DECODER")
	overrideString(&cfg.STT.Encoder, "GRAMSCORE_STT_ENCODER")
	overrideString(&cfg.STT.Decoder, "GRAMSCORE_STT_DECODER")
	overrideString(&cfg.STT.Joiner, "GRAMSCORE_STT_JOINER")
	overrideString(&cfg.STT.Tokens, "GRAMSCORE_STT_TOKENS")
	overrideString(&cfg.STT.Language, "GRAMSCORE_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "GRAMSCORE_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.NumThreads, "GRAMSCORE_STT_NUM_THREADS")
	overrideString(&cfg.STT.Provider, "GRAMSCORE_STT_PROVIDER")
	overrideString(&cfg.Encoder.ModelPath, "GRAMSCORE_ENCODER_MODEL_PATH")
	overrideInt(&cfg.Encoder.HiddenDim, "GRAMSCORE_ENCODER_HIDDEN_DIM")
	overrideInt(&cfg.Encoder.NumThreads, "GRAMSCORE_ENCODER_NUM_THREADS")
	overrideInt(&cfg.Model.AudioProjectionDim, "GRAMSCORE_MODEL_AUDIO_PROJECTION_DIM")
	overrideInt(&cfg.Model.GrammarProjectionDim, "GRAMSCORE_MODEL_GRAMMAR_PROJECTION_DIM")
	overrideInt(&cfg.Train.Epochs, "GRAMSCORE_TRAIN_EPOCHS")
	overrideInt(&cfg.Train.BatchSize, "GRAMSCORE_TRAIN_BATCH_SIZE")
	overrideFloat(&cfg.Train.LearningRate, "GRAMSCORE_TRAIN_LEARNING_RATE")
	overrideBool(&cfg.Train.EarlyStopping, "GRAMSCORE_TRAIN_EARLY_STOPPING")
	overrideInt(&cfg.Train.Patience, "GRAMSCORE_TRAIN_PATIENCE")
	overrideInt64(&cfg.Train.Seed, "GRAMSCORE_TRAIN_SEED")
	overrideString(&cfg.Train.CheckpointPath, "GRAMSCORE_TRAIN_CHECKPOINT_PATH")
	overrideString(&cfg.Grade.Thresholds, "GRAMSCORE_GRADE_THRESHOLDS")
	overrideString(&cfg.Predict.OutputPath, "GRAMSCORE_PREDICT_OUTPUT_PATH")
	overrideBool(&cfg.RunStore.Enabled, "GRAMSCORE_RUN_STORE_ENABLED")
	overrideString(&cfg.RunStore.Path, "GRAMSCORE_RUN_STORE_PATH")
	overrideString(&cfg.Telemetry.LogLevel, "GRAMSCORE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "GRAMSCORE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "GRAMSCORE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "GRAMSCORE_TELEMETRY_PROMETHEUS_BIND")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.Dataset.AudioDir == "" {
		return errors.New("dataset.audio_dir must not be empty")
	}
	if cfg.Dataset.FilenameColumn == "" {
		return errors.New("dataset.filename_column must not be empty")
	}
	if cfg.Dataset.SampleRate <= 0 {
		return errors.New("dataset.sample_rate must be positive")
	}
	if cfg.Dataset.ClipSeconds <= 0 {
		return errors.New("dataset.clip_seconds must be positive")
	}
	switch cfg.STT.Mode {
	case "sherpa", "exec", "mock":
	default:
		return errors.New("stt.mode must be one of sherpa|exec|mock")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if cfg.Encoder.HiddenDim <= 0 {
		return errors.New("encoder.hidden_dim must be positive")
	}
	if cfg.Model.AudioProjectionDim <= 0 {
		return errors.New("model.audio_projection_dim must be positive")
	}
	if cfg.Model.GrammarProjectionDim <= 0 {
		return errors.New("model.grammar_projection_dim must be positive")
	}
	if cfg.Train.Epochs <= 0 {
		return errors.New("train.epochs must be positive")
	}
	if cfg.Train.BatchSize <= 0 {
		return errors.New("train.batch_size must be positive")
	}
	if cfg.Train.LearningRate <= 0 {
		return errors.New("train.learning_rate must be positive")
	}
	if cfg.Train.EarlyStopping && cfg.Train.Patience < 0 {
		return errors.New("train.patience must be >= 0 when early stopping is enabled")
	}
	if cfg.Train.CheckpointPath == "" {
		return errors.New("train.checkpoint_path must not be empty")
	}
	switch cfg.Grade.Thresholds {
	case "half", "conservative":
	default:
		return errors.New("grade.thresholds must be one of half|conservative")
	}
	if cfg.RunStore.Enabled && cfg.RunStore.Path == "" {
		return errors.New("run_store.path must not be empty when the run store is enabled")
	}
	return nil
}
