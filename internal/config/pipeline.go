package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	MB = int64(1024 * 1024)
	GB = 1024 * MB
)

// Pipeline holds the ingestion tuning knobs. None of them affect correctness.
type Pipeline struct {
	ChunkWords          int           `yaml:"chunk_words"`
	UploadBatchSize     int           `yaml:"upload_batch_size"`
	StreamingBatchSize  int           `yaml:"streaming_batch_size"`
	EmbedBatchSize      int           `yaml:"embed_batch_size"`
	FileConcurrency     int           `yaml:"file_concurrency"`
	StreamingWorkers    int           `yaml:"streaming_workers"`
	QueueWorkers        int           `yaml:"queue_workers"`
	LargeFileTimeout    time.Duration `yaml:"large_file_timeout"`
	StandardMaxBytes    int64         `yaml:"standard_max_bytes"`
	StreamingMaxBytes   int64         `yaml:"streaming_max_bytes"`
	QueuedMaxBytes      int64         `yaml:"queued_max_bytes"`
	UnknownTypeMaxBytes int64         `yaml:"unknown_type_max_bytes"`
	RenewalWindow       time.Duration `yaml:"renewal_window"`
	RenewalExtension    time.Duration `yaml:"renewal_extension"`
}

func DefaultPipeline() Pipeline {
	return Pipeline{
		ChunkWords:          300,
		UploadBatchSize:     100,
		StreamingBatchSize:  10,
		EmbedBatchSize:      16,
		FileConcurrency:     4,
		StreamingWorkers:    2,
		QueueWorkers:        1,
		LargeFileTimeout:    30 * time.Minute,
		StandardMaxBytes:    50 * MB,
		StreamingMaxBytes:   200 * MB,
		QueuedMaxBytes:      GB,
		UnknownTypeMaxBytes: 10 * MB,
		RenewalWindow:       6 * time.Hour,
		RenewalExtension:    48 * time.Hour,
	}
}

// LoadPipeline reads a YAML tuning file on top of the defaults.
// A missing file yields the defaults.
func LoadPipeline(path string) (Pipeline, error) {
	p := DefaultPipeline()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return p, nil
		}
		return p, fmt.Errorf("read pipeline config: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse pipeline config %s: %w", path, err)
	}
	return p, nil
}

func (p Pipeline) Validate() error {
	var errs []error
	positive := map[string]int{
		"chunk_words":          p.ChunkWords,
		"upload_batch_size":    p.UploadBatchSize,
		"streaming_batch_size": p.StreamingBatchSize,
		"embed_batch_size":     p.EmbedBatchSize,
		"file_concurrency":     p.FileConcurrency,
		"streaming_workers":    p.StreamingWorkers,
		"queue_workers":        p.QueueWorkers,
	}
	for k, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("pipeline %s must be positive, got %d", k, v))
		}
	}
	if !(p.StandardMaxBytes < p.StreamingMaxBytes && p.StreamingMaxBytes < p.QueuedMaxBytes) {
		errs = append(errs, errors.New("pipeline tier thresholds must be strictly increasing"))
	}
	if p.LargeFileTimeout <= 0 {
		errs = append(errs, errors.New("pipeline large_file_timeout must be positive"))
	}
	if p.RenewalExtension <= p.RenewalWindow {
		errs = append(errs, errors.New("pipeline renewal_extension must exceed renewal_window"))
	}
	return errors.Join(errs...)
}
