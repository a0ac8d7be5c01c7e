package ingestion_engine

import (
	"time"

	"github.com/markdave123-py/drivesync/internal/config"
)

// IngestConfig tunes the per-file pipeline.
//
// ChunkWords:         words per chunk (e.g., 300).
// UploadBatchSize:    index writes per batch on the standard tier (e.g., 100).
// StreamingBatchSize: chunks embedded and written together while a large file streams (e.g., 10).
// EmbedBatchSize:     texts per embedding request.
// FileConcurrency:    files processed in parallel within one delta cycle.
// LargeFileTimeout:   hard wall-clock bound for the streaming and queued tiers.
// IndexCapacity:      chunk budget of the index; 0 disables the capacity check.
type IngestConfig struct {
	ChunkWords         int
	UploadBatchSize    int
	StreamingBatchSize int
	EmbedBatchSize     int
	FileConcurrency    int
	StreamingWorkers   int
	QueueWorkers       int
	LargeFileTimeout   time.Duration
	TempDir            string
	IndexCapacity      int64
}

// ConfigFrom lifts the pipeline tunables out of the process configuration.
func ConfigFrom(cfg *config.Config) IngestConfig {
	p := cfg.Pipeline
	return IngestConfig{
		ChunkWords:         p.ChunkWords,
		UploadBatchSize:    p.UploadBatchSize,
		StreamingBatchSize: p.StreamingBatchSize,
		EmbedBatchSize:     p.EmbedBatchSize,
		FileConcurrency:    p.FileConcurrency,
		StreamingWorkers:   p.StreamingWorkers,
		QueueWorkers:       p.QueueWorkers,
		LargeFileTimeout:   p.LargeFileTimeout,
		TempDir:            cfg.TempDir,
		IndexCapacity:      cfg.IndexCapacity,
	}
}

func (c IngestConfig) withDefaults() IngestConfig {
	d := config.DefaultPipeline()
	if c.ChunkWords <= 0 {
		c.ChunkWords = d.ChunkWords
	}
	if c.UploadBatchSize <= 0 {
		c.UploadBatchSize = d.UploadBatchSize
	}
	if c.StreamingBatchSize <= 0 {
		c.StreamingBatchSize = d.StreamingBatchSize
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = d.EmbedBatchSize
	}
	if c.FileConcurrency <= 0 {
		c.FileConcurrency = d.FileConcurrency
	}
	if c.StreamingWorkers <= 0 {
		c.StreamingWorkers = d.StreamingWorkers
	}
	if c.QueueWorkers <= 0 {
		c.QueueWorkers = d.QueueWorkers
	}
	if c.LargeFileTimeout <= 0 {
		c.LargeFileTimeout = d.LargeFileTimeout
	}
	return c
}

// chunk is the internal representation passed through the pipeline.
//
// Pos:  stable, zero-based position of the chunk inside the document.
// Text: chunk content.
type chunk struct {
	Pos  int
	Text string
}
