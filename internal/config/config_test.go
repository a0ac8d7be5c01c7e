package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		GraphTenantID:      "t",
		GraphClientID:      "c",
		GraphClientSecret:  "s",
		WebhookClientState: "secret",
		EmbedProvider:      EmbedGemini,
		AIAPIKey:           "key",
		IndexBackend:       IndexSQLite,
		SQLitePath:         "index.db",
		StateBackend:       StateBadger,
		BadgerPath:         "state",
		EmbedDim:           768,
		SyncWorkers:        2,
		Pipeline:           DefaultPipeline(),
	}
}

func TestValidate_OK(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_ReportsAllMissing(t *testing.T) {
	cfg := validConfig()
	cfg.GraphClientSecret = ""
	cfg.WebhookClientState = ""
	cfg.IndexBackend = IndexPgvector

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GRAPH_CLIENT_SECRET")
	assert.Contains(t, err.Error(), "WEBHOOK_CLIENT_STATE")
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestValidate_UnknownBackends(t *testing.T) {
	cfg := validConfig()
	cfg.EmbedProvider = "other"
	cfg.StateBackend = "redis"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EMBED_PROVIDER")
	assert.Contains(t, err.Error(), "STATE_BACKEND")
}

func TestLoadPipeline_MissingFileUsesDefaults(t *testing.T) {
	p, err := LoadPipeline(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultPipeline(), p)
}

func TestLoadPipeline_PartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chunk_words: 120\nlarge_file_timeout: 5m\n"), 0o644))

	p, err := LoadPipeline(path)
	require.NoError(t, err)
	assert.Equal(t, 120, p.ChunkWords)
	assert.Equal(t, 5*time.Minute, p.LargeFileTimeout)
	assert.Equal(t, 100, p.UploadBatchSize)
	require.NoError(t, p.Validate())
}

func TestPipelineValidate_Thresholds(t *testing.T) {
	p := DefaultPipeline()
	p.StreamingMaxBytes = p.StandardMaxBytes
	assert.Error(t, p.Validate())
}
