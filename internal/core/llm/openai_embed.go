package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/markdave123-py/drivesync/internal/core"
)

// OpenAIConfig selects an OpenAI or Azure OpenAI embedding deployment.
// Setting APIVersion switches the client to the Azure API.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	APIVersion string
	Model      string
	Dim        int
}

// OpenAIEmbedder embeds through any OpenAI-compatible endpoint.
type OpenAIEmbedder struct {
	embedder embeddings.Embedder
	dim      int
	logger   *slog.Logger
}

func NewOpenAIEmbedder(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key not set")
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, openai.WithAPIType(openai.APITypeAzure), openai.WithAPIVersion(cfg.APIVersion))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, err
	}
	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, err
	}

	return &OpenAIEmbedder{
		embedder: embedder,
		dim:      cfg.Dim,
		logger:   logger.With("component", "openai-embedder"),
	}, nil
}

func (e *OpenAIEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	e.logger.Debug("generating embeddings", "count", len(texts))

	vecs, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("openai embed: got %d vectors for %d texts", len(vecs), len(texts))
	}
	for i := range vecs {
		vecs[i] = truncate(vecs[i], e.dim)
	}
	return vecs, nil
}

var _ core.EmbeddingProvider = (*OpenAIEmbedder)(nil)
