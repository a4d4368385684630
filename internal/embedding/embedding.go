package embedding

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"guideline-rag/internal/config"
	"guideline-rag/internal/models"
)

const defaultBatchSize = 64

// NewEmbedder creates an embedder for the configured provider.
func NewEmbedder(llmConfig *config.LLMConfig) (*embeddings.EmbedderImpl, error) {
	log.Debug().Interface("config", map[string]string{
		"provider":        llmConfig.Provider,
		"base_url":        llmConfig.BaseURL,
		"embedding_model": llmConfig.Model,
	}).Msg("Loaded embedder config")

	var client embeddings.EmbedderClient
	switch llmConfig.Provider {
	case "ollama":
		llm, err := NewOllamaClient(llmConfig)
		if err != nil {
			return nil, err
		}
		client = llm
	default:
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(llmConfig.Key, "Bearer ")),
			openai.WithEmbeddingModel(llmConfig.Model),
		}
		if llmConfig.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(llmConfig.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("error initializing embedding client: %w", err)
		}
		client = llm
	}

	embedder, err := embeddings.NewEmbedder(client,
		embeddings.WithBatchSize(defaultBatchSize),
		embeddings.WithStripNewLines(true),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating embedder: %w", err)
	}
	return embedder, nil
}

// new ollama client
func NewOllamaClient(llmConfig *config.LLMConfig) (*ollama.LLM, error) {
	opts := []ollama.Option{ollama.WithModel(llmConfig.Model)}
	if llmConfig.BaseURL != "" {
		opts = append(opts, ollama.WithServerURL(llmConfig.BaseURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("error initializing ollama client: %w", err)
	}
	return llm, nil
}

// GenerateContext asks model for a short context situating chunk within document.
func GenerateContext(ctx context.Context, model llms.Model, document, chunk string) (string, error) {
	prompt := fmt.Sprintf(models.ContextPromptTemplate, document, chunk)

	msgContent := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}

	res, err := model.GenerateContent(ctx, msgContent, llms.WithTemperature(0))
	if err != nil {
		return "", err
	}
	if len(res.Choices) == 0 {
		return "", fmt.Errorf("empty context response")
	}
	return strings.TrimSpace(res.Choices[0].Content), nil
}
