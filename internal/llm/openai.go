// Package llm streams chat completions from any OpenAI-compatible endpoint.
// The default base URL is OpenRouter's.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/MikeSquared-Agency/loom/internal/genjob"
	"github.com/MikeSquared-Agency/loom/internal/loom"
	"github.com/MikeSquared-Agency/loom/internal/store"
)

const DefaultBaseURL = "https://openrouter.ai/api/v1"

var _ genjob.Generator = (*OpenAIGenerator)(nil)

type OpenAIGenerator struct {
	client openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIGenerator builds a generator. Extra request options are appended
// after the key and base URL.
func NewOpenAIGenerator(apiKey, baseURL, model string, logger *slog.Logger, extra ...option.RequestOption) *OpenAIGenerator {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithBaseURL(baseURL)}
	opts = append(opts, extra...)
	return &OpenAIGenerator{
		client: openai.NewClient(opts...),
		model:  model,
		logger: logger,
	}
}

func (g *OpenAIGenerator) Model() string { return g.model }

func (g *OpenAIGenerator) GenerateStream(ctx context.Context, history []loom.Message) (genjob.TextStream, error) {
	params := openai.ChatCompletionNewParams{
		Model:    g.model,
		Messages: toParams(history),
	}
	stream := g.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("open completion stream: %w", err)
	}
	g.logger.Debug("completion stream opened", "model", g.model, "messages", len(params.Messages))
	return &chunkStream{stream: stream}, nil
}

func toParams(history []loom.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case store.RoleSystem:
			out = append(out, openai.SystemMessage(m.Text))
		case store.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Text))
		default:
			out = append(out, openai.UserMessage(m.Text))
		}
	}
	return out
}

// chunkStream adapts a chunk stream to text deltas, skipping chunks that
// carry no content.
type chunkStream struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
	cur    string
}

func (s *chunkStream) Next() bool {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if d := chunk.Choices[0].Delta.Content; d != "" {
			s.cur = d
			return true
		}
	}
	return false
}

func (s *chunkStream) Current() string { return s.cur }

func (s *chunkStream) Err() error {
	if err := s.stream.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *chunkStream) Close() error { return s.stream.Close() }
