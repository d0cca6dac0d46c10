package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/MikeSquared-Agency/loom/internal/genjob"
	"github.com/MikeSquared-Agency/loom/internal/loom"
	"github.com/MikeSquared-Agency/loom/internal/store"
)

const (
	apiURL           = "https://api.anthropic.com/v1/messages"
	defaultMaxTokens = 1024
)

// Client streams replies from the Anthropic Messages API.
type Client struct {
	apiKey    string
	model     string
	url       string
	maxTokens int
	client    *http.Client
	logger    *slog.Logger
}

func NewClient(apiKey, model string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiKey:    apiKey,
		model:     model,
		url:       apiURL,
		maxTokens: defaultMaxTokens,
		// No client timeout: a stream lives as long as the reply. The request
		// context bounds it.
		client: &http.Client{},
		logger: logger,
	}
}

// SetTestTransport points the client at a test server.
func (c *Client) SetTestTransport(url string) {
	c.url = url
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	Stream    bool      `json:"stream"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// GenerateStream opens a streaming completion for history.
func (c *Client) GenerateStream(ctx context.Context, history []loom.Message) (genjob.TextStream, error) {
	system, messages := toMessages(history)
	body, err := json.Marshal(request{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    system,
		Messages:  messages,
		Stream:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Type != "" {
			return nil, fmt.Errorf("api error %d: %s: %s", resp.StatusCode, errResp.Error.Type, errResp.Error.Message)
		}
		return nil, fmt.Errorf("api error %d: %s", resp.StatusCode, string(respBody))
	}

	c.logger.Debug("anthropic stream opened", "model", c.model, "messages", len(messages))
	return newStream(resp.Body), nil
}

// toMessages splits history into the system prompt and the turn list. System
// entries are joined into one prompt, consecutive turns of the same role are
// merged, and a leading assistant turn gets a placeholder user turn in front,
// since the API requires the conversation to open with the user.
func toMessages(history []loom.Message) (string, []Message) {
	var system string
	var out []Message
	for _, m := range history {
		if m.Role == store.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Text
			continue
		}
		role := "user"
		if m.Role == store.RoleAssistant {
			role = "assistant"
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n" + m.Text
			continue
		}
		out = append(out, Message{Role: role, Content: m.Text})
	}
	if len(out) == 0 || out[0].Role != "user" {
		out = append([]Message{{Role: "user", Content: "(start)"}}, out...)
	}
	return system, out
}
