package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"

	"github.com/tmaxmax/go-sse"
	"github.com/tubewise/tube-web-ui/internal/generation"
	"github.com/tubewise/tube-web-ui/internal/models"
)

// Anthropic provides an interface to the Anthropic API for large language model
// interactions. It implements the generation.Streamer interface and handles
// streaming chat completions using Claude models.
type Anthropic struct {
	model     string
	maxTokens int

	keys   KeySource
	client *http.Client
}

type anthropicChatRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens,omitempty"`
	Stream    bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const anthropicAPIEndpoint = "https://api.anthropic.com/v1"

// NewAnthropic creates a new Anthropic instance with the specified model name
// and maximum token limit. The API key is resolved per request through keys.
func NewAnthropic(model string, maxTokens int, keys KeySource) Anthropic {
	return Anthropic{
		model:     model,
		maxTokens: maxTokens,
		keys:      keys,
		client:    &http.Client{},
	}
}

func extractSystemMessage(messages []models.Message) (string, []models.Message) {
	if len(messages) == 0 {
		return "", messages
	}

	if messages[0].Role == models.RoleSystem {
		return messages[0].Content, messages[1:]
	}

	return "", messages
}

func classifyAnthropicError(errType, message string) error {
	switch errType {
	case "authentication_error":
		return fmt.Errorf("%w: %s", generation.ErrInvalidCredential, message)
	case "not_found_error":
		return fmt.Errorf("%w: %s", generation.ErrModelUnavailable, message)
	}
	return fmt.Errorf("anthropic error %s: %s", errType, message)
}

// Stream streams responses from the Anthropic API for a given sequence of
// messages. It processes system messages separately and yields response chunks
// in arrival order. Cancelling ctx aborts the request silently.
func (a Anthropic) Stream(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		key, err := a.keys.APIKey(ctx)
		if err != nil {
			yield("", err)
			return
		}

		systemMessage, ms := extractSystemMessage(messages)

		msgs := make([]anthropicMessage, len(ms))
		for i, msg := range ms {
			msgs[i] = anthropicMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			}
		}

		reqBody := anthropicChatRequest{
			Model:     a.model,
			Messages:  msgs,
			Stream:    true,
			System:    systemMessage,
			MaxTokens: a.maxTokens,
		}

		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			yield("", fmt.Errorf("error marshaling request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			anthropicAPIEndpoint+"/messages", bytes.NewBuffer(jsonBody))
		if err != nil {
			yield("", fmt.Errorf("error creating request: %w", err))
			return
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", key)
		req.Header.Set("anthropic-version", "2023-06-01")

		resp, err := a.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			var e anthropicError
			if err := json.Unmarshal(body, &e); err == nil && e.Error.Type != "" {
				yield("", classifyAnthropicError(e.Error.Type, e.Error.Message))
				return
			}
			yield("", fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body)))
			return
		}

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error reading response: %w", err))
				return
			}
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield("", fmt.Errorf("error unmarshaling error: %w", err))
					return
				}
				yield("", classifyAnthropicError(e.Error.Type, e.Error.Message))
				return
			case "message_stop":
				return
			case "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield("", fmt.Errorf("error unmarshaling response: %w", err))
					return
				}
				if !yield(res.Delta.Text, nil) {
					return
				}
			default:
				continue
			}
		}
	}
}

// GenerateTitle generates a title for a given message using a single
// non-streaming request.
func (a Anthropic) GenerateTitle(ctx context.Context, message string) (string, error) {
	key, err := a.keys.APIKey(ctx)
	if err != nil {
		return "", err
	}

	reqBody := anthropicChatRequest{
		Model:     a.model,
		Messages:  []anthropicMessage{{Role: string(models.RoleUser), Content: message}},
		MaxTokens: a.maxTokens,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		anthropicAPIEndpoint+"/messages", bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", key)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	var res anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}

	for _, ct := range res.Content {
		if ct.Type == "text" {
			return ct.Text, nil
		}
	}

	return "", errors.New("no text content found")
}
