package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"

	"github.com/tmaxmax/go-sse"
	"github.com/tubewise/tube-web-ui/internal/generation"
	"github.com/tubewise/tube-web-ui/internal/models"
)

// OpenRouter provides an implementation of the generation.Streamer interface
// for interacting with OpenRouter's language models.
type OpenRouter struct {
	model       string
	titlePrompt string

	keys   KeySource
	client *http.Client

	logger *slog.Logger
}

type openRouterChatRequest struct {
	Model    string              `json:"model"`
	Messages []openRouterMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type openRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
}

type openRouterStreamingResponse struct {
	Choices []openRouterStreamingChoice `json:"choices"`
}

type openRouterStreamingChoice struct {
	Delta openRouterMessage `json:"delta"`
}

type openRouterResponse struct {
	Choices []openRouterChoice `json:"choices"`
}

type openRouterChoice struct {
	Message openRouterMessage `json:"message"`
}

const openRouterAPIEndpoint = "https://openrouter.ai/api/v1"

// NewOpenRouter creates a new OpenRouter instance with the specified model
// name. The API key is resolved per request through keys.
func NewOpenRouter(model, titlePrompt string, keys KeySource, logger *slog.Logger) OpenRouter {
	return OpenRouter{
		model:       model,
		titlePrompt: titlePrompt,
		keys:        keys,
		client:      &http.Client{},
		logger:      logger.With(slog.String("module", "openrouter")),
	}
}

// Stream streams responses from the OpenRouter API for a given sequence of
// messages. It yields response chunks in arrival order and returns silently
// when ctx is cancelled.
func (o OpenRouter) Stream(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := o.doRequest(ctx, messages, true)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", err)
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error reading response: %w", err))
				return
			}

			o.logger.Debug("Received event",
				slog.String("event", ev.Data),
			)

			if ev.Data == "[DONE]" {
				return
			}

			var res openRouterStreamingResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				yield("", fmt.Errorf("error unmarshaling response: %w", err))
				return
			}

			if len(res.Choices) == 0 {
				continue
			}

			if text := res.Choices[0].Delta.Content; text != "" {
				if !yield(text, nil) {
					return
				}
			}
		}
	}
}

// GenerateTitle generates a title for a given message using the OpenRouter
// API. It sends a single message and returns the first response content as the
// title.
func (o OpenRouter) GenerateTitle(ctx context.Context, message string) (string, error) {
	msgs := []models.Message{
		{Role: models.RoleSystem, Content: o.titlePrompt},
		{Role: models.RoleUser, Content: message},
	}

	resp, err := o.doRequest(ctx, msgs, false)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	var res openRouterResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}

	if len(res.Choices) == 0 {
		return "", errors.New("no choices found")
	}

	return res.Choices[0].Message.Content, nil
}

func (o OpenRouter) doRequest(
	ctx context.Context,
	messages []models.Message,
	stream bool,
) (*http.Response, error) {
	key, err := o.keys.APIKey(ctx)
	if err != nil {
		return nil, err
	}

	msgs := make([]openRouterMessage, 0, len(messages))
	for _, msg := range messages {
		msgs = append(msgs, openRouterMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	reqBody := openRouterChatRequest{
		Model:    o.model,
		Messages: msgs,
		Stream:   stream,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	o.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		openRouterAPIEndpoint+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("HTTP-Referer", "https://github.com/tubewise/tube-web-ui/")
	req.Header.Set("X-Title", "Tube Web UI")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return nil, fmt.Errorf("%w: %s", generation.ErrInvalidCredential, string(body))
		case http.StatusNotFound:
			return nil, fmt.Errorf("%w: %s", generation.ErrModelUnavailable, string(body))
		}
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	return resp, nil
}
