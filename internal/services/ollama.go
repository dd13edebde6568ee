package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
	"github.com/tubewise/tube-web-ui/internal/generation"
	"github.com/tubewise/tube-web-ui/internal/models"
)

// Ollama provides an implementation of the generation.Streamer interface for
// interacting with a local Ollama server. It needs no API key.
type Ollama struct {
	host        string
	model       string
	titlePrompt string

	client *api.Client
}

// NewOllama creates a new Ollama instance with the specified host URL and model
// name. The host parameter should be a valid URL pointing to an Ollama server.
// If the provided host URL is invalid, the function will panic.
func NewOllama(host, model, titlePrompt string) Ollama {
	u, err := url.Parse(host)
	if err != nil {
		panic(err)
	}

	return Ollama{
		host:        host,
		model:       model,
		titlePrompt: titlePrompt,
		client:      api.NewClient(u, &http.Client{}),
	}
}

func ollamaMessages(messages []models.Message) []api.Message {
	msgs := make([]api.Message, len(messages))
	for i, msg := range messages {
		msgs[i] = api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}
	return msgs
}

func classifyOllamaError(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", generation.ErrModelUnavailable, statusErr.ErrorMessage)
	}
	return fmt.Errorf("error sending request: %w", err)
}

// Stream streams responses from the Ollama model. The response is streamed
// incrementally, and the function returns silently when ctx is cancelled.
func (o Ollama) Stream(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: ollamaMessages(messages),
			Stream:   &t,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if !yield(res.Message.Content, nil) {
				cancel()
			}
			return nil
		}); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", classifyOllamaError(err))
		}
	}
}

// GenerateTitle generates a title for a given message using the Ollama API. It
// sends a single message to the Ollama API and returns the response content as
// the title.
func (o Ollama) GenerateTitle(ctx context.Context, message string) (string, error) {
	f := false
	req := api.ChatRequest{
		Model: o.model,
		Messages: []api.Message{
			{Role: string(models.RoleSystem), Content: o.titlePrompt},
			{Role: string(models.RoleUser), Content: message},
		},
		Stream: &f,
	}

	var title string

	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		title = res.Message.Content
		return nil
	}); err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	return title, nil
}
