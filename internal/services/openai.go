package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"
	"github.com/tubewise/tube-web-ui/internal/generation"
	"github.com/tubewise/tube-web-ui/internal/models"
)

// OpenAI provides an implementation of the generation.Streamer interface for
// interacting with OpenAI's language models.
type OpenAI struct {
	model       string
	titlePrompt string

	keys KeySource

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI instance with the specified model name and
// key source. The API key is resolved per request so a key saved through
// settings takes effect immediately.
func NewOpenAI(model, titlePrompt string, keys KeySource, logger *slog.Logger) OpenAI {
	return OpenAI{
		model:       model,
		titlePrompt: titlePrompt,
		keys:        keys,
		logger:      logger.With(slog.String("module", "openai")),
	}
}

func (o OpenAI) client(ctx context.Context) (*goopenai.Client, error) {
	key, err := o.keys.APIKey(ctx)
	if err != nil {
		return nil, err
	}
	return goopenai.NewClient(key), nil
}

func openAIMessages(messages []models.Message) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return msgs
}

func classifyOpenAIError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusUnauthorized,
			strings.Contains(apiErr.Message, "Incorrect API key provided"):
			return fmt.Errorf("%w: %s", generation.ErrInvalidCredential, apiErr.Message)
		case apiErr.HTTPStatusCode == http.StatusNotFound,
			strings.Contains(apiErr.Message, "does not exist"),
			strings.Contains(apiErr.Message, "invalid model"):
			return fmt.Errorf("%w: %s", generation.ErrModelUnavailable, apiErr.Message)
		}
	}
	return fmt.Errorf("error receiving response: %w", err)
}

// Stream is a wrapper around the OpenAI chat completion API. It yields text
// deltas in arrival order and returns silently when ctx is cancelled.
func (o OpenAI) Stream(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		client, err := o.client(ctx)
		if err != nil {
			yield("", err)
			return
		}

		req := goopenai.ChatCompletionRequest{
			Model:    o.model,
			Messages: openAIMessages(messages),
			Stream:   true,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", classifyOpenAIError(err))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", classifyOpenAIError(err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			if text := response.Choices[0].Delta.Content; text != "" {
				if !yield(text, nil) {
					return
				}
			}
		}
	}
}

// ValidateKey makes a minimal one-token request to check whether the
// configured key is accepted. Failures other than a credential rejection are
// treated as valid, since they may be temporary or unrelated to the key.
func (o OpenAI) ValidateKey(ctx context.Context) error {
	client, err := o.client(ctx)
	if err != nil {
		return err
	}

	_, err = client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:     o.model,
		MaxTokens: 1,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: string(models.RoleUser), Content: "test"},
		},
	})
	if err != nil {
		classified := classifyOpenAIError(err)
		if errors.Is(classified, generation.ErrInvalidCredential) {
			return classified
		}
	}
	return nil
}

// GenerateTitle is a wrapper around the OpenAI chat completion API. It asks
// the model for a short title describing the given message.
func (o OpenAI) GenerateTitle(ctx context.Context, message string) (string, error) {
	client, err := o.client(ctx)
	if err != nil {
		return "", err
	}

	resp, err := client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: o.model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: string(models.RoleSystem), Content: o.titlePrompt},
			{Role: string(models.RoleUser), Content: message},
		},
	})
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("no choices found")
	}

	return resp.Choices[0].Message.Content, nil
}
