package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/lunahq/quill/internal/models"
)

// Ollama streams chat completions from a local or remote Ollama server.
type Ollama struct {
	host  string
	model string

	client *api.Client
}

// NewOllama creates a new Ollama transport. The host must be a valid URL
// pointing at an Ollama server; an invalid host panics, as it is a
// configuration-time programmer error.
func NewOllama(host, model string) Ollama {
	u, err := url.Parse(host)
	if err != nil {
		panic(err)
	}

	return Ollama{
		host:   host,
		model:  model,
		client: api.NewClient(u, &http.Client{}),
	}
}

func ollamaMessages(messages []models.ChatMessage) []api.Message {
	msgs := make([]api.Message, len(messages))
	for i, msg := range messages {
		msgs[i] = api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}
	return msgs
}

// Chat streams a completion as ordered text deltas ending in a terminal
// chunk that carries the accumulated full text. Cancelling the context stops
// the stream without yielding a completion or an error.
func (o Ollama) Chat(ctx context.Context, messages []models.ChatMessage) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: ollamaMessages(messages),
			Stream:   &t,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var full strings.Builder
		stopped := false
		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if stopped || res.Message.Content == "" {
				return nil
			}
			full.WriteString(res.Message.Content)
			if !yield(models.Delta(res.Message.Content), nil) {
				stopped = true
				cancel()
			}
			return nil
		}); err != nil {
			if stopped || errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Chunk{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		if stopped {
			return
		}

		yield(models.Completed(full.String()), nil)
	}
}

// Generate performs a single non-streaming completion.
func (o Ollama) Generate(ctx context.Context, messages []models.ChatMessage) (string, error) {
	f := false
	req := api.ChatRequest{
		Model:    o.model,
		Messages: ollamaMessages(messages),
		Stream:   &f,
	}

	var text string
	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		text = res.Message.Content
		return nil
	}); err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	return text, nil
}
