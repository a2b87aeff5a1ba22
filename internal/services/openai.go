package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/lunahq/quill/internal/models"
)

// OpenAI streams chat completions from the OpenAI API.
type OpenAI struct {
	model  string
	params Params

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI transport for the given API key and model.
func NewOpenAI(apiKey, model string, params Params, logger *slog.Logger) OpenAI {
	return OpenAI{
		model:  model,
		params: params,
		client: goopenai.NewClient(apiKey),
		logger: logger.With(slog.String("module", "openai")),
	}
}

func openAIMessages(messages []models.ChatMessage) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		msgs[i] = goopenai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}
	return msgs
}

// Chat streams a completion as ordered text deltas ending in a terminal
// chunk that carries the accumulated full text. Cancelling the context stops
// the stream without yielding a completion or an error.
func (o OpenAI) Chat(ctx context.Context, messages []models.ChatMessage) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		req := o.chatRequest(messages, true)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Chunk{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer stream.Close()

		var full strings.Builder
		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(models.Chunk{}, fmt.Errorf("error receiving response: %w", err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			delta := response.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			full.WriteString(delta)
			if !yield(models.Delta(delta), nil) {
				return
			}
		}

		yield(models.Completed(full.String()), nil)
	}
}

// Generate performs a single non-streaming completion. Used for the deep
// reasoning mode and conversation title generation.
func (o OpenAI) Generate(ctx context.Context, messages []models.ChatMessage) (string, error) {
	req := o.chatRequest(messages, false)

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("no choices found")
	}

	return resp.Choices[0].Message.Content, nil
}

func (o OpenAI) chatRequest(messages []models.ChatMessage, stream bool) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    o.model,
		Messages: openAIMessages(messages),
		Stream:   stream,
	}

	if o.params.Temperature != 0 {
		req.Temperature = o.params.Temperature
	}
	if o.params.TopP != 0 {
		req.TopP = o.params.TopP
	}
	if o.params.MaxTokens != 0 {
		req.MaxTokens = o.params.MaxTokens
	}

	return req
}
