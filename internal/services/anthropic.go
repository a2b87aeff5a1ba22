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
	"strings"

	"github.com/tmaxmax/go-sse"

	"github.com/lunahq/quill/internal/models"
)

// Anthropic streams chat completions from the Anthropic API using its SSE
// wire format.
type Anthropic struct {
	apiKey string
	model  string
	params Params

	client *http.Client
}

type anthropicChatRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature float32            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
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

const (
	anthropicAPIEndpoint = "https://api.anthropic.com/v1"

	defaultAnthropicMaxTokens = 4096
)

// NewAnthropic creates a new Anthropic transport for the given API key and
// model.
func NewAnthropic(apiKey, model string, params Params) Anthropic {
	if params.MaxTokens == 0 {
		params.MaxTokens = defaultAnthropicMaxTokens
	}
	return Anthropic{
		apiKey: apiKey,
		model:  model,
		params: params,
		client: &http.Client{},
	}
}

// splitSystem separates leading system messages, which the Anthropic API
// takes as a dedicated request field, from the conversation turns.
func splitSystem(messages []models.ChatMessage) (string, []models.ChatMessage) {
	var system []string
	rest := messages
	for len(rest) > 0 && rest[0].Role == models.RoleSystem {
		system = append(system, rest[0].Content)
		rest = rest[1:]
	}
	return strings.Join(system, "\n\n"), rest
}

func (a Anthropic) request(ctx context.Context, messages []models.ChatMessage, stream bool) (*http.Response, error) {
	system, turns := splitSystem(messages)

	msgs := make([]anthropicMessage, len(turns))
	for i, msg := range turns {
		msgs[i] = anthropicMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}

	reqBody := anthropicChatRequest{
		Model:       a.model,
		Messages:    msgs,
		System:      system,
		MaxTokens:   a.params.MaxTokens,
		Temperature: a.params.Temperature,
		Stream:      stream,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		anthropicAPIEndpoint+"/messages", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return resp, nil
}

// Chat streams a completion as ordered text deltas ending in a terminal
// chunk that carries the accumulated full text. Cancelling the context stops
// the stream without yielding a completion or an error.
func (a Anthropic) Chat(ctx context.Context, messages []models.ChatMessage) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		resp, err := a.request(ctx, messages, true)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Chunk{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		var full strings.Builder
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(models.Chunk{}, fmt.Errorf("error reading response: %w", err))
				return
			}
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield(models.Chunk{}, fmt.Errorf("error unmarshaling error: %w", err))
					return
				}
				yield(models.Chunk{}, fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message))
				return
			case "message_stop":
				yield(models.Completed(full.String()), nil)
				return
			case "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield(models.Chunk{}, fmt.Errorf("error unmarshaling response: %w", err))
					return
				}
				if res.Delta.Text == "" {
					continue
				}
				full.WriteString(res.Delta.Text)
				if !yield(models.Delta(res.Delta.Text), nil) {
					return
				}
			default:
				continue
			}
		}

		if ctx.Err() != nil {
			return
		}
		yield(models.Chunk{}, errors.New("stream ended without message_stop"))
	}
}

// Generate performs a single non-streaming completion.
func (a Anthropic) Generate(ctx context.Context, messages []models.ChatMessage) (string, error) {
	resp, err := a.request(ctx, messages, false)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	var res anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}

	var full strings.Builder
	for _, content := range res.Content {
		if content.Type == "text" {
			full.WriteString(content.Text)
		}
	}
	if full.Len() == 0 {
		return "", errors.New("no text content found")
	}
	return full.String(), nil
}
