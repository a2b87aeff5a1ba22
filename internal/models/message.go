package models

import "time"

// Message represents an individual entry in a conversation transcript. The
// Text of a streaming assistant message grows monotonically as the typewriter
// reveals it; once Streaming flips to false the Text is final and no further
// mutation occurs.
type Message struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	IsUser    bool   `json:"isUser"`
	Timestamp string `json:"timestamp"`

	// Streaming is true from creation until the message is finalized,
	// errored, or cancelled. It transitions to false exactly once.
	Streaming bool `json:"streaming,omitempty"`

	// Ephemeral marks transient status entries (e.g. "searching the web").
	// They are never persisted and never sent to the model as history.
	Ephemeral bool `json:"ephemeral,omitempty"`
}

// Conversation is a container for a message thread, scoped to the user that
// owns it and the assistant persona it was started with.
type Conversation struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Assistant string `json:"assistant"`
	Title     string `json:"title"`
}

// Role represents the role of a chat participant in provider wire form.
type Role string

const (
	// RoleSystem carries the assistant's system instruction.
	RoleSystem Role = "system"
	// RoleUser represents a user-authored message.
	RoleUser Role = "user"
	// RoleAssistant represents a model-authored message.
	RoleAssistant Role = "assistant"
)

// ChatMessage is a role-tagged message as sent to an LLM provider. It is the
// wire-side counterpart of Message; transcripts are converted to ChatMessages
// when building model context.
type ChatMessage struct {
	Role    Role
	Content string
}

// Chunk is a single event yielded by a streaming transport. A delta chunk
// carries incremental Text; the terminal chunk has Done set and carries the
// authoritative full response in Final. Final may differ from the
// concatenation of the deltas a consumer observed, and always wins.
type Chunk struct {
	Text  string
	Done  bool
	Final string
}

// Delta returns a text delta chunk.
func Delta(text string) Chunk {
	return Chunk{Text: text}
}

// Completed returns the terminal chunk carrying the authoritative full text.
func Completed(full string) Chunk {
	return Chunk{Done: true, Final: full}
}

// Stamp formats a creation time as the display string stored on Message.
func Stamp(t time.Time) string {
	return t.Format("3:04 PM")
}
