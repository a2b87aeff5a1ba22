// Package transcript holds the ordered message list for one conversation.
// It is the shared state the typewriter scheduler and session controller act
// on: append-only, except for in-place text growth of the one currently
// streaming message and removal of ephemeral status entries.
package transcript

import (
	"errors"
	"sync"

	"github.com/lunahq/quill/internal/models"
)

// ErrStreamingInFlight is returned when a second streaming message would be
// appended while one is still open.
var ErrStreamingInFlight = errors.New("a streaming message is already in flight")

// Transcript is the ordered sequence of messages for a conversation.
// Insertion order is chronological order. Safe for concurrent use; the
// scheduler's reveal ticks and the controller mutate it from different
// goroutines.
type Transcript struct {
	mu             sync.RWMutex
	conversationID string
	messages       []models.Message
}

// New creates an empty transcript for the given conversation.
func New(conversationID string) *Transcript {
	return &Transcript{conversationID: conversationID}
}

// NewFromMessages creates a transcript pre-populated from persisted messages.
// Persisted messages are never streaming or ephemeral; both flags are cleared
// defensively.
func NewFromMessages(conversationID string, messages []models.Message) *Transcript {
	msgs := make([]models.Message, len(messages))
	copy(msgs, messages)
	for i := range msgs {
		msgs[i].Streaming = false
		msgs[i].Ephemeral = false
	}
	return &Transcript{conversationID: conversationID, messages: msgs}
}

// ConversationID returns the id of the conversation this transcript belongs
// to, captured at creation time.
func (t *Transcript) ConversationID() string {
	return t.conversationID
}

// Append adds a message at the end of the transcript. Appending a second
// streaming message while one is open is rejected.
func (t *Transcript) Append(msg models.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if msg.Streaming {
		for i := range t.messages {
			if t.messages[i].Streaming {
				return ErrStreamingInFlight
			}
		}
	}
	t.messages = append(t.messages, msg)
	return nil
}

// Messages returns a snapshot copy of the transcript.
func (t *Transcript) Messages() []models.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]models.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Message returns the message with the given id.
func (t *Transcript) Message(id string) (models.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i := range t.messages {
		if t.messages[i].ID == id {
			return t.messages[i], true
		}
	}
	return models.Message{}, false
}

// AppendText appends revealed text to a streaming message. Unknown ids and
// messages that already stopped streaming are ignored; a finalized message is
// never mutated by a late reveal.
func (t *Transcript) AppendText(id, delta string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.messages {
		if t.messages[i].ID == id && t.messages[i].Streaming {
			t.messages[i].Text += delta
			return
		}
	}
}

// SetText replaces a streaming message's visible text in one update. Like
// AppendText it ignores unknown or already closed messages.
func (t *Transcript) SetText(id, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.messages {
		if t.messages[i].ID == id && t.messages[i].Streaming {
			t.messages[i].Text = text
			return
		}
	}
}

// SetEphemeralText updates the text of an ephemeral status message, e.g. the
// elapsed-seconds counter while a search runs. Non-ephemeral messages are not
// touched through this path.
func (t *Transcript) SetEphemeralText(id, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.messages {
		if t.messages[i].ID == id && t.messages[i].Ephemeral {
			t.messages[i].Text = text
			return
		}
	}
}

// EndStreaming flips a message's streaming flag to false. It reports whether
// the transition happened, so callers can make termination idempotent.
func (t *Transcript) EndStreaming(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.messages {
		if t.messages[i].ID == id && t.messages[i].Streaming {
			t.messages[i].Streaming = false
			return true
		}
	}
	return false
}

// Streaming returns the id of the currently streaming message, if any.
func (t *Transcript) Streaming() (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i := range t.messages {
		if t.messages[i].Streaming {
			return t.messages[i].ID, true
		}
	}
	return "", false
}

// RemoveEphemeral drops all ephemeral status messages from the transcript and
// returns their ids, so callers can tell subscribers which entries are gone.
func (t *Transcript) RemoveEphemeral() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []string
	kept := t.messages[:0]
	for _, msg := range t.messages {
		if msg.Ephemeral {
			removed = append(removed, msg.ID)
			continue
		}
		kept = append(kept, msg)
	}
	t.messages = kept
	return removed
}

// Len returns the number of messages currently in the transcript.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// History converts the transcript into role-tagged model context: prior
// non-streaming, non-ephemeral messages, oldest first.
func (t *Transcript) History() []models.ChatMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	history := make([]models.ChatMessage, 0, len(t.messages))
	for _, msg := range t.messages {
		if msg.Ephemeral || msg.Streaming {
			continue
		}
		role := models.RoleAssistant
		if msg.IsUser {
			role = models.RoleUser
		}
		history = append(history, models.ChatMessage{Role: role, Content: msg.Text})
	}
	return history
}
