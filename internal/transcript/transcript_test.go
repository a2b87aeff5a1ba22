package transcript

import (
	"errors"
	"testing"

	"github.com/lunahq/quill/internal/models"
)

func TestAppendRejectsSecondStreamingMessage(t *testing.T) {
	tr := New("c1")

	if err := tr.Append(models.Message{ID: "a", Streaming: true}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	err := tr.Append(models.Message{ID: "b", Streaming: true})
	if !errors.Is(err, ErrStreamingInFlight) {
		t.Errorf("Append() error = %v, want ErrStreamingInFlight", err)
	}
	if tr.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after rejected append", tr.Len())
	}
}

func TestAppendTextOnlyMutatesStreamingMessage(t *testing.T) {
	tr := New("c1")
	_ = tr.Append(models.Message{ID: "u1", IsUser: true, Text: "hello"})
	_ = tr.Append(models.Message{ID: "a1", Streaming: true})

	tr.AppendText("a1", "wor")
	tr.AppendText("a1", "ld")
	tr.AppendText("u1", "never")
	tr.AppendText("missing", "never")

	if msg, _ := tr.Message("a1"); msg.Text != "world" {
		t.Errorf("streaming message text = %q, want %q", msg.Text, "world")
	}
	if msg, _ := tr.Message("u1"); msg.Text != "hello" {
		t.Errorf("user message text = %q, want %q", msg.Text, "hello")
	}
}

func TestEndStreamingIsIdempotent(t *testing.T) {
	tr := New("c1")
	_ = tr.Append(models.Message{ID: "a1", Streaming: true})

	if !tr.EndStreaming("a1") {
		t.Error("first EndStreaming() = false, want true")
	}
	if tr.EndStreaming("a1") {
		t.Error("second EndStreaming() = true, want false")
	}

	// A closed message is immutable from then on.
	tr.AppendText("a1", "late")
	tr.SetText("a1", "late")
	if msg, _ := tr.Message("a1"); msg.Text != "" {
		t.Errorf("closed message text = %q, want empty", msg.Text)
	}
}

func TestHistoryExcludesStreamingAndEphemeral(t *testing.T) {
	tr := New("c1")
	_ = tr.Append(models.Message{ID: "u1", IsUser: true, Text: "question"})
	_ = tr.Append(models.Message{ID: "e1", Ephemeral: true, Text: "searching"})
	_ = tr.Append(models.Message{ID: "a1", Text: "answer"})
	_ = tr.Append(models.Message{ID: "a2", Streaming: true, Text: "partial"})

	history := tr.History()
	if len(history) != 2 {
		t.Fatalf("len(History()) = %d, want 2", len(history))
	}
	if history[0].Role != models.RoleUser || history[0].Content != "question" {
		t.Errorf("history[0] = %+v", history[0])
	}
	if history[1].Role != models.RoleAssistant || history[1].Content != "answer" {
		t.Errorf("history[1] = %+v", history[1])
	}
}

func TestRemoveEphemeral(t *testing.T) {
	tr := New("c1")
	_ = tr.Append(models.Message{ID: "u1", IsUser: true})
	_ = tr.Append(models.Message{ID: "e1", Ephemeral: true})
	_ = tr.Append(models.Message{ID: "a1"})

	removed := tr.RemoveEphemeral()

	if len(removed) != 1 || removed[0] != "e1" {
		t.Errorf("RemoveEphemeral() = %v, want [e1]", removed)
	}
	msgs := tr.Messages()
	if len(msgs) != 2 {
		t.Fatalf("len(Messages()) = %d, want 2", len(msgs))
	}
	if msgs[0].ID != "u1" || msgs[1].ID != "a1" {
		t.Errorf("messages after RemoveEphemeral = %v, %v", msgs[0].ID, msgs[1].ID)
	}

	if removed := tr.RemoveEphemeral(); len(removed) != 0 {
		t.Errorf("second RemoveEphemeral() = %v, want none", removed)
	}
}

func TestSetEphemeralTextOnlyTouchesEphemeral(t *testing.T) {
	tr := New("c1")
	_ = tr.Append(models.Message{ID: "e1", Ephemeral: true, Text: "searching 0s"})
	_ = tr.Append(models.Message{ID: "u1", IsUser: true, Text: "hi"})

	tr.SetEphemeralText("e1", "searching 1s")
	tr.SetEphemeralText("u1", "nope")

	if msg, _ := tr.Message("e1"); msg.Text != "searching 1s" {
		t.Errorf("ephemeral text = %q, want %q", msg.Text, "searching 1s")
	}
	if msg, _ := tr.Message("u1"); msg.Text != "hi" {
		t.Errorf("user text = %q, want %q", msg.Text, "hi")
	}
}

func TestNewFromMessagesClearsTransientFlags(t *testing.T) {
	tr := NewFromMessages("c1", []models.Message{
		{ID: "a1", Streaming: true, Ephemeral: true, Text: "stored"},
	})

	msg, ok := tr.Message("a1")
	if !ok {
		t.Fatal("message not found")
	}
	if msg.Streaming || msg.Ephemeral {
		t.Errorf("transient flags survived load: %+v", msg)
	}
}
