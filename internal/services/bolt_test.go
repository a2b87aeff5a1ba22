package services_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/lunahq/quill/internal/models"
	"github.com/lunahq/quill/internal/services"
)

func newTestDB(t *testing.T) services.BoltDB {
	t.Helper()
	db, err := services.NewBoltDB(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("NewBoltDB() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestConversationRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id, err := db.AddConversation(ctx, models.Conversation{
		ID:        "abc",
		UserID:    "user-1",
		Assistant: "math",
	})
	if err != nil {
		t.Fatalf("AddConversation() error = %v", err)
	}
	if id == "" {
		t.Fatal("AddConversation() returned empty id")
	}

	if err := db.UpdateConversation(ctx, models.Conversation{
		ID:        id,
		UserID:    "user-1",
		Assistant: "math",
		Title:     "Fractions",
	}); err != nil {
		t.Fatalf("UpdateConversation() error = %v", err)
	}

	convs, err := db.Conversations(ctx, "user-1")
	if err != nil {
		t.Fatalf("Conversations() error = %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("len(Conversations()) = %d, want 1", len(convs))
	}
	if convs[0].Title != "Fractions" {
		t.Errorf("title = %q, want %q", convs[0].Title, "Fractions")
	}
}

func TestConversationsAreUserScoped(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.AddConversation(ctx, models.Conversation{ID: "a", UserID: "alice"}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.AddConversation(ctx, models.Conversation{ID: "b", UserID: "bob"}); err != nil {
		t.Fatal(err)
	}

	convs, err := db.Conversations(ctx, "alice")
	if err != nil {
		t.Fatalf("Conversations() error = %v", err)
	}
	if len(convs) != 1 || convs[0].UserID != "alice" {
		t.Errorf("Conversations(alice) = %+v, want only alice's", convs)
	}
}

func TestAppendMessagePreservesOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	convID, err := db.AddConversation(ctx, models.Conversation{ID: "c", UserID: "u"})
	if err != nil {
		t.Fatal(err)
	}

	texts := []string{"first", "second", "third"}
	for i, text := range texts {
		msg := models.Message{ID: string(rune('a' + i)), Text: text, IsUser: i%2 == 0}
		if _, err := db.AppendMessage(ctx, convID, msg); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}

	msgs, err := db.Messages(ctx, convID)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len(Messages()) = %d, want 3", len(msgs))
	}
	for i, text := range texts {
		if msgs[i].Text != text {
			t.Errorf("messages[%d].Text = %q, want %q", i, msgs[i].Text, text)
		}
	}
}

func TestConversationOrderSurvivesDoubleDigitSequences(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		conv := models.Conversation{
			ID:     fmt.Sprintf("c%d", i),
			UserID: "u",
			Title:  fmt.Sprintf("conversation %d", i),
		}
		if _, err := db.AddConversation(ctx, conv); err != nil {
			t.Fatal(err)
		}
	}

	convs, err := db.Conversations(ctx, "u")
	if err != nil {
		t.Fatalf("Conversations() error = %v", err)
	}
	if len(convs) != 12 {
		t.Fatalf("len(Conversations()) = %d, want 12", len(convs))
	}
	for i, conv := range convs {
		want := fmt.Sprintf("conversation %d", 11-i)
		if conv.Title != want {
			t.Errorf("conversations[%d].Title = %q, want %q (most recent first)", i, conv.Title, want)
		}
	}
}

func TestMessageOrderSurvivesDoubleDigitSequences(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	convID, err := db.AddConversation(ctx, models.Conversation{ID: "c", UserID: "u"})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 12; i++ {
		msg := models.Message{ID: fmt.Sprintf("m%d", i), Text: fmt.Sprintf("message %d", i)}
		if _, err := db.AppendMessage(ctx, convID, msg); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.Messages(ctx, convID)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != 12 {
		t.Fatalf("len(Messages()) = %d, want 12", len(msgs))
	}
	for i, msg := range msgs {
		want := fmt.Sprintf("message %d", i)
		if msg.Text != want {
			t.Errorf("messages[%d].Text = %q, want %q", i, msg.Text, want)
		}
	}
}

func TestAppendMessageSkipsEphemeral(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	convID, err := db.AddConversation(ctx, models.Conversation{ID: "c", UserID: "u"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := db.AppendMessage(ctx, convID, models.Message{ID: "e", Ephemeral: true, Text: "searching"}); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	msgs, err := db.Messages(ctx, convID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("ephemeral message was persisted: %+v", msgs)
	}
}
