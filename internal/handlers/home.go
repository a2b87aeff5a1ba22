package handlers

import (
	"log/slog"
	"net/http"
)

type assistantItem struct {
	ID    string
	Label string
	Color string

	Active bool
}

type homePageData struct {
	Assistants            []assistantItem
	Conversations         []conversationItem
	CurrentAssistantID    string
	CurrentConversationID string
	Messages              []messageView
}

// HandleHome renders the main chat page: the assistant picker, the user's
// conversation list, and the messages of the selected conversation. The
// selection comes from the "assistant_id" and "conversation_id" query
// parameters, defaulting to the first configured assistant and no open
// conversation.
func (m *Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	assistantID := r.URL.Query().Get("assistant_id")
	if _, ok := m.controller(assistantID); !ok {
		if len(m.order) == 0 {
			http.Error(w, "No assistants configured", http.StatusInternalServerError)
			return
		}
		assistantID = m.order[0].ID
	}

	assistants := make([]assistantItem, 0, len(m.order))
	for _, a := range m.order {
		assistants = append(assistants, assistantItem{
			ID:     a.ID,
			Label:  a.Label,
			Color:  a.Color,
			Active: a.ID == assistantID,
		})
	}

	conversationID := r.URL.Query().Get("conversation_id")

	convs, err := m.cfg.Store.Conversations(r.Context(), m.cfg.Identity.CurrentUserID())
	if err != nil {
		m.logger.Error("Failed to get conversations", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	items := make([]conversationItem, 0, len(convs))
	for _, conv := range convs {
		title := conv.Title
		if title == "" {
			title = "New conversation"
		}
		items = append(items, conversationItem{
			ID:     conv.ID,
			Title:  title,
			Active: conv.ID == conversationID,
		})
	}

	var views []messageView
	if conversationID != "" {
		tr, err := m.transcriptFor(r.Context(), conversationID)
		if err != nil {
			m.logger.Error("Failed to load conversation",
				slog.String("conversationID", conversationID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		msgs := tr.Messages()
		views = make([]messageView, 0, len(msgs))
		for _, msg := range msgs {
			view, err := viewOf(msg)
			if err != nil {
				m.logger.Error("Failed to render message",
					slog.String("messageID", msg.ID),
					slog.String(errLoggerKey, err.Error()))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			views = append(views, view)
		}
	}

	data := homePageData{
		Assistants:            assistants,
		Conversations:         items,
		CurrentAssistantID:    assistantID,
		CurrentConversationID: conversationID,
		Messages:              views,
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}
