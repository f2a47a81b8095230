package handlers

import (
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/huanz1234/felix-lml-chat/internal/models"
)

type chat struct {
	ID    string
	Title string

	Active bool
}

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Reasoning template.HTML
	Tokens    int
	Speed     string
	Loading   bool
	Timestamp time.Time
}

type homePageData struct {
	Chats         []chat
	Messages      []message
	CurrentChatID string
}

// HandleHome renders the chat list and, when a chat_id query parameter is given, the messages of
// that chat.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	chats, err := m.store.Chats(r.Context())
	if err != nil {
		m.logger.Error("Failed to get chats", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	chatID := r.URL.Query().Get("chat_id")

	data := homePageData{
		Chats:         make([]chat, len(chats)),
		CurrentChatID: chatID,
	}
	for i, ch := range chats {
		data.Chats[i] = chat{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == chatID,
		}
	}

	if chatID != "" {
		messages, err := m.store.Messages(r.Context(), chatID)
		if err != nil {
			m.logger.Error("Failed to get messages",
				slog.String("chatID", chatID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		data.Messages, err = m.messageViews(messages)
		if err != nil {
			m.logger.Error("Failed to render messages",
				slog.String("chatID", chatID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleSSE serves the event stream carrying chat list and message updates.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

func (m Main) messageViews(messages []models.Message) ([]message, error) {
	views := make([]message, len(messages))
	for i, msg := range messages {
		v, err := m.messageView(msg)
		if err != nil {
			return nil, err
		}
		views[i] = v
	}
	return views, nil
}

func (m Main) messageView(msg models.Message) (message, error) {
	var content, reasoning string
	var err error
	// User text is shown as typed; only model output is markdown.
	if msg.Role == models.RoleAssistant {
		content, err = m.renderer.Render(msg.Content)
		if err == nil && msg.ReasoningContent != "" {
			reasoning, err = m.renderer.Render(msg.ReasoningContent)
		}
		if err != nil {
			return message{}, fmt.Errorf("message %s: %w", msg.ID, err)
		}
	} else {
		content = template.HTMLEscapeString(msg.Content)
	}

	return message{
		ID:        msg.ID,
		Role:      string(msg.Role),
		Content:   template.HTML(content),
		Reasoning: template.HTML(reasoning),
		Tokens:    msg.CompletionTokens,
		Speed:     msg.Speed,
		Loading:   msg.Loading,
		Timestamp: msg.Timestamp,
	}, nil
}
