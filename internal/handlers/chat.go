package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/huanz1234/felix-lml-chat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// HandleChats processes chat interactions through HTTP POST requests, managing both new chat
// creation and message handling. It accepts user messages through form data, stores the user message
// together with a loading placeholder for the reply, and starts generating the reply asynchronously.
//
// The handler expects a "message" form field and an optional "chat_id" field. If no chat_id is
// provided, it creates a new chat and generates its title in the background. The reply is published
// through Server-Sent Events as it streams in.
//
// A chat accepts one message at a time: posting while a reply is still being generated returns
// 409 Conflict, and posting once shutdown began returns 503 Service Unavailable. For successful
// requests, it renders either a complete chatbox template for new chats or the two new message
// templates for existing chats. The chat ID is returned in the X-Chat-ID header.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := strings.TrimSpace(r.FormValue("message"))
	if msg == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	if m.replies.isClosing() {
		http.Error(w, errShuttingDown.Error(), http.StatusServiceUnavailable)
		return
	}

	var err error

	chatID := r.FormValue("chat_id")
	// We track if this is a new chat to determine the appropriate template rendering strategy
	isNewChat := false
	if chatID == "" {
		chatID, err = m.newChat()
		if err != nil {
			m.logger.Error("Failed to create new chat", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		isNewChat = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.replies.begin(chatID, cancel); err != nil {
		cancel()
		m.logger.Warn("Message rejected",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		status := http.StatusConflict
		if errors.Is(err, errShuttingDown) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	started := false
	defer func() {
		if !started {
			m.replies.release(chatID)
		}
	}()

	// We create two messages: user's input and a placeholder for AI response
	um := models.NewMessage(models.RoleUser, msg)
	if _, err := m.store.AddMessage(r.Context(), chatID, um); err != nil {
		m.logger.Error("Failed to add user message",
			slog.String("message", fmt.Sprintf("%+v", um)),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	am := models.NewMessage(models.RoleAssistant, "")
	am.Loading = true
	if _, err := m.store.AddMessage(r.Context(), chatID, am); err != nil {
		m.logger.Error("Failed to add AI message",
			slog.String("message", fmt.Sprintf("%+v", am)),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	messages, err := m.store.Messages(r.Context(), chatID)
	if err != nil {
		m.logger.Error("Failed to get messages",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Start async processes for chat response and title generation. The title is tracked while the
	// reply still holds its place, so shutdown waits for both.
	if isNewChat {
		m.replies.track()
		go m.generateChatTitle(chatID, msg)
	}
	started = true
	go m.chat(ctx, chatID, messages)

	w.Header().Set("X-Chat-ID", chatID)

	if isNewChat {
		msgs, err := m.messageViews(messages)
		if err != nil {
			m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		data := homePageData{
			CurrentChatID: chatID,
			Messages:      msgs,
		}
		if err := m.templates.ExecuteTemplate(w, "chatbox", data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	msgs, err := m.messageViews([]models.Message{um, am})
	if err != nil {
		m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, v := range msgs {
		if err := m.templates.ExecuteTemplate(w, "message", v); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}

// HandleCancelChat stops the reply being generated for the chat given by the chat_id form field.
// Whatever was received so far is kept. Cancelling a chat with nothing in flight does nothing.
func (m Main) HandleCancelChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.FormValue("chat_id")
	if chatID == "" {
		http.Error(w, "Chat ID is required", http.StatusBadRequest)
		return
	}

	if m.replies.stop(chatID) != nil {
		m.logger.Info("Cancelling response", slog.String("chatID", chatID))
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDeleteChat removes the chat given by the chat_id form field. A reply still being generated is
// cancelled and deleted only once it has stored its final state.
func (m Main) HandleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.FormValue("chat_id")
	if chatID == "" {
		http.Error(w, "Chat ID is required", http.StatusBadRequest)
		return
	}

	if done := m.replies.stop(chatID); done != nil {
		select {
		case <-done:
		case <-r.Context().Done():
			http.Error(w, r.Context().Err().Error(), http.StatusServiceUnavailable)
			return
		}
	}

	if err := m.store.DeleteChat(r.Context(), chatID); err != nil {
		m.logger.Error("Failed to delete chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := m.publishChats(""); err != nil {
		m.logger.Error("Failed to publish chats", slog.String(errLoggerKey, err.Error()))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m Main) newChat() (string, error) {
	newChat := models.Chat{
		ID: uuid.New().String(),
	}
	newChatID, err := m.store.AddChat(context.Background(), newChat)
	if err != nil {
		return "", fmt.Errorf("failed to add chat: %w", err)
	}

	if err := m.publishChats(newChatID); err != nil {
		return "", fmt.Errorf("failed to publish chats: %w", err)
	}

	return newChatID, nil
}

// chat requests the reply to messages, whose last element is the loading placeholder, and feeds it
// through the aggregator. Every update is written to the placeholder and published; once the response
// ends, for whatever reason, the placeholder stops loading and keeps what was received.
func (m Main) chat(ctx context.Context, chatID string, messages []models.Message) {
	defer m.replies.release(chatID)

	aiMsg := messages[len(messages)-1]
	logger := m.logger.With(slog.String("chatID", chatID), slog.String("messageID", aiMsg.ID))

	var errMsg string
	resp, err := m.llm.ChatCompletion(ctx, messages, m.streaming)
	if err == nil {
		err = m.aggregator.Handle(ctx, resp, func(content, reasoning string, tokens int, speed string) {
			updated, err := m.store.UpdateLastMessage(context.Background(), chatID, content, reasoning, tokens, speed)
			if err != nil {
				logger.Error("Failed to update message", slog.String(errLoggerKey, err.Error()))
				return
			}
			aiMsg = updated

			if err := m.publishMessage(chatID, aiMsg, ""); err != nil {
				logger.Error("Failed to publish message", slog.String(errLoggerKey, err.Error()))
			}
		})
	}
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		logger.Info("Response cancelled")
	default:
		logger.Error("Error from llm provider", slog.String(errLoggerKey, err.Error()))
		errMsg = err.Error()
	}

	aiMsg.Loading = false
	if err := m.store.UpdateMessage(context.Background(), chatID, aiMsg); err != nil {
		// Nothing is published for a state that was not stored.
		logger.Error("Failed to update message", slog.String(errLoggerKey, err.Error()))
		return
	}
	if err := m.publishMessage(chatID, aiMsg, errMsg); err != nil {
		logger.Error("Failed to publish message", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) generateChatTitle(chatID string, message string) {
	defer m.replies.untrack()

	title, err := m.titleGenerator.GenerateTitle(context.Background(), message)
	if err != nil {
		m.logger.Error("Error generating chat title",
			slog.String("message", message),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	updatedChat := models.Chat{
		ID:    chatID,
		Title: title,
	}
	if err := m.store.UpdateChat(context.Background(), updatedChat); err != nil {
		m.logger.Error("Failed to update chat title",
			slog.String(errLoggerKey, err.Error()))
		return
	}

	if err := m.publishChats(chatID); err != nil {
		m.logger.Error("Failed to publish chats",
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) publishChats(activeID string) error {
	divs, err := m.chatDivs(activeID)
	if err != nil {
		return err
	}

	msg := sse.Message{
		Type: chatsSSEType,
	}
	msg.AppendData(divs)
	return m.sseSrv.Publish(&msg)
}

func (m Main) chatDivs(activeID string) (string, error) {
	chats, err := m.store.Chats(context.Background())
	if err != nil {
		return "", fmt.Errorf("failed to get chats: %w", err)
	}

	var sb strings.Builder
	for _, ch := range chats {
		err := m.templates.ExecuteTemplate(&sb, "chat_title", chat{
			ID:     ch.ID,
			Title:  ch.Title,
			Active: ch.ID == activeID,
		})
		if err != nil {
			return "", fmt.Errorf("failed to execute chat_title template: %w", err)
		}
	}
	return sb.String(), nil
}
