package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"time"

	felixchat "github.com/huanz1234/felix-lml-chat"
	"github.com/huanz1234/felix-lml-chat/internal/models"
	"github.com/huanz1234/felix-lml-chat/internal/stream"
	"github.com/tmaxmax/go-sse"
)

// LLM sends a conversation to the model. The returned response is handed to a stream.Aggregator,
// which reads it to its end.
type LLM interface {
	ChatCompletion(ctx context.Context, history []models.Message, streaming bool) (*stream.Response, error)
}

// TitleGenerator produces a short title for a conversation from its first message.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, message string) (string, error)
}

// Renderer converts message text to HTML.
type Renderer interface {
	Render(src string) (string, error)
}

// Store defines the interface for managing chat and message persistence. It provides methods for
// creating, reading, and updating chats and their associated messages.
type Store interface {
	Chats(ctx context.Context) ([]models.Chat, error)
	AddChat(ctx context.Context, chat models.Chat) (string, error)
	UpdateChat(ctx context.Context, chat models.Chat) error
	DeleteChat(ctx context.Context, chatID string) error

	Messages(ctx context.Context, chatID string) ([]models.Message, error)
	AddMessage(ctx context.Context, chatID string, message models.Message) (string, error)
	UpdateMessage(ctx context.Context, chatID string, message models.Message) error
	UpdateLastMessage(
		ctx context.Context,
		chatID string,
		content, reasoning string,
		tokens int,
		speed string,
	) (models.Message, error)
}

// Main handles the core functionality of the chat application, managing server-sent events,
// HTML templates, and interactions between the LLM, the aggregator and the Store.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	llm            LLM
	titleGenerator TitleGenerator
	store          Store
	aggregator     *stream.Aggregator
	renderer       Renderer
	streaming      bool

	replies *replies

	logger *slog.Logger
}

const (
	errLoggerKey = "err"

	shutdownGrace = 5 * time.Second
)

// SSE event types for real-time updates.
var (
	chatsSSEType    = sse.Type("chats")
	messagesSSEType = sse.Type("messages")
)

// NewMain creates a new Main instance. It parses the required HTML templates from the embedded
// filesystem and prepares an SSE server whose clients all receive chat list and message updates.
// When streaming is false, responses are requested whole and published in one update.
func NewMain(
	llm LLM,
	titleGen TitleGenerator,
	store Store,
	aggregator *stream.Aggregator,
	renderer Renderer,
	streaming bool,
	logger *slog.Logger,
) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		felixchat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	return Main{
		sseSrv:         &sse.Server{},
		templates:      tmpl,
		llm:            llm,
		titleGenerator: titleGen,
		store:          store,
		aggregator:     aggregator,
		renderer:       renderer,
		streaming:      streaming,
		replies:        newReplies(),
		logger:         logger.With(slog.String("module", "main")),
	}, nil
}

// messageEvent is the payload of a messages event.
type messageEvent struct {
	ID        string `json:"id"`
	ChatID    string `json:"chatId"`
	Content   string `json:"content"`
	Reasoning string `json:"reasoning"`
	Tokens    int    `json:"tokens"`
	Speed     string `json:"speed"`
	Loading   bool   `json:"loading"`
	Error     string `json:"error,omitempty"`
}

func (m Main) publishMessage(chatID string, msg models.Message, errMsg string) error {
	view, err := m.messageView(msg)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(messageEvent{
		ID:        msg.ID,
		ChatID:    chatID,
		Content:   string(view.Content),
		Reasoning: string(view.Reasoning),
		Tokens:    msg.CompletionTokens,
		Speed:     msg.Speed,
		Loading:   msg.Loading,
		Error:     errMsg,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message event: %w", err)
	}

	e := sse.Message{Type: messagesSSEType}
	e.AppendData(string(payload))
	return m.sseSrv.Publish(&e)
}

// Shutdown refuses new messages, waits up to 5 seconds for the replies still being generated, then
// cancels the rest, which keep what they received so far. It then broadcasts a close message to all
// connected clients and terminates the SSE server.
func (m Main) Shutdown(ctx context.Context) error {
	done := m.replies.close()

	grace := time.NewTimer(shutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
	case <-ctx.Done():
	}

	m.replies.stopAll()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Replies still running at shutdown", slog.String(errLoggerKey, ctx.Err().Error()))
	}

	e := &sse.Message{Type: sse.Type("closeChat")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	return m.sseSrv.Shutdown(ctx)
}
