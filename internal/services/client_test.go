package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/huanz1234/felix-lml-chat/internal/models"
	"github.com/huanz1234/felix-lml-chat/internal/services"
	"github.com/huanz1234/felix-lml-chat/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type capturedRequest struct {
	auth        string
	contentType string
	path        string
	body        map[string]any
}

// newTestServer replies with status and body, and sends every request it receives to the returned
// channel without blocking.
func newTestServer(t *testing.T, status int, body string) (*httptest.Server, <-chan capturedRequest) {
	t.Helper()
	requests := make(chan capturedRequest, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured := capturedRequest{
			auth:        r.Header.Get("Authorization"),
			contentType: r.Header.Get("Content-Type"),
			path:        r.URL.Path,
		}
		_ = json.NewDecoder(r.Body).Decode(&captured.body)
		select {
		case requests <- captured:
		default:
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, requests
}

func TestChatCompletionStream(t *testing.T) {
	sseBody := "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\" there\"}}],\"usage\":{\"completion_tokens\":2}}\n\n" +
		"data: [DONE]\n\n"
	srv, requests := newTestServer(t, http.StatusOK, sseBody)

	client := services.NewClient(services.ClientConfig{
		APIKey:       "sk-test",
		BaseURL:      srv.URL + "/",
		Model:        "test-model",
		SystemPrompt: "be brief",
	}, discardLogger())

	placeholder := models.NewMessage(models.RoleAssistant, "")
	placeholder.Loading = true
	history := []models.Message{
		models.NewMessage(models.RoleUser, "hello"),
		placeholder,
	}

	resp, err := client.ChatCompletion(context.Background(), history, true)
	require.NoError(t, err)
	assert.True(t, resp.Stream)
	assert.False(t, resp.Started.IsZero())

	var content string
	var tokens int
	err = stream.NewAggregator(discardLogger()).Handle(context.Background(), resp,
		func(c, _ string, n int, _ string) {
			content = c
			tokens = n
		})
	require.NoError(t, err)
	assert.Equal(t, "Hi there", content)
	assert.Equal(t, 2, tokens)

	captured := <-requests
	assert.Equal(t, "Bearer sk-test", captured.auth)
	assert.Equal(t, "application/json", captured.contentType)
	assert.Equal(t, "/chat/completions", captured.path)
	assert.Equal(t, "test-model", captured.body["model"])
	assert.Equal(t, true, captured.body["stream"])
	assert.Equal(t, map[string]any{"include_usage": true}, captured.body["stream_options"])

	msgs, ok := captured.body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2, "system prompt and user message; the placeholder is skipped")
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "hello", msgs[1].(map[string]any)["content"])
}

func TestChatCompletionComplete(t *testing.T) {
	srv, requests := newTestServer(t, http.StatusOK,
		`{"choices":[{"message":{"content":"hi","reasoning_content":"because"}}],"usage":{"completion_tokens":3}}`)

	client := services.NewClient(services.ClientConfig{BaseURL: srv.URL, Model: "m"}, discardLogger())
	resp, err := client.ChatCompletion(context.Background(),
		[]models.Message{models.NewMessage(models.RoleUser, "hello")}, false)
	require.NoError(t, err)
	assert.False(t, resp.Stream)

	captured := <-requests
	assert.Empty(t, captured.auth, "no key configured")
	assert.NotContains(t, captured.body, "stream_options")
	assert.NotContains(t, captured.body, "stream")

	calls := 0
	err = stream.NewAggregator(discardLogger()).Handle(context.Background(), resp,
		func(content, reasoning string, tokens int, _ string) {
			calls++
			assert.Equal(t, "hi", content)
			assert.Equal(t, "because", reasoning)
			assert.Equal(t, 3, tokens)
		})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestChatCompletionStatusErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
		wantMsg string
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, wantErr: services.ErrUnauthorized},
		{name: "forbidden", status: http.StatusForbidden, wantErr: services.ErrForbidden},
		{name: "rate limited", status: http.StatusTooManyRequests, wantErr: services.ErrRateLimited},
		{name: "server", status: http.StatusInternalServerError, wantErr: services.ErrServer},
		{
			name:    "api message",
			status:  http.StatusBadRequest,
			body:    `{"error":{"message":"model does not exist","type":"invalid_request_error"}}`,
			wantMsg: "model does not exist",
		},
		{
			name:    "plain status",
			status:  http.StatusNotFound,
			body:    "not here",
			wantMsg: "request failed (status 404)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, tt.status, tt.body)
			client := services.NewClient(services.ClientConfig{BaseURL: srv.URL}, discardLogger())

			_, err := client.ChatCompletion(context.Background(),
				[]models.Message{models.NewMessage(models.RoleUser, "hello")}, true)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestChatCompletionNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := services.NewClient(services.ClientConfig{BaseURL: url}, discardLogger())
	_, err := client.ChatCompletion(context.Background(),
		[]models.Message{models.NewMessage(models.RoleUser, "hello")}, true)
	assert.ErrorIs(t, err, services.ErrNetwork)
}

func TestChatCompletionCircuitBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	client := services.NewClient(services.ClientConfig{BaseURL: srv.URL}, discardLogger())
	history := []models.Message{models.NewMessage(models.RoleUser, "hello")}

	for range 5 {
		_, err := client.ChatCompletion(context.Background(), history, true)
		require.ErrorIs(t, err, services.ErrServer)
	}

	_, err := client.ChatCompletion(context.Background(), history, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temporarily unavailable")
	assert.Equal(t, int32(5), hits.Load())
}

func TestChatCompletionBreakerIgnoresClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	client := services.NewClient(services.ClientConfig{BaseURL: srv.URL}, discardLogger())
	history := []models.Message{models.NewMessage(models.RoleUser, "hello")}

	for range 7 {
		_, err := client.ChatCompletion(context.Background(), history, false)
		require.ErrorIs(t, err, services.ErrUnauthorized)
	}
	assert.Equal(t, int32(7), hits.Load())
}

func TestChatCompletionTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)

	client := services.NewClient(services.ClientConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, discardLogger())
	_, err := client.ChatCompletion(context.Background(),
		[]models.Message{models.NewMessage(models.RoleUser, "hello")}, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, services.ErrNetwork), "got %v", err)
}

func TestGenerateTitle(t *testing.T) {
	srv, requests := newTestServer(t, http.StatusOK, `{"choices":[{"message":{"content":"  Greeting chat \n"}}]}`)

	client := services.NewClient(services.ClientConfig{
		BaseURL:              srv.URL,
		TitleGeneratorPrompt: "make a title",
	}, discardLogger())

	title, err := client.GenerateTitle(context.Background(), "hello there")
	require.NoError(t, err)
	assert.Equal(t, "Greeting chat", title)

	captured := <-requests
	assert.NotContains(t, captured.body, "stream", "stream is omitted when false")

	msgs := captured.body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.True(t, strings.Contains(msgs[0].(map[string]any)["content"].(string), "make a title"))
}
