package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/huanz1234/felix-lml-chat/internal/models"
	"github.com/huanz1234/felix-lml-chat/internal/stream"
	goopenai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker/v2"
)

const (
	// DefaultBaseURL is the OpenAI-compatible endpoint used when none is configured.
	DefaultBaseURL = "https://api.siliconflow.cn/v1"
	// DefaultTimeout bounds a request until its response headers arrive, or until the whole body is
	// read for complete responses.
	DefaultTimeout = 60 * time.Second

	breakerMaxFailures uint32 = 5
	breakerTimeout            = 30 * time.Second
	breakerInterval           = 60 * time.Second
)

// Errors returned by Client for failed requests. They are returned before any streaming begins and are
// never retried.
var (
	ErrUnauthorized = errors.New("API key is invalid or expired, check the settings")
	ErrForbidden    = errors.New("API access denied, check the key permissions")
	ErrRateLimited  = errors.New("too many requests, retry later")
	ErrServer       = errors.New("internal server error, retry later")
	ErrNetwork      = errors.New("network connection failed, check the connection")
)

// ClientConfig holds everything Client needs to reach the API. Nothing is looked up elsewhere.
type ClientConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration

	SystemPrompt         string
	TitleGeneratorPrompt string

	MaxTokens   int
	Temperature *float32
}

// Client sends chat completion requests to an OpenAI-compatible API and hands the raw response body
// over for aggregation.
type Client struct {
	cfg ClientConfig

	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]

	logger *slog.Logger
}

// NewClient creates a Client. Empty BaseURL and Timeout fall back to DefaultBaseURL and
// DefaultTimeout.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	logger = logger.With(slog.String("module", "client"))

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.Timeout

	return &Client{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
		breaker: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        "llm:" + cfg.BaseURL,
			MaxRequests: 1,
			Interval:    breakerInterval,
			Timeout:     breakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerMaxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("Circuit breaker state change",
					slog.String("breaker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
			// Only failures of the service itself count; a bad key or a rate limit does not.
			IsSuccessful: func(err error) bool {
				return err == nil || !(errors.Is(err, ErrServer) || errors.Is(err, ErrNetwork))
			},
		}),
		logger: logger,
	}
}

// ChatCompletion sends the conversation history and returns the response to be handled by a
// stream.Aggregator. When streaming is true the body is an event stream that the caller reads to its
// end; otherwise it is the complete JSON response, already read within the timeout.
func (c *Client) ChatCompletion(ctx context.Context, history []models.Message, streaming bool) (*stream.Response, error) {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(history)+1)
	if c.cfg.SystemPrompt != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: c.cfg.SystemPrompt,
		})
	}
	for _, msg := range history {
		// The placeholder of the response being requested carries nothing yet.
		if msg.Loading || msg.Content == "" {
			continue
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	return c.send(ctx, msgs, streaming)
}

// GenerateTitle asks for a short title of a conversation starting with message.
func (c *Client) GenerateTitle(ctx context.Context, message string) (string, error) {
	msgs := []goopenai.ChatCompletionMessage{
		{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: c.cfg.TitleGeneratorPrompt,
		},
		{
			Role:    goopenai.ChatMessageRoleUser,
			Content: message,
		},
	}

	resp, err := c.send(ctx, msgs, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	completion, err := stream.DecodeCompletion(resp.Body)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(completion.Choices[0].Message.Content), nil
}

func (c *Client) send(
	ctx context.Context,
	msgs []goopenai.ChatCompletionMessage,
	streaming bool,
) (*stream.Response, error) {
	reqBody := goopenai.ChatCompletionRequest{
		Model:     c.cfg.Model,
		Messages:  msgs,
		Stream:    streaming,
		MaxTokens: c.cfg.MaxTokens,
	}
	if c.cfg.Temperature != nil {
		reqBody.Temperature = *c.cfg.Temperature
	}
	if streaming {
		reqBody.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	c.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	cancel := context.CancelFunc(func() {})
	if !streaming {
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
	}
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}

	started := time.Now()
	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		return c.do(req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("API temporarily unavailable: %w", err)
		}
		return nil, err
	}

	if streaming {
		return &stream.Response{Stream: true, Body: resp.Body, Started: started}, nil
	}

	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	return &stream.Response{Body: io.NopCloser(bytes.NewReader(body)), Started: started}, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		c.logger.Error("Network error", slog.String("url", req.URL.String()), slog.String(errLoggerKey, err.Error()))
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}

	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	err = statusError(resp.StatusCode, body)
	c.logger.Error("API error",
		slog.Int("status", resp.StatusCode),
		slog.String("body", string(body)),
		slog.String(errLoggerKey, err.Error()))
	return nil, err
}

func statusError(status int, body []byte) error {
	switch {
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusForbidden:
		return ErrForbidden
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status >= http.StatusInternalServerError:
		return fmt.Errorf("%w (status %d)", ErrServer, status)
	}

	var errResp goopenai.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != nil && errResp.Error.Message != "" {
		return fmt.Errorf("request failed (status %d): %s", status, errResp.Error.Message)
	}
	return fmt.Errorf("request failed (status %d)", status)
}
