// Package stream turns chat completion responses of an OpenAI-compatible API into updates of a single
// message. Streaming bodies are decoded frame by frame and aggregated under a rate limit; complete
// responses are passed through in one update.
package stream

import (
	"fmt"
	"io"
	"time"
)

// UpdateFunc receives the accumulated state of a response. It is called with monotonically more
// complete values, and the last call carries the final state.
type UpdateFunc func(content, reasoning string, tokens int, speed string)

// Event is the decoded value of one data frame.
type Event struct {
	Content   string
	Reasoning string

	// Tokens is the completion token count reported by the frame. It is only meaningful when
	// HasUsage is true.
	Tokens   int
	HasUsage bool
}

// DecodeError reports a data frame whose payload could not be parsed. The frame is not fatal to the
// stream it was read from.
type DecodeError struct {
	Data string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed frame %q: %v", e.Data, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Response is a chat completion response handed over by the transport.
type Response struct {
	// Stream tells whether Body is an event stream or a single JSON completion.
	Stream bool
	Body   io.ReadCloser
	// Started is when the request was sent. It is used to compute the speed of complete responses.
	Started time.Time
}

// Completion is the body of a non-streaming chat completion.
type Completion struct {
	Choices []CompletionChoice `json:"choices"`
	Usage   *Usage             `json:"usage,omitempty"`
}

// CompletionChoice is one choice of a Completion.
type CompletionChoice struct {
	Message CompletionMessage `json:"message"`
}

// CompletionMessage holds the text channels of a choice.
type CompletionMessage struct {
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content"`
}

// Usage reports token consumption.
type Usage struct {
	CompletionTokens int `json:"completion_tokens"`
}

type chunk struct {
	Choices []chunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

type chunkChoice struct {
	Delta CompletionMessage `json:"delta"`
}
