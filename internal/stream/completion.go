package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// DecodeCompletion parses a non-streaming chat completion body.
func DecodeCompletion(r io.Reader) (Completion, error) {
	var c Completion
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return Completion{}, fmt.Errorf("error decoding completion: %w", err)
	}
	if len(c.Choices) == 0 {
		return Completion{}, errors.New("no choices found")
	}
	return c, nil
}

// Complete reports a complete response to onUpdate in a single call.
func Complete(c Completion, speed string, onUpdate UpdateFunc) {
	var content, reasoning string
	if len(c.Choices) > 0 {
		content = c.Choices[0].Message.Content
		reasoning = c.Choices[0].Message.ReasoningContent
	}
	tokens := 0
	if c.Usage != nil {
		tokens = c.Usage.CompletionTokens
	}
	onUpdate(content, reasoning, tokens, speed)
}

// Handle routes resp to Consume when it is streamed and to Complete otherwise. The speed of a complete
// response is measured from resp.Started. Handle closes resp.Body.
func (a *Aggregator) Handle(ctx context.Context, resp *Response, onUpdate UpdateFunc) error {
	// Closing also unblocks a read still pending after ctx is done.
	defer resp.Body.Close()

	if resp.Stream {
		return a.Consume(ctx, Decode(resp.Body), onUpdate)
	}

	c, err := DecodeCompletion(resp.Body)
	if err != nil {
		return err
	}
	tokens := 0
	if c.Usage != nil {
		tokens = c.Usage.CompletionTokens
	}
	var elapsed time.Duration
	if !resp.Started.IsZero() {
		elapsed = a.now().Sub(resp.Started)
	}
	Complete(c, FormatSpeed(tokens, elapsed), onUpdate)
	return nil
}
