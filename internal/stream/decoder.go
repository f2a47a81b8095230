package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/tmaxmax/go-sse"
)

const (
	doneSentinel = "[DONE]"

	// MaxFrameSize bounds a single event. Reasoning models may send large frames, well over the 64 KiB
	// a default scanner accepts.
	MaxFrameSize = 4 << 20
)

// eventTerminator ends a last event whose blank line never arrived before the body was closed.
const eventTerminator = "\n\n"

// Decode reads data frames from r and yields one Event per frame. Partial lines are buffered across
// reads, so frames may be split at any byte. The sequence ends at EOF, at the "[DONE]" sentinel, or
// after the first read error, which is yielded. A last line cut off without its newline at EOF is still
// decoded. A frame with malformed JSON yields a *DecodeError and decoding continues with the next
// frame.
func Decode(r io.Reader) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		// Only a clean EOF reaches the terminator; read errors still end the sequence.
		src := io.MultiReader(r, strings.NewReader(eventTerminator))
		cfg := &sse.ReadConfig{MaxEventSize: MaxFrameSize}
		for ev, err := range sse.Read(src, cfg) {
			if err != nil {
				yield(Event{}, fmt.Errorf("error reading stream: %w", err))
				return
			}

			// Consecutive data lines without a blank line between them are joined by the SSE parser.
			// Every line is a frame of its own here.
			for _, data := range strings.Split(ev.Data, "\n") {
				data = strings.TrimSpace(data)
				if data == "" {
					continue
				}
				if data == doneSentinel {
					return
				}

				event, err := decodeFrame(data)
				if !yield(event, err) {
					return
				}
			}
		}
	}
}

func decodeFrame(data string) (Event, error) {
	var c chunk
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return Event{}, &DecodeError{Data: data, Err: err}
	}

	var ev Event
	if len(c.Choices) > 0 {
		ev.Content = c.Choices[0].Delta.Content
		ev.Reasoning = c.Choices[0].Delta.ReasoningContent
	}
	if c.Usage != nil {
		ev.Tokens = c.Usage.CompletionTokens
		ev.HasUsage = true
	}
	return ev, nil
}
