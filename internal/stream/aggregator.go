package stream

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultInterval is the minimum spacing between two updates emitted while a response streams.
const DefaultInterval = 100 * time.Millisecond

// ErrInterrupted is returned by Consume when the event source failed before its end. The update
// callback has still received the final state at that point.
var ErrInterrupted = errors.New("stream interrupted")

// Aggregator accumulates streamed events into message updates. It holds no per-stream state, so one
// Aggregator may serve any number of concurrent streams.
type Aggregator struct {
	interval time.Duration
	logger   *slog.Logger

	now      func() time.Time
	newTimer func(time.Duration) *time.Timer
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithInterval sets the minimum spacing between emitted updates. Non-positive values keep the
// default.
func WithInterval(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.interval = d
		}
	}
}

// NewAggregator creates an Aggregator emitting at most one update per DefaultInterval unless
// configured otherwise.
func NewAggregator(logger *slog.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		interval: DefaultInterval,
		logger:   logger.With(slog.String("module", "stream")),
		now:      time.Now,
		newTimer: time.NewTimer,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type decoded struct {
	event Event
	err   error
}

// Consume reads events until the sequence ends or ctx is done, and reports the accumulated content
// and reasoning to onUpdate. onUpdate is only called from the calling goroutine, and its last call
// always carries everything consumed, including when the stream was cut short.
//
// Malformed frames are logged and skipped. A read error ends consumption and is returned wrapped in
// ErrInterrupted after the final update; cancellation of ctx is not an error.
func (a *Aggregator) Consume(ctx context.Context, events iter.Seq2[Event, error], onUpdate UpdateFunc) error {
	agg := a.newAggregation(onUpdate)

	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Unbuffered so the next frame is only read once the previous one was accepted.
	ch := make(chan decoded)
	go func() {
		defer close(ch)
		for ev, err := range events {
			select {
			case ch <- decoded{event: ev, err: err}:
			case <-pumpCtx.Done():
				return
			}
		}
	}()

	var streamErr error
loop:
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				break loop
			}
			if d.err != nil {
				var decodeErr *DecodeError
				if errors.As(d.err, &decodeErr) {
					a.logger.Warn("Skipping malformed frame",
						slog.String("data", decodeErr.Data),
						slog.String("err", decodeErr.Err.Error()))
					continue
				}
				streamErr = d.err
				break loop
			}
			agg.add(d.event)
		case <-agg.timerC():
			agg.fire()
		case <-ctx.Done():
			a.logger.Debug("Stream cancelled", slog.String("err", ctx.Err().Error()))
			break loop
		}
	}

	agg.flush()

	if streamErr != nil && !errors.Is(streamErr, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrInterrupted, streamErr)
	}
	return nil
}

// aggregation is the state of one Consume call.
type aggregation struct {
	a        *Aggregator
	onUpdate UpdateFunc

	content   strings.Builder
	reasoning strings.Builder
	tokens    int
	start     time.Time

	// limiter holds one token per interval; every emission takes it.
	limiter *rate.Limiter

	timer         *time.Timer
	pendingTokens int
}

func (a *Aggregator) newAggregation(onUpdate UpdateFunc) *aggregation {
	start := a.now()
	limiter := rate.NewLimiter(rate.Every(a.interval), 1)
	// The first update waits a full interval, as if one had been emitted at start.
	limiter.ReserveN(start, 1)

	return &aggregation{
		a:        a,
		onUpdate: onUpdate,
		start:    start,
		limiter:  limiter,
	}
}

func (g *aggregation) add(ev Event) {
	g.content.WriteString(ev.Content)
	g.reasoning.WriteString(ev.Reasoning)
	if ev.HasUsage {
		g.tokens = ev.Tokens
	}

	now := g.a.now()
	available := g.limiter.TokensAt(now)
	if available >= 1 {
		g.stopTimer()
		g.emit(now, g.tokens)
		return
	}
	if g.timer != nil {
		return
	}

	wait := time.Duration((1 - available) * float64(g.a.interval))
	g.timer = g.a.newTimer(wait)
	g.pendingTokens = g.tokens
}

func (g *aggregation) timerC() <-chan time.Time {
	if g.timer == nil {
		return nil
	}
	return g.timer.C
}

func (g *aggregation) fire() {
	g.timer = nil
	g.emit(g.a.now(), g.pendingTokens)
}

func (g *aggregation) stopTimer() {
	if g.timer == nil {
		return
	}
	g.timer.Stop()
	g.timer = nil
}

func (g *aggregation) flush() {
	g.stopTimer()
	g.emit(g.a.now(), g.tokens)
}

func (g *aggregation) emit(now time.Time, tokens int) {
	g.limiter.ReserveN(now, 1)
	g.onUpdate(g.content.String(), g.reasoning.String(), tokens, FormatSpeed(tokens, now.Sub(g.start)))
}

// FormatSpeed formats tokens per second of elapsed with two decimals. It returns "0.00" when no
// tokens are known or no time has elapsed.
func FormatSpeed(tokens int, elapsed time.Duration) string {
	if tokens <= 0 || elapsed <= 0 {
		return "0.00"
	}
	return fmt.Sprintf("%.2f", float64(tokens)/elapsed.Seconds())
}
