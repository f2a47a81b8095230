package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/huanz1234/felix-lml-chat/internal/models"
	"github.com/huanz1234/felix-lml-chat/internal/services"
	"github.com/huanz1234/felix-lml-chat/internal/stream"
	"github.com/spf13/cobra"
)

func newAskCmd(a *app) *cobra.Command {
	var noStream, hideReasoning bool

	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Ask a single question and print the reply as it streams in",
		Long: `Ask sends one message and prints the reply to stdout as it arrives. Reasoning,
when the model provides it, is shown dimmed before the answer. Press Ctrl+C to stop
the reply early; what was received so far stays printed.

Examples:
  felix ask "what is a goroutine?"
  felix ask --no-stream summarize the SSE format`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			streaming := a.cfg.streaming() && !noStream
			return a.ask(cmd.Context(), strings.Join(args, " "), streaming, hideReasoning)
		},
	}

	cmd.Flags().BoolVar(&noStream, "no-stream", false, "Request the whole reply at once")
	cmd.Flags().BoolVar(&hideReasoning, "hide-reasoning", false, "Do not print the model's reasoning")

	return cmd
}

func (a *app) ask(ctx context.Context, message string, streaming, hideReasoning bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	client := services.NewClient(a.cfg.clientConfig(), a.logger)
	aggregator := stream.NewAggregator(a.logger, stream.WithInterval(a.cfg.Stream.Interval))

	sp := spinner.New(spinner.CharSets[14], 80*time.Millisecond, spinner.WithWriter(os.Stderr))
	sp.Suffix = " Thinking..."
	sp.Start()
	defer sp.Stop()

	history := []models.Message{models.NewMessage(models.RoleUser, message)}
	resp, err := client.ChatCompletion(ctx, history, streaming)
	if err != nil {
		return err
	}

	p := newPrinter(os.Stdout)
	p.hideReasoning = hideReasoning

	var tokens int
	var speed string
	err = aggregator.Handle(ctx, resp, func(content, reasoning string, n int, s string) {
		if sp.Active() {
			sp.Stop()
		}
		p.update(content, reasoning)
		tokens, speed = n, s
	})
	sp.Stop()
	p.finish(tokens, speed)
	return err
}

// printer writes a growing reply to a terminal. Content and reasoning only ever grow between
// updates, so each update prints just what was appended since the previous one.
type printer struct {
	out io.Writer

	hideReasoning bool

	reasoningColor *color.Color
	statsColor     *color.Color

	printedContent   int
	printedReasoning int
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:            out,
		reasoningColor: color.New(color.FgHiBlack),
		statsColor:     color.New(color.FgCyan),
	}
}

func (p *printer) update(content, reasoning string) {
	if !p.hideReasoning && len(reasoning) > p.printedReasoning {
		// Reasoning that arrives after the answer started is not interleaved with it.
		if p.printedContent == 0 {
			p.reasoningColor.Fprint(p.out, reasoning[p.printedReasoning:])
			p.printedReasoning = len(reasoning)
		}
	}

	if len(content) > p.printedContent {
		if p.printedContent == 0 && p.printedReasoning > 0 {
			fmt.Fprint(p.out, "\n\n")
		}
		fmt.Fprint(p.out, content[p.printedContent:])
		p.printedContent = len(content)
	}
}

func (p *printer) finish(tokens int, speed string) {
	if p.printedContent == 0 && p.printedReasoning == 0 {
		return
	}
	fmt.Fprintln(p.out)
	if tokens > 0 {
		p.statsColor.Fprintf(p.out, "%d tokens · %s tokens/s\n", tokens, speed)
	}
}
