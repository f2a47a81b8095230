package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)
	p.reasoningColor.DisableColor()
	p.statsColor.DisableColor()

	p.update("", "Let me")
	p.update("", "Let me think")
	p.update("Hel", "Let me think")
	p.update("Hello", "Let me think more")
	p.finish(2, "4.00")

	assert.Equal(t, "Let me think\n\nHello\n2 tokens · 4.00 tokens/s\n", buf.String())
}

func TestPrinterHideReasoning(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)
	p.hideReasoning = true
	p.statsColor.DisableColor()

	p.update("", "hidden")
	p.update("Hi", "hidden")
	p.finish(0, "0.00")

	assert.Equal(t, "Hi\n", buf.String())
}

func TestPrinterNothingReceived(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)
	p.finish(0, "0.00")
	assert.Empty(t, buf.String())
}
