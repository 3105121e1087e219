package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/fatih/color"

	"github.com/antonkrylov/wharf/internal/transport"
)

// outputPrinter writes command output as it arrives. Escape sequences are
// kept on a terminal and stripped otherwise, so piped output stays clean.
type outputPrinter struct {
	out         io.Writer
	err         io.Writer
	interactive bool
	mu          sync.Mutex
}

func newOutputPrinter(out, err io.Writer, interactive bool) *outputPrinter {
	return &outputPrinter{out: out, err: err, interactive: interactive}
}

func (p *outputPrinter) text(data string) string {
	if p.interactive {
		return data
	}
	return ansi.Strip(data)
}

// Sink implements transport.Sink.
func (p *outputPrinter) Sink(stream string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.out
	if stream == transport.StreamStderr {
		w = p.err
	}
	_, _ = io.WriteString(w, p.text(string(data)))
}

// Write prints text that already went through the server.
func (p *outputPrinter) Write(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = io.WriteString(p.out, p.text(text))
}

// Status prints the closing line of a run on stderr.
func (p *outputPrinter) Status(label string, ok bool, detail string, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := color.New(color.FgGreen, color.Bold)
	mark := "ok"
	if !ok {
		c = color.New(color.FgRed, color.Bold)
		mark = "failed"
	}
	if p.interactive {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	line := fmt.Sprintf("%s %s", label, mark)
	if detail != "" {
		line += ": " + detail
	}
	_, _ = c.Fprintf(p.err, "%s (%s)\n", line, elapsed.Round(time.Millisecond))
}
