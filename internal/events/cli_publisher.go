package events

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// CLIPublisher renders events as human-readable lines on a writer,
// optionally fanning them out to an inner publisher for the dashboard.
type CLIPublisher struct {
	inner Publisher
	out   io.Writer
	color bool
	mu    sync.Mutex
}

// CLIPublisherOption configures a CLIPublisher.
type CLIPublisherOption func(*CLIPublisher)

// WithInnerPublisher sets an inner publisher to fan out events to.
func WithInnerPublisher(p Publisher) CLIPublisherOption {
	return func(c *CLIPublisher) {
		c.inner = p
	}
}

// WithColor overrides terminal detection.
func WithColor(enabled bool) CLIPublisherOption {
	return func(c *CLIPublisher) {
		c.color = enabled
	}
}

// NewCLIPublisher creates a publisher that writes events to out. Color
// is enabled when out is a terminal.
func NewCLIPublisher(out io.Writer, opts ...CLIPublisherOption) *CLIPublisher {
	p := &CLIPublisher{out: out}
	if f, ok := out.(*os.File); ok {
		p.color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

const (
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiRed    = "\033[31m"
	ansiDim    = "\033[2m"
	ansiReset  = "\033[0m"
)

func (p *CLIPublisher) paint(color, s string) string {
	if !p.color {
		return s
	}
	return color + s + ansiReset
}

// Publish writes a line per event and fans out to the inner publisher.
func (p *CLIPublisher) Publish(event Event) {
	if p.inner != nil {
		p.inner.Publish(event)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch event.Type {
	case EventTaskStarted:
		fmt.Fprintf(p.out, "%s %s\n", p.paint(ansiDim, "▶ started"), event.Identifier)
	case EventTaskCompleted:
		fmt.Fprintf(p.out, "%s %s\n", p.paint(ansiGreen, "✓ done"), event.Identifier)
	case EventTaskRetried:
		detail := ""
		if d, ok := event.Data.(RetryData); ok {
			detail = fmt.Sprintf(" (attempt %d: %s)", d.Attempts, d.Reason)
		}
		fmt.Fprintf(p.out, "%s %s%s\n", p.paint(ansiYellow, "↻ retry"), event.Identifier, detail)
	case EventTaskFailed:
		fmt.Fprintf(p.out, "%s %s\n", p.paint(ansiRed, "✗ failed"), event.Identifier)
	case EventTaskReopened:
		detail := ""
		if d, ok := event.Data.(ReopenData); ok {
			detail = fmt.Sprintf(" by %s: %s", d.By, d.Reason)
		}
		fmt.Fprintf(p.out, "%s %s%s\n", p.paint(ansiYellow, "⟲ reopened"), event.Identifier, detail)
	case EventIteration:
		if d, ok := event.Data.(IterationData); ok {
			fmt.Fprintf(p.out, "%s %d: running [%s] (%d/%d done)\n",
				p.paint(ansiDim, "iteration"), d.Iteration,
				strings.Join(d.Scheduled, ", "), d.Done, d.Total)
		}
	case EventError:
		if d, ok := event.Data.(ErrorData); ok {
			fmt.Fprintf(p.out, "%s %s\n", p.paint(ansiRed, "error:"), d.Message)
		}
	}
}

// Subscribe delegates to the inner publisher or returns a closed channel.
func (p *CLIPublisher) Subscribe(identifier string) <-chan Event {
	if p.inner != nil {
		return p.inner.Subscribe(identifier)
	}
	ch := make(chan Event)
	close(ch)
	return ch
}

// Unsubscribe delegates to the inner publisher.
func (p *CLIPublisher) Unsubscribe(identifier string, ch <-chan Event) {
	if p.inner != nil {
		p.inner.Unsubscribe(identifier, ch)
	}
}

// Close delegates to the inner publisher.
func (p *CLIPublisher) Close() {
	if p.inner != nil {
		p.inner.Close()
	}
}
