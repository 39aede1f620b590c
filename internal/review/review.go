// Package review implements the human side of the authorization gate:
// a proposal is rendered with its identifier, rationale, severity and
// diff preview, and the reviewer answers yes or no. The terminal
// reviewer blocks on stdin; the queue reviewer hands decisions to
// another goroutine, which is what tests and embedding programs use.
package review

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"skillforge/internal/forge"
	"skillforge/internal/logging"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	labelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("245"))

	previewStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	severityStyles = map[forge.Severity]lipgloss.Style{
		forge.SeverityInfo:     lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		forge.SeverityWarning:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		forge.SeverityCritical: lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	}
)

// TerminalReviewer presents proposals on a terminal and reads the
// decision from standard input. Anything other than an explicit yes is
// a denial.
type TerminalReviewer struct {
	in  io.Reader
	out io.Writer
}

// NewTerminalReviewer reviews on stdin/stdout.
func NewTerminalReviewer() *TerminalReviewer {
	return &TerminalReviewer{in: os.Stdin, out: os.Stdout}
}

// NewTerminalReviewerIO reviews on the given streams.
func NewTerminalReviewerIO(in io.Reader, out io.Writer) *TerminalReviewer {
	return &TerminalReviewer{in: in, out: out}
}

// Present renders the proposal and blocks until the reviewer answers or
// ctx is done.
func (r *TerminalReviewer) Present(ctx context.Context, change *forge.ProposedChange) (bool, error) {
	fmt.Fprintln(r.out, RenderProposal(change))
	fmt.Fprint(r.out, "Authorize this change? [y/N] ")

	type answer struct {
		line string
		err  error
	}
	done := make(chan answer, 1)
	go func() {
		scanner := bufio.NewScanner(r.in)
		if scanner.Scan() {
			done <- answer{line: scanner.Text()}
			return
		}
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		done <- answer{err: err}
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a := <-done:
		if a.err != nil {
			return false, fmt.Errorf("failed to read decision: %w", a.err)
		}
		approved := isAffirmative(a.line)
		logging.Review("Terminal decision for %s: approved=%v", change.TargetIdentifier, approved)
		return approved, nil
	}
}

func isAffirmative(line string) bool {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// RenderProposal formats a proposal for human review.
func RenderProposal(change *forge.ProposedChange) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Proposed change"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Skill:"), change.TargetIdentifier))
	b.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Severity:"),
		severityStyles[change.Severity].Render(change.Severity.String())))
	b.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Rationale:"), change.Rationale))
	b.WriteString(labelStyle.Render("Preview:"))
	b.WriteString("\n")
	b.WriteString(previewStyle.Render(change.DiffPreview))

	return b.String()
}

// Request is one pending decision handed to a queue consumer.
type Request struct {
	Change *forge.ProposedChange
	reply  chan bool
}

// Approve authorizes the change.
func (r *Request) Approve() { r.reply <- true }

// Deny rejects the change.
func (r *Request) Deny() { r.reply <- false }

// QueueReviewer routes proposals to a consumer goroutine over a
// channel. Present blocks until the consumer answers or ctx is done.
type QueueReviewer struct {
	requests chan *Request
}

// NewQueueReviewer creates a reviewer with the given request buffer.
func NewQueueReviewer(buffer int) *QueueReviewer {
	return &QueueReviewer{requests: make(chan *Request, buffer)}
}

// Requests is the consumer side of the queue.
func (q *QueueReviewer) Requests() <-chan *Request {
	return q.requests
}

// Present enqueues the proposal and waits for the verdict.
func (q *QueueReviewer) Present(ctx context.Context, change *forge.ProposedChange) (bool, error) {
	req := &Request{Change: change, reply: make(chan bool, 1)}

	select {
	case q.requests <- req:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	select {
	case approved := <-req.reply:
		logging.Review("Queue decision for %s: approved=%v", change.TargetIdentifier, approved)
		return approved, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
