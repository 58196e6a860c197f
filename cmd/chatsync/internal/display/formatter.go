// Package display renders sync core state for the terminal.
package display

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/stream"
)

const timeLayout = "2006-01-02 15:04:05"

// MessagesTable displays messages in a formatted table
func MessagesTable(w io.Writer, msgs []domain.Message) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "TIME\tID\tSENDER\tKIND\tCONTENT\tFLAGS")
	fmt.Fprintln(tw, "----\t--\t------\t----\t-------\t-----")

	for _, m := range msgs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			m.CreatedAt.Local().Format(timeLayout),
			truncateString(m.ID, 20),
			m.SenderID,
			m.Kind,
			truncateString(content(m), 50),
			flags(m))
	}
}

// MessagesJSON displays messages in JSON format
func MessagesJSON(w io.Writer, scope string, msgs []domain.Message) error {
	output := struct {
		Scope    string           `json:"scope"`
		Messages []domain.Message `json:"messages"`
		Count    int              `json:"count"`
	}{
		Scope:    scope,
		Messages: msgs,
		Count:    len(msgs),
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

type PresenceRow struct {
	UserID string
	Status string
}

func PresenceTable(w io.Writer, rows []PresenceRow) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "USER\tSTATUS")
	fmt.Fprintln(tw, "----\t------")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\n", r.UserID, r.Status)
	}
}

// Printer writes live changes as single lines. It is safe for concurrent
// use since callbacks arrive from several goroutines.
type Printer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

func (p *Printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *Printer) Delta(d stream.Delta) {
	switch d.Kind {
	case stream.DeltaReset:
		p.printf("[%s] stream reset: %d messages", d.Scope, len(d.Messages))
	default:
		for _, m := range d.Messages {
			p.printf("[%s] %s %s <%s> %s%s", d.Scope, d.Kind, m.CreatedAt.Local().Format(timeLayout), m.SenderID, content(m), suffix(m))
		}
	}
}

func (p *Printer) Typing(scope string, userIDs []string) {
	if len(userIDs) == 0 {
		p.printf("[%s] nobody is typing", scope)
		return
	}
	p.printf("[%s] typing: %s", scope, strings.Join(userIDs, ", "))
}

func (p *Printer) Presence(status string, rec domain.PresenceRecord) {
	p.printf("presence %s: %s", rec.UserID, status)
}

func (p *Printer) State(from, to domain.ConnState) {
	p.printf("connection %s -> %s", from, to)
}

func (p *Printer) Page(scope string, pg stream.Page) {
	src := "server"
	if pg.FromCache {
		src = "cache"
	}
	p.printf("[%s] page %d from %s: %d fetched, %d new, more=%t", scope, pg.Number, src, pg.Fetched, pg.Added, pg.HasMore)
}

func content(m domain.Message) string {
	switch {
	case m.Revoked:
		return "(revoked)"
	case m.Kind == domain.KindMedia && m.MediaURL != "":
		return m.MediaURL
	}
	return strings.ReplaceAll(m.Content, "\n", " ")
}

func flags(m domain.Message) string {
	var f []string
	if m.Pending {
		f = append(f, "pending")
	}
	if m.Revoked {
		f = append(f, "revoked")
	}
	if m.ReplyToID != "" {
		f = append(f, "reply:"+m.ReplyToID)
	}
	if len(m.ReadBy) > 0 {
		f = append(f, fmt.Sprintf("read:%d", len(m.ReadBy)))
	}
	if len(f) == 0 {
		return "-"
	}
	return strings.Join(f, ",")
}

func suffix(m domain.Message) string {
	if f := flags(m); f != "-" {
		return " [" + f + "]"
	}
	return ""
}

// truncateString truncates a string to maxLen characters with ellipsis
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."
	}
	return s[:maxLen-3] + "..."
}
