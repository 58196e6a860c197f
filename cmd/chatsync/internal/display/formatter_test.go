package display

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sample = []domain.Message{
	{ID: "m1", SenderID: "bob", Kind: domain.KindText, Content: "hello\nthere", CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
	{ID: "m2", SenderID: "alice", Kind: domain.KindText, Revoked: true, ReplyToID: "m1", CreatedAt: time.Date(2024, 3, 1, 12, 1, 0, 0, time.UTC)},
}

func TestMessagesTable(t *testing.T) {
	var buf bytes.Buffer
	MessagesTable(&buf, sample)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "SENDER")
	assert.Contains(t, lines[2], "hello there")
	assert.Contains(t, lines[3], "(revoked)")
	assert.Contains(t, lines[3], "revoked,reply:m1")
}

func TestMessagesJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, MessagesJSON(&buf, "room-1", sample))

	var out struct {
		Scope    string           `json:"scope"`
		Messages []domain.Message `json:"messages"`
		Count    int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "room-1", out.Scope)
	assert.Equal(t, 2, out.Count)
}

func TestPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.Delta(stream.Delta{Scope: "room-1", Kind: stream.DeltaReset, Messages: sample})
	p.Delta(stream.Delta{Scope: "room-1", Kind: stream.DeltaInsert, Messages: sample[:1]})
	p.Typing("room-1", []string{"bob", "carol"})
	p.Typing("room-1", nil)
	p.State(domain.StateConnecting, domain.StateConnected)
	p.Page("room-1", stream.Page{Number: 1, Fetched: 2, Added: 2, FromCache: true})

	out := buf.String()
	assert.Contains(t, out, "[room-1] stream reset: 2 messages")
	assert.Contains(t, out, "[room-1] insert ")
	assert.Contains(t, out, "<bob> hello there")
	assert.Contains(t, out, "typing: bob, carol")
	assert.Contains(t, out, "nobody is typing")
	assert.Contains(t, out, "connection connecting -> connected")
	assert.Contains(t, out, "page 1 from cache")
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", truncateString("short", 10))
	assert.Equal(t, "abcd...", truncateString("abcdefghij", 7))
	assert.Equal(t, "...", truncateString("abcdef", 2))
}
