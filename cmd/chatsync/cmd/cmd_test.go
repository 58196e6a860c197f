package cmd

import (
	"bytes"
	"testing"
	"time"

	"github.com/nfrund/chatsync/internal/cache"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func seedCache(t *testing.T, dir, scope string, msgs []domain.Message) {
	t.Helper()
	store, err := cache.NewFileStore(afero.NewOsFs(), dir)
	require.NoError(t, err)
	c := cache.New(store)
	c.ScheduleWrite(scope, msgs)
	require.NoError(t, c.Close())
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "chatsync v"+version+"\n", out)
}

func TestCacheCommands(t *testing.T) {
	t.Chdir(t.TempDir())
	dir := t.TempDir()
	t.Setenv("CHATSYNC_CACHE_DIR", dir)
	t.Setenv("LOG_LEVEL", "error")

	seedCache(t, dir, "room-1", []domain.Message{
		{ID: "m1", Scope: "room-1", SenderID: "bob", Kind: domain.KindText, Content: "hello", CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
	})

	out, err := run(t, "cache", "list")
	require.NoError(t, err)
	assert.Equal(t, "room-1\n", out)

	out, err = run(t, "cache", "show", "--scope", "room-1", "--format", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "bob")

	out, err = run(t, "cache", "show", "--scope", "room-9", "--format", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "No cached messages for scope 'room-9'")

	_, err = run(t, "cache", "show", "--scope", "room-1", "--format", "xml")
	assert.Error(t, err)
}

func TestPresenceRequiresUser(t *testing.T) {
	presenceUsers = nil
	_, err := run(t, "presence")
	assert.Error(t, err)
}

func TestEvents(t *testing.T) {
	out, err := run(t, "events", "--direction", "outbound", "--format", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "joinChat")
	assert.Contains(t, out, "typing")
	assert.NotContains(t, out, "receiveMessage")

	_, err = run(t, "events", "--direction", "up")
	assert.Error(t, err)
}
