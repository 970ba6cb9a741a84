package matrix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/neuro/pkg/channel"
)

// homeserver answers the handful of client-server API calls the channel makes.
type homeserver struct {
	mu     sync.Mutex
	logins int
	joined []string
	sent   []string
	reject bool
}

func (h *homeserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	path := r.URL.Path
	switch {
	case strings.HasSuffix(path, "/login"):
		h.logins++
		if h.reject {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{"errcode": "M_FORBIDDEN", "error": "Invalid password"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"user_id":      "@neuro:example.com",
			"access_token": "tok",
			"device_id":    "DEV",
		})
	case strings.HasSuffix(path, "/join"):
		h.joined = append(h.joined, path)
		json.NewEncoder(w).Encode(map[string]string{"room_id": "!ops:example.com"})
	case strings.Contains(path, "/send/m.room.message/"):
		var body struct {
			Body string `json:"body"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		h.sent = append(h.sent, body.Body)
		json.NewEncoder(w).Encode(map[string]string{"event_id": "$evt"})
	case strings.HasSuffix(path, "/versions"):
		json.NewEncoder(w).Encode(map[string]any{"versions": []string{"v1.11"}})
	default:
		w.Write([]byte("{}"))
	}
}

func newChannel(t *testing.T, hs *homeserver) (*Channel, string) {
	t.Helper()
	srv := httptest.NewServer(hs)
	t.Cleanup(srv.Close)
	dir := t.TempDir()
	return New(Config{
		Homeserver:  srv.URL,
		UserID:      "neuro",
		Password:    "secret",
		ServerName:  "example.com",
		RoomID:      "!ops:example.com",
		DataDir:     dir,
		MaxAttempts: 1,
	}), dir
}

func TestStartLogsInJoinsAndSends(t *testing.T) {
	hs := &homeserver{}
	ch, dir := newChannel(t, hs)
	ctx := context.Background()

	require.NoError(t, ch.Start(ctx))
	require.NoError(t, ch.Send(ctx, channel.Notice{Type: "brain.failure", Level: "error", Content: "checkpoint failed"}))
	require.NoError(t, ch.Send(ctx, channel.Notice{Type: "brain.created", Level: "info", Content: "created"}))

	hs.mu.Lock()
	defer hs.mu.Unlock()
	assert.Equal(t, 1, hs.logins)
	assert.Len(t, hs.joined, 1)
	assert.Equal(t, []string{"[ERROR] checkpoint failed", "created"}, hs.sent)

	data, err := os.ReadFile(filepath.Join(dir, "matrix_credentials.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"access_token": "tok"`)
}

func TestStartReusesSavedCredentials(t *testing.T) {
	hs := &homeserver{}
	ch, dir := newChannel(t, hs)
	creds := `{"access_token":"saved","user_id":"@neuro:example.com","device_id":"D"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "matrix_credentials.json"), []byte(creds), 0o600))

	require.NoError(t, ch.Start(context.Background()))
	hs.mu.Lock()
	defer hs.mu.Unlock()
	assert.Zero(t, hs.logins)
}

func TestStartFailsOnForbiddenLogin(t *testing.T) {
	ch, _ := newChannel(t, &homeserver{reject: true})
	err := ch.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "matrix login")
}

func TestSendBeforeStart(t *testing.T) {
	ch := New(Config{RoomID: "!r:x", DataDir: t.TempDir()})
	assert.Error(t, ch.Send(context.Background(), channel.Notice{Content: "x"}))
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"abc", "def", "g"}, splitMessage("abcdefg", 3))
	assert.Nil(t, splitMessage("", 3))
}
