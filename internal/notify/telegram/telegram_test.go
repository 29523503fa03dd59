package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidates(t *testing.T) {
	_, err := New(Config{ChatID: 1})
	require.Error(t, err)

	_, err = New(Config{Token: "123:abc"})
	require.ErrorIs(t, err, ErrNoChat)
}

func TestSendAlertPostsMessage(t *testing.T) {
	var (
		mu   sync.Mutex
		path string
		body map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		path = r.URL.Path
		_ = json.Unmarshal(b, &body)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"},"text":"x"}}`)
	}))
	defer srv.Close()

	s, err := New(Config{Token: "123:abc", ChatID: 42, APIURL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, s.SendAlert(context.Background(), "disk full"))

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, strings.HasSuffix(path, "/sendMessage"), path)
	assert.Equal(t, "42", body["chat_id"])
	assert.Equal(t, "disk full", body["text"])
}

func TestSendAlertHonoursCanceledContext(t *testing.T) {
	s, err := New(Config{Token: "123:abc", ChatID: 42, APIURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.SendAlert(ctx, "x"), context.Canceled)
}
