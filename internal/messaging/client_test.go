package messaging

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger := zerolog.New(io.Discard)
	return New(srv.URL, "clinic", "test-key", 1200, 0, &logger)
}

func TestSendText(t *testing.T) {
	var got sendTextRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/message/sendText/clinic", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("apikey"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	})

	require.NoError(t, c.SendText(context.Background(), "5511912345678", "Olá!"))
	assert.Equal(t, "5511912345678", got.Number)
	assert.Equal(t, "Olá!", got.Text)
	assert.Equal(t, 1200, got.Delay)
}

func TestSendTextGatewayError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	assert.Error(t, c.SendText(context.Background(), "5511912345678", "oi"))
}

func TestMarkRead(t *testing.T) {
	var body markReadRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/markMessageAsRead/clinic", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, c.MarkRead(context.Background(), "5511912345678@s.whatsapp.net", "MSG1"))
	require.Len(t, body.ReadMessages, 1)
	assert.Equal(t, "MSG1", body.ReadMessages[0]["id"])
	assert.Equal(t, false, body.ReadMessages[0]["fromMe"])
}

func TestConnectionState(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instance/connectionState/clinic", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"instance": map[string]any{"instanceName": "clinic", "state": "open"},
		})
	})

	state, err := c.ConnectionState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "open", state)
}
