package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GuyPort/whatsapp-clinic-bot/internal/config"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/database"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/models"
)

type handled struct {
	sender string
	text   string
}

// channelHandler reports each handled message on a channel so the test
// can wait for the async processing goroutine.
type channelHandler struct {
	calls chan handled
	reply string
}

func newChannelHandler(reply string) *channelHandler {
	return &channelHandler{calls: make(chan handled, 8), reply: reply}
}

func (h *channelHandler) HandleMessage(_ context.Context, sender, text string) (string, error) {
	h.calls <- handled{sender: sender, text: text}
	return h.reply, nil
}

type fakeGateway struct {
	sent chan string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{sent: make(chan string, 8)}
}

func (g *fakeGateway) SendText(_ context.Context, phone, text string) error {
	g.sent <- phone + "|" + text
	return nil
}

func (g *fakeGateway) MarkRead(_ context.Context, _, _ string) error { return nil }

func (g *fakeGateway) ConnectionState(_ context.Context) (string, error) { return "open", nil }

const adminToken = "secret-token"

func newServerFixture(t *testing.T, handler MessageHandler) (*Server, *database.DB, *fakeGateway) {
	t.Helper()
	dir := t.TempDir()
	db, err := database.New(filepath.Join(dir, "bot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clinicPath := filepath.Join(dir, "clinic.yaml")
	clinicYAML := "name: Clínica Teste\nservices:\n  - name: Consulta\n    duration_minutes: 60\n"
	require.NoError(t, os.WriteFile(clinicPath, []byte(clinicYAML), 0o644))
	clinic, err := config.NewClinicProvider(clinicPath)
	require.NoError(t, err)

	gateway := newFakeGateway()
	logger := zerolog.New(io.Discard)
	return New(handler, gateway, db, clinic, adminToken, &logger), db, gateway
}

func upsertPayload(jid string, fromMe bool, text string) string {
	return fmt.Sprintf(`{
		"event": "messages.upsert",
		"instance": "clinic",
		"data": {
			"key": {"remoteJid": %q, "fromMe": %t, "id": "MSG1"},
			"pushName": "Ana",
			"message": {"conversation": %q}
		}
	}`, jid, fromMe, text)
}

func postWebhook(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestWebhookProcessesPersonMessage(t *testing.T) {
	handler := newChannelHandler("Olá!")
	srv, _, gateway := newServerFixture(t, handler)

	rec := postWebhook(t, srv, upsertPayload("5511912345678@s.whatsapp.net", false, "quero marcar uma consulta"))
	assert.Equal(t, http.StatusOK, rec.Code)

	select {
	case got := <-handler.calls:
		assert.Equal(t, "5511912345678", got.sender)
		assert.Equal(t, "quero marcar uma consulta", got.text)
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached the handler")
	}

	select {
	case sent := <-gateway.sent:
		assert.Equal(t, "5511912345678|Olá!", sent)
	case <-time.After(2 * time.Second):
		t.Fatal("reply never sent")
	}
}

func TestWebhookIgnoresFilteredEvents(t *testing.T) {
	handler := newChannelHandler("nunca")
	srv, _, _ := newServerFixture(t, handler)

	tests := []struct {
		name string
		body string
	}{
		{"own outbound echo", upsertPayload("5511912345678@s.whatsapp.net", true, "oi")},
		{"group chat", upsertPayload("12036302@g.us", false, "oi grupo")},
		{"broadcast", upsertPayload("status@broadcast", false, "status")},
		{"empty text", upsertPayload("5511912345678@s.whatsapp.net", false, "  ")},
		{"other event type", `{"event":"connection.update","data":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postWebhook(t, srv, tt.body)
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}

	select {
	case got := <-handler.calls:
		t.Fatalf("handler called for filtered event: %+v", got)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWebhookPausedSenderSendsNothing(t *testing.T) {
	handler := newChannelHandler("") // empty reply means paused
	srv, _, gateway := newServerFixture(t, handler)

	postWebhook(t, srv, upsertPayload("5511912345678@s.whatsapp.net", false, "oi"))

	select {
	case <-handler.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached the handler")
	}
	select {
	case sent := <-gateway.sent:
		t.Fatalf("unexpected outbound message: %s", sent)
	case <-time.After(300 * time.Millisecond):
	}
}

// gatedHandler holds every call until released so posted messages pile up
// in the sender's queue before any of them is processed.
type gatedHandler struct {
	release chan struct{}
	calls   chan handled
}

func (h *gatedHandler) HandleMessage(_ context.Context, sender, text string) (string, error) {
	<-h.release
	h.calls <- handled{sender: sender, text: text}
	return "", nil
}

func TestWebhookSameSenderMessagesStayOrdered(t *testing.T) {
	handler := &gatedHandler{release: make(chan struct{}), calls: make(chan handled, 8)}
	srv, _, _ := newServerFixture(t, handler)

	texts := []string{"primeira", "segunda", "terceira", "quarta", "quinta"}
	for _, text := range texts {
		rec := postWebhook(t, srv, upsertPayload("5511912345678@s.whatsapp.net", false, text))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	close(handler.release)
	for _, want := range texts {
		select {
		case got := <-handler.calls:
			assert.Equal(t, want, got.text)
			assert.Equal(t, "5511912345678", got.sender)
		case <-time.After(2 * time.Second):
			t.Fatalf("message %q never reached the handler", want)
		}
	}
}

func TestWebhookBadPayload(t *testing.T) {
	srv, _, _ := newServerFixture(t, newChannelHandler(""))
	rec := postWebhook(t, srv, "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPersonJID(t *testing.T) {
	assert.True(t, personJID("5511912345678@s.whatsapp.net"))
	assert.True(t, personJID("5511912345678@c.us"))
	assert.False(t, personJID("12036302@g.us"))
	assert.False(t, personJID("status@broadcast"))
	assert.False(t, personJID("whatever"))
}

func adminRequest(t *testing.T, srv *Server, method, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("X-Admin-Token", token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAdminAuth(t *testing.T) {
	srv, _, _ := newServerFixture(t, newChannelHandler(""))

	rec := adminRequest(t, srv, http.MethodGet, "/admin/status", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = adminRequest(t, srv, http.MethodGet, "/admin/status", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = adminRequest(t, srv, http.MethodGet, "/admin/status", adminToken)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "active_sessions")
}

func TestAdminAppointments(t *testing.T) {
	srv, db, _ := newServerFixture(t, newChannelHandler(""))
	ctx := context.Background()

	require.NoError(t, db.CreateBooking(ctx, &models.Booking{
		ClientName:  "Ana Souza",
		Phone:       "5511912345678",
		Date:        "2030-11-20",
		StartTime:   "10:00",
		DurationMin: 60,
		ServiceType: "Consulta",
	}))

	rec := adminRequest(t, srv, http.MethodGet, "/admin/appointments?date=2030-11-20", adminToken)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Ana Souza")
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = adminRequest(t, srv, http.MethodGet, "/admin/appointments?date=not-a-date", adminToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminExport(t *testing.T) {
	srv, db, _ := newServerFixture(t, newChannelHandler(""))
	ctx := context.Background()

	require.NoError(t, db.CreateBooking(ctx, &models.Booking{
		ClientName:  "Ana Souza",
		Phone:       "5511912345678",
		Date:        "2030-11-20",
		StartTime:   "10:00",
		DurationMin: 60,
		ServiceType: "Consulta",
	}))

	rec := adminRequest(t, srv, http.MethodGet, "/admin/appointments/export?date=2030-11-20", adminToken)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "agendamentos_2030-11-20")
	assert.NotZero(t, rec.Body.Len())
}

func TestAdminReloadConfig(t *testing.T) {
	srv, _, _ := newServerFixture(t, newChannelHandler(""))

	before := srv.clinic.Version()
	rec := adminRequest(t, srv, http.MethodPost, "/admin/reload-config", adminToken)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, before+1, srv.clinic.Version())
}
