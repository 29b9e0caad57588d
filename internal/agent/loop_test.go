package agent

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GuyPort/whatsapp-clinic-bot/internal/availability"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/config"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/database"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/events"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/llm"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/models"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/session"
)

const testSender = "5511912345678"

// scriptedLLM replays a fixed sequence of responses. Once the script is
// exhausted the last response repeats, which is how a model stuck in a
// tool-calling spiral looks to the loop.
type scriptedLLM struct {
	responses []*llm.Response
	calls     int
}

func (s *scriptedLLM) Chat(_ context.Context, _ []llm.Message, _ []llm.Tool) (*llm.Response, error) {
	s.calls++
	idx := s.calls - 1
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return s.responses[idx], nil
}

func textResponse(content string) *llm.Response {
	return &llm.Response{Message: llm.Message{Role: "assistant", Content: content}, FinishReason: "stop"}
}

func toolResponse(name, args string) *llm.Response {
	tc := llm.ToolCall{ID: "call_1", Type: "function"}
	tc.Function.Name = name
	tc.Function.Arguments = args
	return &llm.Response{
		Message:      llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{tc}},
		FinishReason: "tool_calls",
	}
}

// gatedLLM blocks its first completion until released, letting a test
// hold one turn open while another message arrives for the same sender.
// Replies echo the latest user message so they stay attributable.
type gatedLLM struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
	release chan struct{}
}

func newGatedLLM() *gatedLLM {
	return &gatedLLM{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedLLM) Chat(_ context.Context, msgs []llm.Message, _ []llm.Tool) (*llm.Response, error) {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	g.mu.Unlock()
	if first {
		close(g.started)
		<-g.release
	}
	return textResponse("resposta: " + msgs[len(msgs)-1].Content), nil
}

type fakeCalendar struct {
	created int
	deleted int
}

func (c *fakeCalendar) CreateEvent(_ context.Context, _ *models.Booking) (string, error) {
	c.created++
	return "evt-1", nil
}

func (c *fakeCalendar) DeleteEvent(_ context.Context, _ string) error {
	c.deleted++
	return nil
}

const testClinicYAML = `name: Clínica Teste
address: Rua A, 123
phone: "11 5555-0000"
services:
  - name: Consulta
    duration_minutes: 60
  - name: Retorno
    duration_minutes: 30
insurance_plans:
  - Particular
weekly_hours:
  mon: {open: "00:00", close: "23:59"}
  tue: {open: "00:00", close: "23:59"}
  wed: {open: "00:00", close: "23:59"}
  thu: {open: "00:00", close: "23:59"}
  fri: {open: "00:00", close: "23:59"}
  sat: {open: "00:00", close: "23:59"}
  sun: {open: "00:00", close: "23:59"}
`

type agentFixture struct {
	agent    *Agent
	db       *database.DB
	store    session.Store
	llm      Completer
	calendar *fakeCalendar
	events   []events.Event
}

func newAgentFixture(t *testing.T, completer Completer) *agentFixture {
	t.Helper()

	dir := t.TempDir()
	db, err := database.New(filepath.Join(dir, "bot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clinicPath := filepath.Join(dir, "clinic.yaml")
	require.NoError(t, os.WriteFile(clinicPath, []byte(testClinicYAML), 0o644))
	clinic, err := config.NewClinicProvider(clinicPath)
	require.NoError(t, err)

	fx := &agentFixture{
		db:       db,
		store:    session.NewSQLiteStore(db),
		llm:      completer,
		calendar: &fakeCalendar{},
	}

	bus := events.NewBus()
	bus.Subscribe("", func(e events.Event) { fx.events = append(fx.events, e) })

	logger := zerolog.New(io.Discard)
	fx.agent = New(fx.store, session.NewLocks(), availability.New(db),
		db, completer, fx.calendar, clinic, bus, &logger, 2*time.Hour)
	return fx
}

func (fx *agentFixture) eventTypes() []string {
	types := make([]string, 0, len(fx.events))
	for _, e := range fx.events {
		types = append(types, e.Type)
	}
	return types
}

func confirmableSession(t *testing.T, fx *agentFixture) {
	t.Helper()
	sess := models.NewSession(testSender)
	sess.FlowData[models.KeyName] = "Ana Souza"
	sess.FlowData[models.KeyBirthDate] = "10/02/1988"
	sess.FlowData[models.KeyServiceType] = "Consulta"
	sess.FlowData[models.KeyDate] = "2030-11-20"
	sess.FlowData[models.KeyTime] = "10:00"
	sess.FlowData[models.KeyPendingConfirmation] = "true"
	sess.Flow = models.FlowAwaitingConfirmation
	require.NoError(t, fx.store.Save(context.Background(), sess))
}

func TestHandleMessagePlainReply(t *testing.T) {
	completer := &scriptedLLM{responses: []*llm.Response{textResponse("Olá! Como posso ajudar?")}}
	fx := newAgentFixture(t, completer)

	reply, err := fx.agent.HandleMessage(context.Background(), testSender, "oi, tudo bem?")
	require.NoError(t, err)
	assert.Equal(t, "Olá! Como posso ajudar?", reply)
	assert.Equal(t, 1, completer.calls)

	sess, err := fx.store.Load(context.Background(), testSender)
	require.NoError(t, err)
	require.Len(t, sess.History, 2)
	assert.Equal(t, "assistant", sess.History[1].Role)
}

// A model that never stops calling tools must be cut off after five
// iterations, with the last tool result surfaced as the reply.
func TestHandleMessageIterationCap(t *testing.T) {
	completer := &scriptedLLM{responses: []*llm.Response{
		toolResponse(toolClinicInfo, `{}`),
	}}
	fx := newAgentFixture(t, completer)

	reply, err := fx.agent.HandleMessage(context.Background(), testSender, "me fala tudo sobre a clínica")
	require.NoError(t, err)

	assert.Equal(t, maxIterations, completer.calls)
	assert.Contains(t, reply, "Clínica Teste")
	assert.Contains(t, fx.eventTypes(), events.TypeIterationCapHit)
}

func TestPendingConfirmationAffirmativeCreatesBooking(t *testing.T) {
	completer := &scriptedLLM{responses: []*llm.Response{textResponse("não deveria chegar aqui")}}
	fx := newAgentFixture(t, completer)
	confirmableSession(t, fx)
	ctx := context.Background()

	reply, err := fx.agent.HandleMessage(ctx, testSender, "sim, pode confirmar")
	require.NoError(t, err)

	assert.Zero(t, completer.calls, "confirmation must not go through the model")
	assert.Contains(t, reply, "Agendamento confirmado")
	assert.Contains(t, reply, "Ana Souza")
	assert.Equal(t, 1, fx.calendar.created)

	bookings, err := fx.db.ActiveBookingsOn(ctx, "2030-11-20")
	require.NoError(t, err)
	require.Len(t, bookings, 1)
	assert.Equal(t, models.StatusScheduled, bookings[0].Status)
	assert.Equal(t, testSender, bookings[0].Phone)

	sess, err := fx.store.Load(ctx, testSender)
	require.NoError(t, err)
	assert.False(t, sess.HasPendingConfirmation())
	assert.Empty(t, sess.FlowData[models.KeyDate])
	assert.Equal(t, models.FlowPostBooking, sess.Flow)
}

func TestPendingConfirmationNegativeClearsProposal(t *testing.T) {
	completer := &scriptedLLM{responses: []*llm.Response{textResponse("não deveria chegar aqui")}}
	fx := newAgentFixture(t, completer)
	confirmableSession(t, fx)
	ctx := context.Background()

	reply, err := fx.agent.HandleMessage(ctx, testSender, "não, prefiro outro horário")
	require.NoError(t, err)

	assert.Zero(t, completer.calls)
	assert.Contains(t, reply, "Qual data ou horário")

	bookings, err := fx.db.ActiveBookingsOn(ctx, "2030-11-20")
	require.NoError(t, err)
	assert.Empty(t, bookings)

	sess, err := fx.store.Load(ctx, testSender)
	require.NoError(t, err)
	assert.False(t, sess.HasPendingConfirmation())
	assert.Equal(t, models.FlowCollectingDate, sess.Flow)
}

func TestClosingIntentEndsSession(t *testing.T) {
	completer := &scriptedLLM{responses: []*llm.Response{textResponse("não deveria chegar aqui")}}
	fx := newAgentFixture(t, completer)
	ctx := context.Background()

	sess := models.NewSession(testSender)
	sess.Append("user", "oi")
	require.NoError(t, fx.store.Save(ctx, sess))

	reply, err := fx.agent.HandleMessage(ctx, testSender, "obrigado, tchau")
	require.NoError(t, err)
	assert.Equal(t, farewellReply, reply)
	assert.Zero(t, completer.calls)

	fresh, err := fx.store.Load(ctx, testSender)
	require.NoError(t, err)
	assert.Empty(t, fresh.History)
}

func TestPausedSenderGetsNoReply(t *testing.T) {
	completer := &scriptedLLM{responses: []*llm.Response{textResponse("não deveria chegar aqui")}}
	fx := newAgentFixture(t, completer)
	ctx := context.Background()

	require.NoError(t, fx.db.UpsertPause(ctx, &models.PauseRecord{
		Sender:    testSender,
		ExpiresAt: time.Now().Add(time.Hour),
		Reason:    models.PauseHumanHandoff,
	}))

	reply, err := fx.agent.HandleMessage(ctx, testSender, "alguém aí?")
	require.NoError(t, err)
	assert.Empty(t, reply)
	assert.Zero(t, completer.calls)
}

func TestExpiredPauseIsLiftedAndCleaned(t *testing.T) {
	completer := &scriptedLLM{responses: []*llm.Response{textResponse("Oi! Em que posso ajudar?")}}
	fx := newAgentFixture(t, completer)
	ctx := context.Background()

	require.NoError(t, fx.db.UpsertPause(ctx, &models.PauseRecord{
		Sender:    testSender,
		ExpiresAt: time.Now().Add(-time.Minute),
		Reason:    models.PauseHumanHandoff,
	}))

	reply, err := fx.agent.HandleMessage(ctx, testSender, "oi de novo")
	require.NoError(t, err)
	assert.Equal(t, "Oi! Em que posso ajudar?", reply)

	_, err = fx.db.GetPause(ctx, testSender)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

// A commit racing against an existing booking must fail, report the
// conflict to the model and leave exactly one scheduled booking.
func TestCreateAppointmentSlotConflict(t *testing.T) {
	createArgs := `{"name":"Ana Souza","birth_date":"10/02/1988","date":"2030-11-20","time":"10:00","service_type":"Consulta"}`
	completer := &scriptedLLM{responses: []*llm.Response{
		toolResponse(toolCreate, createArgs),
		textResponse("Esse horário acabou de ser ocupado. Pode ser às 11:00?"),
	}}
	fx := newAgentFixture(t, completer)
	ctx := context.Background()

	taken := &models.Booking{
		ClientName:  "Outro Paciente",
		Phone:       "5511999990000",
		Date:        "2030-11-20",
		StartTime:   "10:00",
		DurationMin: 60,
		ServiceType: "Consulta",
	}
	require.NoError(t, fx.db.CreateBooking(ctx, taken))

	reply, err := fx.agent.HandleMessage(ctx, testSender, "quero dia 20/11/2030 às 10:00")
	require.NoError(t, err)
	assert.Contains(t, reply, "11:00")

	bookings, err := fx.db.ActiveBookingsOn(ctx, "2030-11-20")
	require.NoError(t, err)
	require.Len(t, bookings, 1)
	assert.Equal(t, "Outro Paciente", bookings[0].ClientName)
	assert.Contains(t, fx.eventTypes(), events.TypeCommitConflict)
}

func TestHandoffPausesSender(t *testing.T) {
	completer := &scriptedLLM{responses: []*llm.Response{
		toolResponse(toolHandoff, `{"reason":"pergunta sobre exame"}`),
		textResponse("Vou te transferir para um atendente."),
	}}
	fx := newAgentFixture(t, completer)
	ctx := context.Background()

	reply, err := fx.agent.HandleMessage(ctx, testSender, "quero falar com uma pessoa")
	require.NoError(t, err)
	assert.NotEmpty(t, reply)

	pause, err := fx.db.GetPause(ctx, testSender)
	require.NoError(t, err)
	assert.True(t, pause.Active(time.Now()))
	assert.Equal(t, models.PauseHumanHandoff, pause.Reason)
	assert.Contains(t, fx.eventTypes(), events.TypeHumanHandoff)

	// Conversation ended; the next message starts fresh but stays silent
	// while the pause holds.
	reply, err = fx.agent.HandleMessage(ctx, testSender, "oi?")
	require.NoError(t, err)
	assert.Empty(t, reply)
}

// Two messages arriving concurrently for one sender must serialize on the
// sender lock: the final history reads as if they were handled back to back.
func TestConcurrentMessagesSameSenderSerialize(t *testing.T) {
	completer := newGatedLLM()
	fx := newAgentFixture(t, completer)
	ctx := context.Background()

	firstDone := make(chan string, 1)
	go func() {
		reply, err := fx.agent.HandleMessage(ctx, testSender, "primeira mensagem")
		assert.NoError(t, err)
		firstDone <- reply
	}()
	<-completer.started

	secondDone := make(chan string, 1)
	go func() {
		reply, err := fx.agent.HandleMessage(ctx, testSender, "segunda mensagem")
		assert.NoError(t, err)
		secondDone <- reply
	}()

	// While the first turn holds the lock the second must not finish.
	select {
	case <-secondDone:
		t.Fatal("second message completed while the first was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(completer.release)
	assert.Equal(t, "resposta: primeira mensagem", <-firstDone)
	assert.Equal(t, "resposta: segunda mensagem", <-secondDone)

	sess, err := fx.store.Load(ctx, testSender)
	require.NoError(t, err)
	require.Len(t, sess.History, 4)
	got := make([]string, 0, len(sess.History))
	for _, m := range sess.History {
		got = append(got, m.Role+": "+m.Content)
	}
	assert.Equal(t, []string{
		"user: primeira mensagem",
		"assistant: resposta: primeira mensagem",
		"user: segunda mensagem",
		"assistant: resposta: segunda mensagem",
	}, got)
}

func TestMalformedToolArgsFlagged(t *testing.T) {
	completer := &scriptedLLM{responses: []*llm.Response{
		toolResponse(toolBusinessHours, `{"date":"2030-11-20","hour":"10:00"}`),
		textResponse("Desculpe, pode repetir a data e o horário?"),
	}}
	fx := newAgentFixture(t, completer)

	reply, err := fx.agent.HandleMessage(context.Background(), testSender, "abre amanhã?")
	require.NoError(t, err)
	assert.Contains(t, reply, "repetir")
	assert.Contains(t, fx.eventTypes(), events.TypeMalformedToolArg)
}
