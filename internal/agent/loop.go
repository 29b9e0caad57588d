// Package agent binds the LLM to the deterministic scheduling components
// through a bounded tool-calling loop.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/GuyPort/whatsapp-clinic-bot/internal/availability"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/config"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/database"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/events"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/extract"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/llm"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/metrics"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/models"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/session"
)

// maxIterations caps the model-call/tool-dispatch cycle. The cap is the
// only cancellation primitive against a model that never produces a final
// text reply.
const maxIterations = 5

const farewellReply = "Obrigado pelo contato! Qualquer coisa é só chamar. 😊"

// Completer is the LLM collaborator contract.
type Completer interface {
	Chat(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Response, error)
}

// BookingStore is the persistence surface the tools dispatch against.
type BookingStore interface {
	CreateBooking(ctx context.Context, b *models.Booking) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	BookingsByPhone(ctx context.Context, phone string) ([]models.Booking, error)
	UpdateBookingStatus(ctx context.Context, id, status string) error
	SetCalendarEventID(ctx context.Context, id, eventID string) error
	UpsertPause(ctx context.Context, p *models.PauseRecord) error
	GetPause(ctx context.Context, sender string) (*models.PauseRecord, error)
	DeletePause(ctx context.Context, sender string) error
}

// CalendarSyncer mirrors bookings into an external calendar.
type CalendarSyncer interface {
	CreateEvent(ctx context.Context, b *models.Booking) (string, error)
	DeleteEvent(ctx context.Context, eventID string) error
}

// Agent is the orchestrator. One instance serves all senders; per-sender
// ordering comes from the lock set.
type Agent struct {
	store        session.Store
	locks        *session.Locks
	engine       *availability.Engine
	db           BookingStore
	llm          Completer
	calendar     CalendarSyncer
	clinic       *config.ClinicProvider
	bus          *events.Bus
	logger       *zerolog.Logger
	handoffPause time.Duration
}

// New wires an agent.
func New(store session.Store, locks *session.Locks, engine *availability.Engine,
	db BookingStore, completer Completer, cal CalendarSyncer,
	clinic *config.ClinicProvider, bus *events.Bus, logger *zerolog.Logger,
	handoffPause time.Duration) *Agent {
	if handoffPause <= 0 {
		handoffPause = 2 * time.Hour
	}
	return &Agent{
		store:        store,
		locks:        locks,
		engine:       engine,
		db:           db,
		llm:          completer,
		calendar:     cal,
		clinic:       clinic,
		bus:          bus,
		logger:       logger,
		handoffPause: handoffPause,
	}
}

// HandleMessage processes one inbound message to completion and returns
// the reply text. Empty reply means the sender is paused for human
// handling. The caller delivers the reply; delivery is outside this loop.
func (a *Agent) HandleMessage(ctx context.Context, sender, text string) (string, error) {
	a.locks.Lock(sender)
	defer a.locks.Unlock(sender)

	metrics.IncMessagesIn()

	// Paused senders are being handled by a human.
	if pause, err := a.db.GetPause(ctx, sender); err == nil {
		if pause.Active(time.Now()) {
			a.logger.Debug().Str("sender", sender).Msg("sender paused, skipping")
			return "", nil
		}
		if err := a.db.DeletePause(ctx, sender); err != nil {
			a.logger.Warn().Err(err).Str("sender", sender).Msg("delete expired pause failed")
		}
	} else if !errors.Is(err, database.ErrNotFound) {
		return "", fmt.Errorf("check pause: %w", err)
	}

	sess, err := a.store.Load(ctx, sender)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	sess.Append("user", text)

	// Compensating read: backfill scratchpad fields the model reported
	// but never persisted through a tool.
	extract.ReconcileFlowData(sess)

	if reply, done := a.preChecks(ctx, sess, text); done {
		return reply, nil
	}

	reply, endConversation, err := a.runLoop(ctx, sess)
	if err != nil {
		// Turn aborted; the next inbound message retries naturally.
		if saveErr := a.store.Save(ctx, sess); saveErr != nil {
			a.logger.Error().Err(saveErr).Str("sender", sender).Msg("save session after failure")
		}
		return "", err
	}

	sess.Append("assistant", reply)
	if endConversation {
		if err := a.store.Delete(ctx, sender); err != nil {
			a.logger.Error().Err(err).Str("sender", sender).Msg("delete session failed")
		}
		return reply, nil
	}
	if err := a.store.Save(ctx, sess); err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}
	return reply, nil
}

// preChecks short-circuits the model call for decisions the deterministic
// layer can make alone. Returns done=true with the reply when handled.
func (a *Agent) preChecks(ctx context.Context, sess *models.Session, text string) (string, bool) {
	intent := extract.ClassifyIntent(text)

	if sess.HasPendingConfirmation() {
		switch intent {
		case extract.IntentAffirmative:
			// The model sometimes narrates success without calling the
			// tool. Synthesize the call from the scratchpad instead.
			out := a.dispatch(ctx, sess, toolCreate, "{}")
			sess.Append("assistant", out.result)
			if err := a.store.Save(ctx, sess); err != nil {
				a.logger.Error().Err(err).Str("sender", sess.Sender).Msg("save session failed")
			}
			return out.result, true
		case extract.IntentNegative:
			sess.ClearPending()
			sess.Flow = models.FlowCollectingDate
			reply := "Sem problemas! Qual data ou horário você prefere?"
			sess.Append("assistant", reply)
			if err := a.store.Save(ctx, sess); err != nil {
				a.logger.Error().Err(err).Str("sender", sess.Sender).Msg("save session failed")
			}
			return reply, true
		}
		return "", false
	}

	// Closing is only contextually valid outside an unresolved proposal.
	if intent == extract.IntentClosing {
		if err := a.store.Delete(ctx, sess.Sender); err != nil {
			a.logger.Error().Err(err).Str("sender", sess.Sender).Msg("delete session failed")
		}
		return farewellReply, true
	}

	return "", false
}

// runLoop drives the bounded model-call/tool-dispatch cycle.
func (a *Agent) runLoop(ctx context.Context, sess *models.Session) (reply string, endConversation bool, err error) {
	cfg := a.clinic.Current()
	tools := toolSchema()

	msgs := make([]llm.Message, 0, len(sess.History)+1)
	msgs = append(msgs, llm.Message{Role: "system", Content: buildSystemPrompt(cfg, time.Now())})
	for _, m := range sess.History {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}

	var lastToolResult string
	for i := 0; i < maxIterations; i++ {
		start := time.Now()
		resp, err := a.llm.Chat(ctx, msgs, tools)
		metrics.ObserveLLMLatency(time.Since(start).Seconds())
		if err != nil {
			return "", false, fmt.Errorf("llm call: %w", err)
		}

		if len(resp.Message.ToolCalls) == 0 {
			return resp.Message.Content, endConversation, nil
		}

		msgs = append(msgs, resp.Message)
		for _, tc := range resp.Message.ToolCalls {
			a.logger.Debug().Str("sender", sess.Sender).Str("tool", tc.Function.Name).
				Int("iteration", i+1).Msg("dispatching tool")
			out := a.dispatch(ctx, sess, tc.Function.Name, tc.Function.Arguments)
			lastToolResult = out.result
			endConversation = endConversation || out.endConversation
			msgs = append(msgs, llm.Message{
				Role:       "tool",
				Content:    out.result,
				ToolCallID: tc.ID,
			})
		}
	}

	// Cap reached: surface the last tool result rather than dropping it,
	// and flag the turn for operator review.
	metrics.IncIterationCapHit()
	a.bus.Publish(events.Event{Type: events.TypeIterationCapHit, Sender: sess.Sender})
	a.logger.Warn().Str("sender", sess.Sender).Msg("iteration cap reached")
	if lastToolResult == "" {
		lastToolResult = "Desculpe, não consegui concluir agora. Pode repetir, por favor?"
	}
	return lastToolResult, endConversation, nil
}
