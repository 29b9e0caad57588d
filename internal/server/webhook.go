package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/GuyPort/whatsapp-clinic-bot/internal/extract"
)

// webhookEvent is the gateway's messages.upsert payload. Other event types
// are acknowledged and dropped.
type webhookEvent struct {
	Event    string `json:"event"`
	Instance string `json:"instance"`
	Data     struct {
		Key struct {
			RemoteJID string `json:"remoteJid"`
			FromMe    bool   `json:"fromMe"`
			ID        string `json:"id"`
		} `json:"key"`
		PushName string `json:"pushName"`
		Message  struct {
			Conversation        string `json:"conversation"`
			ExtendedTextMessage struct {
				Text string `json:"text"`
			} `json:"extendedTextMessage"`
		} `json:"message"`
	} `json:"data"`
}

func (e *webhookEvent) text() string {
	if e.Data.Message.Conversation != "" {
		return e.Data.Message.Conversation
	}
	return e.Data.Message.ExtendedTextMessage.Text
}

// personJID reports whether the conversation source is an individual chat.
// Groups and broadcast channels are never handled.
func personJID(jid string) bool {
	if strings.Contains(jid, "@g.us") || strings.Contains(jid, "@broadcast") {
		return false
	}
	return strings.Contains(jid, "@s.whatsapp.net") || strings.Contains(jid, "@c.us")
}

// inbound is one accepted message headed for a sender's queue.
type inbound struct {
	jid       string
	messageID string
	text      string
}

// handleWebhook accepts gateway events. It acknowledges fast and hands the
// message to the sender's queue; enqueueing happens on the request goroutine
// so arrival order is preserved.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var event webhookEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)

	if !strings.EqualFold(strings.ReplaceAll(event.Event, ".", "_"), "messages_upsert") {
		return
	}
	// Our own outbound messages echo back through the webhook.
	if event.Data.Key.FromMe {
		return
	}
	if !personJID(event.Data.Key.RemoteJID) {
		return
	}
	text := strings.TrimSpace(event.text())
	if text == "" {
		return
	}

	jid := event.Data.Key.RemoteJID
	sender := extract.NormalizePhone(strings.SplitN(jid, "@", 2)[0])
	if sender == "" {
		return
	}
	s.enqueue(sender, inbound{jid: jid, messageID: event.Data.Key.ID, text: text})
}

// enqueue appends the message to the sender's FIFO queue, starting the
// sender's worker on first contact. A full queue drops the message; the
// gateway redelivers on its own retry schedule.
func (s *Server) enqueue(sender string, msg inbound) {
	s.qmu.Lock()
	ch, ok := s.queues[sender]
	if !ok {
		ch = make(chan inbound, 64)
		s.queues[sender] = ch
		go func() {
			for m := range ch {
				s.process(sender, m.jid, m.messageID, m.text)
			}
		}()
	}
	s.qmu.Unlock()

	select {
	case ch <- msg:
	default:
		s.logger.Warn().Str("sender", sender).Msg("inbound queue full, dropping message")
	}
}

func (s *Server) process(sender, jid, messageID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	if err := s.whatsapp.MarkRead(ctx, jid, messageID); err != nil {
		s.logger.Debug().Err(err).Str("sender", sender).Msg("mark read failed")
	}

	reply, err := s.agent.HandleMessage(ctx, sender, text)
	if err != nil {
		s.logger.Error().Err(err).Str("sender", sender).Msg("message processing failed")
		return
	}
	if reply == "" {
		return // paused for human handling
	}
	if err := s.whatsapp.SendText(ctx, sender, reply); err != nil {
		// Delivery failure, not logic failure; already logged by the client.
		return
	}
}
