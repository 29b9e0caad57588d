// Package server exposes the webhook and the administrative surface.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/GuyPort/whatsapp-clinic-bot/internal/config"
	"github.com/GuyPort/whatsapp-clinic-bot/internal/database"
)

// MessageHandler processes one inbound message and returns the reply.
type MessageHandler interface {
	HandleMessage(ctx context.Context, sender, text string) (string, error)
}

// Gateway is the WhatsApp client surface the server needs.
type Gateway interface {
	SendText(ctx context.Context, phone, text string) error
	MarkRead(ctx context.Context, remoteJID, messageID string) error
	ConnectionState(ctx context.Context) (string, error)
}

// Server wires the HTTP routes.
type Server struct {
	agent      MessageHandler
	whatsapp   Gateway
	db         *database.DB
	clinic     *config.ClinicProvider
	adminToken string
	logger     *zerolog.Logger
	startedAt  time.Time

	// Per-sender inbound queues. One worker per sender drains its queue in
	// arrival order, so messages reach the agent strictly FIFO.
	qmu    sync.Mutex
	queues map[string]chan inbound
}

// New builds a server.
func New(agent MessageHandler, whatsapp Gateway, db *database.DB,
	clinic *config.ClinicProvider, adminToken string, logger *zerolog.Logger) *Server {
	return &Server{
		agent:      agent,
		whatsapp:   whatsapp,
		db:         db,
		clinic:     clinic,
		adminToken: adminToken,
		logger:     logger,
		startedAt:  time.Now(),
		queues:     make(map[string]chan inbound),
	}
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", s.handleWebhook)

	mux.HandleFunc("GET /admin/appointments", s.requireAdmin(s.handleAppointments))
	mux.HandleFunc("GET /admin/appointments/export", s.requireAdmin(s.handleExport))
	mux.HandleFunc("POST /admin/reload-config", s.requireAdmin(s.handleReloadConfig))
	mux.HandleFunc("GET /admin/status", s.requireAdmin(s.handleStatus))
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" || r.Header.Get("X-Admin-Token") != s.adminToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
