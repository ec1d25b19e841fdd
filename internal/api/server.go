package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mechanigo/laextract/internal/extract"
	"github.com/mechanigo/laextract/internal/resource"
)

// Runner executes one extraction run. Satisfied by extract.Orchestrator.
type Runner interface {
	Run(ctx context.Context, req extract.Request) (*extract.Summary, error)
}

// Publisher emits lifecycle events after runs. May be nil when no event bus is
// configured.
type Publisher interface {
	Publish(subject string, data any) error
}

type Server struct {
	router    *chi.Mux
	port      int
	runner    Runner
	publisher Publisher
	logger    *slog.Logger
}

func NewServer(port int, apiToken string, runner Runner, publisher Publisher, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		port:      port,
		runner:    runner,
		publisher: publisher,
		logger:    logger,
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/status", s.status)

	router.Route("/liveagent", func(r chi.Router) {
		r.Use(BearerAuthMiddleware(apiToken))
		r.Post("/update-agents/{table}", s.extraction(resource.KindAgents))
		r.Post("/update-users/{table}", s.extraction(resource.KindUsers))
		r.Post("/update-tags/{table}", s.extraction(resource.KindTags))
		r.Post("/update-tickets/{table}", s.extraction(resource.KindTickets))
		r.Post("/update-ticket-messages/{table}", s.extraction(resource.KindTicketMessages))
		r.Post("/update-chat-analysis/{table}", s.extraction(resource.KindChatAnalysis))
		r.Post("/extract-logs/{table}", s.extraction(resource.KindLogs))
	})

	return s
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("API server starting", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"service":   "laextract",
		"status":    "ready",
		"resources": resource.All,
	})
}
