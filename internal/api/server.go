package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/conbot-ai/conbot/internal/bus"
	"github.com/conbot-ai/conbot/internal/chat"
)

type Server struct {
	router *chi.Mux
	port   int
	store  chat.Store
	gen    chat.Generator
	relay  *bus.Relay // optional
	logger *slog.Logger
}

func NewServer(port int, store chat.Store, gen chat.Generator, relay *bus.Relay, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router: router,
		port:   port,
		store:  store,
		gen:    gen,
		relay:  relay,
		logger: logger,
	}

	router.Get("/health", s.health)
	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/chats", s.createChat)
		r.Get("/chats", s.listChats)
		r.Get("/chats/{chatID}", s.getChat)
		r.Post("/generate", s.generate)
	})

	return s
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	slog.Info("API server starting", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
