package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	// Everything is callable cross-origin; preflight always succeeds.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Post("/submit", h.Submit)
	r.Post("/scopes/{scopeID}/activate", h.ActivateScope)

	r.Route("/tasks", func(r chi.Router) {
		r.Put("/{taskID}", h.PutTask)
		r.Get("/{taskID}", h.GetTask)
	})

	r.Get("/task-status", h.TaskStatus)
	r.Post("/task-callback", h.TaskCallback)

	r.Get("/conversation-history", h.GetHistory)
	r.Post("/conversation-history", h.AppendHistory)

	r.Get("/conversation-tasks", h.GetScopeTasks)
	r.Post("/conversation-tasks", h.PutScopeTasks)

	return r
}
