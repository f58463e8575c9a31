// Package main provides the API router setup.
package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/metagraph-ai/metagraph/cmd/metagraph-api/handlers"
)

// NewRouter creates the main API router with all routes configured.
func NewRouter(app *App) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors)
	r.Use(chimiddleware.Timeout(app.Config.Server.WriteTimeout))

	// Health check (unauthenticated)
	r.Get("/health", healthHandler)

	authHandler := handlers.NewAuthHandler(app.Logger, app.Auth)
	metadataHandler := handlers.NewMetadataHandler(app.Logger, app.Engine, app.Ingestor)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", authHandler.Login)
			r.Post("/refresh", authHandler.Refresh)
			r.Post("/logout", authHandler.Logout)
		})

		r.Route("/metadata", func(r chi.Router) {
			guard := func(scope string, h http.HandlerFunc) {
				r.With(app.Auth.RequireScopes(scope)).Post("/"+scope, h)
			}
			guard("save_metadata", metadataHandler.SaveMetadata)
			guard("clear_metadata", metadataHandler.ClearMetadata)
			guard("get_table", metadataHandler.GetTable)
			guard("get_column", metadataHandler.GetColumn)
			guard("retrieve_knowledge", metadataHandler.RetrieveKnowledge)
			guard("retrieve_column", metadataHandler.RetrieveColumn)
			guard("retrieve_cell", metadataHandler.RetrieveCell)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`"live"`))
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
