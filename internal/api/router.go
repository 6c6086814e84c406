package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Router wires every endpoint. Everything under /api requires an
// identity token; /health is public.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.handleHealth).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(AuthMiddleware(h.jwtSecret))

	// Broker connection lifecycle and synchronization
	api.HandleFunc("/broker/connect", h.handleConnect).Methods("POST")
	api.HandleFunc("/broker/connections", h.handleConnections).Methods("GET")
	api.HandleFunc("/broker/sync", h.handleSync).Methods("POST")
	api.HandleFunc("/broker/disconnect", h.handleDisconnect).Methods("POST")
	api.HandleFunc("/broker/reset", h.handleReset).Methods("POST")

	// Ledger
	api.HandleFunc("/trades", h.handleListTrades).Methods("GET")
	api.HandleFunc("/trades", h.handleAddTrade).Methods("POST")
	api.HandleFunc("/trades/{id:[0-9]+}", h.handleDeleteTrade).Methods("DELETE")

	// Read side
	api.HandleFunc("/stats", h.handleStats).Methods("GET")
	api.HandleFunc("/equity-history", h.handleEquityHistory).Methods("GET")
	api.HandleFunc("/equity-snapshot", h.handleAddEquitySnapshot).Methods("POST")

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"service":   "broker-sync",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
