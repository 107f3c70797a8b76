package handlers

import (
	"github.com/gorilla/mux"
)

// Routes registers the view server API on r
func Routes(r *mux.Router, cards *CardHandler, prefs *PreferenceHandler, auth *AuthMiddleware) {
	api := r.PathPrefix("/api").Subrouter()
	api.Use(auth.Auth)

	api.HandleFunc("/auth/verify", VerifyToken).Methods("GET")

	api.HandleFunc("/cards", cards.ListCards).Methods("GET")
	api.HandleFunc("/cards", cards.CreateCard).Methods("POST")
	api.HandleFunc("/cards/{id:[0-9]+}", cards.DeleteCard).Methods("DELETE")
	api.HandleFunc("/cards/{id:[0-9]+}/{action}", cards.CardAction).Methods("POST")
	api.HandleFunc("/resync", cards.Resync).Methods("POST")

	api.HandleFunc("/preferences/{key}", prefs.GetPreference).Methods("GET")
	api.HandleFunc("/preferences/{key}", prefs.SetPreference).Methods("PUT")

	// WebSocket route for live updates
	api.HandleFunc("/ws", cards.HandleWebSocket)
}
