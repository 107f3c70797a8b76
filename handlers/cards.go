package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/CrowderSoup/gym-cards/database"
	"github.com/CrowderSoup/gym-cards/services"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// CardHandler serves the reconciled card collection to local clients
type CardHandler struct {
	syncer      *services.Syncer
	prefService *database.PreferenceService
	hub         *services.Hub
	logger      *zap.Logger

	// snapshotTaken runs between reading the collection for a new
	// websocket client and queueing it; nil outside tests
	snapshotTaken func()
}

func NewCardHandler(syncer *services.Syncer, prefService *database.PreferenceService, hub *services.Hub, logger *zap.Logger) *CardHandler {
	return &CardHandler{
		syncer:      syncer,
		prefService: prefService,
		hub:         hub,
		logger:      logger.Named("handlers"),
	}
}

// ListCards returns every card with its effective status. Optional query
// parameters: sort, order (asc|desc), search_by and q.
func (h *CardHandler) ListCards(w http.ResponseWriter, r *http.Request) {
	cards, err := h.syncer.Cards(r.Context())
	if err != nil {
		h.logger.Error("Error reading cards", zap.Error(err))
		http.Error(w, "Cards unavailable", http.StatusServiceUnavailable)
		return
	}

	query := r.URL.Query()
	if field := query.Get("search_by"); field != "" {
		cards, err = database.FilterCards(cards, field, query.Get("q"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if sortBy := query.Get("sort"); sortBy != "" {
		column, err := database.ParseSortColumn(sortBy)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		database.SortCards(cards, column, query.Get("order") != "desc")
	}

	viewMode, err := h.prefService.ViewMode()
	if err != nil {
		h.logger.Warn("Error reading view mode", zap.Error(err))
		viewMode = database.ViewGrid
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"view":   viewMode,
		"data":   database.NewCardViews(cards),
	})
}

// CreateCard submits a new card to the backend
func (h *CardHandler) CreateCard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title          string `json:"title"`
		Description    string `json:"description"`
		ExpirationDate string `json:"expiration_date"`
		Priority       int    `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request format", http.StatusBadRequest)
		return
	}

	expiration, err := database.ParseTimestamp(req.ExpirationDate)
	if err != nil {
		http.Error(w, "Invalid expiration date", http.StatusBadRequest)
		return
	}

	result, err := h.syncer.CreateCard(r.Context(), services.CreateRequest{
		Title:          req.Title,
		Description:    req.Description,
		ExpirationDate: expiration.Time,
		Priority:       req.Priority,
	})
	if err != nil {
		h.writeActionError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, result)
}

// CardAction activates or deactivates a card
func (h *CardHandler) CardAction(w http.ResponseWriter, r *http.Request) {
	id, ok := cardID(w, r)
	if !ok {
		return
	}
	kind, err := services.ParseActionKind(mux.Vars(r)["action"])
	if err != nil || kind == services.ActionDelete {
		http.Error(w, "Unknown action", http.StatusBadRequest)
		return
	}

	// The body is optional and may arrive chunked
	var body struct {
		Priority *int `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request format", http.StatusBadRequest)
		return
	}
	extra := services.ActionExtra{Priority: body.Priority}

	if err := h.syncer.IssueAction(r.Context(), kind, id, extra); err != nil {
		h.writeActionError(w, err)
		return
	}

	// The new state arrives over the push channel
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
}

// DeleteCard asks the backend to delete a card
func (h *CardHandler) DeleteCard(w http.ResponseWriter, r *http.Request) {
	id, ok := cardID(w, r)
	if !ok {
		return
	}

	if err := h.syncer.IssueAction(r.Context(), services.ActionDelete, id, services.ActionExtra{}); err != nil {
		h.writeActionError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
}

// Resync reloads the snapshot and reconnects the push channel
func (h *CardHandler) Resync(w http.ResponseWriter, r *http.Request) {
	if err := h.syncer.Resync(r.Context()); err != nil {
		http.Error(w, "Sync unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "resyncing"})
}

// HandleWebSocket upgrades the connection and streams card changes. The
// client is registered before the collection is read, so any change the
// snapshot misses still reaches it as a broadcast.
func (h *CardHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // CORS policy is enforced by the router
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Error upgrading to WebSocket", zap.Error(err))
		return
	}

	client := services.NewClient(h.hub, conn)
	h.hub.Register(client)
	h.logger.Debug("WebSocket client registered", zap.Stringer("client", client.ID))

	go client.WritePump()
	go client.ReadPump()

	cards, err := h.syncer.Cards(r.Context())
	if err != nil {
		h.logger.Warn("Cards unavailable for new client", zap.Stringer("client", client.ID), zap.Error(err))
		conn.Close()
		return
	}
	if h.snapshotTaken != nil {
		h.snapshotTaken()
	}
	if err := client.Queue(services.WebSocketMessage{
		Type: services.MessageCards,
		Data: database.NewCardViews(cards),
	}); err != nil {
		h.logger.Warn("Error queueing initial cards", zap.Error(err))
	}
}

func (h *CardHandler) writeActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrInvalidCard), errors.Is(err, services.ErrUnknownAction):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrCardNotFound):
		http.Error(w, "Card not found", http.StatusNotFound)
	case errors.Is(err, services.ErrSyncStopped):
		http.Error(w, "Sync unavailable", http.StatusServiceUnavailable)
	default:
		h.logger.Error("Backend request failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"status":  "error",
			"message": err.Error(),
		})
	}
}

func cardID(w http.ResponseWriter, r *http.Request) (database.CardID, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid card id", http.StatusBadRequest)
		return 0, false
	}
	return database.CardID(id), true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
