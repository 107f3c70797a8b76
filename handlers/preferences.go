package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/CrowderSoup/gym-cards/database"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// PreferenceHandler exposes the UI preference store
type PreferenceHandler struct {
	prefService *database.PreferenceService
	logger      *zap.Logger
}

func NewPreferenceHandler(prefService *database.PreferenceService, logger *zap.Logger) *PreferenceHandler {
	return &PreferenceHandler{
		prefService: prefService,
		logger:      logger.Named("preferences"),
	}
}

func (h *PreferenceHandler) GetPreference(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	value, err := h.prefService.Get(key)
	if err != nil {
		h.logger.Error("Error reading preference", zap.String("key", key), zap.Error(err))
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}
	if key == database.PrefViewMode && value == "" {
		value = database.ViewGrid
	}

	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

func (h *PreferenceHandler) SetPreference(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request format", http.StatusBadRequest)
		return
	}
	if key == database.PrefViewMode && req.Value != database.ViewGrid && req.Value != database.ViewTable {
		http.Error(w, "view_mode must be grid or table", http.StatusBadRequest)
		return
	}

	if err := h.prefService.Set(key, req.Value); err != nil {
		h.logger.Error("Error saving preference", zap.String("key", key), zap.Error(err))
		http.Error(w, "Failed to save preference", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": req.Value})
}
