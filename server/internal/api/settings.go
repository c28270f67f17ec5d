package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/coldvault/coldvault/server/internal/repository"
)

// SettingsHandler groups generic key-value settings handlers. There is no
// per-tenant or per-user configuration in this system — settings are a flat
// server-wide key/value store, used for things like the UI's push-retention
// window or a display name for the instance.
type SettingsHandler struct {
	repo   repository.SettingsRepository
	logger *zap.Logger
}

// NewSettingsHandler creates a new SettingsHandler.
func NewSettingsHandler(repo repository.SettingsRepository, logger *zap.Logger) *SettingsHandler {
	return &SettingsHandler{
		repo:   repo,
		logger: logger.Named("settings_handler"),
	}
}

// settingResponse is the JSON representation of a single setting.
type settingResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Get handles GET /api/v1/settings/{key}.
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		ErrBadRequest(w, "key is required")
		return
	}

	setting, err := h.repo.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get setting", zap.String("key", key), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, settingResponse{Key: setting.Key, Value: setting.Value})
}

// setSettingRequest is the JSON body expected by PUT /api/v1/settings/{key}.
type setSettingRequest struct {
	Value string `json:"value"`
}

// Set handles PUT /api/v1/settings/{key}. Creates the key if absent,
// overwrites the value otherwise.
func (h *SettingsHandler) Set(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		ErrBadRequest(w, "key is required")
		return
	}

	var req setSettingRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.repo.Set(r.Context(), key, req.Value); err != nil {
		h.logger.Error("failed to set setting", zap.String("key", key), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, settingResponse{Key: key, Value: req.Value})
}

// Delete handles DELETE /api/v1/settings/{key}.
func (h *SettingsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		ErrBadRequest(w, "key is required")
		return
	}

	if err := h.repo.Delete(r.Context(), key); err != nil {
		h.logger.Error("failed to delete setting", zap.String("key", key), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}
