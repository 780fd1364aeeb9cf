package channel

import (
	"encoding/json"
	"io"
	"net/http"

	"agentchat/internal/config"
)

// handleGetConfig returns the running config with secrets masked.
func (a *API) handleGetConfig(rw http.ResponseWriter, r *http.Request) {
	a.cfgMu.RLock()
	cfg := a.cfg
	a.cfgMu.RUnlock()

	if cfg == nil {
		writeError(rw, http.StatusServiceUnavailable, "config not loaded")
		return
	}
	writeJSON(rw, http.StatusOK, config.Sanitize(cfg))
}

// handleUpdateConfig sets one value in memory: {"path": "agent.historyLimit", "value": 30}.
// Restart-bound settings such as the store driver only apply after a save and restart.
func (a *API) handleUpdateConfig(rw http.ResponseWriter, r *http.Request) {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	if a.cfg == nil {
		writeError(rw, http.StatusServiceUnavailable, "config not loaded")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(rw, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	var update struct {
		Path  string `json:"path"`
		Value any    `json:"value"`
	}
	if err := json.Unmarshal(body, &update); err != nil || update.Path == "" {
		writeError(rw, http.StatusBadRequest, "expected {\"path\": ..., \"value\": ...}")
		return
	}

	// Apply to a copy so a failed validation leaves the running config intact.
	candidate := *a.cfg
	if err := config.SetByPath(&candidate, update.Path, update.Value); err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	if err := config.Validate(&candidate); err != nil {
		writeError(rw, http.StatusBadRequest, "validation: "+err.Error())
		return
	}
	*a.cfg = candidate

	a.logger.Info("config updated via path", "path", update.Path)
	writeJSON(rw, http.StatusOK, map[string]string{"status": "updated", "path": update.Path})
}

// handleSaveConfig writes the in-memory config back to its file.
func (a *API) handleSaveConfig(rw http.ResponseWriter, r *http.Request) {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()

	if a.cfg == nil || a.cfgPath == "" {
		writeError(rw, http.StatusServiceUnavailable, "config not available")
		return
	}
	if err := config.Save(a.cfgPath, a.cfg); err != nil {
		writeError(rw, http.StatusInternalServerError, "save failed: "+err.Error())
		return
	}

	a.logger.Info("config saved to disk", "path", a.cfgPath)
	writeJSON(rw, http.StatusOK, map[string]string{"status": "saved", "path": a.cfgPath})
}
