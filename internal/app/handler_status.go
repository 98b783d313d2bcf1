package app

import (
	"io"
	"net/http"
)

func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "WS server running")
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := a.Hub.Snapshot(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"connections":        snap.Vehicles + snap.Dashboards + snap.Unidentified,
		"checkpointsPending": a.Writer.Pending(),
	})
}

// handleStatus reports hub connectivity, the same data dashboards get pushed.
func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := a.Hub.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
