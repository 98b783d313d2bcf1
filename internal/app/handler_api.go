package app

import (
	"encoding/json"
	"errors"
	"net/http"

	"pathhole/internal/model"
	"pathhole/internal/store"

	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type routeRequest struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Path        []model.Point `json:"path"`
}

func (a *App) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := a.Store.ListRoutes(r.Context())
	if err != nil {
		a.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, routes)
}

func (a *App) handleCreateRoute(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRoute(w, r)
	if !ok {
		return
	}
	route, err := a.Store.CreateRoute(r.Context(), model.Route{Name: req.Name, Description: req.Description, Path: req.Path})
	if err != nil {
		a.storeError(w, err)
		return
	}
	a.logger.Info("route created", zap.String("route", route.ID), zap.Int("points", len(route.Path)))
	writeJSON(w, http.StatusCreated, route)
}

func (a *App) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	route, err := a.Store.GetRoute(r.Context(), r.PathValue("id"))
	if err != nil {
		a.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (a *App) handleUpdateRoute(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRoute(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	route, err := a.Store.UpdateRoute(r.Context(), id, model.Route{Name: req.Name, Description: req.Description, Path: req.Path})
	if err != nil {
		a.storeError(w, err)
		return
	}
	a.stats.Remove(id)
	writeJSON(w, http.StatusOK, route)
}

func (a *App) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.Store.DeleteRoute(r.Context(), id); err != nil {
		a.storeError(w, err)
		return
	}
	a.stats.Remove(id)
	a.logger.Info("route deleted", zap.String("route", id))
	w.WriteHeader(http.StatusNoContent)
}

// handleRouteStats serves cached stats; entries expire after the configured TTL.
func (a *App) handleRouteStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if stats, ok := a.stats.Get(id); ok {
		writeJSON(w, http.StatusOK, stats)
		return
	}
	stats, err := a.Store.RouteStats(r.Context(), id)
	if err != nil {
		a.storeError(w, err)
		return
	}
	a.stats.Add(id, stats)
	writeJSON(w, http.StatusOK, stats)
}

func (a *App) handleRoutePotholes(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.Store.GetRoute(r.Context(), id); err != nil {
		a.storeError(w, err)
		return
	}
	events, err := a.Store.ListPotholes(r.Context(), id)
	if err != nil {
		a.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *App) handleRouteTelemetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.Store.GetRoute(r.Context(), id); err != nil {
		a.storeError(w, err)
		return
	}
	samples, err := a.Store.ListTelemetry(r.Context(), id)
	if err != nil {
		a.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func decodeRoute(w http.ResponseWriter, r *http.Request) (routeRequest, bool) {
	var req routeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid route body: "+err.Error())
		return req, false
	}
	return req, true
}

func (a *App) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "route not found")
	case errors.Is(err, store.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		a.logger.Error("store failure", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
