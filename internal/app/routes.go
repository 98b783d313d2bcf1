package app

import (
	"net/http"
)

// registerRoutes sets up all HTTP handlers for the application.
func (a *App) registerRoutes() {
	// websocket upgrades bypass the logging middleware
	a.Mux.Handle("GET "+a.cfg.Server.WSPath, a.Hub)

	a.handle("GET /{$}", a.handleIndex)
	a.handle("GET /healthz", a.handleHealth)
	a.Mux.Handle("GET /metrics", a.Metrics.Handler())

	// API routes
	a.handle("GET /api/status", a.handleStatus)
	a.handle("GET /api/routes", a.handleListRoutes)
	a.handle("POST /api/routes", a.handleCreateRoute)
	a.handle("GET /api/routes/{id}", a.handleGetRoute)
	a.handle("PUT /api/routes/{id}", a.handleUpdateRoute)
	a.handle("DELETE /api/routes/{id}", a.handleDeleteRoute)
	a.handle("GET /api/routes/{id}/stats", a.handleRouteStats)
	a.handle("GET /api/routes/{id}/potholes", a.handleRoutePotholes)
	a.handle("GET /api/routes/{id}/telemetry", a.handleRouteTelemetry)
}

func (a *App) handle(pattern string, h http.HandlerFunc) {
	a.Mux.Handle(pattern, requestLogger(a.logger, h))
}
