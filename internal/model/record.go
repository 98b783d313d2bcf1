package model

import "time"

// Route is a named path stored for autonomous runs.
type Route struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Path        []Point   `json:"path"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TelemetrySample is a checkpointed telemetry record.
type TelemetrySample struct {
	ID         string   `json:"id"`
	RouteID    string   `json:"routeId,omitempty"`
	PosX       *float64 `json:"posX,omitempty"`
	PosY       *float64 `json:"posY,omitempty"`
	Heading    *float64 `json:"heading,omitempty"`
	SpeedLeft  int      `json:"speedLeft"`
	SpeedRight int      `json:"speedRight"`
	TS         int64    `json:"ts"`
}

// PotholeEvent is a checkpointed pothole record.
type PotholeEvent struct {
	ID       string   `json:"id"`
	RouteID  string   `json:"routeId,omitempty"`
	PosX     *float64 `json:"posX,omitempty"`
	PosY     *float64 `json:"posY,omitempty"`
	Severity string   `json:"severity"`
	Value    float64  `json:"value"`
	TS       int64    `json:"ts"`
}

// Pothole severities.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// PotholeCounts aggregates potholes by severity.
type PotholeCounts struct {
	Total  int `json:"total"`
	Low    int `json:"low"`
	Medium int `json:"medium"`
	High   int `json:"high"`
}

// RouteStats summarises a route and the events recorded against it.
type RouteStats struct {
	RouteID          string        `json:"routeId"`
	Distance         float64       `json:"distance"`
	TelemetrySamples int           `json:"telemetrySamples"`
	Potholes         PotholeCounts `json:"potholes"`
}
