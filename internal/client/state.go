package client

import (
	"encoding/json"
	"sync"

	"pathhole/internal/model"
)

// TelemetryView is the latest telemetry with the hub timestamp.
type TelemetryView struct {
	model.Telemetry
	TS float64 `json:"ts"`
}

// PotholeView is the latest pothole with the hub timestamp.
type PotholeView struct {
	model.Pothole
	TS float64 `json:"ts"`
}

// RouteEvent is the latest routeComplete notification.
type RouteEvent struct {
	RouteID *string `json:"routeId"`
	TS      float64 `json:"ts"`
}

// State is what a peer knows about the system from the envelopes it received.
type State struct {
	Connected bool           `json:"connected"`
	Status    model.Status   `json:"status"`
	Telemetry *TelemetryView `json:"telemetry,omitempty"`
	Pothole   *PotholeView   `json:"pothole,omitempty"`
	Route     *RouteEvent    `json:"routeEvent,omitempty"`
	LastError string         `json:"lastError,omitempty"`
}

type store struct {
	mu sync.RWMutex
	s  State
}

func (st *store) snapshot() State {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := st.s
	if out.Telemetry != nil {
		t := *out.Telemetry
		out.Telemetry = &t
	}
	if out.Pothole != nil {
		p := *out.Pothole
		out.Pothole = &p
	}
	if out.Route != nil {
		r := *out.Route
		out.Route = &r
	}
	return out
}

func (st *store) setConnected(v bool) {
	st.mu.Lock()
	st.s.Connected = v
	st.mu.Unlock()
}

// apply folds env into the state. It reports false for types the state does
// not track and for payloads that do not decode.
func (st *store) apply(env model.Envelope) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch env.Type {
	case model.TypeTelemetry:
		var v TelemetryView
		if json.Unmarshal(env.Data, &v.Telemetry) != nil {
			return false
		}
		v.TS = env.TS
		st.s.Telemetry = &v
	case model.TypeStatus:
		var s model.Status
		if json.Unmarshal(env.Data, &s) != nil {
			return false
		}
		st.s.Status = s
	case model.TypePothole:
		var v PotholeView
		if json.Unmarshal(env.Data, &v.Pothole) != nil {
			return false
		}
		v.TS = env.TS
		st.s.Pothole = &v
	case model.TypeRouteComplete:
		var ref model.RouteRef
		if json.Unmarshal(env.Data, &ref) != nil {
			return false
		}
		st.s.Route = &RouteEvent{RouteID: ref.RouteID, TS: env.TS}
	case model.TypeError:
		var e model.ErrorData
		if json.Unmarshal(env.Data, &e) != nil {
			return false
		}
		st.s.LastError = e.Reason
	default:
		return false
	}
	return true
}
