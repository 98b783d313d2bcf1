// Package model defines shared message structures for the relay hub and its peers.
package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"time"
)

// Type is the envelope message type.
type Type string

const (
	TypeHello         Type = "hello"
	TypeTelemetry     Type = "telemetry"
	TypeMotorControl  Type = "motorControl"
	TypeStatus        Type = "status"
	TypePothole       Type = "pothole"
	TypePing          Type = "ping"
	TypePong          Type = "pong"
	TypeError         Type = "error"
	TypePathCommand   Type = "pathCommand"
	TypeAutoDrive     Type = "autoDrive"
	TypeRouteComplete Type = "routeComplete"
)

// Types lists every type accepted on the wire.
var Types = []Type{
	TypeHello, TypeTelemetry, TypeMotorControl, TypeStatus, TypePothole,
	TypePing, TypePong, TypeError, TypePathCommand, TypeAutoDrive, TypeRouteComplete,
}

// Source identifies the actor that produced an envelope.
type Source string

const (
	SourceESP32  Source = "esp32"
	SourceUI     Source = "ui"
	SourceServer Source = "server"
)

// Sources lists every source accepted on the wire.
var Sources = []Source{SourceESP32, SourceUI, SourceServer}

// Role is the logical identity a connection adopts through hello.
type Role string

const (
	RoleUnknown   Role = "unknown"
	RoleESP32     Role = "esp32"
	RoleDashboard Role = "dashboard"
)

// Envelope is the outer wrapper of every message on the wire.
// Data is kept raw so forwarded payloads stay byte-identical.
type Envelope struct {
	Type   Type            `json:"type"`
	Source Source          `json:"source"`
	TS     float64         `json:"ts"`
	Data   json.RawMessage `json:"data"`
}

// NewEnvelope builds an envelope stamped at now. A nil data value becomes {}.
func NewEnvelope(t Type, src Source, now time.Time, data any) (Envelope, error) {
	raw := json.RawMessage("{}")
	switch d := data.(type) {
	case nil:
	case json.RawMessage:
		if len(d) > 0 {
			raw = d
		}
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return Envelope{}, err
		}
		raw = b
	}
	return Envelope{Type: t, Source: src, TS: float64(now.UnixMilli()), Data: raw}, nil
}

// Marshal encodes the envelope for a text frame. Data is written verbatim so
// relayed payloads keep their original bytes.
func (e Envelope) Marshal() ([]byte, error) {
	if len(e.Data) == 0 {
		e.Data = json.RawMessage("{}")
	}
	if !json.Valid(e.Data) {
		return nil, errors.New("envelope data is not valid JSON")
	}
	t, err := json.Marshal(e.Type)
	if err != nil {
		return nil, err
	}
	src, err := json.Marshal(e.Source)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(e.Data) + 64)
	buf.WriteString(`{"type":`)
	buf.Write(t)
	buf.WriteString(`,"source":`)
	buf.Write(src)
	buf.WriteString(`,"ts":`)
	buf.WriteString(strconv.FormatFloat(e.TS, 'f', -1, 64))
	buf.WriteString(`,"data":`)
	buf.Write(e.Data)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Vector is a three-axis sensor reading.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Point is one waypoint of a route path.
type Point struct {
	X       float64  `json:"x"`
	Y       float64  `json:"y"`
	Heading *float64 `json:"heading,omitempty"`
}

// Hello announces the sender's role.
type Hello struct {
	Role     Role   `json:"role"`
	DeviceID string `json:"deviceId,omitempty"`
}

// Telemetry is the periodic sample emitted by the vehicle.
type Telemetry struct {
	SpeedLeft  int      `json:"speedLeft"`
	SpeedRight int      `json:"speedRight"`
	Distance   *float64 `json:"distance,omitempty"`
	Heading    *float64 `json:"heading,omitempty"`
	PosX       *float64 `json:"posX,omitempty"`
	PosY       *float64 `json:"posY,omitempty"`
	Gyro       Vector   `json:"gyro"`
	Accel      Vector   `json:"accel"`
}

// UnmarshalJSON accepts integral speeds written as floats (120.0), which the
// validator allows.
func (t *Telemetry) UnmarshalJSON(b []byte) error {
	type plain Telemetry
	var aux struct {
		plain
		SpeedLeft  float64 `json:"speedLeft"`
		SpeedRight float64 `json:"speedRight"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*t = Telemetry(aux.plain)
	t.SpeedLeft, t.SpeedRight = wholeNumber(aux.SpeedLeft), wholeNumber(aux.SpeedRight)
	return nil
}

// Pothole is a detected road defect.
type Pothole struct {
	Severity string   `json:"severity"`
	Value    float64  `json:"value"`
	PosX     *float64 `json:"posX,omitempty"`
	PosY     *float64 `json:"posY,omitempty"`
}

// Direction values accepted by motorControl.
const (
	DirForward = "forward"
	DirReverse = "reverse"
	DirLeft    = "left"
	DirRight   = "right"
	DirStop    = "stop"
)

// MotorControl is a manual drive command.
type MotorControl struct {
	Direction  string `json:"direction"`
	SpeedLeft  int    `json:"speedLeft"`
	SpeedRight int    `json:"speedRight"`
}

func (m *MotorControl) UnmarshalJSON(b []byte) error {
	type plain MotorControl
	var aux struct {
		plain
		SpeedLeft  float64 `json:"speedLeft"`
		SpeedRight float64 `json:"speedRight"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*m = MotorControl(aux.plain)
	m.SpeedLeft, m.SpeedRight = wholeNumber(aux.SpeedLeft), wholeNumber(aux.SpeedRight)
	return nil
}

// AutoDrive asks the vehicle to follow a path autonomously.
type AutoDrive struct {
	RouteID string  `json:"routeId,omitempty"`
	Speed   int     `json:"speed"`
	Path    []Point `json:"path"`
}

func (a *AutoDrive) UnmarshalJSON(b []byte) error {
	type plain AutoDrive
	var aux struct {
		plain
		Speed float64 `json:"speed"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*a = AutoDrive(aux.plain)
	a.Speed = wholeNumber(aux.Speed)
	return nil
}

func wholeNumber(f float64) int { return int(math.Round(f)) }

// PathCommand uploads a path without a drive speed.
type PathCommand struct {
	RouteID string  `json:"routeId,omitempty"`
	Path    []Point `json:"path"`
}

// RouteRef carries an optional route correlation id. It is the shape read
// from pathCommand / autoDrive and written in routeComplete.
type RouteRef struct {
	RouteID *string `json:"routeId"`
}

// Status is the aggregate connectivity pushed to dashboards.
type Status struct {
	ESP32Connected bool `json:"esp32Connected"`
	ReactClients   int  `json:"reactClients"`
}

// ErrorData is the payload of an error envelope.
type ErrorData struct {
	Reason string `json:"reason"`
}

// Error reasons sent to peers.
const (
	ReasonInvalidJSON       = "invalid_json"
	ReasonInvalidEnvelope   = "invalid_envelope"
	ReasonESP32Disconnected = "esp32_disconnected"
)

// InvalidReason returns the error reason for a payload that failed its schema.
func InvalidReason(t Type) string { return "invalid_" + string(t) }
