// Package parser decodes wire frames into envelopes and validates them.
//
// Validation runs in two phases. The envelope phase checks that the frame is
// a JSON object with exactly the fields type, source, ts and data. The payload
// phase checks data against the schema registered for the envelope type.
//
// Frames produced at high rate by the vehicle (telemetry, pothole) are marked
// Silent when they fail, so the hub drops them without replying.
package parser

import (
	"encoding/json"
	"fmt"

	"pathhole/internal/model"

	"github.com/tidwall/gjson"
)

// ValidationError reports why a frame was rejected.
type ValidationError struct {
	Reason string     // wire reason, e.g. invalid_json or invalid_motorControl
	Type   model.Type // envelope type when known
	Silent bool       // drop without replying
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

var point = object(
	req("x", number()),
	req("y", number()),
	opt("heading", number()),
)

var vector = object(
	req("x", number()),
	req("y", number()),
	req("z", number()),
)

var envelopeSchema = object(
	req("type", str(typeNames()...)),
	req("source", str(sourceNames()...)),
	req("ts", number()),
	req("data", anyObject()),
)

// payloadSchemas maps each envelope type to the schema of its data.
var payloadSchemas = map[model.Type]rule{
	model.TypeHello: object(
		req("role", str(string(model.RoleESP32), string(model.RoleDashboard))),
		opt("deviceId", str()),
	),
	model.TypeTelemetry: object(
		req("speedLeft", byteInt()),
		req("speedRight", byteInt()),
		opt("distance", number()),
		opt("heading", number()),
		opt("posX", number()),
		opt("posY", number()),
		req("gyro", vector),
		req("accel", vector),
	),
	model.TypeMotorControl: object(
		req("direction", str(model.DirForward, model.DirReverse, model.DirLeft, model.DirRight, model.DirStop)),
		req("speedLeft", byteInt()),
		req("speedRight", byteInt()),
	),
	model.TypePothole: object(
		req("severity", str(model.SeverityLow, model.SeverityMedium, model.SeverityHigh)),
		req("value", number()),
		opt("posX", number()),
		opt("posY", number()),
	),
	model.TypeAutoDrive: object(
		opt("routeId", str()),
		req("speed", byteInt()),
		req("path", arrayOf(point, 1)),
	),
	model.TypePathCommand: object(
		opt("routeId", str()),
		req("path", arrayOf(point, 1)),
	),
	model.TypeRouteComplete: anyObject(),
	model.TypePing:          anyObject(),
	model.TypePong:          anyObject(),
	model.TypeStatus:        anyObject(),
	model.TypeError:         anyObject(),
}

// Decode parses raw into an envelope, validating the envelope shape and the
// payload for its type. Any failure is a *ValidationError.
func Decode(raw []byte) (model.Envelope, error) {
	if !gjson.ValidBytes(raw) {
		return model.Envelope{}, &ValidationError{Reason: model.ReasonInvalidJSON}
	}
	root := gjson.ParseBytes(raw)
	if err := envelopeSchema.check("$", root); err != nil {
		t := model.Type(root.Get("type").String())
		return model.Envelope{}, &ValidationError{
			Reason: model.ReasonInvalidEnvelope,
			Type:   t,
			Silent: isStream(t),
			Detail: err.Error(),
		}
	}

	var env model.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return model.Envelope{}, &ValidationError{Reason: model.ReasonInvalidEnvelope, Detail: err.Error()}
	}

	schema, ok := payloadSchemas[env.Type]
	if !ok {
		return env, nil
	}
	if err := schema.check("data", root.Get("data")); err != nil {
		return model.Envelope{}, &ValidationError{
			Reason: model.InvalidReason(env.Type),
			Type:   env.Type,
			Silent: isStream(env.Type),
			Detail: err.Error(),
		}
	}
	return env, nil
}

// Payload decodes the data of a validated envelope into T.
func Payload[T any](env model.Envelope) (T, error) {
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, fmt.Errorf("[parser] decode %s payload: %w", env.Type, err)
	}
	return v, nil
}

// isStream reports whether t is a high-frequency producer type.
func isStream(t model.Type) bool {
	return t == model.TypeTelemetry || t == model.TypePothole
}

func typeNames() []string {
	out := make([]string, len(model.Types))
	for i, t := range model.Types {
		out[i] = string(t)
	}
	return out
}

func sourceNames() []string {
	out := make([]string, len(model.Sources))
	for i, s := range model.Sources {
		out[i] = string(s)
	}
	return out
}
