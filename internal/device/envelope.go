package device

import (
	"time"

	"pathhole/internal/model"
)

// EnvelopeWriter writes envelopes to a device, one per line, as the ESP32
// firmware does.
type EnvelopeWriter struct {
	Device Device
	Source model.Source
	Now    func() time.Time
}

// Send stamps data into an envelope and writes it.
func (w EnvelopeWriter) Send(t model.Type, data any) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	env, err := model.NewEnvelope(t, w.Source, now(), data)
	if err != nil {
		return err
	}
	b, err := env.Marshal()
	if err != nil {
		return err
	}
	return w.Device.WriteLine(string(b))
}
