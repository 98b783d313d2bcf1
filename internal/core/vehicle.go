package core

import (
	"context"
	"encoding/json"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"pathhole/internal/model"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Sender publishes envelopes on behalf of the vehicle.
type Sender interface {
	Send(t model.Type, data any) error
}

const (
	maxSpeed     = 0.5 // m/s at speed 255
	wheelBase    = 0.15
	arriveRadius = 0.05
)

// VehicleOptions tunes the simulated vehicle.
type VehicleOptions struct {
	Interval    time.Duration
	PotholeRate float64 // probability of a pothole per tick
	Seed        uint64
	Clock       clock.Clock
	Logger      *zap.Logger
}

// Vehicle is a simulated vehicle with differential drive. It obeys manual
// commands, follows uploaded paths and reports telemetry and potholes.
type Vehicle struct {
	ID   string
	out  Sender
	opts VehicleOptions
	rng  *rand.Rand

	mu       sync.Mutex
	x, y     float64
	heading  float64 // degrees
	distance float64
	left     int // signed in auto mode
	right    int
	reverse  bool
	path     []model.Point
	next     int
	auto     bool
	speed    int
}

// NewVehicle creates a vehicle at the origin facing along +x.
func NewVehicle(id string, out Sender, opts VehicleOptions) *Vehicle {
	if opts.Interval <= 0 {
		opts.Interval = 100 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Logger = opts.Logger.Named("vehicle").With(zap.String("vehicle", id))
	return &Vehicle{ID: id, out: out, opts: opts, rng: rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))}
}

// Run steps the simulation every interval until ctx is cancelled.
func (v *Vehicle) Run(ctx context.Context) error {
	ticker := v.opts.Clock.Ticker(v.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			v.Step(v.opts.Interval)
		}
	}
}

// Handle applies a command from the hub.
func (v *Vehicle) Handle(env model.Envelope) {
	switch env.Type {
	case model.TypeMotorControl:
		var mc model.MotorControl
		if json.Unmarshal(env.Data, &mc) != nil {
			return
		}
		v.mu.Lock()
		v.auto = false
		v.reverse = mc.Direction == model.DirReverse
		switch mc.Direction {
		case model.DirStop:
			v.left, v.right = 0, 0
		default:
			v.left, v.right = mc.SpeedLeft, mc.SpeedRight
		}
		v.mu.Unlock()
	case model.TypePathCommand:
		var pc model.PathCommand
		if json.Unmarshal(env.Data, &pc) != nil {
			return
		}
		v.mu.Lock()
		v.path, v.next, v.auto = pc.Path, 0, false
		v.mu.Unlock()
	case model.TypeAutoDrive:
		var ad model.AutoDrive
		if json.Unmarshal(env.Data, &ad) != nil {
			return
		}
		v.mu.Lock()
		v.path, v.next, v.auto, v.speed, v.reverse = ad.Path, 0, len(ad.Path) > 0, ad.Speed, false
		v.mu.Unlock()
		v.opts.Logger.Info("auto drive", zap.String("route", ad.RouteID), zap.Int("waypoints", len(ad.Path)))
	case model.TypePing:
		v.send(model.TypePong, nil)
	}
}

// Step advances the simulation by dt and publishes the resulting samples.
func (v *Vehicle) Step(dt time.Duration) {
	v.mu.Lock()
	completed := false
	if v.auto {
		completed = v.steer()
	}
	v.integrate(dt.Seconds())
	t := v.telemetry()
	pothole := v.rollPothole()
	v.mu.Unlock()

	v.send(model.TypeTelemetry, t)
	if pothole != nil {
		v.send(model.TypePothole, pothole)
	}
	if completed {
		v.opts.Logger.Info("route complete")
		v.send(model.TypeRouteComplete, nil)
	}
}

// steer points the wheels at the next waypoint. It reports true when the
// last waypoint was reached.
func (v *Vehicle) steer() bool {
	for v.next < len(v.path) {
		p := v.path[v.next]
		if math.Hypot(p.X-v.x, p.Y-v.y) > arriveRadius {
			break
		}
		v.next++
	}
	if v.next >= len(v.path) {
		v.auto, v.left, v.right = false, 0, 0
		return true
	}
	p := v.path[v.next]
	want := math.Atan2(p.Y-v.y, p.X-v.x) * 180 / math.Pi
	diff := math.Remainder(want-v.heading, 360)
	s := float64(v.speed)
	if math.Abs(diff) > 30 {
		// rotate in place
		turn := math.Copysign(s/2, diff)
		v.left, v.right = clampSpeed(-turn), clampSpeed(turn)
		return false
	}
	turn := diff / 30 * s / 2
	v.left, v.right = clampSpeed(s-turn), clampSpeed(s+turn)
	return false
}

func (v *Vehicle) integrate(dt float64) {
	l := float64(v.left) / 255 * maxSpeed
	r := float64(v.right) / 255 * maxSpeed
	if v.reverse {
		l, r = -l, -r
	}
	lin := (l + r) / 2
	omega := (r - l) / wheelBase // rad/s
	v.heading = math.Mod(v.heading+omega*dt*180/math.Pi+360, 360)
	rad := v.heading * math.Pi / 180
	v.x += lin * dt * math.Cos(rad)
	v.y += lin * dt * math.Sin(rad)
	v.distance += math.Abs(lin * dt)
}

func (v *Vehicle) telemetry() model.Telemetry {
	distance, heading, x, y := v.distance, v.heading, v.x, v.y
	return model.Telemetry{
		SpeedLeft:  abs(v.left),
		SpeedRight: abs(v.right),
		Distance:   &distance,
		Heading:    &heading,
		PosX:       &x,
		PosY:       &y,
		Gyro:       model.Vector{Z: float64(v.right-v.left) / 255},
		Accel:      model.Vector{X: v.rng.NormFloat64() * 0.05, Y: v.rng.NormFloat64() * 0.05, Z: 9.81},
	}
}

func (v *Vehicle) rollPothole() *model.Pothole {
	if v.left == 0 && v.right == 0 {
		return nil
	}
	if v.opts.PotholeRate <= 0 || v.rng.Float64() >= v.opts.PotholeRate {
		return nil
	}
	value := 1 + v.rng.Float64()*4
	severity := model.SeverityLow
	switch {
	case value >= 3.5:
		severity = model.SeverityHigh
	case value >= 2:
		severity = model.SeverityMedium
	}
	x, y := v.x, v.y
	return &model.Pothole{Severity: severity, Value: math.Round(value*100) / 100, PosX: &x, PosY: &y}
}

func (v *Vehicle) send(t model.Type, data any) {
	if err := v.out.Send(t, data); err != nil {
		v.opts.Logger.Debug("send failed", zap.String("type", string(t)), zap.Error(err))
	}
}

// Pose returns the current position and heading.
func (v *Vehicle) Pose() (x, y, heading float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.x, v.y, v.heading
}

// clampSpeed bounds a signed wheel speed; the sign is the wheel direction.
func clampSpeed(s float64) int {
	return int(math.Max(-255, math.Min(255, math.Round(s))))
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
