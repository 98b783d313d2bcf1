package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pathhole/internal/model"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu     sync.Mutex
	closed bool
	pings  int
	onPong func(string) error
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) { return 0, nil, errors.New("not used") }
func (f *fakeTransport) WriteMessage(int, []byte) error     { return nil }
func (f *fakeTransport) SetWriteDeadline(time.Time) error   { return nil }
func (f *fakeTransport) SetReadLimit(int64)                 {}

func (f *fakeTransport) WriteControl(int, []byte, time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func (f *fakeTransport) SetPongHandler(h func(string) error) { f.onPong = h }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type recordedCheckpoint struct {
	kind    string
	routeID string
	at      time.Time
}

type fakeCheckpoints struct {
	records   []recordedCheckpoint
	telemetry []model.Telemetry
}

func (f *fakeCheckpoints) Telemetry(now time.Time, t model.Telemetry, routeID string) bool {
	f.records = append(f.records, recordedCheckpoint{"telemetry", routeID, now})
	f.telemetry = append(f.telemetry, t)
	return true
}

func (f *fakeCheckpoints) Pothole(now time.Time, _ model.Pothole, routeID string) bool {
	f.records = append(f.records, recordedCheckpoint{"pothole", routeID, now})
	return true
}

const interval = 15 * time.Second

type harness struct {
	t     *testing.T
	hub   *Hub
	clock *clock.Mock
	cps   *fakeCheckpoints
}

func newHarness(t *testing.T) *harness {
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_700_000_000_000))
	cps := &fakeCheckpoints{}
	h := New(model.HubConfig{HeartbeatInterval: interval, OutboxSize: 64, WriteTimeout: time.Second},
		Options{Clock: mock, Checkpoints: cps})
	return &harness{t: t, hub: h, clock: mock, cps: cps}
}

func (hs *harness) now() time.Time { return hs.clock.Now() }

// connect joins a conn without starting its pumps.
func (hs *harness) connect() (*Conn, *fakeTransport) {
	ft := &fakeTransport{}
	c := newConn(ft, hs.hub.cfg.OutboxSize, time.Second)
	hs.hub.join(c, hs.now())
	return c, ft
}

func (hs *harness) peer(role model.Role) *Conn {
	c, _ := hs.connect()
	hs.send(c, model.TypeHello, sourceFor(role), fmt.Sprintf(`{"role":%q}`, role))
	drain(c)
	return c
}

func (hs *harness) send(c *Conn, t model.Type, src model.Source, data string) {
	hs.hub.handleFrame(c, frame(t, src, data), hs.now())
}

func sourceFor(role model.Role) model.Source {
	if role == model.RoleESP32 {
		return model.SourceESP32
	}
	return model.SourceUI
}

func frame(t model.Type, src model.Source, data string) []byte {
	return []byte(fmt.Sprintf(`{"type":%q,"source":%q,"ts":1,"data":%s}`, t, src, data))
}

func drain(c *Conn) []model.Envelope {
	var out []model.Envelope
	for {
		select {
		case b := <-c.out:
			var env model.Envelope
			if err := json.Unmarshal(b, &env); err != nil {
				panic(err)
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

func only(t *testing.T, c *Conn, typ model.Type) model.Envelope {
	t.Helper()
	frames := drain(c)
	require.Len(t, frames, 1)
	require.Equal(t, typ, frames[0].Type)
	return frames[0]
}

func reason(t *testing.T, env model.Envelope) string {
	t.Helper()
	var e model.ErrorData
	require.NoError(t, json.Unmarshal(env.Data, &e))
	return e.Reason
}

func status(t *testing.T, env model.Envelope) model.Status {
	t.Helper()
	require.Equal(t, model.TypeStatus, env.Type)
	var s model.Status
	require.NoError(t, json.Unmarshal(env.Data, &s))
	return s
}

const telemetryData = `{"speedLeft":120,"speedRight":118,"gyro":{"x":0,"y":0,"z":0.5},"accel":{"x":0,"y":0,"z":9.8}}`

func TestHelloRegistersAndBroadcastsStatus(t *testing.T) {
	hs := newHarness(t)
	dash := hs.peer(model.RoleDashboard)

	car, _ := hs.connect()
	hs.send(car, model.TypeHello, model.SourceESP32, `{"role":"esp32","deviceId":"car-1"}`)

	assert.Empty(t, drain(car), "status goes to dashboards only")
	st := status(t, only(t, dash, model.TypeStatus))
	assert.True(t, st.ESP32Connected)
	assert.Equal(t, 1, st.ReactClients)
	assert.Equal(t, model.RoleESP32, car.Role())
	assert.Equal(t, "car-1", car.deviceID)
}

func TestRepeatedHelloKeepsFirstRole(t *testing.T) {
	hs := newHarness(t)
	dash := hs.peer(model.RoleDashboard)

	hs.send(dash, model.TypeHello, model.SourceUI, `{"role":"esp32"}`)
	assert.Equal(t, model.RoleDashboard, dash.Role())
	st := status(t, only(t, dash, model.TypeStatus))
	assert.False(t, st.ESP32Connected)
	assert.Equal(t, 1, st.ReactClients)
	assert.Equal(t, 0, hs.hub.registry.count(model.RoleESP32))
}

func TestMalformedFramesGetErrors(t *testing.T) {
	hs := newHarness(t)
	c, _ := hs.connect()

	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"not json", `{nope`, model.ReasonInvalidJSON},
		{"array", `[1,2]`, model.ReasonInvalidEnvelope},
		{"missing data", `{"type":"ping","source":"ui","ts":1}`, model.ReasonInvalidEnvelope},
		{"extra key", `{"type":"ping","source":"ui","ts":1,"data":{},"x":1}`, model.ReasonInvalidEnvelope},
		{"unknown type", `{"type":"reboot","source":"ui","ts":1,"data":{}}`, model.ReasonInvalidEnvelope},
		{"bad source", `{"type":"ping","source":"cloud","ts":1,"data":{}}`, model.ReasonInvalidEnvelope},
		{"bad motor payload", `{"type":"motorControl","source":"ui","ts":1,"data":{"direction":"up","speedLeft":1,"speedRight":1}}`, "invalid_motorControl"},
		{"bad hello", `{"type":"hello","source":"ui","ts":1,"data":{"role":"admin"}}`, "invalid_hello"},
		{"empty key", `{"type":"ping","source":"ui","ts":1,"data":{},"":1}`, model.ReasonInvalidEnvelope},
		{"duplicate type", `{"type":"ping","source":"ui","ts":1,"data":{},"type":"hello"}`, model.ReasonInvalidEnvelope},
		{"empty payload key", `{"type":"motorControl","source":"ui","ts":1,"data":{"direction":"stop","speedLeft":1,"speedRight":1,"":1}}`, "invalid_motorControl"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hs.hub.handleFrame(c, []byte(tc.raw), hs.now())
			assert.Equal(t, tc.want, reason(t, only(t, c, model.TypeError)))
		})
	}
	assert.Equal(t, model.RoleUnknown, c.Role())
}

func TestStreamFailuresAreSilent(t *testing.T) {
	hs := newHarness(t)
	dash := hs.peer(model.RoleDashboard)
	car := hs.peer(model.RoleESP32)
	drain(dash)

	hs.send(car, model.TypeTelemetry, model.SourceESP32, `{"speedLeft":300,"speedRight":0,"gyro":{"x":0,"y":0,"z":0},"accel":{"x":0,"y":0,"z":0}}`)
	hs.send(car, model.TypePothole, model.SourceESP32, `{"severity":"extreme","value":1}`)
	hs.hub.handleFrame(car, []byte(`{"type":"telemetry","source":"esp32","ts":1}`), hs.now())

	assert.Empty(t, drain(car))
	assert.Empty(t, drain(dash))
	assert.Empty(t, hs.cps.records)
}

func TestSecondDataMemberNeverForwarded(t *testing.T) {
	hs := newHarness(t)
	dash := hs.peer(model.RoleDashboard)
	car := hs.peer(model.RoleESP32)
	drain(dash)

	hs.hub.handleFrame(dash, []byte(`{"type":"motorControl","source":"ui","ts":1,`+
		`"data":{"direction":"stop","speedLeft":0,"speedRight":0},`+
		`"data":{"direction":"fly","speedLeft":9999,"evil":true}}`), hs.now())
	assert.Equal(t, model.ReasonInvalidEnvelope, reason(t, only(t, dash, model.TypeError)))
	assert.Empty(t, drain(car))

	hs.hub.handleFrame(car, []byte(`{"type":"telemetry","source":"esp32","ts":1,"data":`+telemetryData+`,"data":{"speedLeft":"x"}}`), hs.now())
	assert.Empty(t, drain(dash))
	assert.Empty(t, drain(car))
	assert.Empty(t, hs.cps.records)
}

func TestFloatSpeedsAreCheckpointed(t *testing.T) {
	hs := newHarness(t)
	dash := hs.peer(model.RoleDashboard)
	car := hs.peer(model.RoleESP32)
	drain(dash)

	data := `{"speedLeft":120.0,"speedRight":118.0,"gyro":{"x":0,"y":0,"z":0},"accel":{"x":0,"y":0,"z":9.8}}`
	hs.send(car, model.TypeTelemetry, model.SourceESP32, data)

	assert.Equal(t, data, string(only(t, dash, model.TypeTelemetry).Data))
	require.Len(t, hs.cps.telemetry, 1)
	assert.Equal(t, 120, hs.cps.telemetry[0].SpeedLeft)
	assert.Equal(t, 118, hs.cps.telemetry[0].SpeedRight)
}

func TestTelemetryRelayedToDashboards(t *testing.T) {
	hs := newHarness(t)
	d1 := hs.peer(model.RoleDashboard)
	d2 := hs.peer(model.RoleDashboard)
	car := hs.peer(model.RoleESP32)
	drain(d1)
	drain(d2)

	hs.clock.Add(250 * time.Millisecond)
	hs.send(car, model.TypeTelemetry, model.SourceESP32, telemetryData)

	for _, d := range []*Conn{d1, d2} {
		env := only(t, d, model.TypeTelemetry)
		assert.Equal(t, model.SourceServer, env.Source)
		assert.Equal(t, float64(hs.now().UnixMilli()), env.TS)
		assert.Equal(t, telemetryData, string(env.Data))
	}
	assert.Empty(t, drain(car))
	require.Len(t, hs.cps.records, 1)
	assert.Equal(t, hs.now(), hs.cps.records[0].at)
}

func TestRoleMismatchIsIgnored(t *testing.T) {
	hs := newHarness(t)
	dash := hs.peer(model.RoleDashboard)
	car := hs.peer(model.RoleESP32)
	stranger, _ := hs.connect()
	drain(dash)

	hs.send(dash, model.TypeTelemetry, model.SourceUI, telemetryData)
	hs.send(stranger, model.TypeTelemetry, model.SourceESP32, telemetryData)
	hs.send(car, model.TypeMotorControl, model.SourceESP32, `{"direction":"stop","speedLeft":0,"speedRight":0}`)

	assert.Empty(t, drain(dash))
	assert.Empty(t, drain(car))
	assert.Empty(t, drain(stranger))
	assert.Empty(t, hs.cps.records)
}

func TestPeerStatusPongAndErrorAreDropped(t *testing.T) {
	hs := newHarness(t)
	dash := hs.peer(model.RoleDashboard)

	hs.send(dash, model.TypeStatus, model.SourceUI, `{"esp32Connected":true}`)
	hs.send(dash, model.TypePong, model.SourceUI, `{}`)
	hs.send(dash, model.TypeError, model.SourceUI, `{"reason":"x"}`)
	assert.Empty(t, drain(dash))
}

func TestPingGetsPong(t *testing.T) {
	hs := newHarness(t)
	c, _ := hs.connect()
	hs.send(c, model.TypePing, model.SourceUI, `{}`)
	env := only(t, c, model.TypePong)
	assert.Equal(t, model.SourceServer, env.Source)
}

func TestMotorControlWithoutVehicle(t *testing.T) {
	hs := newHarness(t)
	d1 := hs.peer(model.RoleDashboard)
	d2 := hs.peer(model.RoleDashboard)
	drain(d1)

	hs.send(d1, model.TypeMotorControl, model.SourceUI, `{"direction":"forward","speedLeft":200,"speedRight":200}`)

	frames := drain(d1)
	require.Len(t, frames, 2)
	assert.Equal(t, model.ReasonESP32Disconnected, reason(t, frames[0]))
	assert.False(t, status(t, frames[1]).ESP32Connected)
	assert.False(t, status(t, only(t, d2, model.TypeStatus)).ESP32Connected)
}

func TestCommandsForwardedToFirstVehicle(t *testing.T) {
	hs := newHarness(t)
	dash := hs.peer(model.RoleDashboard)
	first := hs.peer(model.RoleESP32)
	second := hs.peer(model.RoleESP32)
	drain(dash)

	data := `{"direction":"left","speedLeft":80,"speedRight":160}`
	hs.send(dash, model.TypeMotorControl, model.SourceUI, data)

	env := only(t, first, model.TypeMotorControl)
	assert.Equal(t, data, string(env.Data))
	assert.Equal(t, model.SourceServer, env.Source)
	assert.Empty(t, drain(second))
	assert.Empty(t, drain(dash))
}

func TestRouteCorrelation(t *testing.T) {
	hs := newHarness(t)
	dash := hs.peer(model.RoleDashboard)
	car := hs.peer(model.RoleESP32)
	drain(dash)

	hs.send(dash, model.TypeAutoDrive, model.SourceUI, `{"routeId":"r-7","speed":150,"path":[{"x":0,"y":0},{"x":1,"y":2}]}`)
	only(t, car, model.TypeAutoDrive)
	assert.Equal(t, "r-7", hs.hub.routeID)

	hs.send(car, model.TypeTelemetry, model.SourceESP32, telemetryData)
	hs.send(car, model.TypePothole, model.SourceESP32, `{"severity":"high","value":3.2}`)
	hs.send(car, model.TypeRouteComplete, model.SourceESP32, `{}`)

	frames := drain(dash)
	require.Len(t, frames, 3)
	var ref model.RouteRef
	require.NoError(t, json.Unmarshal(frames[2].Data, &ref))
	require.NotNil(t, ref.RouteID)
	assert.Equal(t, "r-7", *ref.RouteID)

	hs.send(car, model.TypeRouteComplete, model.SourceESP32, `{}`)
	env := only(t, dash, model.TypeRouteComplete)
	assert.JSONEq(t, `{"routeId":null}`, string(env.Data))

	require.Len(t, hs.cps.records, 2)
	assert.Equal(t, "r-7", hs.cps.records[0].routeID)
	assert.Equal(t, "r-7", hs.cps.records[1].routeID)
}

func TestRouteIDCapturedWhenEventArrives(t *testing.T) {
	hs := newHarness(t)
	dash := hs.peer(model.RoleDashboard)
	car := hs.peer(model.RoleESP32)

	hs.send(dash, model.TypePathCommand, model.SourceUI, `{"routeId":"a","path":[{"x":0,"y":0}]}`)
	hs.send(car, model.TypeTelemetry, model.SourceESP32, telemetryData)
	hs.send(dash, model.TypeMotorControl, model.SourceUI, `{"direction":"stop","speedLeft":0,"speedRight":0}`)
	hs.send(car, model.TypePothole, model.SourceESP32, `{"severity":"low","value":1}`)
	hs.send(dash, model.TypePathCommand, model.SourceUI, `{"path":[{"x":0,"y":0}]}`)
	hs.send(car, model.TypePothole, model.SourceESP32, `{"severity":"low","value":1}`)

	require.Len(t, hs.cps.records, 3)
	assert.Equal(t, "a", hs.cps.records[0].routeID)
	assert.Equal(t, "", hs.cps.records[1].routeID, "manual control clears the route")
	assert.Equal(t, "", hs.cps.records[2].routeID, "pathCommand without routeId clears the route")
}

func TestRouteCommandWithoutVehicleKeepsRoute(t *testing.T) {
	hs := newHarness(t)
	dash := hs.peer(model.RoleDashboard)
	hs.hub.routeID = "before"

	hs.send(dash, model.TypeAutoDrive, model.SourceUI, `{"routeId":"after","speed":10,"path":[{"x":0,"y":0}]}`)
	frames := drain(dash)
	require.NotEmpty(t, frames)
	assert.Equal(t, model.ReasonESP32Disconnected, reason(t, frames[0]))
	assert.Equal(t, "before", hs.hub.routeID)
}

func TestCloseBroadcastsStatusOnce(t *testing.T) {
	hs := newHarness(t)
	dash := hs.peer(model.RoleDashboard)
	car := hs.peer(model.RoleESP32)
	stranger, ft := hs.connect()
	drain(dash)

	hs.hub.leave(car, hs.now())
	hs.hub.leave(car, hs.now())
	st := status(t, only(t, dash, model.TypeStatus))
	assert.False(t, st.ESP32Connected)

	hs.hub.leave(stranger, hs.now())
	only(t, dash, model.TypeStatus)
	assert.True(t, ft.closed)
}

func TestHeartbeatEvictsSilentPeers(t *testing.T) {
	hs := newHarness(t)
	dash := hs.peer(model.RoleDashboard)
	car := hs.peer(model.RoleESP32)
	carT := car.ws.(*fakeTransport)
	drain(dash)

	// first round probes everyone
	hs.clock.Add(interval)
	hs.hub.sweep(hs.now())
	assert.Equal(t, 1, carT.pings)
	only(t, car, model.TypePing)
	only(t, dash, model.TypePing)

	// dashboard answers, vehicle stays silent
	hs.clock.Add(time.Second)
	hs.hub.handle(event{kind: evPong, conn: dash}, hs.now())

	hs.clock.Add(interval - time.Second)
	hs.hub.sweep(hs.now())

	assert.True(t, car.isClosed())
	assert.True(t, carT.closed)
	frames := drain(dash)
	require.Len(t, frames, 2)
	var types []model.Type
	for _, env := range frames {
		types = append(types, env.Type)
		if env.Type == model.TypeStatus {
			assert.False(t, status(t, env).ESP32Connected)
		}
	}
	assert.ElementsMatch(t, []model.Type{model.TypeStatus, model.TypePing}, types)

	// the read pump's close is a no-op
	hs.hub.handle(event{kind: evLeave, conn: car}, hs.now())
	assert.Empty(t, drain(dash))
	assert.False(t, dash.isClosed())
}

func TestSilentPeerDetectedWithinTwoIntervals(t *testing.T) {
	hs := newHarness(t)
	c, _ := hs.connect()

	// connection lands just after a sweep would have run
	hs.clock.Add(interval - time.Millisecond)
	hs.hub.sweep(hs.now())
	assert.False(t, c.isClosed())

	hs.clock.Add(interval)
	hs.hub.sweep(hs.now())
	assert.True(t, c.isClosed())
	_, ok := hs.hub.conns[c]
	assert.False(t, ok)
}

func TestFullOutboxDropsFrames(t *testing.T) {
	hs := newHarness(t)
	hs.hub.cfg.OutboxSize = 1
	dash := hs.peer(model.RoleDashboard)
	car := hs.peer(model.RoleESP32)
	drain(dash)

	for i := 0; i < 5; i++ {
		hs.send(car, model.TypeTelemetry, model.SourceESP32, telemetryData)
	}
	assert.Len(t, drain(dash), 1)
}
