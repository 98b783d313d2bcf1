package client_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pathhole/internal/client"
	"pathhole/internal/core"
	"pathhole/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeersTalkThroughHub(t *testing.T) {
	hub := core.New(model.HubConfig{HeartbeatInterval: time.Hour}, core.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()
	srv := httptest.NewServer(hub)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	dash := client.New(model.ClientConfig{URL: url, Role: model.RoleDashboard}, client.Options{})
	car := client.New(model.ClientConfig{URL: url, Role: model.RoleESP32}, client.Options{})

	var mu sync.Mutex
	var commands []model.MotorControl
	car.On(model.TypeMotorControl, func(env model.Envelope) {
		var mc model.MotorControl
		assert.NoError(t, json.Unmarshal(env.Data, &mc))
		mu.Lock()
		commands = append(commands, mc)
		mu.Unlock()
	})

	go func() { _ = dash.Run(ctx) }()
	require.Eventually(t, dash.Connected, 3*time.Second, 10*time.Millisecond)
	go func() { _ = car.Run(ctx) }()

	require.Eventually(t, func() bool { return dash.State().Status.ESP32Connected }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, dash.State().Status.ReactClients)

	require.NoError(t, car.Send(model.TypeTelemetry, model.Telemetry{SpeedLeft: 140, SpeedRight: 150}))
	require.Eventually(t, func() bool {
		tv := dash.State().Telemetry
		return tv != nil && tv.SpeedRight == 150
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, dash.Send(model.TypeMotorControl, model.MotorControl{Direction: model.DirLeft, SpeedLeft: 60, SpeedRight: 180}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(commands) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.DirLeft, commands[0].Direction)
}
