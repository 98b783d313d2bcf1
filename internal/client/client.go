// Package client is a reconnecting hub peer. It dials the hub, announces its
// role with hello, keeps the latest state it hears about and redials with
// capped exponential backoff whenever the connection drops.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"pathhole/internal/model"
	"pathhole/internal/parser"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by Send while no connection is open. The
// message is dropped.
var ErrNotConnected = errors.New("client: not connected")

const writeTimeout = 5 * time.Second

// Handler observes one inbound envelope.
type Handler func(env model.Envelope)

// Options carries optional collaborators.
type Options struct {
	Logger *zap.Logger
	Clock  clock.Clock
	Dialer *websocket.Dialer
}

// Client is a single supervised connection to the hub.
type Client struct {
	cfg     model.ClientConfig
	logger  *zap.Logger
	clock   clock.Clock
	dialer  *websocket.Dialer
	source  model.Source
	backoff *backoff.ExponentialBackOff

	mu       sync.Mutex
	ws       *websocket.Conn
	handlers map[model.Type][]Handler
	any      []Handler
	onOpen   []func()

	state store
}

// New creates a client for cfg.URL with role cfg.Role.
func New(cfg model.ClientConfig, opts Options) *Client {
	if cfg.Role == "" || cfg.Role == model.RoleUnknown {
		cfg.Role = model.RoleDashboard
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	src := model.SourceUI
	if cfg.Role == model.RoleESP32 {
		src = model.SourceESP32
	}
	return &Client{
		cfg:      cfg,
		logger:   opts.Logger.Named("client").With(zap.String("role", string(cfg.Role))),
		clock:    opts.Clock,
		dialer:   opts.Dialer,
		source:   src,
		backoff:  newBackoff(cfg),
		handlers: map[model.Type][]Handler{},
	}
}

// newBackoff builds the redial schedule: Initial × Multiplier^(n-1), capped
// at MaxBackoff, without jitter.
func newBackoff(cfg model.ClientConfig) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.InitialBackoff,
		RandomizationFactor: 0,
		Multiplier:          cfg.Multiplier,
		MaxInterval:         cfg.MaxBackoff,
	}
	if b.InitialInterval <= 0 {
		b.InitialInterval = 500 * time.Millisecond
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1.7
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = 10 * time.Second
	}
	b.Reset()
	return b
}

// On registers h for envelopes of type t. Register handlers before Run.
func (c *Client) On(t model.Type, h Handler) {
	c.mu.Lock()
	c.handlers[t] = append(c.handlers[t], h)
	c.mu.Unlock()
}

// OnEnvelope registers h for every inbound envelope.
func (c *Client) OnEnvelope(h Handler) {
	c.mu.Lock()
	c.any = append(c.any, h)
	c.mu.Unlock()
}

// OnOpen registers fn to run after each successful connect and hello.
func (c *Client) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = append(c.onOpen, fn)
	c.mu.Unlock()
}

// State returns a copy of the locally held state.
func (c *Client) State() State { return c.state.snapshot() }

// Connected reports whether a connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Send wraps data in an envelope from this peer and writes it.
func (c *Client) Send(t model.Type, data any) error {
	env, err := model.NewEnvelope(t, c.source, c.clock.Now(), data)
	if err != nil {
		return err
	}
	b, err := env.Marshal()
	if err != nil {
		return err
	}
	return c.SendRaw(b)
}

// SendRaw writes an already encoded frame.
func (c *Client) SendRaw(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// Run keeps a connection open until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	for {
		ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
		if err == nil {
			c.serve(ctx, ws)
		} else if ctx.Err() == nil {
			c.logger.Debug("dial failed", zap.String("url", c.cfg.URL), zap.Error(err))
		}
		if ctx.Err() != nil {
			return nil
		}

		delay := c.backoff.NextBackOff()
		c.logger.Info("reconnecting", zap.Duration("in", delay))
		select {
		case <-ctx.Done():
			return nil
		case <-c.clock.After(delay):
		}
	}
}

// serve runs one connection until it closes.
func (c *Client) serve(ctx context.Context, ws *websocket.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	c.mu.Lock()
	c.ws = ws
	opened := append([]func(){}, c.onOpen...)
	c.mu.Unlock()
	c.backoff.Reset()
	c.state.setConnected(true)
	c.logger.Info("connected", zap.String("url", c.cfg.URL))

	if err := c.Send(model.TypeHello, model.Hello{Role: c.cfg.Role, DeviceID: c.cfg.DeviceID}); err != nil {
		c.logger.Warn("hello failed", zap.Error(err))
	}
	for _, fn := range opened {
		fn()
	}

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Info("disconnected", zap.Error(err))
			}
			break
		}
		env, err := parser.Decode(raw)
		if err != nil {
			c.logger.Debug("frame dropped", zap.Error(err))
			continue
		}
		c.dispatch(env)
	}

	c.mu.Lock()
	c.ws = nil
	c.mu.Unlock()
	_ = ws.Close()
	c.state.setConnected(false)
}

func (c *Client) dispatch(env model.Envelope) {
	c.state.apply(env)
	c.mu.Lock()
	hs := append(append([]Handler{}, c.handlers[env.Type]...), c.any...)
	c.mu.Unlock()
	for _, h := range hs {
		h(env)
	}
}
