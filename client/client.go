// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package client

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	opcua "github.com/edgeo-scada/opcua-uasc"
	"github.com/edgeo-scada/opcua-uasc/internal/dispatch"
	"github.com/edgeo-scada/opcua-uasc/uasc"
)

// ErrClientClosed is returned by operations on a closed client.
var ErrClientClosed = errors.New("opcua: client closed")

// ConnectionState represents the state of the client.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateSessionActive
	StateReconnecting
	StateClosed
)

// String returns the string representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSessionActive:
		return "session_active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client is an OPC UA client. It owns one secure channel at a time and one
// session that outlives channel replacements.
type Client struct {
	endpoint string
	opts     *clientOptions
	metrics  *Metrics
	logger   *slog.Logger

	cert       []byte
	key        *rsa.PrivateKey
	serverCert []byte

	mu      sync.Mutex
	state   ConnectionState
	ch      *uasc.SecureChannel
	session *Session
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	engine *engine
	wg     sync.WaitGroup
	start  sync.Once

	reconnecting atomic.Bool
	lastActivity atomic.Int64
}

// NewClient creates a client for an opc.tcp endpoint URL. It does not
// connect.
func NewClient(endpoint string, opts ...Option) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme != "opc.tcp" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", opcua.ErrInvalidEndpoint, endpoint)
	}

	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.metrics == nil {
		options.metrics = NewMetrics()
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	c := &Client{
		endpoint: endpoint,
		opts:     options,
		metrics:  options.metrics,
		logger:   options.logger.With(slog.String("endpoint", endpoint)),
		state:    StateDisconnected,
	}

	if len(options.certificate) > 0 {
		if _, c.cert, err = uasc.LoadCertificate(options.certificate); err != nil {
			return nil, fmt.Errorf("client certificate: %w", err)
		}
	}
	if len(options.privateKey) > 0 {
		if c.key, err = uasc.LoadPrivateKey(options.privateKey); err != nil {
			return nil, fmt.Errorf("client private key: %w", err)
		}
	}
	if len(options.serverCertificate) > 0 {
		if _, c.serverCert, err = uasc.LoadCertificate(options.serverCertificate); err != nil {
			return nil, fmt.Errorf("server certificate: %w", err)
		}
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.engine = newEngine(c, options.maxOutstandingPublish, options.timeout, c.logger, c.metrics)
	return c, nil
}

// Dial creates a client and connects it.
func Dial(ctx context.Context, endpoint string, opts ...Option) (*Client, error) {
	c, err := NewClient(endpoint, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Connect opens a secure channel, then creates and activates a session.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.state == StateSessionActive {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.logger.Debug("connecting")

	ch, err := c.dialChannel(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}
	s, err := c.createSession(ctx, ch)
	if err == nil {
		err = c.activateSession(ctx, ch, s)
	}
	if err != nil {
		c.setState(StateDisconnected)
		ch.Close(ctx)
		return err
	}

	if err := c.install(ch, s); err != nil {
		return err
	}
	c.start.Do(func() {
		c.engine.start()
		c.wg.Add(1)
		go c.keepAlive(c.ctx)
	})
	c.engine.resume()

	c.logger.Info("session activated",
		slog.String("session_id", s.ID.String()),
		slog.String("policy", ch.SecurityPolicy().URI.ShortName()),
		slog.String("mode", ch.SecurityMode().String()))

	if c.opts.onConnect != nil {
		c.opts.onConnect()
	}
	if c.opts.onSessionActivated != nil {
		c.opts.onSessionActivated()
	}
	return nil
}

func (c *Client) channelConfig() *uasc.Config {
	cfg := uasc.DefaultConfig()
	cfg.SecurityPolicy = c.opts.securityPolicy
	cfg.SecurityMode = c.opts.securityMode
	cfg.Certificate = c.cert
	cfg.PrivateKey = c.key
	cfg.RemoteCertificate = c.serverCert
	cfg.Lifetime = c.opts.channelLifetime
	cfg.RenewFraction = c.opts.renewFraction
	cfg.TokenGracePeriod = c.opts.tokenGrace
	cfg.RequestTimeout = c.opts.timeout
	cfg.LegacySequenceNumbers = c.opts.legacySequence
	cfg.TraceChunks = c.opts.traceChunks
	cfg.Logger = c.logger
	cfg.Stats = c.metrics.Channel
	if c.opts.registry != nil {
		cfg.Registry = c.opts.registry
	}
	return cfg
}

func (c *Client) dialChannel(ctx context.Context) (*uasc.SecureChannel, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.timeout)
	defer cancel()
	ch, err := uasc.Dial(ctx, c.endpoint, c.channelConfig())
	if err != nil {
		return nil, err
	}
	c.setState(StateConnected)
	return ch, nil
}

// install makes ch and s current and starts watching ch.
func (c *Client) install(ch *uasc.SecureChannel, s *Session) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ch.Close(context.Background())
		return ErrClientClosed
	}
	c.ch = ch
	c.session = s
	if c.state != StateSessionActive {
		c.metrics.ActiveSessions.Add(1)
	}
	c.state = StateSessionActive
	c.mu.Unlock()

	c.lastActivity.Store(time.Now().UnixNano())
	c.wg.Add(1)
	go c.watch(ch)
	return nil
}

func (c *Client) setState(s ConnectionState) {
	c.mu.Lock()
	if !c.closed {
		c.state = s
	}
	c.mu.Unlock()
}

// Send sends req over the current channel within the current session.
func (c *Client) Send(ctx context.Context, req opcua.Request) (opcua.Response, error) {
	c.mu.Lock()
	ch, s, closed := c.ch, c.session, c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClientClosed
	}
	if ch == nil || s == nil {
		return nil, opcua.ErrNotConnected
	}
	return c.sendOn(ctx, ch, s, req)
}

// send lets the subscription engine issue requests.
func (c *Client) send(ctx context.Context, req opcua.Request) (opcua.Response, error) {
	return c.Send(ctx, req)
}

// sendAsync queues req without waiting. The engine keeps the pending
// request so it can order responses by their arrival on the channel.
func (c *Client) sendAsync(ctx context.Context, req opcua.Request) (*dispatch.Pending, error) {
	c.mu.Lock()
	ch, s, closed := c.ch, c.session, c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClientClosed
	}
	if ch == nil || s == nil {
		return nil, opcua.ErrNotConnected
	}
	req.Header().AuthenticationToken = s.AuthenticationToken

	c.metrics.RequestsTotal.Add(1)
	c.metrics.ForService(opcua.ServiceID(req.EncodingID().Numeric)).Requests.Add(1)
	p, err := ch.SendAsync(ctx, req)
	if err != nil {
		c.metrics.RequestsErrors.Add(1)
		return nil, err
	}
	return p, nil
}

func (c *Client) sendOn(ctx context.Context, ch *uasc.SecureChannel, s *Session, req opcua.Request) (opcua.Response, error) {
	if s != nil {
		req.Header().AuthenticationToken = s.AuthenticationToken
	}
	svc := opcua.ServiceID(req.EncodingID().Numeric)
	sm := c.metrics.ForService(svc)

	c.metrics.RequestsTotal.Add(1)
	sm.Requests.Add(1)
	start := time.Now()

	resp, err := ch.Send(ctx, req)

	elapsed := time.Since(start)
	c.metrics.Latency.Observe(elapsed)
	sm.Latency.Observe(elapsed)
	if err != nil {
		c.metrics.RequestsErrors.Add(1)
		sm.Errors.Add(1)
		c.logger.Debug("request failed",
			slog.String("service", svc.String()),
			slog.Any("error", err))
		return nil, err
	}
	c.metrics.RequestsSuccess.Add(1)
	c.lastActivity.Store(time.Now().UnixNano())
	return resp, nil
}

// Read reads attributes of one or more nodes.
func (c *Client) Read(ctx context.Context, nodesToRead []opcua.ReadValueID) ([]opcua.DataValue, error) {
	req := &opcua.ReadRequest{
		TimestampsToReturn: opcua.TimestampsToReturnBoth,
		NodesToRead:        nodesToRead,
	}
	msg, err := c.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*opcua.ReadResponse)
	if !ok {
		return nil, fmt.Errorf("%w: read answered with %T", opcua.ErrMalformedMessage, msg)
	}
	return resp.Results, nil
}

// ReadValue reads the Value attribute of a node.
func (c *Client) ReadValue(ctx context.Context, nodeID opcua.NodeID) (*opcua.DataValue, error) {
	results, err := c.Read(ctx, []opcua.ReadValueID{{NodeID: nodeID, AttributeID: opcua.AttributeValue}})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: empty read result", opcua.ErrMalformedMessage)
	}
	return &results[0], nil
}

// Write writes attributes of one or more nodes.
func (c *Client) Write(ctx context.Context, nodesToWrite []opcua.WriteValue) ([]opcua.StatusCode, error) {
	msg, err := c.Send(ctx, &opcua.WriteRequest{NodesToWrite: nodesToWrite})
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*opcua.WriteResponse)
	if !ok {
		return nil, fmt.Errorf("%w: write answered with %T", opcua.ErrMalformedMessage, msg)
	}
	return resp.Results, nil
}

// WriteValue writes the Value attribute of a node.
func (c *Client) WriteValue(ctx context.Context, nodeID opcua.NodeID, value *opcua.Variant) error {
	results, err := c.Write(ctx, []opcua.WriteValue{{
		NodeID:      nodeID,
		AttributeID: opcua.AttributeValue,
		Value:       opcua.DataValue{Value: value},
	}})
	if err != nil {
		return err
	}
	if len(results) > 0 && results[0].IsBad() {
		return results[0]
	}
	return nil
}

// Session returns the current session, or nil.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Channel returns the current secure channel, or nil.
func (c *Client) Channel() *uasc.SecureChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Metrics returns the client metrics.
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// Endpoint returns the endpoint URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Close closes the session and the secure channel. Subscriptions are
// deleted with the session.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ch, s := c.ch, c.session
	wasActive := c.state == StateSessionActive
	c.state = StateClosed
	c.session = nil
	c.mu.Unlock()

	c.logger.Debug("closing client")
	if wasActive {
		c.metrics.ActiveSessions.Add(-1)
	}

	c.engine.stop()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.timeout)
	defer cancel()

	var err error
	if ch != nil && s != nil && ch.State() == uasc.StateOpen {
		_, err = c.sendOn(ctx, ch, s, &opcua.CloseSessionRequest{DeleteSubscriptions: true})
		if c.opts.onSessionClosed != nil {
			c.opts.onSessionClosed(err)
		}
	}
	if ch != nil {
		err = errors.Join(err, ch.Close(ctx))
	}
	c.cancel()
	c.wg.Wait()
	c.engine.closeAll()
	return err
}

// watch waits for ch to go down and starts a reconnect when configured.
func (c *Client) watch(ch *uasc.SecureChannel) {
	defer c.wg.Done()

	select {
	case <-ch.Done():
	case <-c.ctx.Done():
		return
	}

	c.mu.Lock()
	if c.closed || c.ch != ch {
		c.mu.Unlock()
		return
	}
	if c.state == StateSessionActive {
		c.metrics.ActiveSessions.Add(-1)
	}
	c.state = StateDisconnected
	c.mu.Unlock()

	c.engine.pause()

	err := ch.Err()
	if err == nil {
		err = opcua.ErrChannelClosed
	}
	c.logger.Warn("disconnected", slog.Any("error", err))
	if c.opts.onDisconnect != nil {
		c.opts.onDisconnect(err)
	}

	if c.opts.autoReconnect {
		if err := c.reconnect(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("reconnection abandoned", slog.Any("error", err))
		}
	}
}

// Reconnect replaces the secure channel and restores the session and its
// subscriptions. The client must not be closed.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	old := c.ch
	if c.state == StateSessionActive {
		c.metrics.ActiveSessions.Add(-1)
	}
	c.state = StateReconnecting
	c.ch = nil
	c.mu.Unlock()

	c.engine.pause()
	if old != nil {
		old.Close(ctx)
	}
	return c.resume(ctx)
}

func (c *Client) reconnect(ctx context.Context) error {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return nil
	}
	defer c.reconnecting.Store(false)

	backoff := c.opts.reconnectBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.setState(StateReconnecting)
		c.logger.Info("attempting reconnection", slog.Duration("backoff", backoff))
		c.metrics.Reconnections.Add(1)

		err := c.resume(ctx)
		if err == nil {
			c.logger.Info("reconnected")
			return nil
		}
		if errors.Is(err, ErrClientClosed) {
			return err
		}
		c.logger.Debug("reconnection failed", slog.Any("error", err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.opts.maxReconnectTime)
	}
}

// resume dials a new channel and moves the session onto it. A session the
// server no longer knows is replaced by a new one.
func (c *Client) resume(ctx context.Context) error {
	ch, err := c.dialChannel(ctx)
	if err != nil {
		return err
	}

	s := c.Session()
	fresh := false
	if s != nil {
		if err = c.activateSession(ctx, ch, s); err != nil && opcua.IsSessionInvalid(err) {
			c.logger.Info("session lost, creating a new one",
				slog.String("session_id", s.ID.String()),
				slog.Any("error", err))
			s = nil
		}
	}
	if s == nil {
		fresh = true
		if s, err = c.createSession(ctx, ch); err == nil {
			err = c.activateSession(ctx, ch, s)
		}
	}
	if err != nil {
		ch.Close(ctx)
		return err
	}

	if err := c.install(ch, s); err != nil {
		return err
	}
	if fresh && c.opts.onSessionActivated != nil {
		c.opts.onSessionActivated()
	}
	if c.opts.onConnect != nil {
		c.opts.onConnect()
	}
	return c.engine.restore(ctx)
}
