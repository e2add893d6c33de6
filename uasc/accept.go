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

package uasc

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	opcua "github.com/edgeo-scada/opcua-uasc"
	"github.com/edgeo-scada/opcua-uasc/internal/chunk"
	"github.com/edgeo-scada/opcua-uasc/internal/transport"
)

// RequestHandler receives the service requests arriving on a server
// channel and answers them with SendResponse or SendFault. It runs on the
// read loop; work that may block must move to another goroutine.
type RequestHandler func(ch *SecureChannel, requestID uint32, req opcua.Request)

// EndpointSecurity is a policy and mode combination a server accepts.
type EndpointSecurity struct {
	Policy opcua.SecurityPolicy
	Mode   opcua.MessageSecurityMode
}

// ServerConfig configures the server end of secure channels. The embedded
// SecurityPolicy and SecurityMode are ignored; Endpoints lists what
// clients may choose.
type ServerConfig struct {
	Config

	// Endpoints lists the accepted security. Empty means None only.
	Endpoints []EndpointSecurity
	// AcceptEndpoint, when set, rejects Hello messages for other URLs.
	AcceptEndpoint func(endpointURL string) bool
	// ValidateCertificate, when set, vets client certificates.
	ValidateCertificate func(der []byte) error
}

// Validate checks the configuration and fills in defaults.
func (c *ServerConfig) Validate() error {
	c.SecurityPolicy = opcua.SecurityPolicyNone
	c.SecurityMode = opcua.MessageSecurityModeNone
	if err := c.Config.Validate(); err != nil {
		return err
	}
	if len(c.Endpoints) == 0 {
		c.Endpoints = []EndpointSecurity{{Policy: opcua.SecurityPolicyNone, Mode: opcua.MessageSecurityModeNone}}
	}
	for _, e := range c.Endpoints {
		p, err := PolicyFor(e.Policy)
		if err != nil {
			return err
		}
		if p.IsNone() != (e.Mode == opcua.MessageSecurityModeNone) {
			return fmt.Errorf("%w: %s with mode %s", opcua.ErrSecurityPolicyNotSupported, p.URI.ShortName(), e.Mode)
		}
		if p.IsNone() {
			continue
		}
		if len(c.Certificate) == 0 || c.PrivateKey == nil {
			return fmt.Errorf("%w: endpoint %s", opcua.ErrCertificateRequired, p.URI.ShortName())
		}
		if err := p.CheckKey(&c.PrivateKey.PublicKey); err != nil {
			return err
		}
	}
	return nil
}

func (c *ServerConfig) allows(policy opcua.SecurityPolicy, mode opcua.MessageSecurityMode) bool {
	for _, e := range c.Endpoints {
		if e.Policy == policy && (mode == opcua.MessageSecurityModeInvalid || e.Mode == mode) {
			return true
		}
	}
	return false
}

var lastChannelID atomic.Uint32

func init() {
	lastChannelID.Store(rand.Uint32() >> 8)
}

func nextChannelID() uint32 {
	for {
		if id := lastChannelID.Add(1); id != 0 {
			return id
		}
	}
}

// Accept runs the server side of the handshake on conn and returns once
// the client has been issued its first security token.
func Accept(ctx context.Context, conn *transport.Conn, cfg *ServerConfig, handler RequestHandler, handlers ...StateChangeHandler) (*SecureChannel, error) {
	c := *cfg
	cfg = &c
	if err := cfg.Validate(); err != nil {
		conn.Close()
		return nil, err
	}

	sec := &security{localCert: cfg.Certificate, localKey: cfg.PrivateKey}
	if len(cfg.Certificate) > 0 {
		sec.localThumb = Thumbprint(cfg.Certificate)
	}
	ch := newChannel(conn, &cfg.Config, roleServer, sec, handlers...)
	ch.server = cfg
	ch.handler = handler

	if err := ch.acceptHello(ctx); err != nil {
		ch.sendError(err)
		conn.Close()
		return nil, err
	}

	ch.state.set(StateNegotiating)
	ch.start()

	wctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()
	st, err := ch.state.WaitState(wctx, StateOpen, StateFaulted, StateClosed)
	if err != nil {
		ch.closing.Store(true)
		ch.fail(err)
		<-ch.done
		return nil, fmt.Errorf("uasc: waiting for OpenSecureChannel: %w", err)
	}
	if st != StateOpen {
		<-ch.done
		return nil, ch.Err()
	}

	ch.logger.Info("secure channel opened",
		slog.Uint64("channel_id", uint64(ch.ChannelID())),
		slog.String("policy", ch.sec.policy.URI.ShortName()),
		slog.String("mode", ch.sec.mode.String()))
	return ch, nil
}

func (ch *SecureChannel) acceptHello(ctx context.Context) error {
	ch.setHandshakeDeadline(ctx)
	defer ch.conn.SetReadDeadline(time.Time{})

	b, h, err := ch.conn.ReadChunk(ch.recvLimits)
	if err != nil {
		return err
	}
	ch.trace("recv", b)
	if h.MessageType != chunk.MessageTypeHello {
		return fmt.Errorf("%w: %w: expected HEL, got %s", opcua.ErrMalformedMessage, opcua.StatusBadTCPMessageTypeInvalid, h.MessageType)
	}

	var hel chunk.Hello
	if err := hel.Decode(b[chunk.HeaderSize:]); err != nil {
		return err
	}
	if hel.ReceiveBufferSize < chunk.MinBufferSize || hel.SendBufferSize < chunk.MinBufferSize {
		return fmt.Errorf("%w: %w: buffer sizes %d/%d", opcua.ErrMalformedMessage,
			opcua.StatusBadTCPNotEnoughResources, hel.ReceiveBufferSize, hel.SendBufferSize)
	}
	if ch.server.AcceptEndpoint != nil && !ch.server.AcceptEndpoint(hel.EndpointURL) {
		return fmt.Errorf("%w: %s", opcua.StatusBadTCPEndpointURLInvalid, hel.EndpointURL)
	}
	ch.endpoint = hel.EndpointURL

	ack := hel.Revise(chunk.Acknowledge{
		ProtocolVersion:   opcua.ProtocolVersion,
		ReceiveBufferSize: ch.cfg.ReceiveBufferSize,
		SendBufferSize:    ch.cfg.SendBufferSize,
		MaxMessageSize:    ch.cfg.MaxMessageSize,
		MaxChunkCount:     ch.cfg.MaxChunkCount,
	})
	ch.recvLimits.MaxChunkSize = ack.ReceiveBufferSize
	ch.sendLimits = chunk.Limits{
		MaxChunkSize:   ack.SendBufferSize,
		MaxMessageSize: hel.MaxMessageSize,
		MaxChunkCount:  hel.MaxChunkCount,
	}

	ch.logger.Debug("received hello",
		slog.String("endpoint", hel.EndpointURL),
		slog.Uint64("receive_buffer", uint64(ack.ReceiveBufferSize)),
		slog.Uint64("send_buffer", uint64(ack.SendBufferSize)))
	return ch.write(chunk.Frame(chunk.MessageTypeAcknowledge, ack.Encode()))
}

// adoptSecurity takes the policy and client certificate from the first
// open chunk.
func (ch *SecureChannel) adoptSecurity(h *chunk.AsymmetricSecurityHeader) error {
	uri := opcua.SecurityPolicy(h.SecurityPolicyURI)
	p, err := PolicyFor(uri)
	if err != nil || !ch.server.allows(uri, opcua.MessageSecurityModeInvalid) {
		return fmt.Errorf("%w: %w: policy %s", opcua.ErrSecurityChecksFailed, opcua.StatusBadSecurityPolicyRejected, uri)
	}
	ch.sec.policy = p
	if p.IsNone() {
		return nil
	}
	if len(h.SenderCertificate) == 0 {
		return fmt.Errorf("%w: %w: no client certificate", opcua.ErrSecurityChecksFailed, opcua.StatusBadCertificateInvalid)
	}
	if v := ch.server.ValidateCertificate; v != nil {
		if err := v(h.SenderCertificate); err != nil {
			return fmt.Errorf("%w: %w: %v", opcua.ErrSecurityChecksFailed, opcua.StatusBadCertificateUntrusted, err)
		}
	}
	if err := ch.sec.setRemote(h.SenderCertificate); err != nil {
		return fmt.Errorf("%w: %w", opcua.StatusBadCertificateInvalid, err)
	}
	return nil
}

func (ch *SecureChannel) serverMessage(t chunk.MessageType, requestID uint32, msg opcua.Message) error {
	switch t {
	case chunk.MessageTypeOpenChannel:
		req, ok := msg.(*opcua.OpenSecureChannelRequest)
		if !ok {
			return fmt.Errorf("%w: %T in an open chunk", opcua.ErrMalformedMessage, msg)
		}
		return ch.serveOpen(requestID, req)
	case chunk.MessageTypeCloseChannel:
		ch.logger.Debug("client closed secure channel", slog.Uint64("channel_id", uint64(ch.ChannelID())))
		return errClosedByPeer
	}

	req, ok := msg.(opcua.Request)
	if !ok {
		return ch.SendFault(requestID, nil, opcua.StatusBadServiceUnsupported)
	}
	if ch.handler == nil {
		return ch.SendFault(requestID, req, opcua.StatusBadServiceUnsupported)
	}
	ch.handler(ch, requestID, req)
	return nil
}

// serveOpen issues or renews a token. The new token is accepted for
// received chunks at once but secures outbound chunks only after the
// response is on the wire, because the client cannot read it before.
func (ch *SecureChannel) serveOpen(requestID uint32, req *opcua.OpenSecureChannelRequest) error {
	cur := ch.tokens.currentToken()
	switch req.RequestType {
	case opcua.SecurityTokenRequestTypeIssue:
		if cur != nil {
			return fmt.Errorf("%w: %w: issue on an open channel", opcua.ErrSecurityChecksFailed, opcua.StatusBadRequestTypeInvalid)
		}
		if !ch.server.allows(ch.sec.policy.URI, req.SecurityMode) {
			return fmt.Errorf("%w: %w: %s with %s", opcua.ErrSecurityChecksFailed,
				opcua.StatusBadSecurityModeRejected, ch.sec.policy.URI.ShortName(), req.SecurityMode)
		}
		ch.sec.mode = req.SecurityMode
		ch.channelID.Store(nextChannelID())
	case opcua.SecurityTokenRequestTypeRenew:
		if cur == nil {
			return fmt.Errorf("%w: %w: renew before issue", opcua.ErrSecurityChecksFailed, opcua.StatusBadRequestTypeInvalid)
		}
		if req.SecurityMode != ch.sec.mode {
			return fmt.Errorf("%w: %w: mode changed on renew", opcua.ErrSecurityChecksFailed, opcua.StatusBadSecurityModeRejected)
		}
	default:
		return fmt.Errorf("%w: %w: request type %d", opcua.ErrMalformedMessage, opcua.StatusBadRequestTypeInvalid, req.RequestType)
	}

	serverNonce, err := ch.sec.policy.NewNonce()
	if err != nil {
		return err
	}
	lifetime := ch.reviseLifetime(req.RequestedLifetime)

	ch.mu.Lock()
	ch.nextTokenID++
	if ch.nextTokenID == 0 {
		ch.nextTokenID = 1
	}
	tokenID := ch.nextTokenID
	ch.mu.Unlock()

	now := time.Now()
	st := opcua.ChannelSecurityToken{
		ChannelID:       ch.ChannelID(),
		TokenID:         tokenID,
		CreatedAt:       now.UTC(),
		RevisedLifetime: uint32(lifetime.Milliseconds()),
	}
	tok, err := ch.newToken(st, req.ClientNonce, serverNonce)
	if err != nil {
		return err
	}
	ch.tokens.install(tok, now)
	ch.armExpiry(tok)

	resp := &opcua.OpenSecureChannelResponse{
		ResponseHeader:        opcua.NewResponseHeader(req, opcua.StatusGood),
		ServerProtocolVersion: opcua.ProtocolVersion,
		SecurityToken:         st,
		ServerNonce:           serverNonce,
	}
	body, err := ch.reg.Encode(resp)
	if err != nil {
		return err
	}

	issue := req.RequestType == opcua.SecurityTokenRequestTypeIssue
	return ch.enqueue(ch.gctx, &outbound{
		msgType:   chunk.MessageTypeOpenChannel,
		requestID: requestID,
		body:      body,
		written: func() {
			ch.tokens.setSend(tok)
			if issue {
				ch.state.transition(StateOpen, StateNegotiating)
				return
			}
			ch.stats.Renewals.Add(1)
			ch.logger.Debug("security token renewed",
				slog.Uint64("channel_id", uint64(st.ChannelID)),
				slog.Uint64("token_id", uint64(tokenID)))
		},
	})
}

func (ch *SecureChannel) reviseLifetime(requestedMs uint32) time.Duration {
	d := time.Duration(requestedMs) * time.Millisecond
	if d <= 0 || d > ch.cfg.Lifetime {
		d = ch.cfg.Lifetime
	}
	return max(d, minTokenLifetime)
}

// SendResponse answers the request identified by requestID. A response the
// client announced it cannot receive is replaced by a BadResponseTooLarge
// fault.
func (ch *SecureChannel) SendResponse(requestID uint32, resp opcua.Message) error {
	body, err := ch.reg.Encode(resp)
	if err != nil {
		return err
	}
	if err := ch.checkSendLimits(chunk.MessageTypeMessage, body); err != nil {
		ch.logger.Warn("response too large",
			slog.Uint64("request_id", uint64(requestID)),
			slog.String("error", err.Error()))
		fault := &opcua.ServiceFault{ResponseHeader: opcua.NewResponseHeader(nil, opcua.StatusBadResponseTooLarge)}
		if r, ok := resp.(opcua.Response); ok {
			fault.RequestHandle = r.Header().RequestHandle
		}
		if body, err = ch.reg.Encode(fault); err != nil {
			return err
		}
	}
	return ch.enqueue(ch.gctx, &outbound{msgType: chunk.MessageTypeMessage, requestID: requestID, body: body})
}

// SendFault answers req with a ServiceFault carrying status.
func (ch *SecureChannel) SendFault(requestID uint32, req opcua.Request, status opcua.StatusCode) error {
	return ch.SendResponse(requestID, &opcua.ServiceFault{ResponseHeader: opcua.NewResponseHeader(req, status)})
}
