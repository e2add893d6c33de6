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
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	opcua "github.com/edgeo-scada/opcua-uasc"
	"github.com/edgeo-scada/opcua-uasc/uasc"
)

const sessionNonceLength = 32

// Session is the server-side session the client is bound to. Its id and
// authentication token stay valid across secure channel replacements.
type Session struct {
	ID                    opcua.NodeID
	AuthenticationToken   opcua.NodeID
	Timeout               time.Duration
	ServerCertificate     []byte
	Endpoints             []opcua.EndpointDescription
	MaxRequestMessageSize uint32

	mu          sync.Mutex
	serverNonce []byte
}

// ServerNonce returns the nonce of the last CreateSession or
// ActivateSession response.
func (s *Session) ServerNonce() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverNonce
}

func (s *Session) setServerNonce(n []byte) {
	s.mu.Lock()
	s.serverNonce = n
	s.mu.Unlock()
}

func (c *Client) applicationDescription() opcua.ApplicationDescription {
	return opcua.ApplicationDescription{
		ApplicationURI:  c.opts.applicationURI,
		ProductURI:      c.opts.productURI,
		ApplicationName: opcua.LocalizedText{Text: c.opts.applicationName},
		ApplicationType: opcua.ApplicationTypeClient,
	}
}

func (c *Client) sessionName() string {
	if c.opts.sessionName != "" {
		return c.opts.sessionName
	}
	return "session-" + uuid.NewString()
}

// createSession creates a session over ch and verifies the server's proof
// of possession of its certificate.
func (c *Client) createSession(ctx context.Context, ch *uasc.SecureChannel) (*Session, error) {
	c.logger.Debug("creating session", slog.String("name", c.opts.sessionName))

	nonce := make([]byte, sessionNonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("client nonce: %w", err)
	}

	req := &opcua.CreateSessionRequest{
		ClientDescription:       c.applicationDescription(),
		EndpointURL:             c.endpoint,
		SessionName:             c.sessionName(),
		ClientNonce:             nonce,
		ClientCertificate:       ch.LocalCertificate(),
		RequestedSessionTimeout: float64(c.opts.sessionTimeout.Milliseconds()),
	}
	msg, err := c.sendOn(ctx, ch, nil, req)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	resp, ok := msg.(*opcua.CreateSessionResponse)
	if !ok {
		return nil, fmt.Errorf("%w: create session answered with %T", opcua.ErrMalformedMessage, msg)
	}

	p := ch.SecurityPolicy()
	serverCert := resp.ServerCertificate
	if !p.IsNone() {
		remote := ch.RemoteCertificate()
		if len(serverCert) == 0 {
			serverCert = remote
		} else if !bytes.Equal(serverCert, remote) {
			return nil, fmt.Errorf("%w: session certificate differs from channel certificate", opcua.ErrSecurityChecksFailed)
		}
		if err := p.VerifySignature(serverCert, concat(ch.LocalCertificate(), nonce), resp.ServerSignature); err != nil {
			return nil, fmt.Errorf("server signature: %w", err)
		}
	}

	s := &Session{
		ID:                    resp.SessionID,
		AuthenticationToken:   resp.AuthenticationToken,
		Timeout:               time.Duration(resp.RevisedSessionTimeout * float64(time.Millisecond)),
		ServerCertificate:     serverCert,
		Endpoints:             resp.ServerEndpoints,
		MaxRequestMessageSize: resp.MaxRequestMessageSize,
		serverNonce:           resp.ServerNonce,
	}
	c.logger.Debug("session created",
		slog.String("session_id", s.ID.String()),
		slog.Duration("timeout", s.Timeout))
	return s, nil
}

// activateSession binds s to ch with the configured identity. It is also
// how a session moves to a new channel after a reconnect.
func (c *Client) activateSession(ctx context.Context, ch *uasc.SecureChannel, s *Session) error {
	p := ch.SecurityPolicy()
	serverCert := s.ServerCertificate
	if len(serverCert) == 0 {
		serverCert = ch.RemoteCertificate()
	}
	nonce := s.ServerNonce()

	var clientSig opcua.SignatureData
	if !p.IsNone() {
		var err error
		if clientSig, err = p.Sign(ch.PrivateKey(), concat(serverCert, nonce)); err != nil {
			return fmt.Errorf("client signature: %w", err)
		}
	}

	tc, err := c.tokenContext(ch, s, serverCert, nonce)
	if err != nil {
		return err
	}
	tok, tokSig, err := c.opts.identity.token(tc)
	if err != nil {
		return err
	}

	req := &opcua.ActivateSessionRequest{
		ClientSignature:    clientSig,
		LocaleIDs:          []string{"en"},
		UserIdentityToken:  tok,
		UserTokenSignature: tokSig,
	}
	msg, err := c.sendOn(ctx, ch, s, req)
	if err != nil {
		return fmt.Errorf("activate session: %w", err)
	}
	resp, ok := msg.(*opcua.ActivateSessionResponse)
	if !ok {
		return fmt.Errorf("%w: activate session answered with %T", opcua.ErrMalformedMessage, msg)
	}
	s.setServerNonce(resp.ServerNonce)

	c.logger.Debug("session activated",
		slog.String("session_id", s.ID.String()),
		slog.Uint64("channel_id", uint64(ch.ChannelID())))
	return nil
}

// tokenContext picks the user token policy of the endpoint matching the
// channel's security settings.
func (c *Client) tokenContext(ch *uasc.SecureChannel, s *Session, serverCert, nonce []byte) (*tokenContext, error) {
	want := c.opts.identity.TokenType()
	tc := &tokenContext{
		policyID:    defaultPolicyID(want),
		policy:      ch.SecurityPolicy(),
		serverCert:  serverCert,
		serverNonce: nonce,
	}

	utp, ok := findUserTokenPolicy(s.Endpoints, ch.SecurityPolicy().URI, ch.SecurityMode(), want)
	if !ok {
		return tc, nil
	}
	tc.policyID = utp.PolicyID
	if utp.SecurityPolicyURI != "" {
		p, err := uasc.PolicyFor(opcua.SecurityPolicy(utp.SecurityPolicyURI))
		if err != nil {
			return nil, err
		}
		tc.policy = p
	}
	return tc, nil
}

// findUserTokenPolicy prefers the endpoint with the channel's policy and
// mode and falls back to any endpoint offering the token type.
func findUserTokenPolicy(eps []opcua.EndpointDescription, policy opcua.SecurityPolicy, mode opcua.MessageSecurityMode, t opcua.UserTokenType) (opcua.UserTokenPolicy, bool) {
	for i := range eps {
		if eps[i].SecurityPolicyURI == string(policy) && eps[i].SecurityMode == mode {
			if utp, ok := eps[i].FindUserTokenPolicy(t); ok {
				return utp, true
			}
		}
	}
	for i := range eps {
		if utp, ok := eps[i].FindUserTokenPolicy(t); ok {
			return utp, true
		}
	}
	return opcua.UserTokenPolicy{}, false
}

// CloseSession closes the session. With deleteSubscriptions the server
// drops the session's subscriptions and the client forgets them too.
func (c *Client) CloseSession(ctx context.Context, deleteSubscriptions bool) error {
	c.mu.Lock()
	ch, s := c.ch, c.session
	if s == nil {
		c.mu.Unlock()
		return opcua.ErrSessionNotActivated
	}
	c.session = nil
	if c.state == StateSessionActive {
		c.state = StateConnected
		c.metrics.ActiveSessions.Add(-1)
	}
	c.mu.Unlock()

	if deleteSubscriptions {
		c.engine.closeAll()
	}
	_, err := c.sendOn(ctx, ch, s, &opcua.CloseSessionRequest{DeleteSubscriptions: deleteSubscriptions})

	c.logger.Info("session closed", slog.String("session_id", s.ID.String()))
	if c.opts.onSessionClosed != nil {
		c.opts.onSessionClosed(err)
	}
	return err
}

// keepAlive reads the server state whenever the session saw no traffic for
// half its timeout.
func (c *Client) keepAlive(ctx context.Context) {
	defer c.wg.Done()

	interval := c.keepAliveInterval()
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if c.State() != StateSessionActive {
			continue
		}
		if time.Since(time.Unix(0, c.lastActivity.Load())) < interval {
			continue
		}
		if _, err := c.ReadValue(ctx, opcua.ServerStateNodeID); err != nil {
			c.logger.Debug("session keep-alive failed", slog.Any("error", err))
		}
	}
}

func (c *Client) keepAliveInterval() time.Duration {
	timeout := c.opts.sessionTimeout
	c.mu.Lock()
	if c.session != nil && c.session.Timeout > 0 {
		timeout = c.session.Timeout
	}
	c.mu.Unlock()
	return max(timeout/2, time.Second)
}
