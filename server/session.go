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

package server

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	opcua "github.com/edgeo-scada/opcua-uasc"
	"github.com/edgeo-scada/opcua-uasc/uasc"
)

const sessionNonceLength = 32

// session is a server-side session. It is bound to the secure channel it
// was last activated on. Its publish queue and subscriptions are guarded
// by the publisher lock.
type session struct {
	id         opcua.NodeID
	token      opcua.NodeID
	name       string
	timeout    time.Duration
	clientCert []byte

	channelID atomic.Uint32
	lastSeen  atomic.Int64

	mu        sync.Mutex
	activated bool
	nonce     []byte
	user      string

	queue []*publishRequest
	subs  map[uint32]*subscription
}

func (s *session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *session) expired(now time.Time) bool {
	return now.Sub(time.Unix(0, s.lastSeen.Load())) > s.timeout
}

func (s *session) logAttrs() slog.Attr {
	return slog.Group("session",
		slog.String("id", s.id.String()),
		slog.String("name", s.name))
}

// sessionManager keeps sessions keyed by authentication token.
type sessionManager struct {
	srv      *Server
	sessions *xsync.MapOf[string, *session]
	count    atomic.Int32
}

func newSessionManager(srv *Server) *sessionManager {
	return &sessionManager{srv: srv, sessions: xsync.NewMapOf[string, *session]()}
}

func newNonce() ([]byte, error) {
	n := make([]byte, sessionNonceLength)
	if _, err := rand.Read(n); err != nil {
		return nil, err
	}
	return n, nil
}

func (m *sessionManager) create(ch *uasc.SecureChannel, req *opcua.CreateSessionRequest) (*opcua.CreateSessionResponse, error) {
	opts := m.srv.opts
	if int(m.count.Load()) >= opts.maxSessions {
		return nil, opcua.StatusBadTooManySessions
	}

	p := ch.SecurityPolicy()
	if !p.IsNone() && !bytes.Equal(req.ClientCertificate, ch.RemoteCertificate()) {
		return nil, opcua.StatusBadCertificateInvalid
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, opcua.StatusBadInternalError
	}
	var sig opcua.SignatureData
	if !p.IsNone() {
		if sig, err = p.Sign(ch.PrivateKey(), concat(req.ClientCertificate, req.ClientNonce)); err != nil {
			return nil, fmt.Errorf("%w: %w", opcua.StatusBadInternalError, err)
		}
	}

	timeout := time.Duration(req.RequestedSessionTimeout * float64(time.Millisecond))
	timeout = min(max(timeout, opts.minSessionTimeout), opts.maxSessionTimeout)

	s := &session{
		id:         opcua.NewGUIDNodeID(1, uuid.New()),
		token:      opcua.NewGUIDNodeID(1, uuid.New()),
		name:       req.SessionName,
		timeout:    timeout,
		clientCert: req.ClientCertificate,
		nonce:      nonce,
		subs:       make(map[uint32]*subscription),
	}
	s.channelID.Store(ch.ChannelID())
	s.touch()

	m.sessions.Store(s.token.Key(), s)
	m.count.Add(1)
	m.srv.metrics.ActiveSessions.Add(1)

	m.srv.logger.Info("session created", s.logAttrs(),
		slog.Uint64("channel_id", uint64(ch.ChannelID())),
		slog.Duration("timeout", timeout))

	return &opcua.CreateSessionResponse{
		ResponseHeader:        opcua.NewResponseHeader(req, opcua.StatusGood),
		SessionID:             s.id,
		AuthenticationToken:   s.token,
		RevisedSessionTimeout: float64(timeout.Milliseconds()),
		ServerNonce:           nonce,
		ServerCertificate:     m.srv.cert,
		ServerEndpoints:       m.srv.Endpoints(),
		ServerSignature:       sig,
		MaxRequestMessageSize: opcua.DefaultMaxMessageSize,
	}, nil
}

func (m *sessionManager) activate(ch *uasc.SecureChannel, req *opcua.ActivateSessionRequest) (*opcua.ActivateSessionResponse, error) {
	s, ok := m.sessions.Load(req.AuthenticationToken.Key())
	if !ok {
		return nil, opcua.StatusBadSessionIDInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := ch.SecurityPolicy()
	if !p.IsNone() {
		if !bytes.Equal(s.clientCert, ch.RemoteCertificate()) {
			return nil, opcua.StatusBadApplicationSignatureInvalid
		}
		if err := p.VerifySignature(ch.RemoteCertificate(), concat(m.srv.cert, s.nonce), req.ClientSignature); err != nil {
			return nil, opcua.StatusBadApplicationSignatureInvalid
		}
	}

	user, err := m.srv.identify(ch, s.nonce, req.UserIdentityToken, req.UserTokenSignature)
	if err != nil {
		m.srv.logger.Warn("identity rejected", s.logAttrs(), slog.Any("error", err))
		return nil, err
	}
	if s.activated && s.channelID.Load() != ch.ChannelID() && s.user != user {
		return nil, opcua.StatusBadIdentityTokenRejected
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, opcua.StatusBadInternalError
	}
	prev := s.channelID.Swap(ch.ChannelID())
	s.nonce = nonce
	s.user = user
	s.activated = true
	s.touch()

	m.srv.logger.Info("session activated", s.logAttrs(),
		slog.String("user", user),
		slog.Uint64("channel_id", uint64(ch.ChannelID())),
		slog.Bool("rebound", prev != ch.ChannelID()))

	return &opcua.ActivateSessionResponse{
		ResponseHeader: opcua.NewResponseHeader(req, opcua.StatusGood),
		ServerNonce:    nonce,
	}, nil
}

// lookup finds the activated session of a request and checks it arrived
// on the channel the session is bound to.
func (m *sessionManager) lookup(ch *uasc.SecureChannel, token opcua.NodeID) (*session, error) {
	s, ok := m.sessions.Load(token.Key())
	if !ok {
		return nil, opcua.StatusBadSessionIDInvalid
	}
	if s.channelID.Load() != ch.ChannelID() {
		return nil, opcua.StatusBadSecureChannelIDInvalid
	}
	s.mu.Lock()
	activated := s.activated
	s.mu.Unlock()
	if !activated {
		return nil, opcua.StatusBadSessionNotActivated
	}
	s.touch()
	return s, nil
}

// close removes s. Its subscriptions are deleted or left for another
// session to take over.
func (m *sessionManager) close(s *session, deleteSubscriptions bool, reason string) bool {
	removed := false
	m.sessions.Compute(s.token.Key(), func(cur *session, loaded bool) (*session, bool) {
		removed = loaded && cur == s
		return cur, removed || !loaded
	})
	if !removed {
		return false
	}
	m.count.Add(-1)
	m.srv.metrics.ActiveSessions.Add(-1)
	m.srv.publisher.sessionClosed(s, deleteSubscriptions)
	m.srv.logger.Info("session closed", s.logAttrs(),
		slog.String("reason", reason),
		slog.Bool("delete_subscriptions", deleteSubscriptions))
	return true
}

// sweep closes sessions idle past their timeout.
func (m *sessionManager) sweep(now time.Time) {
	m.sessions.Range(func(_ string, s *session) bool {
		if s.expired(now) && m.close(s, true, "expired") {
			m.srv.metrics.SessionsExpired.Add(1)
		}
		return true
	})
}

func (m *sessionManager) closeAll() {
	m.sessions.Range(func(_ string, s *session) bool {
		m.close(s, true, "shutdown")
		return true
	})
}

func concat(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	return append(append(out, a...), b...)
}
