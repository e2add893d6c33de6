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

// Package uasc implements the OPC UA secure conversation layer: the
// Hello/Acknowledge handshake, security token issue and renewal, chunk
// signing and encryption, and request/response correlation over one TCP
// connection.
package uasc

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	opcua "github.com/edgeo-scada/opcua-uasc"
	"github.com/edgeo-scada/opcua-uasc/internal/chunk"
	"github.com/edgeo-scada/opcua-uasc/internal/dispatch"
	"github.com/edgeo-scada/opcua-uasc/internal/transport"
)

type role int

const (
	roleClient role = iota
	roleServer
)

func (r role) String() string {
	if r == roleServer {
		return "server"
	}
	return "client"
}

// errClosedByPeer ends the read loop when the peer closed the channel
// deliberately.
var errClosedByPeer = errors.New("uasc: closed by peer")

// outbound is one message queued for the writer.
type outbound struct {
	msgType   chunk.MessageType
	requestID uint32
	body      []byte
	// written runs on the writer once every chunk is on the wire.
	written func()
	// errc receives the write result when set.
	errc chan error
}

type openRequest struct {
	requestID uint32
	nonce     []byte
}

// SecureChannel is one end of an OPC UA secure channel.
type SecureChannel struct {
	cfg      *Config
	server   *ServerConfig
	role     role
	conn     *transport.Conn
	sec      *security
	logger   *slog.Logger
	reg      *opcua.Registry
	stats    *Stats
	handler  RequestHandler
	endpoint string

	channelID atomic.Uint32
	tokens    *tokenRing
	state     *stateMgr
	disp      *dispatch.Dispatcher
	seq       *chunk.SequenceNumber

	// owned by the read loop
	recvSeq    *chunk.SequenceValidator
	asm        *chunk.Assembler
	recvLimits chunk.Limits

	sendLimits chunk.Limits
	out        chan *outbound

	mu          sync.Mutex
	opn         *openRequest
	nextTokenID uint32
	renewTimer  *time.Timer
	expiryTimer *time.Timer

	ctx     context.Context
	cancel  context.CancelCauseFunc
	gctx    context.Context
	closing atomic.Bool
	done    chan struct{}
	err     error
}

func newChannel(conn *transport.Conn, cfg *Config, r role, sec *security, handlers ...StateChangeHandler) *SecureChannel {
	ctx, cancel := context.WithCancelCause(context.Background())
	ch := &SecureChannel{
		cfg:        cfg,
		role:       r,
		conn:       conn,
		sec:        sec,
		logger:     cfg.Logger.With(slog.String("role", r.String()), slog.String("remote", conn.RemoteAddr().String())),
		reg:        cfg.Registry,
		stats:      cfg.Stats,
		tokens:     newTokenRing(cfg.TokenGracePeriod),
		state:      newStateMgr(handlers...),
		disp:       dispatch.New(cfg.Logger),
		seq:        chunk.NewSequenceNumber(cfg.LegacySequenceNumbers),
		recvSeq:    chunk.NewSequenceValidator(cfg.LegacySequenceNumbers),
		asm:        chunk.NewAssembler(cfg.localLimits()),
		recvLimits: cfg.localLimits(),
		out:        make(chan *outbound, cfg.OutboundQueue),
		ctx:        ctx,
		cancel:     cancel,
		gctx:       ctx,
		done:       make(chan struct{}),
	}
	return ch
}

// Dial connects to endpointURL, performs the Hello/Acknowledge handshake
// and opens a secure channel with a freshly issued token.
func Dial(ctx context.Context, endpointURL string, cfg *Config, handlers ...StateChangeHandler) (*SecureChannel, error) {
	c := *cfg
	cfg = &c
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p, err := PolicyFor(cfg.SecurityPolicy)
	if err != nil {
		return nil, err
	}
	sec := &security{policy: p, mode: cfg.SecurityMode, localCert: cfg.Certificate, localKey: cfg.PrivateKey}
	if !p.IsNone() {
		if len(cfg.RemoteCertificate) == 0 {
			return nil, fmt.Errorf("%w: server certificate needed for %s", opcua.ErrCertificateRequired, p.URI.ShortName())
		}
		if err := sec.setRemote(cfg.RemoteCertificate); err != nil {
			return nil, err
		}
		sec.localThumb = Thumbprint(cfg.Certificate)
	}

	cfg.Logger.Debug("connecting", slog.String("endpoint", endpointURL))
	conn, err := transport.Dial(ctx, endpointURL, cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}

	ch := newChannel(conn, cfg, roleClient, sec, handlers...)
	ch.endpoint = endpointURL
	if err := ch.hello(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	ch.state.set(StateNegotiating)
	ch.start()
	if err := ch.openSecureChannel(ctx, opcua.SecurityTokenRequestTypeIssue); err != nil {
		ch.closing.Store(true)
		ch.fail(err)
		<-ch.done
		return nil, err
	}
	ch.state.transition(StateOpen, StateNegotiating)

	ch.logger.Info("secure channel opened",
		slog.Uint64("channel_id", uint64(ch.ChannelID())),
		slog.String("policy", p.URI.ShortName()),
		slog.String("mode", cfg.SecurityMode.String()))
	return ch, nil
}

func (ch *SecureChannel) hello(ctx context.Context) error {
	ch.setHandshakeDeadline(ctx)
	defer ch.conn.SetReadDeadline(time.Time{})

	hel := &chunk.Hello{
		ProtocolVersion:   opcua.ProtocolVersion,
		ReceiveBufferSize: ch.cfg.ReceiveBufferSize,
		SendBufferSize:    ch.cfg.SendBufferSize,
		MaxMessageSize:    ch.cfg.MaxMessageSize,
		MaxChunkCount:     ch.cfg.MaxChunkCount,
		EndpointURL:       ch.endpoint,
	}
	if err := ch.write(chunk.Frame(chunk.MessageTypeHello, hel.Encode())); err != nil {
		return err
	}

	b, h, err := ch.conn.ReadChunk(ch.recvLimits)
	if err != nil {
		return err
	}
	ch.trace("recv", b)

	switch h.MessageType {
	case chunk.MessageTypeError:
		var m chunk.ErrorMessage
		if err := m.Decode(b[chunk.HeaderSize:]); err != nil {
			return err
		}
		return m.Err()
	case chunk.MessageTypeAcknowledge:
	default:
		return fmt.Errorf("%w: expected ACK, got %s", opcua.ErrMalformedMessage, h.MessageType)
	}

	var ack chunk.Acknowledge
	if err := ack.Decode(b[chunk.HeaderSize:]); err != nil {
		return err
	}
	if ack.SendBufferSize > ch.cfg.ReceiveBufferSize {
		return fmt.Errorf("%w: server send buffer %d exceeds our receive buffer %d",
			opcua.ErrMalformedMessage, ack.SendBufferSize, ch.cfg.ReceiveBufferSize)
	}
	ch.sendLimits = chunk.Limits{
		MaxChunkSize:   min(ack.ReceiveBufferSize, ch.cfg.SendBufferSize),
		MaxMessageSize: ack.MaxMessageSize,
		MaxChunkCount:  ack.MaxChunkCount,
	}
	ch.logger.Debug("received acknowledge",
		slog.Uint64("receive_buffer", uint64(ack.ReceiveBufferSize)),
		slog.Uint64("send_buffer", uint64(ack.SendBufferSize)),
		slog.Uint64("max_message_size", uint64(ack.MaxMessageSize)),
		slog.Uint64("max_chunk_count", uint64(ack.MaxChunkCount)))
	return nil
}

func (ch *SecureChannel) setHandshakeDeadline(ctx context.Context) {
	deadline := time.Now().Add(ch.cfg.RequestTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	ch.conn.SetReadDeadline(deadline)
}

// start runs the read and write loops. The channel finishes when either
// returns.
func (ch *SecureChannel) start() {
	g, gctx := errgroup.WithContext(ch.ctx)
	ch.gctx = gctx
	g.Go(func() error { return ch.readLoop() })
	g.Go(func() error { return ch.writeLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		ch.conn.Close()
		return nil
	})
	go func() { ch.finish(g.Wait()) }()
}

func (ch *SecureChannel) finish(err error) {
	if cause := context.Cause(ch.ctx); cause != nil {
		err = cause
	}
	if errors.Is(err, errClosedByPeer) {
		ch.closing.Store(true)
		err = opcua.ErrChannelClosed
	}
	if ch.closing.Load() {
		err = opcua.ErrChannelClosed
	} else {
		ch.stats.Faults.Add(1)
		ch.state.set(StateFaulted)
		ch.logger.Warn("secure channel faulted",
			slog.Uint64("channel_id", uint64(ch.ChannelID())),
			slog.String("error", err.Error()))
	}

	ch.mu.Lock()
	for _, t := range []*time.Timer{ch.renewTimer, ch.expiryTimer} {
		if t != nil {
			t.Stop()
		}
	}
	ch.opn = nil
	ch.mu.Unlock()

	ch.disp.FailAll(err)
	ch.tokens.wipe()
	ch.asm.Reset()
	ch.err = err
	ch.state.set(StateClosed)
	close(ch.done)
	ch.logger.Debug("secure channel closed", slog.Uint64("channel_id", uint64(ch.ChannelID())))
}

// fail tears the channel down because of err.
func (ch *SecureChannel) fail(err error) {
	ch.cancel(err)
}

func (ch *SecureChannel) readLoop() error {
	for {
		b, h, err := ch.conn.ReadChunk(ch.recvLimits)
		if err != nil {
			if ch.closing.Load() {
				return nil
			}
			ch.sendError(err)
			return err
		}
		ch.stats.ChunksReceived.Add(1)
		ch.trace("recv", b)

		if err := ch.handleChunk(b, h); err != nil {
			if !errors.Is(err, errClosedByPeer) {
				ch.sendError(err)
			}
			return err
		}
	}
}

func (ch *SecureChannel) handleChunk(b []byte, h chunk.Header) error {
	switch h.MessageType {
	case chunk.MessageTypeError:
		var m chunk.ErrorMessage
		if err := m.Decode(b[chunk.HeaderSize:]); err != nil {
			return err
		}
		return fmt.Errorf("uasc: peer reported error: %w", m.Err())
	case chunk.MessageTypeOpenChannel, chunk.MessageTypeMessage, chunk.MessageTypeCloseChannel:
	default:
		return fmt.Errorf("%w: %w: unexpected %s", opcua.ErrMalformedMessage, opcua.StatusBadTCPMessageTypeInvalid, h.MessageType)
	}

	p, off, err := chunk.ParsePrefix(b)
	if err != nil {
		return err
	}
	if id := ch.ChannelID(); id != 0 && p.ChannelID != id {
		return fmt.Errorf("%w: %w: channel %d", opcua.ErrMalformedMessage, opcua.StatusBadTCPSecureChannelUnknown, p.ChannelID)
	}

	var c *chunk.Chunk
	if h.MessageType == chunk.MessageTypeOpenChannel {
		if err := ch.checkAsymmetricHeader(p.Asymmetric); err != nil {
			return err
		}
		c, err = ch.sec.decodeAsymmetric(b, &p, off)
	} else {
		var tok *Token
		tok, err = ch.tokens.lookup(p.TokenID, time.Now())
		if err != nil {
			return fmt.Errorf("%w: %w", opcua.StatusBadSecureChannelTokenUnknown, err)
		}
		c, err = ch.sec.decodeSymmetric(b, &p, off, tok)
	}
	if err != nil {
		return err
	}
	if err := ch.recvSeq.Check(c.SequenceNumber); err != nil {
		return fmt.Errorf("%w: %w", opcua.StatusBadSequenceNumberInvalid, err)
	}

	body, done, err := ch.asm.Add(c)
	if err != nil {
		var abort *chunk.AbortError
		if errors.As(err, &abort) {
			ch.logger.Debug("message aborted by peer",
				slog.Uint64("request_id", uint64(abort.RequestID)),
				slog.String("status", abort.Status.String()))
			if ch.role == roleClient {
				ch.disp.Fail(abort.RequestID, err)
			}
			return nil
		}
		return err
	}
	if !done {
		return nil
	}
	ch.stats.MessagesReceived.Add(1)
	return ch.handleMessage(c.MessageType, c.RequestID, body)
}

func (ch *SecureChannel) handleMessage(t chunk.MessageType, requestID uint32, body []byte) error {
	msg, err := ch.reg.DecodeMessage(body)
	if err != nil {
		if errors.Is(err, opcua.ErrUnknownType) && t == chunk.MessageTypeMessage {
			return ch.unknownMessage(requestID, err)
		}
		return err
	}
	if ch.role == roleServer {
		return ch.serverMessage(t, requestID, msg)
	}
	return ch.clientMessage(t, requestID, msg)
}

// unknownMessage fails only the request that carried an unregistered type.
func (ch *SecureChannel) unknownMessage(requestID uint32, err error) error {
	ch.logger.Warn("message of unknown type",
		slog.Uint64("request_id", uint64(requestID)),
		slog.String("error", err.Error()))
	if ch.role == roleClient {
		ch.disp.Fail(requestID, err)
		return nil
	}
	return ch.SendFault(requestID, nil, opcua.StatusBadServiceUnsupported)
}

func (ch *SecureChannel) clientMessage(t chunk.MessageType, requestID uint32, msg opcua.Message) error {
	switch t {
	case chunk.MessageTypeOpenChannel:
		resp, ok := msg.(*opcua.OpenSecureChannelResponse)
		if !ok {
			return fmt.Errorf("%w: %T in an open chunk", opcua.ErrMalformedMessage, msg)
		}
		if err := ch.installClientToken(requestID, resp); err != nil {
			ch.disp.Fail(requestID, err)
			return err
		}
	case chunk.MessageTypeCloseChannel:
		return fmt.Errorf("%w: close from server", opcua.ErrMalformedMessage)
	}
	ch.disp.Complete(requestID, msg)
	return nil
}

// installClientToken derives the keys of a freshly issued token. It runs on
// the read loop so that responses secured with the new token, which the
// server may send right after this one, find it installed.
func (ch *SecureChannel) installClientToken(requestID uint32, resp *opcua.OpenSecureChannelResponse) error {
	ch.mu.Lock()
	opn := ch.opn
	if opn != nil && opn.requestID == requestID {
		ch.opn = nil
	}
	ch.mu.Unlock()
	if opn == nil || opn.requestID != requestID || resp.ServiceResult.IsBad() {
		return nil
	}

	st := resp.SecurityToken
	if cur := ch.ChannelID(); cur != 0 && st.ChannelID != cur {
		return fmt.Errorf("%w: %w: renewal moved channel %d to %d",
			opcua.ErrSecurityChecksFailed, opcua.StatusBadSecureChannelIDInvalid, cur, st.ChannelID)
	}
	tok, err := ch.newToken(st, opn.nonce, resp.ServerNonce)
	if err != nil {
		return err
	}
	ch.channelID.Store(st.ChannelID)
	ch.tokens.install(tok, time.Now())
	ch.tokens.setSend(tok)
	ch.armExpiry(tok)
	return nil
}

// newToken derives the keys for st. The client secures its messages with
// keys derived from (serverNonce, clientNonce); the server with
// (clientNonce, serverNonce).
func (ch *SecureChannel) newToken(st opcua.ChannelSecurityToken, clientNonce, serverNonce []byte) (*Token, error) {
	tok := &Token{
		ChannelID: st.ChannelID,
		TokenID:   st.TokenID,
		CreatedAt: time.Now(),
		Lifetime:  time.Duration(st.RevisedLifetime) * time.Millisecond,
	}
	p := ch.sec.policy
	if p.IsNone() {
		return tok, nil
	}
	if len(clientNonce) != p.NonceLength || len(serverNonce) != p.NonceLength {
		return nil, fmt.Errorf("%w: %w: nonce lengths %d/%d, want %d", opcua.ErrSecurityChecksFailed,
			opcua.StatusBadNonceInvalid, len(clientNonce), len(serverNonce), p.NonceLength)
	}

	localSecret, localSeed := serverNonce, clientNonce
	if ch.role == roleServer {
		localSecret, localSeed = clientNonce, serverNonce
	}
	var err error
	if tok.Local, err = p.DeriveKeys(localSecret, localSeed); err != nil {
		return nil, err
	}
	if tok.Remote, err = p.DeriveKeys(localSeed, localSecret); err != nil {
		return nil, err
	}
	return tok, nil
}

// armExpiry faults the channel when tok is still current after its
// lifetime and grace period.
func (ch *SecureChannel) armExpiry(tok *Token) {
	d := time.Until(tok.ExpiresAt().Add(ch.cfg.TokenGracePeriod))
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.expiryTimer != nil {
		ch.expiryTimer.Stop()
	}
	ch.expiryTimer = time.AfterFunc(d, func() {
		if ch.tokens.currentToken() == tok {
			ch.fail(fmt.Errorf("%w: %w: token %d expired", opcua.ErrSecurityChecksFailed,
				opcua.StatusBadSecureChannelTokenUnknown, tok.TokenID))
		}
	})
}

// checkAsymmetricHeader validates the security header of an open chunk.
// The server learns the policy and client certificate from the first one.
func (ch *SecureChannel) checkAsymmetricHeader(h *chunk.AsymmetricSecurityHeader) error {
	if ch.role == roleServer && ch.sec.policy == nil {
		return ch.adoptSecurity(h)
	}
	if h.SecurityPolicyURI != string(ch.sec.policy.URI) {
		return fmt.Errorf("%w: %w: policy %s", opcua.ErrSecurityChecksFailed,
			opcua.StatusBadSecurityPolicyRejected, h.SecurityPolicyURI)
	}
	if !ch.sec.policy.IsNone() && !bytes.Equal(h.SenderCertificate, ch.sec.remoteCert) {
		return fmt.Errorf("%w: %w: sender certificate changed", opcua.ErrSecurityChecksFailed,
			opcua.StatusBadCertificateInvalid)
	}
	return nil
}

func (ch *SecureChannel) readyToSend() error {
	if ch.role != roleClient {
		return errors.New("uasc: requests are sent by the client end of a channel")
	}
	return nil
}

// SendAsync queues req and returns the pending request. The caller turns
// its result into a response with CheckResponse. SendAsync waits while the
// channel is negotiating or renewing its token.
func (ch *SecureChannel) SendAsync(ctx context.Context, req opcua.Request) (*dispatch.Pending, error) {
	if err := ch.readyToSend(); err != nil {
		return nil, err
	}
	st, err := ch.state.WaitState(ctx, StateOpen, StateFaulted, StateClosed)
	if err != nil {
		return nil, err
	}
	if st != StateOpen {
		return nil, ch.closedErr()
	}
	return ch.submit(ctx, chunk.MessageTypeMessage, ch.disp.NextRequestID(), req)
}

// Send sends req and waits for its response. ServiceFault responses and
// responses with a bad service result are returned as *opcua.ServiceError.
func (ch *SecureChannel) Send(ctx context.Context, req opcua.Request) (opcua.Response, error) {
	p, err := ch.SendAsync(ctx, req)
	if err != nil {
		return nil, err
	}
	msg, err := p.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return CheckResponse(req, msg)
}

// CheckResponse converts the reply to req into a response or service error.
func CheckResponse(req opcua.Request, msg opcua.Message) (opcua.Response, error) {
	svc := opcua.ServiceID(req.EncodingID().Numeric)
	switch r := msg.(type) {
	case *opcua.ServiceFault:
		return nil, opcua.NewServiceError(svc, r.ServiceResult, firstString(r.StringTable))
	case opcua.Response:
		if sc := r.Header().ServiceResult; sc.IsBad() {
			return nil, opcua.NewServiceError(svc, sc, firstString(r.Header().StringTable))
		}
		return r, nil
	}
	return nil, fmt.Errorf("%w: %T is not a response", opcua.ErrMalformedMessage, msg)
}

func firstString(s []string) string {
	if len(s) > 0 {
		return s[0]
	}
	return ""
}

// submit stamps and encodes req, registers it under requestID and queues
// it for the writer.
func (ch *SecureChannel) submit(ctx context.Context, t chunk.MessageType, requestID uint32, req opcua.Request) (*dispatch.Pending, error) {
	h := req.Header()
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now().UTC()
	}
	timeout := ch.cfg.RequestTimeout
	if h.TimeoutHint > 0 {
		timeout = time.Duration(h.TimeoutHint) * time.Millisecond
	} else {
		h.TimeoutHint = uint32(timeout.Milliseconds())
	}
	if h.RequestHandle == 0 {
		h.RequestHandle = requestID
	}

	body, err := ch.reg.Encode(req)
	if err != nil {
		return nil, err
	}
	if err := ch.checkSendLimits(t, body); err != nil {
		return nil, opcua.NewServiceError(opcua.ServiceID(req.EncodingID().Numeric), opcua.StatusBadRequestTooLarge, err.Error())
	}

	p, err := ch.disp.Register(requestID, timeout)
	if err != nil {
		return nil, err
	}
	if err := ch.enqueue(ctx, &outbound{msgType: t, requestID: requestID, body: body}); err != nil {
		ch.disp.Fail(requestID, err)
		return nil, err
	}
	return p, nil
}

// openSecureChannel issues or renews the security token and waits for the
// read loop to install it.
func (ch *SecureChannel) openSecureChannel(ctx context.Context, rt opcua.SecurityTokenRequestType) error {
	nonce, err := ch.sec.policy.NewNonce()
	if err != nil {
		return err
	}
	req := &opcua.OpenSecureChannelRequest{
		ClientProtocolVersion: opcua.ProtocolVersion,
		RequestType:           rt,
		SecurityMode:          ch.sec.mode,
		ClientNonce:           nonce,
		RequestedLifetime:     uint32(ch.cfg.Lifetime.Milliseconds()),
	}
	id := ch.disp.NextRequestID()

	ch.mu.Lock()
	ch.opn = &openRequest{requestID: id, nonce: nonce}
	ch.mu.Unlock()
	forget := func() {
		ch.mu.Lock()
		if ch.opn != nil && ch.opn.requestID == id {
			ch.opn = nil
		}
		ch.mu.Unlock()
	}

	ch.logger.Debug("sending OpenSecureChannel",
		slog.String("request_type", requestTypeName(rt)),
		slog.Uint64("request_id", uint64(id)))
	p, err := ch.submit(ctx, chunk.MessageTypeOpenChannel, id, req)
	if err != nil {
		forget()
		return err
	}
	msg, err := p.Wait(ctx)
	if err != nil {
		forget()
		return err
	}
	resp, err := CheckResponse(req, msg)
	if err != nil {
		return err
	}
	osr := resp.(*opcua.OpenSecureChannelResponse)
	if cur := ch.tokens.currentToken(); cur == nil || cur.TokenID != osr.SecurityToken.TokenID {
		return fmt.Errorf("%w: token %d was not installed", opcua.ErrSecurityChecksFailed, osr.SecurityToken.TokenID)
	}
	ch.scheduleRenewal(time.Duration(osr.SecurityToken.RevisedLifetime) * time.Millisecond)
	return nil
}

func requestTypeName(rt opcua.SecurityTokenRequestType) string {
	if rt == opcua.SecurityTokenRequestTypeRenew {
		return "Renew"
	}
	return "Issue"
}

func (ch *SecureChannel) scheduleRenewal(d time.Duration) {
	d = time.Duration(float64(d) * ch.cfg.RenewFraction)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.renewTimer != nil {
		ch.renewTimer.Stop()
	}
	ch.renewTimer = time.AfterFunc(d, ch.renewInBackground)
}

func (ch *SecureChannel) renewInBackground() {
	ctx, cancel := context.WithTimeout(ch.gctx, ch.cfg.RequestTimeout)
	defer cancel()

	err := ch.Renew(ctx)
	if err == nil || ch.closing.Load() || ch.gctx.Err() != nil {
		return
	}
	ch.logger.Warn("security token renewal failed", slog.String("error", err.Error()))

	// Retry while the current token is still valid.
	if cur := ch.tokens.currentToken(); cur != nil {
		if left := time.Until(cur.ExpiresAt()); left > 2*time.Second {
			ch.mu.Lock()
			ch.renewTimer = time.AfterFunc(left/2, ch.renewInBackground)
			ch.mu.Unlock()
		}
	}
}

// Renew replaces the security token. Requests submitted while the renewal
// is in flight wait for it to finish; responses secured with the previous
// token are still accepted for the grace period.
func (ch *SecureChannel) Renew(ctx context.Context) error {
	if err := ch.readyToSend(); err != nil {
		return err
	}
	if !ch.state.transition(StateRenewing, StateOpen) {
		return fmt.Errorf("uasc: cannot renew a channel in state %s", ch.state.State())
	}
	err := ch.openSecureChannel(ctx, opcua.SecurityTokenRequestTypeRenew)
	ch.state.transition(StateOpen, StateRenewing)
	if err != nil {
		ch.stats.RenewalFailures.Add(1)
		return err
	}
	ch.stats.Renewals.Add(1)
	ch.logger.Info("security token renewed",
		slog.Uint64("channel_id", uint64(ch.ChannelID())),
		slog.Uint64("token_id", uint64(ch.tokens.currentToken().TokenID)))
	return nil
}

// Close closes the channel. A client announces it with
// CloseSecureChannel first.
func (ch *SecureChannel) Close(ctx context.Context) error {
	if !ch.closing.CompareAndSwap(false, true) {
		select {
		case <-ch.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if st := ch.state.State(); ch.role == roleClient && (st == StateOpen || st == StateRenewing) {
		req := &opcua.CloseSecureChannelRequest{}
		req.Timestamp = time.Now().UTC()
		if body, err := ch.reg.Encode(req); err == nil {
			errc := make(chan error, 1)
			m := &outbound{msgType: chunk.MessageTypeCloseChannel, requestID: ch.disp.NextRequestID(), body: body, errc: errc}
			if ch.enqueue(ctx, m) == nil {
				select {
				case <-errc:
				case <-ch.gctx.Done():
				case <-ctx.Done():
				}
			}
		}
	}

	ch.cancel(opcua.ErrChannelClosed)
	select {
	case <-ch.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ch *SecureChannel) enqueue(ctx context.Context, m *outbound) error {
	select {
	case ch.out <- m:
		return nil
	case <-ch.gctx.Done():
		return ch.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ch *SecureChannel) closedErr() error {
	select {
	case <-ch.done:
		if ch.err != nil && !errors.Is(ch.err, opcua.ErrChannelClosed) {
			return fmt.Errorf("%w: %w", opcua.ErrChannelClosed, ch.err)
		}
		if ch.err != nil {
			return ch.err
		}
	default:
	}
	return opcua.ErrChannelClosed
}

// checkSendLimits rejects bodies the peer announced it cannot receive.
func (ch *SecureChannel) checkSendLimits(t chunk.MessageType, body []byte) error {
	l := ch.sendLimits
	if l.MaxMessageSize > 0 && len(body) > int(l.MaxMessageSize) {
		return fmt.Errorf("message of %d bytes exceeds the limit of %d", len(body), l.MaxMessageSize)
	}
	if l.MaxChunkCount > 0 {
		n := len(chunk.Split(body, ch.maxBody(t)))
		if n > int(l.MaxChunkCount) {
			return fmt.Errorf("message needs %d chunks, limit is %d", n, l.MaxChunkCount)
		}
	}
	return nil
}

func (ch *SecureChannel) maxBody(t chunk.MessageType) int {
	if t == chunk.MessageTypeOpenChannel {
		return ch.sec.asymmetricMaxBody(int(ch.sendLimits.MaxChunkSize))
	}
	return ch.sec.symmetricMaxBody(int(ch.sendLimits.MaxChunkSize))
}

func (ch *SecureChannel) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-ch.out:
			err := ch.writeMessage(m)
			if m.errc != nil {
				m.errc <- err
			}
			if err != nil {
				return err
			}
			if m.written != nil {
				m.written()
			}
		}
	}
}

// writeMessage splits m into chunks and secures each one. Chunks of one
// message are never interleaved with another message.
func (ch *SecureChannel) writeMessage(m *outbound) error {
	parts := chunk.Split(m.body, ch.maxBody(m.msgType))

	var tok *Token
	if m.msgType != chunk.MessageTypeOpenChannel {
		if tok = ch.tokens.sending(); tok == nil {
			return fmt.Errorf("%w: no security token", opcua.ErrChannelClosed)
		}
	}

	for i, part := range parts {
		c := &chunk.Chunk{
			MessageType:    m.msgType,
			ChunkType:      chunk.ChunkTypeIntermediate,
			ChannelID:      ch.ChannelID(),
			SequenceNumber: ch.seq.Next(),
			RequestID:      m.requestID,
			Body:           part,
		}
		if i == len(parts)-1 {
			c.ChunkType = chunk.ChunkTypeFinal
		}

		var (
			b   []byte
			err error
		)
		if tok == nil {
			c.Asymmetric = ch.sec.asymmetricHeader()
			b, err = ch.sec.encodeAsymmetric(c)
		} else {
			b, err = ch.sec.encodeSymmetric(c, tok)
		}
		if err != nil {
			return err
		}
		if err := ch.write(b); err != nil {
			return err
		}
	}
	ch.stats.MessagesSent.Add(1)
	return nil
}

func (ch *SecureChannel) write(b []byte) error {
	ch.trace("send", b)
	if err := ch.conn.WriteChunk(b); err != nil {
		return err
	}
	ch.stats.ChunksSent.Add(1)
	return nil
}

// sendError reports a fatal error to a client before the server closes
// the connection.
func (ch *SecureChannel) sendError(err error) {
	if ch.role != roleServer || errors.Is(err, opcua.ErrTransport) {
		return
	}
	reason := err.Error()
	if len(reason) > chunk.MaxURLLength {
		reason = reason[:chunk.MaxURLLength]
	}
	m := &chunk.ErrorMessage{Error: opcua.StatusOf(err), Reason: reason}
	_ = ch.write(chunk.Frame(chunk.MessageTypeError, m.Encode()))
}

func (ch *SecureChannel) trace(direction string, b []byte) {
	if !ch.cfg.TraceChunks || !ch.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	ch.logger.Debug("chunk",
		slog.String("direction", direction),
		slog.String("type", string(b[:3])),
		slog.Int("size", len(b)),
		slog.String("dump", hex.Dump(b)))
}

// ChannelID returns the id the server assigned to the channel.
func (ch *SecureChannel) ChannelID() uint32 {
	return ch.channelID.Load()
}

// State returns the current channel state.
func (ch *SecureChannel) State() State {
	return ch.state.State()
}

// WaitState blocks until the channel is in one of the given states.
func (ch *SecureChannel) WaitState(ctx context.Context, want ...State) (State, error) {
	return ch.state.WaitState(ctx, want...)
}

// Done is closed once the channel has shut down.
func (ch *SecureChannel) Done() <-chan struct{} {
	return ch.done
}

// Err returns why the channel shut down, or nil while it is running.
func (ch *SecureChannel) Err() error {
	select {
	case <-ch.done:
		return ch.err
	default:
		return nil
	}
}

// Token returns the current security token.
func (ch *SecureChannel) Token() *Token {
	return ch.tokens.currentToken()
}

// SecurityPolicy returns the negotiated policy.
func (ch *SecureChannel) SecurityPolicy() *Policy {
	return ch.sec.policy
}

// SecurityMode returns the negotiated message security mode.
func (ch *SecureChannel) SecurityMode() opcua.MessageSecurityMode {
	return ch.sec.mode
}

// LocalCertificate returns the DER certificate of this end.
func (ch *SecureChannel) LocalCertificate() []byte {
	return ch.sec.localCert
}

// RemoteCertificate returns the DER certificate of the peer, if any.
func (ch *SecureChannel) RemoteCertificate() []byte {
	return ch.sec.remoteCert
}

// PrivateKey returns the key of the local certificate.
func (ch *SecureChannel) PrivateKey() *rsa.PrivateKey {
	return ch.sec.localKey
}

// EndpointURL returns the URL the client connected to or the server was
// asked for in the Hello.
func (ch *SecureChannel) EndpointURL() string {
	return ch.endpoint
}

// Stats returns the counters the channel updates.
func (ch *SecureChannel) Stats() *Stats {
	return ch.stats
}

// PendingRequests returns the number of requests awaiting a response.
func (ch *SecureChannel) PendingRequests() int {
	return ch.disp.Len()
}
