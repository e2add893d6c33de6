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
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	opcua "github.com/edgeo-scada/opcua-uasc"
	"github.com/edgeo-scada/opcua-uasc/internal/transport"
	"github.com/edgeo-scada/opcua-uasc/uasc"
)

const (
	transportProfileBinary = "http://opcfoundation.org/UA-Profile/Transport/uatcp-uasc-uabinary"
	sweepInterval          = time.Second
)

// Server is an OPC UA server speaking the binary protocol over secure
// channels. It serves attribute reads and writes through a Handler and
// runs sessions and subscriptions itself.
type Server struct {
	addr    string
	opts    *serverOptions
	handler Handler
	metrics *Metrics
	logger  *slog.Logger

	cert []byte
	key  *rsa.PrivateKey

	mu       sync.Mutex
	running  bool
	listener *transport.Listener
	cancel   context.CancelFunc
	group    *errgroup.Group

	channels  *channelSet
	sessions  *sessionManager
	publisher *publisher
	connCount atomic.Int32
	handlers  sync.WaitGroup

	// derived is set when the endpoint URL follows the listen address.
	derived bool
}

// NewServer creates a server listening on addr once started.
func NewServer(addr string, handler Handler, opts ...Option) (*Server, error) {
	if addr == "" {
		return nil, errors.New("server: address cannot be empty")
	}
	if handler == nil {
		return nil, errors.New("server: handler cannot be nil")
	}

	options := defaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}
	derived := options.endpoint == ""
	if derived {
		options.endpoint = "opc.tcp://" + addr
	}
	if options.metrics == nil {
		options.metrics = NewMetrics()
	}

	s := &Server{
		addr:     addr,
		opts:     options,
		handler:  handler,
		metrics:  options.metrics,
		logger:   options.logger,
		channels: newChannelSet(),
		derived:  derived,
	}
	if len(options.certificate) > 0 {
		_, der, err := uasc.LoadCertificate(options.certificate)
		if err != nil {
			return nil, fmt.Errorf("server: %w", err)
		}
		key, err := uasc.LoadPrivateKey(options.privateKey)
		if err != nil {
			return nil, fmt.Errorf("server: %w", err)
		}
		s.cert, s.key = der, key
	}
	s.sessions = newSessionManager(s)
	s.publisher = newPublisher(s)

	if err := s.channelConfig().Validate(); err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	return s, nil
}

func (s *Server) channelConfig() *uasc.ServerConfig {
	o := s.opts
	cfg := uasc.ServerConfig{
		Config:    *uasc.DefaultConfig(),
		Endpoints: o.endpoints,
	}
	cfg.Certificate = s.cert
	cfg.PrivateKey = s.key
	cfg.Lifetime = o.channelLifetime
	cfg.TokenGracePeriod = o.tokenGrace
	cfg.LegacySequenceNumbers = o.legacySequence
	cfg.TraceChunks = o.traceChunks
	cfg.Logger = s.logger
	cfg.Registry = o.registry
	cfg.Stats = s.metrics.Channel
	if v := o.userValidator; v != nil {
		cfg.ValidateCertificate = v.ValidateCertificate
	}
	return &cfg
}

// Start listens and serves until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("server: already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	ln, err := transport.Listen(ctx, s.addr, s.opts.writeTimeout)
	if err != nil {
		cancel()
		return fmt.Errorf("server: %w", err)
	}
	s.listener = ln
	s.cancel = cancel
	if s.derived {
		s.opts.endpoint = "opc.tcp://" + ln.Addr().String()
	}
	s.running = true

	g, gctx := errgroup.WithContext(ctx)
	s.group = g
	g.Go(func() error { return s.acceptLoop(gctx) })
	g.Go(func() error { return s.sweepLoop(gctx) })

	s.logger.Info("server started",
		slog.String("addr", ln.Addr().String()),
		slog.String("endpoint", s.opts.endpoint),
		slog.Int("endpoints", len(s.opts.endpoints)))
	return nil
}

// Stop closes every channel and session and waits for the server to
// finish.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	s.listener.Close()
	s.mu.Unlock()

	s.sessions.closeAll()
	s.publisher.close()
	s.channels.closeAll()
	err := s.group.Wait()
	s.handlers.Wait()

	s.logger.Info("server stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Endpoints describes every endpoint the server offers, most secure first.
func (s *Server) Endpoints() []opcua.EndpointDescription {
	app := opcua.ApplicationDescription{
		ApplicationURI:  s.opts.applicationURI,
		ProductURI:      s.opts.productURI,
		ApplicationName: opcua.LocalizedText{Text: s.opts.applicationName},
		ApplicationType: opcua.ApplicationTypeServer,
		DiscoveryURLs:   []string{s.opts.endpoint},
	}
	eps := make([]opcua.EndpointDescription, 0, len(s.opts.endpoints))
	for _, e := range s.opts.endpoints {
		eps = append(eps, opcua.EndpointDescription{
			EndpointURL:         s.opts.endpoint,
			Server:              app,
			ServerCertificate:   s.cert,
			SecurityMode:        e.Mode,
			SecurityPolicyURI:   string(e.Policy),
			UserIdentityTokens:  s.userTokenPolicies(e),
			TransportProfileURI: transportProfileBinary,
			SecurityLevel:       securityLevel(e),
		})
	}
	sort.SliceStable(eps, func(i, j int) bool { return eps[i].SecurityLevel > eps[j].SecurityLevel })
	return eps
}

func securityLevel(e uasc.EndpointSecurity) uint8 {
	var level uint8
	switch e.Policy {
	case opcua.SecurityPolicyNone:
		return 0
	case opcua.SecurityPolicyBasic128Rsa15, opcua.SecurityPolicyBasic256:
		level = 1
	case opcua.SecurityPolicyBasic256Sha256:
		level = 3
	default:
		level = 4
	}
	if e.Mode == opcua.MessageSecurityModeSignAndEncrypt {
		level *= 2
	}
	return level
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("accept failed", slog.Any("error", err))
			return err
		}
		if int(s.connCount.Load()) >= s.opts.maxConns {
			s.logger.Warn("connection limit reached", slog.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}
		s.connCount.Add(1)
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.accept(ctx, conn)
		}()
	}
}

func (s *Server) accept(ctx context.Context, conn *transport.Conn) {
	remote := conn.RemoteAddr().String()
	ch, err := uasc.Accept(ctx, conn, s.channelConfig(), s.serve)
	if err != nil {
		s.connCount.Add(-1)
		s.metrics.Errors.Add(1)
		s.logger.Warn("channel handshake failed", slog.String("remote", remote), slog.Any("error", err))
		return
	}
	s.metrics.ActiveConnections.Add(1)
	s.channels.add(ch)

	select {
	case <-ch.Done():
	case <-ctx.Done():
		ch.Close(context.Background())
		<-ch.Done()
	}

	s.channels.remove(ch)
	s.connCount.Add(-1)
	s.metrics.ActiveConnections.Add(-1)
	s.logger.Debug("channel closed",
		slog.Uint64("channel_id", uint64(ch.ChannelID())),
		slog.String("remote", remote),
		slog.Any("reason", ch.Err()))
}

func (s *Server) sweepLoop(ctx context.Context) error {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			s.sessions.sweep(now)
			var live []*session
			s.sessions.sessions.Range(func(_ string, ss *session) bool {
				live = append(live, ss)
				return true
			})
			s.publisher.expireRequests(now, live)
		}
	}
}

// serve is called on the read loop of ch. Attribute services go to the
// Handler on their own goroutine.
func (s *Server) serve(ch *uasc.SecureChannel, requestID uint32, req opcua.Request) {
	switch req.(type) {
	case *opcua.ReadRequest, *opcua.WriteRequest:
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.dispatch(ch, requestID, req)
		}()
	default:
		s.dispatch(ch, requestID, req)
	}
}

func (s *Server) dispatch(ch *uasc.SecureChannel, requestID uint32, req opcua.Request) {
	start := time.Now()
	svc := opcua.ServiceID(req.EncodingID().Numeric)
	sm := s.metrics.ForService(svc)
	sm.Requests.Add(1)
	s.metrics.TotalRequests.Add(1)

	resp, err := s.handle(ch, requestID, req)

	elapsed := time.Since(start)
	sm.Latency.Observe(elapsed)
	s.metrics.Latency.Observe(elapsed)

	if err != nil {
		sm.Errors.Add(1)
		s.metrics.Errors.Add(1)
		status := opcua.StatusOf(err)
		if !status.IsBad() {
			status = opcua.StatusBadInternalError
		}
		s.logger.Debug("request failed",
			slog.String("service", svc.String()),
			slog.Uint64("channel_id", uint64(ch.ChannelID())),
			slog.String("status", status.String()))
		if err := ch.SendFault(requestID, req, status); err != nil {
			s.logger.Debug("fault not sent", slog.Any("error", err))
		}
		return
	}
	if resp == nil {
		return
	}
	if err := ch.SendResponse(requestID, resp); err != nil {
		s.logger.Debug("response not sent", slog.String("service", svc.String()), slog.Any("error", err))
	}
}

// handle runs one service. A nil response with a nil error means the
// answer is sent later.
func (s *Server) handle(ch *uasc.SecureChannel, requestID uint32, req opcua.Request) (opcua.Response, error) {
	switch r := req.(type) {
	case *opcua.CreateSessionRequest:
		return s.sessions.create(ch, r)
	case *opcua.ActivateSessionRequest:
		return s.sessions.activate(ch, r)
	}

	sess, err := s.sessions.lookup(ch, req.Header().AuthenticationToken)
	if err != nil {
		return nil, err
	}

	switch r := req.(type) {
	case *opcua.CloseSessionRequest:
		s.sessions.close(sess, r.DeleteSubscriptions, "closed by client")
		return &opcua.CloseSessionResponse{ResponseHeader: opcua.NewResponseHeader(r, opcua.StatusGood)}, nil

	case *opcua.ReadRequest:
		if len(r.NodesToRead) == 0 {
			return nil, opcua.StatusBadNothingToDo
		}
		values, err := s.handler.Read(r.MaxAge, r.TimestampsToReturn, r.NodesToRead)
		if err != nil {
			return nil, err
		}
		return &opcua.ReadResponse{ResponseHeader: opcua.NewResponseHeader(r, opcua.StatusGood), Results: values}, nil

	case *opcua.WriteRequest:
		if len(r.NodesToWrite) == 0 {
			return nil, opcua.StatusBadNothingToDo
		}
		results, err := s.handler.Write(r.NodesToWrite)
		if err != nil {
			return nil, err
		}
		return &opcua.WriteResponse{ResponseHeader: opcua.NewResponseHeader(r, opcua.StatusGood), Results: results}, nil

	case *opcua.CreateSubscriptionRequest:
		return s.publisher.create(sess, r)
	case *opcua.ModifySubscriptionRequest:
		return s.publisher.modify(sess, r)
	case *opcua.DeleteSubscriptionsRequest:
		return s.publisher.delete(sess, r)
	case *opcua.TransferSubscriptionsRequest:
		return s.publisher.transfer(sess, r)
	case *opcua.CreateMonitoredItemsRequest:
		return s.publisher.createItems(sess, r)
	case *opcua.DeleteMonitoredItemsRequest:
		return s.publisher.deleteItems(sess, r)
	case *opcua.PublishRequest:
		return s.publisher.publish(ch, requestID, sess, r)
	case *opcua.RepublishRequest:
		return s.publisher.republish(sess, r)
	}
	return nil, opcua.StatusBadServiceUnsupported
}

// channelSet tracks open channels so Stop can close them.
type channelSet struct {
	mu  sync.Mutex
	chs map[*uasc.SecureChannel]struct{}
}

func newChannelSet() *channelSet {
	return &channelSet{chs: make(map[*uasc.SecureChannel]struct{})}
}

func (c *channelSet) add(ch *uasc.SecureChannel) {
	c.mu.Lock()
	c.chs[ch] = struct{}{}
	c.mu.Unlock()
}

func (c *channelSet) remove(ch *uasc.SecureChannel) {
	c.mu.Lock()
	delete(c.chs, ch)
	c.mu.Unlock()
}

func (c *channelSet) closeAll() {
	c.mu.Lock()
	chs := make([]*uasc.SecureChannel, 0, len(c.chs))
	for ch := range c.chs {
		chs = append(chs, ch)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, ch := range chs {
		ch.Close(ctx)
	}
}

// EndpointURL returns the URL clients connect to. With an endpoint
// derived from the listen address it carries the bound port once started.
func (s *Server) EndpointURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.endpoint
}
