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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	opcua "github.com/edgeo-scada/opcua-uasc"
	"github.com/edgeo-scada/opcua-uasc/internal/dispatch"
	"github.com/edgeo-scada/opcua-uasc/internal/transport"
)

type served struct {
	ch  *SecureChannel
	id  uint32
	req opcua.Request
}

// echoRead answers every Read with one empty result per node.
func echoRead(ch *SecureChannel, id uint32, req opcua.Request) {
	r, ok := req.(*opcua.ReadRequest)
	if !ok {
		ch.SendFault(id, req, opcua.StatusBadServiceUnsupported)
		return
	}
	ch.SendResponse(id, &opcua.ReadResponse{
		ResponseHeader: opcua.NewResponseHeader(r, opcua.StatusGood),
		Results:        make([]opcua.DataValue, len(r.NodesToRead)),
	})
}

func startServer(t *testing.T, cfg *ServerConfig, handler RequestHandler) (string, <-chan *SecureChannel) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ln, err := transport.Listen(ctx, "127.0.0.1:0", time.Second)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		chans []*SecureChannel
	)
	t.Cleanup(func() {
		cancel()
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, ch := range chans {
			ch.Close(context.Background())
		}
	})

	accepted := make(chan *SecureChannel, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				ch, err := Accept(ctx, conn, cfg, handler)
				if err != nil {
					return
				}
				mu.Lock()
				chans = append(chans, ch)
				mu.Unlock()
				accepted <- ch
			}()
		}
	}()
	return fmt.Sprintf("opc.tcp://%s", ln.Addr()), accepted
}

func readRequest(nodes ...uint32) *opcua.ReadRequest {
	req := &opcua.ReadRequest{TimestampsToReturn: opcua.TimestampsToReturnBoth}
	for _, n := range nodes {
		req.NodesToRead = append(req.NodesToRead, opcua.ReadValueID{
			NodeID:      opcua.NewNumericNodeID(1, n),
			AttributeID: opcua.AttributeValue,
		})
	}
	return req
}

func securePair(t *testing.T, policy opcua.SecurityPolicy, mode opcua.MessageSecurityMode) (*Config, *ServerConfig) {
	t.Helper()
	ci := testIdentity(t, "client", 2048)
	si := testIdentity(t, "server", 2048)

	srv := &ServerConfig{
		Config: Config{
			Certificate: si.cert,
			PrivateKey:  si.key,
			Lifetime:    time.Hour,
		},
		Endpoints: []EndpointSecurity{
			{Policy: opcua.SecurityPolicyNone, Mode: opcua.MessageSecurityModeNone},
			{Policy: opcua.SecurityPolicyBasic256Sha256, Mode: opcua.MessageSecurityModeSign},
			{Policy: opcua.SecurityPolicyBasic256Sha256, Mode: opcua.MessageSecurityModeSignAndEncrypt},
		},
	}
	cli := DefaultConfig()
	cli.SecurityPolicy = policy
	cli.SecurityMode = mode
	if policy != opcua.SecurityPolicyNone {
		cli.Certificate = ci.cert
		cli.PrivateKey = ci.key
		cli.RemoteCertificate = si.cert
	}
	return cli, srv
}

func TestChannel_Loopback(t *testing.T) {
	tests := []struct {
		policy opcua.SecurityPolicy
		mode   opcua.MessageSecurityMode
	}{
		{opcua.SecurityPolicyNone, opcua.MessageSecurityModeNone},
		{opcua.SecurityPolicyBasic256Sha256, opcua.MessageSecurityModeSign},
		{opcua.SecurityPolicyBasic256Sha256, opcua.MessageSecurityModeSignAndEncrypt},
	}
	for _, tt := range tests {
		t.Run(tt.policy.ShortName()+"/"+tt.mode.String(), func(t *testing.T) {
			require := require.New(t)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			cli, srv := securePair(t, tt.policy, tt.mode)
			url, accepted := startServer(t, srv, echoRead)

			ch, err := Dial(ctx, url, cli)
			require.NoError(err)
			defer ch.Close(ctx)

			server := <-accepted
			require.Equal(StateOpen, ch.State())
			require.Equal(ch.ChannelID(), server.ChannelID())
			require.NotZero(ch.ChannelID())
			require.Equal(tt.mode, server.SecurityMode())
			require.Equal(tt.policy, server.SecurityPolicy().URI)

			resp, err := ch.Send(ctx, readRequest(1, 2, 3))
			require.NoError(err)
			require.Len(resp.(*opcua.ReadResponse).Results, 3)

			// a message spanning many chunks
			nodes := make([]uint32, 10000)
			for i := range nodes {
				nodes[i] = uint32(i)
			}
			resp, err = ch.Send(ctx, readRequest(nodes...))
			require.NoError(err)
			require.Len(resp.(*opcua.ReadResponse).Results, len(nodes))
			require.Greater(ch.Stats().ChunksSent.Load(), ch.Stats().MessagesSent.Load())
		})
	}
}

func TestChannel_DialReturnsWhileOpen(t *testing.T) {
	require := require.New(t)
	cli, srv := securePair(t, opcua.SecurityPolicyNone, opcua.MessageSecurityModeNone)
	url, accepted := startServer(t, srv, echoRead)

	type result struct {
		ch  *SecureChannel
		err error
	}
	dialed := make(chan result, 1)
	go func() {
		ch, err := Dial(context.Background(), url, cli)
		dialed <- result{ch, err}
	}()

	var ch *SecureChannel
	select {
	case r := <-dialed:
		require.NoError(r.err)
		ch = r.ch
	case <-time.After(3 * time.Second):
		t.Fatal("Dial blocked on an open channel")
	}

	var server *SecureChannel
	select {
	case server = <-accepted:
	case <-time.After(3 * time.Second):
		t.Fatal("Accept blocked on an open channel")
	}
	require.Equal(StateOpen, ch.State())
	require.Equal(StateOpen, server.State())

	require.NoError(ch.Close(context.Background()))
	select {
	case <-ch.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("channel did not finish after Close")
	}
}

func TestChannel_OutOfOrderResponses(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	requests := make(chan served, 3)
	cli, srv := securePair(t, opcua.SecurityPolicyBasic256Sha256, opcua.MessageSecurityModeSignAndEncrypt)
	url, _ := startServer(t, srv, func(ch *SecureChannel, id uint32, req opcua.Request) {
		requests <- served{ch: ch, id: id, req: req}
	})

	ch, err := Dial(ctx, url, cli)
	require.NoError(err)
	defer ch.Close(ctx)

	sent := make([]*opcua.ReadRequest, 3)
	pending := make([]*dispatch.Pending, 3)
	for i := range sent {
		sent[i] = readRequest(uint32(i + 1))
		pending[i], err = ch.SendAsync(ctx, sent[i])
		require.NoError(err)
	}

	var got []served
	for range 3 {
		got = append(got, <-requests)
	}
	for _, i := range []int{1, 2, 0} {
		s := got[i]
		require.NoError(s.ch.SendResponse(s.id, &opcua.ReadResponse{
			ResponseHeader: opcua.NewResponseHeader(s.req, opcua.StatusGood),
			Results:        make([]opcua.DataValue, 1),
		}))
	}

	<-pending[0].Done()
	for _, p := range pending[1:] {
		select {
		case <-p.Done():
		default:
			t.Fatal("responses 2 and 3 arrived before 1 and must already be delivered")
		}
	}
	for i, p := range pending {
		msg, err := p.Wait(ctx)
		require.NoError(err)
		resp, err := CheckResponse(sent[i], msg)
		require.NoError(err)
		require.Equal(sent[i].RequestHandle, resp.Header().RequestHandle)
	}
	require.Zero(ch.PendingRequests())
}

func TestChannel_Renew(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cli, srv := securePair(t, opcua.SecurityPolicyBasic256Sha256, opcua.MessageSecurityModeSignAndEncrypt)
	url, accepted := startServer(t, srv, echoRead)

	var states []State
	ch, err := Dial(ctx, url, cli, func(_, next State) { states = append(states, next) })
	require.NoError(err)
	defer ch.Close(ctx)
	server := <-accepted

	first := ch.Token()
	_, err = ch.Send(ctx, readRequest(1))
	require.NoError(err)

	require.NoError(ch.Renew(ctx))
	second := ch.Token()
	require.NotEqual(first.TokenID, second.TokenID)
	require.NotEqual(first.Local.SigningKey, second.Local.SigningKey)
	require.Equal(uint64(1), ch.Stats().Renewals.Load())

	_, err = ch.Send(ctx, readRequest(2))
	require.NoError(err)
	require.Equal(second.TokenID, server.Token().TokenID)
	require.Equal(second.TokenID, server.tokens.sending().TokenID)

	require.Equal([]State{StateNegotiating, StateOpen, StateRenewing, StateOpen}, states)
}

func TestChannel_ServiceFault(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cli, srv := securePair(t, opcua.SecurityPolicyNone, opcua.MessageSecurityModeNone)
	url, _ := startServer(t, srv, func(ch *SecureChannel, id uint32, req opcua.Request) {
		ch.SendFault(id, req, opcua.StatusBadNodeIDUnknown)
	})

	ch, err := Dial(ctx, url, cli)
	require.NoError(err)
	defer ch.Close(ctx)

	_, err = ch.Send(ctx, readRequest(1))
	require.ErrorIs(err, opcua.ErrServiceFault)
	require.ErrorIs(err, opcua.StatusBadNodeIDUnknown)
	require.False(opcua.IsFatal(err))
	require.Equal(StateOpen, ch.State())
}

func TestChannel_Timeout(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cli, srv := securePair(t, opcua.SecurityPolicyNone, opcua.MessageSecurityModeNone)
	url, _ := startServer(t, srv, func(ch *SecureChannel, id uint32, req opcua.Request) {
		if len(req.(*opcua.ReadRequest).NodesToRead) == 1 {
			return
		}
		echoRead(ch, id, req)
	})

	ch, err := Dial(ctx, url, cli)
	require.NoError(err)
	defer ch.Close(ctx)

	req := readRequest(1)
	req.TimeoutHint = 50
	_, err = ch.Send(ctx, req)
	require.ErrorIs(err, opcua.ErrTimeout)

	_, err = ch.Send(ctx, readRequest(1, 2))
	require.NoError(err, "a timeout stays local to its request")
}

func TestChannel_Close(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cli, srv := securePair(t, opcua.SecurityPolicyNone, opcua.MessageSecurityModeNone)
	url, accepted := startServer(t, srv, echoRead)

	ch, err := Dial(ctx, url, cli)
	require.NoError(err)
	server := <-accepted

	require.NoError(ch.Close(ctx))
	require.Equal(StateClosed, ch.State())
	require.ErrorIs(ch.Err(), opcua.ErrChannelClosed)

	select {
	case <-server.Done():
	case <-ctx.Done():
		t.Fatal("server did not see the close")
	}
	require.ErrorIs(server.Err(), opcua.ErrChannelClosed)

	_, err = ch.Send(ctx, readRequest(1))
	require.ErrorIs(err, opcua.ErrChannelClosed)
	require.NoError(ch.Close(ctx))
}

func TestChannel_PolicyRejected(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cli, srv := securePair(t, opcua.SecurityPolicyNone, opcua.MessageSecurityModeNone)
	srv.Endpoints = []EndpointSecurity{{Policy: opcua.SecurityPolicyBasic256Sha256, Mode: opcua.MessageSecurityModeSignAndEncrypt}}
	url, _ := startServer(t, srv, echoRead)

	_, err := Dial(ctx, url, cli)
	require.Error(err)
	require.ErrorIs(err, opcua.StatusBadSecurityPolicyRejected)
}

func TestChannel_PeerFaultFailsPending(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	requests := make(chan served, 1)
	cli, srv := securePair(t, opcua.SecurityPolicyNone, opcua.MessageSecurityModeNone)
	url, _ := startServer(t, srv, func(ch *SecureChannel, id uint32, req opcua.Request) {
		requests <- served{ch: ch, id: id, req: req}
	})

	ch, err := Dial(ctx, url, cli)
	require.NoError(err)

	p, err := ch.SendAsync(ctx, readRequest(1))
	require.NoError(err)
	s := <-requests
	s.ch.conn.Close()

	_, err = p.Wait(ctx)
	require.ErrorIs(err, opcua.ErrChannelClosed)
	<-ch.Done()
	require.ErrorIs(ch.Err(), opcua.ErrTransport)
	require.Equal(uint64(1), ch.Stats().Faults.Load())
}

func TestConfig_Validate(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		require := require.New(t)
		c := &Config{}
		require.NoError(c.Validate())
		require.Equal(opcua.SecurityPolicyNone, c.SecurityPolicy)
		require.Equal(DefaultRenewFraction, c.RenewFraction)
		require.NotNil(c.Logger)
		require.NotNil(c.Stats)
	})

	t.Run("policy requires certificate", func(t *testing.T) {
		c := &Config{SecurityPolicy: opcua.SecurityPolicyBasic256Sha256, SecurityMode: opcua.MessageSecurityModeSign}
		require.ErrorIs(t, c.Validate(), opcua.ErrCertificateRequired)
	})

	t.Run("mode without policy", func(t *testing.T) {
		c := &Config{SecurityMode: opcua.MessageSecurityModeSignAndEncrypt}
		require.ErrorIs(t, c.Validate(), opcua.ErrSecurityPolicyNotSupported)
	})

	t.Run("small buffers", func(t *testing.T) {
		c := &Config{ReceiveBufferSize: 1024}
		require.Error(t, c.Validate())
	})
}
