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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	opcua "github.com/edgeo-scada/opcua-uasc"
	"github.com/edgeo-scada/opcua-uasc/uasc"
)

var counterNode = opcua.NewStringNodeID(2, "counter")

func startTestServer(t *testing.T, opts ...Option) (*Server, *MemoryHandler) {
	t.Helper()
	h := NewMemoryHandler()
	h.AddVariable(counterNode, "Counter", opcua.MustVariant(int32(1)), true)

	opts = append([]Option{WithMinPublishingInterval(10 * time.Millisecond)}, opts...)
	srv, err := NewServer("127.0.0.1:0", h, opts...)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { srv.Stop() })
	return srv, h
}

func dial(t *testing.T, srv *Server) *uasc.SecureChannel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := uasc.Dial(ctx, srv.EndpointURL(), uasc.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close(context.Background()) })
	return ch
}

func call[T opcua.Response](t *testing.T, ch *uasc.SecureChannel, req opcua.Request) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var zero T
	resp, err := ch.Send(ctx, req)
	if err != nil {
		return zero, err
	}
	r, ok := resp.(T)
	require.True(t, ok, "unexpected response %T", resp)
	return r, nil
}

func withToken[R opcua.Request](req R, token opcua.NodeID) R {
	req.Header().AuthenticationToken = token
	return req
}

func createSession(t *testing.T, ch *uasc.SecureChannel) *opcua.CreateSessionResponse {
	t.Helper()
	resp, err := call[*opcua.CreateSessionResponse](t, ch, &opcua.CreateSessionRequest{
		SessionName:             "test",
		ClientNonce:             make([]byte, 32),
		RequestedSessionTimeout: 60000,
	})
	require.NoError(t, err)
	return resp
}

func activate(t *testing.T, ch *uasc.SecureChannel, token opcua.NodeID) error {
	t.Helper()
	_, err := call[*opcua.ActivateSessionResponse](t, ch, withToken(&opcua.ActivateSessionRequest{}, token))
	return err
}

func openSession(t *testing.T, ch *uasc.SecureChannel) opcua.NodeID {
	t.Helper()
	token := createSession(t, ch).AuthenticationToken
	require.NoError(t, activate(t, ch, token))
	return token
}

func readCounter(t *testing.T, ch *uasc.SecureChannel, token opcua.NodeID) (*opcua.ReadResponse, error) {
	return call[*opcua.ReadResponse](t, ch, withToken(&opcua.ReadRequest{
		TimestampsToReturn: opcua.TimestampsToReturnBoth,
		NodesToRead:        []opcua.ReadValueID{{NodeID: counterNode, AttributeID: opcua.AttributeValue}},
	}, token))
}

func TestServer_Sessions(t *testing.T) {
	srv, _ := startTestServer(t)

	t.Run("create and activate", func(t *testing.T) {
		require := require.New(t)
		ch := dial(t, srv)

		cs := createSession(t, ch)
		require.False(cs.AuthenticationToken.IsNull())
		require.Equal(float64(60000), cs.RevisedSessionTimeout)
		require.Len(cs.ServerNonce, sessionNonceLength)
		require.NotEmpty(cs.ServerEndpoints)

		_, err := readCounter(t, ch, cs.AuthenticationToken)
		require.True(opcua.IsStatusCode(err, opcua.StatusBadSessionNotActivated))

		require.NoError(activate(t, ch, cs.AuthenticationToken))
		resp, err := readCounter(t, ch, cs.AuthenticationToken)
		require.NoError(err)
		require.Len(resp.Results, 1)
		require.Equal(int32(1), resp.Results[0].Value.Value)
	})

	t.Run("unknown token", func(t *testing.T) {
		ch := dial(t, srv)
		_, err := readCounter(t, ch, opcua.NewNumericNodeID(1, 99))
		require.True(t, opcua.IsStatusCode(err, opcua.StatusBadSessionIDInvalid))
	})

	t.Run("bound to channel", func(t *testing.T) {
		require := require.New(t)
		ch1 := dial(t, srv)
		ch2 := dial(t, srv)

		token := openSession(t, ch1)
		_, err := readCounter(t, ch2, token)
		require.True(opcua.IsStatusCode(err, opcua.StatusBadSecureChannelIDInvalid))

		require.NoError(activate(t, ch2, token))
		_, err = readCounter(t, ch2, token)
		require.NoError(err)
		_, err = readCounter(t, ch1, token)
		require.True(opcua.IsStatusCode(err, opcua.StatusBadSecureChannelIDInvalid))
	})

	t.Run("close", func(t *testing.T) {
		require := require.New(t)
		ch := dial(t, srv)
		token := openSession(t, ch)

		_, err := call[*opcua.CloseSessionResponse](t, ch, withToken(&opcua.CloseSessionRequest{DeleteSubscriptions: true}, token))
		require.NoError(err)
		_, err = readCounter(t, ch, token)
		require.True(opcua.IsStatusCode(err, opcua.StatusBadSessionIDInvalid))
	})
}

func TestServer_MaxSessions(t *testing.T) {
	require := require.New(t)
	srv, _ := startTestServer(t, WithMaxSessions(1))
	ch := dial(t, srv)

	createSession(t, ch)
	_, err := call[*opcua.CreateSessionResponse](t, ch, &opcua.CreateSessionRequest{SessionName: "second"})
	require.True(opcua.IsStatusCode(err, opcua.StatusBadTooManySessions))
}

type denyUsers struct{}

func (denyUsers) ValidateAnonymous() error { return errors.New("anonymous disabled") }
func (denyUsers) ValidateUserPassword(user, password string) error {
	if user == "operator" && password == "secret" {
		return nil
	}
	return errors.New("bad credentials")
}
func (denyUsers) ValidateCertificate([]byte) error { return nil }

func TestServer_UserIdentity(t *testing.T) {
	srv, _ := startTestServer(t, WithUserValidator(denyUsers{}))

	tests := []struct {
		name   string
		token  opcua.Message
		status opcua.StatusCode
	}{
		{"anonymous rejected", nil, opcua.StatusBadIdentityTokenRejected},
		{"wrong password", &opcua.UserNameIdentityToken{PolicyID: "username", UserName: "operator", Password: []byte("guess")}, opcua.StatusBadUserAccessDenied},
		{"valid password", &opcua.UserNameIdentityToken{PolicyID: "username", UserName: "operator", Password: []byte("secret")}, opcua.StatusGood},
		{"issued without validator", &opcua.IssuedIdentityToken{PolicyID: "issued", TokenData: []byte("jwt")}, opcua.StatusBadIdentityTokenRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := dial(t, srv)
			cs := createSession(t, ch)
			req := withToken(&opcua.ActivateSessionRequest{UserIdentityToken: opcua.NewExtensionObject(tt.token)}, cs.AuthenticationToken)
			_, err := call[*opcua.ActivateSessionResponse](t, ch, req)
			if tt.status == opcua.StatusGood {
				require.NoError(t, err)
				return
			}
			require.True(t, opcua.IsStatusCode(err, tt.status), "got %v", err)
		})
	}
}

func TestServer_Endpoints(t *testing.T) {
	require := require.New(t)
	srv, _ := startTestServer(t)

	eps := srv.Endpoints()
	require.Len(eps, 1)
	ep := eps[0]
	require.Equal(srv.EndpointURL(), ep.EndpointURL)
	require.Equal(string(opcua.SecurityPolicyNone), ep.SecurityPolicyURI)
	require.Equal(transportProfileBinary, ep.TransportProfileURI)

	utp, ok := ep.FindUserTokenPolicy(opcua.UserTokenTypeUserName)
	require.True(ok)
	require.Empty(utp.SecurityPolicyURI)
}
