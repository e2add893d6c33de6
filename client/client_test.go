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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	opcua "github.com/edgeo-scada/opcua-uasc"
	"github.com/edgeo-scada/opcua-uasc/server"
)

var setpoint = opcua.NewStringNodeID(2, "setpoint")

func startServer(t *testing.T) (*server.Server, *server.MemoryHandler) {
	t.Helper()
	h := server.NewMemoryHandler()
	h.AddVariable(setpoint, "Setpoint", opcua.MustVariant(int32(1)), true)

	srv, err := server.NewServer("127.0.0.1:0", h,
		server.WithLogger(discardLogger()),
		server.WithMinPublishingInterval(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { srv.Stop() })
	return srv, h
}

func connect(t *testing.T, srv *server.Server, opts ...Option) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts = append([]Option{
		WithLogger(discardLogger()),
		WithTimeout(5 * time.Second),
		WithReconnectBackoff(20 * time.Millisecond),
	}, opts...)
	c, err := Dial(ctx, srv.EndpointURL(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// waitValue reads notifications until a data change for handle carries want.
func waitValue(t *testing.T, s *Subscription, handle uint32, want int32) Notification {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case n, ok := <-s.Notifications():
			require.True(t, ok, "notification channel closed")
			for _, dc := range n.DataChanges {
				if dc.ClientHandle == handle && dc.Value.Value != nil && dc.Value.Value.Value == want {
					return n
				}
			}
		case <-timeout:
			t.Fatalf("no data change with value %d", want)
		}
	}
}

func TestClient_ReadWrite(t *testing.T) {
	require := require.New(t)
	srv, _ := startServer(t)
	c := connect(t, srv)
	ctx := context.Background()

	require.Equal(StateSessionActive, c.State())
	require.NotNil(c.Session())

	dv, err := c.ReadValue(ctx, server.ServerStateNodeID)
	require.NoError(err)
	require.Equal(server.ServerStateRunning, dv.Value.Value)

	v := opcua.MustVariant(int32(42))
	require.NoError(c.WriteValue(ctx, setpoint, &v))
	dv, err = c.ReadValue(ctx, setpoint)
	require.NoError(err)
	require.Equal(int32(42), dv.Value.Value)

	bad := opcua.MustVariant("text")
	err = c.WriteValue(ctx, setpoint, &bad)
	require.True(opcua.IsStatusCode(err, opcua.StatusBadTypeMismatch), "got %v", err)

	require.NoError(c.Close())
	require.Equal(StateClosed, c.State())
	_, err = c.ReadValue(ctx, setpoint)
	require.Error(err)
}

func TestClient_Subscription(t *testing.T) {
	require := require.New(t)
	srv, h := startServer(t)
	c := connect(t, srv)
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen []int32
	)
	sub, err := c.CreateSubscription(ctx,
		WithPublishingInterval(20),
		WithMaxKeepAliveCount(5),
		OnDataChange(func(_ *MonitoredItem, v opcua.DataValue) {
			if v.Value != nil {
				mu.Lock()
				seen = append(seen, v.Value.Value.(int32))
				mu.Unlock()
			}
		}))
	require.NoError(err)
	require.Equal(20*time.Millisecond, sub.PublishingInterval())

	items, err := sub.Monitor(ctx, []opcua.NodeID{setpoint})
	require.NoError(err)
	require.Len(items, 1)
	item := items[0]
	require.NotZero(item.ID())
	require.Same(sub, item.Subscription())

	waitValue(t, sub, item.ClientHandle, 1)
	h.SetValue(setpoint, opcua.MustVariant(int32(2)))
	n := waitValue(t, sub, item.ClientHandle, 2)
	require.Same(item, n.DataChanges[0].Item)
	mu.Lock()
	require.Contains(seen, int32(2))
	mu.Unlock()

	require.NoError(sub.Unmonitor(ctx, item))
	require.Empty(sub.Items())

	require.NoError(sub.Delete(ctx))
	require.Eventually(func() bool {
		return srv.Metrics().ActiveSubscriptions.Value() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestClient_ReconnectTransfersSubscriptions(t *testing.T) {
	require := require.New(t)
	srv, h := startServer(t)
	c := connect(t, srv)
	ctx := context.Background()

	sub, err := c.CreateSubscription(ctx, WithPublishingInterval(20), WithMaxKeepAliveCount(5))
	require.NoError(err)
	items, err := sub.Monitor(ctx, []opcua.NodeID{setpoint})
	require.NoError(err)
	handle := items[0].ClientHandle
	subID := sub.ID()
	sessionID := c.Session().ID
	waitValue(t, sub, handle, 1)

	oldChannel := c.Channel().ChannelID()
	require.NoError(c.Reconnect(ctx))
	require.Equal(StateSessionActive, c.State())
	require.NotEqual(oldChannel, c.Channel().ChannelID())
	require.True(sessionID.Equal(c.Session().ID))

	h.SetValue(setpoint, opcua.MustVariant(int32(3)))
	n := waitValue(t, sub, handle, 3)
	require.Equal(subID, n.SubscriptionID)
	require.Equal(subID, sub.ID())
	require.Equal(int64(1), c.Metrics().Subscriptions.Transfers.Value())
	require.GreaterOrEqual(srv.Metrics().Transfers.Value(), int64(1))
}

func TestClient_AutoReconnect(t *testing.T) {
	require := require.New(t)
	srv, h := startServer(t)

	disconnected := make(chan error, 1)
	c := connect(t, srv,
		WithAutoReconnect(true),
		WithOnDisconnect(func(err error) { disconnected <- err }))
	ctx := context.Background()

	sub, err := c.CreateSubscription(ctx, WithPublishingInterval(20))
	require.NoError(err)
	items, err := sub.Monitor(ctx, []opcua.NodeID{setpoint})
	require.NoError(err)
	waitValue(t, sub, items[0].ClientHandle, 1)

	require.NoError(c.Channel().Close(ctx))
	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect not reported")
	}
	require.Eventually(func() bool {
		return c.State() == StateSessionActive
	}, 5*time.Second, 10*time.Millisecond)

	h.SetValue(setpoint, opcua.MustVariant(int32(4)))
	waitValue(t, sub, items[0].ClientHandle, 4)
	require.GreaterOrEqual(c.Metrics().Reconnections.Value(), int64(1))
}
