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

package forward

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	opcua "github.com/edgeo-scada/opcua-uasc"
	"github.com/edgeo-scada/opcua-uasc/client"
	"github.com/edgeo-scada/opcua-uasc/server"
)

type message struct {
	subject string
	data    []byte
}

type recorder struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (r *recorder) Publish(subject string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, message{subject, data})
	return nil
}

func (r *recorder) messages() []message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message(nil), r.msgs...)
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestForward(t *testing.T) {
	require := require.New(t)
	rec := &recorder{}
	f := New(rec, "plant", quiet())

	published := time.Date(2025, 4, 2, 8, 0, 0, 0, time.UTC)
	value := opcua.MustVariant(float64(21.5))
	status := opcua.StatusGoodSubscriptionTransferred
	n := client.Notification{
		SubscriptionID: 12,
		SequenceNumber: 40,
		PublishTime:    published,
		Republished:    true,
		DataChanges: []client.DataChange{
			{ClientHandle: 3, Value: opcua.DataValue{Value: &value, SourceTimestamp: published}},
			{ClientHandle: 4, Value: opcua.DataValue{StatusCode: opcua.StatusBadNodeIDUnknown}},
		},
		StatusChange: &status,
		Loss:         &client.DataLoss{SubscriptionID: 12, From: 38, To: 39},
	}
	require.NoError(f.Forward(n))

	msgs := rec.messages()
	require.Len(msgs, 4)
	require.Equal("plant.12.loss", msgs[0].subject)
	require.Equal("plant.12.3", msgs[1].subject)
	require.Equal("plant.12.4", msgs[2].subject)
	require.Equal("plant.12.status", msgs[3].subject)
	require.Equal(int64(4), f.Published.Value())

	var loss Loss
	require.NoError(json.Unmarshal(msgs[0].data, &loss))
	require.Equal(uint32(38), loss.From)
	require.Equal(uint32(39), loss.To)
	require.NotEmpty(loss.Error)

	var s Sample
	require.NoError(json.Unmarshal(msgs[1].data, &s))
	require.Equal(uint32(40), s.SequenceNumber)
	require.Equal(21.5, s.Value)
	require.Equal(value.Type.String(), s.Type)
	require.True(s.Republished)
	require.True(published.Equal(s.SourceTimestamp))

	var raw map[string]any
	require.NoError(json.Unmarshal(msgs[2].data, &raw))
	require.Nil(raw["value"])
	require.NotContains(raw, "sourceTimestamp")
	require.Equal(opcua.StatusBadNodeIDUnknown.String(), raw["status"])

	var st Status
	require.NoError(json.Unmarshal(msgs[3].data, &st))
	require.Equal(status.String(), st.Status)
}

func TestForward_PublishError(t *testing.T) {
	require := require.New(t)
	rec := &recorder{err: errors.New("nats: connection closed")}
	f := New(rec, "", quiet())

	v := opcua.MustVariant(int32(1))
	err := f.Forward(client.Notification{
		SubscriptionID: 1,
		DataChanges: []client.DataChange{
			{ClientHandle: 1, Value: opcua.DataValue{Value: &v}},
			{ClientHandle: 2, Value: opcua.DataValue{Value: &v}},
		},
	})
	require.ErrorContains(err, "opcua.1.1")
	require.Equal(int64(2), f.Failed.Value())
	require.Zero(f.Published.Value())
}

func TestJSONValue(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"node id", opcua.NewStringNodeID(2, "pump"), "ns=2;s=pump"},
		{"localized text", opcua.LocalizedText{Locale: "en", Text: "Pump"}, "Pump"},
		{"qualified name", opcua.QualifiedName{NamespaceIndex: 2, Name: "Pump"}, "Pump"},
		{"status", opcua.StatusGood, opcua.StatusGood.String()},
		{"scalar", int32(7), int32(7)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := opcua.MustVariant(tt.in)
			require.Equal(t, tt.want, jsonValue(&v))
		})
	}
}

func TestRun(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := server.NewMemoryHandler()
	level := opcua.NewStringNodeID(2, "level")
	h.AddVariable(level, "Level", opcua.MustVariant(int32(5)), true)
	srv, err := server.NewServer("127.0.0.1:0", h,
		server.WithLogger(quiet()),
		server.WithMinPublishingInterval(10*time.Millisecond))
	require.NoError(err)
	require.NoError(srv.Start(ctx))
	defer srv.Stop()

	c, err := client.Dial(ctx, srv.EndpointURL(), client.WithLogger(quiet()))
	require.NoError(err)
	defer c.Close()
	sub, err := c.CreateSubscription(ctx, client.WithPublishingInterval(20))
	require.NoError(err)
	_, err = sub.Monitor(ctx, []opcua.NodeID{level})
	require.NoError(err)

	rec := &recorder{}
	done := make(chan error, 1)
	go func() { done <- New(rec, "tank", quiet()).Run(ctx, sub) }()

	require.Eventually(func() bool {
		for _, m := range rec.messages() {
			var s Sample
			if json.Unmarshal(m.data, &s) == nil && s.NodeID == level.String() {
				return s.Value == float64(5)
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}
