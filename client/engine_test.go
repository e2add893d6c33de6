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
	"io"
	"log/slog"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	opcua "github.com/edgeo-scada/opcua-uasc"
	"github.com/edgeo-scada/opcua-uasc/internal/dispatch"
)

// fakeServer answers the requests the engine makes without a network.
type fakeServer struct {
	mu        sync.Mutex
	retained  map[uint32]opcua.NotificationMessage
	transfer  opcua.StatusCode
	nextSubID uint32
	requests  []opcua.Request

	// disp holds the publish requests the engine queued.
	disp      *dispatch.Dispatcher
	publishes []*dispatch.Pending
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		retained:  make(map[uint32]opcua.NotificationMessage),
		nextSubID: 41,
		disp:      dispatch.New(discardLogger()),
	}
}

func (f *fakeServer) sendAsync(_ context.Context, req opcua.Request) (*dispatch.Pending, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	p, err := f.disp.Register(f.disp.NextRequestID(), 0)
	if err != nil {
		return nil, err
	}
	f.publishes = append(f.publishes, p)
	return p, nil
}

func (f *fakeServer) queued() []*dispatch.Pending {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.publishes)
}

// answer completes a queued publish the way the read loop would.
func (f *fakeServer) answer(p *dispatch.Pending, subID uint32, nm opcua.NotificationMessage) {
	f.disp.Complete(p.RequestID, &opcua.PublishResponse{SubscriptionID: subID, NotificationMessage: nm})
}

func isRepublish(r opcua.Request) bool {
	_, ok := r.(*opcua.RepublishRequest)
	return ok
}

func (f *fakeServer) retain(nms ...opcua.NotificationMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, nm := range nms {
		f.retained[nm.SequenceNumber] = nm
	}
}

func (f *fakeServer) count(match func(opcua.Request) bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if match(r) {
			n++
		}
	}
	return n
}

func (f *fakeServer) send(_ context.Context, req opcua.Request) (opcua.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)

	switch r := req.(type) {
	case *opcua.RepublishRequest:
		nm, ok := f.retained[r.RetransmitSequenceNumber]
		if !ok {
			return nil, opcua.NewServiceError(opcua.ServiceID(r.EncodingID().Numeric), opcua.StatusBadMessageNotAvailable, "")
		}
		return &opcua.RepublishResponse{NotificationMessage: nm}, nil
	case *opcua.TransferSubscriptionsRequest:
		results := make([]opcua.TransferResult, len(r.SubscriptionIDs))
		for i := range results {
			results[i].StatusCode = f.transfer
			if f.transfer.IsGood() {
				for n := range f.retained {
					results[i].AvailableSequenceNumbers = append(results[i].AvailableSequenceNumbers, n)
				}
			}
		}
		return &opcua.TransferSubscriptionsResponse{Results: results}, nil
	case *opcua.CreateSubscriptionRequest:
		f.nextSubID++
		return &opcua.CreateSubscriptionResponse{
			SubscriptionID:            f.nextSubID,
			RevisedPublishingInterval: r.RequestedPublishingInterval,
			RevisedLifetimeCount:      r.RequestedLifetimeCount,
			RevisedMaxKeepAliveCount:  r.RequestedMaxKeepAliveCount,
		}, nil
	case *opcua.CreateMonitoredItemsRequest:
		results := make([]opcua.MonitoredItemCreateResult, len(r.ItemsToCreate))
		for i := range results {
			results[i] = opcua.MonitoredItemCreateResult{MonitoredItemID: uint32(100 + i), RevisedQueueSize: 1}
		}
		return &opcua.CreateMonitoredItemsResponse{Results: results}, nil
	}
	return nil, opcua.StatusBadServiceUnsupported
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, f *fakeServer, subID uint32) (*engine, *Subscription) {
	t.Helper()
	e := newEngine(f, 4, time.Second, discardLogger(), NewMetrics())
	t.Cleanup(e.stop)
	s := newSubscription(f, e, defaultSubscriptionOptions())
	s.id = subID
	e.subs[subID] = s
	return e, s
}

func dataMessage(seq uint32, handle uint32, v int32) opcua.NotificationMessage {
	value := opcua.MustVariant(v)
	return opcua.NotificationMessage{
		SequenceNumber: seq,
		PublishTime:    time.Now(),
		NotificationData: []*opcua.ExtensionObject{opcua.NewExtensionObject(&opcua.DataChangeNotification{
			MonitoredItems: []opcua.MonitoredItemNotification{{ClientHandle: handle, Value: opcua.DataValue{Value: &value}}},
		})},
	}
}

func keepAlive(next uint32) opcua.NotificationMessage {
	return opcua.NotificationMessage{SequenceNumber: next, PublishTime: time.Now()}
}

func receive(e *engine, subID uint32, nms ...opcua.NotificationMessage) {
	for _, nm := range nms {
		e.handle(&opcua.PublishResponse{SubscriptionID: subID, NotificationMessage: nm})
	}
}

func drain(s *Subscription) []Notification {
	var out []Notification
	for {
		select {
		case n, ok := <-s.Notifications():
			if !ok {
				return out
			}
			out = append(out, n)
		default:
			return out
		}
	}
}

func sequences(ns []Notification) []uint32 {
	out := make([]uint32, 0, len(ns))
	for _, n := range ns {
		if n.Loss == nil {
			out = append(out, n.SequenceNumber)
		}
	}
	return out
}

func acked(e *engine) []uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]uint32, len(e.acks))
	for i, a := range e.acks {
		out[i] = a.SequenceNumber
	}
	return out
}

func TestEngine_GapRepair(t *testing.T) {
	t.Run("republish recovers the gap", func(t *testing.T) {
		require := require.New(t)
		f := newFakeServer()
		e, s := newTestEngine(t, f, 1)
		f.retain(dataMessage(7, 1, 7))

		receive(e, 1, dataMessage(5, 1, 5), dataMessage(6, 1, 6), dataMessage(8, 1, 8))

		ns := drain(s)
		require.Equal([]uint32{5, 6, 7, 8}, sequences(ns))
		require.True(ns[2].Republished)
		require.False(ns[3].Republished)
		require.Equal(int32(7), ns[2].DataChanges[0].Value.Value.Value)
		require.Equal([]uint32{5, 6, 7, 8}, acked(e))
		require.Equal(uint32(8), s.last)
	})

	t.Run("failed republish is reported before the next message", func(t *testing.T) {
		require := require.New(t)
		f := newFakeServer()
		e, s := newTestEngine(t, f, 1)
		var reported []*DataLoss
		s.opts.onDataLoss = func(d *DataLoss) { reported = append(reported, d) }

		receive(e, 1, dataMessage(5, 1, 5), dataMessage(6, 1, 6), dataMessage(8, 1, 8))

		ns := drain(s)
		require.Len(ns, 4)
		require.Equal(uint32(6), ns[1].SequenceNumber)
		require.NotNil(ns[2].Loss)
		require.Equal(uint32(7), ns[2].Loss.From)
		require.Equal(uint32(7), ns[2].Loss.To)
		require.ErrorIs(ns[2].Loss, opcua.ErrDataLoss)
		require.True(opcua.IsStatusCode(ns[2].Loss, opcua.StatusBadMessageNotAvailable))
		require.Equal(uint32(8), ns[3].SequenceNumber)
		require.Len(reported, 1)
		require.Equal(int64(1), e.m.Subscriptions.DataLossEvents.Value())
	})

	t.Run("consecutive failures merge", func(t *testing.T) {
		require := require.New(t)
		f := newFakeServer()
		e, s := newTestEngine(t, f, 1)
		f.retain(dataMessage(4, 1, 4))

		receive(e, 1, dataMessage(1, 1, 1), dataMessage(7, 1, 7))

		ns := drain(s)
		require.Len(ns, 5)
		require.Equal(uint32(1), ns[0].SequenceNumber)
		require.Equal(uint32(2), ns[1].Loss.From)
		require.Equal(uint32(3), ns[1].Loss.To)
		require.Equal(uint32(4), ns[2].SequenceNumber)
		require.Equal(uint32(5), ns[3].Loss.From)
		require.Equal(uint32(6), ns[3].Loss.To)
		require.Equal(uint32(7), ns[4].SequenceNumber)
	})

	t.Run("keep-alive reveals a gap", func(t *testing.T) {
		require := require.New(t)
		f := newFakeServer()
		e, s := newTestEngine(t, f, 1)
		f.retain(dataMessage(6, 1, 6), dataMessage(7, 1, 7))

		receive(e, 1, dataMessage(5, 1, 5), keepAlive(8))

		require.Equal([]uint32{5, 6, 7}, sequences(drain(s)))
		require.Equal(int64(1), e.m.Subscriptions.KeepAlives.Value())
	})

	t.Run("keep-alive without gap", func(t *testing.T) {
		require := require.New(t)
		f := newFakeServer()
		e, s := newTestEngine(t, f, 1)

		receive(e, 1, dataMessage(5, 1, 5), keepAlive(6), keepAlive(6))

		require.Equal([]uint32{5}, sequences(drain(s)))
		require.Zero(f.count(func(opcua.Request) bool { return true }))
	})

	t.Run("duplicates are acknowledged and dropped", func(t *testing.T) {
		require := require.New(t)
		f := newFakeServer()
		e, s := newTestEngine(t, f, 1)

		receive(e, 1, dataMessage(5, 1, 5), dataMessage(6, 1, 6), dataMessage(5, 1, 5))

		require.Equal([]uint32{5, 6}, sequences(drain(s)))
		require.Equal([]uint32{5, 6, 5}, acked(e))
	})

	t.Run("large gap is lost without republish", func(t *testing.T) {
		require := require.New(t)
		f := newFakeServer()
		e, s := newTestEngine(t, f, 1)

		receive(e, 1, dataMessage(1, 1, 1), dataMessage(1000, 1, 2))

		ns := drain(s)
		require.Len(ns, 3)
		require.Equal(uint32(2), ns[1].Loss.From)
		require.Equal(uint32(999), ns[1].Loss.To)
		require.Equal(uint32(1000), ns[2].SequenceNumber)
		require.Zero(f.count(func(r opcua.Request) bool {
			_, ok := r.(*opcua.RepublishRequest)
			return ok
		}))
	})

	t.Run("wrap around", func(t *testing.T) {
		require := require.New(t)
		f := newFakeServer()
		e, s := newTestEngine(t, f, 1)
		f.retain(dataMessage(1, 1, 1))

		receive(e, 1, dataMessage(math.MaxUint32, 1, 0), dataMessage(2, 1, 2))

		require.Equal([]uint32{math.MaxUint32, 1, 2}, sequences(drain(s)))
	})
}

func TestEngine_ArrivalOrder(t *testing.T) {
	t.Run("later response waits for an earlier one", func(t *testing.T) {
		require := require.New(t)
		f := newFakeServer()
		e, s := newTestEngine(t, f, 1)
		receive(e, 1, dataMessage(5, 1, 5), dataMessage(6, 1, 6))
		drain(s)

		first := &publishCall{gen: e.gen}
		second := &publishCall{gen: e.gen}
		for _, c := range []*publishCall{first, second} {
			p, err := f.sendAsync(context.Background(), &opcua.PublishRequest{})
			require.NoError(err)
			c.p = p
			e.calls[c] = struct{}{}
		}
		f.answer(first.p, 1, dataMessage(7, 1, 7))
		f.answer(second.p, 1, dataMessage(8, 1, 8))

		handled := make(chan struct{})
		go func() {
			defer close(handled)
			e.handleInTurn(second, &opcua.PublishResponse{SubscriptionID: 1, NotificationMessage: dataMessage(8, 1, 8)})
		}()
		require.Never(func() bool { return len(s.Notifications()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

		e.handleInTurn(first, &opcua.PublishResponse{SubscriptionID: 1, NotificationMessage: dataMessage(7, 1, 7)})
		select {
		case <-handled:
		case <-time.After(3 * time.Second):
			t.Fatal("later response never handled")
		}

		ns := drain(s)
		require.Equal([]uint32{7, 8}, sequences(ns))
		require.False(ns[0].Republished)
		require.Zero(f.count(isRepublish))
		require.Equal([]uint32{5, 6, 7, 8}, acked(e))
		require.Empty(e.calls)
	})

	t.Run("unsent publish holds back later responses", func(t *testing.T) {
		require := require.New(t)
		f := newFakeServer()
		e, s := newTestEngine(t, f, 1)
		receive(e, 1, dataMessage(5, 1, 5))
		drain(s)

		unsent := &publishCall{gen: e.gen}
		answered := &publishCall{gen: e.gen}
		p, err := f.sendAsync(context.Background(), &opcua.PublishRequest{})
		require.NoError(err)
		answered.p = p
		e.calls[unsent] = struct{}{}
		e.calls[answered] = struct{}{}
		f.answer(p, 1, dataMessage(6, 1, 6))

		handled := make(chan struct{})
		go func() {
			defer close(handled)
			e.handleInTurn(answered, &opcua.PublishResponse{SubscriptionID: 1, NotificationMessage: dataMessage(6, 1, 6)})
		}()
		require.Never(func() bool { return len(s.Notifications()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

		e.done(unsent)
		select {
		case <-handled:
		case <-time.After(3 * time.Second):
			t.Fatal("response never handled")
		}
		require.Equal([]uint32{6}, sequences(drain(s)))
	})

	t.Run("concurrent publishes deliver without republish", func(t *testing.T) {
		require := require.New(t)
		f := newFakeServer()
		e, s := newTestEngine(t, f, 1)
		receive(e, 1, dataMessage(5, 1, 5), dataMessage(6, 1, 6))
		drain(s)

		e.mu.Lock()
		calls := make([]*publishCall, 4)
		for i := range calls {
			calls[i] = &publishCall{gen: e.gen}
			e.calls[calls[i]] = struct{}{}
			e.outstanding++
			e.wg.Add(1)
		}
		e.mu.Unlock()
		for _, c := range calls {
			go e.publish(c, nil)
		}
		require.Eventually(func() bool { return len(f.queued()) == len(calls) }, 3*time.Second, time.Millisecond)

		for i, p := range f.queued() {
			f.answer(p, 1, dataMessage(uint32(7+i), 1, int32(7+i)))
		}
		require.Eventually(func() bool { return len(s.Notifications()) == len(calls) }, 3*time.Second, time.Millisecond)

		ns := drain(s)
		require.Equal([]uint32{7, 8, 9, 10}, sequences(ns))
		for _, n := range ns {
			require.False(n.Republished)
		}
		require.Zero(f.count(isRepublish))
	})
}

func TestEngine_StatusChangeEndsSubscription(t *testing.T) {
	require := require.New(t)
	f := newFakeServer()
	e, s := newTestEngine(t, f, 3)

	nm := opcua.NotificationMessage{
		SequenceNumber:   1,
		NotificationData: []*opcua.ExtensionObject{opcua.NewExtensionObject(&opcua.StatusChangeNotification{Status: opcua.StatusBadTimeout})},
	}
	receive(e, 3, nm)

	ns := drain(s)
	require.Len(ns, 1)
	require.Equal(opcua.StatusBadTimeout, *ns[0].StatusChange)
	_, open := <-s.Notifications()
	require.False(open)
	require.Empty(e.snapshot())
}

func TestEngine_Restore(t *testing.T) {
	t.Run("transfer republishes retained messages", func(t *testing.T) {
		require := require.New(t)
		f := newFakeServer()
		f.transfer = opcua.StatusGood
		e, s := newTestEngine(t, f, 1)
		receive(e, 1, dataMessage(5, 1, 5))
		drain(s)

		f.retain(dataMessage(5, 1, 5), dataMessage(6, 1, 6), dataMessage(7, 1, 7))
		require.NoError(e.restore(context.Background()))

		ns := drain(s)
		require.Equal([]uint32{6, 7}, sequences(ns))
		require.True(ns[0].Republished)
		require.Equal(uint32(1), s.ID())
		require.Equal(int64(1), e.m.Subscriptions.Transfers.Value())
	})

	t.Run("failed transfer recreates with the same handles", func(t *testing.T) {
		require := require.New(t)
		f := newFakeServer()
		f.transfer = opcua.StatusBadSubscriptionIDInvalid
		e, s := newTestEngine(t, f, 1)

		item := &MonitoredItem{NodeID: opcua.NewStringNodeID(2, "temp"), AttributeID: opcua.AttributeValue, ClientHandle: 9, sub: s}
		item.id.Store(3)
		s.items[9] = item
		receive(e, 1, dataMessage(5, 9, 5))
		drain(s)

		require.NoError(e.restore(context.Background()))

		require.Equal(uint32(42), s.ID())
		require.Equal(uint32(100), item.ID())
		got, ok := s.Item(9)
		require.True(ok)
		require.Same(item, got)
		require.Zero(s.last)

		ns := drain(s)
		require.Len(ns, 1)
		require.True(ns[0].Loss.Recreated)
		require.True(opcua.IsStatusCode(ns[0].Loss, opcua.StatusBadSubscriptionIDInvalid))

		e.mu.Lock()
		_, old := e.subs[1]
		_, cur := e.subs[42]
		e.mu.Unlock()
		require.False(old)
		require.True(cur)

		receive(e, 42, dataMessage(1, 9, 1))
		require.Equal([]uint32{1}, sequences(drain(s)))
	})
}

func TestEngine_PublishFailed(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantTarget int
		check      func(*require.Assertions, *engine)
	}{
		{"no subscription", opcua.StatusBadNoSubscription, 0, func(r *require.Assertions, e *engine) { r.True(e.idle) }},
		{"too many publishes", opcua.StatusBadTooManyPublishRequests, 1, func(r *require.Assertions, e *engine) { r.Equal(1, e.limit) }},
		{"session invalid", opcua.StatusBadSessionIDInvalid, 0, func(r *require.Assertions, e *engine) { r.True(e.paused) }},
		{"closed client", ErrClientClosed, 0, func(r *require.Assertions, e *engine) { r.True(e.paused) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)
			e, _ := newTestEngine(t, newFakeServer(), 1)
			acks := []opcua.SubscriptionAcknowledgement{{SubscriptionID: 1, SequenceNumber: 4}}

			e.publishFailed(acks, e.gen, tt.err)

			tt.check(require, e)
			require.Equal([]uint32{4}, acked(e))
			require.Equal(tt.wantTarget, e.target())
		})
	}

	t.Run("stale generation does not pause", func(t *testing.T) {
		require := require.New(t)
		e, _ := newTestEngine(t, newFakeServer(), 1)
		gen := e.gen
		e.resume()
		e.publishFailed(nil, gen, opcua.ErrChannelClosed)
		require.False(e.paused)
		require.Equal(2, e.target())
	})
}

func TestSequenceArithmetic(t *testing.T) {
	require := require.New(t)

	require.Equal(uint32(2), nextSequence(1))
	require.Equal(uint32(1), nextSequence(math.MaxUint32))

	require.Equal(uint32(10), advance(5, 5))
	require.Equal(uint32(1), advance(math.MaxUint32, 1))
	require.Equal(uint32(3), advance(math.MaxUint32-1, 4))

	require.Equal(int64(1), seqDistance(5, 6))
	require.Equal(int64(-2), seqDistance(5, 3))
	require.Equal(int64(2), seqDistance(math.MaxUint32, 2))
	require.Equal(int64(-2), seqDistance(2, math.MaxUint32))
	require.Zero(seqDistance(7, 7))
}
