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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	opcua "github.com/edgeo-scada/opcua-uasc"
	"github.com/edgeo-scada/opcua-uasc/uasc"
)

const counterHandle = 7

func subscribe(t *testing.T, ch *uasc.SecureChannel, token opcua.NodeID, keepAlive uint32) uint32 {
	t.Helper()
	require := require.New(t)

	cs, err := call[*opcua.CreateSubscriptionResponse](t, ch, withToken(&opcua.CreateSubscriptionRequest{
		RequestedPublishingInterval: 10,
		RequestedMaxKeepAliveCount:  keepAlive,
		RequestedLifetimeCount:      10000,
		PublishingEnabled:           true,
	}, token))
	require.NoError(err)
	require.NotZero(cs.SubscriptionID)
	require.Equal(keepAlive, cs.RevisedMaxKeepAliveCount)

	ci, err := call[*opcua.CreateMonitoredItemsResponse](t, ch, withToken(&opcua.CreateMonitoredItemsRequest{
		SubscriptionID:     cs.SubscriptionID,
		TimestampsToReturn: opcua.TimestampsToReturnBoth,
		ItemsToCreate: []opcua.MonitoredItemCreateRequest{{
			ItemToMonitor:       opcua.ReadValueID{NodeID: counterNode, AttributeID: opcua.AttributeValue},
			MonitoringMode:      opcua.MonitoringModeReporting,
			RequestedParameters: opcua.MonitoringParameters{ClientHandle: counterHandle, QueueSize: 1, DiscardOldest: true},
		}},
	}, token))
	require.NoError(err)
	require.Len(ci.Results, 1)
	require.Equal(opcua.StatusGood, ci.Results[0].StatusCode)
	return cs.SubscriptionID
}

func publish(t *testing.T, ch *uasc.SecureChannel, token opcua.NodeID, acks ...opcua.SubscriptionAcknowledgement) (*opcua.PublishResponse, error) {
	return call[*opcua.PublishResponse](t, ch, withToken(&opcua.PublishRequest{SubscriptionAcknowledgements: acks}, token))
}

// nextData publishes until a data message arrives. A keep-alive may come
// first when the subscription ticked before its items existed.
func nextData(t *testing.T, ch *uasc.SecureChannel, token opcua.NodeID) *opcua.PublishResponse {
	t.Helper()
	for {
		resp, err := publish(t, ch, token)
		require.NoError(t, err)
		if !resp.NotificationMessage.IsKeepAlive() {
			return resp
		}
	}
}

func dataChanges(t *testing.T, nm opcua.NotificationMessage) []opcua.MonitoredItemNotification {
	t.Helper()
	require.Len(t, nm.NotificationData, 1)
	dcn, ok := nm.NotificationData[0].Value.(*opcua.DataChangeNotification)
	require.True(t, ok, "got %T", nm.NotificationData[0].Value)
	return dcn.MonitoredItems
}

func statusChange(t *testing.T, nm opcua.NotificationMessage) opcua.StatusCode {
	t.Helper()
	require.Len(t, nm.NotificationData, 1)
	sc, ok := nm.NotificationData[0].Value.(*opcua.StatusChangeNotification)
	require.True(t, ok, "got %T", nm.NotificationData[0].Value)
	return sc.Status
}

func TestServer_PublishAndRepublish(t *testing.T) {
	require := require.New(t)
	srv, h := startTestServer(t)
	ch := dial(t, srv)
	token := openSession(t, ch)
	subID := subscribe(t, ch, token, 50)

	resp := nextData(t, ch, token)
	require.Equal(subID, resp.SubscriptionID)
	require.Equal(uint32(1), resp.NotificationMessage.SequenceNumber)
	require.Equal([]uint32{1}, resp.AvailableSequenceNumbers)
	items := dataChanges(t, resp.NotificationMessage)
	require.Len(items, 1)
	require.Equal(uint32(counterHandle), items[0].ClientHandle)
	require.Equal(int32(1), items[0].Value.Value.Value)

	h.SetValue(counterNode, opcua.MustVariant(int32(2)))
	resp, err := publish(t, ch, token, opcua.SubscriptionAcknowledgement{SubscriptionID: subID, SequenceNumber: 1})
	require.NoError(err)
	require.Equal([]opcua.StatusCode{opcua.StatusGood}, resp.Results)
	require.Equal(uint32(2), resp.NotificationMessage.SequenceNumber)
	require.Equal([]uint32{2}, resp.AvailableSequenceNumbers)
	require.Equal(int32(2), dataChanges(t, resp.NotificationMessage)[0].Value.Value.Value)

	rp, err := call[*opcua.RepublishResponse](t, ch, withToken(&opcua.RepublishRequest{SubscriptionID: subID, RetransmitSequenceNumber: 2}, token))
	require.NoError(err)
	require.Equal(uint32(2), rp.NotificationMessage.SequenceNumber)

	_, err = call[*opcua.RepublishResponse](t, ch, withToken(&opcua.RepublishRequest{SubscriptionID: subID, RetransmitSequenceNumber: 1}, token))
	require.True(opcua.IsStatusCode(err, opcua.StatusBadMessageNotAvailable))

	// The next message is a keep-alive carrying the next sequence number.
	resp, err = publish(t, ch, token, opcua.SubscriptionAcknowledgement{SubscriptionID: subID, SequenceNumber: 1})
	require.NoError(err)
	require.Equal([]opcua.StatusCode{opcua.StatusBadSequenceNumberUnknown}, resp.Results)
	require.True(resp.NotificationMessage.IsKeepAlive())
	require.Equal(uint32(3), resp.NotificationMessage.SequenceNumber)

	ds, err := call[*opcua.DeleteSubscriptionsResponse](t, ch, withToken(&opcua.DeleteSubscriptionsRequest{SubscriptionIDs: []uint32{subID, 99}}, token))
	require.NoError(err)
	require.Equal([]opcua.StatusCode{opcua.StatusGood, opcua.StatusBadSubscriptionIDInvalid}, ds.Results)

	_, err = publish(t, ch, token)
	require.True(opcua.IsStatusCode(err, opcua.StatusBadNoSubscription))
	require.Zero(srv.Metrics().ActiveSubscriptions.Value())
	require.Zero(srv.Metrics().MonitoredItems.Value())
}

func TestServer_TooManyPublishRequests(t *testing.T) {
	require := require.New(t)
	srv, _ := startTestServer(t, WithMaxPublishRequests(1))
	ch := dial(t, srv)
	token := openSession(t, ch)

	_, err := call[*opcua.CreateSubscriptionResponse](t, ch, withToken(&opcua.CreateSubscriptionRequest{
		RequestedPublishingInterval: 10,
		RequestedMaxKeepAliveCount:  1000,
		PublishingEnabled:           true,
	}, token))
	require.NoError(err)

	resp, err := publish(t, ch, token)
	require.NoError(err)
	require.True(resp.NotificationMessage.IsKeepAlive())

	// Requests of one channel are served in order, so the first stays
	// queued when the second arrives.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = ch.SendAsync(ctx, withToken(&opcua.PublishRequest{}, token))
	require.NoError(err)
	_, err = publish(t, ch, token)
	require.True(opcua.IsStatusCode(err, opcua.StatusBadTooManyPublishRequests))
}

func TestServer_Transfer(t *testing.T) {
	require := require.New(t)
	srv, _ := startTestServer(t)

	ch1 := dial(t, srv)
	tokenA := openSession(t, ch1)
	subID := subscribe(t, ch1, tokenA, 1000)

	resp := nextData(t, ch1, tokenA)
	require.Equal(uint32(1), resp.NotificationMessage.SequenceNumber)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pending, err := ch1.SendAsync(ctx, withToken(&opcua.PublishRequest{}, tokenA))
	require.NoError(err)
	time.Sleep(50 * time.Millisecond)

	ch2 := dial(t, srv)
	tokenB := openSession(t, ch2)
	tr, err := call[*opcua.TransferSubscriptionsResponse](t, ch2, withToken(&opcua.TransferSubscriptionsRequest{SubscriptionIDs: []uint32{subID, 42}}, tokenB))
	require.NoError(err)
	require.Len(tr.Results, 2)
	require.Equal(opcua.StatusGood, tr.Results[0].StatusCode)
	require.Equal([]uint32{1}, tr.Results[0].AvailableSequenceNumbers)
	require.Equal(opcua.StatusBadSubscriptionIDInvalid, tr.Results[1].StatusCode)

	msg, err := pending.Wait(ctx)
	require.NoError(err)
	old, ok := msg.(*opcua.PublishResponse)
	require.True(ok, "got %T", msg)
	require.Equal(opcua.StatusGoodSubscriptionTransferred, statusChange(t, old.NotificationMessage))

	resp, err = publish(t, ch2, tokenB)
	require.NoError(err)
	require.Equal(subID, resp.SubscriptionID)
	require.True(resp.NotificationMessage.IsKeepAlive())
	require.Equal(uint32(2), resp.NotificationMessage.SequenceNumber)

	rp, err := call[*opcua.RepublishResponse](t, ch2, withToken(&opcua.RepublishRequest{SubscriptionID: subID, RetransmitSequenceNumber: 1}, tokenB))
	require.NoError(err)
	require.Equal(uint32(counterHandle), dataChanges(t, rp.NotificationMessage)[0].ClientHandle)

	_, err = publish(t, ch1, tokenA)
	require.True(opcua.IsStatusCode(err, opcua.StatusBadNoSubscription))
}

func TestServer_OrphanedSubscription(t *testing.T) {
	require := require.New(t)
	srv, _ := startTestServer(t)

	ch1 := dial(t, srv)
	tokenA := openSession(t, ch1)
	subID := subscribe(t, ch1, tokenA, 1000)
	_, err := call[*opcua.CloseSessionResponse](t, ch1, withToken(&opcua.CloseSessionRequest{DeleteSubscriptions: false}, tokenA))
	require.NoError(err)
	require.Equal(int64(1), srv.Metrics().ActiveSubscriptions.Value())

	ch2 := dial(t, srv)
	tokenB := openSession(t, ch2)
	tr, err := call[*opcua.TransferSubscriptionsResponse](t, ch2, withToken(&opcua.TransferSubscriptionsRequest{
		SubscriptionIDs:   []uint32{subID},
		SendInitialValues: true,
	}, tokenB))
	require.NoError(err)
	require.Equal(opcua.StatusGood, tr.Results[0].StatusCode)

	resp, err := publish(t, ch2, tokenB)
	require.NoError(err)
	require.Equal(subID, resp.SubscriptionID)
}

func TestServer_SubscriptionLifetime(t *testing.T) {
	require := require.New(t)
	srv, _ := startTestServer(t)
	ch := dial(t, srv)
	token := openSession(t, ch)

	_, err := call[*opcua.CreateSubscriptionResponse](t, ch, withToken(&opcua.CreateSubscriptionRequest{
		RequestedPublishingInterval: 10,
		RequestedMaxKeepAliveCount:  1,
		RequestedLifetimeCount:      3,
		PublishingEnabled:           true,
	}, token))
	require.NoError(err)

	require.Eventually(func() bool {
		return srv.Metrics().ActiveSubscriptions.Value() == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err = publish(t, ch, token)
	require.True(opcua.IsStatusCode(err, opcua.StatusBadNoSubscription))
}

func TestServer_MonitoredItemErrors(t *testing.T) {
	require := require.New(t)
	srv, _ := startTestServer(t)
	ch := dial(t, srv)
	token := openSession(t, ch)
	subID := subscribe(t, ch, token, 10)

	ci, err := call[*opcua.CreateMonitoredItemsResponse](t, ch, withToken(&opcua.CreateMonitoredItemsRequest{
		SubscriptionID: subID,
		ItemsToCreate: []opcua.MonitoredItemCreateRequest{{
			ItemToMonitor: opcua.ReadValueID{NodeID: counterNode, AttributeID: opcua.AttributeValue},
			RequestedParameters: opcua.MonitoringParameters{
				Filter: opcua.NewExtensionObject(&opcua.DataChangeFilter{DeadbandType: opcua.DeadbandTypePercent, DeadbandValue: 5}),
			},
		}},
	}, token))
	require.NoError(err)
	require.Equal(opcua.StatusBadMonitoredItemFilterInvalid, ci.Results[0].StatusCode)

	_, err = call[*opcua.CreateMonitoredItemsResponse](t, ch, withToken(&opcua.CreateMonitoredItemsRequest{SubscriptionID: 77, ItemsToCreate: make([]opcua.MonitoredItemCreateRequest, 1)}, token))
	require.True(opcua.IsStatusCode(err, opcua.StatusBadSubscriptionIDInvalid))

	dm, err := call[*opcua.DeleteMonitoredItemsResponse](t, ch, withToken(&opcua.DeleteMonitoredItemsRequest{SubscriptionID: subID, MonitoredItemIDs: []uint32{1, 5}}, token))
	require.NoError(err)
	require.Equal([]opcua.StatusCode{opcua.StatusGood, opcua.StatusBadMonitoredItemIDInvalid}, dm.Results)
}

func TestMonitoredItem_Sample(t *testing.T) {
	dv := func(v interface{}) opcua.DataValue {
		vv := opcua.MustVariant(v)
		return opcua.DataValue{Value: &vv}
	}

	t.Run("unchanged values are dropped", func(t *testing.T) {
		require := require.New(t)
		it := &monitoredItem{mode: opcua.MonitoringModeReporting, queueSize: 1, discardOldest: true}
		it.sample(dv(int32(1)))
		it.sample(dv(int32(1)))
		require.Len(it.queue, 1)
		it.sample(dv(int32(2)))
		require.Len(it.queue, 1)
		require.Equal(int32(2), it.queue[0].Value.Value)
	})

	t.Run("absolute deadband", func(t *testing.T) {
		require := require.New(t)
		it := &monitoredItem{
			mode:      opcua.MonitoringModeReporting,
			queueSize: 10,
			filter:    &opcua.DataChangeFilter{Trigger: opcua.DataChangeTriggerStatusValue, DeadbandType: opcua.DeadbandTypeAbsolute, DeadbandValue: 1.5},
		}
		for _, v := range []float64{10, 11, 11.4, 12, 8} {
			it.sample(dv(v))
		}
		require.Len(it.queue, 3)
		require.Equal(12.0, it.queue[1].Value.Value)
		require.Equal(8.0, it.queue[2].Value.Value)
	})

	t.Run("status trigger ignores values", func(t *testing.T) {
		require := require.New(t)
		it := &monitoredItem{
			mode:      opcua.MonitoringModeReporting,
			queueSize: 10,
			filter:    &opcua.DataChangeFilter{Trigger: opcua.DataChangeTriggerStatus},
		}
		it.sample(dv(int32(1)))
		it.sample(dv(int32(2)))
		bad := dv(int32(2))
		bad.StatusCode = opcua.StatusBadInternalError
		it.sample(bad)
		require.Len(it.queue, 2)
	})

	t.Run("queue keeps newest", func(t *testing.T) {
		require := require.New(t)
		it := &monitoredItem{mode: opcua.MonitoringModeReporting, queueSize: 2}
		for i := range int32(4) {
			it.sample(dv(i))
		}
		require.Len(it.queue, 2)
		require.Equal(int32(0), it.queue[0].Value.Value)
		require.Equal(int32(3), it.queue[1].Value.Value)
	})

	t.Run("sampling mode does not queue", func(t *testing.T) {
		it := &monitoredItem{mode: opcua.MonitoringModeSampling, queueSize: 1}
		it.sample(dv(int32(1)))
		require.Empty(t, it.queue)
		require.NotNil(t, it.last)
	})
}
