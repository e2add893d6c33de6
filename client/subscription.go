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
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	opcua "github.com/edgeo-scada/opcua-uasc"
)

// DataChange is one value change of a monitored item.
type DataChange struct {
	Item         *MonitoredItem
	ClientHandle uint32
	Value        opcua.DataValue
}

// Event is one event reported by a monitored item.
type Event struct {
	Item         *MonitoredItem
	ClientHandle uint32
	Fields       []opcua.Variant
}

// DataLoss reports notifications that could not be recovered. From and To
// bound the lost sequence numbers; both are zero when the subscription was
// recreated and everything it held on the server is gone.
type DataLoss struct {
	SubscriptionID uint32
	From, To       uint32
	Recreated      bool
	Err            error
}

func (d *DataLoss) Error() string {
	switch {
	case d.Recreated:
		return fmt.Sprintf("opcua: subscription %d recreated, queued notifications lost", d.SubscriptionID)
	case d.From == d.To:
		return fmt.Sprintf("opcua: subscription %d lost notification %d", d.SubscriptionID, d.From)
	}
	return fmt.Sprintf("opcua: subscription %d lost notifications %d to %d", d.SubscriptionID, d.From, d.To)
}

// Unwrap returns ErrDataLoss and the cause, if any.
func (d *DataLoss) Unwrap() []error {
	if d.Err != nil {
		return []error{opcua.ErrDataLoss, d.Err}
	}
	return []error{opcua.ErrDataLoss}
}

// Notification is one notification message of a subscription, or a data
// loss report when Loss is set.
type Notification struct {
	SubscriptionID uint32
	SequenceNumber uint32
	PublishTime    time.Time
	// Republished is set for messages recovered with Republish.
	Republished bool

	DataChanges  []DataChange
	Events       []Event
	StatusChange *opcua.StatusCode
	Loss         *DataLoss
}

// MonitoredItem is an item of a subscription. Its client handle never
// changes; the server id changes when the subscription is recreated.
type MonitoredItem struct {
	NodeID       opcua.NodeID
	AttributeID  opcua.AttributeID
	ClientHandle uint32

	sub    *Subscription
	id     atomic.Uint32
	mode   opcua.MonitoringMode
	params opcua.MonitoringParameters

	mu                      sync.Mutex
	revisedSamplingInterval float64
	revisedQueueSize        uint32
}

// ID returns the server assigned id.
func (m *MonitoredItem) ID() uint32 {
	return m.id.Load()
}

// Subscription returns the subscription the item belongs to.
func (m *MonitoredItem) Subscription() *Subscription {
	return m.sub
}

// Revised returns the sampling interval and queue size the server granted.
func (m *MonitoredItem) Revised() (samplingInterval float64, queueSize uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revisedSamplingInterval, m.revisedQueueSize
}

func (m *MonitoredItem) createRequest() opcua.MonitoredItemCreateRequest {
	return opcua.MonitoredItemCreateRequest{
		ItemToMonitor:       opcua.ReadValueID{NodeID: m.NodeID, AttributeID: m.AttributeID},
		MonitoringMode:      m.mode,
		RequestedParameters: m.params,
	}
}

func (m *MonitoredItem) created(r opcua.MonitoredItemCreateResult) {
	m.id.Store(r.MonitoredItemID)
	m.mu.Lock()
	m.revisedSamplingInterval = r.RevisedSamplingInterval
	m.revisedQueueSize = r.RevisedQueueSize
	m.mu.Unlock()
}

// Subscription is a client subscription. Its notification channel stays
// the same when the subscription is transferred or recreated after a
// reconnect and is closed by Delete.
type Subscription struct {
	req    requester
	engine *engine
	logger *slog.Logger

	mu               sync.Mutex
	opts             *subscriptionOptions
	id               uint32
	revisedInterval  float64
	revisedLifetime  uint32
	revisedKeepAlive uint32
	items            map[uint32]*MonitoredItem
	nextHandle       uint32

	// last is the sequence number of the last delivered message. It is
	// owned by the engine's processing lock.
	last uint32

	notifications chan Notification
	done          chan struct{}
	doneOnce      sync.Once
}

func newSubscription(r requester, e *engine, o *subscriptionOptions) *Subscription {
	return &Subscription{
		req:           r,
		engine:        e,
		logger:        e.logger,
		opts:          o,
		items:         make(map[uint32]*MonitoredItem),
		notifications: make(chan Notification, max(o.bufferSize, 0)),
		done:          make(chan struct{}),
	}
}

// CreateSubscription creates a subscription and registers it with the
// publish engine.
func (c *Client) CreateSubscription(ctx context.Context, opts ...SubscriptionOption) (*Subscription, error) {
	o := defaultSubscriptionOptions()
	for _, opt := range opts {
		opt(o)
	}

	s := newSubscription(c, c.engine, o)
	if err := s.create(ctx); err != nil {
		return nil, err
	}
	c.engine.add(s)
	c.metrics.ActiveSubscriptions.Add(1)

	s.logger.Info("subscription created",
		slog.Uint64("subscription_id", uint64(s.ID())),
		slog.Float64("publishing_interval", s.revisedInterval))
	return s, nil
}

// create asks the server for a subscription with the current options and
// adopts the id and revised values it returns.
func (s *Subscription) create(ctx context.Context) error {
	s.mu.Lock()
	o := *s.opts
	s.mu.Unlock()

	msg, err := s.req.send(ctx, &opcua.CreateSubscriptionRequest{
		RequestedPublishingInterval: o.publishingInterval,
		RequestedLifetimeCount:      o.lifetimeCount,
		RequestedMaxKeepAliveCount:  o.maxKeepAliveCount,
		MaxNotificationsPerPublish:  o.maxNotifications,
		PublishingEnabled:           o.publishingEnabled,
		Priority:                    o.priority,
	})
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	resp, ok := msg.(*opcua.CreateSubscriptionResponse)
	if !ok {
		return fmt.Errorf("%w: create subscription answered with %T", opcua.ErrMalformedMessage, msg)
	}

	s.mu.Lock()
	s.id = resp.SubscriptionID
	s.revisedInterval = resp.RevisedPublishingInterval
	s.revisedLifetime = resp.RevisedLifetimeCount
	s.revisedKeepAlive = resp.RevisedMaxKeepAliveCount
	s.mu.Unlock()
	return nil
}

// ID returns the server assigned id. It changes if the subscription had to
// be recreated after a reconnect.
func (s *Subscription) ID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// PublishingInterval returns the revised publishing interval.
func (s *Subscription) PublishingInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.revisedInterval * float64(time.Millisecond))
}

// keepAliveTimeout is how long the server may hold a publish request
// before answering with a keep-alive.
func (s *Subscription) keepAliveTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	keepAlive := max(s.revisedKeepAlive, 1)
	return time.Duration(s.revisedInterval*float64(keepAlive)) * time.Millisecond
}

// Notifications returns the notification stream.
func (s *Subscription) Notifications() <-chan Notification {
	return s.notifications
}

// Items returns the monitored items ordered by client handle.
func (s *Subscription) Items() []*MonitoredItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	handles := slices.Sorted(maps.Keys(s.items))
	items := make([]*MonitoredItem, 0, len(handles))
	for _, h := range handles {
		items = append(items, s.items[h])
	}
	return items
}

// Item returns the monitored item with the given client handle.
func (s *Subscription) Item(clientHandle uint32) (*MonitoredItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[clientHandle]
	return m, ok
}

// Monitor creates one monitored item per node. Items the server rejects
// are left out of the result and reported in the returned error.
func (s *Subscription) Monitor(ctx context.Context, nodes []opcua.NodeID, opts ...MonitoredItemOption) ([]*MonitoredItem, error) {
	o := defaultMonitoredItemOptions()
	for _, opt := range opts {
		opt(o)
	}

	s.mu.Lock()
	pending := make([]*MonitoredItem, len(nodes))
	for i, n := range nodes {
		s.nextHandle++
		m := &MonitoredItem{
			NodeID:       n,
			AttributeID:  o.attributeID,
			ClientHandle: s.nextHandle,
			sub:          s,
			mode:         o.monitoringMode,
			params: opcua.MonitoringParameters{
				ClientHandle:     s.nextHandle,
				SamplingInterval: o.samplingInterval,
				Filter:           opcua.NewExtensionObject(o.filter),
				QueueSize:        o.queueSize,
				DiscardOldest:    o.discardOldest,
			},
		}
		pending[i] = m
	}
	s.mu.Unlock()

	results, err := s.createItems(ctx, s.ID(), pending)
	if err != nil {
		return nil, err
	}

	var errs []error
	created := make([]*MonitoredItem, 0, len(pending))
	s.mu.Lock()
	for i, m := range pending {
		if sc := results[i].StatusCode; sc.IsBad() {
			errs = append(errs, fmt.Errorf("monitor %s: %w", m.NodeID, sc))
			continue
		}
		m.created(results[i])
		s.items[m.ClientHandle] = m
		created = append(created, m)
	}
	s.mu.Unlock()

	s.engine.m.MonitoredItems.Add(int64(len(created)))
	return created, errors.Join(errs...)
}

func (s *Subscription) createItems(ctx context.Context, subID uint32, items []*MonitoredItem) ([]opcua.MonitoredItemCreateResult, error) {
	req := &opcua.CreateMonitoredItemsRequest{
		SubscriptionID:     subID,
		TimestampsToReturn: opcua.TimestampsToReturnBoth,
		ItemsToCreate:      make([]opcua.MonitoredItemCreateRequest, len(items)),
	}
	for i, m := range items {
		req.ItemsToCreate[i] = m.createRequest()
	}
	msg, err := s.req.send(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create monitored items: %w", err)
	}
	resp, ok := msg.(*opcua.CreateMonitoredItemsResponse)
	if !ok || len(resp.Results) != len(items) {
		return nil, fmt.Errorf("%w: create monitored items answered with %T", opcua.ErrMalformedMessage, msg)
	}
	return resp.Results, nil
}

// Unmonitor deletes monitored items from the subscription.
func (s *Subscription) Unmonitor(ctx context.Context, items ...*MonitoredItem) error {
	if len(items) == 0 {
		return nil
	}
	ids := make([]uint32, len(items))
	s.mu.Lock()
	for i, m := range items {
		if s.items[m.ClientHandle] != m {
			s.mu.Unlock()
			return fmt.Errorf("%w: client handle %d", opcua.ErrMonitoredItemNotFound, m.ClientHandle)
		}
		ids[i] = m.ID()
	}
	id := s.id
	s.mu.Unlock()

	msg, err := s.req.send(ctx, &opcua.DeleteMonitoredItemsRequest{SubscriptionID: id, MonitoredItemIDs: ids})
	if err != nil {
		return fmt.Errorf("delete monitored items: %w", err)
	}
	resp, ok := msg.(*opcua.DeleteMonitoredItemsResponse)
	if !ok {
		return fmt.Errorf("%w: delete monitored items answered with %T", opcua.ErrMalformedMessage, msg)
	}

	var errs []error
	removed := 0
	s.mu.Lock()
	for i, m := range items {
		if i < len(resp.Results) && resp.Results[i].IsBad() && resp.Results[i] != opcua.StatusBadMonitoredItemIDInvalid {
			errs = append(errs, fmt.Errorf("unmonitor %s: %w", m.NodeID, resp.Results[i]))
			continue
		}
		delete(s.items, m.ClientHandle)
		removed++
	}
	s.mu.Unlock()

	s.engine.m.MonitoredItems.Add(-int64(removed))
	return errors.Join(errs...)
}

// Modify changes the publishing parameters. Only the options that map to
// ModifySubscription take effect; the rest are kept for a recreate.
func (s *Subscription) Modify(ctx context.Context, opts ...SubscriptionOption) error {
	s.mu.Lock()
	o := *s.opts
	id := s.id
	s.mu.Unlock()
	for _, opt := range opts {
		opt(&o)
	}

	msg, err := s.req.send(ctx, &opcua.ModifySubscriptionRequest{
		SubscriptionID:              id,
		RequestedPublishingInterval: o.publishingInterval,
		RequestedLifetimeCount:      o.lifetimeCount,
		RequestedMaxKeepAliveCount:  o.maxKeepAliveCount,
		MaxNotificationsPerPublish:  o.maxNotifications,
		Priority:                    o.priority,
	})
	if err != nil {
		return fmt.Errorf("modify subscription: %w", err)
	}
	resp, ok := msg.(*opcua.ModifySubscriptionResponse)
	if !ok {
		return fmt.Errorf("%w: modify subscription answered with %T", opcua.ErrMalformedMessage, msg)
	}

	s.mu.Lock()
	s.opts = &o
	s.revisedInterval = resp.RevisedPublishingInterval
	s.revisedLifetime = resp.RevisedLifetimeCount
	s.revisedKeepAlive = resp.RevisedMaxKeepAliveCount
	s.mu.Unlock()
	return nil
}

// Delete deletes the subscription on the server and closes its
// notification channel.
func (s *Subscription) Delete(ctx context.Context) error {
	id := s.ID()
	msg, err := s.req.send(ctx, &opcua.DeleteSubscriptionsRequest{SubscriptionIDs: []uint32{id}})
	if err == nil {
		if resp, ok := msg.(*opcua.DeleteSubscriptionsResponse); ok && len(resp.Results) > 0 &&
			resp.Results[0].IsBad() && resp.Results[0] != opcua.StatusBadSubscriptionIDInvalid {
			err = resp.Results[0]
		}
	}
	if err != nil {
		return fmt.Errorf("delete subscription %d: %w", id, err)
	}

	s.engine.remove(s)
	s.logger.Info("subscription deleted", slog.Uint64("subscription_id", uint64(id)))
	return nil
}

// stop unblocks a pending delivery.
func (s *Subscription) stop() {
	s.doneOnce.Do(func() { close(s.done) })
}

// dispatch decodes a notification message, runs the callbacks and queues
// it on the notification channel.
func (s *Subscription) dispatch(ctx context.Context, nm opcua.NotificationMessage, republished bool) Notification {
	n := Notification{
		SubscriptionID: s.ID(),
		SequenceNumber: nm.SequenceNumber,
		PublishTime:    nm.PublishTime,
		Republished:    republished,
	}
	for _, eo := range nm.NotificationData {
		if eo == nil {
			continue
		}
		switch d := eo.Value.(type) {
		case *opcua.DataChangeNotification:
			for _, mi := range d.MonitoredItems {
				item, _ := s.Item(mi.ClientHandle)
				n.DataChanges = append(n.DataChanges, DataChange{Item: item, ClientHandle: mi.ClientHandle, Value: mi.Value})
			}
		case *opcua.EventNotificationList:
			for _, ev := range d.Events {
				item, _ := s.Item(ev.ClientHandle)
				n.Events = append(n.Events, Event{Item: item, ClientHandle: ev.ClientHandle, Fields: ev.EventFields})
			}
		case *opcua.StatusChangeNotification:
			st := d.Status
			n.StatusChange = &st
		default:
			s.logger.Debug("ignoring notification data", slog.String("type", eo.TypeID.String()))
		}
	}

	s.mu.Lock()
	o := s.opts
	s.mu.Unlock()
	if o.onDataChange != nil {
		for _, dc := range n.DataChanges {
			o.onDataChange(dc.Item, dc.Value)
		}
	}
	if o.onEvent != nil {
		for _, ev := range n.Events {
			o.onEvent(ev.Item, ev.Fields)
		}
	}
	if o.onStatusChange != nil && n.StatusChange != nil {
		o.onStatusChange(*n.StatusChange)
	}
	s.push(ctx, n)
	return n
}

// lost reports a data loss on the notification channel.
func (s *Subscription) lost(ctx context.Context, d *DataLoss) {
	s.mu.Lock()
	o := s.opts
	s.mu.Unlock()

	s.logger.Warn("notification data loss",
		slog.Uint64("subscription_id", uint64(d.SubscriptionID)),
		slog.Uint64("from", uint64(d.From)),
		slog.Uint64("to", uint64(d.To)),
		slog.Bool("recreated", d.Recreated))
	if o.onDataLoss != nil {
		o.onDataLoss(d)
	}
	s.push(ctx, Notification{SubscriptionID: d.SubscriptionID, Loss: d})
}

// push runs under the engine's processing lock, which also guards closing
// the channel.
func (s *Subscription) push(ctx context.Context, n Notification) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.notifications <- n:
	case <-s.done:
	case <-ctx.Done():
	}
}
