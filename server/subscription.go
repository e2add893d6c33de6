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
	"log/slog"
	"maps"
	"math"
	"reflect"
	"slices"
	"sync"
	"time"

	opcua "github.com/edgeo-scada/opcua-uasc"
	"github.com/edgeo-scada/opcua-uasc/uasc"
)

const (
	defaultKeepAliveCount = 10
	maxItemQueueSize      = 100
)

// publishRequest is a Publish request waiting for a notification.
type publishRequest struct {
	ch        *uasc.SecureChannel
	requestID uint32
	req       *opcua.PublishRequest
	results   []opcua.StatusCode
	deadline  time.Time
}

func (pr *publishRequest) dead() bool {
	select {
	case <-pr.ch.Done():
		return true
	default:
		return false
	}
}

type monitoredItem struct {
	id            uint32
	handle        uint32
	read          opcua.ReadValueID
	mode          opcua.MonitoringMode
	timestamps    opcua.TimestampsToReturn
	filter        *opcua.DataChangeFilter
	queueSize     int
	discardOldest bool

	last  *opcua.DataValue
	queue []opcua.DataValue
}

// sample queues dv if it passes the filter.
func (it *monitoredItem) sample(dv opcua.DataValue) {
	if it.mode == opcua.MonitoringModeDisabled {
		return
	}
	if it.last != nil && !it.changed(*it.last, dv) {
		return
	}
	it.last = &dv
	if it.mode != opcua.MonitoringModeReporting {
		return
	}
	if len(it.queue) >= it.queueSize {
		if !it.discardOldest {
			it.queue[len(it.queue)-1] = dv
			return
		}
		it.queue = it.queue[1:]
	}
	it.queue = append(it.queue, dv)
}

func (it *monitoredItem) changed(prev, cur opcua.DataValue) bool {
	if prev.StatusCode != cur.StatusCode {
		return true
	}
	trigger := opcua.DataChangeTriggerStatusValue
	if it.filter != nil {
		trigger = it.filter.Trigger
	}
	if trigger == opcua.DataChangeTriggerStatus {
		return false
	}
	if trigger == opcua.DataChangeTriggerStatusValueTimestamp && !prev.SourceTimestamp.Equal(cur.SourceTimestamp) {
		return true
	}
	if it.filter != nil && it.filter.DeadbandType == opcua.DeadbandTypeAbsolute {
		a, aok := numeric(prev.Value)
		b, bok := numeric(cur.Value)
		if aok && bok {
			return math.Abs(a-b) > it.filter.DeadbandValue
		}
	}
	return !reflect.DeepEqual(prev.Value, cur.Value)
}

func numeric(v *opcua.Variant) (float64, bool) {
	if v == nil {
		return 0, false
	}
	switch x := v.Value.(type) {
	case int8:
		return float64(x), true
	case uint8:
		return float64(x), true
	case int16:
		return float64(x), true
	case uint16:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// subscription is a server-side subscription. All fields are guarded by
// the publisher lock. owner is nil while no session holds it.
type subscription struct {
	id            uint32
	owner         *session
	user          string
	interval      time.Duration
	lifetimeCount uint32
	keepAlive     uint32
	maxPerPublish uint32
	enabled       bool

	items    map[uint32]*monitoredItem
	nextItem uint32

	seq        uint32
	retransmit []opcua.NotificationMessage

	late            bool
	sentFirst       bool
	keepAliveCount  uint32
	lifetimeCounter uint32

	ticker  *time.Ticker
	stop    chan struct{}
	deleted bool
}

func (sub *subscription) logAttrs() slog.Attr {
	return slog.Uint64("subscription_id", uint64(sub.id))
}

func (sub *subscription) ready() bool {
	if !sub.enabled {
		return false
	}
	for _, it := range sub.items {
		if len(it.queue) > 0 {
			return true
		}
	}
	return false
}

// nextSeq returns the sequence number the next data message will use.
// Zero is never used.
func (sub *subscription) nextSeq() uint32 {
	if sub.seq == math.MaxUint32 {
		return 1
	}
	return sub.seq + 1
}

func (sub *subscription) available() []uint32 {
	out := make([]uint32, len(sub.retransmit))
	for i, nm := range sub.retransmit {
		out[i] = nm.SequenceNumber
	}
	return out
}

// publisher owns every subscription and the publish queues of sessions.
type publisher struct {
	srv *Server

	mu     sync.Mutex
	subs   map[uint32]*subscription
	nextID uint32

	done chan struct{}
	wg   sync.WaitGroup
}

func newPublisher(srv *Server) *publisher {
	return &publisher{
		srv:  srv,
		subs: make(map[uint32]*subscription),
		done: make(chan struct{}),
	}
}

func (p *publisher) close() {
	p.mu.Lock()
	for _, sub := range p.subs {
		p.deleteLocked(sub)
	}
	p.mu.Unlock()
	close(p.done)
	p.wg.Wait()
}

func (p *publisher) revise(interval float64, lifetime, keepAlive uint32) (time.Duration, uint32, uint32) {
	opts := p.srv.opts
	d := time.Duration(interval * float64(time.Millisecond))
	d = max(d, opts.minPublishInterval)
	if keepAlive == 0 {
		keepAlive = defaultKeepAliveCount
	}
	lifetime = max(lifetime, 3*keepAlive)
	return d, lifetime, keepAlive
}

func (p *publisher) create(s *session, req *opcua.CreateSubscriptionRequest) (*opcua.CreateSubscriptionResponse, error) {
	s.mu.Lock()
	user := s.user
	s.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.subs) >= p.srv.opts.maxSubscriptions {
		return nil, opcua.StatusBadTooManySubscriptions
	}
	interval, lifetime, keepAlive := p.revise(req.RequestedPublishingInterval, req.RequestedLifetimeCount, req.RequestedMaxKeepAliveCount)

	p.nextID++
	sub := &subscription{
		id:            p.nextID,
		owner:         s,
		user:          user,
		interval:      interval,
		lifetimeCount: lifetime,
		keepAlive:     keepAlive,
		maxPerPublish: req.MaxNotificationsPerPublish,
		enabled:       req.PublishingEnabled,
		items:         make(map[uint32]*monitoredItem),
		ticker:        time.NewTicker(interval),
		stop:          make(chan struct{}),
	}
	p.subs[sub.id] = sub
	s.subs[sub.id] = sub
	p.srv.metrics.ActiveSubscriptions.Add(1)

	p.wg.Add(1)
	go p.run(sub)

	p.srv.logger.Debug("subscription created", s.logAttrs(), sub.logAttrs(),
		slog.Duration("interval", interval),
		slog.Uint64("keep_alive", uint64(keepAlive)),
		slog.Uint64("lifetime", uint64(lifetime)))

	return &opcua.CreateSubscriptionResponse{
		ResponseHeader:            opcua.NewResponseHeader(req, opcua.StatusGood),
		SubscriptionID:            sub.id,
		RevisedPublishingInterval: float64(interval) / float64(time.Millisecond),
		RevisedLifetimeCount:      lifetime,
		RevisedMaxKeepAliveCount:  keepAlive,
	}, nil
}

func (p *publisher) modify(s *session, req *opcua.ModifySubscriptionRequest) (*opcua.ModifySubscriptionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub, ok := s.subs[req.SubscriptionID]
	if !ok {
		return nil, opcua.StatusBadSubscriptionIDInvalid
	}
	interval, lifetime, keepAlive := p.revise(req.RequestedPublishingInterval, req.RequestedLifetimeCount, req.RequestedMaxKeepAliveCount)
	if interval != sub.interval {
		sub.ticker.Reset(interval)
	}
	sub.interval = interval
	sub.lifetimeCount = lifetime
	sub.keepAlive = keepAlive
	sub.maxPerPublish = req.MaxNotificationsPerPublish

	return &opcua.ModifySubscriptionResponse{
		ResponseHeader:            opcua.NewResponseHeader(req, opcua.StatusGood),
		RevisedPublishingInterval: float64(interval) / float64(time.Millisecond),
		RevisedLifetimeCount:      lifetime,
		RevisedMaxKeepAliveCount:  keepAlive,
	}, nil
}

func (p *publisher) delete(s *session, req *opcua.DeleteSubscriptionsRequest) (*opcua.DeleteSubscriptionsResponse, error) {
	if len(req.SubscriptionIDs) == 0 {
		return nil, opcua.StatusBadNothingToDo
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	results := make([]opcua.StatusCode, len(req.SubscriptionIDs))
	for i, id := range req.SubscriptionIDs {
		sub, ok := s.subs[id]
		if !ok {
			results[i] = opcua.StatusBadSubscriptionIDInvalid
			continue
		}
		p.deleteLocked(sub)
	}
	if len(s.subs) == 0 {
		p.flush(s, opcua.StatusBadNoSubscription)
	}
	return &opcua.DeleteSubscriptionsResponse{
		ResponseHeader: opcua.NewResponseHeader(req, opcua.StatusGood),
		Results:        results,
	}, nil
}

func (p *publisher) deleteLocked(sub *subscription) {
	if sub.deleted {
		return
	}
	sub.deleted = true
	sub.ticker.Stop()
	close(sub.stop)
	delete(p.subs, sub.id)
	if sub.owner != nil {
		delete(sub.owner.subs, sub.id)
	}
	p.srv.metrics.ActiveSubscriptions.Add(-1)
	p.srv.metrics.MonitoredItems.Add(-int64(len(sub.items)))
}

func (p *publisher) createItems(s *session, req *opcua.CreateMonitoredItemsRequest) (*opcua.CreateMonitoredItemsResponse, error) {
	if len(req.ItemsToCreate) == 0 {
		return nil, opcua.StatusBadNothingToDo
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	sub, ok := s.subs[req.SubscriptionID]
	if !ok {
		return nil, opcua.StatusBadSubscriptionIDInvalid
	}

	results := make([]opcua.MonitoredItemCreateResult, len(req.ItemsToCreate))
	for i, r := range req.ItemsToCreate {
		params := r.RequestedParameters
		var filter *opcua.DataChangeFilter
		if eo := params.Filter; eo != nil {
			f, ok := eo.Value.(*opcua.DataChangeFilter)
			if !ok || f.DeadbandType == opcua.DeadbandTypePercent || r.ItemToMonitor.AttributeID != opcua.AttributeValue {
				results[i].StatusCode = opcua.StatusBadMonitoredItemFilterInvalid
				continue
			}
			filter = f
		}
		queueSize := int(min(max(params.QueueSize, 1), maxItemQueueSize))

		sub.nextItem++
		it := &monitoredItem{
			id:            sub.nextItem,
			handle:        params.ClientHandle,
			read:          r.ItemToMonitor,
			mode:          r.MonitoringMode,
			timestamps:    req.TimestampsToReturn,
			filter:        filter,
			queueSize:     queueSize,
			discardOldest: params.DiscardOldest,
		}
		sub.items[it.id] = it
		p.srv.metrics.MonitoredItems.Add(1)

		results[i] = opcua.MonitoredItemCreateResult{
			StatusCode:              opcua.StatusGood,
			MonitoredItemID:         it.id,
			RevisedSamplingInterval: float64(sub.interval) / float64(time.Millisecond),
			RevisedQueueSize:        uint32(queueSize),
		}
	}
	return &opcua.CreateMonitoredItemsResponse{
		ResponseHeader: opcua.NewResponseHeader(req, opcua.StatusGood),
		Results:        results,
	}, nil
}

func (p *publisher) deleteItems(s *session, req *opcua.DeleteMonitoredItemsRequest) (*opcua.DeleteMonitoredItemsResponse, error) {
	if len(req.MonitoredItemIDs) == 0 {
		return nil, opcua.StatusBadNothingToDo
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	sub, ok := s.subs[req.SubscriptionID]
	if !ok {
		return nil, opcua.StatusBadSubscriptionIDInvalid
	}
	results := make([]opcua.StatusCode, len(req.MonitoredItemIDs))
	for i, id := range req.MonitoredItemIDs {
		if _, ok := sub.items[id]; !ok {
			results[i] = opcua.StatusBadMonitoredItemIDInvalid
			continue
		}
		delete(sub.items, id)
		p.srv.metrics.MonitoredItems.Add(-1)
	}
	return &opcua.DeleteMonitoredItemsResponse{
		ResponseHeader: opcua.NewResponseHeader(req, opcua.StatusGood),
		Results:        results,
	}, nil
}

// publish acknowledges messages and queues the request. It returns a
// response only when the request is answered at once.
func (p *publisher) publish(ch *uasc.SecureChannel, requestID uint32, s *session, req *opcua.PublishRequest) (opcua.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	results := make([]opcua.StatusCode, len(req.SubscriptionAcknowledgements))
	for i, ack := range req.SubscriptionAcknowledgements {
		results[i] = p.acknowledge(s, ack)
	}

	if len(s.subs) == 0 {
		return nil, opcua.StatusBadNoSubscription
	}
	if len(s.queue) >= p.srv.opts.maxPublishRequests {
		return nil, opcua.StatusBadTooManyPublishRequests
	}

	pr := &publishRequest{ch: ch, requestID: requestID, req: req, results: results}
	if hint := req.TimeoutHint; hint > 0 {
		pr.deadline = time.Now().Add(time.Duration(hint) * time.Millisecond)
	}
	s.queue = append(s.queue, pr)

	now := time.Now()
	for _, id := range slices.Sorted(maps.Keys(s.subs)) {
		sub := s.subs[id]
		sub.lifetimeCounter = 0
		if sub.late && len(s.queue) > 0 {
			p.send(sub, now)
		}
	}
	return nil, nil
}

func (p *publisher) acknowledge(s *session, ack opcua.SubscriptionAcknowledgement) opcua.StatusCode {
	sub, ok := s.subs[ack.SubscriptionID]
	if !ok {
		return opcua.StatusBadSubscriptionIDInvalid
	}
	i := slices.IndexFunc(sub.retransmit, func(nm opcua.NotificationMessage) bool {
		return nm.SequenceNumber == ack.SequenceNumber
	})
	if i < 0 {
		return opcua.StatusBadSequenceNumberUnknown
	}
	sub.retransmit = slices.Delete(sub.retransmit, i, i+1)
	return opcua.StatusGood
}

func (p *publisher) republish(s *session, req *opcua.RepublishRequest) (*opcua.RepublishResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub, ok := s.subs[req.SubscriptionID]
	if !ok {
		return nil, opcua.StatusBadSubscriptionIDInvalid
	}
	for _, nm := range sub.retransmit {
		if nm.SequenceNumber == req.RetransmitSequenceNumber {
			p.srv.metrics.Republished.Add(1)
			return &opcua.RepublishResponse{
				ResponseHeader:      opcua.NewResponseHeader(req, opcua.StatusGood),
				NotificationMessage: nm,
			}, nil
		}
	}
	return nil, opcua.StatusBadMessageNotAvailable
}

// transfer moves subscriptions to s. The previous owner is told with a
// GoodSubscriptionTransferred status change.
func (p *publisher) transfer(s *session, req *opcua.TransferSubscriptionsRequest) (*opcua.TransferSubscriptionsResponse, error) {
	if len(req.SubscriptionIDs) == 0 {
		return nil, opcua.StatusBadNothingToDo
	}
	s.mu.Lock()
	user := s.user
	s.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	results := make([]opcua.TransferResult, len(req.SubscriptionIDs))
	for i, id := range req.SubscriptionIDs {
		sub, ok := p.subs[id]
		if !ok {
			results[i].StatusCode = opcua.StatusBadSubscriptionIDInvalid
			continue
		}
		if sub.user != user {
			results[i].StatusCode = opcua.StatusBadUserAccessDenied
			continue
		}
		if old := sub.owner; old != s {
			if old != nil {
				p.statusChange(sub, opcua.StatusGoodSubscriptionTransferred, now)
				delete(old.subs, sub.id)
				if len(old.subs) == 0 {
					p.flush(old, opcua.StatusBadNoSubscription)
				}
			}
			sub.owner = s
			s.subs[sub.id] = sub
		}
		sub.lifetimeCounter = 0
		sub.sentFirst = false
		if req.SendInitialValues {
			for _, it := range sub.items {
				it.last = nil
			}
		}
		p.srv.metrics.Transfers.Add(1)
		p.srv.logger.Info("subscription transferred", s.logAttrs(), sub.logAttrs(),
			slog.Int("available", len(sub.retransmit)))

		results[i] = opcua.TransferResult{
			StatusCode:               opcua.StatusGood,
			AvailableSequenceNumbers: sub.available(),
		}
	}
	return &opcua.TransferSubscriptionsResponse{
		ResponseHeader: opcua.NewResponseHeader(req, opcua.StatusGood),
		Results:        results,
	}, nil
}

// sessionClosed answers the queued publish requests of s and deletes or
// orphans its subscriptions. Orphaned subscriptions live until their
// lifetime runs out or another session takes them over.
func (p *publisher) sessionClosed(s *session, deleteSubscriptions bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.flush(s, opcua.StatusBadSessionClosed)
	for _, sub := range s.subs {
		if deleteSubscriptions {
			p.deleteLocked(sub)
			continue
		}
		sub.owner = nil
	}
	clear(s.subs)
}

// expireRequests answers publish requests whose timeout hint passed.
func (p *publisher) expireRequests(now time.Time, sessions []*session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range sessions {
		kept := s.queue[:0]
		for _, pr := range s.queue {
			switch {
			case pr.dead():
			case !pr.deadline.IsZero() && now.After(pr.deadline):
				p.fault(pr, opcua.StatusBadTimeout)
			default:
				kept = append(kept, pr)
			}
		}
		clear(s.queue[len(kept):])
		s.queue = kept
	}
}

// flush answers every queued publish request of s with status.
func (p *publisher) flush(s *session, status opcua.StatusCode) {
	for _, pr := range s.queue {
		if !pr.dead() {
			p.fault(pr, status)
		}
	}
	s.queue = nil
}

func (p *publisher) fault(pr *publishRequest, status opcua.StatusCode) {
	if err := pr.ch.SendFault(pr.requestID, pr.req, status); err != nil {
		p.srv.logger.Debug("publish fault not sent", slog.String("error", err.Error()))
	}
}

// takePublish dequeues the oldest usable publish request of s. Requests
// of closed or rebound channels are dropped and expired ones answered
// with BadTimeout.
func (p *publisher) takePublish(s *session, now time.Time) *publishRequest {
	if s == nil {
		return nil
	}
	for len(s.queue) > 0 {
		pr := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		switch {
		case pr.dead(), pr.ch.ChannelID() != s.channelID.Load():
			continue
		case !pr.deadline.IsZero() && now.After(pr.deadline):
			p.fault(pr, opcua.StatusBadTimeout)
			continue
		}
		return pr
	}
	return nil
}

func (p *publisher) respond(sub *subscription, pr *publishRequest, nm opcua.NotificationMessage, more bool) {
	resp := &opcua.PublishResponse{
		ResponseHeader:           opcua.NewResponseHeader(pr.req, opcua.StatusGood),
		SubscriptionID:           sub.id,
		AvailableSequenceNumbers: sub.available(),
		MoreNotifications:        more,
		NotificationMessage:      nm,
		Results:                  pr.results,
	}
	if err := pr.ch.SendResponse(pr.requestID, resp); err != nil {
		p.srv.logger.Debug("publish response not sent", sub.logAttrs(), slog.String("error", err.Error()))
	}
}

// send answers one publish request of the owner with queued data or a
// keep-alive. It reports false and marks sub late when no request is
// available.
func (p *publisher) send(sub *subscription, now time.Time) bool {
	pr := p.takePublish(sub.owner, now)
	if pr == nil {
		sub.late = true
		return false
	}
	sub.late = false
	sub.sentFirst = true
	sub.keepAliveCount = 0
	sub.lifetimeCounter = 0

	if !sub.ready() {
		p.srv.metrics.KeepAlives.Add(1)
		p.respond(sub, pr, opcua.NotificationMessage{SequenceNumber: sub.nextSeq(), PublishTime: now}, false)
		return true
	}

	changes, more := sub.drain()
	sub.seq = sub.nextSeq()
	nm := opcua.NotificationMessage{
		SequenceNumber: sub.seq,
		PublishTime:    now,
		NotificationData: []*opcua.ExtensionObject{
			opcua.NewExtensionObject(&opcua.DataChangeNotification{MonitoredItems: changes}),
		},
	}
	sub.retransmit = append(sub.retransmit, nm)
	if n := len(sub.retransmit) - p.srv.opts.retransmitQueue; n > 0 {
		sub.retransmit = slices.Delete(sub.retransmit, 0, n)
	}
	if more {
		sub.late = true
	}
	p.srv.metrics.Notifications.Add(int64(len(changes)))
	p.respond(sub, pr, nm, more)
	return true
}

// drain takes queued values in item order, at most maxPerPublish.
func (sub *subscription) drain() ([]opcua.MonitoredItemNotification, bool) {
	var out []opcua.MonitoredItemNotification
	limit := int(sub.maxPerPublish)
	for _, id := range slices.Sorted(maps.Keys(sub.items)) {
		it := sub.items[id]
		for len(it.queue) > 0 {
			if limit > 0 && len(out) == limit {
				return out, true
			}
			out = append(out, opcua.MonitoredItemNotification{ClientHandle: it.handle, Value: it.queue[0]})
			it.queue = it.queue[1:]
		}
	}
	return out, false
}

// statusChange tells the owner of sub that it ended. The message does not
// consume a sequence number.
func (p *publisher) statusChange(sub *subscription, status opcua.StatusCode, now time.Time) {
	pr := p.takePublish(sub.owner, now)
	if pr == nil {
		return
	}
	p.respond(sub, pr, opcua.NotificationMessage{
		SequenceNumber: sub.nextSeq(),
		PublishTime:    now,
		NotificationData: []*opcua.ExtensionObject{
			opcua.NewExtensionObject(&opcua.StatusChangeNotification{Status: status}),
		},
	}, false)
}

func (p *publisher) run(sub *subscription) {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case <-sub.stop:
			return
		case <-sub.ticker.C:
			p.cycle(sub)
		}
	}
}

// cycle samples the items of sub and publishes what changed.
func (p *publisher) cycle(sub *subscription) {
	p.mu.Lock()
	if sub.deleted {
		p.mu.Unlock()
		return
	}
	items := make([]*monitoredItem, 0, len(sub.items))
	nodes := make([]opcua.ReadValueID, 0, len(sub.items))
	for _, it := range sub.items {
		if it.mode != opcua.MonitoringModeDisabled {
			items = append(items, it)
			nodes = append(nodes, it.read)
		}
	}
	p.mu.Unlock()

	var values []opcua.DataValue
	if len(nodes) > 0 {
		var err error
		values, err = p.srv.handler.Read(0, opcua.TimestampsToReturnBoth, nodes)
		if err != nil || len(values) != len(nodes) {
			p.srv.logger.Warn("sampling failed", sub.logAttrs(), slog.Any("error", err))
			values = nil
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if sub.deleted {
		return
	}
	for i, v := range values {
		it := items[i]
		if sub.items[it.id] == it {
			it.sample(keepTimestamps(v, it.timestamps))
		}
	}
	p.tick(sub, time.Now())
}

func (p *publisher) tick(sub *subscription, now time.Time) {
	if sub.ready() {
		if p.send(sub, now) {
			return
		}
	} else {
		sub.keepAliveCount++
		if !sub.sentFirst || sub.keepAliveCount >= sub.keepAlive {
			if p.send(sub, now) {
				return
			}
		}
	}

	if sub.owner != nil && len(sub.owner.queue) > 0 {
		return
	}
	sub.lifetimeCounter++
	if sub.lifetimeCounter < sub.lifetimeCount {
		return
	}
	p.srv.logger.Info("subscription expired", sub.logAttrs(),
		slog.Bool("orphaned", sub.owner == nil))
	p.statusChange(sub, opcua.StatusBadTimeout, now)
	p.deleteLocked(sub)
}

func keepTimestamps(dv opcua.DataValue, ts opcua.TimestampsToReturn) opcua.DataValue {
	switch ts {
	case opcua.TimestampsToReturnSource:
		dv.ServerTimestamp = time.Time{}
	case opcua.TimestampsToReturnServer:
		dv.SourceTimestamp = time.Time{}
	case opcua.TimestampsToReturnNeither:
		dv.SourceTimestamp = time.Time{}
		dv.ServerTimestamp = time.Time{}
	}
	return dv
}
