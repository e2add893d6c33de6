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
	"math"
	"slices"
	"sync"
	"time"

	opcua "github.com/edgeo-scada/opcua-uasc"
	"github.com/edgeo-scada/opcua-uasc/internal/dispatch"
	"github.com/edgeo-scada/opcua-uasc/uasc"
)

const (
	// DefaultMaxOutstandingPublish bounds the publish requests in flight.
	DefaultMaxOutstandingPublish = 4

	publishesPerSubscription = 2
	publishRetryDelay        = 500 * time.Millisecond

	// maxRepublishGap is the largest gap repaired message by message.
	// Larger gaps are reported as lost right away.
	maxRepublishGap = 100
)

// requester sends a service request within the client session.
type requester interface {
	send(ctx context.Context, req opcua.Request) (opcua.Response, error)
	sendAsync(ctx context.Context, req opcua.Request) (*dispatch.Pending, error)
}

// publishCall is a publish request whose response the engine still has to
// handle. p is nil until the request is queued on the channel.
type publishCall struct {
	p   *dispatch.Pending
	gen uint64
}

func (c *publishCall) completed() bool {
	select {
	case <-c.p.Done():
		return true
	default:
	}
	return false
}

// before reports whether c's response reached the client ahead of o's.
// Both must have completed.
func (c *publishCall) before(o *publishCall) bool {
	if c.gen != o.gen {
		return c.gen < o.gen
	}
	return c.p.Order < o.p.Order
}

// engine keeps publish requests outstanding for every subscription of a
// session, acknowledges and orders notification messages and repairs
// sequence gaps with Republish.
type engine struct {
	req            requester
	logger         *slog.Logger
	m              *Metrics
	maxOutstanding int
	timeout        time.Duration

	mu          sync.Mutex
	subs        map[uint32]*Subscription
	acks        []opcua.SubscriptionAcknowledgement
	outstanding int
	limit       int
	extra       int
	paused      bool
	idle        bool
	running     bool
	gen         uint64

	// proc serialises response processing, gap repair and restore.
	proc sync.Mutex
	// turn is signalled on proc whenever a call leaves calls.
	turn  *sync.Cond
	calls map[*publishCall]struct{}
	wake  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newEngine(r requester, maxOutstanding int, timeout time.Duration, logger *slog.Logger, m *Metrics) *engine {
	if maxOutstanding <= 0 {
		maxOutstanding = DefaultMaxOutstandingPublish
	}
	if timeout <= 0 {
		timeout = opcua.DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &engine{
		req:            r,
		logger:         logger,
		m:              m,
		maxOutstanding: maxOutstanding,
		timeout:        timeout,
		subs:           make(map[uint32]*Subscription),
		limit:          maxOutstanding,
		calls:          make(map[*publishCall]struct{}),
		wake:           make(chan struct{}, 1),
		ctx:            ctx,
		cancel:         cancel,
	}
	e.turn = sync.NewCond(&e.proc)
	return e
}

func (e *engine) start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.wg.Add(1)
	go e.run()
}

// stop cancels outstanding publishes and waits for them to return.
func (e *engine) stop() {
	e.cancel()
	e.wg.Wait()
}

// pause stops issuing publishes until resume.
func (e *engine) pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
}

func (e *engine) resume() {
	e.mu.Lock()
	e.paused = false
	e.idle = false
	e.limit = e.maxOutstanding
	e.gen++
	e.mu.Unlock()
	e.signal()
}

func (e *engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *engine) add(s *Subscription) {
	e.mu.Lock()
	e.subs[s.ID()] = s
	e.idle = false
	e.mu.Unlock()
	e.signal()
}

// remove forgets s and closes its notification channel.
func (e *engine) remove(s *Subscription) {
	s.stop()
	e.proc.Lock()
	defer e.proc.Unlock()
	e.removeLocked(s)
}

func (e *engine) removeLocked(s *Subscription) {
	id := s.ID()
	e.mu.Lock()
	if e.subs[id] != s {
		e.mu.Unlock()
		return
	}
	delete(e.subs, id)
	e.acks = slices.DeleteFunc(e.acks, func(a opcua.SubscriptionAcknowledgement) bool {
		return a.SubscriptionID == id
	})
	e.mu.Unlock()

	s.stop()
	close(s.notifications)
	e.m.ActiveSubscriptions.Add(-1)
	e.m.MonitoredItems.Add(-int64(len(s.Items())))
}

// closeAll forgets every subscription.
func (e *engine) closeAll() {
	for _, s := range e.snapshot() {
		e.remove(s)
	}
}

func (e *engine) snapshot() []*Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := make([]*Subscription, 0, len(e.subs))
	for _, s := range e.subs {
		subs = append(subs, s)
	}
	slices.SortFunc(subs, func(a, b *Subscription) int {
		return int(a.ID()) - int(b.ID())
	})
	return subs
}

// target is the number of publishes to keep in flight. Callers hold e.mu.
func (e *engine) target() int {
	if e.paused || e.idle || len(e.subs) == 0 {
		return 0
	}
	n := min(publishesPerSubscription*len(e.subs), e.maxOutstanding, e.limit)
	return max(n, 1)
}

func (e *engine) run() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		want := e.target()
		if want > 0 {
			want = min(want+e.extra, e.maxOutstanding)
		}
		e.extra = 0
		for e.outstanding < want {
			e.outstanding++
			acks := e.acks
			e.acks = nil
			call := &publishCall{gen: e.gen}
			e.calls[call] = struct{}{}
			e.wg.Add(1)
			go e.publish(call, acks)
		}
		e.mu.Unlock()

		select {
		case <-e.ctx.Done():
			return
		case <-e.wake:
		}
	}
}

// publishTimeout leaves the server room to hold a request until the
// slowest subscription's keep-alive is due.
func (e *engine) publishTimeout() time.Duration {
	var d time.Duration
	for _, s := range e.snapshot() {
		d = max(d, s.keepAliveTimeout())
	}
	return d + e.timeout
}

func (e *engine) publish(call *publishCall, acks []opcua.SubscriptionAcknowledgement) {
	defer e.wg.Done()
	defer e.signal()

	timeout := e.publishTimeout()
	req := &opcua.PublishRequest{SubscriptionAcknowledgements: acks}
	req.TimeoutHint = uint32(timeout.Milliseconds())

	ctx, cancel := context.WithTimeout(e.ctx, timeout)
	defer cancel()

	e.m.Subscriptions.PublishRequests.Add(1)
	start := time.Now()
	p, err := e.req.sendAsync(ctx, req)
	if err != nil {
		e.mu.Lock()
		e.outstanding--
		e.mu.Unlock()
		e.done(call)
		e.publishFailed(acks, call.gen, err)
		return
	}
	e.sent(call, p)

	msg, err := p.Wait(ctx)

	e.mu.Lock()
	e.outstanding--
	e.mu.Unlock()

	var resp opcua.Response
	if err == nil {
		resp, err = uasc.CheckResponse(req, msg)
	}
	if err != nil {
		e.done(call)
		e.publishFailed(acks, call.gen, err)
		return
	}
	pr, ok := resp.(*opcua.PublishResponse)
	if !ok {
		e.done(call)
		e.logger.Warn("unexpected publish response", slog.String("type", fmt.Sprintf("%T", resp)))
		return
	}
	e.m.Subscriptions.PublishResponses.Add(1)
	e.m.Subscriptions.Latency.Observe(time.Since(start))
	e.handleInTurn(call, pr)
}

func (e *engine) publishFailed(acks []opcua.SubscriptionAcknowledgement, gen uint64, err error) {
	if e.ctx.Err() != nil {
		return
	}

	e.mu.Lock()
	e.acks = append(acks, e.acks...)
	delay := false
	switch {
	case opcua.IsStatusCode(err, opcua.StatusBadNoSubscription):
		e.idle = true
	case opcua.IsStatusCode(err, opcua.StatusBadTooManyPublishRequests):
		e.limit = max(1, e.outstanding)
	case opcua.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
	case opcua.IsChannelClosed(err), opcua.IsSessionInvalid(err),
		errors.Is(err, opcua.ErrNotConnected), errors.Is(err, ErrClientClosed):
		if gen == e.gen {
			e.paused = true
		}
	default:
		delay = true
	}
	limit := e.limit
	e.mu.Unlock()

	e.logger.Debug("publish failed", slog.Any("error", err), slog.Int("limit", limit))
	if delay {
		select {
		case <-time.After(publishRetryDelay):
		case <-e.ctx.Done():
		}
	}
}

func (e *engine) ack(subID, seq uint32) {
	e.mu.Lock()
	e.acks = append(e.acks, opcua.SubscriptionAcknowledgement{SubscriptionID: subID, SequenceNumber: seq})
	e.mu.Unlock()
}

// handleInTurn handles resp once every publish response that arrived
// before it has been handled. Responses complete in arrival order on the
// channel's read loop but their goroutines may reach the engine in any
// order.
func (e *engine) handleInTurn(call *publishCall, resp *opcua.PublishResponse) {
	e.proc.Lock()
	defer e.proc.Unlock()
	for e.waiting(call) {
		e.turn.Wait()
	}
	e.handleLocked(resp)
	e.leave(call)
}

// waiting reports whether an earlier response is still unhandled. A call
// not yet sent may still produce one. Callers hold e.proc.
func (e *engine) waiting(call *publishCall) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for o := range e.calls {
		if o == call {
			continue
		}
		if o.p == nil || o.completed() && o.before(call) {
			return true
		}
	}
	return false
}

func (e *engine) sent(call *publishCall, p *dispatch.Pending) {
	e.proc.Lock()
	defer e.proc.Unlock()
	e.mu.Lock()
	call.p = p
	e.mu.Unlock()
	e.turn.Broadcast()
}

// done drops a call that produced no response to handle.
func (e *engine) done(call *publishCall) {
	e.proc.Lock()
	defer e.proc.Unlock()
	e.leave(call)
}

func (e *engine) leave(call *publishCall) {
	e.mu.Lock()
	delete(e.calls, call)
	e.mu.Unlock()
	e.turn.Broadcast()
}

func (e *engine) handle(resp *opcua.PublishResponse) {
	e.proc.Lock()
	defer e.proc.Unlock()
	e.handleLocked(resp)
}

func (e *engine) handleLocked(resp *opcua.PublishResponse) {
	e.mu.Lock()
	s := e.subs[resp.SubscriptionID]
	if resp.MoreNotifications {
		e.extra++
	}
	e.mu.Unlock()

	for _, sc := range resp.Results {
		if sc.IsBad() {
			e.logger.Debug("acknowledgement rejected", slog.String("status", sc.String()))
		}
	}

	nm := resp.NotificationMessage
	if s == nil {
		if !nm.IsKeepAlive() {
			e.ack(resp.SubscriptionID, nm.SequenceNumber)
		}
		e.logger.Debug("publish response for unknown subscription",
			slog.Uint64("subscription_id", uint64(resp.SubscriptionID)))
		return
	}
	e.process(s, nm)
}

// process orders nm after the last delivered message of s. Keep-alives
// carry the next sequence number the server will use.
func (e *engine) process(s *Subscription, nm opcua.NotificationMessage) {
	seq := nm.SequenceNumber

	if nm.IsKeepAlive() {
		e.m.Subscriptions.KeepAlives.Add(1)
		if s.last != 0 {
			if missing := seqDistance(s.last, seq) - 1; missing > 0 {
				e.repair(s, nextSequence(s.last), missing)
			}
		}
		return
	}

	if s.last != 0 {
		d := seqDistance(s.last, seq)
		if d <= 0 {
			e.ack(s.ID(), seq)
			e.logger.Debug("dropping duplicate notification",
				slog.Uint64("subscription_id", uint64(s.ID())),
				slog.Uint64("sequence", uint64(seq)))
			return
		}
		if d > 1 {
			e.repair(s, nextSequence(s.last), d-1)
		}
	}
	e.deliver(s, nm, false)
}

func (e *engine) deliver(s *Subscription, nm opcua.NotificationMessage, republished bool) {
	n := s.dispatch(e.ctx, nm, republished)
	s.last = nm.SequenceNumber
	e.ack(n.SubscriptionID, nm.SequenceNumber)

	sm := e.m.Subscriptions
	sm.NotificationsReceived.Add(1)
	sm.DataChangeNotifications.Add(int64(len(n.DataChanges)))
	sm.EventNotifications.Add(int64(len(n.Events)))

	if st := n.StatusChange; st != nil && (st.IsBad() || *st == opcua.StatusGoodSubscriptionTransferred) {
		e.logger.Warn("subscription ended by server",
			slog.Uint64("subscription_id", uint64(n.SubscriptionID)),
			slog.String("status", st.String()))
		e.removeLocked(s)
	}
}

func (e *engine) lose(s *Subscription, d *DataLoss) {
	e.m.Subscriptions.DataLossEvents.Add(1)
	s.lost(e.ctx, d)
}

// repair republishes count messages starting at from. Consecutive
// failures are reported as one DataLoss before the next recovered message.
func (e *engine) repair(s *Subscription, from uint32, count int64) {
	id := s.ID()
	if count > maxRepublishGap {
		to := advance(from, count-1)
		e.lose(s, &DataLoss{
			SubscriptionID: id,
			From:           from,
			To:             to,
			Err:            fmt.Errorf("gap of %d messages exceeds %d", count, maxRepublishGap),
		})
		s.last = to
		return
	}

	var loss *DataLoss
	n := from
	for range count {
		nm, err := e.republish(id, n)
		if err != nil {
			if loss == nil {
				loss = &DataLoss{SubscriptionID: id, From: n, Err: err}
			}
			loss.To = n
			s.last = n
		} else {
			if loss != nil {
				e.lose(s, loss)
				loss = nil
			}
			e.deliver(s, nm, true)
		}
		n = nextSequence(n)
	}
	if loss != nil {
		e.lose(s, loss)
	}
}

func (e *engine) republish(subID, seq uint32) (opcua.NotificationMessage, error) {
	ctx, cancel := context.WithTimeout(e.ctx, e.timeout)
	defer cancel()

	e.m.Subscriptions.RepublishRequests.Add(1)
	msg, err := e.req.send(ctx, &opcua.RepublishRequest{SubscriptionID: subID, RetransmitSequenceNumber: seq})
	if err != nil {
		e.logger.Debug("republish failed",
			slog.Uint64("subscription_id", uint64(subID)),
			slog.Uint64("sequence", uint64(seq)),
			slog.Any("error", err))
		return opcua.NotificationMessage{}, err
	}
	resp, ok := msg.(*opcua.RepublishResponse)
	if !ok {
		return opcua.NotificationMessage{}, fmt.Errorf("%w: republish answered with %T", opcua.ErrMalformedMessage, msg)
	}
	return resp.NotificationMessage, nil
}

// restore moves every subscription onto the current session after a
// reconnect. Subscriptions the server cannot transfer are recreated.
func (e *engine) restore(ctx context.Context) error {
	defer e.resume()
	e.proc.Lock()
	defer e.proc.Unlock()

	subs := e.snapshot()
	if len(subs) == 0 {
		return nil
	}
	ids := make([]uint32, len(subs))
	for i, s := range subs {
		ids[i] = s.ID()
	}

	var results []opcua.TransferResult
	msg, err := e.req.send(ctx, &opcua.TransferSubscriptionsRequest{SubscriptionIDs: ids, SendInitialValues: true})
	if err == nil {
		resp, ok := msg.(*opcua.TransferSubscriptionsResponse)
		if ok && len(resp.Results) == len(subs) {
			results = resp.Results
		} else {
			err = fmt.Errorf("%w: transfer subscriptions answered with %T", opcua.ErrMalformedMessage, msg)
		}
	}
	if err != nil {
		e.logger.Info("transfer subscriptions failed", slog.Any("error", err))
	}

	var errs []error
	for i, s := range subs {
		cause := err
		if results != nil {
			if results[i].StatusCode.IsGood() {
				e.transferred(s, results[i].AvailableSequenceNumbers)
				continue
			}
			cause = results[i].StatusCode
		}
		if err := e.recreate(ctx, s, cause); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// transferred republishes the messages the server still holds that were
// never delivered.
func (e *engine) transferred(s *Subscription, available []uint32) {
	id := s.ID()
	e.m.Subscriptions.Transfers.Add(1)
	e.logger.Info("subscription transferred",
		slog.Uint64("subscription_id", uint64(id)),
		slog.Int("available", len(available)))

	if s.last == 0 {
		return
	}
	last := s.last
	pending := slices.DeleteFunc(slices.Clone(available), func(n uint32) bool {
		return seqDistance(last, n) <= 0
	})
	slices.SortFunc(pending, func(a, b uint32) int {
		return int(seqDistance(last, a) - seqDistance(last, b))
	})

	for _, n := range pending {
		if d := seqDistance(s.last, n); d > 1 {
			e.lose(s, &DataLoss{SubscriptionID: id, From: nextSequence(s.last), To: advance(s.last, d-1)})
		}
		nm, err := e.republish(id, n)
		if err != nil {
			e.lose(s, &DataLoss{SubscriptionID: id, From: n, To: n, Err: err})
			s.last = n
			continue
		}
		e.deliver(s, nm, true)
	}
}

// recreate creates s again from its last known configuration and restores
// its monitored items with their client handles.
func (e *engine) recreate(ctx context.Context, s *Subscription, cause error) error {
	oldID := s.ID()
	if err := s.create(ctx); err != nil {
		return fmt.Errorf("recreate subscription %d: %w", oldID, err)
	}
	newID := s.ID()

	e.mu.Lock()
	delete(e.subs, oldID)
	e.subs[newID] = s
	e.acks = slices.DeleteFunc(e.acks, func(a opcua.SubscriptionAcknowledgement) bool {
		return a.SubscriptionID == oldID
	})
	e.mu.Unlock()
	s.last = 0

	var errs []error
	if items := s.Items(); len(items) > 0 {
		results, err := s.createItems(ctx, newID, items)
		if err != nil {
			errs = append(errs, err)
		} else {
			for i, m := range items {
				if sc := results[i].StatusCode; sc.IsBad() {
					errs = append(errs, fmt.Errorf("monitor %s: %w", m.NodeID, sc))
					continue
				}
				m.created(results[i])
			}
		}
	}

	e.m.Subscriptions.Recreations.Add(1)
	e.logger.Info("subscription recreated",
		slog.Uint64("old_id", uint64(oldID)),
		slog.Uint64("subscription_id", uint64(newID)),
		slog.Any("cause", cause))
	e.lose(s, &DataLoss{SubscriptionID: newID, Recreated: true, Err: cause})

	if len(errs) > 0 {
		return fmt.Errorf("recreate subscription %d: %w", newID, errors.Join(errs...))
	}
	return nil
}

// Notification sequence numbers run from 1 to MaxUint32 and wrap to 1.
const sequenceRing = int64(math.MaxUint32)

func nextSequence(n uint32) uint32 {
	if n == math.MaxUint32 {
		return 1
	}
	return n + 1
}

// advance returns the number k steps after n.
func advance(n uint32, k int64) uint32 {
	return uint32((int64(n)-1+k)%sequenceRing) + 1
}

// seqDistance returns the signed number of steps from a to b.
func seqDistance(a, b uint32) int64 {
	d := (int64(b) - int64(a)) % sequenceRing
	switch {
	case d > sequenceRing/2:
		d -= sequenceRing
	case d < -sequenceRing/2:
		d += sequenceRing
	}
	return d
}
