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

// Package dispatch correlates responses with the requests waiting for them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	opcua "github.com/edgeo-scada/opcua-uasc"
)

// ErrDuplicateRequest indicates a request id that is already pending.
var ErrDuplicateRequest = errors.New("dispatch: request id already pending")

// Pending is an outstanding request. Exactly one result is ever set: by the
// response, a failure, the deadline or cancellation, whichever removes the
// request from its dispatcher first.
type Pending struct {
	RequestID uint32
	Submitted time.Time
	Deadline  time.Time
	// Order is the position of this request's completion among all
	// completions of its dispatcher. It is set before Done is closed.
	Order uint64

	d    *Dispatcher
	done chan struct{}
	resp opcua.Message
	err  error

	// mu guards timer and finished; the timer is armed after the request
	// is visible to completers.
	mu       sync.Mutex
	timer    *time.Timer
	finished bool
}

// Done is closed once the result is set.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the response or failure. It must only be called after Done
// is closed.
func (p *Pending) Result() (opcua.Message, error) {
	return p.resp, p.err
}

// Wait blocks until the request completes or ctx ends. Cancelling ctx fails
// the request; a response arriving afterwards is discarded.
func (p *Pending) Wait(ctx context.Context) (opcua.Message, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.d.Fail(p.RequestID, ctx.Err())
		<-p.done
	}
	return p.resp, p.err
}

func (p *Pending) finish(resp opcua.Message, err error) {
	p.mu.Lock()
	p.finished = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()
	p.resp = resp
	p.err = err
	close(p.done)
}

// Dispatcher tracks the pending requests of one secure channel.
type Dispatcher struct {
	nextID   atomic.Uint32
	finished atomic.Uint64
	pending  *xsync.MapOf[uint32, *Pending]
	closed   atomic.Bool
	closeErr atomic.Pointer[error]
	logger   *slog.Logger
}

// New creates an empty dispatcher.
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		pending: xsync.NewMapOf[uint32, *Pending](),
		logger:  logger,
	}
}

// NextRequestID returns a new request id. Ids increase monotonically and
// skip 0.
func (d *Dispatcher) NextRequestID() uint32 {
	for {
		if id := d.nextID.Add(1); id != 0 {
			return id
		}
	}
}

// Register starts tracking id. A positive timeout completes the request with
// opcua.ErrTimeout once it elapses.
func (d *Dispatcher) Register(id uint32, timeout time.Duration) (*Pending, error) {
	if d.closed.Load() {
		return nil, d.closedError()
	}

	now := time.Now()
	p := &Pending{RequestID: id, Submitted: now, d: d, done: make(chan struct{})}
	if timeout > 0 {
		p.Deadline = now.Add(timeout)
	}
	if _, loaded := d.pending.LoadOrStore(id, p); loaded {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateRequest, id)
	}

	if timeout > 0 {
		t := time.AfterFunc(timeout, func() {
			if d.complete(id, nil, fmt.Errorf("%w: request %d after %s", opcua.ErrTimeout, id, timeout)) {
				d.logger.Debug("request timed out", slog.Uint64("request_id", uint64(id)))
			}
		})
		p.mu.Lock()
		if p.finished {
			t.Stop()
		} else {
			p.timer = t
		}
		p.mu.Unlock()
	}

	// FailAll may have swept the map between the check above and the store.
	if d.closed.Load() {
		d.complete(id, nil, d.closedError())
	}
	return p, nil
}

// Complete delivers resp to the request waiting on id. It returns false,
// and discards resp, when no such request is pending.
func (d *Dispatcher) Complete(id uint32, resp opcua.Message) bool {
	if d.complete(id, resp, nil) {
		return true
	}
	d.logger.Debug("discarding response for unknown request", slog.Uint64("request_id", uint64(id)))
	return false
}

// Fail completes the request waiting on id with err.
func (d *Dispatcher) Fail(id uint32, err error) bool {
	return d.complete(id, nil, err)
}

// FailAll completes every pending request with an error wrapping
// opcua.ErrChannelClosed and cause, and rejects later registrations.
func (d *Dispatcher) FailAll(cause error) {
	err := opcua.ErrChannelClosed
	if cause != nil && !errors.Is(cause, opcua.ErrChannelClosed) {
		err = fmt.Errorf("%w: %w", opcua.ErrChannelClosed, cause)
	} else if cause != nil {
		err = cause
	}
	d.closeErr.Store(&err)
	d.closed.Store(true)

	d.pending.Range(func(id uint32, _ *Pending) bool {
		d.complete(id, nil, err)
		return true
	})
}

// Len returns the number of pending requests.
func (d *Dispatcher) Len() int {
	return d.pending.Size()
}

func (d *Dispatcher) complete(id uint32, resp opcua.Message, err error) bool {
	p, ok := d.pending.LoadAndDelete(id)
	if !ok {
		return false
	}
	p.Order = d.finished.Add(1)
	p.finish(resp, err)
	return true
}

func (d *Dispatcher) closedError() error {
	if err := d.closeErr.Load(); err != nil {
		return *err
	}
	return opcua.ErrChannelClosed
}
