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
	"sync"
)

// State is the state of a secure channel.
type State uint32

// Secure channel states.
const (
	StateClosed State = iota
	StateNegotiating
	StateOpen
	StateRenewing
	StateFaulted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateNegotiating:
		return "Negotiating"
	case StateOpen:
		return "Open"
	case StateRenewing:
		return "Renewing"
	case StateFaulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

// StateChangeHandler observes state transitions. It runs with the state
// lock released but must not block for long.
type StateChangeHandler func(prev, next State)

// stateMgr guards the channel state and lets callers wait for a state.
type stateMgr struct {
	mu       sync.Mutex
	cond     *sync.Cond
	state    State
	handlers []StateChangeHandler
}

func newStateMgr(handlers ...StateChangeHandler) *stateMgr {
	m := &stateMgr{state: StateClosed, handlers: handlers}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *stateMgr) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// set moves to next and returns the previous state.
func (m *stateMgr) set(next State) State {
	m.mu.Lock()
	prev := m.state
	m.state = next
	m.cond.Broadcast()
	handlers := m.handlers
	m.mu.Unlock()

	if prev != next {
		for _, h := range handlers {
			h(prev, next)
		}
	}
	return prev
}

// transition moves from one of the given states to next. It reports
// whether the move happened.
func (m *stateMgr) transition(next State, from ...State) bool {
	m.mu.Lock()
	prev := m.state
	ok := false
	for _, s := range from {
		if s == prev {
			ok = true
			break
		}
	}
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.state = next
	m.cond.Broadcast()
	handlers := m.handlers
	m.mu.Unlock()

	if prev != next {
		for _, h := range handlers {
			h(prev, next)
		}
	}
	return true
}

// WaitState blocks until the state is one of want or ctx ends. It returns
// the state reached.
func (m *stateMgr) WaitState(ctx context.Context, want ...State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	for {
		for _, s := range want {
			if m.state == s {
				return s, nil
			}
		}
		if err := ctx.Err(); err != nil {
			return m.state, err
		}
		m.cond.Wait()
	}
}
