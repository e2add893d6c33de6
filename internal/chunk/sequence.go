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

package chunk

import (
	"fmt"
	"math"
	"sync"
)

// legacyWrapWindow is how far below MaxUint32 legacy sequence numbers wrap.
const legacyWrapWindow = 1024

// SequenceNumber generates chunk sequence numbers.
//
// Legacy numbering starts at 1 and wraps after MaxUint32-1024 back to 1.
// Non-legacy numbering starts at 0 and wraps after MaxUint32 to 0.
type SequenceNumber struct {
	mu      sync.Mutex
	legacy  bool
	current uint32
}

// NewSequenceNumber creates a generator positioned at its first value.
func NewSequenceNumber(legacy bool) *SequenceNumber {
	s := &SequenceNumber{legacy: legacy}
	s.current = s.Min()
	return s
}

// Legacy reports whether legacy wrapping is used.
func (s *SequenceNumber) Legacy() bool {
	return s.legacy
}

// Min returns the value used after a wrap.
func (s *SequenceNumber) Min() uint32 {
	if s.legacy {
		return 1
	}
	return 0
}

// Max returns the last value before a wrap.
func (s *SequenceNumber) Max() uint32 {
	if s.legacy {
		return math.MaxUint32 - legacyWrapWindow
	}
	return math.MaxUint32
}

// Current returns the next value Next will hand out.
func (s *SequenceNumber) Current() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Set positions the generator at v.
func (s *SequenceNumber) Set(v uint32) {
	s.mu.Lock()
	s.current = v
	s.mu.Unlock()
}

// Next returns the current value and advances by one.
func (s *SequenceNumber) Next() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.current
	s.increment(1)
	return v
}

// Increment advances by n, wrapping past Max.
func (s *SequenceNumber) Increment(n uint32) {
	s.mu.Lock()
	s.increment(n)
	s.mu.Unlock()
}

func (s *SequenceNumber) increment(n uint32) {
	remaining := s.Max() - s.current
	if remaining < n {
		s.current = s.Min() + n - remaining - 1
		return
	}
	s.current += n
}

// SequenceValidator checks that received sequence numbers increase by one.
// The first number seen is accepted as is.
type SequenceValidator struct {
	legacy  bool
	started bool
	last    uint32
}

// NewSequenceValidator creates a validator for legacy or non-legacy peers.
func NewSequenceValidator(legacy bool) *SequenceValidator {
	return &SequenceValidator{legacy: legacy}
}

// Check validates n and records it as the last received number. A number
// that is not the successor of the previous one wraps
// ErrSequenceNumberInvalid.
func (v *SequenceValidator) Check(n uint32) error {
	if !v.started {
		v.started = true
		v.last = n
		return nil
	}
	if n != v.last+1 && !v.wrapped(n) {
		return fmt.Errorf("%w: got %d after %d", ErrSequenceNumberInvalid, n, v.last)
	}
	v.last = n
	return nil
}

// Last returns the last accepted number.
func (v *SequenceValidator) Last() uint32 {
	return v.last
}

// Reset forgets the last received number.
func (v *SequenceValidator) Reset() {
	v.started = false
	v.last = 0
}

func (v *SequenceValidator) wrapped(n uint32) bool {
	if v.legacy {
		return v.last >= math.MaxUint32-legacyWrapWindow && n < legacyWrapWindow
	}
	return v.last == math.MaxUint32 && n == 0
}
