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

// Package metrics holds the counters and latency histograms shared by the
// client and server.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	opcua "github.com/edgeo-scada/opcua-uasc"
)

// Counter is a simple atomic counter.
type Counter struct {
	value atomic.Int64
}

// Add adds delta to the counter.
func (c *Counter) Add(delta int64) {
	c.value.Add(delta)
}

// Value returns the current counter value.
func (c *Counter) Value() int64 {
	return c.value.Load()
}

// Reset resets the counter to zero.
func (c *Counter) Reset() {
	c.value.Store(0)
}

// Bucket upper bounds in milliseconds.
var bucketBounds = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000}

var bucketLabels = []string{"1ms", "5ms", "10ms", "25ms", "50ms", "100ms", "250ms", "500ms", "1s", "5s+"}

// LatencyHistogram tracks latency distribution.
type LatencyHistogram struct {
	mu      sync.Mutex
	buckets []int64 // count per bucket
	sum     float64 // sum of all observations in ms
	count   int64
	min     float64
	max     float64
}

// NewLatencyHistogram creates a new latency histogram with default buckets.
func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{
		buckets: make([]int64, len(bucketBounds)),
		min:     -1,
		max:     -1,
	}
}

// Observe records a latency observation.
func (h *LatencyHistogram) Observe(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0

	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += ms
	h.count++

	if h.min < 0 || ms < h.min {
		h.min = ms
	}
	if ms > h.max {
		h.max = ms
	}

	for i, bound := range bucketBounds {
		if ms <= bound {
			h.buckets[i]++
			return
		}
	}
	// Greater than all bounds
	h.buckets[len(h.buckets)-1]++
}

// Stats returns histogram statistics.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := LatencyStats{
		Count:   h.count,
		Sum:     h.sum,
		Buckets: make(map[string]int64, len(h.buckets)),
		Bounds:  bucketBounds,
		Counts:  append([]int64(nil), h.buckets...),
	}
	if h.count > 0 {
		stats.Avg = h.sum / float64(h.count)
		stats.Min = h.min
		stats.Max = h.max
	}
	for i, count := range h.buckets {
		stats.Buckets[bucketLabels[i]] = count
	}
	return stats
}

// Reset resets the histogram.
func (h *LatencyHistogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	clear(h.buckets)
	h.sum = 0
	h.count = 0
	h.min = -1
	h.max = -1
}

// LatencyStats holds latency statistics.
type LatencyStats struct {
	Count   int64
	Sum     float64
	Avg     float64
	Min     float64
	Max     float64
	Buckets map[string]int64

	// Bounds and Counts are the raw, non-cumulative buckets.
	Bounds []float64 `json:"-" yaml:"-"`
	Counts []int64   `json:"-" yaml:"-"`
}

// ServiceMetrics holds metrics for a specific service.
type ServiceMetrics struct {
	Requests Counter
	Errors   Counter
	Latency  *LatencyHistogram
}

// Services keeps one ServiceMetrics per service id.
type Services struct {
	m *xsync.MapOf[opcua.ServiceID, *ServiceMetrics]
}

// NewServices creates an empty per-service table.
func NewServices() *Services {
	return &Services{m: xsync.NewMapOf[opcua.ServiceID, *ServiceMetrics]()}
}

// For returns the metrics of svc, creating them on first use.
func (s *Services) For(svc opcua.ServiceID) *ServiceMetrics {
	sm, _ := s.m.LoadOrCompute(svc, func() *ServiceMetrics {
		return &ServiceMetrics{Latency: NewLatencyHistogram()}
	})
	return sm
}

// Range calls fn for every service seen so far.
func (s *Services) Range(fn func(svc opcua.ServiceID, sm *ServiceMetrics) bool) {
	s.m.Range(fn)
}

// Collect returns the per-service metrics as a map keyed by service name.
func (s *Services) Collect() map[string]interface{} {
	out := make(map[string]interface{})
	s.m.Range(func(svc opcua.ServiceID, sm *ServiceMetrics) bool {
		out[svc.String()] = map[string]interface{}{
			"requests": sm.Requests.Value(),
			"errors":   sm.Errors.Value(),
			"latency":  sm.Latency.Stats(),
		}
		return true
	})
	return out
}

// Reset resets every service.
func (s *Services) Reset() {
	s.m.Range(func(_ opcua.ServiceID, sm *ServiceMetrics) bool {
		sm.Requests.Reset()
		sm.Errors.Reset()
		sm.Latency.Reset()
		return true
	})
}
