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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	opcua "github.com/edgeo-scada/opcua-uasc"
)

// Namespace prefixes every exported metric name.
const Namespace = "opcua"

// NewDesc builds a descriptor under Namespace and subsystem.
func NewDesc(subsystem, name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(Namespace, subsystem, name), help, labels, nil)
}

// ConstHistogram converts latency statistics into a Prometheus histogram in
// seconds.
func ConstHistogram(desc *prometheus.Desc, s LatencyStats, labels ...string) prometheus.Metric {
	buckets := make(map[float64]uint64, len(s.Bounds))
	var cumulative uint64
	for i, bound := range s.Bounds {
		if i < len(s.Counts) {
			cumulative += uint64(s.Counts[i])
		}
		buckets[bound/1000] = cumulative
	}
	return prometheus.MustNewConstHistogram(desc, uint64(s.Count), s.Sum/1000, buckets, labels...)
}

// ServiceCollector exports per-service request, error and latency metrics.
type ServiceCollector struct {
	services *Services
	requests *prometheus.Desc
	errors   *prometheus.Desc
	latency  *prometheus.Desc
}

// NewServiceCollector describes the per-service metrics of subsystem.
func NewServiceCollector(subsystem string, s *Services) *ServiceCollector {
	return &ServiceCollector{
		services: s,
		requests: NewDesc(subsystem, "service_requests_total", "Service requests by service.", "service"),
		errors:   NewDesc(subsystem, "service_errors_total", "Failed service requests by service.", "service"),
		latency:  NewDesc(subsystem, "service_latency_seconds", "Service request latency.", "service"),
	}
}

// Describe implements prometheus.Collector.
func (c *ServiceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.errors
	ch <- c.latency
}

// Collect implements prometheus.Collector.
func (c *ServiceCollector) Collect(ch chan<- prometheus.Metric) {
	c.services.Range(func(svc opcua.ServiceID, sm *ServiceMetrics) bool {
		name := svc.String()
		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(sm.Requests.Value()), name)
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(sm.Errors.Value()), name)
		ch <- ConstHistogram(c.latency, sm.Latency.Stats(), name)
		return true
	})
}
