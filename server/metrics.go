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
	"github.com/prometheus/client_golang/prometheus"

	opcua "github.com/edgeo-scada/opcua-uasc"
	"github.com/edgeo-scada/opcua-uasc/internal/metrics"
	"github.com/edgeo-scada/opcua-uasc/uasc"
)

// Metrics holds server-side metrics.
type Metrics struct {
	TotalRequests       metrics.Counter
	ActiveConnections   metrics.Counter
	ActiveSessions      metrics.Counter
	ActiveSubscriptions metrics.Counter
	MonitoredItems      metrics.Counter
	Errors              metrics.Counter
	Notifications       metrics.Counter
	KeepAlives          metrics.Counter
	Republished         metrics.Counter
	Transfers           metrics.Counter
	SessionsExpired     metrics.Counter
	Latency             *metrics.LatencyHistogram

	// Channel counts chunks, messages, renewals and faults of every
	// accepted secure channel.
	Channel *uasc.Stats

	services *metrics.Services
}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		Latency:  metrics.NewLatencyHistogram(),
		Channel:  &uasc.Stats{},
		services: metrics.NewServices(),
	}
}

// ForService returns metrics for a specific service.
func (m *Metrics) ForService(svc opcua.ServiceID) *metrics.ServiceMetrics {
	return m.services.For(svc)
}

// Collect returns all server metrics as a map.
func (m *Metrics) Collect() map[string]interface{} {
	result := map[string]interface{}{
		"total_requests":       m.TotalRequests.Value(),
		"active_connections":   m.ActiveConnections.Value(),
		"active_sessions":      m.ActiveSessions.Value(),
		"active_subscriptions": m.ActiveSubscriptions.Value(),
		"monitored_items":      m.MonitoredItems.Value(),
		"errors":               m.Errors.Value(),
		"notifications":        m.Notifications.Value(),
		"keep_alives":          m.KeepAlives.Value(),
		"republished":          m.Republished.Value(),
		"transfers":            m.Transfers.Value(),
		"sessions_expired":     m.SessionsExpired.Value(),
		"latency":              m.Latency.Stats(),
	}
	if services := m.services.Collect(); len(services) > 0 {
		result["services"] = services
	}
	return result
}

type valueFunc struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func() float64
}

// PrometheusCollector exports server metrics to Prometheus.
type PrometheusCollector struct {
	values   []valueFunc
	latency  *prometheus.Desc
	m        *Metrics
	services *metrics.ServiceCollector
}

// NewPrometheusCollector returns a collector reading m on every scrape.
func NewPrometheusCollector(m *Metrics) *PrometheusCollector {
	const subsystem = "server"
	v := func(kind prometheus.ValueType, name, help string, c *metrics.Counter) valueFunc {
		return valueFunc{
			desc:  metrics.NewDesc(subsystem, name, help),
			kind:  kind,
			value: func() float64 { return float64(c.Value()) },
		}
	}
	counter := prometheus.CounterValue
	gauge := prometheus.GaugeValue

	return &PrometheusCollector{
		m:        m,
		services: metrics.NewServiceCollector(subsystem, m.services),
		latency:  metrics.NewDesc(subsystem, "request_latency_seconds", "Service handling latency."),
		values: []valueFunc{
			v(counter, "requests_total", "Service requests received.", &m.TotalRequests),
			v(counter, "errors_total", "Service requests answered with a fault.", &m.Errors),
			v(gauge, "active_connections", "Open secure channels.", &m.ActiveConnections),
			v(gauge, "active_sessions", "Sessions.", &m.ActiveSessions),
			v(gauge, "active_subscriptions", "Subscriptions.", &m.ActiveSubscriptions),
			v(gauge, "monitored_items", "Monitored items.", &m.MonitoredItems),
			v(counter, "notifications_total", "Notification messages published.", &m.Notifications),
			v(counter, "keep_alives_total", "Keep-alive messages published.", &m.KeepAlives),
			v(counter, "republished_total", "Messages answered from the retransmission queue.", &m.Republished),
			v(counter, "transfers_total", "Subscriptions transferred between sessions.", &m.Transfers),
			v(counter, "sessions_expired_total", "Sessions closed by the expiry sweep.", &m.SessionsExpired),
			{
				desc:  metrics.NewDesc(subsystem, "channel_faults_total", "Secure channels torn down by an error."),
				kind:  counter,
				value: func() float64 { return float64(m.Channel.Faults.Load()) },
			},
			{
				desc:  metrics.NewDesc(subsystem, "token_renewals_total", "Security tokens renewed by clients."),
				kind:  counter,
				value: func() float64 { return float64(m.Channel.Renewals.Load()) },
			},
		},
	}
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, v := range c.values {
		ch <- v.desc
	}
	ch <- c.latency
	c.services.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	for _, v := range c.values {
		ch <- prometheus.MustNewConstMetric(v.desc, v.kind, v.value())
	}
	ch <- metrics.ConstHistogram(c.latency, c.m.Latency.Stats())
	c.services.Collect(ch)
}
