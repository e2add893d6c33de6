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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/edgeo-scada/opcua-uasc/internal/metrics"
)

const subsystem = "client"

type counterFunc struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func() float64
}

// PrometheusCollector exports client metrics to Prometheus.
type PrometheusCollector struct {
	counters []counterFunc
	latency  *prometheus.Desc
	publish  *prometheus.Desc
	m        *Metrics
	services *metrics.ServiceCollector
}

// NewPrometheusCollector returns a collector reading m on every scrape.
func NewPrometheusCollector(m *Metrics) *PrometheusCollector {
	counter := func(name, help string, fn func() float64) counterFunc {
		return counterFunc{desc: metrics.NewDesc(subsystem, name, help), kind: prometheus.CounterValue, value: fn}
	}
	gauge := func(name, help string, fn func() float64) counterFunc {
		return counterFunc{desc: metrics.NewDesc(subsystem, name, help), kind: prometheus.GaugeValue, value: fn}
	}
	of := func(c *Counter) func() float64 { return func() float64 { return float64(c.Value()) } }
	s := m.Subscriptions
	ch := m.Channel

	return &PrometheusCollector{
		m:        m,
		services: metrics.NewServiceCollector(subsystem, m.services),
		latency:  metrics.NewDesc(subsystem, "request_latency_seconds", "Request latency."),
		publish:  metrics.NewDesc(subsystem, "publish_latency_seconds", "Publish round trip latency."),
		counters: []counterFunc{
			counter("requests_total", "Requests sent.", of(&m.RequestsTotal)),
			counter("requests_success_total", "Requests answered with a good result.", of(&m.RequestsSuccess)),
			counter("requests_errors_total", "Requests that failed.", of(&m.RequestsErrors)),
			counter("reconnections_total", "Reconnection attempts.", of(&m.Reconnections)),
			gauge("active_sessions", "Activated sessions.", of(&m.ActiveSessions)),
			gauge("active_subscriptions", "Subscriptions owned by the client.", of(&m.ActiveSubscriptions)),
			gauge("monitored_items", "Monitored items owned by the client.", of(&m.MonitoredItems)),
			counter("notifications_total", "Notification messages delivered.", of(&s.NotificationsReceived)),
			counter("data_change_notifications_total", "Data change notifications delivered.", of(&s.DataChangeNotifications)),
			counter("event_notifications_total", "Event notifications delivered.", of(&s.EventNotifications)),
			counter("keep_alives_total", "Keep-alive publish responses.", of(&s.KeepAlives)),
			counter("publish_requests_total", "Publish requests sent.", of(&s.PublishRequests)),
			counter("publish_responses_total", "Publish responses received.", of(&s.PublishResponses)),
			counter("republish_requests_total", "Republish requests sent.", of(&s.RepublishRequests)),
			counter("data_loss_total", "Notification gaps that could not be recovered.", of(&s.DataLossEvents)),
			counter("subscription_transfers_total", "Subscriptions transferred after a reconnect.", of(&s.Transfers)),
			counter("subscription_recreations_total", "Subscriptions recreated after a reconnect.", of(&s.Recreations)),
			counter("chunks_sent_total", "Chunks written.", func() float64 { return float64(ch.ChunksSent.Load()) }),
			counter("chunks_received_total", "Chunks read.", func() float64 { return float64(ch.ChunksReceived.Load()) }),
			counter("token_renewals_total", "Security token renewals.", func() float64 { return float64(ch.Renewals.Load()) }),
			counter("token_renewal_failures_total", "Failed security token renewals.", func() float64 { return float64(ch.RenewalFailures.Load()) }),
			counter("channel_faults_total", "Secure channels torn down by an error.", func() float64 { return float64(ch.Faults.Load()) }),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, cf := range c.counters {
		ch <- cf.desc
	}
	ch <- c.latency
	ch <- c.publish
	c.services.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	for _, cf := range c.counters {
		ch <- prometheus.MustNewConstMetric(cf.desc, cf.kind, cf.value())
	}
	ch <- metrics.ConstHistogram(c.latency, c.m.Latency.Stats())
	ch <- metrics.ConstHistogram(c.publish, c.m.Subscriptions.Latency.Stats())
	c.services.Collect(ch)
}
