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
	opcua "github.com/edgeo-scada/opcua-uasc"
	"github.com/edgeo-scada/opcua-uasc/internal/metrics"
	"github.com/edgeo-scada/opcua-uasc/uasc"
)

// Metric primitives shared with the server.
type (
	Counter          = metrics.Counter
	LatencyHistogram = metrics.LatencyHistogram
	LatencyStats     = metrics.LatencyStats
	ServiceMetrics   = metrics.ServiceMetrics
)

// Metrics holds all client metrics.
type Metrics struct {
	RequestsTotal       Counter
	RequestsSuccess     Counter
	RequestsErrors      Counter
	Reconnections       Counter
	ActiveSessions      Counter
	ActiveSubscriptions Counter
	MonitoredItems      Counter
	Latency             *LatencyHistogram

	Subscriptions *SubscriptionMetrics

	// Channel counts chunks, messages, renewals and faults of every secure
	// channel the client opens.
	Channel *uasc.Stats

	services *metrics.Services
}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		Latency:       metrics.NewLatencyHistogram(),
		Subscriptions: NewSubscriptionMetrics(),
		Channel:       &uasc.Stats{},
		services:      metrics.NewServices(),
	}
}

// ForService returns metrics for a specific service.
func (m *Metrics) ForService(svc opcua.ServiceID) *ServiceMetrics {
	return m.services.For(svc)
}

// Collect returns all metrics as a map.
func (m *Metrics) Collect() map[string]interface{} {
	result := map[string]interface{}{
		"requests_total":       m.RequestsTotal.Value(),
		"requests_success":     m.RequestsSuccess.Value(),
		"requests_errors":      m.RequestsErrors.Value(),
		"reconnections":        m.Reconnections.Value(),
		"active_sessions":      m.ActiveSessions.Value(),
		"active_subscriptions": m.ActiveSubscriptions.Value(),
		"monitored_items":      m.MonitoredItems.Value(),
		"latency":              m.Latency.Stats(),
		"subscriptions":        m.Subscriptions.Collect(),
		"channel": map[string]interface{}{
			"chunks_sent":       m.Channel.ChunksSent.Load(),
			"chunks_received":   m.Channel.ChunksReceived.Load(),
			"messages_sent":     m.Channel.MessagesSent.Load(),
			"messages_received": m.Channel.MessagesReceived.Load(),
			"renewals":          m.Channel.Renewals.Load(),
			"renewal_failures":  m.Channel.RenewalFailures.Load(),
			"faults":            m.Channel.Faults.Load(),
		},
	}
	if services := m.services.Collect(); len(services) > 0 {
		result["services"] = services
	}
	return result
}

// Reset resets the request metrics.
func (m *Metrics) Reset() {
	m.RequestsTotal.Reset()
	m.RequestsSuccess.Reset()
	m.RequestsErrors.Reset()
	m.Reconnections.Reset()
	m.Latency.Reset()
	m.services.Reset()
}

// SubscriptionMetrics holds subscription engine metrics.
type SubscriptionMetrics struct {
	NotificationsReceived   Counter
	DataChangeNotifications Counter
	EventNotifications      Counter
	KeepAlives              Counter
	PublishRequests         Counter
	PublishResponses        Counter
	RepublishRequests       Counter
	DataLossEvents          Counter
	Transfers               Counter
	Recreations             Counter
	Latency                 *LatencyHistogram
}

// NewSubscriptionMetrics creates a new SubscriptionMetrics instance.
func NewSubscriptionMetrics() *SubscriptionMetrics {
	return &SubscriptionMetrics{
		Latency: metrics.NewLatencyHistogram(),
	}
}

// Collect returns all subscription metrics as a map.
func (m *SubscriptionMetrics) Collect() map[string]interface{} {
	return map[string]interface{}{
		"notifications_received":    m.NotificationsReceived.Value(),
		"data_change_notifications": m.DataChangeNotifications.Value(),
		"event_notifications":       m.EventNotifications.Value(),
		"keep_alives":               m.KeepAlives.Value(),
		"publish_requests":          m.PublishRequests.Value(),
		"publish_responses":         m.PublishResponses.Value(),
		"republish_requests":        m.RepublishRequests.Value(),
		"data_loss_events":          m.DataLossEvents.Value(),
		"transfers":                 m.Transfers.Value(),
		"recreations":               m.Recreations.Value(),
		"latency":                   m.Latency.Stats(),
	}
}
