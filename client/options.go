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
	"log/slog"
	"time"

	opcua "github.com/edgeo-scada/opcua-uasc"
	"github.com/edgeo-scada/opcua-uasc/uasc"
)

// Option is a functional option for configuring the client.
type Option func(*clientOptions)

type clientOptions struct {
	// Connection settings
	timeout time.Duration

	// Security settings
	securityPolicy    opcua.SecurityPolicy
	securityMode      opcua.MessageSecurityMode
	certificate       []byte // PEM or DER
	privateKey        []byte // PEM
	serverCertificate []byte // PEM or DER

	// Secure channel settings
	channelLifetime time.Duration
	renewFraction   float64
	tokenGrace      time.Duration
	legacySequence  bool
	traceChunks     bool

	// Session settings
	sessionName    string
	sessionTimeout time.Duration
	identity       Identity

	// Reconnection settings
	autoReconnect    bool
	reconnectBackoff time.Duration
	maxReconnectTime time.Duration

	// Subscription engine
	maxOutstandingPublish int

	// Callbacks
	onConnect          func()
	onDisconnect       func(error)
	onSessionActivated func()
	onSessionClosed    func(error)

	logger   *slog.Logger
	metrics  *Metrics
	registry *opcua.Registry

	// Application description
	applicationURI  string
	productURI      string
	applicationName string
}

func defaultOptions() *clientOptions {
	return &clientOptions{
		timeout:               opcua.DefaultTimeout,
		securityPolicy:        opcua.SecurityPolicyNone,
		securityMode:          opcua.MessageSecurityModeNone,
		channelLifetime:       opcua.DefaultChannelLifetime,
		renewFraction:         uasc.DefaultRenewFraction,
		tokenGrace:            uasc.DefaultTokenGracePeriod,
		legacySequence:        true,
		sessionName:           "OPC UA Client Session",
		sessionTimeout:        opcua.DefaultSessionTimeout,
		identity:              Anonymous(),
		reconnectBackoff:      1 * time.Second,
		maxReconnectTime:      30 * time.Second,
		maxOutstandingPublish: DefaultMaxOutstandingPublish,
		logger:                slog.Default(),
		applicationURI:        "urn:edgeo:opcua:client",
		productURI:            "urn:edgeo:opcua",
		applicationName:       "Edgeo OPC UA Client",
	}
}

// WithTimeout sets the timeout for requests without a deadline of their own.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.timeout = d
	}
}

// WithSecurityPolicy sets the security policy.
func WithSecurityPolicy(policy opcua.SecurityPolicy) Option {
	return func(o *clientOptions) {
		o.securityPolicy = policy
	}
}

// WithSecurityMode sets the security mode.
func WithSecurityMode(mode opcua.MessageSecurityMode) Option {
	return func(o *clientOptions) {
		o.securityMode = mode
	}
}

// WithCertificate sets the client certificate and private key (PEM encoded).
func WithCertificate(cert, key []byte) Option {
	return func(o *clientOptions) {
		o.certificate = cert
		o.privateKey = key
	}
}

// WithRemoteCertificate sets the server certificate (PEM or DER encoded).
// It is required for every security policy but None.
func WithRemoteCertificate(cert []byte) Option {
	return func(o *clientOptions) {
		o.serverCertificate = cert
	}
}

// WithChannelLifetime sets the requested security token lifetime.
func WithChannelLifetime(d time.Duration) Option {
	return func(o *clientOptions) {
		o.channelLifetime = d
	}
}

// WithRenewFraction sets the share of the token lifetime after which the
// token is renewed.
func WithRenewFraction(f float64) Option {
	return func(o *clientOptions) {
		o.renewFraction = f
	}
}

// WithTokenGracePeriod sets how long the previous token stays accepted.
func WithTokenGracePeriod(d time.Duration) Option {
	return func(o *clientOptions) {
		o.tokenGrace = d
	}
}

// WithLegacySequenceNumbers selects the legacy sequence number wrap rule.
func WithLegacySequenceNumbers(legacy bool) Option {
	return func(o *clientOptions) {
		o.legacySequence = legacy
	}
}

// WithChunkTrace logs a hex dump of every chunk at debug level.
func WithChunkTrace(enable bool) Option {
	return func(o *clientOptions) {
		o.traceChunks = enable
	}
}

// WithSessionName sets the session name.
func WithSessionName(name string) Option {
	return func(o *clientOptions) {
		o.sessionName = name
	}
}

// WithSessionTimeout sets the requested session timeout.
func WithSessionTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.sessionTimeout = d
	}
}

// WithIdentity sets the user identity presented by ActivateSession.
func WithIdentity(id Identity) Option {
	return func(o *clientOptions) {
		o.identity = id
	}
}

// WithAnonymousAuth configures anonymous authentication.
func WithAnonymousAuth() Option {
	return WithIdentity(Anonymous())
}

// WithUserPasswordAuth configures username/password authentication.
func WithUserPasswordAuth(username, password string) Option {
	return WithIdentity(UserName(username, password))
}

// WithAutoReconnect enables automatic reconnection on connection loss.
func WithAutoReconnect(enable bool) Option {
	return func(o *clientOptions) {
		o.autoReconnect = enable
	}
}

// WithReconnectBackoff sets the initial backoff duration for reconnection attempts.
func WithReconnectBackoff(d time.Duration) Option {
	return func(o *clientOptions) {
		o.reconnectBackoff = d
	}
}

// WithMaxReconnectTime sets the maximum time between reconnection attempts.
func WithMaxReconnectTime(d time.Duration) Option {
	return func(o *clientOptions) {
		o.maxReconnectTime = d
	}
}

// WithMaxOutstandingPublish bounds the publish requests kept at the server.
func WithMaxOutstandingPublish(n int) Option {
	return func(o *clientOptions) {
		o.maxOutstandingPublish = n
	}
}

// WithOnConnect sets a callback to be called when the connection is established.
func WithOnConnect(fn func()) Option {
	return func(o *clientOptions) {
		o.onConnect = fn
	}
}

// WithOnDisconnect sets a callback to be called when the connection is lost.
func WithOnDisconnect(fn func(error)) Option {
	return func(o *clientOptions) {
		o.onDisconnect = fn
	}
}

// WithOnSessionActivated sets a callback to be called when the session is activated.
func WithOnSessionActivated(fn func()) Option {
	return func(o *clientOptions) {
		o.onSessionActivated = fn
	}
}

// WithOnSessionClosed sets a callback to be called when the session is closed.
func WithOnSessionClosed(fn func(error)) Option {
	return func(o *clientOptions) {
		o.onSessionClosed = fn
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithMetrics makes the client record into m, which may be shared.
func WithMetrics(m *Metrics) Option {
	return func(o *clientOptions) {
		o.metrics = m
	}
}

// WithRegistry sets the type registry used to encode and decode messages.
func WithRegistry(r *opcua.Registry) Option {
	return func(o *clientOptions) {
		o.registry = r
	}
}

// WithApplicationURI sets the application URI.
func WithApplicationURI(uri string) Option {
	return func(o *clientOptions) {
		o.applicationURI = uri
	}
}

// WithProductURI sets the product URI.
func WithProductURI(uri string) Option {
	return func(o *clientOptions) {
		o.productURI = uri
	}
}

// WithApplicationName sets the application name.
func WithApplicationName(name string) Option {
	return func(o *clientOptions) {
		o.applicationName = name
	}
}

// SubscriptionOption is a functional option for configuring subscriptions.
type SubscriptionOption func(*subscriptionOptions)

type subscriptionOptions struct {
	publishingInterval float64
	lifetimeCount      uint32
	maxKeepAliveCount  uint32
	maxNotifications   uint32
	publishingEnabled  bool
	priority           uint8
	bufferSize         int

	onDataChange   func(*MonitoredItem, opcua.DataValue)
	onEvent        func(*MonitoredItem, []opcua.Variant)
	onStatusChange func(opcua.StatusCode)
	onDataLoss     func(*DataLoss)
}

func defaultSubscriptionOptions() *subscriptionOptions {
	return &subscriptionOptions{
		publishingInterval: 1000, // 1 second
		lifetimeCount:      10000,
		maxKeepAliveCount:  10,
		maxNotifications:   0, // unlimited
		publishingEnabled:  true,
		priority:           0,
		bufferSize:         256,
	}
}

// WithPublishingInterval sets the publishing interval in milliseconds.
func WithPublishingInterval(interval float64) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.publishingInterval = interval
	}
}

// WithLifetimeCount sets the lifetime count.
func WithLifetimeCount(count uint32) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.lifetimeCount = count
	}
}

// WithMaxKeepAliveCount sets the max keep alive count.
func WithMaxKeepAliveCount(count uint32) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.maxKeepAliveCount = count
	}
}

// WithMaxNotificationsPerPublish sets the max notifications per publish.
func WithMaxNotificationsPerPublish(count uint32) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.maxNotifications = count
	}
}

// WithPublishingEnabled sets whether publishing is enabled.
func WithPublishingEnabled(enabled bool) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.publishingEnabled = enabled
	}
}

// WithPriority sets the subscription priority.
func WithPriority(priority uint8) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.priority = priority
	}
}

// WithNotificationBuffer sets the capacity of the notification channel.
func WithNotificationBuffer(n int) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.bufferSize = n
	}
}

// OnDataChange registers a callback for every monitored item value change.
func OnDataChange(fn func(item *MonitoredItem, value opcua.DataValue)) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.onDataChange = fn
	}
}

// OnEvent registers a callback for every event reported to a monitored item.
func OnEvent(fn func(item *MonitoredItem, fields []opcua.Variant)) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.onEvent = fn
	}
}

// OnStatusChange registers a callback for subscription status changes.
func OnStatusChange(fn func(status opcua.StatusCode)) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.onStatusChange = fn
	}
}

// OnDataLoss registers a callback for notifications that could not be
// recovered.
func OnDataLoss(fn func(loss *DataLoss)) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.onDataLoss = fn
	}
}

// MonitoredItemOption is a functional option for configuring monitored items.
type MonitoredItemOption func(*monitoredItemOptions)

type monitoredItemOptions struct {
	samplingInterval float64
	queueSize        uint32
	discardOldest    bool
	monitoringMode   opcua.MonitoringMode
	filter           opcua.Message
	attributeID      opcua.AttributeID
}

func defaultMonitoredItemOptions() *monitoredItemOptions {
	return &monitoredItemOptions{
		samplingInterval: 250, // 250 ms
		queueSize:        10,
		discardOldest:    true,
		monitoringMode:   opcua.MonitoringModeReporting,
		attributeID:      opcua.AttributeValue,
	}
}

// WithSamplingInterval sets the sampling interval in milliseconds.
func WithSamplingInterval(interval float64) MonitoredItemOption {
	return func(o *monitoredItemOptions) {
		o.samplingInterval = interval
	}
}

// WithQueueSize sets the queue size.
func WithQueueSize(size uint32) MonitoredItemOption {
	return func(o *monitoredItemOptions) {
		o.queueSize = size
	}
}

// WithDiscardOldest sets whether to discard oldest values when queue is full.
func WithDiscardOldest(discard bool) MonitoredItemOption {
	return func(o *monitoredItemOptions) {
		o.discardOldest = discard
	}
}

// WithMonitoringMode sets the monitoring mode.
func WithMonitoringMode(mode opcua.MonitoringMode) MonitoredItemOption {
	return func(o *monitoredItemOptions) {
		o.monitoringMode = mode
	}
}

// WithFilter sets the monitoring filter, e.g. a *opcua.DataChangeFilter.
func WithFilter(filter opcua.Message) MonitoredItemOption {
	return func(o *monitoredItemOptions) {
		o.filter = filter
	}
}

// WithAttribute selects the monitored attribute. The default is Value.
func WithAttribute(id opcua.AttributeID) MonitoredItemOption {
	return func(o *monitoredItemOptions) {
		o.attributeID = id
	}
}
