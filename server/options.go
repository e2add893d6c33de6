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
	"log/slog"
	"time"

	opcua "github.com/edgeo-scada/opcua-uasc"
	"github.com/edgeo-scada/opcua-uasc/uasc"
)

// Option is a functional option for configuring the server.
type Option func(*serverOptions)

type serverOptions struct {
	logger       *slog.Logger
	maxConns     int
	writeTimeout time.Duration
	endpoint     string

	// Security settings
	endpoints       []uasc.EndpointSecurity
	customEndpoints bool
	certificate     []byte // PEM or DER
	privateKey      []byte // PEM

	// Secure channel settings
	channelLifetime time.Duration
	tokenGrace      time.Duration
	legacySequence  bool
	traceChunks     bool

	// Sessions
	maxSessions       int
	minSessionTimeout time.Duration
	maxSessionTimeout time.Duration
	userValidator     UserValidator

	// Subscriptions
	maxSubscriptions   int
	maxPublishRequests int
	retransmitQueue    int
	minPublishInterval time.Duration

	metrics  *Metrics
	registry *opcua.Registry

	// Application description
	applicationURI  string
	productURI      string
	applicationName string
}

// UserValidator validates user credentials.
type UserValidator interface {
	ValidateAnonymous() error
	ValidateUserPassword(username, password string) error
	ValidateCertificate(cert []byte) error
}

// IssuedTokenValidator is implemented by validators that accept issued
// tokens. Without it issued tokens are rejected.
type IssuedTokenValidator interface {
	ValidateIssuedToken(data []byte) error
}

func defaultServerOptions() *serverOptions {
	return &serverOptions{
		logger:             slog.Default(),
		maxConns:           100,
		writeTimeout:       30 * time.Second,
		endpoints:          []uasc.EndpointSecurity{{Policy: opcua.SecurityPolicyNone, Mode: opcua.MessageSecurityModeNone}},
		channelLifetime:    opcua.DefaultChannelLifetime,
		tokenGrace:         uasc.DefaultTokenGracePeriod,
		legacySequence:     true,
		maxSessions:        100,
		minSessionTimeout:  10 * time.Second,
		maxSessionTimeout:  opcua.DefaultSessionTimeout,
		maxSubscriptions:   100,
		maxPublishRequests: 10,
		retransmitQueue:    32,
		minPublishInterval: 50 * time.Millisecond,
		applicationURI:     "urn:edgeo:opcua:server",
		productURI:         "urn:edgeo:opcua",
		applicationName:    "Edgeo OPC UA Server",
	}
}

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) Option {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// WithMaxConnections sets the maximum number of concurrent connections.
func WithMaxConnections(n int) Option {
	return func(o *serverOptions) {
		o.maxConns = n
	}
}

// WithWriteTimeout sets the write timeout for client connections.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *serverOptions) {
		o.writeTimeout = d
	}
}

// WithEndpoint sets the endpoint URL announced to clients. It defaults to
// the listening address.
func WithEndpoint(endpoint string) Option {
	return func(o *serverOptions) {
		o.endpoint = endpoint
	}
}

// WithSecurity adds an accepted security policy and mode. The first call
// replaces the default None endpoint.
func WithSecurity(policy opcua.SecurityPolicy, mode opcua.MessageSecurityMode) Option {
	return func(o *serverOptions) {
		if !o.customEndpoints {
			o.endpoints = nil
			o.customEndpoints = true
		}
		o.endpoints = append(o.endpoints, uasc.EndpointSecurity{Policy: policy, Mode: mode})
	}
}

// WithCertificate sets the server certificate (PEM or DER) and private
// key (PEM).
func WithCertificate(cert, key []byte) Option {
	return func(o *serverOptions) {
		o.certificate = cert
		o.privateKey = key
	}
}

// WithChannelLifetime sets the longest security token lifetime granted.
func WithChannelLifetime(d time.Duration) Option {
	return func(o *serverOptions) {
		o.channelLifetime = d
	}
}

// WithTokenGracePeriod sets how long a replaced token stays accepted.
func WithTokenGracePeriod(d time.Duration) Option {
	return func(o *serverOptions) {
		o.tokenGrace = d
	}
}

// WithLegacySequenceNumbers selects the legacy chunk sequence number wrap.
func WithLegacySequenceNumbers(legacy bool) Option {
	return func(o *serverOptions) {
		o.legacySequence = legacy
	}
}

// WithChunkTrace logs a hex dump of every chunk at debug level.
func WithChunkTrace(enable bool) Option {
	return func(o *serverOptions) {
		o.traceChunks = enable
	}
}

// WithMaxSessions sets the maximum number of sessions.
func WithMaxSessions(n int) Option {
	return func(o *serverOptions) {
		o.maxSessions = n
	}
}

// WithSessionTimeoutRange bounds the session timeout clients may request.
func WithSessionTimeoutRange(lo, hi time.Duration) Option {
	return func(o *serverOptions) {
		o.minSessionTimeout = lo
		o.maxSessionTimeout = hi
	}
}

// WithUserValidator sets the user validator. Without one every identity
// with a valid token is accepted.
func WithUserValidator(validator UserValidator) Option {
	return func(o *serverOptions) {
		o.userValidator = validator
	}
}

// WithMaxSubscriptions sets the maximum number of subscriptions.
func WithMaxSubscriptions(n int) Option {
	return func(o *serverOptions) {
		o.maxSubscriptions = n
	}
}

// WithMaxPublishRequests sets how many publish requests a session may
// queue.
func WithMaxPublishRequests(n int) Option {
	return func(o *serverOptions) {
		o.maxPublishRequests = n
	}
}

// WithRetransmitQueue sets how many sent notification messages each
// subscription keeps for Republish.
func WithRetransmitQueue(n int) Option {
	return func(o *serverOptions) {
		o.retransmitQueue = n
	}
}

// WithMinPublishingInterval sets the shortest publishing interval granted.
func WithMinPublishingInterval(d time.Duration) Option {
	return func(o *serverOptions) {
		o.minPublishInterval = d
	}
}

// WithMetrics shares a metrics instance with the server.
func WithMetrics(m *Metrics) Option {
	return func(o *serverOptions) {
		o.metrics = m
	}
}

// WithRegistry sets the type registry used by secure channels.
func WithRegistry(r *opcua.Registry) Option {
	return func(o *serverOptions) {
		o.registry = r
	}
}

// WithApplicationURI sets the server application URI.
func WithApplicationURI(uri string) Option {
	return func(o *serverOptions) {
		o.applicationURI = uri
	}
}

// WithProductURI sets the server product URI.
func WithProductURI(uri string) Option {
	return func(o *serverOptions) {
		o.productURI = uri
	}
}

// WithApplicationName sets the server application name.
func WithApplicationName(name string) Option {
	return func(o *serverOptions) {
		o.applicationName = name
	}
}
