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
	"crypto/rsa"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	opcua "github.com/edgeo-scada/opcua-uasc"
	"github.com/edgeo-scada/opcua-uasc/internal/chunk"
)

// Defaults for channel configuration.
const (
	DefaultRenewFraction    = 0.75
	DefaultTokenGracePeriod = 10 * time.Second
	DefaultOutboundQueue    = 64
	minTokenLifetime        = 10 * time.Second
)

// Config configures one end of a secure channel.
type Config struct {
	SecurityPolicy opcua.SecurityPolicy
	SecurityMode   opcua.MessageSecurityMode

	// Certificate is the DER encoded local application certificate.
	Certificate []byte
	PrivateKey  *rsa.PrivateKey
	// RemoteCertificate is the DER encoded certificate of the server. A
	// client needs it for every policy but None.
	RemoteCertificate []byte

	// Lifetime is the requested (client) or maximum (server) token lifetime.
	Lifetime time.Duration
	// RenewFraction is the share of the token lifetime after which the
	// client renews the token.
	RenewFraction float64
	// TokenGracePeriod is how long the previous token stays accepted after
	// a renewal.
	TokenGracePeriod time.Duration
	// RequestTimeout applies to requests without a timeout hint.
	RequestTimeout time.Duration

	ReceiveBufferSize uint32
	SendBufferSize    uint32
	MaxMessageSize    uint32
	MaxChunkCount     uint32

	// LegacySequenceNumbers selects the sequence number wrap rule.
	LegacySequenceNumbers bool
	// OutboundQueue is the number of complete messages that may wait for
	// the writer.
	OutboundQueue int
	// TraceChunks logs a hex dump of every chunk at debug level.
	TraceChunks bool

	Logger   *slog.Logger
	Registry *opcua.Registry
	Stats    *Stats
}

// DefaultConfig returns a configuration for an unsecured channel.
func DefaultConfig() *Config {
	return &Config{
		SecurityPolicy:        opcua.SecurityPolicyNone,
		SecurityMode:          opcua.MessageSecurityModeNone,
		Lifetime:              opcua.DefaultChannelLifetime,
		RenewFraction:         DefaultRenewFraction,
		TokenGracePeriod:      DefaultTokenGracePeriod,
		RequestTimeout:        opcua.DefaultTimeout,
		ReceiveBufferSize:     opcua.DefaultReceiveBuffer,
		SendBufferSize:        opcua.DefaultSendBuffer,
		MaxMessageSize:        opcua.DefaultMaxMessageSize,
		MaxChunkCount:         opcua.DefaultMaxChunkCount,
		LegacySequenceNumbers: true,
		OutboundQueue:         DefaultOutboundQueue,
	}
}

// Validate checks the configuration and fills in zero values with defaults.
func (c *Config) Validate() error {
	d := DefaultConfig()
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = d.SecurityPolicy
	}
	if c.SecurityMode == 0 {
		c.SecurityMode = opcua.MessageSecurityModeNone
	}
	if c.Lifetime <= 0 {
		c.Lifetime = d.Lifetime
	}
	if c.RenewFraction <= 0 || c.RenewFraction >= 1 {
		c.RenewFraction = d.RenewFraction
	}
	if c.TokenGracePeriod <= 0 {
		c.TokenGracePeriod = d.TokenGracePeriod
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.ReceiveBufferSize == 0 {
		c.ReceiveBufferSize = d.ReceiveBufferSize
	}
	if c.SendBufferSize == 0 {
		c.SendBufferSize = d.SendBufferSize
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = d.OutboundQueue
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Registry == nil {
		c.Registry = opcua.DefaultRegistry
	}
	if c.Stats == nil {
		c.Stats = new(Stats)
	}

	if c.ReceiveBufferSize < chunk.MinBufferSize || c.SendBufferSize < chunk.MinBufferSize {
		return fmt.Errorf("uasc: buffer sizes must be at least %d", chunk.MinBufferSize)
	}

	p, err := PolicyFor(c.SecurityPolicy)
	if err != nil {
		return err
	}
	switch {
	case p.IsNone() && c.SecurityMode != opcua.MessageSecurityModeNone:
		return fmt.Errorf("%w: mode %s requires a security policy", opcua.ErrSecurityPolicyNotSupported, c.SecurityMode)
	case !p.IsNone() && c.SecurityMode == opcua.MessageSecurityModeNone:
		return fmt.Errorf("%w: policy %s requires mode Sign or SignAndEncrypt", opcua.ErrSecurityPolicyNotSupported, p.URI.ShortName())
	case c.SecurityMode > opcua.MessageSecurityModeSignAndEncrypt:
		return fmt.Errorf("%w: mode %d", opcua.ErrSecurityPolicyNotSupported, c.SecurityMode)
	}
	if !p.IsNone() {
		if len(c.Certificate) == 0 || c.PrivateKey == nil {
			return fmt.Errorf("%w: policy %s", opcua.ErrCertificateRequired, p.URI.ShortName())
		}
		if err := p.CheckKey(&c.PrivateKey.PublicKey); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) localLimits() chunk.Limits {
	return chunk.Limits{
		MaxChunkSize:   c.ReceiveBufferSize,
		MaxMessageSize: c.MaxMessageSize,
		MaxChunkCount:  c.MaxChunkCount,
	}
}

// Stats counts channel activity. A Stats value may be shared by the
// channels a client opens over its lifetime.
type Stats struct {
	ChunksSent       atomic.Uint64
	ChunksReceived   atomic.Uint64
	MessagesSent     atomic.Uint64
	MessagesReceived atomic.Uint64
	Renewals         atomic.Uint64
	RenewalFailures  atomic.Uint64
	Faults           atomic.Uint64
}
