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

// Package forward publishes subscription notifications to NATS.
package forward

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	opcua "github.com/edgeo-scada/opcua-uasc"
	"github.com/edgeo-scada/opcua-uasc/client"
	"github.com/edgeo-scada/opcua-uasc/internal/metrics"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "opcua"

// Publisher is the part of *nats.Conn the forwarder needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials a NATS server with reconnects enabled.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.Any("error", err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("forward: connect %s: %w", url, err)
	}
	return nc, nil
}

// Sample is the JSON payload of one data change.
type Sample struct {
	SubscriptionID  uint32    `json:"subscriptionId"`
	SequenceNumber  uint32    `json:"sequenceNumber"`
	ClientHandle    uint32    `json:"clientHandle"`
	NodeID          string    `json:"nodeId,omitempty"`
	Value           any       `json:"value"`
	Type            string    `json:"type,omitempty"`
	Status          string    `json:"status"`
	SourceTimestamp time.Time `json:"sourceTimestamp,omitzero"`
	ServerTimestamp time.Time `json:"serverTimestamp,omitzero"`
	PublishTime     time.Time `json:"publishTime"`
	Republished     bool      `json:"republished,omitempty"`
}

// Loss is the JSON payload of a data loss report.
type Loss struct {
	SubscriptionID uint32 `json:"subscriptionId"`
	From           uint32 `json:"from"`
	To             uint32 `json:"to"`
	Recreated      bool   `json:"recreated,omitempty"`
	Error          string `json:"error"`
}

// Status is the JSON payload of a subscription status change.
type Status struct {
	SubscriptionID uint32 `json:"subscriptionId"`
	Status         string `json:"status"`
}

// Forwarder turns notifications into NATS messages. Data changes go to
// <prefix>.<subscription id>.<client handle>, status changes to
// <prefix>.<subscription id>.status and losses to <prefix>.<subscription id>.loss.
type Forwarder struct {
	pub    Publisher
	prefix string
	logger *slog.Logger

	Published metrics.Counter
	Failed    metrics.Counter
}

// New creates a forwarder publishing through pub.
func New(pub Publisher, prefix string, logger *slog.Logger) *Forwarder {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{pub: pub, prefix: prefix, logger: logger}
}

// Forward publishes every message n carries. It keeps going after a failed
// publish and returns the first error.
func (f *Forwarder) Forward(n client.Notification) error {
	var first error
	publish := func(subject string, v any) {
		if err := f.publish(subject, v); err != nil {
			f.Failed.Add(1)
			if first == nil {
				first = err
			}
			return
		}
		f.Published.Add(1)
	}

	sub := f.prefix + "." + strconv.FormatUint(uint64(n.SubscriptionID), 10)
	if n.Loss != nil {
		publish(sub+".loss", Loss{
			SubscriptionID: n.Loss.SubscriptionID,
			From:           n.Loss.From,
			To:             n.Loss.To,
			Recreated:      n.Loss.Recreated,
			Error:          n.Loss.Error(),
		})
	}
	for _, dc := range n.DataChanges {
		publish(sub+"."+strconv.FormatUint(uint64(dc.ClientHandle), 10), sample(n, dc))
	}
	if n.StatusChange != nil {
		publish(sub+".status", Status{SubscriptionID: n.SubscriptionID, Status: n.StatusChange.String()})
	}
	return first
}

func (f *Forwarder) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("forward: encode %s: %w", subject, err)
	}
	if err := f.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("forward: publish %s: %w", subject, err)
	}
	return nil
}

func sample(n client.Notification, dc client.DataChange) Sample {
	s := Sample{
		SubscriptionID:  n.SubscriptionID,
		SequenceNumber:  n.SequenceNumber,
		ClientHandle:    dc.ClientHandle,
		Status:          dc.Value.StatusCode.String(),
		SourceTimestamp: dc.Value.SourceTimestamp,
		ServerTimestamp: dc.Value.ServerTimestamp,
		PublishTime:     n.PublishTime,
		Republished:     n.Republished,
	}
	if dc.Item != nil {
		s.NodeID = dc.Item.NodeID.String()
	}
	if v := dc.Value.Value; v != nil {
		s.Value = jsonValue(v)
		s.Type = v.Type.String()
	}
	return s
}

// jsonValue converts values that encoding/json cannot represent.
func jsonValue(v *opcua.Variant) any {
	switch x := v.Value.(type) {
	case opcua.NodeID:
		return x.String()
	case opcua.LocalizedText:
		return x.Text
	case opcua.QualifiedName:
		return x.Name
	case opcua.StatusCode:
		return x.String()
	}
	return v.Value
}

// Run forwards the notifications of sub until its channel closes or ctx is
// done. Publish failures are logged and do not stop it.
func (f *Forwarder) Run(ctx context.Context, sub *client.Subscription) error {
	for {
		select {
		case n, ok := <-sub.Notifications():
			if !ok {
				return nil
			}
			if err := f.Forward(n); err != nil {
				f.logger.Warn("forward failed",
					slog.Uint64("subscription_id", uint64(n.SubscriptionID)),
					slog.Any("error", err))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
