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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/opcua-uasc/client"
	"github.com/edgeo-scada/opcua-uasc/internal/forward"
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Subscribe to data changes on OPC UA nodes",
	Long: `Subscribe to data changes on OPC UA nodes and print or forward updates.

The subscription survives connection loss: the client reconnects, moves
the session to the new channel and transfers the subscription, recovering
missed notifications with Republish.

Examples:
  edgeo-opcua subscribe -e opc.tcp://localhost:4840 -n "ns=2;i=1"
  edgeo-opcua subscribe -e opc.tcp://localhost:4840 -n "ns=2;s=Temperature" -i 1000
  edgeo-opcua subscribe -n "ns=2;s=Level" --nats-url nats://localhost:4222 --nats-prefix plant.tank1`,
	RunE: runSubscribe,
}

var (
	subscribeNodes   nodeIDList
	publishInterval  float64
	sampleInterval   float64
	queueSize        uint32
	keepAliveCount   uint32
	natsURL          string
	natsPrefix       string
)

func init() {
	f := subscribeCmd.Flags()
	f.VarP(&subscribeNodes, "node", "n", "Node ID(s) to subscribe to (can specify multiple)")
	f.Float64VarP(&publishInterval, "interval", "i", 1000, "Publishing interval in milliseconds")
	f.Float64Var(&sampleInterval, "sample", 250, "Sampling interval in milliseconds")
	f.Uint32Var(&queueSize, "queue", 1, "Monitored item queue size")
	f.Uint32Var(&keepAliveCount, "keepalive", 10, "Publishing intervals between keep-alive messages")
	f.StringVar(&natsURL, "nats-url", "", "Forward notifications to this NATS server instead of printing them")
	f.StringVar(&natsPrefix, "nats-prefix", forward.DefaultPrefix, "Subject prefix for forwarded notifications")
	_ = subscribeCmd.MarkFlagRequired("node")
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	ids := subscribeNodes.ids

	ctx, cancel := signalContext()
	defer cancel()

	c, err := connect(ctx, client.WithAutoReconnect(true))
	if err != nil {
		return err
	}
	defer c.Close()
	if err := serveMetrics(client.NewPrometheusCollector(c.Metrics())); err != nil {
		return err
	}

	sub, err := c.CreateSubscription(ctx,
		client.WithPublishingInterval(publishInterval),
		client.WithMaxKeepAliveCount(keepAliveCount),
	)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dcancel()
		if err := sub.Delete(dctx); err != nil {
			logger.Debug("delete subscription failed", slog.Any("error", err))
		}
	}()

	items, err := sub.Monitor(ctx, ids,
		client.WithSamplingInterval(sampleInterval),
		client.WithQueueSize(queueSize),
	)
	if err != nil {
		return fmt.Errorf("failed to create monitored items: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Subscription %d created (interval %s)\n", sub.ID(), sub.PublishingInterval())
	for _, item := range items {
		interval, _ := item.Revised()
		fmt.Fprintf(out, "  [%d] %s (ID: %d, sampling %.0fms)\n", item.ClientHandle, item.NodeID, item.ID(), interval)
	}

	if natsURL != "" {
		nc, err := forward.Connect(natsURL, "edgeo-opcua", logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		logger.Info("forwarding notifications", slog.String("nats_url", natsURL), slog.String("prefix", natsPrefix))
		err = forward.New(nc, natsPrefix, logger).Run(ctx, sub)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	fmt.Fprintln(out, "Waiting for data changes (Ctrl+C to stop)...")
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-sub.Notifications():
			if !ok {
				return nil
			}
			printNotification(out, n)
		}
	}
}

func printNotification(w io.Writer, n client.Notification) {
	ts := time.Now().Format("15:04:05.000")
	if n.Loss != nil {
		fmt.Fprintf(w, "[%s] data loss: %v\n", ts, n.Loss)
	}
	for _, dc := range n.DataChanges {
		name := fmt.Sprintf("handle=%d", dc.ClientHandle)
		if dc.Item != nil {
			name = dc.Item.NodeID.String()
		}
		var value any
		if dc.Value.Value != nil {
			value = displayValue(dc.Value.Value)
		}
		suffix := ""
		if n.Republished {
			suffix = " (republished)"
		}
		if dc.Value.StatusCode.IsBad() {
			fmt.Fprintf(w, "[%s] %s status %s%s\n", ts, name, dc.Value.StatusCode, suffix)
			continue
		}
		fmt.Fprintf(w, "[%s] %s = %v%s\n", ts, name, value, suffix)
	}
	if n.StatusChange != nil {
		fmt.Fprintf(w, "[%s] subscription %d status %s\n", ts, n.SubscriptionID, *n.StatusChange)
	}
}
