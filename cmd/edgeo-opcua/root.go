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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/opcua-uasc/internal/logging"
)

var (
	cfgFile string
	logger  = logging.Discard()
)

var rootCmd = &cobra.Command{
	Use:   "edgeo-opcua",
	Short: "OPC UA secure channel client, server and capture tool",
	Long: `A command line interface for OPC UA servers over opc.tcp.

Every flag can also be set with an OPCUA_ environment variable
(OPCUA_SECURITY_POLICY for --security-policy) or in a YAML file given
with --config.

Examples:
  edgeo-opcua read -e opc.tcp://localhost:4840 -n "ns=2;s=Temperature"
  edgeo-opcua write -e opc.tcp://localhost:4840 -n "ns=2;i=1" --value 42
  edgeo-opcua subscribe -e opc.tcp://localhost:4840 -n "ns=2;i=1" --nats-url nats://localhost:4222
  edgeo-opcua serve --listen :4840 --var "ns=2;s=Counter=0"
  edgeo-opcua decode capture.pcap`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	cobra.OnInitialize(initConfig)

	f := rootCmd.PersistentFlags()
	f.StringVar(&cfgFile, "config", "", "YAML configuration file")
	f.StringP("endpoint", "e", "opc.tcp://localhost:4840", "OPC UA server endpoint URL")
	f.DurationP("timeout", "t", 5*time.Second, "Request timeout")
	f.StringP("security-policy", "s", "None", "Security policy (None, Basic128Rsa15, Basic256, Basic256Sha256, Aes128_Sha256_RsaOaep, Aes256_Sha256_RsaPss)")
	f.StringP("security-mode", "m", "None", "Security mode (None, Sign, SignAndEncrypt)")
	f.String("cert", "", "Application certificate (PEM or DER)")
	f.String("key", "", "Application private key (PEM)")
	f.String("server-cert", "", "Server certificate, required for secured client channels")
	f.StringP("user", "u", "", "User name for session activation")
	f.String("password", "", "Password for session activation")
	f.Duration("channel-lifetime", time.Hour, "Requested secure channel token lifetime")
	f.Float64("renew-fraction", 0.75, "Fraction of the token lifetime after which the channel is renewed")
	f.Duration("token-grace", 10*time.Second, "How long the previous token stays valid after a renewal")
	f.Bool("legacy-sequence", true, "Wrap chunk sequence numbers below 4294966271 and restart at 1")
	f.Bool("trace-chunks", false, "Log a hex dump of every chunk at debug level")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", logging.FormatConsole, "Log format (console, json, text)")
	f.StringP("output", "o", "text", "Output format (text, json, yaml)")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9100")

	if err := viper.BindPFlags(f); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(readCmd, writeCmd, subscribeCmd, serveCmd, decodeCmd, gencertCmd, infoCmd, versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("OPCUA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// setup reads the configuration file and installs the logger.
func setup(cmd *cobra.Command, args []string) error {
	if cfgFile != "" {
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}
	l, _, err := logging.New(logging.Options{
		Level:  viper.GetString("log-level"),
		Format: viper.GetString("log-format"),
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	logger = l
	slog.SetDefault(l)
	return nil
}

// serveMetrics exposes the collectors on --metrics-addr until the process
// exits. It does nothing when the flag is empty.
func serveMetrics(collectors ...prometheus.Collector) error {
	addr := viper.GetString("metrics-addr")
	if addr == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	logger.Info("serving metrics", slog.String("addr", addr))
	return nil
}
