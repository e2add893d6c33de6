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
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	opcua "github.com/edgeo-scada/opcua-uasc"
	"github.com/edgeo-scada/opcua-uasc/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an in-memory OPC UA server",
	Long: `Run an OPC UA server holding variables in memory.

Variables are created with --var name=value and live in namespace 2 under
their name, e.g. "ns=2;s=Counter". With --simulate, numeric variables are
incremented at the given interval so subscriptions have data to report.

Examples:
  edgeo-opcua serve --listen :4840 --var Counter=0 --var Label=hello --simulate 1s
  edgeo-opcua serve -s Basic256Sha256 -m SignAndEncrypt --cert server.pem --key server-key.pem --allow-none`,
	RunE: runServe,
}

var (
	serveListen      string
	serveEndpointURL string
	serveVars        []string
	serveSimulate    time.Duration
	serveAllowNone   bool
	serveNoAnonymous bool
	serveMaxSessions int
	serveMaxSubs     int
	serveMinInterval time.Duration
)

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveListen, "listen", ":4840", "Address to listen on")
	f.StringVar(&serveEndpointURL, "endpoint-url", "", "Endpoint URL advertised to clients (default derived from --listen)")
	f.StringArrayVar(&serveVars, "var", nil, "Variable as name=value (can specify multiple)")
	f.DurationVar(&serveSimulate, "simulate", 0, "Increment numeric variables at this interval")
	f.BoolVar(&serveAllowNone, "allow-none", false, "Also offer the None endpoint when a secured policy is configured")
	f.BoolVar(&serveNoAnonymous, "no-anonymous", false, "Reject anonymous sessions")
	f.IntVar(&serveMaxSessions, "max-sessions", 100, "Maximum number of sessions")
	f.IntVar(&serveMaxSubs, "max-subscriptions", 100, "Maximum number of subscriptions")
	f.DurationVar(&serveMinInterval, "min-publishing-interval", 50*time.Millisecond, "Smallest publishing interval granted")
}

// credentials accepts one user name and password, and anonymous sessions
// unless disabled.
type credentials struct {
	user, password string
	anonymous      bool
}

var errAccessDenied = errors.New("access denied")

func (c credentials) ValidateAnonymous() error {
	if !c.anonymous {
		return errAccessDenied
	}
	return nil
}

func (c credentials) ValidateUserPassword(username, password string) error {
	if c.user == "" || username != c.user ||
		subtle.ConstantTimeCompare([]byte(password), []byte(c.password)) != 1 {
		return errAccessDenied
	}
	return nil
}

func (c credentials) ValidateCertificate(cert []byte) error {
	return nil
}

// variable is a served variable the simulation may update.
type variable struct {
	id    opcua.NodeID
	value opcua.Variant
}

func parseVariables(in []string) ([]variable, error) {
	vars := make([]variable, 0, len(in))
	for _, s := range in {
		name, value, ok := strings.Cut(s, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid variable %q, want name=value", s)
		}
		v, err := parseValue(value, "auto")
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", name, err)
		}
		vars = append(vars, variable{id: opcua.NewStringNodeID(2, name), value: v})
	}
	return vars, nil
}

// step increments numeric values and leaves others unchanged.
func (v *variable) step() bool {
	switch x := v.value.Value.(type) {
	case int64:
		v.value.Value = x + 1
	case float64:
		v.value.Value = x + 1
	case bool:
		v.value.Value = !x
	default:
		return false
	}
	return true
}

func serverOptions() ([]server.Option, error) {
	policy, mode, err := securityFlags()
	if err != nil {
		return nil, err
	}
	opts := []server.Option{
		server.WithLogger(logger),
		server.WithMaxSessions(serveMaxSessions),
		server.WithMaxSubscriptions(serveMaxSubs),
		server.WithMinPublishingInterval(serveMinInterval),
		server.WithChannelLifetime(viper.GetDuration("channel-lifetime")),
		server.WithTokenGracePeriod(viper.GetDuration("token-grace")),
		server.WithLegacySequenceNumbers(viper.GetBool("legacy-sequence")),
		server.WithChunkTrace(viper.GetBool("trace-chunks")),
		server.WithUserValidator(credentials{
			user:      viper.GetString("user"),
			password:  viper.GetString("password"),
			anonymous: !serveNoAnonymous,
		}),
	}
	if serveEndpointURL != "" {
		opts = append(opts, server.WithEndpoint(serveEndpointURL))
	}

	cert, err := readFile(viper.GetString("cert"))
	if err != nil {
		return nil, err
	}
	key, err := readFile(viper.GetString("key"))
	if err != nil {
		return nil, err
	}
	if cert != nil && key != nil {
		opts = append(opts, server.WithCertificate(cert, key))
	}
	if mode != opcua.MessageSecurityModeNone {
		if cert == nil || key == nil {
			return nil, fmt.Errorf("security mode %s requires --cert and --key", mode)
		}
		opts = append(opts, server.WithSecurity(policy, mode))
		if serveAllowNone {
			opts = append(opts, server.WithSecurity(opcua.SecurityPolicyNone, opcua.MessageSecurityModeNone))
		}
	}
	return opts, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	vars, err := parseVariables(serveVars)
	if err != nil {
		return err
	}
	opts, err := serverOptions()
	if err != nil {
		return err
	}

	h := server.NewMemoryHandler()
	for _, v := range vars {
		h.AddVariable(v.id, v.id.StringID, v.value, true)
	}

	srv, err := server.NewServer(serveListen, h, opts...)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Stop()
	if err := serveMetrics(server.NewPrometheusCollector(srv.Metrics())); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Serving %s\n", srv.EndpointURL())
	for _, ep := range srv.Endpoints() {
		fmt.Fprintf(out, "  %s / %s\n", opcua.SecurityPolicy(ep.SecurityPolicyURI).ShortName(), ep.SecurityMode)
	}
	for _, v := range vars {
		fmt.Fprintf(out, "  %s = %v\n", v.id, v.value.Value)
	}

	if serveSimulate <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(serveSimulate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for i := range vars {
				// Writes from clients win over the simulated value.
				if dv, err := h.Read(0, opcua.TimestampsToReturnNeither, []opcua.ReadValueID{{
					NodeID: vars[i].id, AttributeID: opcua.AttributeValue,
				}}); err == nil && len(dv) == 1 && dv[0].Value != nil {
					vars[i].value = *dv[0].Value
				}
				if vars[i].step() {
					h.SetValue(vars[i].id, vars[i].value)
					logger.Debug("simulated value", slog.String("node", vars[i].id.String()), slog.Any("value", vars[i].value.Value))
				}
			}
		}
	}
}
