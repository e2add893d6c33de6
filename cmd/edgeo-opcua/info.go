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
	"fmt"
	"time"

	"github.com/spf13/cobra"

	opcua "github.com/edgeo-scada/opcua-uasc"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show secure channel, session and endpoint information",
	Long: `Connect to an OPC UA server and display the negotiated secure channel,
the session and the endpoints the server returned in CreateSession.

Examples:
  edgeo-opcua info -e opc.tcp://localhost:4840
  edgeo-opcua info -e opc.tcp://plc:4840 -s Basic256Sha256 -m SignAndEncrypt --cert c.pem --key k.pem --server-cert s.der -o yaml`,
	RunE: runInfo,
}

type endpointInfo struct {
	URL             string   `json:"url" yaml:"url"`
	SecurityMode    string   `json:"securityMode" yaml:"securityMode"`
	SecurityPolicy  string   `json:"securityPolicy" yaml:"securityPolicy"`
	SecurityLevel   uint8    `json:"securityLevel" yaml:"securityLevel"`
	UserTokens      []string `json:"userTokens,omitempty" yaml:"userTokens,omitempty"`
	ApplicationURI  string   `json:"applicationUri,omitempty" yaml:"applicationUri,omitempty"`
	ApplicationName string   `json:"applicationName,omitempty" yaml:"applicationName,omitempty"`
	ApplicationType string   `json:"applicationType" yaml:"applicationType"`
}

type serverInfo struct {
	Endpoint       string         `json:"endpoint" yaml:"endpoint"`
	ChannelID      uint32         `json:"channelId" yaml:"channelId"`
	TokenID        uint32         `json:"tokenId" yaml:"tokenId"`
	TokenLifetime  string         `json:"tokenLifetime" yaml:"tokenLifetime"`
	SecurityPolicy string         `json:"securityPolicy" yaml:"securityPolicy"`
	SecurityMode   string         `json:"securityMode" yaml:"securityMode"`
	SessionID      string         `json:"sessionId" yaml:"sessionId"`
	SessionTimeout string         `json:"sessionTimeout" yaml:"sessionTimeout"`
	Endpoints      []endpointInfo `json:"endpoints" yaml:"endpoints"`
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx, cancel := timeoutContext()
	defer cancel()

	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	ch, s := c.Channel(), c.Session()
	if ch == nil || s == nil {
		return opcua.ErrNotConnected
	}
	info := serverInfo{
		Endpoint:       c.Endpoint(),
		ChannelID:      ch.ChannelID(),
		SecurityPolicy: ch.SecurityPolicy().URI.ShortName(),
		SecurityMode:   ch.SecurityMode().String(),
		SessionID:      s.ID.String(),
		SessionTimeout: s.Timeout.String(),
	}
	if tok := ch.Token(); tok != nil {
		info.TokenID = tok.TokenID
		info.TokenLifetime = tok.Lifetime.String()
	}
	for _, ep := range s.Endpoints {
		e := endpointInfo{
			URL:             ep.EndpointURL,
			SecurityMode:    ep.SecurityMode.String(),
			SecurityPolicy:  opcua.SecurityPolicy(ep.SecurityPolicyURI).ShortName(),
			SecurityLevel:   ep.SecurityLevel,
			ApplicationURI:  ep.Server.ApplicationURI,
			ApplicationName: ep.Server.ApplicationName.Text,
			ApplicationType: ep.Server.ApplicationType.String(),
		}
		for _, t := range ep.UserIdentityTokens {
			e.UserTokens = append(e.UserTokens, fmt.Sprintf("%s (%s)", t.PolicyID, t.TokenType))
		}
		info.Endpoints = append(info.Endpoints, e)
	}

	out := cmd.OutOrStdout()
	if done, err := render(out, info); done {
		return err
	}

	fmt.Fprintf(out, "OPC UA Server Information\n")
	fmt.Fprintf(out, "=========================\n\n")
	fmt.Fprintf(out, "Endpoint: %s\n\n", info.Endpoint)
	fmt.Fprintf(out, "Secure Channel:\n")
	fmt.Fprintf(out, "  Channel ID:      %d\n", info.ChannelID)
	fmt.Fprintf(out, "  Token ID:        %d (lifetime %s)\n", info.TokenID, info.TokenLifetime)
	fmt.Fprintf(out, "  Security Policy: %s\n", info.SecurityPolicy)
	fmt.Fprintf(out, "  Security Mode:   %s\n\n", info.SecurityMode)
	fmt.Fprintf(out, "Session:\n")
	fmt.Fprintf(out, "  Session ID:      %s\n", info.SessionID)
	fmt.Fprintf(out, "  Timeout:         %s\n\n", s.Timeout.Round(time.Millisecond))

	if len(info.Endpoints) == 0 {
		fmt.Fprintln(out, "No endpoints returned.")
		return nil
	}
	fmt.Fprintf(out, "Available Endpoints (%d):\n\n", len(info.Endpoints))
	for i, ep := range info.Endpoints {
		fmt.Fprintf(out, "[%d] %s\n", i+1, ep.URL)
		fmt.Fprintf(out, "    Security Mode:   %s\n", ep.SecurityMode)
		fmt.Fprintf(out, "    Security Policy: %s\n", ep.SecurityPolicy)
		fmt.Fprintf(out, "    Security Level:  %d\n", ep.SecurityLevel)
		if len(ep.UserTokens) > 0 {
			fmt.Fprintf(out, "    User Identity Tokens:\n")
			for _, t := range ep.UserTokens {
				fmt.Fprintf(out, "      - %s\n", t)
			}
		}
		fmt.Fprintln(out)
	}
	return nil
}
