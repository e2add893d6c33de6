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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	opcua "github.com/edgeo-scada/opcua-uasc"
	"github.com/edgeo-scada/opcua-uasc/client"
)

// readFile returns the contents of path, or nil when path is empty.
func readFile(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return b, nil
}

// securityFlags parses --security-policy and --security-mode.
func securityFlags() (opcua.SecurityPolicy, opcua.MessageSecurityMode, error) {
	policy, err := opcua.ParseSecurityPolicy(viper.GetString("security-policy"))
	if err != nil {
		return "", 0, err
	}
	mode, err := opcua.ParseMessageSecurityMode(viper.GetString("security-mode"))
	if err != nil {
		return "", 0, err
	}
	if (policy == opcua.SecurityPolicyNone) != (mode == opcua.MessageSecurityModeNone) {
		return "", 0, fmt.Errorf("security mode %s does not fit policy %s", mode, policy.ShortName())
	}
	return policy, mode, nil
}

// clientOptions builds client options from the persistent flags.
func clientOptions(extra ...client.Option) ([]client.Option, error) {
	policy, mode, err := securityFlags()
	if err != nil {
		return nil, err
	}
	opts := []client.Option{
		client.WithLogger(logger),
		client.WithTimeout(viper.GetDuration("timeout")),
		client.WithSecurityPolicy(policy),
		client.WithSecurityMode(mode),
		client.WithChannelLifetime(viper.GetDuration("channel-lifetime")),
		client.WithRenewFraction(viper.GetFloat64("renew-fraction")),
		client.WithTokenGracePeriod(viper.GetDuration("token-grace")),
		client.WithLegacySequenceNumbers(viper.GetBool("legacy-sequence")),
		client.WithChunkTrace(viper.GetBool("trace-chunks")),
	}

	cert, err := readFile(viper.GetString("cert"))
	if err != nil {
		return nil, err
	}
	key, err := readFile(viper.GetString("key"))
	if err != nil {
		return nil, err
	}
	switch {
	case cert != nil && key != nil:
		opts = append(opts, client.WithCertificate(cert, key))
	case cert != nil || key != nil:
		return nil, fmt.Errorf("both --cert and --key must be specified together")
	case mode != opcua.MessageSecurityModeNone:
		return nil, fmt.Errorf("security mode %s requires a client certificate (use --cert and --key)", mode)
	}

	serverCert, err := readFile(viper.GetString("server-cert"))
	if err != nil {
		return nil, err
	}
	if serverCert != nil {
		opts = append(opts, client.WithRemoteCertificate(serverCert))
	}

	if user := viper.GetString("user"); user != "" {
		opts = append(opts, client.WithUserPasswordAuth(user, viper.GetString("password")))
	}
	return append(opts, extra...), nil
}

// connect dials the configured endpoint and activates a session.
func connect(ctx context.Context, extra ...client.Option) (*client.Client, error) {
	opts, err := clientOptions(extra...)
	if err != nil {
		return nil, err
	}
	c, err := client.Dial(ctx, viper.GetString("endpoint"), opts...)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", viper.GetString("endpoint"), err)
	}
	return c, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// timeoutContext bounds a one-shot command by --timeout.
func timeoutContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), viper.GetDuration("timeout"))
}

// nodeIDList is a repeatable --node flag. Every value is parsed as it is
// set so a bad node id fails flag parsing.
type nodeIDList struct {
	raw []string
	ids []opcua.NodeID
}

var _ pflag.Value = (*nodeIDList)(nil)

func (l *nodeIDList) String() string {
	return "[" + strings.Join(l.raw, ",") + "]"
}

func (l *nodeIDList) Set(s string) error {
	id, err := opcua.ParseNodeID(s)
	if err != nil {
		return fmt.Errorf("invalid node ID %q: %w", s, err)
	}
	l.raw = append(l.raw, s)
	l.ids = append(l.ids, id)
	return nil
}

func (l *nodeIDList) Type() string {
	return "nodeId"
}

var attributeNames = map[string]opcua.AttributeID{
	"nodeid":          opcua.AttributeNodeID,
	"nodeclass":       opcua.AttributeNodeClass,
	"browsename":      opcua.AttributeBrowseName,
	"displayname":     opcua.AttributeDisplayName,
	"description":     opcua.AttributeDescription,
	"value":           opcua.AttributeValue,
	"datatype":        opcua.AttributeDataType,
	"valuerank":       opcua.AttributeValueRank,
	"arraydimensions": opcua.AttributeArrayDimensions,
	"accesslevel":     opcua.AttributeAccessLevel,
}

func parseAttributeID(name string) (opcua.AttributeID, error) {
	if id, ok := attributeNames[strings.ToLower(name)]; ok {
		return id, nil
	}
	if n, err := strconv.ParseUint(name, 10, 32); err == nil && n >= 1 && n <= 22 {
		return opcua.AttributeID(n), nil
	}
	return 0, fmt.Errorf("unknown attribute %q", name)
}

// parseValue converts text into a variant of the named type. "auto" picks
// Boolean, Int64, Double or String.
func parseValue(value, typeName string) (opcua.Variant, error) {
	typeName = strings.ToLower(typeName)
	if typeName == "" || typeName == "auto" {
		typeName = detectType(value)
	}

	var (
		v   any
		err error
	)
	switch typeName {
	case "bool", "boolean":
		v, err = strconv.ParseBool(value)
	case "int16":
		var n int64
		n, err = strconv.ParseInt(value, 10, 16)
		v = int16(n)
	case "uint16":
		var n uint64
		n, err = strconv.ParseUint(value, 10, 16)
		v = uint16(n)
	case "int32", "int":
		var n int64
		n, err = strconv.ParseInt(value, 10, 32)
		v = int32(n)
	case "uint32", "uint":
		var n uint64
		n, err = strconv.ParseUint(value, 10, 32)
		v = uint32(n)
	case "int64":
		v, err = strconv.ParseInt(value, 10, 64)
	case "uint64":
		v, err = strconv.ParseUint(value, 10, 64)
	case "float", "float32":
		var f float64
		f, err = strconv.ParseFloat(value, 32)
		v = float32(f)
	case "double", "float64":
		v, err = strconv.ParseFloat(value, 64)
	case "string":
		v = value
	default:
		return opcua.Variant{}, fmt.Errorf("unknown type: %s", typeName)
	}
	if err != nil {
		return opcua.Variant{}, err
	}
	return opcua.NewVariant(v)
}

func detectType(value string) string {
	if value == "true" || value == "false" {
		return "bool"
	}
	if _, err := strconv.ParseInt(value, 10, 64); err == nil {
		return "int64"
	}
	if _, err := strconv.ParseFloat(value, 64); err == nil {
		return "double"
	}
	return "string"
}

// render writes v as JSON or YAML when --output asks for it and reports
// whether it did. Text output is left to the caller.
func render(w io.Writer, v any) (bool, error) {
	switch format := strings.ToLower(viper.GetString("output")); format {
	case "", "text":
		return false, nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, err
		}
		return true, enc.Close()
	default:
		return true, fmt.Errorf("unknown output format %q", format)
	}
}

// valueRecord is the JSON and YAML form of a data value.
type valueRecord struct {
	Node            string `json:"node" yaml:"node"`
	Value           any    `json:"value" yaml:"value"`
	Type            string `json:"type,omitempty" yaml:"type,omitempty"`
	Status          string `json:"status" yaml:"status"`
	SourceTimestamp string `json:"sourceTimestamp,omitempty" yaml:"sourceTimestamp,omitempty"`
	ServerTimestamp string `json:"serverTimestamp,omitempty" yaml:"serverTimestamp,omitempty"`
}

func newValueRecord(node string, dv opcua.DataValue) valueRecord {
	r := valueRecord{Node: node, Status: dv.StatusCode.String()}
	if dv.Value != nil {
		r.Value = displayValue(dv.Value)
		r.Type = dv.Value.Type.String()
	}
	if !dv.SourceTimestamp.IsZero() {
		r.SourceTimestamp = dv.SourceTimestamp.Format(timeLayout)
	}
	if !dv.ServerTimestamp.IsZero() {
		r.ServerTimestamp = dv.ServerTimestamp.Format(timeLayout)
	}
	return r
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func displayValue(v *opcua.Variant) any {
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
