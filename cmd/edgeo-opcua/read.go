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

	"github.com/spf13/cobra"

	opcua "github.com/edgeo-scada/opcua-uasc"
)

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read values from OPC UA nodes",
	Long: `Read attribute values from OPC UA nodes.

Examples:
  edgeo-opcua read -e opc.tcp://localhost:4840 -n "ns=2;i=1"
  edgeo-opcua read -e opc.tcp://localhost:4840 -n "ns=2;s=Temperature" -a DisplayName
  edgeo-opcua read -e opc.tcp://localhost:4840 -n "i=2259" -n "i=2258" -o json`,
	RunE: runRead,
}

var (
	readNodes     nodeIDList
	readAttribute string
)

func init() {
	readCmd.Flags().VarP(&readNodes, "node", "n", "Node ID(s) to read (can specify multiple)")
	readCmd.Flags().StringVarP(&readAttribute, "attribute", "a", "Value", "Attribute to read: NodeId, NodeClass, BrowseName, DisplayName, Value, DataType, etc.")
	_ = readCmd.MarkFlagRequired("node")
}

func runRead(cmd *cobra.Command, args []string) error {
	ids := readNodes.ids
	attr, err := parseAttributeID(readAttribute)
	if err != nil {
		return err
	}

	ctx, cancel := timeoutContext()
	defer cancel()
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	nodesToRead := make([]opcua.ReadValueID, len(ids))
	for i, id := range ids {
		nodesToRead[i] = opcua.ReadValueID{NodeID: id, AttributeID: attr}
	}
	results, err := c.Read(ctx, nodesToRead)
	if err != nil {
		return fmt.Errorf("read failed: %w", err)
	}

	records := make([]valueRecord, len(results))
	for i, dv := range results {
		records[i] = newValueRecord(readNodes.raw[i], dv)
	}
	out := cmd.OutOrStdout()
	if done, err := render(out, records); done {
		return err
	}
	for _, r := range records {
		fmt.Fprintf(out, "Node: %s\n", r.Node)
		fmt.Fprintf(out, "  Attribute: %s\n", readAttribute)
		if r.Type != "" {
			fmt.Fprintf(out, "  Value: %v\n", r.Value)
			fmt.Fprintf(out, "  Type: %s\n", r.Type)
		} else {
			fmt.Fprintf(out, "  Value: <null>\n")
		}
		if r.SourceTimestamp != "" {
			fmt.Fprintf(out, "  SourceTimestamp: %s\n", r.SourceTimestamp)
		}
		if r.ServerTimestamp != "" {
			fmt.Fprintf(out, "  ServerTimestamp: %s\n", r.ServerTimestamp)
		}
		fmt.Fprintf(out, "  Status: %s\n\n", r.Status)
	}
	return nil
}
