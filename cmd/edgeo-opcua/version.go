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

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := opcua.GetVersion()
		if done, err := render(cmd.OutOrStdout(), info); done {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "edgeo-opcua version %s (protocol %d)\n", info.Version, info.ProtocolVersion)
		return nil
	},
}
