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

package opcua

import "fmt"

// Version information for the module.
const (
	VersionMajor = 0
	VersionMinor = 4
	VersionPatch = 0
)

// Version is the current version string.
var Version = fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionPatch)

// VersionInfo contains detailed version information.
type VersionInfo struct {
	Version         string `json:"version" yaml:"version"`
	Major           int    `json:"major" yaml:"major"`
	Minor           int    `json:"minor" yaml:"minor"`
	Patch           int    `json:"patch" yaml:"patch"`
	ProtocolVersion uint32 `json:"protocol_version" yaml:"protocol_version"`
}

// GetVersion returns the current version information.
func GetVersion() VersionInfo {
	return VersionInfo{
		Version:         Version,
		Major:           VersionMajor,
		Minor:           VersionMinor,
		Patch:           VersionPatch,
		ProtocolVersion: ProtocolVersion,
	}
}
