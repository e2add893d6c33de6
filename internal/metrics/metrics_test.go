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

package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	opcua "github.com/edgeo-scada/opcua-uasc"
)

func TestLatencyHistogram(t *testing.T) {
	require := require.New(t)

	h := NewLatencyHistogram()
	h.Observe(500 * time.Microsecond)
	h.Observe(20 * time.Millisecond)
	h.Observe(10 * time.Second)

	s := h.Stats()
	require.EqualValues(3, s.Count)
	require.InDelta(0.5, s.Min, 0.001)
	require.InDelta(10000, s.Max, 0.001)
	require.EqualValues(1, s.Buckets["1ms"])
	require.EqualValues(1, s.Buckets["25ms"])
	require.EqualValues(1, s.Buckets["5s+"])

	h.Reset()
	require.Zero(h.Stats().Count)
}

func TestServices(t *testing.T) {
	require := require.New(t)

	s := NewServices()
	s.For(opcua.ServiceRead).Requests.Add(2)
	s.For(opcua.ServiceRead).Errors.Add(1)
	s.For(opcua.ServicePublish).Requests.Add(1)

	out := s.Collect()
	require.Len(out, 2)
	read := out["Read"].(map[string]interface{})
	require.EqualValues(2, read["requests"])
	require.EqualValues(1, read["errors"])

	s.Reset()
	require.Zero(s.For(opcua.ServiceRead).Requests.Value())
}
