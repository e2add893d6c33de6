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

package server

import (
	"testing"

	"github.com/stretchr/testify/require"

	opcua "github.com/edgeo-scada/opcua-uasc"
)

func TestMemoryHandler_Read(t *testing.T) {
	h := NewMemoryHandler()
	ro := opcua.NewStringNodeID(2, "ro")
	h.AddVariable(ro, "ReadOnly", opcua.MustVariant("fixed"), false)

	tests := []struct {
		name   string
		read   opcua.ReadValueID
		status opcua.StatusCode
		value  interface{}
	}{
		{"server state", opcua.ReadValueID{NodeID: ServerStateNodeID, AttributeID: opcua.AttributeValue}, opcua.StatusGood, ServerStateRunning},
		{"browse name", opcua.ReadValueID{NodeID: ro, AttributeID: opcua.AttributeBrowseName}, opcua.StatusGood, opcua.QualifiedName{NamespaceIndex: 2, Name: "ReadOnly"}},
		{"display name", opcua.ReadValueID{NodeID: ro, AttributeID: opcua.AttributeDisplayName}, opcua.StatusGood, opcua.LocalizedText{Text: "ReadOnly"}},
		{"unknown node", opcua.ReadValueID{NodeID: opcua.NewNumericNodeID(5, 5), AttributeID: opcua.AttributeValue}, opcua.StatusBadNodeIDUnknown, nil},
		{"unsupported attribute", opcua.ReadValueID{NodeID: ro, AttributeID: 99}, opcua.StatusBadAttributeIDInvalid, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)
			res, err := h.Read(0, opcua.TimestampsToReturnBoth, []opcua.ReadValueID{tt.read})
			require.NoError(err)
			require.Len(res, 1)
			require.Equal(tt.status, res[0].StatusCode)
			if tt.value != nil {
				require.NotNil(res[0].Value)
				require.Equal(tt.value, res[0].Value.Value)
			}
		})
	}

	t.Run("current time changes", func(t *testing.T) {
		require := require.New(t)
		read := []opcua.ReadValueID{{NodeID: ServerCurrentTimeNodeID, AttributeID: opcua.AttributeValue}}
		res, err := h.Read(0, opcua.TimestampsToReturnNeither, read)
		require.NoError(err)
		require.Equal(opcua.TypeDateTime, res[0].Value.Type)
		require.True(res[0].SourceTimestamp.IsZero())
		require.True(res[0].ServerTimestamp.IsZero())
	})
}

func TestMemoryHandler_Write(t *testing.T) {
	h := NewMemoryHandler()
	rw := opcua.NewStringNodeID(2, "rw")
	ro := opcua.NewStringNodeID(2, "ro")
	h.AddVariable(rw, "Setpoint", opcua.MustVariant(float64(1.5)), true)
	h.AddVariable(ro, "ReadOnly", opcua.MustVariant(float64(0)), false)

	value := func(v interface{}) opcua.DataValue {
		vv := opcua.MustVariant(v)
		return opcua.DataValue{Value: &vv}
	}
	results, err := h.Write([]opcua.WriteValue{
		{NodeID: rw, AttributeID: opcua.AttributeValue, Value: value(float64(3))},
		{NodeID: rw, AttributeID: opcua.AttributeValue, Value: value("text")},
		{NodeID: ro, AttributeID: opcua.AttributeValue, Value: value(float64(3))},
		{NodeID: opcua.NewNumericNodeID(9, 9), AttributeID: opcua.AttributeValue, Value: value(float64(3))},
		{NodeID: rw, AttributeID: opcua.AttributeDisplayName, Value: value("name")},
	})
	require.NoError(t, err)
	require.Equal(t, []opcua.StatusCode{
		opcua.StatusGood,
		opcua.StatusBadTypeMismatch,
		opcua.StatusBadNotWritable,
		opcua.StatusBadNodeIDUnknown,
		opcua.StatusBadNotWritable,
	}, results)

	res, err := h.Read(0, opcua.TimestampsToReturnSource, []opcua.ReadValueID{{NodeID: rw, AttributeID: opcua.AttributeValue}})
	require.NoError(t, err)
	require.Equal(t, float64(3), res[0].Value.Value)
	require.False(t, res[0].SourceTimestamp.IsZero())
	require.True(t, res[0].ServerTimestamp.IsZero())
}
