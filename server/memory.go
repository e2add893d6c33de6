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
	"sync"
	"time"

	opcua "github.com/edgeo-scada/opcua-uasc"
)

// Handler serves the attribute services and samples monitored items.
type Handler interface {
	Read(maxAge float64, timestampsToReturn opcua.TimestampsToReturn, nodesToRead []opcua.ReadValueID) ([]opcua.DataValue, error)
	Write(nodesToWrite []opcua.WriteValue) ([]opcua.StatusCode, error)
}

// Well-known nodes served by MemoryHandler.
var (
	ServerCurrentTimeNodeID = opcua.NewNumericNodeID(0, 2258)
	ServerStateNodeID       = opcua.ServerStateNodeID
)

// ServerStateRunning is the value of the server state variable.
const ServerStateRunning int32 = 0

// MemoryHandler is a simple in-memory implementation of Handler.
type MemoryHandler struct {
	mu    sync.RWMutex
	nodes map[string]*memoryNode
}

type memoryNode struct {
	nodeID      opcua.NodeID
	browseName  opcua.QualifiedName
	displayName opcua.LocalizedText
	value       opcua.DataValue
	writable    bool
	dynamic     func() opcua.Variant
}

// NewMemoryHandler creates a handler holding the server status variables.
func NewMemoryHandler() *MemoryHandler {
	h := &MemoryHandler{nodes: make(map[string]*memoryNode)}
	h.addNode(&memoryNode{
		nodeID:      ServerStateNodeID,
		browseName:  opcua.QualifiedName{Name: "State"},
		displayName: opcua.LocalizedText{Text: "State"},
		value:       opcua.DataValue{Value: variantPtr(opcua.MustVariant(ServerStateRunning))},
	})
	h.addNode(&memoryNode{
		nodeID:      ServerCurrentTimeNodeID,
		browseName:  opcua.QualifiedName{Name: "CurrentTime"},
		displayName: opcua.LocalizedText{Text: "CurrentTime"},
		dynamic:     func() opcua.Variant { return opcua.MustVariant(time.Now().UTC()) },
	})
	return h
}

func variantPtr(v opcua.Variant) *opcua.Variant {
	return &v
}

func (h *MemoryHandler) addNode(n *memoryNode) {
	h.nodes[n.nodeID.Key()] = n
}

// AddVariable adds a variable node. Clients may write it when writable is
// set.
func (h *MemoryHandler) AddVariable(nodeID opcua.NodeID, name string, value opcua.Variant, writable bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now().UTC()
	h.addNode(&memoryNode{
		nodeID:      nodeID,
		browseName:  opcua.QualifiedName{NamespaceIndex: nodeID.Namespace, Name: name},
		displayName: opcua.LocalizedText{Text: name},
		value:       opcua.DataValue{Value: &value, SourceTimestamp: now, ServerTimestamp: now},
		writable:    writable,
	})
}

// SetValue sets the value of a node, creating a writable variable if the
// node does not exist.
func (h *MemoryHandler) SetValue(nodeID opcua.NodeID, value opcua.Variant) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now().UTC()
	dv := opcua.DataValue{Value: &value, SourceTimestamp: now, ServerTimestamp: now}
	if n, ok := h.nodes[nodeID.Key()]; ok {
		n.value = dv
		return
	}
	h.addNode(&memoryNode{
		nodeID:      nodeID,
		browseName:  opcua.QualifiedName{NamespaceIndex: nodeID.Namespace, Name: nodeID.String()},
		displayName: opcua.LocalizedText{Text: nodeID.String()},
		value:       dv,
		writable:    true,
	})
}

// Read implements Handler.
func (h *MemoryHandler) Read(maxAge float64, timestampsToReturn opcua.TimestampsToReturn, nodesToRead []opcua.ReadValueID) ([]opcua.DataValue, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := time.Now().UTC()
	results := make([]opcua.DataValue, len(nodesToRead))
	for i, req := range nodesToRead {
		n, ok := h.nodes[req.NodeID.Key()]
		if !ok {
			results[i] = opcua.DataValue{StatusCode: opcua.StatusBadNodeIDUnknown}
			continue
		}
		var dv opcua.DataValue
		switch req.AttributeID {
		case opcua.AttributeValue:
			dv = n.value
			if n.dynamic != nil {
				dv = opcua.DataValue{Value: variantPtr(n.dynamic()), SourceTimestamp: now}
			}
		case opcua.AttributeNodeID:
			dv = opcua.DataValue{Value: variantPtr(opcua.MustVariant(n.nodeID))}
		case opcua.AttributeBrowseName:
			dv = opcua.DataValue{Value: variantPtr(opcua.MustVariant(n.browseName))}
		case opcua.AttributeDisplayName:
			dv = opcua.DataValue{Value: variantPtr(opcua.MustVariant(n.displayName))}
		default:
			results[i] = opcua.DataValue{StatusCode: opcua.StatusBadAttributeIDInvalid}
			continue
		}
		results[i] = stampTimestamps(dv, timestampsToReturn, now)
	}
	return results, nil
}

func stampTimestamps(dv opcua.DataValue, ts opcua.TimestampsToReturn, now time.Time) opcua.DataValue {
	switch ts {
	case opcua.TimestampsToReturnSource:
		dv.ServerTimestamp = time.Time{}
	case opcua.TimestampsToReturnServer:
		dv.SourceTimestamp = time.Time{}
		dv.ServerTimestamp = now
	case opcua.TimestampsToReturnNeither:
		dv.SourceTimestamp = time.Time{}
		dv.ServerTimestamp = time.Time{}
	default:
		dv.ServerTimestamp = now
	}
	return dv
}

// Write implements Handler. A value must keep the type of the value it
// replaces.
func (h *MemoryHandler) Write(nodesToWrite []opcua.WriteValue) ([]opcua.StatusCode, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now().UTC()
	results := make([]opcua.StatusCode, len(nodesToWrite))
	for i, req := range nodesToWrite {
		n, ok := h.nodes[req.NodeID.Key()]
		switch {
		case !ok:
			results[i] = opcua.StatusBadNodeIDUnknown
		case req.AttributeID != opcua.AttributeValue:
			results[i] = opcua.StatusBadNotWritable
		case !n.writable:
			results[i] = opcua.StatusBadNotWritable
		case req.Value.Value == nil:
			results[i] = opcua.StatusBadTypeMismatch
		case n.value.Value != nil && n.value.Value.Type != req.Value.Value.Type:
			results[i] = opcua.StatusBadTypeMismatch
		default:
			dv := req.Value
			if dv.SourceTimestamp.IsZero() {
				dv.SourceTimestamp = now
			}
			dv.ServerTimestamp = now
			n.value = dv
			results[i] = opcua.StatusGood
		}
	}
	return results, nil
}
