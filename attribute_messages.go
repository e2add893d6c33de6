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

// ReadValueID identifies a node attribute to read or monitor.
type ReadValueID struct {
	NodeID       NodeID
	AttributeID  AttributeID
	IndexRange   string
	DataEncoding QualifiedName
}

func encodeReadValueID(e *Encoder, r ReadValueID) {
	e.WriteNodeID(r.NodeID)
	e.WriteUInt32(uint32(r.AttributeID))
	e.WriteString(r.IndexRange)
	e.WriteQualifiedName(r.DataEncoding)
}

func decodeReadValueID(d *Decoder) ReadValueID {
	var r ReadValueID
	r.NodeID = d.ReadNodeID()
	r.AttributeID = AttributeID(d.ReadUInt32())
	r.IndexRange = d.ReadString()
	r.DataEncoding = d.ReadQualifiedName()
	return r
}

// WriteValue identifies a node attribute and the value to write.
type WriteValue struct {
	NodeID      NodeID
	AttributeID AttributeID
	IndexRange  string
	Value       DataValue
}

func encodeWriteValue(e *Encoder, w WriteValue) {
	e.WriteNodeID(w.NodeID)
	e.WriteUInt32(uint32(w.AttributeID))
	e.WriteString(w.IndexRange)
	e.WriteDataValue(w.Value)
}

func decodeWriteValue(d *Decoder) WriteValue {
	var w WriteValue
	w.NodeID = d.ReadNodeID()
	w.AttributeID = AttributeID(d.ReadUInt32())
	w.IndexRange = d.ReadString()
	w.Value = d.ReadDataValue()
	return w
}

// ReadRequest reads node attributes.
type ReadRequest struct {
	RequestHeader
	MaxAge             float64
	TimestampsToReturn TimestampsToReturn
	NodesToRead        []ReadValueID
}

func (*ReadRequest) EncodingID() NodeID { return numeric(idReadRequest) }

func (m *ReadRequest) Encode(e *Encoder) {
	m.RequestHeader.encode(e)
	e.WriteDouble(m.MaxAge)
	e.WriteUInt32(uint32(m.TimestampsToReturn))
	writeArray(e, m.NodesToRead, encodeReadValueID)
}

func (m *ReadRequest) Decode(d *Decoder) error {
	m.RequestHeader.decode(d)
	m.MaxAge = d.ReadDouble()
	m.TimestampsToReturn = TimestampsToReturn(d.ReadUInt32())
	m.NodesToRead = readArray(d, decodeReadValueID)
	return d.Err()
}

// ReadResponse returns one DataValue per node read.
type ReadResponse struct {
	ResponseHeader
	Results []DataValue
}

func (*ReadResponse) EncodingID() NodeID { return numeric(idReadResponse) }

func (m *ReadResponse) Encode(e *Encoder) {
	m.ResponseHeader.encode(e)
	writeArray(e, m.Results, (*Encoder).WriteDataValue)
	writeNullDiagnostics(e)
}

func (m *ReadResponse) Decode(d *Decoder) error {
	m.ResponseHeader.decode(d)
	m.Results = readArray(d, (*Decoder).ReadDataValue)
	d.SkipDiagnosticInfos()
	return d.Err()
}

// WriteRequest writes node attributes.
type WriteRequest struct {
	RequestHeader
	NodesToWrite []WriteValue
}

func (*WriteRequest) EncodingID() NodeID { return numeric(idWriteRequest) }

func (m *WriteRequest) Encode(e *Encoder) {
	m.RequestHeader.encode(e)
	writeArray(e, m.NodesToWrite, encodeWriteValue)
}

func (m *WriteRequest) Decode(d *Decoder) error {
	m.RequestHeader.decode(d)
	m.NodesToWrite = readArray(d, decodeWriteValue)
	return d.Err()
}

// WriteResponse returns one status code per node written.
type WriteResponse struct {
	ResponseHeader
	Results []StatusCode
}

func (*WriteResponse) EncodingID() NodeID { return numeric(idWriteResponse) }

func (m *WriteResponse) Encode(e *Encoder) {
	m.ResponseHeader.encode(e)
	e.WriteStatusCodeArray(m.Results)
	writeNullDiagnostics(e)
}

func (m *WriteResponse) Decode(d *Decoder) error {
	m.ResponseHeader.decode(d)
	m.Results = d.ReadStatusCodeArray()
	d.SkipDiagnosticInfos()
	return d.Err()
}
