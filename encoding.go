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

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// epochDiff is the number of 100ns ticks between 1601-01-01 and 1970-01-01.
const epochDiff = 116444736000000000

// Encoder writes values in the OPC UA binary encoding.
type Encoder struct {
	buf *bytes.Buffer
	reg *Registry
}

// NewEncoder creates a new encoder backed by the default registry.
func NewEncoder() *Encoder {
	return &Encoder{buf: new(bytes.Buffer), reg: DefaultRegistry}
}

// Bytes returns the encoded bytes.
func (e *Encoder) Bytes() []byte {
	return e.buf.Bytes()
}

// Len returns the number of bytes written so far.
func (e *Encoder) Len() int {
	return e.buf.Len()
}

// Reset resets the encoder.
func (e *Encoder) Reset() {
	e.buf.Reset()
}

// Write appends raw bytes.
func (e *Encoder) Write(p []byte) (int, error) {
	return e.buf.Write(p)
}

// WriteBoolean writes a boolean value.
func (e *Encoder) WriteBoolean(v bool) {
	if v {
		e.buf.WriteByte(1)
	} else {
		e.buf.WriteByte(0)
	}
}

// WriteByte writes a byte value.
func (e *Encoder) WriteByte(v byte) error {
	return e.buf.WriteByte(v)
}

// WriteSByte writes a signed byte value.
func (e *Encoder) WriteSByte(v int8) {
	e.buf.WriteByte(byte(v))
}

// WriteUInt16 writes a uint16 value.
func (e *Encoder) WriteUInt16(v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	e.buf.Write(buf[:])
}

// WriteInt16 writes an int16 value.
func (e *Encoder) WriteInt16(v int16) {
	e.WriteUInt16(uint16(v))
}

// WriteUInt32 writes a uint32 value.
func (e *Encoder) WriteUInt32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	e.buf.Write(buf[:])
}

// WriteInt32 writes an int32 value.
func (e *Encoder) WriteInt32(v int32) {
	e.WriteUInt32(uint32(v))
}

// WriteUInt64 writes a uint64 value.
func (e *Encoder) WriteUInt64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	e.buf.Write(buf[:])
}

// WriteInt64 writes an int64 value.
func (e *Encoder) WriteInt64(v int64) {
	e.WriteUInt64(uint64(v))
}

// WriteFloat writes a float32 value.
func (e *Encoder) WriteFloat(v float32) {
	e.WriteUInt32(math.Float32bits(v))
}

// WriteDouble writes a float64 value.
func (e *Encoder) WriteDouble(v float64) {
	e.WriteUInt64(math.Float64bits(v))
}

// WriteString writes a string value. The empty string is encoded as null.
func (e *Encoder) WriteString(v string) {
	if v == "" {
		e.WriteInt32(-1)
		return
	}
	e.WriteInt32(int32(len(v)))
	e.buf.WriteString(v)
}

// WriteByteString writes a byte string value.
func (e *Encoder) WriteByteString(v []byte) {
	if v == nil {
		e.WriteInt32(-1)
		return
	}
	e.WriteInt32(int32(len(v)))
	e.buf.Write(v)
}

// WriteDateTime writes a DateTime value.
func (e *Encoder) WriteDateTime(t time.Time) {
	if t.IsZero() {
		e.WriteInt64(0)
		return
	}
	e.WriteInt64(t.UnixNano()/100 + epochDiff)
}

// WriteGUID writes a GUID value.
func (e *Encoder) WriteGUID(v [16]byte) {
	// Data1..Data3 are little endian on the wire, Data4 is raw.
	e.WriteUInt32(binary.BigEndian.Uint32(v[0:4]))
	e.WriteUInt16(binary.BigEndian.Uint16(v[4:6]))
	e.WriteUInt16(binary.BigEndian.Uint16(v[6:8]))
	e.buf.Write(v[8:16])
}

// WriteNodeID writes a NodeID value using the most compact encoding.
func (e *Encoder) WriteNodeID(n NodeID) {
	e.writeNodeID(n, 0)
}

func (e *Encoder) writeNodeID(n NodeID, flags byte) {
	switch n.Type {
	case NodeIDTypeNumeric:
		switch {
		case n.Namespace == 0 && n.Numeric <= 255:
			e.buf.WriteByte(0x00 | flags)
			e.buf.WriteByte(byte(n.Numeric))
		case n.Namespace <= 255 && n.Numeric <= 65535:
			e.buf.WriteByte(0x01 | flags)
			e.buf.WriteByte(byte(n.Namespace))
			e.WriteUInt16(uint16(n.Numeric))
		default:
			e.buf.WriteByte(0x02 | flags)
			e.WriteUInt16(n.Namespace)
			e.WriteUInt32(n.Numeric)
		}
	case NodeIDTypeString:
		e.buf.WriteByte(0x03 | flags)
		e.WriteUInt16(n.Namespace)
		e.WriteString(n.StringID)
	case NodeIDTypeGUID:
		e.buf.WriteByte(0x04 | flags)
		e.WriteUInt16(n.Namespace)
		e.WriteGUID(n.GUID)
	case NodeIDTypeOpaque:
		e.buf.WriteByte(0x05 | flags)
		e.WriteUInt16(n.Namespace)
		e.WriteByteString(n.Opaque)
	}
}

// WriteExpandedNodeID writes an ExpandedNodeID value.
func (e *Encoder) WriteExpandedNodeID(n ExpandedNodeID) {
	var flags byte
	if n.NamespaceURI != "" {
		flags |= 0x80
	}
	if n.ServerIndex != 0 {
		flags |= 0x40
	}
	e.writeNodeID(n.NodeID, flags)
	if n.NamespaceURI != "" {
		e.WriteString(n.NamespaceURI)
	}
	if n.ServerIndex != 0 {
		e.WriteUInt32(n.ServerIndex)
	}
}

// WriteQualifiedName writes a QualifiedName value.
func (e *Encoder) WriteQualifiedName(q QualifiedName) {
	e.WriteUInt16(q.NamespaceIndex)
	e.WriteString(q.Name)
}

// WriteLocalizedText writes a LocalizedText value.
func (e *Encoder) WriteLocalizedText(l LocalizedText) {
	var mask byte
	if l.Locale != "" {
		mask |= 0x01
	}
	if l.Text != "" {
		mask |= 0x02
	}
	e.buf.WriteByte(mask)
	if l.Locale != "" {
		e.WriteString(l.Locale)
	}
	if l.Text != "" {
		e.WriteString(l.Text)
	}
}

// WriteStatusCode writes a StatusCode value.
func (e *Encoder) WriteStatusCode(s StatusCode) {
	e.WriteUInt32(uint32(s))
}

// WriteExtensionObject writes an ExtensionObject. A decoded Value takes
// precedence over a raw Body.
func (e *Encoder) WriteExtensionObject(x *ExtensionObject) {
	if x == nil || (x.Value == nil && x.Body == nil && x.TypeID.IsNull()) {
		e.WriteNodeID(NodeID{})
		e.buf.WriteByte(0x00)
		return
	}
	if x.Value != nil {
		e.WriteNodeID(x.Value.EncodingID())
		e.buf.WriteByte(0x01)
		body := &Encoder{buf: new(bytes.Buffer), reg: e.reg}
		x.Value.Encode(body)
		e.WriteByteString(body.Bytes())
		return
	}
	e.WriteNodeID(x.TypeID)
	if x.Body == nil {
		e.buf.WriteByte(0x00)
		return
	}
	e.buf.WriteByte(0x01)
	e.WriteByteString(x.Body)
}

// WriteDataValue writes a DataValue.
func (e *Encoder) WriteDataValue(dv DataValue) {
	var mask byte
	if dv.Value != nil {
		mask |= 0x01
	}
	if dv.StatusCode != StatusGood {
		mask |= 0x02
	}
	if !dv.SourceTimestamp.IsZero() {
		mask |= 0x04
	}
	if !dv.ServerTimestamp.IsZero() {
		mask |= 0x08
	}
	if dv.SourcePicoseconds != 0 {
		mask |= 0x10
	}
	if dv.ServerPicoseconds != 0 {
		mask |= 0x20
	}
	e.buf.WriteByte(mask)
	if mask&0x01 != 0 {
		e.WriteVariant(*dv.Value)
	}
	if mask&0x02 != 0 {
		e.WriteStatusCode(dv.StatusCode)
	}
	if mask&0x04 != 0 {
		e.WriteDateTime(dv.SourceTimestamp)
	}
	if mask&0x10 != 0 {
		e.WriteUInt16(dv.SourcePicoseconds)
	}
	if mask&0x08 != 0 {
		e.WriteDateTime(dv.ServerTimestamp)
	}
	if mask&0x20 != 0 {
		e.WriteUInt16(dv.ServerPicoseconds)
	}
}

// WriteVariant writes a Variant. Arrays are carried as []interface{}.
func (e *Encoder) WriteVariant(v Variant) {
	if v.Type == TypeNull {
		e.buf.WriteByte(0)
		return
	}
	if values, ok := v.Value.([]interface{}); ok {
		e.buf.WriteByte(byte(v.Type) | 0x80)
		e.WriteInt32(int32(len(values)))
		for _, item := range values {
			e.writeVariantScalar(v.Type, item)
		}
		return
	}
	e.buf.WriteByte(byte(v.Type))
	e.writeVariantScalar(v.Type, v.Value)
}

func (e *Encoder) writeVariantScalar(t TypeID, value interface{}) {
	switch t {
	case TypeBoolean:
		v, _ := value.(bool)
		e.WriteBoolean(v)
	case TypeSByte:
		v, _ := value.(int8)
		e.WriteSByte(v)
	case TypeByte:
		v, _ := value.(byte)
		e.buf.WriteByte(v)
	case TypeInt16:
		v, _ := value.(int16)
		e.WriteInt16(v)
	case TypeUInt16:
		v, _ := value.(uint16)
		e.WriteUInt16(v)
	case TypeInt32:
		v, _ := value.(int32)
		e.WriteInt32(v)
	case TypeUInt32:
		v, _ := value.(uint32)
		e.WriteUInt32(v)
	case TypeInt64:
		v, _ := value.(int64)
		e.WriteInt64(v)
	case TypeUInt64:
		v, _ := value.(uint64)
		e.WriteUInt64(v)
	case TypeFloat:
		v, _ := value.(float32)
		e.WriteFloat(v)
	case TypeDouble:
		v, _ := value.(float64)
		e.WriteDouble(v)
	case TypeString, TypeXMLElement:
		v, _ := value.(string)
		e.WriteString(v)
	case TypeDateTime:
		v, _ := value.(time.Time)
		e.WriteDateTime(v)
	case TypeGUID:
		v, _ := value.([16]byte)
		e.WriteGUID(v)
	case TypeByteString:
		v, _ := value.([]byte)
		e.WriteByteString(v)
	case TypeNodeID:
		v, _ := value.(NodeID)
		e.WriteNodeID(v)
	case TypeExpandedNodeID:
		v, _ := value.(ExpandedNodeID)
		e.WriteExpandedNodeID(v)
	case TypeStatusCode:
		v, _ := value.(StatusCode)
		e.WriteStatusCode(v)
	case TypeQualifiedName:
		v, _ := value.(QualifiedName)
		e.WriteQualifiedName(v)
	case TypeLocalizedText:
		v, _ := value.(LocalizedText)
		e.WriteLocalizedText(v)
	case TypeExtensionObject:
		v, _ := value.(*ExtensionObject)
		e.WriteExtensionObject(v)
	}
}

// WriteStringArray writes an array of strings.
func (e *Encoder) WriteStringArray(values []string) {
	if values == nil {
		e.WriteInt32(-1)
		return
	}
	e.WriteInt32(int32(len(values)))
	for _, v := range values {
		e.WriteString(v)
	}
}

// WriteUInt32Array writes an array of uint32 values.
func (e *Encoder) WriteUInt32Array(values []uint32) {
	if values == nil {
		e.WriteInt32(-1)
		return
	}
	e.WriteInt32(int32(len(values)))
	for _, v := range values {
		e.WriteUInt32(v)
	}
}

// WriteStatusCodeArray writes an array of status codes.
func (e *Encoder) WriteStatusCodeArray(values []StatusCode) {
	if values == nil {
		e.WriteInt32(-1)
		return
	}
	e.WriteInt32(int32(len(values)))
	for _, v := range values {
		e.WriteStatusCode(v)
	}
}

// writeArray writes a length-prefixed array; nil slices encode as null.
func writeArray[T any](e *Encoder, values []T, fn func(*Encoder, T)) {
	if values == nil {
		e.WriteInt32(-1)
		return
	}
	e.WriteInt32(int32(len(values)))
	for _, v := range values {
		fn(e, v)
	}
}

// Decoder reads values in the OPC UA binary encoding. The first error is
// sticky: once set, every read returns a zero value and Err reports it.
type Decoder struct {
	data []byte
	pos  int
	err  error
	reg  *Registry
}

// NewDecoder creates a new decoder backed by the default registry.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data, reg: DefaultRegistry}
}

// Err returns the first decoding error.
func (d *Decoder) Err() error {
	return d.err
}

// Remaining returns the number of remaining bytes.
func (d *Decoder) Remaining() int {
	return len(d.data) - d.pos
}

// Skip skips n bytes.
func (d *Decoder) Skip(n int) {
	if !d.need(n) {
		return
	}
	d.pos += n
}

// Fail records err unless an earlier error is already set.
func (d *Decoder) Fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *Decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if n < 0 || d.pos+n > len(d.data) {
		d.err = fmt.Errorf("%w: unexpected end of data", ErrMalformedMessage)
		return false
	}
	return true
}

// ReadBoolean reads a boolean value.
func (d *Decoder) ReadBoolean() bool {
	return d.ReadUInt8() != 0
}

// ReadUInt8 reads a Byte value.
func (d *Decoder) ReadUInt8() byte {
	if !d.need(1) {
		return 0
	}
	v := d.data[d.pos]
	d.pos++
	return v
}

// ReadSByte reads a signed byte value.
func (d *Decoder) ReadSByte() int8 {
	return int8(d.ReadUInt8())
}

// ReadUInt16 reads a uint16 value.
func (d *Decoder) ReadUInt16() uint16 {
	if !d.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(d.data[d.pos:])
	d.pos += 2
	return v
}

// ReadInt16 reads an int16 value.
func (d *Decoder) ReadInt16() int16 {
	return int16(d.ReadUInt16())
}

// ReadUInt32 reads a uint32 value.
func (d *Decoder) ReadUInt32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.data[d.pos:])
	d.pos += 4
	return v
}

// ReadInt32 reads an int32 value.
func (d *Decoder) ReadInt32() int32 {
	return int32(d.ReadUInt32())
}

// ReadUInt64 reads a uint64 value.
func (d *Decoder) ReadUInt64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.data[d.pos:])
	d.pos += 8
	return v
}

// ReadInt64 reads an int64 value.
func (d *Decoder) ReadInt64() int64 {
	return int64(d.ReadUInt64())
}

// ReadFloat reads a float32 value.
func (d *Decoder) ReadFloat() float32 {
	return math.Float32frombits(d.ReadUInt32())
}

// ReadDouble reads a float64 value.
func (d *Decoder) ReadDouble() float64 {
	return math.Float64frombits(d.ReadUInt64())
}

// ReadString reads a string value. Null strings decode as "".
func (d *Decoder) ReadString() string {
	n := d.ReadInt32()
	if n <= 0 || !d.need(int(n)) {
		return ""
	}
	v := string(d.data[d.pos : d.pos+int(n)])
	d.pos += int(n)
	return v
}

// ReadByteString reads a byte string value. Null byte strings decode as nil.
func (d *Decoder) ReadByteString() []byte {
	n := d.ReadInt32()
	if n < 0 || !d.need(int(n)) {
		return nil
	}
	v := make([]byte, n)
	copy(v, d.data[d.pos:d.pos+int(n)])
	d.pos += int(n)
	return v
}

// ReadDateTime reads a DateTime value.
func (d *Decoder) ReadDateTime() time.Time {
	ticks := d.ReadInt64()
	if ticks == 0 {
		return time.Time{}
	}
	return time.Unix(0, (ticks-epochDiff)*100).UTC()
}

// ReadGUID reads a GUID value.
func (d *Decoder) ReadGUID() [16]byte {
	var guid [16]byte
	if !d.need(16) {
		return guid
	}
	binary.BigEndian.PutUint32(guid[0:4], d.ReadUInt32())
	binary.BigEndian.PutUint16(guid[4:6], d.ReadUInt16())
	binary.BigEndian.PutUint16(guid[6:8], d.ReadUInt16())
	copy(guid[8:16], d.data[d.pos:d.pos+8])
	d.pos += 8
	return guid
}

// ReadNodeID reads a NodeID value.
func (d *Decoder) ReadNodeID() NodeID {
	n, _ := d.readNodeID()
	return n
}

func (d *Decoder) readNodeID() (NodeID, byte) {
	enc := d.ReadUInt8()
	if d.err != nil {
		return NodeID{}, 0
	}
	switch enc & 0x0F {
	case 0x00:
		return NodeID{Type: NodeIDTypeNumeric, Numeric: uint32(d.ReadUInt8())}, enc
	case 0x01:
		ns := d.ReadUInt8()
		return NodeID{Type: NodeIDTypeNumeric, Namespace: uint16(ns), Numeric: uint32(d.ReadUInt16())}, enc
	case 0x02:
		ns := d.ReadUInt16()
		return NodeID{Type: NodeIDTypeNumeric, Namespace: ns, Numeric: d.ReadUInt32()}, enc
	case 0x03:
		ns := d.ReadUInt16()
		return NodeID{Type: NodeIDTypeString, Namespace: ns, StringID: d.ReadString()}, enc
	case 0x04:
		ns := d.ReadUInt16()
		return NodeID{Type: NodeIDTypeGUID, Namespace: ns, GUID: d.ReadGUID()}, enc
	case 0x05:
		ns := d.ReadUInt16()
		return NodeID{Type: NodeIDTypeOpaque, Namespace: ns, Opaque: d.ReadByteString()}, enc
	default:
		d.Fail(fmt.Errorf("%w: unknown NodeID encoding 0x%02x", ErrMalformedMessage, enc))
		return NodeID{}, enc
	}
}

// ReadExpandedNodeID reads an ExpandedNodeID value.
func (d *Decoder) ReadExpandedNodeID() ExpandedNodeID {
	n, enc := d.readNodeID()
	x := ExpandedNodeID{NodeID: n}
	if enc&0x80 != 0 {
		x.NamespaceURI = d.ReadString()
	}
	if enc&0x40 != 0 {
		x.ServerIndex = d.ReadUInt32()
	}
	return x
}

// ReadQualifiedName reads a QualifiedName value.
func (d *Decoder) ReadQualifiedName() QualifiedName {
	ns := d.ReadUInt16()
	return QualifiedName{NamespaceIndex: ns, Name: d.ReadString()}
}

// ReadLocalizedText reads a LocalizedText value.
func (d *Decoder) ReadLocalizedText() LocalizedText {
	mask := d.ReadUInt8()
	var lt LocalizedText
	if mask&0x01 != 0 {
		lt.Locale = d.ReadString()
	}
	if mask&0x02 != 0 {
		lt.Text = d.ReadString()
	}
	return lt
}

// ReadStatusCode reads a StatusCode value.
func (d *Decoder) ReadStatusCode() StatusCode {
	return StatusCode(d.ReadUInt32())
}

// ReadDiagnosticInfo reads a DiagnosticInfo value.
func (d *Decoder) ReadDiagnosticInfo() DiagnosticInfo {
	var di DiagnosticInfo
	mask := d.ReadUInt8()
	if mask&0x01 != 0 {
		di.SymbolicID = d.ReadInt32()
	}
	if mask&0x02 != 0 {
		di.NamespaceURI = d.ReadInt32()
	}
	if mask&0x08 != 0 {
		di.LocalizedText = d.ReadInt32()
	}
	if mask&0x04 != 0 {
		di.Locale = d.ReadInt32()
	}
	if mask&0x10 != 0 {
		di.AdditionalInfo = d.ReadString()
	}
	if mask&0x20 != 0 {
		di.InnerStatusCode = d.ReadStatusCode()
	}
	if mask&0x40 != 0 && d.err == nil {
		inner := d.ReadDiagnosticInfo()
		di.InnerDiagnosticInfo = &inner
	}
	return di
}

// SkipDiagnosticInfos reads and discards an array of DiagnosticInfo.
func (d *Decoder) SkipDiagnosticInfos() {
	n := d.arrayLen()
	for i := 0; i < n && d.err == nil; i++ {
		d.ReadDiagnosticInfo()
	}
}

// ReadExtensionObject reads an ExtensionObject. Bodies of registered types
// are decoded into Value; others are kept raw in Body.
func (d *Decoder) ReadExtensionObject() *ExtensionObject {
	id := d.ReadNodeID()
	enc := d.ReadUInt8()
	if d.err != nil {
		return nil
	}
	x := &ExtensionObject{TypeID: id, Encoding: enc}
	switch enc {
	case 0x00:
		if id.IsNull() {
			return nil
		}
		return x
	case 0x01, 0x02:
		x.Body = d.ReadByteString()
		if d.err != nil || enc != 0x01 {
			return x
		}
		if d.reg != nil {
			if m, err := d.reg.Decode(id, x.Body); err == nil {
				x.Value = m
				x.Body = nil
			}
		}
		return x
	default:
		d.Fail(fmt.Errorf("%w: invalid extension object encoding 0x%02x", ErrMalformedMessage, enc))
		return nil
	}
}

// WriteDiagnosticInfo writes a DiagnosticInfo value.
func (e *Encoder) WriteDiagnosticInfo(di DiagnosticInfo) {
	var mask byte
	if di.SymbolicID != 0 {
		mask |= 0x01
	}
	if di.NamespaceURI != 0 {
		mask |= 0x02
	}
	if di.Locale != 0 {
		mask |= 0x04
	}
	if di.LocalizedText != 0 {
		mask |= 0x08
	}
	if di.AdditionalInfo != "" {
		mask |= 0x10
	}
	if di.InnerStatusCode != StatusGood {
		mask |= 0x20
	}
	if di.InnerDiagnosticInfo != nil {
		mask |= 0x40
	}
	e.buf.WriteByte(mask)
	if mask&0x01 != 0 {
		e.WriteInt32(di.SymbolicID)
	}
	if mask&0x02 != 0 {
		e.WriteInt32(di.NamespaceURI)
	}
	if mask&0x08 != 0 {
		e.WriteInt32(di.LocalizedText)
	}
	if mask&0x04 != 0 {
		e.WriteInt32(di.Locale)
	}
	if mask&0x10 != 0 {
		e.WriteString(di.AdditionalInfo)
	}
	if mask&0x20 != 0 {
		e.WriteStatusCode(di.InnerStatusCode)
	}
	if mask&0x40 != 0 {
		e.WriteDiagnosticInfo(*di.InnerDiagnosticInfo)
	}
}

// ReadDataValue reads a DataValue value.
func (d *Decoder) ReadDataValue() DataValue {
	mask := d.ReadUInt8()
	var dv DataValue
	if mask&0x01 != 0 {
		v := d.ReadVariant()
		dv.Value = &v
	}
	if mask&0x02 != 0 {
		dv.StatusCode = d.ReadStatusCode()
	}
	if mask&0x04 != 0 {
		dv.SourceTimestamp = d.ReadDateTime()
	}
	if mask&0x10 != 0 {
		dv.SourcePicoseconds = d.ReadUInt16()
	}
	if mask&0x08 != 0 {
		dv.ServerTimestamp = d.ReadDateTime()
	}
	if mask&0x20 != 0 {
		dv.ServerPicoseconds = d.ReadUInt16()
	}
	return dv
}

// ReadVariant reads a Variant value.
func (d *Decoder) ReadVariant() Variant {
	mask := d.ReadUInt8()
	if d.err != nil {
		return Variant{}
	}
	typeID := TypeID(mask & 0x3F)
	if mask&0x80 == 0 {
		return Variant{Type: typeID, Value: d.readVariantScalar(typeID)}
	}
	n := d.arrayLen()
	var values []interface{}
	if n >= 0 {
		values = make([]interface{}, 0, n)
		for i := 0; i < n && d.err == nil; i++ {
			values = append(values, d.readVariantScalar(typeID))
		}
	}
	if mask&0x40 != 0 {
		dims := d.arrayLen()
		for i := 0; i < dims && d.err == nil; i++ {
			d.ReadInt32()
		}
	}
	return Variant{Type: typeID, Value: values}
}

func (d *Decoder) readVariantScalar(t TypeID) interface{} {
	switch t {
	case TypeNull:
		return nil
	case TypeBoolean:
		return d.ReadBoolean()
	case TypeSByte:
		return d.ReadSByte()
	case TypeByte:
		return d.ReadUInt8()
	case TypeInt16:
		return d.ReadInt16()
	case TypeUInt16:
		return d.ReadUInt16()
	case TypeInt32:
		return d.ReadInt32()
	case TypeUInt32:
		return d.ReadUInt32()
	case TypeInt64:
		return d.ReadInt64()
	case TypeUInt64:
		return d.ReadUInt64()
	case TypeFloat:
		return d.ReadFloat()
	case TypeDouble:
		return d.ReadDouble()
	case TypeString, TypeXMLElement:
		return d.ReadString()
	case TypeDateTime:
		return d.ReadDateTime()
	case TypeGUID:
		return d.ReadGUID()
	case TypeByteString:
		return d.ReadByteString()
	case TypeNodeID:
		return d.ReadNodeID()
	case TypeExpandedNodeID:
		return d.ReadExpandedNodeID()
	case TypeStatusCode:
		return d.ReadStatusCode()
	case TypeQualifiedName:
		return d.ReadQualifiedName()
	case TypeLocalizedText:
		return d.ReadLocalizedText()
	case TypeExtensionObject:
		return d.ReadExtensionObject()
	default:
		d.Fail(fmt.Errorf("%w: unsupported variant type %d", ErrMalformedMessage, t))
		return nil
	}
}

// arrayLen reads an array length. Null arrays return -1. A length that
// cannot possibly fit in the remaining bytes fails the decoder before any
// allocation happens.
func (d *Decoder) arrayLen() int {
	n := d.ReadInt32()
	if d.err != nil {
		return -1
	}
	if n < 0 {
		return -1
	}
	if int(n) > d.Remaining() {
		d.Fail(fmt.Errorf("%w: array length %d exceeds remaining %d bytes", ErrMalformedMessage, n, d.Remaining()))
		return -1
	}
	return int(n)
}

// ReadStringArray reads an array of strings.
func (d *Decoder) ReadStringArray() []string {
	return readArray(d, (*Decoder).ReadString)
}

// ReadUInt32Array reads an array of uint32 values.
func (d *Decoder) ReadUInt32Array() []uint32 {
	return readArray(d, (*Decoder).ReadUInt32)
}

// ReadStatusCodeArray reads an array of status codes.
func (d *Decoder) ReadStatusCodeArray() []StatusCode {
	return readArray(d, (*Decoder).ReadStatusCode)
}

// readArray reads a length-prefixed array; null arrays decode as nil.
func readArray[T any](d *Decoder, fn func(*Decoder) T) []T {
	n := d.arrayLen()
	if n < 0 {
		return nil
	}
	out := make([]T, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, fn(d))
	}
	return out
}
