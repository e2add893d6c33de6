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
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestEncoder_NodeIDForms(t *testing.T) {
	tests := []struct {
		name string
		id   NodeID
		want []byte
	}{
		{"two byte", NewNumericNodeID(0, 85), []byte{0x00, 0x55}},
		{"four byte", NewNumericNodeID(2, 1000), []byte{0x01, 0x02, 0xE8, 0x03}},
		{"numeric", NewNumericNodeID(0, 70000), []byte{0x02, 0x00, 0x00, 0x70, 0x11, 0x01, 0x00}},
		{"string", NewStringNodeID(1, "abc"), []byte{0x03, 0x01, 0x00, 0x03, 0x00, 0x00, 0x00, 'a', 'b', 'c'}},
		{"opaque", NewOpaqueNodeID(1, []byte{0xAA}), []byte{0x05, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00, 0xAA}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)

			e := NewEncoder()
			e.WriteNodeID(tt.id)
			require.Equal(tt.want, e.Bytes())

			d := NewDecoder(e.Bytes())
			got := d.ReadNodeID()
			require.NoError(d.Err())
			require.True(tt.id.Equal(got))
			require.Zero(d.Remaining())
		})
	}
}

func TestEncoder_GUIDLayout(t *testing.T) {
	require := require.New(t)

	id := uuid.MustParse("72962B91-FA75-4AE6-8D28-B404DC7DAF63")
	e := NewEncoder()
	e.WriteGUID(id)
	require.Equal([]byte{
		0x91, 0x2B, 0x96, 0x72, 0x75, 0xFA, 0xE6, 0x4A,
		0x8D, 0x28, 0xB4, 0x04, 0xDC, 0x7D, 0xAF, 0x63,
	}, e.Bytes())

	d := NewDecoder(e.Bytes())
	require.Equal([16]byte(id), d.ReadGUID())
	require.NoError(d.Err())
}

func TestEncoder_NullStringsAndArrays(t *testing.T) {
	require := require.New(t)

	e := NewEncoder()
	e.WriteString("")
	e.WriteByteString(nil)
	e.WriteStringArray(nil)
	require.Equal([]byte{
		0xFF, 0xFF, 0xFF, 0xFF,
		0xFF, 0xFF, 0xFF, 0xFF,
		0xFF, 0xFF, 0xFF, 0xFF,
	}, e.Bytes())

	d := NewDecoder(e.Bytes())
	require.Equal("", d.ReadString())
	require.Nil(d.ReadByteString())
	require.Nil(d.ReadStringArray())
	require.NoError(d.Err())
}

func TestEncoder_DateTime(t *testing.T) {
	require := require.New(t)

	e := NewEncoder()
	e.WriteDateTime(time.Unix(0, 0))
	d := NewDecoder(e.Bytes())
	require.Equal(int64(epochDiff), d.ReadInt64())

	ts := time.Date(2025, 3, 14, 15, 9, 26, 535897900, time.UTC)
	e.Reset()
	e.WriteDateTime(ts)
	d = NewDecoder(e.Bytes())
	require.Equal(ts, d.ReadDateTime())

	e.Reset()
	e.WriteDateTime(time.Time{})
	d = NewDecoder(e.Bytes())
	require.True(d.ReadDateTime().IsZero())
}

func TestDecoder_StickyError(t *testing.T) {
	require := require.New(t)

	d := NewDecoder([]byte{0x01, 0x02})
	require.Equal(uint32(0), d.ReadUInt32())
	require.ErrorIs(d.Err(), ErrMalformedMessage)

	// every later read returns zero values and keeps the first error
	first := d.Err()
	require.Equal(byte(0), d.ReadUInt8())
	require.Equal("", d.ReadString())
	require.Equal(first, d.Err())
}

func TestDecoder_ArrayLengthBoundedByInput(t *testing.T) {
	require := require.New(t)

	e := NewEncoder()
	e.WriteInt32(1 << 30)
	d := NewDecoder(e.Bytes())
	require.Nil(d.ReadUInt32Array())
	require.ErrorIs(d.Err(), ErrMalformedMessage)
}

func TestVariant_RoundTrip(t *testing.T) {
	values := []Variant{
		MustVariant(true),
		MustVariant(int8(-3)),
		MustVariant(uint8(7)),
		MustVariant(int16(-300)),
		MustVariant(uint16(300)),
		MustVariant(int32(-70000)),
		MustVariant(uint32(70000)),
		MustVariant(int64(-1) << 40),
		MustVariant(uint64(1) << 40),
		MustVariant(float32(1.5)),
		MustVariant(3.25),
		MustVariant("hello"),
		MustVariant(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		MustVariant(uuid.MustParse("72962B91-FA75-4AE6-8D28-B404DC7DAF63")),
		MustVariant([]byte{1, 2, 3}),
		MustVariant(NewStringNodeID(2, "Tag")),
		MustVariant(StatusBadNodeIDUnknown),
		MustVariant(QualifiedName{NamespaceIndex: 1, Name: "Name"}),
		MustVariant(LocalizedText{Locale: "en", Text: "Text"}),
		{Type: TypeInt32, Value: []interface{}{int32(1), int32(2), int32(3)}},
		{},
	}

	for _, v := range values {
		t.Run(v.Type.String(), func(t *testing.T) {
			require := require.New(t)

			e := NewEncoder()
			e.WriteVariant(v)
			d := NewDecoder(e.Bytes())
			got := d.ReadVariant()
			require.NoError(d.Err())
			require.Equal(v, got)
		})
	}
}

func TestDataValue_RoundTrip(t *testing.T) {
	require := require.New(t)

	v := MustVariant(42.0)
	dv := DataValue{
		Value:             &v,
		StatusCode:        StatusUncertain,
		SourceTimestamp:   time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
		ServerTimestamp:   time.Date(2025, 1, 1, 12, 0, 1, 0, time.UTC),
		SourcePicoseconds: 10,
	}

	e := NewEncoder()
	e.WriteDataValue(dv)
	d := NewDecoder(e.Bytes())
	require.Equal(dv, d.ReadDataValue())
	require.NoError(d.Err())
}

func TestExtensionObject_UnknownTypeKeepsBody(t *testing.T) {
	require := require.New(t)

	x := &ExtensionObject{TypeID: NewNumericNodeID(3, 5001), Encoding: 0x01, Body: []byte{9, 8, 7}}
	e := NewEncoder()
	e.WriteExtensionObject(x)

	d := NewDecoder(e.Bytes())
	got := d.ReadExtensionObject()
	require.NoError(d.Err())
	require.Nil(got.Value)
	require.Equal([]byte{9, 8, 7}, got.Body)
	require.True(got.TypeID.Equal(x.TypeID))
}

func TestExtensionObject_KnownTypeDecodes(t *testing.T) {
	require := require.New(t)

	x := NewExtensionObject(&UserNameIdentityToken{PolicyID: "user", UserName: "op", Password: []byte("pw")})
	e := NewEncoder()
	e.WriteExtensionObject(x)

	d := NewDecoder(e.Bytes())
	got := d.ReadExtensionObject()
	require.NoError(d.Err())
	require.Equal(x, got)
}
