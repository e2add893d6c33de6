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

// Package capture dissects OPC UA binary traffic with gopacket.
package capture

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	opcua "github.com/edgeo-scada/opcua-uasc"
	"github.com/edgeo-scada/opcua-uasc/internal/chunk"
)

// DefaultPort is the registered OPC UA TCP port.
const DefaultPort = 4840

// LayerTypeOPCUA is the gopacket layer type of one OPC UA chunk.
var LayerTypeOPCUA = gopacket.RegisterLayerType(
	4840,
	gopacket.LayerTypeMetadata{
		Name:    "OPCUA",
		Decoder: gopacket.DecodeFunc(decodeOPCUA),
	},
)

// RegisterPort makes gopacket decode TCP payloads on port as OPC UA.
func RegisterPort(port uint16) {
	layers.RegisterTCPPortLayerType(layers.TCPPort(port), LayerTypeOPCUA)
}

func decodeOPCUA(data []byte, p gopacket.PacketBuilder) error {
	o := &OPCUA{}
	if err := o.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(o)
	return p.NextDecoder(o.NextLayerType())
}

// OPCUA is one decoded chunk.
//
// The body of OPN, CLO and MSG chunks is decoded only when Plaintext is set
// before decoding or the OPN chunk names the None policy; otherwise only the
// unencrypted prefix is available.
type OPCUA struct {
	layers.BaseLayer

	Header    chunk.Header
	ChannelID uint32

	Hello        *chunk.Hello
	Acknowledge  *chunk.Acknowledge
	Error        *chunk.ErrorMessage
	ReverseHello *chunk.ReverseHello

	PolicyURI      string
	TokenID        uint32
	Plaintext      bool
	SequenceNumber uint32
	RequestID      uint32
	// TypeID is the encoding id read from the start of the body. It is only
	// meaningful for the first chunk of a message; Dissector clears it on
	// continuation chunks.
	TypeID opcua.NodeID
}

// LayerType returns LayerTypeOPCUA.
func (o *OPCUA) LayerType() gopacket.LayerType { return LayerTypeOPCUA }

// CanDecode returns LayerTypeOPCUA.
func (o *OPCUA) CanDecode() gopacket.LayerClass { return LayerTypeOPCUA }

// NextLayerType returns the payload type for bytes after the chunk.
func (o *OPCUA) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

// DecodeFromBytes decodes a single chunk from the start of data.
func (o *OPCUA) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	*o = OPCUA{Plaintext: o.Plaintext}

	h, err := chunk.DecodeHeader(data, 0)
	if err != nil {
		df.SetTruncated()
		return err
	}
	if int(h.Size) > len(data) {
		df.SetTruncated()
		return fmt.Errorf("%w: chunk of %d bytes, have %d", opcua.ErrMalformedHeader, h.Size, len(data))
	}
	o.Header = h
	o.BaseLayer = layers.BaseLayer{Contents: data[:h.Size], Payload: data[h.Size:]}
	body := data[chunk.HeaderSize:h.Size]

	switch h.MessageType {
	case chunk.MessageTypeHello:
		o.Hello = new(chunk.Hello)
		return o.Hello.Decode(body)
	case chunk.MessageTypeAcknowledge:
		o.Acknowledge = new(chunk.Acknowledge)
		return o.Acknowledge.Decode(body)
	case chunk.MessageTypeError:
		o.Error = new(chunk.ErrorMessage)
		return o.Error.Decode(body)
	case chunk.MessageTypeReverseHello:
		o.ReverseHello = new(chunk.ReverseHello)
		return o.ReverseHello.Decode(body)
	}
	return o.decodeSecured(data[:h.Size])
}

func (o *OPCUA) decodeSecured(b []byte) error {
	p, off, err := chunk.ParsePrefix(b)
	if err != nil {
		return err
	}
	o.ChannelID = p.ChannelID
	o.TokenID = p.TokenID
	if p.Asymmetric != nil {
		o.PolicyURI = p.Asymmetric.SecurityPolicyURI
		if o.PolicyURI == string(opcua.SecurityPolicyNone) {
			o.Plaintext = true
		}
	}
	if !o.Plaintext {
		return nil
	}

	c, err := chunk.FromPrefix(&p, b[off:])
	if err != nil {
		return err
	}
	o.SequenceNumber = c.SequenceNumber
	o.RequestID = c.RequestID
	if c.ChunkType == chunk.ChunkTypeAbort || len(c.Body) == 0 {
		return nil
	}
	d := opcua.NewDecoder(c.Body)
	id := d.ReadNodeID()
	if d.Err() == nil {
		o.TypeID = id
	}
	return nil
}

// Service describes the message type of a decoded chunk, such as
// "ReadRequest", or returns "" when the type id is unknown.
func (o *OPCUA) Service() string {
	return serviceName(o.TypeID)
}

// faultEncodingID is the binary encoding id of ServiceFault.
const faultEncodingID = 397

// serviceName names request ids after their service and response ids, which
// follow their request id by three, after the matching response.
func serviceName(id opcua.NodeID) string {
	if id.Namespace != 0 || id.Type != opcua.NodeIDTypeNumeric {
		return ""
	}
	n := id.Numeric
	if n == faultEncodingID {
		return "ServiceFault"
	}
	if s := opcua.ServiceID(n); s.Known() {
		return s.String() + "Request"
	}
	if n > 3 {
		if s := opcua.ServiceID(n - 3); s.Known() {
			return s.String() + "Response"
		}
	}
	return ""
}
