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

package chunk

import (
	"fmt"

	opcua "github.com/edgeo-scada/opcua-uasc"
)

// MaxURLLength is the longest endpoint or server URI accepted in a handshake.
const MaxURLLength = 4096

// Frame prefixes body with a final chunk header of type t.
func Frame(t MessageType, body []byte) []byte {
	b := make([]byte, HeaderSize+len(body))
	Header{MessageType: t, ChunkType: ChunkTypeFinal, Size: uint32(len(b))}.Put(b)
	copy(b[HeaderSize:], body)
	return b
}

// Hello opens a connection.
type Hello struct {
	ProtocolVersion   uint32
	ReceiveBufferSize uint32
	SendBufferSize    uint32
	MaxMessageSize    uint32
	MaxChunkCount     uint32
	EndpointURL       string
}

// Encode encodes the Hello body.
func (m *Hello) Encode() []byte {
	e := opcua.NewEncoder()
	e.WriteUInt32(m.ProtocolVersion)
	e.WriteUInt32(m.ReceiveBufferSize)
	e.WriteUInt32(m.SendBufferSize)
	e.WriteUInt32(m.MaxMessageSize)
	e.WriteUInt32(m.MaxChunkCount)
	e.WriteString(m.EndpointURL)
	return e.Bytes()
}

// Decode decodes the Hello body.
func (m *Hello) Decode(data []byte) error {
	d := opcua.NewDecoder(data)
	m.ProtocolVersion = d.ReadUInt32()
	m.ReceiveBufferSize = d.ReadUInt32()
	m.SendBufferSize = d.ReadUInt32()
	m.MaxMessageSize = d.ReadUInt32()
	m.MaxChunkCount = d.ReadUInt32()
	m.EndpointURL = d.ReadString()
	if err := d.Err(); err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	if len(m.EndpointURL) > MaxURLLength {
		return opcua.StatusBadTCPEndpointURLInvalid
	}
	return nil
}

// Revise answers the Hello with the server's local buffer settings, each
// lowered to what the client can handle.
func (m *Hello) Revise(local Acknowledge) Acknowledge {
	ack := local
	ack.ReceiveBufferSize = minNonZero(local.ReceiveBufferSize, m.SendBufferSize)
	ack.SendBufferSize = minNonZero(local.SendBufferSize, m.ReceiveBufferSize)
	ack.MaxMessageSize = minNonZero(local.MaxMessageSize, m.MaxMessageSize)
	ack.MaxChunkCount = minNonZero(local.MaxChunkCount, m.MaxChunkCount)
	return ack
}

// Acknowledge answers a Hello with the revised buffer sizes.
type Acknowledge struct {
	ProtocolVersion   uint32
	ReceiveBufferSize uint32
	SendBufferSize    uint32
	MaxMessageSize    uint32
	MaxChunkCount     uint32
}

// Encode encodes the Acknowledge body.
func (m *Acknowledge) Encode() []byte {
	e := opcua.NewEncoder()
	e.WriteUInt32(m.ProtocolVersion)
	e.WriteUInt32(m.ReceiveBufferSize)
	e.WriteUInt32(m.SendBufferSize)
	e.WriteUInt32(m.MaxMessageSize)
	e.WriteUInt32(m.MaxChunkCount)
	return e.Bytes()
}

// Decode decodes the Acknowledge body.
func (m *Acknowledge) Decode(data []byte) error {
	d := opcua.NewDecoder(data)
	m.ProtocolVersion = d.ReadUInt32()
	m.ReceiveBufferSize = d.ReadUInt32()
	m.SendBufferSize = d.ReadUInt32()
	m.MaxMessageSize = d.ReadUInt32()
	m.MaxChunkCount = d.ReadUInt32()
	if err := d.Err(); err != nil {
		return fmt.Errorf("acknowledge: %w", err)
	}
	if m.ReceiveBufferSize < MinBufferSize || m.SendBufferSize < MinBufferSize {
		return fmt.Errorf("%w: buffer sizes %d/%d below %d",
			opcua.ErrMalformedMessage, m.ReceiveBufferSize, m.SendBufferSize, MinBufferSize)
	}
	return nil
}

// ErrorMessage reports a fatal connection error before the channel closes.
type ErrorMessage struct {
	Error  opcua.StatusCode
	Reason string
}

// Encode encodes the Error body.
func (m *ErrorMessage) Encode() []byte {
	e := opcua.NewEncoder()
	e.WriteStatusCode(m.Error)
	e.WriteString(m.Reason)
	return e.Bytes()
}

// Decode decodes the Error body.
func (m *ErrorMessage) Decode(data []byte) error {
	d := opcua.NewDecoder(data)
	m.Error = d.ReadStatusCode()
	m.Reason = d.ReadString()
	if err := d.Err(); err != nil {
		return fmt.Errorf("error message: %w", err)
	}
	return nil
}

// Err converts the message into a *opcua.ServiceError.
func (m *ErrorMessage) Err() error {
	return opcua.NewServiceError(0, m.Error, m.Reason)
}

// ReverseHello is sent by a server that connects to a client.
type ReverseHello struct {
	ServerURI   string
	EndpointURL string
}

// Encode encodes the ReverseHello body.
func (m *ReverseHello) Encode() []byte {
	e := opcua.NewEncoder()
	e.WriteString(m.ServerURI)
	e.WriteString(m.EndpointURL)
	return e.Bytes()
}

// Decode decodes the ReverseHello body.
func (m *ReverseHello) Decode(data []byte) error {
	d := opcua.NewDecoder(data)
	m.ServerURI = d.ReadString()
	m.EndpointURL = d.ReadString()
	if err := d.Err(); err != nil {
		return fmt.Errorf("reverse hello: %w", err)
	}
	if len(m.ServerURI) > MaxURLLength || len(m.EndpointURL) > MaxURLLength {
		return opcua.StatusBadTCPEndpointURLInvalid
	}
	return nil
}

func minNonZero(a, b uint32) uint32 {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	case a < b:
		return a
	}
	return b
}
