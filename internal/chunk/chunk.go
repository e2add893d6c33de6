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

// Package chunk implements the OPC UA TCP framing: the fixed chunk header,
// the connection handshake messages, chunk reassembly and sequence numbers.
// It knows nothing about security or sessions; the secure channel layer
// signs and encrypts the bytes produced here.
package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	opcua "github.com/edgeo-scada/opcua-uasc"
)

// MessageType is the three letter message type of a chunk.
type MessageType string

// Message types.
const (
	MessageTypeHello        MessageType = "HEL"
	MessageTypeAcknowledge  MessageType = "ACK"
	MessageTypeError        MessageType = "ERR"
	MessageTypeReverseHello MessageType = "RHE"
	MessageTypeOpenChannel  MessageType = "OPN"
	MessageTypeCloseChannel MessageType = "CLO"
	MessageTypeMessage      MessageType = "MSG"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeHello, MessageTypeAcknowledge, MessageTypeError, MessageTypeReverseHello,
		MessageTypeOpenChannel, MessageTypeCloseChannel, MessageTypeMessage:
		return true
	}
	return false
}

// Secured reports whether chunks of type t carry a channel id and
// security header.
func (t MessageType) Secured() bool {
	return t == MessageTypeOpenChannel || t == MessageTypeCloseChannel || t == MessageTypeMessage
}

// ChunkType marks a chunk as intermediate, final or abort.
type ChunkType byte

// Chunk types.
const (
	ChunkTypeFinal        ChunkType = 'F'
	ChunkTypeIntermediate ChunkType = 'C'
	ChunkTypeAbort        ChunkType = 'A'
)

// Sizes of the fixed parts of a chunk.
const (
	HeaderSize         = 8
	ChannelIDSize      = 4
	SymmetricHeaderLen = 4
	SequenceHeaderSize = 8

	// MinBufferSize is the smallest send or receive buffer a peer may announce.
	MinBufferSize = 8192
)

// ErrSequenceNumberInvalid indicates a received sequence number that does not
// follow the previous one.
var ErrSequenceNumberInvalid = fmt.Errorf("%w: sequence number invalid", opcua.ErrMalformedMessage)

// Header is the fixed 8 byte chunk header.
type Header struct {
	MessageType MessageType
	ChunkType   ChunkType
	Size        uint32
}

// Put writes h into the first HeaderSize bytes of b.
func (h Header) Put(b []byte) {
	copy(b[0:3], h.MessageType)
	b[3] = byte(h.ChunkType)
	binary.LittleEndian.PutUint32(b[4:8], h.Size)
}

// DecodeHeader validates and decodes a chunk header. The message type and
// chunk type are checked before the size, and the size must lie between
// HeaderSize and limit (no upper bound when limit is 0).
func DecodeHeader(b []byte, limit uint32) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", opcua.ErrMalformedHeader, len(b))
	}
	h := Header{
		MessageType: MessageType(b[0:3]),
		ChunkType:   ChunkType(b[3]),
		Size:        binary.LittleEndian.Uint32(b[4:8]),
	}
	if !h.MessageType.Valid() {
		return Header{}, fmt.Errorf("%w: message type %q", opcua.ErrMalformedHeader, b[0:3])
	}
	switch h.ChunkType {
	case ChunkTypeFinal:
	case ChunkTypeIntermediate, ChunkTypeAbort:
		if h.MessageType != MessageTypeMessage && h.MessageType != MessageTypeOpenChannel {
			return Header{}, fmt.Errorf("%w: chunk type %q on %s", opcua.ErrMalformedHeader, byte(h.ChunkType), h.MessageType)
		}
	default:
		return Header{}, fmt.Errorf("%w: chunk type %q", opcua.ErrMalformedHeader, byte(h.ChunkType))
	}
	if h.Size < HeaderSize {
		return Header{}, fmt.Errorf("%w: size %d", opcua.ErrMalformedHeader, h.Size)
	}
	if limit > 0 && h.Size > limit {
		return Header{}, fmt.Errorf("%w: chunk size %d exceeds %d", opcua.ErrPayloadTooLarge, h.Size, limit)
	}
	return h, nil
}

// AsymmetricSecurityHeader is the security header of OpenSecureChannel chunks.
type AsymmetricSecurityHeader struct {
	SecurityPolicyURI  string
	SenderCertificate  []byte
	ReceiverThumbprint []byte
}

// Len returns the encoded size of the header.
func (h *AsymmetricSecurityHeader) Len() int {
	return 12 + len(h.SecurityPolicyURI) + len(h.SenderCertificate) + len(h.ReceiverThumbprint)
}

func (h *AsymmetricSecurityHeader) encode(e *opcua.Encoder) {
	e.WriteString(h.SecurityPolicyURI)
	e.WriteByteString(h.SenderCertificate)
	e.WriteByteString(h.ReceiverThumbprint)
}

func (h *AsymmetricSecurityHeader) decode(d *opcua.Decoder) {
	h.SecurityPolicyURI = d.ReadString()
	h.SenderCertificate = d.ReadByteString()
	h.ReceiverThumbprint = d.ReadByteString()
}

// Prefix is the part of a secured chunk that is never encrypted: the header,
// the channel id and the security header.
type Prefix struct {
	Header     Header
	ChannelID  uint32
	Asymmetric *AsymmetricSecurityHeader
	TokenID    uint32
}

// Len returns the encoded size of the prefix.
func (p *Prefix) Len() int {
	if p.Asymmetric != nil {
		return HeaderSize + ChannelIDSize + p.Asymmetric.Len()
	}
	return HeaderSize + ChannelIDSize + SymmetricHeaderLen
}

// AppendPrefix appends the encoded prefix to dst. The size field is written
// as is; callers fix it with PutSize once the chunk is complete.
func AppendPrefix(dst []byte, p *Prefix) []byte {
	var hdr [HeaderSize]byte
	p.Header.Put(hdr[:])
	dst = append(dst, hdr[:]...)
	dst = binary.LittleEndian.AppendUint32(dst, p.ChannelID)
	if p.Asymmetric != nil {
		e := opcua.NewEncoder()
		p.Asymmetric.encode(e)
		return append(dst, e.Bytes()...)
	}
	return binary.LittleEndian.AppendUint32(dst, p.TokenID)
}

// PutSize writes len(b) into the size field of the chunk in b.
func PutSize(b []byte) {
	binary.LittleEndian.PutUint32(b[4:8], uint32(len(b)))
}

// ParsePrefix decodes the unencrypted prefix of a secured chunk and returns
// the offset at which the sequence header starts.
func ParsePrefix(b []byte) (Prefix, int, error) {
	h, err := DecodeHeader(b, 0)
	if err != nil {
		return Prefix{}, 0, err
	}
	if int(h.Size) != len(b) {
		return Prefix{}, 0, fmt.Errorf("%w: size %d, have %d bytes", opcua.ErrMalformedHeader, h.Size, len(b))
	}
	if !h.MessageType.Secured() {
		return Prefix{}, 0, fmt.Errorf("%w: %s has no security header", opcua.ErrMalformedHeader, h.MessageType)
	}

	d := opcua.NewDecoder(b[HeaderSize:])
	p := Prefix{Header: h, ChannelID: d.ReadUInt32()}
	if h.MessageType == MessageTypeOpenChannel {
		p.Asymmetric = new(AsymmetricSecurityHeader)
		p.Asymmetric.decode(d)
	} else {
		p.TokenID = d.ReadUInt32()
	}
	if err := d.Err(); err != nil {
		return Prefix{}, 0, err
	}
	return p, len(b) - d.Remaining(), nil
}

// Chunk is a decoded secured chunk with security already removed.
type Chunk struct {
	MessageType    MessageType
	ChunkType      ChunkType
	ChannelID      uint32
	Asymmetric     *AsymmetricSecurityHeader
	TokenID        uint32
	SequenceNumber uint32
	RequestID      uint32
	Body           []byte
}

// Prefix returns the prefix of c.
func (c *Chunk) Prefix() *Prefix {
	return &Prefix{
		Header:     Header{MessageType: c.MessageType, ChunkType: c.ChunkType},
		ChannelID:  c.ChannelID,
		Asymmetric: c.Asymmetric,
		TokenID:    c.TokenID,
	}
}

// Encode returns the plaintext bytes of c.
func Encode(c *Chunk) ([]byte, error) {
	if !c.MessageType.Secured() {
		return nil, fmt.Errorf("%w: %s is not a secured message type", opcua.ErrMalformedMessage, c.MessageType)
	}
	if c.MessageType == MessageTypeOpenChannel && c.Asymmetric == nil {
		return nil, fmt.Errorf("%w: open chunk without asymmetric header", opcua.ErrMalformedMessage)
	}
	p := c.Prefix()
	b := make([]byte, 0, p.Len()+SequenceHeaderSize+len(c.Body))
	b = AppendPrefix(b, p)
	b = binary.LittleEndian.AppendUint32(b, c.SequenceNumber)
	b = binary.LittleEndian.AppendUint32(b, c.RequestID)
	b = append(b, c.Body...)
	PutSize(b)
	return b, nil
}

// Decode parses a plaintext secured chunk.
func Decode(b []byte) (*Chunk, error) {
	p, off, err := ParsePrefix(b)
	if err != nil {
		return nil, err
	}
	return FromPrefix(&p, b[off:])
}

// FromPrefix builds a chunk from a parsed prefix and the plaintext that
// follows it (sequence header and body).
func FromPrefix(p *Prefix, rest []byte) (*Chunk, error) {
	if len(rest) < SequenceHeaderSize {
		return nil, fmt.Errorf("%w: missing sequence header", opcua.ErrMalformedMessage)
	}
	return &Chunk{
		MessageType:    p.Header.MessageType,
		ChunkType:      p.Header.ChunkType,
		ChannelID:      p.ChannelID,
		Asymmetric:     p.Asymmetric,
		TokenID:        p.TokenID,
		SequenceNumber: binary.LittleEndian.Uint32(rest[0:4]),
		RequestID:      binary.LittleEndian.Uint32(rest[4:8]),
		Body:           rest[SequenceHeaderSize:],
	}, nil
}

// Limits bounds what a peer may send.
type Limits struct {
	// MaxChunkSize is the receive buffer size. Zero means no limit.
	MaxChunkSize uint32
	// MaxMessageSize bounds a reassembled message. Zero means no limit.
	MaxMessageSize uint32
	// MaxChunkCount bounds the chunks of one message. Zero means no limit.
	MaxChunkCount uint32
}

// DefaultLimits returns the limits used before a handshake revises them.
func DefaultLimits() Limits {
	return Limits{
		MaxChunkSize:   opcua.DefaultReceiveBuffer,
		MaxMessageSize: opcua.DefaultMaxMessageSize,
		MaxChunkCount:  opcua.DefaultMaxChunkCount,
	}
}

// ReadFrame reads one chunk from r. The declared size is checked against
// limits.MaxChunkSize before the chunk body is allocated. I/O failures wrap
// opcua.ErrTransport.
func ReadFrame(r io.Reader, limits Limits) ([]byte, Header, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, Header{}, transportError(err)
	}
	h, err := DecodeHeader(hdr[:], limits.MaxChunkSize)
	if err != nil {
		return nil, Header{}, err
	}

	b := make([]byte, h.Size)
	copy(b, hdr[:])
	if _, err := io.ReadFull(r, b[HeaderSize:]); err != nil {
		return nil, Header{}, transportError(err)
	}
	return b, h, nil
}

// WriteFrame writes a complete chunk to w.
func WriteFrame(w io.Writer, b []byte) error {
	if _, err := w.Write(b); err != nil {
		return transportError(err)
	}
	return nil
}

func transportError(err error) error {
	if errors.Is(err, opcua.ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %w", opcua.ErrTransport, err)
}
