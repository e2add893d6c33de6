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
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	opcua "github.com/edgeo-scada/opcua-uasc"
)

func TestDecodeHeader(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		err  error
	}{
		{"valid message", []byte{'M', 'S', 'G', 'F', 0x20, 0, 0, 0}, nil},
		{"valid intermediate", []byte{'M', 'S', 'G', 'C', 0x20, 0, 0, 0}, nil},
		{"short", []byte{'M', 'S', 'G'}, opcua.ErrMalformedHeader},
		{"bad type", []byte{'X', 'Y', 'Z', 'F', 0x20, 0, 0, 0}, opcua.ErrMalformedHeader},
		{"bad chunk type", []byte{'M', 'S', 'G', 'Q', 0x20, 0, 0, 0}, opcua.ErrMalformedHeader},
		{"intermediate hello", []byte{'H', 'E', 'L', 'C', 0x20, 0, 0, 0}, opcua.ErrMalformedHeader},
		{"size below header", []byte{'M', 'S', 'G', 'F', 4, 0, 0, 0}, opcua.ErrMalformedHeader},
		{"size above limit", []byte{'M', 'S', 'G', 'F', 0, 0, 1, 0}, opcua.ErrPayloadTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeHeader(tt.raw, 0x8000)
			if tt.err == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.err)
			require.ErrorIs(t, err, opcua.ErrMalformedMessage)
		})
	}
}

func TestChunk_EncodeDecode(t *testing.T) {
	t.Run("symmetric", func(t *testing.T) {
		require := require.New(t)

		c := &Chunk{
			MessageType:    MessageTypeMessage,
			ChunkType:      ChunkTypeFinal,
			ChannelID:      7,
			TokenID:        3,
			SequenceNumber: 51,
			RequestID:      9,
			Body:           []byte("payload"),
		}
		b, err := Encode(c)
		require.NoError(err)
		require.Len(b, HeaderSize+ChannelIDSize+SymmetricHeaderLen+SequenceHeaderSize+7)
		require.Equal(uint32(len(b)), binary.LittleEndian.Uint32(b[4:8]))

		got, err := Decode(b)
		require.NoError(err)
		require.Equal(c, got)
	})

	t.Run("asymmetric", func(t *testing.T) {
		require := require.New(t)

		c := &Chunk{
			MessageType: MessageTypeOpenChannel,
			ChunkType:   ChunkTypeFinal,
			Asymmetric: &AsymmetricSecurityHeader{
				SecurityPolicyURI:  string(opcua.SecurityPolicyBasic256Sha256),
				SenderCertificate:  []byte{1, 2, 3},
				ReceiverThumbprint: bytes.Repeat([]byte{0xAB}, 20),
			},
			SequenceNumber: 1,
			RequestID:      1,
			Body:           []byte{0xCA, 0xFE},
		}
		b, err := Encode(c)
		require.NoError(err)

		p, off, err := ParsePrefix(b)
		require.NoError(err)
		require.Equal(p.Len(), off)
		require.Equal(c.Asymmetric, p.Asymmetric)

		got, err := Decode(b)
		require.NoError(err)
		require.Equal(c, got)
	})

	t.Run("open without security header", func(t *testing.T) {
		_, err := Encode(&Chunk{MessageType: MessageTypeOpenChannel, ChunkType: ChunkTypeFinal})
		require.ErrorIs(t, err, opcua.ErrMalformedMessage)
	})

	t.Run("size mismatch", func(t *testing.T) {
		require := require.New(t)

		b, err := Encode(&Chunk{MessageType: MessageTypeMessage, ChunkType: ChunkTypeFinal, Body: []byte{1}})
		require.NoError(err)
		_, err = Decode(b[:len(b)-1])
		require.ErrorIs(err, opcua.ErrMalformedHeader)
	})
}

func TestReadFrame(t *testing.T) {
	t.Run("reads one chunk", func(t *testing.T) {
		require := require.New(t)

		hello := &Hello{ReceiveBufferSize: 65535, SendBufferSize: 65535, EndpointURL: "opc.tcp://localhost:4840"}
		var stream bytes.Buffer
		require.NoError(WriteFrame(&stream, Frame(MessageTypeHello, hello.Encode())))
		require.NoError(WriteFrame(&stream, Frame(MessageTypeHello, hello.Encode())))

		b, h, err := ReadFrame(&stream, DefaultLimits())
		require.NoError(err)
		require.Equal(MessageTypeHello, h.MessageType)
		require.Equal(int(h.Size), len(b))

		var got Hello
		require.NoError(got.Decode(b[HeaderSize:]))
		require.Equal(*hello, got)
		require.Equal(len(b), stream.Len())
	})

	t.Run("rejects size before allocating", func(t *testing.T) {
		require := require.New(t)

		raw := []byte{'M', 'S', 'G', 'F', 0xFF, 0xFF, 0xFF, 0x7F}
		_, _, err := ReadFrame(bytes.NewReader(raw), Limits{MaxChunkSize: 8192})
		require.ErrorIs(err, opcua.ErrPayloadTooLarge)
	})

	t.Run("truncated stream is a transport error", func(t *testing.T) {
		require := require.New(t)

		raw := []byte{'M', 'S', 'G', 'F', 0x20, 0, 0, 0, 1, 2}
		_, _, err := ReadFrame(bytes.NewReader(raw), DefaultLimits())
		require.ErrorIs(err, opcua.ErrTransport)
		require.ErrorIs(err, io.ErrUnexpectedEOF)
		require.True(opcua.IsFatal(err))
	})
}

func TestHandshakeMessages(t *testing.T) {
	t.Run("revise", func(t *testing.T) {
		require := require.New(t)

		hello := &Hello{ReceiveBufferSize: 16384, SendBufferSize: 65535, MaxMessageSize: 0, MaxChunkCount: 32}
		ack := hello.Revise(Acknowledge{ReceiveBufferSize: 65535, SendBufferSize: 65535, MaxMessageSize: 1 << 20})
		require.Equal(uint32(65535), ack.ReceiveBufferSize)
		require.Equal(uint32(16384), ack.SendBufferSize)
		require.Equal(uint32(1<<20), ack.MaxMessageSize)
		require.Equal(uint32(32), ack.MaxChunkCount)
	})

	t.Run("acknowledge below minimum buffer", func(t *testing.T) {
		a := &Acknowledge{ReceiveBufferSize: 1024, SendBufferSize: 65535}
		var got Acknowledge
		require.ErrorIs(t, got.Decode(a.Encode()), opcua.ErrMalformedMessage)
	})

	t.Run("endpoint url too long", func(t *testing.T) {
		h := &Hello{ReceiveBufferSize: 8192, SendBufferSize: 8192, EndpointURL: string(bytes.Repeat([]byte{'a'}, MaxURLLength+1))}
		var got Hello
		require.ErrorIs(t, got.Decode(h.Encode()), opcua.StatusBadTCPEndpointURLInvalid)
	})

	t.Run("error message", func(t *testing.T) {
		require := require.New(t)

		m := &ErrorMessage{Error: opcua.StatusBadTCPEndpointURLInvalid, Reason: "unknown endpoint"}
		var got ErrorMessage
		require.NoError(got.Decode(m.Encode()))
		require.Equal(*m, got)

		err := got.Err()
		require.ErrorIs(err, opcua.ErrServiceFault)
		require.ErrorIs(err, opcua.StatusBadTCPEndpointURLInvalid)
	})

	t.Run("reverse hello", func(t *testing.T) {
		require := require.New(t)

		m := &ReverseHello{ServerURI: "urn:edgeo:server", EndpointURL: "opc.tcp://plc:4840"}
		var got ReverseHello
		require.NoError(got.Decode(m.Encode()))
		require.Equal(*m, got)
	})
}

func chunksOf(requestID uint32, body []byte, size int) []*Chunk {
	parts := Split(body, size)
	out := make([]*Chunk, len(parts))
	for i, p := range parts {
		ct := ChunkTypeIntermediate
		if i == len(parts)-1 {
			ct = ChunkTypeFinal
		}
		out[i] = &Chunk{MessageType: MessageTypeMessage, ChunkType: ct, RequestID: requestID, Body: p}
	}
	return out
}

func TestAssembler(t *testing.T) {
	body := make([]byte, 10000)
	for i := range body {
		body[i] = byte(i * 7)
	}

	t.Run("boundaries do not matter", func(t *testing.T) {
		for _, size := range []int{1, 13, 512, 4096, 9999, 10000, 20000} {
			require := require.New(t)

			a := NewAssembler(Limits{})
			var got []byte
			for _, c := range chunksOf(5, body, size) {
				b, done, err := a.Add(c)
				require.NoError(err)
				if done {
					got = b
				}
			}
			require.Equal(body, got, "chunk size %d", size)
			require.Zero(a.Pending())
		}
	})

	t.Run("interleaved requests", func(t *testing.T) {
		require := require.New(t)

		a := NewAssembler(Limits{})
		c1 := chunksOf(1, []byte("first message"), 5)
		c2 := chunksOf(2, []byte("second"), 4)

		_, _, err := a.Add(c1[0])
		require.NoError(err)
		_, _, err = a.Add(c2[0])
		require.NoError(err)
		require.Equal(2, a.Pending())

		b, done, err := a.Add(c2[1])
		require.NoError(err)
		require.True(done)
		require.Equal([]byte("second"), b)

		for _, c := range c1[1:] {
			b, done, err = a.Add(c)
			require.NoError(err)
		}
		require.True(done)
		require.Equal([]byte("first message"), b)
	})

	t.Run("abort", func(t *testing.T) {
		require := require.New(t)

		a := NewAssembler(Limits{})
		_, _, err := a.Add(chunksOf(3, body, 100)[0])
		require.NoError(err)

		reason := &ErrorMessage{Error: opcua.StatusBadRequestTooLarge, Reason: "too big"}
		_, done, err := a.Add(&Chunk{MessageType: MessageTypeMessage, ChunkType: ChunkTypeAbort, RequestID: 3, Body: reason.Encode()})
		require.True(done)

		var abort *AbortError
		require.True(errors.As(err, &abort))
		require.Equal(uint32(3), abort.RequestID)
		require.Equal("too big", abort.Reason)
		require.ErrorIs(err, opcua.StatusBadRequestTooLarge)
		require.Zero(a.Pending())
	})

	t.Run("max chunk count", func(t *testing.T) {
		require := require.New(t)

		a := NewAssembler(Limits{MaxChunkCount: 3})
		var err error
		for _, c := range chunksOf(4, body, 1000) {
			if _, _, err = a.Add(c); err != nil {
				break
			}
		}
		require.ErrorIs(err, opcua.ErrPayloadTooLarge)
		require.Zero(a.Pending())
	})

	t.Run("max message size", func(t *testing.T) {
		require := require.New(t)

		a := NewAssembler(Limits{MaxMessageSize: 4096})
		_, _, err := a.Add(&Chunk{MessageType: MessageTypeMessage, ChunkType: ChunkTypeFinal, RequestID: 1, Body: body})
		require.ErrorIs(err, opcua.ErrPayloadTooLarge)
	})
}

func TestSequenceNumber(t *testing.T) {
	t.Run("legacy", func(t *testing.T) {
		require := require.New(t)

		s := NewSequenceNumber(true)
		require.Equal(uint32(1), s.Current())
		require.Equal(uint32(math.MaxUint32-1024), s.Max())
		require.Equal(uint32(1), s.Next())
		require.Equal(uint32(2), s.Current())

		s.Increment(1022)
		require.Equal(uint32(1024), s.Current())
		s.Increment(math.MaxUint32 - 2048)
		require.Equal(uint32(math.MaxUint32-1024), s.Current())
		s.Increment(1)
		require.Equal(uint32(1), s.Current())

		s.Increment(math.MaxUint32 - 1026)
		require.Equal(uint32(math.MaxUint32-1025), s.Current())
		s.Increment(3)
		require.Equal(uint32(2), s.Current())
	})

	t.Run("non-legacy", func(t *testing.T) {
		require := require.New(t)

		s := NewSequenceNumber(false)
		require.Equal(uint32(0), s.Current())
		s.Increment(1)
		require.Equal(uint32(1), s.Current())

		s.Increment(math.MaxUint32 - 1)
		require.Equal(uint32(math.MaxUint32), s.Current())
		require.Equal(uint32(math.MaxUint32), s.Next())
		require.Equal(uint32(0), s.Current())

		s.Increment(math.MaxUint32 - 1)
		s.Increment(3)
		require.Equal(uint32(1), s.Current())
	})
}

func TestSequenceValidator(t *testing.T) {
	t.Run("successors", func(t *testing.T) {
		require := require.New(t)

		v := NewSequenceValidator(true)
		require.NoError(v.Check(40))
		require.NoError(v.Check(41))
		require.ErrorIs(v.Check(43), ErrSequenceNumberInvalid)
		require.Equal(uint32(41), v.Last())
		require.ErrorIs(v.Check(41), opcua.ErrMalformedMessage)
	})

	t.Run("legacy wrap", func(t *testing.T) {
		require := require.New(t)

		v := NewSequenceValidator(true)
		require.NoError(v.Check(math.MaxUint32 - 1024))
		require.NoError(v.Check(1))

		v.Reset()
		require.NoError(v.Check(math.MaxUint32 - 5000))
		require.Error(v.Check(1))
	})

	t.Run("non-legacy wrap", func(t *testing.T) {
		require := require.New(t)

		v := NewSequenceValidator(false)
		require.NoError(v.Check(math.MaxUint32))
		require.NoError(v.Check(0))
		require.Error(v.Check(5))
	})
}
