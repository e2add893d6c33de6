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

package capture

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/require"

	opcua "github.com/edgeo-scada/opcua-uasc"
	"github.com/edgeo-scada/opcua-uasc/internal/chunk"
)

var (
	clientIP = net.IP{192, 168, 10, 2}
	serverIP = net.IP{192, 168, 10, 1}
)

type segment struct {
	toServer bool
	payload  []byte
}

// writeCapture serialises segments of one TCP connection into a pcap file.
func writeCapture(t *testing.T, segments []segment) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))

	seq := map[bool]uint32{true: 1000, false: 5000}
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, s := range segments {
		srcIP, dstIP := serverIP, clientIP
		srcPort, dstPort := layers.TCPPort(DefaultPort), layers.TCPPort(50123)
		if s.toServer {
			srcIP, dstIP = dstIP, srcIP
			srcPort, dstPort = dstPort, srcPort
		}
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: srcIP, DstIP: dstIP}
		tcp := &layers.TCP{SrcPort: srcPort, DstPort: dstPort, Seq: seq[s.toServer], PSH: true, ACK: true, Window: 65535}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
		seq[s.toServer] += uint32(len(s.payload))

		out := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(out, opts, eth, ip, tcp, gopacket.Payload(s.payload)))
		ci := gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(out.Bytes()),
			Length:        len(out.Bytes()),
		}
		require.NoError(t, w.WritePacket(ci, out.Bytes()))
	}
	return buf.Bytes()
}

func secured(t *testing.T, c *chunk.Chunk) []byte {
	t.Helper()
	b, err := chunk.Encode(c)
	require.NoError(t, err)
	return b
}

func typed(id opcua.ServiceID, rest ...byte) []byte {
	e := opcua.NewEncoder()
	e.WriteNodeID(opcua.NewNumericNodeID(0, uint32(id)))
	e.Write(rest)
	return e.Bytes()
}

func TestReadCapture(t *testing.T) {
	require := require.New(t)

	hello := chunk.Hello{ReceiveBufferSize: 65535, SendBufferSize: 65535, EndpointURL: "opc.tcp://plc:4840"}
	ack := chunk.Acknowledge{ReceiveBufferSize: 65535, SendBufferSize: 65535}
	none := &chunk.AsymmetricSecurityHeader{SecurityPolicyURI: string(opcua.SecurityPolicyNone)}

	opnReq := secured(t, &chunk.Chunk{MessageType: chunk.MessageTypeOpenChannel, ChunkType: chunk.ChunkTypeFinal,
		Asymmetric: none, SequenceNumber: 1, RequestID: 1, Body: typed(opcua.ServiceOpenSecureChannel)})
	opnResp := secured(t, &chunk.Chunk{MessageType: chunk.MessageTypeOpenChannel, ChunkType: chunk.ChunkTypeFinal,
		ChannelID: 5, Asymmetric: none, SequenceNumber: 1, RequestID: 1, Body: typed(opcua.ServiceOpenSecureChannel + 3)})
	readFirst := secured(t, &chunk.Chunk{MessageType: chunk.MessageTypeMessage, ChunkType: chunk.ChunkTypeIntermediate,
		ChannelID: 5, TokenID: 1, SequenceNumber: 2, RequestID: 2, Body: typed(opcua.ServiceRead, 1, 2, 3)})
	readLast := secured(t, &chunk.Chunk{MessageType: chunk.MessageTypeMessage, ChunkType: chunk.ChunkTypeFinal,
		ChannelID: 5, TokenID: 1, SequenceNumber: 3, RequestID: 2, Body: typed(opcua.ServicePublish)})
	fault := secured(t, &chunk.Chunk{MessageType: chunk.MessageTypeMessage, ChunkType: chunk.ChunkTypeFinal,
		ChannelID: 5, TokenID: 1, SequenceNumber: 2, RequestID: 2, Body: typed(faultEncodingID)})
	encrypted := secured(t, &chunk.Chunk{MessageType: chunk.MessageTypeMessage, ChunkType: chunk.ChunkTypeFinal,
		ChannelID: 9, TokenID: 4, SequenceNumber: 7, RequestID: 7, Body: typed(opcua.ServiceWrite)})
	errMsg := chunk.ErrorMessage{Error: opcua.StatusBadSecureChannelIDInvalid, Reason: "unknown channel"}

	// The read request straddles two segments together with its last chunk.
	split := append(append([]byte{}, readFirst...), readLast...)
	data := writeCapture(t, []segment{
		{true, chunk.Frame(chunk.MessageTypeHello, hello.Encode())},
		{false, chunk.Frame(chunk.MessageTypeAcknowledge, ack.Encode())},
		{true, opnReq},
		{false, opnResp},
		{true, split[:len(readFirst)+5]},
		{true, split[len(readFirst)+5:]},
		{false, fault},
		{true, encrypted},
		{false, chunk.Frame(chunk.MessageTypeError, errMsg.Encode())},
	})

	frames, err := ReadCapture(bytes.NewReader(data), DefaultPort)
	require.NoError(err)
	require.Len(frames, 9)
	for _, f := range frames {
		require.NoError(f.Err)
	}

	require.True(frames[0].ToServer)
	require.Equal("192.168.10.2:50123", frames[0].Src)
	require.Equal("opc.tcp://plc:4840", frames[0].Chunk.Hello.EndpointURL)
	require.False(frames[1].ToServer)
	require.Equal(uint32(65535), frames[1].Chunk.Acknowledge.SendBufferSize)

	require.Equal(string(opcua.SecurityPolicyNone), frames[2].Chunk.PolicyURI)
	require.Equal("OpenSecureChannelRequest", frames[2].Chunk.Service())
	require.Equal("OpenSecureChannelResponse", frames[3].Chunk.Service())
	require.Equal(uint32(5), frames[3].Chunk.ChannelID)

	require.Equal("ReadRequest", frames[4].Chunk.Service())
	require.Equal(chunk.ChunkTypeIntermediate, frames[4].Chunk.Header.ChunkType)
	require.Equal(uint32(2), frames[5].Chunk.RequestID)
	require.Empty(frames[5].Chunk.Service(), "continuation chunk has no type id")
	require.Equal("ServiceFault", frames[6].Chunk.Service())

	require.False(frames[7].Chunk.Plaintext)
	require.Equal(uint32(9), frames[7].Chunk.ChannelID)
	require.Equal(uint32(4), frames[7].Chunk.TokenID)
	require.Zero(frames[7].Chunk.SequenceNumber)
	require.Empty(frames[7].Chunk.Service())

	require.Equal(opcua.StatusBadSecureChannelIDInvalid, frames[8].Chunk.Error.Error)
	require.True(frames[8].Timestamp.After(frames[0].Timestamp))
}

func TestReadCapture_Garbage(t *testing.T) {
	require := require.New(t)
	hello := chunk.Hello{ReceiveBufferSize: 8192, SendBufferSize: 8192}
	payload := append([]byte("junk"), chunk.Frame(chunk.MessageTypeHello, hello.Encode())...)

	frames, err := ReadCapture(bytes.NewReader(writeCapture(t, []segment{{true, payload}})), DefaultPort)
	require.NoError(err)
	require.Len(frames, 1)
	require.NotNil(frames[0].Chunk.Hello)

	_, err = ReadCapture(bytes.NewReader([]byte("not a capture")), DefaultPort)
	require.Error(err)
}

func TestLayer_DecodingLayer(t *testing.T) {
	require := require.New(t)
	ack := chunk.Acknowledge{ReceiveBufferSize: 8192, SendBufferSize: 8192, MaxChunkCount: 4}
	raw := append(chunk.Frame(chunk.MessageTypeAcknowledge, ack.Encode()), 0xde, 0xad)

	var o OPCUA
	require.NoError(o.DecodeFromBytes(raw, gopacket.NilDecodeFeedback))
	require.Equal(LayerTypeOPCUA, o.LayerType())
	require.Equal(uint32(4), o.Acknowledge.MaxChunkCount)
	require.Equal([]byte{0xde, 0xad}, o.LayerPayload())

	require.Error(o.DecodeFromBytes(raw[:6], gopacket.NilDecodeFeedback))
	require.Error(o.DecodeFromBytes(raw[:12], gopacket.NilDecodeFeedback))
}
