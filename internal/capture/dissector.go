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
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	opcua "github.com/edgeo-scada/opcua-uasc"
	"github.com/edgeo-scada/opcua-uasc/internal/chunk"
)

// Frame is one chunk seen on the wire.
type Frame struct {
	Timestamp time.Time
	Src       string
	Dst       string
	// ToServer is set for chunks sent to the OPC UA port.
	ToServer bool
	Chunk    *OPCUA
	// Err is set when the chunk could not be decoded; Chunk then holds
	// whatever was decoded before the failure.
	Err error
}

// connection is the state shared by both directions of a TCP connection.
type connection struct {
	plaintext map[uint32]bool
}

// direction is the state of one half of a connection.
type direction struct {
	buf     []byte
	partial map[uint32]bool
}

// Dissector reassembles TCP payloads to and from one port and splits them
// into OPC UA chunks. It does not reorder segments.
type Dissector struct {
	port  layers.TCPPort
	conns map[string]*connection
	dirs  map[string]*direction
}

// NewDissector creates a dissector for traffic on port.
func NewDissector(port uint16) *Dissector {
	if port == 0 {
		port = DefaultPort
	}
	return &Dissector{
		port:  layers.TCPPort(port),
		conns: make(map[string]*connection),
		dirs:  make(map[string]*direction),
	}
}

// Packet feeds one captured packet and returns the chunks it completed.
func (d *Dissector) Packet(pkt gopacket.Packet) []Frame {
	tcpLayer := pkt.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return nil
	}
	tcp, _ := tcpLayer.(*layers.TCP)
	if tcp.SrcPort != d.port && tcp.DstPort != d.port {
		return nil
	}
	nl := pkt.NetworkLayer()
	if nl == nil {
		return nil
	}
	src := endpoint(nl.NetworkFlow().Src().String(), uint16(tcp.SrcPort))
	dst := endpoint(nl.NetworkFlow().Dst().String(), uint16(tcp.DstPort))

	dirKey := src + ">" + dst
	if tcp.SYN || tcp.RST {
		delete(d.dirs, dirKey)
	}
	if len(tcp.Payload) == 0 {
		return nil
	}

	connKey := src + "|" + dst
	if dst < src {
		connKey = dst + "|" + src
	}
	conn := d.conns[connKey]
	if conn == nil {
		conn = &connection{plaintext: make(map[uint32]bool)}
		d.conns[connKey] = conn
	}
	dir := d.dirs[dirKey]
	if dir == nil {
		dir = &direction{partial: make(map[uint32]bool)}
		d.dirs[dirKey] = dir
	}
	dir.buf = append(dir.buf, tcp.Payload...)

	var ts time.Time
	if md := pkt.Metadata(); md != nil {
		ts = md.Timestamp
	}
	template := Frame{Timestamp: ts, Src: src, Dst: dst, ToServer: tcp.DstPort == d.port}
	return d.split(conn, dir, template)
}

func (d *Dissector) split(conn *connection, dir *direction, template Frame) []Frame {
	var frames []Frame
	for len(dir.buf) >= chunk.HeaderSize {
		h, err := chunk.DecodeHeader(dir.buf, 0)
		if err != nil {
			// Resynchronise on the next byte.
			dir.buf = dir.buf[1:]
			continue
		}
		if int(h.Size) > len(dir.buf) {
			break
		}
		raw := bytes.Clone(dir.buf[:h.Size])
		dir.buf = dir.buf[h.Size:]

		f := template
		f.Chunk, f.Err = d.decode(conn, dir, raw)
		frames = append(frames, f)
	}
	if len(dir.buf) == 0 {
		dir.buf = nil
	}
	return frames
}

func (d *Dissector) decode(conn *connection, dir *direction, raw []byte) (*OPCUA, error) {
	o := &OPCUA{}
	if channelID, ok := peekChannelID(raw); ok {
		o.Plaintext = conn.plaintext[channelID]
	}
	if err := o.DecodeFromBytes(raw, gopacket.NilDecodeFeedback); err != nil {
		return o, err
	}

	if o.Header.MessageType == chunk.MessageTypeOpenChannel && o.Plaintext && o.ChannelID != 0 {
		conn.plaintext[o.ChannelID] = true
	}
	if !o.Plaintext || !o.Header.MessageType.Secured() {
		return o, nil
	}
	if dir.partial[o.RequestID] {
		o.TypeID = opcua.NodeID{}
	}
	switch o.Header.ChunkType {
	case chunk.ChunkTypeIntermediate:
		dir.partial[o.RequestID] = true
	default:
		delete(dir.partial, o.RequestID)
	}
	return o, nil
}

// peekChannelID reads the channel id of a secured chunk.
func peekChannelID(raw []byte) (uint32, bool) {
	if len(raw) < chunk.HeaderSize+chunk.ChannelIDSize {
		return 0, false
	}
	if !chunk.MessageType(raw[0:3]).Secured() {
		return 0, false
	}
	d := opcua.NewDecoder(raw[chunk.HeaderSize:])
	return d.ReadUInt32(), true
}

func endpoint(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

// pcapng section header block magic.
var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// ReadCapture decodes every OPC UA chunk on port in a pcap or pcapng stream.
func ReadCapture(r io.Reader, port uint16) ([]Frame, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("capture: read magic: %w", err)
	}

	var (
		source   gopacket.PacketDataSource
		linkType layers.LinkType
	)
	if bytes.Equal(magic, ngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("capture: open pcapng: %w", err)
		}
		source, linkType = ng, ng.LinkType()
	} else {
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("capture: open pcap: %w", err)
		}
		source, linkType = pr, pr.LinkType()
	}

	d := NewDissector(port)
	var frames []Frame
	for {
		data, ci, err := source.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, fmt.Errorf("capture: read packet: %w", err)
		}
		pkt := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		pkt.Metadata().CaptureInfo = ci
		frames = append(frames, d.Packet(pkt)...)
	}
}
