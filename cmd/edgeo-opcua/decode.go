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


package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/opcua-uasc/internal/capture"
)

var decodePort uint16

var decodeCmd = &cobra.Command{
	Use:   "decode <capture.pcap>",
	Short: "Decode OPC UA chunks from a pcap or pcapng capture",
	Long: `Read a packet capture and list every OPC UA chunk exchanged on the
given TCP port. Hello, Acknowledge and Error messages are decoded fully;
secured chunks show their channel, token and sequence numbers, and the
service type when the channel uses the None policy.

Examples:
  edgeo-opcua decode capture.pcapng
  edgeo-opcua decode --port 48010 capture.pcap -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runDecode,
}

func init() {
	decodeCmd.Flags().Uint16Var(&decodePort, "port", capture.DefaultPort, "OPC UA server TCP port")
}

type frameRecord struct {
	Time      string `json:"time" yaml:"time"`
	Src       string `json:"src" yaml:"src"`
	Dst       string `json:"dst" yaml:"dst"`
	Type      string `json:"type" yaml:"type"`
	Chunk     string `json:"chunk" yaml:"chunk"`
	Size      uint32 `json:"size" yaml:"size"`
	ChannelID uint32 `json:"channelId,omitempty" yaml:"channelId,omitempty"`
	TokenID   uint32 `json:"tokenId,omitempty" yaml:"tokenId,omitempty"`
	Sequence  uint32 `json:"sequence,omitempty" yaml:"sequence,omitempty"`
	RequestID uint32 `json:"requestId,omitempty" yaml:"requestId,omitempty"`
	Detail    string `json:"detail,omitempty" yaml:"detail,omitempty"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

func runDecode(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	frames, err := capture.ReadCapture(f, decodePort)
	if err != nil && len(frames) == 0 {
		return err
	}
	if err != nil {
		logger.Warn("capture truncated", slog.Any("error", err))
	}

	records := make([]frameRecord, 0, len(frames))
	for _, fr := range frames {
		records = append(records, newFrameRecord(fr))
	}

	out := cmd.OutOrStdout()
	if done, err := render(out, records); done {
		return err
	}
	printFrames(out, records)
	return nil
}

func newFrameRecord(fr capture.Frame) frameRecord {
	r := frameRecord{
		Time: fr.Timestamp.Format(time.RFC3339Nano),
		Src:  fr.Src,
		Dst:  fr.Dst,
	}
	if fr.Err != nil {
		r.Error = fr.Err.Error()
	}
	o := fr.Chunk
	if o == nil {
		return r
	}
	r.Type = string(o.Header.MessageType)
	r.Chunk = string(rune(o.Header.ChunkType))
	r.Size = o.Header.Size
	r.ChannelID = o.ChannelID
	r.TokenID = o.TokenID
	r.Sequence = o.SequenceNumber
	r.RequestID = o.RequestID

	switch {
	case o.Hello != nil:
		r.Detail = fmt.Sprintf("endpoint=%s recv=%d send=%d maxmsg=%d maxchunks=%d",
			o.Hello.EndpointURL, o.Hello.ReceiveBufferSize, o.Hello.SendBufferSize,
			o.Hello.MaxMessageSize, o.Hello.MaxChunkCount)
	case o.Acknowledge != nil:
		r.Detail = fmt.Sprintf("recv=%d send=%d maxmsg=%d maxchunks=%d",
			o.Acknowledge.ReceiveBufferSize, o.Acknowledge.SendBufferSize,
			o.Acknowledge.MaxMessageSize, o.Acknowledge.MaxChunkCount)
	case o.Error != nil:
		r.Detail = fmt.Sprintf("%s: %s", o.Error.Error, o.Error.Reason)
	case o.ReverseHello != nil:
		r.Detail = fmt.Sprintf("server=%s endpoint=%s", o.ReverseHello.ServerURI, o.ReverseHello.EndpointURL)
	case o.PolicyURI != "":
		r.Detail = "policy=" + o.PolicyURI
		if s := o.Service(); s != "" {
			r.Detail += " " + s
		}
	default:
		r.Detail = o.Service()
	}
	return r
}

func printFrames(w io.Writer, records []frameRecord) {
	fmt.Fprintf(w, "%d chunks\n", len(records))
	for _, r := range records {
		fmt.Fprintf(w, "%s %s -> %s %s%s size=%d", r.Time, r.Src, r.Dst, r.Type, r.Chunk, r.Size)
		if r.ChannelID != 0 {
			fmt.Fprintf(w, " channel=%d", r.ChannelID)
		}
		if r.TokenID != 0 {
			fmt.Fprintf(w, " token=%d", r.TokenID)
		}
		if r.Sequence != 0 {
			fmt.Fprintf(w, " seq=%d req=%d", r.Sequence, r.RequestID)
		}
		if r.Detail != "" {
			fmt.Fprintf(w, " %s", r.Detail)
		}
		if r.Error != "" {
			fmt.Fprintf(w, " error=%q", r.Error)
		}
		fmt.Fprintln(w)
	}
}
