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
	"fmt"

	opcua "github.com/edgeo-scada/opcua-uasc"
)

// AbortError is the result of a message whose sender aborted it.
type AbortError struct {
	RequestID uint32
	Status    opcua.StatusCode
	Reason    string
}

func (e *AbortError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("chunk: request %d aborted: %s: %s", e.RequestID, e.Status, e.Reason)
	}
	return fmt.Sprintf("chunk: request %d aborted: %s", e.RequestID, e.Status)
}

// Unwrap returns the abort status.
func (e *AbortError) Unwrap() error {
	return e.Status
}

type partial struct {
	msgType MessageType
	chunks  uint32
	buf     bytes.Buffer
}

// Assembler reassembles chunk bodies into messages, keyed by request id.
// It is not safe for concurrent use; the channel read loop owns it.
type Assembler struct {
	limits  Limits
	pending map[uint32]*partial
}

// NewAssembler creates an assembler enforcing limits.MaxMessageSize and
// limits.MaxChunkCount.
func NewAssembler(limits Limits) *Assembler {
	return &Assembler{limits: limits, pending: make(map[uint32]*partial)}
}

// SetLimits replaces the limits after a handshake revised them.
func (a *Assembler) SetLimits(limits Limits) {
	a.limits = limits
}

// Add appends the body of c to its message. When c is a final chunk it
// returns the complete message body and done is true. An abort chunk
// discards the partial message and returns done with an *AbortError.
// Exceeding a limit discards the partial message and returns an error
// wrapping opcua.ErrPayloadTooLarge.
func (a *Assembler) Add(c *Chunk) (body []byte, done bool, err error) {
	p := a.pending[c.RequestID]

	if c.ChunkType == ChunkTypeAbort {
		delete(a.pending, c.RequestID)
		var m ErrorMessage
		if err := m.Decode(c.Body); err != nil {
			return nil, true, &AbortError{RequestID: c.RequestID, Status: opcua.StatusBadDecodingError}
		}
		return nil, true, &AbortError{RequestID: c.RequestID, Status: m.Error, Reason: m.Reason}
	}

	if p == nil {
		if c.ChunkType == ChunkTypeFinal {
			if err := a.check(c.RequestID, 1, len(c.Body)); err != nil {
				return nil, true, err
			}
			return c.Body, true, nil
		}
		p = &partial{msgType: c.MessageType}
		a.pending[c.RequestID] = p
	}
	if p.msgType != c.MessageType {
		delete(a.pending, c.RequestID)
		return nil, true, fmt.Errorf("%w: request %d mixes %s and %s chunks",
			opcua.ErrMalformedMessage, c.RequestID, p.msgType, c.MessageType)
	}

	p.chunks++
	if err := a.check(c.RequestID, p.chunks, p.buf.Len()+len(c.Body)); err != nil {
		delete(a.pending, c.RequestID)
		return nil, true, err
	}
	p.buf.Write(c.Body)

	if c.ChunkType != ChunkTypeFinal {
		return nil, false, nil
	}
	delete(a.pending, c.RequestID)
	return p.buf.Bytes(), true, nil
}

func (a *Assembler) check(requestID, chunks uint32, size int) error {
	if a.limits.MaxChunkCount > 0 && chunks > a.limits.MaxChunkCount {
		return fmt.Errorf("%w: request %d has more than %d chunks",
			opcua.ErrPayloadTooLarge, requestID, a.limits.MaxChunkCount)
	}
	if a.limits.MaxMessageSize > 0 && size > int(a.limits.MaxMessageSize) {
		return fmt.Errorf("%w: request %d message exceeds %d bytes",
			opcua.ErrPayloadTooLarge, requestID, a.limits.MaxMessageSize)
	}
	return nil
}

// Pending returns the number of partially received messages.
func (a *Assembler) Pending() int {
	return len(a.pending)
}

// Reset discards every partial message.
func (a *Assembler) Reset() {
	clear(a.pending)
}

// Split cuts body into chunk bodies of at most maxBody bytes. An empty body
// still yields one chunk. The caller marks the last chunk final.
func Split(body []byte, maxBody int) [][]byte {
	if maxBody <= 0 || len(body) <= maxBody {
		return [][]byte{body}
	}
	parts := make([][]byte, 0, (len(body)+maxBody-1)/maxBody)
	for len(body) > 0 {
		n := min(maxBody, len(body))
		parts = append(parts, body[:n])
		body = body[n:]
	}
	return parts
}
