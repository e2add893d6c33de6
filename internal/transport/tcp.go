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

// Package transport carries OPC UA chunks over TCP.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	opcua "github.com/edgeo-scada/opcua-uasc"
	"github.com/edgeo-scada/opcua-uasc/internal/chunk"
)

// Scheme is the URL scheme of OPC UA TCP endpoints.
const Scheme = "opc.tcp"

const keepAlivePeriod = 30 * time.Second

// Conn is a TCP connection framed into chunks. Reads and writes may run
// concurrently; writes are serialised so one chunk is never interleaved
// with another.
type Conn struct {
	conn         net.Conn
	writeTimeout time.Duration
	wmu          sync.Mutex
	closeOnce    sync.Once
	closeErr     error
}

// ParseEndpoint returns the host:port of an opc.tcp endpoint URL, adding
// the default port when none is given.
func ParseEndpoint(endpointURL string) (string, error) {
	u, err := url.Parse(endpointURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", opcua.ErrInvalidEndpoint, err)
	}
	if u.Scheme != Scheme {
		return "", fmt.Errorf("%w: scheme %q", opcua.ErrInvalidEndpoint, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("%w: missing host in %q", opcua.ErrInvalidEndpoint, endpointURL)
	}
	port := u.Port()
	if port == "" {
		port = strconv.Itoa(opcua.DefaultPort)
	}
	return net.JoinHostPort(host, port), nil
}

// Dial connects to the endpoint URL.
func Dial(ctx context.Context, endpointURL string, writeTimeout time.Duration) (*Conn, error) {
	addr, err := ParseEndpoint(endpointURL)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", opcua.ErrTransport, addr, err)
	}
	return NewConn(conn, writeTimeout), nil
}

// NewConn wraps an established connection.
func NewConn(conn net.Conn, writeTimeout time.Duration) *Conn {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(keepAlivePeriod)
		tcpConn.SetNoDelay(true)
	}
	return &Conn{conn: conn, writeTimeout: writeTimeout}
}

// ReadChunk reads one chunk. It blocks until a chunk arrives, the read
// deadline passes or the connection closes.
func (c *Conn) ReadChunk(limits chunk.Limits) ([]byte, chunk.Header, error) {
	return chunk.ReadFrame(c.conn, limits)
}

// WriteChunk writes one complete chunk.
func (c *Conn) WriteChunk(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return chunk.WriteFrame(c.conn, b)
}

// SetReadDeadline bounds the next ReadChunk.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Listener accepts chunk connections.
type Listener struct {
	ln           net.Listener
	writeTimeout time.Duration
}

// Listen listens on a TCP address.
func Listen(ctx context.Context, addr string, writeTimeout time.Duration) (*Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %w", opcua.ErrTransport, addr, err)
	}
	return &Listener{ln: ln, writeTimeout: writeTimeout}, nil
}

// Accept waits for the next connection.
func (l *Listener) Accept() (*Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewConn(conn, l.writeTimeout), nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops listening.
func (l *Listener) Close() error {
	return l.ln.Close()
}
