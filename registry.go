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
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
)

// Message is a structure with a binary encoding id: a service request or
// response, an identity token, a filter or notification data.
type Message interface {
	EncodingID() NodeID
	Encode(e *Encoder)
	Decode(d *Decoder) error
}

// EncodeFunc writes the body of m.
type EncodeFunc func(e *Encoder, m Message) error

// DecodeFunc reads a body into a new message.
type DecodeFunc func(d *Decoder) (Message, error)

type codec struct {
	id  NodeID
	enc EncodeFunc
	dec DecodeFunc
}

// Registry maps encoding ids to codecs. It is written during start-up and
// sealed on first lookup; sealed lookups take no lock.
type Registry struct {
	mu     sync.Mutex
	sealed atomic.Bool
	codecs map[string]codec
}

// DefaultRegistry holds every built-in message type.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]codec)}
}

// Register adds a codec for id.
func (r *Registry) Register(id NodeID, enc EncodeFunc, dec DecodeFunc) error {
	if enc == nil || dec == nil {
		return fmt.Errorf("opcua: nil codec for %s", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return fmt.Errorf("%w: cannot register %s", ErrRegistrySealed, id)
	}
	key := id.Key()
	if _, ok := r.codecs[key]; ok {
		return fmt.Errorf("opcua: type %s already registered", id)
	}
	r.codecs[key] = codec{id: id, enc: enc, dec: dec}
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(id NodeID, enc EncodeFunc, dec DecodeFunc) {
	if err := r.Register(id, enc, dec); err != nil {
		panic(err)
	}
}

// Seal forbids further registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
}

// Sealed reports whether the registry is sealed.
func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	r.lookupReady()
	return len(r.codecs)
}

func (r *Registry) lookupReady() {
	if !r.sealed.Load() {
		r.Seal()
	}
}

func (r *Registry) lookup(id NodeID) (codec, error) {
	r.lookupReady()
	c, ok := r.codecs[id.Key()]
	if !ok {
		return codec{}, fmt.Errorf("%w: %s", ErrUnknownType, id)
	}
	return c, nil
}

// Known reports whether id has a registered codec.
func (r *Registry) Known(id NodeID) bool {
	_, err := r.lookup(id)
	return err == nil
}

// Encode writes the encoding id of m followed by its body.
func (r *Registry) Encode(m Message) ([]byte, error) {
	e := &Encoder{buf: new(bytes.Buffer), reg: r}
	if err := r.EncodeTo(e, m); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// EncodeTo is like Encode but appends to e.
func (r *Registry) EncodeTo(e *Encoder, m Message) error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrMalformedMessage)
	}
	c, err := r.lookup(m.EncodingID())
	if err != nil {
		return err
	}
	e.WriteNodeID(c.id)
	return c.enc(e, m)
}

// Decode decodes a body of the type registered for id.
func (r *Registry) Decode(id NodeID, b []byte) (Message, error) {
	c, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return c.dec(&Decoder{data: b, reg: r})
}

// DecodeMessage reads an encoding id prefix and decodes the body after it.
func (r *Registry) DecodeMessage(b []byte) (Message, error) {
	d := &Decoder{data: b, reg: r}
	id := d.ReadNodeID()
	if err := d.Err(); err != nil {
		return nil, err
	}
	c, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return c.dec(d)
}

// RegisterType registers T under the encoding id it reports, using its own
// Encode and Decode methods.
func RegisterType[T any, PT interface {
	*T
	Message
}](r *Registry) error {
	id := PT(new(T)).EncodingID()
	return r.Register(id,
		func(e *Encoder, m Message) error {
			if _, ok := m.(PT); !ok {
				return fmt.Errorf("%w: %T is not %T", ErrMalformedMessage, m, PT(nil))
			}
			m.Encode(e)
			return nil
		},
		func(d *Decoder) (Message, error) {
			m := PT(new(T))
			if err := m.Decode(d); err != nil {
				return nil, err
			}
			return m, nil
		})
}

// MustRegisterType is like RegisterType but panics on error.
func MustRegisterType[T any, PT interface {
	*T
	Message
}](r *Registry) {
	if err := RegisterType[T, PT](r); err != nil {
		panic(err)
	}
}

// Encode encodes m with the default registry.
func Encode(m Message) ([]byte, error) {
	return DefaultRegistry.Encode(m)
}

// Decode decodes a body of type id with the default registry.
func Decode(id NodeID, b []byte) (Message, error) {
	return DefaultRegistry.Decode(id, b)
}

// DecodeMessage decodes an id-prefixed message with the default registry.
func DecodeMessage(b []byte) (Message, error) {
	return DefaultRegistry.DecodeMessage(b)
}
