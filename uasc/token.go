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

package uasc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"fmt"
	"hash"
	"sync"
	"sync/atomic"
	"time"

	opcua "github.com/edgeo-scada/opcua-uasc"
)

// KeySet holds the symmetric keys that secure one direction of a channel.
type KeySet struct {
	SigningKey    []byte
	EncryptionKey []byte
	IV            []byte

	newHash func() hash.Hash
	block   cipher.Block
}

func newKeySet(p *Policy, sig, enc, iv []byte) (*KeySet, error) {
	block, err := aes.NewCipher(enc)
	if err != nil {
		return nil, fmt.Errorf("uasc: %w", err)
	}
	return &KeySet{
		SigningKey:    sig,
		EncryptionKey: enc,
		IV:            iv,
		newHash:       p.hmacHash,
		block:         block,
	}, nil
}

// Sign returns the HMAC of data.
func (k *KeySet) Sign(data []byte) []byte {
	m := hmac.New(k.newHash, k.SigningKey)
	m.Write(data)
	return m.Sum(nil)
}

// Verify checks the HMAC of data.
func (k *KeySet) Verify(data, sig []byte) error {
	if !hmac.Equal(k.Sign(data), sig) {
		return fmt.Errorf("%w: symmetric signature mismatch", opcua.ErrSecurityChecksFailed)
	}
	return nil
}

// Encrypt encrypts b in place with AES-CBC.
func (k *KeySet) Encrypt(b []byte) error {
	if len(b)%k.block.BlockSize() != 0 {
		return fmt.Errorf("%w: %d bytes is not a multiple of the block size", opcua.ErrSecurityChecksFailed, len(b))
	}
	cipher.NewCBCEncrypter(k.block, k.IV).CryptBlocks(b, b)
	return nil
}

// Decrypt decrypts b in place with AES-CBC.
func (k *KeySet) Decrypt(b []byte) error {
	if len(b)%k.block.BlockSize() != 0 {
		return fmt.Errorf("%w: %d bytes is not a multiple of the block size", opcua.ErrSecurityChecksFailed, len(b))
	}
	cipher.NewCBCDecrypter(k.block, k.IV).CryptBlocks(b, b)
	return nil
}

// Wipe overwrites the key material.
func (k *KeySet) Wipe() {
	if k == nil {
		return
	}
	clear(k.SigningKey)
	clear(k.EncryptionKey)
	clear(k.IV)
}

// Token is one generation of symmetric keys on a channel. Local keys secure
// what this side sends; remote keys check what it receives.
type Token struct {
	ChannelID uint32
	TokenID   uint32
	CreatedAt time.Time
	Lifetime  time.Duration
	Local     *KeySet
	Remote    *KeySet
}

// ExpiresAt returns the end of the token lifetime.
func (t *Token) ExpiresAt() time.Time {
	return t.CreatedAt.Add(t.Lifetime)
}

func (t *Token) wipe() {
	t.Local.Wipe()
	t.Remote.Wipe()
}

// tokenRing keeps the current and previous token. Receiving accepts either;
// the previous one only until its grace deadline. Sending uses the token set
// with setSend, which lags behind current on the server until the renewal
// response has been written.
type tokenRing struct {
	mu            sync.RWMutex
	current       *Token
	previous      *Token
	previousUntil time.Time
	grace         time.Duration
	send          atomic.Pointer[Token]
}

func newTokenRing(grace time.Duration) *tokenRing {
	return &tokenRing{grace: grace}
}

// install makes t current and demotes the old current token.
func (r *tokenRing) install(t *Token, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.previous != nil && r.previous != r.send.Load() {
		r.previous.wipe()
	}
	r.previous = r.current
	if r.previous != nil {
		until := now.Add(r.grace)
		if limit := r.previous.ExpiresAt().Add(r.grace); limit.Before(until) {
			until = limit
		}
		r.previousUntil = until
	}
	r.current = t
}

func (r *tokenRing) setSend(t *Token) {
	r.send.Store(t)
}

// sending returns the token to secure an outbound message with.
func (r *tokenRing) sending() *Token {
	return r.send.Load()
}

func (r *tokenRing) currentToken() *Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// lookup returns the token a received chunk claims. Anything but current,
// or previous inside its grace window, fails the security checks.
func (r *tokenRing) lookup(id uint32, now time.Time) (*Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.current != nil && r.current.TokenID == id {
		if now.After(r.current.ExpiresAt().Add(r.grace)) {
			return nil, fmt.Errorf("%w: token %d expired", opcua.ErrSecurityChecksFailed, id)
		}
		return r.current, nil
	}
	if r.previous != nil && r.previous.TokenID == id {
		if now.After(r.previousUntil) {
			return nil, fmt.Errorf("%w: token %d past its grace period", opcua.ErrSecurityChecksFailed, id)
		}
		return r.previous, nil
	}
	return nil, fmt.Errorf("%w: unknown token %d", opcua.ErrSecurityChecksFailed, id)
}

// wipe discards all key material.
func (r *tokenRing) wipe() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range []*Token{r.current, r.previous, r.send.Load()} {
		if t != nil {
			t.wipe()
		}
	}
	r.current, r.previous = nil, nil
	r.send.Store(nil)
}
