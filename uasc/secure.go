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
	"bytes"
	"crypto/rsa"
	"encoding/binary"
	"fmt"

	opcua "github.com/edgeo-scada/opcua-uasc"
	"github.com/edgeo-scada/opcua-uasc/internal/chunk"
)

// security applies a policy and mode to the chunks of one channel.
type security struct {
	policy *Policy
	mode   opcua.MessageSecurityMode

	localCert   []byte
	localKey    *rsa.PrivateKey
	localThumb  []byte
	remoteCert  []byte
	remoteKey   *rsa.PublicKey
	remoteThumb []byte
}

func (s *security) setRemote(der []byte) error {
	pub, err := PublicKey(der)
	if err != nil {
		return err
	}
	if err := s.policy.CheckKey(pub); err != nil {
		return err
	}
	s.remoteCert = der
	s.remoteKey = pub
	s.remoteThumb = Thumbprint(der)
	return nil
}

func (s *security) signs() bool {
	return s.mode == opcua.MessageSecurityModeSign || s.mode == opcua.MessageSecurityModeSignAndEncrypt
}

func (s *security) encrypts() bool {
	return s.mode == opcua.MessageSecurityModeSignAndEncrypt
}

// paddingHeaderSize is 2 when the encrypting key is longer than 2048 bits.
func paddingHeaderSize(cipherBlock int) int {
	if cipherBlock > 256 {
		return 2
	}
	return 1
}

const symmetricPrefixLen = chunk.HeaderSize + chunk.ChannelIDSize + chunk.SymmetricHeaderLen

// symmetricMaxBody returns the largest chunk body that fits in sendBuf.
func (s *security) symmetricMaxBody(sendBuf int) int {
	n := sendBuf - symmetricPrefixLen
	if !s.signs() {
		return n - chunk.SequenceHeaderSize
	}
	sig := s.policy.SymmetricSignatureSize
	if !s.encrypts() {
		return n - chunk.SequenceHeaderSize - sig
	}
	block := s.policy.EncryptionBlockSize
	return n/block*block - chunk.SequenceHeaderSize - 1 - sig
}

// encodeSymmetric secures c with the local keys of tok.
func (s *security) encodeSymmetric(c *chunk.Chunk, tok *Token) ([]byte, error) {
	c.TokenID = tok.TokenID
	b := chunk.AppendPrefix(make([]byte, 0, symmetricPrefixLen+chunk.SequenceHeaderSize+len(c.Body)+64), c.Prefix())
	off := len(b)
	b = binary.LittleEndian.AppendUint32(b, c.SequenceNumber)
	b = binary.LittleEndian.AppendUint32(b, c.RequestID)
	b = append(b, c.Body...)

	var sig int
	if s.signs() {
		sig = s.policy.SymmetricSignatureSize
	}
	if s.encrypts() {
		block := s.policy.EncryptionBlockSize
		pad := (block - (len(b)-off+1+sig)%block) % block
		for range pad + 1 {
			b = append(b, byte(pad))
		}
	}
	binary.LittleEndian.PutUint32(b[4:8], uint32(len(b)+sig))
	if s.signs() {
		b = append(b, tok.Local.Sign(b)...)
	}
	if s.encrypts() {
		if err := tok.Local.Encrypt(b[off:]); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// decodeSymmetric removes the security of b in place with the remote keys
// of tok.
func (s *security) decodeSymmetric(b []byte, p *chunk.Prefix, off int, tok *Token) (*chunk.Chunk, error) {
	if s.encrypts() {
		if err := tok.Remote.Decrypt(b[off:]); err != nil {
			return nil, err
		}
	}
	end := len(b)
	if s.signs() {
		sig := s.policy.SymmetricSignatureSize
		if end-sig < off+chunk.SequenceHeaderSize {
			return nil, fmt.Errorf("%w: chunk too short for signature", opcua.ErrSecurityChecksFailed)
		}
		if err := tok.Remote.Verify(b[:end-sig], b[end-sig:]); err != nil {
			return nil, err
		}
		end -= sig
	}
	if s.encrypts() {
		pad := int(b[end-1])
		if end-1-pad < off+chunk.SequenceHeaderSize {
			return nil, fmt.Errorf("%w: padding %d", opcua.ErrSecurityChecksFailed, pad)
		}
		for _, v := range b[end-1-pad : end] {
			if int(v) != pad {
				return nil, fmt.Errorf("%w: bad padding", opcua.ErrSecurityChecksFailed)
			}
		}
		end -= pad + 1
	}
	return chunk.FromPrefix(p, b[off:end])
}

// asymmetricHeader returns the security header for OpenSecureChannel chunks.
func (s *security) asymmetricHeader() *chunk.AsymmetricSecurityHeader {
	h := &chunk.AsymmetricSecurityHeader{SecurityPolicyURI: string(s.policy.URI)}
	if !s.policy.IsNone() {
		h.SenderCertificate = s.localCert
		h.ReceiverThumbprint = s.remoteThumb
	}
	return h
}

func (s *security) asymmetricMaxBody(sendBuf int) int {
	n := sendBuf - chunk.HeaderSize - chunk.ChannelIDSize - s.asymmetricHeader().Len()
	if s.policy.IsNone() {
		return n - chunk.SequenceHeaderSize
	}
	cipherBlock := s.remoteKey.Size()
	plainBlock := s.policy.PlainTextBlockSize(s.remoteKey)
	return n/cipherBlock*plainBlock - chunk.SequenceHeaderSize - paddingHeaderSize(cipherBlock) - s.localKey.Size()
}

// encodeAsymmetric signs c with the local private key and encrypts it for
// the remote certificate.
func (s *security) encodeAsymmetric(c *chunk.Chunk) ([]byte, error) {
	b, err := chunk.Encode(c)
	if err != nil || s.policy.IsNone() {
		return b, err
	}
	off := c.Prefix().Len()

	cipherBlock := s.remoteKey.Size()
	plainBlock := s.policy.PlainTextBlockSize(s.remoteKey)
	padHdr := paddingHeaderSize(cipherBlock)
	sig := s.localKey.Size()

	pad := (plainBlock - (len(b)-off+padHdr+sig)%plainBlock) % plainBlock
	for range pad + 1 {
		b = append(b, byte(pad))
	}
	if padHdr == 2 {
		b = append(b, byte(pad>>8))
	}
	blocks := (len(b) - off + sig) / plainBlock
	binary.LittleEndian.PutUint32(b[4:8], uint32(off+blocks*cipherBlock))

	signature, err := s.policy.AsymmetricSign(s.localKey, b)
	if err != nil {
		return nil, err
	}
	b = append(b, signature...)

	enc, err := s.policy.AsymmetricEncrypt(s.remoteKey, b[off:])
	if err != nil {
		return nil, err
	}
	return append(b[:off:off], enc...), nil
}

// decodeAsymmetric decrypts b with the local private key and verifies the
// sender signature. The caller has already checked the security header and
// recorded the sender certificate.
func (s *security) decodeAsymmetric(b []byte, p *chunk.Prefix, off int) (*chunk.Chunk, error) {
	if s.policy.IsNone() {
		return chunk.FromPrefix(p, b[off:])
	}
	if !bytes.Equal(p.Asymmetric.ReceiverThumbprint, s.localThumb) {
		return nil, fmt.Errorf("%w: receiver thumbprint does not match the local certificate", opcua.ErrSecurityChecksFailed)
	}

	plain, err := s.policy.AsymmetricDecrypt(s.localKey, b[off:])
	if err != nil {
		return nil, err
	}
	sig := s.remoteKey.Size()
	padHdr := paddingHeaderSize(s.localKey.Size())
	if len(plain) < chunk.SequenceHeaderSize+padHdr+sig {
		return nil, fmt.Errorf("%w: open chunk too short", opcua.ErrSecurityChecksFailed)
	}
	end := len(plain) - sig

	signed := make([]byte, 0, off+end)
	signed = append(signed, b[:off]...)
	signed = append(signed, plain[:end]...)
	if err := s.policy.AsymmetricVerify(s.remoteKey, signed, plain[end:]); err != nil {
		return nil, err
	}

	pad := int(plain[end-1])
	if padHdr == 2 {
		pad = int(plain[end-1])<<8 | int(plain[end-2])
	}
	end -= pad + padHdr
	if end < chunk.SequenceHeaderSize {
		return nil, fmt.Errorf("%w: padding %d", opcua.ErrSecurityChecksFailed, pad)
	}
	return chunk.FromPrefix(p, plain[:end])
}
