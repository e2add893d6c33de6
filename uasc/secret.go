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
)

// EncryptSecret encrypts a password or issued token in the legacy format:
// uint32 length, the secret, then the server nonce.
func (p *Policy) EncryptSecret(pub *rsa.PublicKey, secret, serverNonce []byte) ([]byte, error) {
	plain := make([]byte, 4, 4+len(secret)+len(serverNonce))
	binary.LittleEndian.PutUint32(plain, uint32(len(secret)+len(serverNonce)))
	plain = append(plain, secret...)
	plain = append(plain, serverNonce...)
	return p.AsymmetricEncrypt(pub, plain)
}

// DecryptSecret reverses EncryptSecret and checks the trailing nonce.
func (p *Policy) DecryptSecret(key *rsa.PrivateKey, data, serverNonce []byte) ([]byte, error) {
	plain, err := p.AsymmetricDecrypt(key, data)
	if err != nil {
		return nil, err
	}
	if len(plain) < 4 {
		return nil, fmt.Errorf("%w: secret too short", opcua.ErrSecurityChecksFailed)
	}
	n := int(binary.LittleEndian.Uint32(plain))
	if n != len(plain)-4 || n < len(serverNonce) {
		return nil, fmt.Errorf("%w: secret length mismatch", opcua.ErrSecurityChecksFailed)
	}
	body := plain[4:]
	if !bytes.Equal(body[n-len(serverNonce):], serverNonce) {
		return nil, fmt.Errorf("%w: secret nonce mismatch", opcua.ErrSecurityChecksFailed)
	}
	return body[:n-len(serverNonce)], nil
}

// Sign produces SignatureData over data with the local key.
func (p *Policy) Sign(key *rsa.PrivateKey, data []byte) (opcua.SignatureData, error) {
	if p.IsNone() {
		return opcua.SignatureData{}, nil
	}
	sig, err := p.AsymmetricSign(key, data)
	if err != nil {
		return opcua.SignatureData{}, err
	}
	return opcua.SignatureData{Algorithm: p.AsymmetricSignature, Signature: sig}, nil
}

// VerifySignature checks SignatureData made by the owner of derCert.
func (p *Policy) VerifySignature(derCert, data []byte, sig opcua.SignatureData) error {
	if p.IsNone() {
		return nil
	}
	if sig.Algorithm != p.AsymmetricSignature {
		return fmt.Errorf("%w: signature algorithm %q", opcua.ErrSecurityChecksFailed, sig.Algorithm)
	}
	pub, err := PublicKey(derCert)
	if err != nil {
		return err
	}
	return p.AsymmetricVerify(pub, data, sig.Signature)
}
