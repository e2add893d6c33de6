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
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"

	opcua "github.com/edgeo-scada/opcua-uasc"
)

// Algorithm URIs reported in signatures and encrypted secrets.
const (
	AlgorithmRsaSha1       = "http://www.w3.org/2000/09/xmldsig#rsa-sha1"
	AlgorithmRsaSha256     = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	AlgorithmRsaPssSha256  = "http://opcfoundation.org/UA/security/rsa-pss-sha2-256"
	AlgorithmRsa15         = "http://www.w3.org/2001/04/xmlenc#rsa-1_5"
	AlgorithmRsaOaep       = "http://www.w3.org/2001/04/xmlenc#rsa-oaep"
	AlgorithmRsaOaepSha256 = "http://opcfoundation.org/UA/security/rsa-oaep-sha2-256"
	AlgorithmHmacSha1      = "http://www.w3.org/2000/09/xmldsig#hmac-sha1"
	AlgorithmHmacSha256    = "http://www.w3.org/2000/09/xmldsig#hmac-sha256"
	AlgorithmAes128Cbc     = "http://www.w3.org/2001/04/xmlenc#aes128-cbc"
	AlgorithmAes256Cbc     = "http://www.w3.org/2001/04/xmlenc#aes256-cbc"
	AlgorithmPSha1         = "http://docs.oasis-open.org/ws-sx/ws-secureconversation/200512/dk/p_sha1"
	AlgorithmPSha256       = "http://docs.oasis-open.org/ws-sx/ws-secureconversation/200512/dk/p_sha256"
)

type rsaPadding int

const (
	paddingPKCS1v15 rsaPadding = iota
	paddingOAEPSHA1
	paddingOAEPSHA256
)

// overhead is the number of plaintext bytes each RSA block loses to padding.
func (p rsaPadding) overhead() int {
	switch p {
	case paddingOAEPSHA1:
		return 2*sha1.Size + 2
	case paddingOAEPSHA256:
		return 2*sha256.Size + 2
	}
	return 11
}

// Policy describes the algorithms of a security policy.
type Policy struct {
	URI                    opcua.SecurityPolicy
	AsymmetricSignature    string
	AsymmetricEncryption   string
	SymmetricSignature     string
	SymmetricEncryption    string
	KeyDerivation          string
	SignatureKeyLength     int
	EncryptionKeyLength    int
	EncryptionBlockSize    int
	SymmetricSignatureSize int
	NonceLength            int
	MinAsymmetricKeyLength int
	MaxAsymmetricKeyLength int

	asymHash crypto.Hash
	pss      bool
	padding  rsaPadding
	hmacHash func() hash.Hash
	prfHash  func() hash.Hash
}

var policies = map[opcua.SecurityPolicy]*Policy{
	opcua.SecurityPolicyNone: {URI: opcua.SecurityPolicyNone},
	opcua.SecurityPolicyBasic128Rsa15: {
		URI:                    opcua.SecurityPolicyBasic128Rsa15,
		AsymmetricSignature:    AlgorithmRsaSha1,
		AsymmetricEncryption:   AlgorithmRsa15,
		SymmetricSignature:     AlgorithmHmacSha1,
		SymmetricEncryption:    AlgorithmAes128Cbc,
		KeyDerivation:          AlgorithmPSha1,
		SignatureKeyLength:     16,
		EncryptionKeyLength:    16,
		EncryptionBlockSize:    16,
		SymmetricSignatureSize: sha1.Size,
		NonceLength:            16,
		MinAsymmetricKeyLength: 1024,
		MaxAsymmetricKeyLength: 2048,
		asymHash:               crypto.SHA1,
		padding:                paddingPKCS1v15,
		hmacHash:               sha1.New,
		prfHash:                sha1.New,
	},
	opcua.SecurityPolicyBasic256: {
		URI:                    opcua.SecurityPolicyBasic256,
		AsymmetricSignature:    AlgorithmRsaSha1,
		AsymmetricEncryption:   AlgorithmRsaOaep,
		SymmetricSignature:     AlgorithmHmacSha1,
		SymmetricEncryption:    AlgorithmAes256Cbc,
		KeyDerivation:          AlgorithmPSha1,
		SignatureKeyLength:     24,
		EncryptionKeyLength:    32,
		EncryptionBlockSize:    16,
		SymmetricSignatureSize: sha1.Size,
		NonceLength:            32,
		MinAsymmetricKeyLength: 1024,
		MaxAsymmetricKeyLength: 2048,
		asymHash:               crypto.SHA1,
		padding:                paddingOAEPSHA1,
		hmacHash:               sha1.New,
		prfHash:                sha1.New,
	},
	opcua.SecurityPolicyBasic256Sha256: {
		URI:                    opcua.SecurityPolicyBasic256Sha256,
		AsymmetricSignature:    AlgorithmRsaSha256,
		AsymmetricEncryption:   AlgorithmRsaOaep,
		SymmetricSignature:     AlgorithmHmacSha256,
		SymmetricEncryption:    AlgorithmAes256Cbc,
		KeyDerivation:          AlgorithmPSha256,
		SignatureKeyLength:     32,
		EncryptionKeyLength:    32,
		EncryptionBlockSize:    16,
		SymmetricSignatureSize: sha256.Size,
		NonceLength:            32,
		MinAsymmetricKeyLength: 2048,
		MaxAsymmetricKeyLength: 4096,
		asymHash:               crypto.SHA256,
		padding:                paddingOAEPSHA1,
		hmacHash:               sha256.New,
		prfHash:                sha256.New,
	},
	opcua.SecurityPolicyAes128Sha256RsaOaep: {
		URI:                    opcua.SecurityPolicyAes128Sha256RsaOaep,
		AsymmetricSignature:    AlgorithmRsaSha256,
		AsymmetricEncryption:   AlgorithmRsaOaep,
		SymmetricSignature:     AlgorithmHmacSha256,
		SymmetricEncryption:    AlgorithmAes128Cbc,
		KeyDerivation:          AlgorithmPSha256,
		SignatureKeyLength:     32,
		EncryptionKeyLength:    16,
		EncryptionBlockSize:    16,
		SymmetricSignatureSize: sha256.Size,
		NonceLength:            32,
		MinAsymmetricKeyLength: 2048,
		MaxAsymmetricKeyLength: 4096,
		asymHash:               crypto.SHA256,
		padding:                paddingOAEPSHA1,
		hmacHash:               sha256.New,
		prfHash:                sha256.New,
	},
	opcua.SecurityPolicyAes256Sha256RsaPss: {
		URI:                    opcua.SecurityPolicyAes256Sha256RsaPss,
		AsymmetricSignature:    AlgorithmRsaPssSha256,
		AsymmetricEncryption:   AlgorithmRsaOaepSha256,
		SymmetricSignature:     AlgorithmHmacSha256,
		SymmetricEncryption:    AlgorithmAes256Cbc,
		KeyDerivation:          AlgorithmPSha256,
		SignatureKeyLength:     32,
		EncryptionKeyLength:    32,
		EncryptionBlockSize:    16,
		SymmetricSignatureSize: sha256.Size,
		NonceLength:            32,
		MinAsymmetricKeyLength: 2048,
		MaxAsymmetricKeyLength: 4096,
		asymHash:               crypto.SHA256,
		pss:                    true,
		padding:                paddingOAEPSHA256,
		hmacHash:               sha256.New,
		prfHash:                sha256.New,
	},
}

// PolicyFor returns the algorithms of a security policy.
func PolicyFor(uri opcua.SecurityPolicy) (*Policy, error) {
	p, ok := policies[uri]
	if !ok {
		return nil, fmt.Errorf("%w: %s", opcua.ErrSecurityPolicyNotSupported, uri)
	}
	return p, nil
}

// IsNone reports whether the policy applies no security.
func (p *Policy) IsNone() bool {
	return p.URI == opcua.SecurityPolicyNone
}

// NewNonce returns a random nonce of the policy's nonce length, or nil for
// the None policy.
func (p *Policy) NewNonce() ([]byte, error) {
	if p.IsNone() {
		return nil, nil
	}
	b := make([]byte, p.NonceLength)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("uasc: nonce: %w", err)
	}
	return b, nil
}

// CheckKey verifies that an RSA key length is allowed by the policy.
func (p *Policy) CheckKey(pub *rsa.PublicKey) error {
	bits := pub.N.BitLen()
	if bits < p.MinAsymmetricKeyLength || bits > p.MaxAsymmetricKeyLength {
		return fmt.Errorf("%w: %d bit key outside %d..%d for %s", opcua.ErrSecurityChecksFailed,
			bits, p.MinAsymmetricKeyLength, p.MaxAsymmetricKeyLength, p.URI.ShortName())
	}
	return nil
}

// DeriveKeys derives one direction's symmetric keys from a nonce pair.
func (p *Policy) DeriveKeys(secret, seed []byte) (*KeySet, error) {
	n := p.SignatureKeyLength + p.EncryptionKeyLength + p.EncryptionBlockSize
	b := PSHA(p.prfHash, secret, seed, n)
	return newKeySet(p,
		b[:p.SignatureKeyLength],
		b[p.SignatureKeyLength:p.SignatureKeyLength+p.EncryptionKeyLength],
		b[p.SignatureKeyLength+p.EncryptionKeyLength:])
}

// AsymmetricSign signs data with the local private key.
func (p *Policy) AsymmetricSign(key *rsa.PrivateKey, data []byte) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: no private key", opcua.ErrCertificateRequired)
	}
	h := p.asymHash.New()
	h.Write(data)
	digest := h.Sum(nil)

	var (
		sig []byte
		err error
	)
	if p.pss {
		sig, err = rsa.SignPSS(rand.Reader, key, p.asymHash, digest, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	} else {
		sig, err = rsa.SignPKCS1v15(rand.Reader, key, p.asymHash, digest)
	}
	if err != nil {
		return nil, fmt.Errorf("uasc: signing failed: %w", err)
	}
	return sig, nil
}

// AsymmetricVerify checks a signature made with the remote private key.
func (p *Policy) AsymmetricVerify(pub *rsa.PublicKey, data, sig []byte) error {
	h := p.asymHash.New()
	h.Write(data)
	digest := h.Sum(nil)

	var err error
	if p.pss {
		err = rsa.VerifyPSS(pub, p.asymHash, digest, sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	} else {
		err = rsa.VerifyPKCS1v15(pub, p.asymHash, digest, sig)
	}
	if err != nil {
		return fmt.Errorf("%w: asymmetric signature: %v", opcua.ErrSecurityChecksFailed, err)
	}
	return nil
}

// PlainTextBlockSize returns how many plaintext bytes fit in one RSA block
// for pub.
func (p *Policy) PlainTextBlockSize(pub *rsa.PublicKey) int {
	return pub.Size() - p.padding.overhead()
}

// AsymmetricEncrypt encrypts data block by block with the remote public key.
func (p *Policy) AsymmetricEncrypt(pub *rsa.PublicKey, data []byte) ([]byte, error) {
	block := p.PlainTextBlockSize(pub)
	out := make([]byte, 0, (len(data)+block-1)/block*pub.Size())
	for i := 0; i < len(data); i += block {
		end := min(i+block, len(data))

		var (
			c   []byte
			err error
		)
		switch p.padding {
		case paddingPKCS1v15:
			c, err = rsa.EncryptPKCS1v15(rand.Reader, pub, data[i:end])
		case paddingOAEPSHA1:
			c, err = rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, data[i:end], nil)
		case paddingOAEPSHA256:
			c, err = rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, data[i:end], nil)
		}
		if err != nil {
			return nil, fmt.Errorf("uasc: encryption failed: %w", err)
		}
		out = append(out, c...)
	}
	return out, nil
}

// AsymmetricDecrypt decrypts data block by block with the local private key.
func (p *Policy) AsymmetricDecrypt(key *rsa.PrivateKey, data []byte) ([]byte, error) {
	size := key.Size()
	if len(data)%size != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a multiple of %d",
			opcua.ErrSecurityChecksFailed, len(data), size)
	}
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i += size {
		var (
			b   []byte
			err error
		)
		switch p.padding {
		case paddingPKCS1v15:
			b, err = rsa.DecryptPKCS1v15(rand.Reader, key, data[i:i+size])
		case paddingOAEPSHA1:
			b, err = rsa.DecryptOAEP(sha1.New(), rand.Reader, key, data[i:i+size], nil)
		case paddingOAEPSHA256:
			b, err = rsa.DecryptOAEP(sha256.New(), rand.Reader, key, data[i:i+size], nil)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: decryption failed", opcua.ErrSecurityChecksFailed)
		}
		out = append(out, b...)
	}
	return out, nil
}

// PSHA is the P_SHA pseudo random function of RFC 5246 used to derive
// symmetric keys, built on the HMAC of newHash.
func PSHA(newHash func() hash.Hash, secret, seed []byte, length int) []byte {
	out := make([]byte, 0, length+newHash().Size())
	a := seed
	for len(out) < length {
		m := hmac.New(newHash, secret)
		m.Write(a)
		a = m.Sum(nil)

		m = hmac.New(newHash, secret)
		m.Write(a)
		m.Write(seed)
		out = m.Sum(out)
	}
	return out[:length]
}
