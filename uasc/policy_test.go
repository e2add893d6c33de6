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
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	opcua "github.com/edgeo-scada/opcua-uasc"
)

// identity is a generated application certificate used by the tests.
type identity struct {
	cert []byte
	key  *rsa.PrivateKey
}

var (
	identityMu sync.Mutex
	identities = map[string]identity{}
)

func testIdentity(t *testing.T, name string, bits int) identity {
	t.Helper()
	identityMu.Lock()
	defer identityMu.Unlock()

	if id, ok := identities[name]; ok {
		return id
	}
	certPEM, keyPEM, err := GenerateCertificate(CertificateTemplate{
		CommonName:     name,
		Organization:   "Edgeo",
		ApplicationURI: "urn:edgeo:test:" + name,
		Hosts:          []string{"localhost", "127.0.0.1"},
		KeyBits:        bits,
	})
	require.NoError(t, err)
	_, der, err := LoadCertificate(certPEM)
	require.NoError(t, err)
	key, err := LoadPrivateKey(keyPEM)
	require.NoError(t, err)

	id := identity{cert: der, key: key}
	identities[name] = id
	return id
}

func TestPSHA(t *testing.T) {
	require := require.New(t)

	secret := []byte("server nonce bytes")
	seed := []byte("client nonce bytes")

	a1 := hmac.New(sha256.New, secret)
	a1.Write(seed)
	m := hmac.New(sha256.New, secret)
	m.Write(a1.Sum(nil))
	m.Write(seed)
	first := m.Sum(nil)

	out := PSHA(sha256.New, secret, seed, 80)
	require.Len(out, 80)
	require.Equal(first, out[:sha256.Size])
	require.Equal(out[:40], PSHA(sha256.New, secret, seed, 40))
}

func TestPolicy_DeriveKeys(t *testing.T) {
	tests := []struct {
		policy       opcua.SecurityPolicy
		sig, enc, iv int
	}{
		{opcua.SecurityPolicyBasic128Rsa15, 16, 16, 16},
		{opcua.SecurityPolicyBasic256, 24, 32, 16},
		{opcua.SecurityPolicyBasic256Sha256, 32, 32, 16},
		{opcua.SecurityPolicyAes128Sha256RsaOaep, 32, 16, 16},
		{opcua.SecurityPolicyAes256Sha256RsaPss, 32, 32, 16},
	}
	for _, tt := range tests {
		t.Run(tt.policy.ShortName(), func(t *testing.T) {
			require := require.New(t)

			p, err := PolicyFor(tt.policy)
			require.NoError(err)
			clientNonce, err := p.NewNonce()
			require.NoError(err)
			serverNonce, err := p.NewNonce()
			require.NoError(err)
			require.Len(clientNonce, p.NonceLength)

			k, err := p.DeriveKeys(serverNonce, clientNonce)
			require.NoError(err)
			require.Len(k.SigningKey, tt.sig)
			require.Len(k.EncryptionKey, tt.enc)
			require.Len(k.IV, tt.iv)

			other, err := p.DeriveKeys(clientNonce, serverNonce)
			require.NoError(err)
			require.NotEqual(k.SigningKey, other.SigningKey)

			k.Wipe()
			require.Equal(make([]byte, tt.sig), k.SigningKey)
		})
	}
}

func TestPolicyFor_Unknown(t *testing.T) {
	_, err := PolicyFor("http://example.com/policy#Nope")
	require.ErrorIs(t, err, opcua.ErrSecurityPolicyNotSupported)

	p, err := PolicyFor(opcua.SecurityPolicyNone)
	require.NoError(t, err)
	require.True(t, p.IsNone())
	nonce, err := p.NewNonce()
	require.NoError(t, err)
	require.Nil(t, nonce)
}

func TestPolicy_Asymmetric(t *testing.T) {
	alice := testIdentity(t, "alice", 2048)
	bob := testIdentity(t, "bob", 2048)

	for _, uri := range []opcua.SecurityPolicy{
		opcua.SecurityPolicyBasic128Rsa15,
		opcua.SecurityPolicyBasic256,
		opcua.SecurityPolicyBasic256Sha256,
		opcua.SecurityPolicyAes128Sha256RsaOaep,
		opcua.SecurityPolicyAes256Sha256RsaPss,
	} {
		t.Run(uri.ShortName(), func(t *testing.T) {
			require := require.New(t)

			p, err := PolicyFor(uri)
			require.NoError(err)
			require.NoError(p.CheckKey(&alice.key.PublicKey))

			data := make([]byte, 700)
			for i := range data {
				data[i] = byte(i)
			}

			sig, err := p.AsymmetricSign(alice.key, data)
			require.NoError(err)
			require.Len(sig, alice.key.Size())
			require.NoError(p.AsymmetricVerify(&alice.key.PublicKey, data, sig))
			require.ErrorIs(p.AsymmetricVerify(&bob.key.PublicKey, data, sig), opcua.ErrSecurityChecksFailed)

			enc, err := p.AsymmetricEncrypt(&bob.key.PublicKey, data)
			require.NoError(err)
			require.Zero(len(enc) % bob.key.Size())
			plain, err := p.AsymmetricDecrypt(bob.key, enc)
			require.NoError(err)
			require.Equal(data, plain)

			if p.padding != paddingPKCS1v15 {
				_, err = p.AsymmetricDecrypt(alice.key, enc)
				require.ErrorIs(err, opcua.ErrSecurityChecksFailed)
			}
		})
	}
}

func TestPolicy_Secret(t *testing.T) {
	require := require.New(t)
	server := testIdentity(t, "server", 2048)

	p, err := PolicyFor(opcua.SecurityPolicyBasic256Sha256)
	require.NoError(err)
	nonce, err := p.NewNonce()
	require.NoError(err)

	enc, err := p.EncryptSecret(&server.key.PublicKey, []byte("s3cret"), nonce)
	require.NoError(err)

	got, err := p.DecryptSecret(server.key, enc, nonce)
	require.NoError(err)
	require.Equal([]byte("s3cret"), got)

	other, err := p.NewNonce()
	require.NoError(err)
	_, err = p.DecryptSecret(server.key, enc, other)
	require.ErrorIs(err, opcua.ErrSecurityChecksFailed)
}

func TestPolicy_SignatureData(t *testing.T) {
	require := require.New(t)
	client := testIdentity(t, "client", 2048)

	p, err := PolicyFor(opcua.SecurityPolicyBasic256Sha256)
	require.NoError(err)

	data := append([]byte("server certificate"), []byte("server nonce")...)
	sig, err := p.Sign(client.key, data)
	require.NoError(err)
	require.Equal(AlgorithmRsaSha256, sig.Algorithm)
	require.NoError(p.VerifySignature(client.cert, data, sig))

	sig.Algorithm = AlgorithmRsaSha1
	require.ErrorIs(p.VerifySignature(client.cert, data, sig), opcua.ErrSecurityChecksFailed)

	none, err := PolicyFor(opcua.SecurityPolicyNone)
	require.NoError(err)
	empty, err := none.Sign(nil, data)
	require.NoError(err)
	require.Empty(empty.Signature)
}

func TestGenerateCertificate(t *testing.T) {
	require := require.New(t)

	certPEM, keyPEM, err := GenerateCertificate(CertificateTemplate{
		CommonName:     "edgeo",
		ApplicationURI: "urn:edgeo:opcua:client",
		Hosts:          []string{"plc.local", "10.0.0.1"},
		KeyBits:        2048,
	})
	require.NoError(err)

	cert, der, err := LoadCertificate(certPEM)
	require.NoError(err)
	require.Equal("edgeo", cert.Subject.CommonName)
	require.Len(cert.URIs, 1)
	require.Equal("urn:edgeo:opcua:client", cert.URIs[0].String())
	require.Equal([]string{"plc.local"}, cert.DNSNames)
	require.Len(cert.IPAddresses, 1)
	require.Len(Thumbprint(der), 20)

	key, err := LoadPrivateKey(keyPEM)
	require.NoError(err)
	pub, err := PublicKey(der)
	require.NoError(err)
	require.True(pub.Equal(&key.PublicKey))

	_, err = PublicKey(nil)
	require.ErrorIs(err, opcua.ErrCertificateRequired)
}
