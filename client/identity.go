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

package client

import (
	"crypto/rsa"
	"fmt"

	opcua "github.com/edgeo-scada/opcua-uasc"
	"github.com/edgeo-scada/opcua-uasc/uasc"
)

// Identity is the user identity presented by ActivateSession.
type Identity interface {
	// TokenType is the user token type the identity needs a policy for.
	TokenType() opcua.UserTokenType
	token(t *tokenContext) (*opcua.ExtensionObject, opcua.SignatureData, error)
}

// tokenContext carries what an identity needs to build its token.
type tokenContext struct {
	policyID    string
	policy      *uasc.Policy
	serverCert  []byte
	serverNonce []byte
}

// secret encrypts a password or issued token for the server. The secret is
// sent in clear when the token policy is None.
func (t *tokenContext) secret(plain []byte) ([]byte, string, error) {
	if t.policy.IsNone() {
		return plain, "", nil
	}
	pub, err := uasc.PublicKey(t.serverCert)
	if err != nil {
		return nil, "", err
	}
	enc, err := t.policy.EncryptSecret(pub, plain, t.serverNonce)
	if err != nil {
		return nil, "", err
	}
	return enc, t.policy.AsymmetricEncryption, nil
}

type anonymousIdentity struct{}

// Anonymous returns the anonymous identity.
func Anonymous() Identity { return anonymousIdentity{} }

func (anonymousIdentity) TokenType() opcua.UserTokenType { return opcua.UserTokenTypeAnonymous }

func (anonymousIdentity) token(t *tokenContext) (*opcua.ExtensionObject, opcua.SignatureData, error) {
	return opcua.NewExtensionObject(&opcua.AnonymousIdentityToken{PolicyID: t.policyID}), opcua.SignatureData{}, nil
}

type userNameIdentity struct {
	user     string
	password string
}

// UserName returns a user name and password identity. The password is
// encrypted with the server certificate unless the token policy is None.
func UserName(user, password string) Identity {
	return userNameIdentity{user: user, password: password}
}

func (userNameIdentity) TokenType() opcua.UserTokenType { return opcua.UserTokenTypeUserName }

func (u userNameIdentity) token(t *tokenContext) (*opcua.ExtensionObject, opcua.SignatureData, error) {
	pw, alg, err := t.secret([]byte(u.password))
	if err != nil {
		return nil, opcua.SignatureData{}, fmt.Errorf("encrypt password: %w", err)
	}
	return opcua.NewExtensionObject(&opcua.UserNameIdentityToken{
		PolicyID:            t.policyID,
		UserName:            u.user,
		Password:            pw,
		EncryptionAlgorithm: alg,
	}), opcua.SignatureData{}, nil
}

type x509Identity struct {
	cert []byte
	key  *rsa.PrivateKey
}

// X509 returns a certificate identity. The certificate is DER encoded; the
// key signs the server certificate and nonce to prove possession.
func X509(cert []byte, key *rsa.PrivateKey) Identity {
	return x509Identity{cert: cert, key: key}
}

func (x509Identity) TokenType() opcua.UserTokenType { return opcua.UserTokenTypeCertificate }

func (x x509Identity) token(t *tokenContext) (*opcua.ExtensionObject, opcua.SignatureData, error) {
	p := t.policy
	if p.IsNone() {
		// A user certificate always signs; None falls back to the default policy.
		var err error
		if p, err = uasc.PolicyFor(opcua.SecurityPolicyBasic256Sha256); err != nil {
			return nil, opcua.SignatureData{}, err
		}
	}
	sig, err := p.Sign(x.key, concat(t.serverCert, t.serverNonce))
	if err != nil {
		return nil, opcua.SignatureData{}, fmt.Errorf("sign user token: %w", err)
	}
	return opcua.NewExtensionObject(&opcua.X509IdentityToken{
		PolicyID:        t.policyID,
		CertificateData: x.cert,
	}), sig, nil
}

type issuedIdentity struct {
	data []byte
}

// IssuedToken returns an identity carrying a token from an external
// authority, e.g. a JWT.
func IssuedToken(data []byte) Identity {
	return issuedIdentity{data: data}
}

func (issuedIdentity) TokenType() opcua.UserTokenType { return opcua.UserTokenTypeIssuedToken }

func (i issuedIdentity) token(t *tokenContext) (*opcua.ExtensionObject, opcua.SignatureData, error) {
	data, alg, err := t.secret(i.data)
	if err != nil {
		return nil, opcua.SignatureData{}, fmt.Errorf("encrypt issued token: %w", err)
	}
	return opcua.NewExtensionObject(&opcua.IssuedIdentityToken{
		PolicyID:            t.policyID,
		TokenData:           data,
		EncryptionAlgorithm: alg,
	}), opcua.SignatureData{}, nil
}

// defaultPolicyID is used when the server lists no matching token policy.
func defaultPolicyID(t opcua.UserTokenType) string {
	switch t {
	case opcua.UserTokenTypeAnonymous:
		return "anonymous"
	case opcua.UserTokenTypeUserName:
		return "username"
	case opcua.UserTokenTypeCertificate:
		return "certificate"
	case opcua.UserTokenTypeIssuedToken:
		return "issued"
	}
	return ""
}

func concat(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
