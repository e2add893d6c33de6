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

package server

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	opcua "github.com/edgeo-scada/opcua-uasc"
	"github.com/edgeo-scada/opcua-uasc/uasc"
)

// userTokenPolicies lists the identities an endpoint accepts. On an
// unsecured endpoint secrets are encrypted with Basic256Sha256 when the
// server has a certificate.
func (s *Server) userTokenPolicies(ep uasc.EndpointSecurity) []opcua.UserTokenPolicy {
	secretPolicy := ""
	if ep.Policy == opcua.SecurityPolicyNone && len(s.cert) > 0 {
		secretPolicy = string(opcua.SecurityPolicyBasic256Sha256)
	}
	return []opcua.UserTokenPolicy{
		{PolicyID: "anonymous", TokenType: opcua.UserTokenTypeAnonymous},
		{PolicyID: "username", TokenType: opcua.UserTokenTypeUserName, SecurityPolicyURI: secretPolicy},
		{PolicyID: "certificate", TokenType: opcua.UserTokenTypeCertificate, SecurityPolicyURI: secretPolicy},
		{PolicyID: "issued", TokenType: opcua.UserTokenTypeIssuedToken, SecurityPolicyURI: secretPolicy},
	}
}

// tokenPolicy returns the policy protecting secrets of the user token
// policy id on ch.
func (s *Server) tokenPolicy(ch *uasc.SecureChannel, policyID string) (*uasc.Policy, error) {
	ep := uasc.EndpointSecurity{Policy: ch.SecurityPolicy().URI, Mode: ch.SecurityMode()}
	for _, utp := range s.userTokenPolicies(ep) {
		if utp.PolicyID == policyID && utp.SecurityPolicyURI != "" {
			return uasc.PolicyFor(opcua.SecurityPolicy(utp.SecurityPolicyURI))
		}
	}
	return ch.SecurityPolicy(), nil
}

// identify checks the user identity token of an ActivateSession request
// and returns a name for the user.
func (s *Server) identify(ch *uasc.SecureChannel, nonce []byte, eo *opcua.ExtensionObject, sig opcua.SignatureData) (string, error) {
	v := s.opts.userValidator

	var tok opcua.Message
	if eo != nil {
		tok = eo.Value
	}
	switch t := tok.(type) {
	case nil, *opcua.AnonymousIdentityToken:
		if v != nil {
			if err := v.ValidateAnonymous(); err != nil {
				return "", fmt.Errorf("%w: %w", opcua.StatusBadIdentityTokenRejected, err)
			}
		}
		return "anonymous", nil

	case *opcua.UserNameIdentityToken:
		pw, err := s.secret(ch, t.PolicyID, t.Password, t.EncryptionAlgorithm, nonce)
		if err != nil {
			return "", err
		}
		if v != nil {
			if err := v.ValidateUserPassword(t.UserName, string(pw)); err != nil {
				return "", fmt.Errorf("%w: %w", opcua.StatusBadUserAccessDenied, err)
			}
		}
		return t.UserName, nil

	case *opcua.X509IdentityToken:
		p, err := s.tokenPolicy(ch, t.PolicyID)
		if err != nil {
			return "", opcua.StatusBadIdentityTokenInvalid
		}
		if p.IsNone() {
			if p, err = uasc.PolicyFor(opcua.SecurityPolicyBasic256Sha256); err != nil {
				return "", err
			}
		}
		if err := p.VerifySignature(t.CertificateData, concat(s.cert, nonce), sig); err != nil {
			return "", fmt.Errorf("%w: %w", opcua.StatusBadUserSignatureInvalid, err)
		}
		if v != nil {
			if err := v.ValidateCertificate(t.CertificateData); err != nil {
				return "", fmt.Errorf("%w: %w", opcua.StatusBadIdentityTokenRejected, err)
			}
		}
		sum := sha1.Sum(t.CertificateData)
		return "x509:" + hex.EncodeToString(sum[:]), nil

	case *opcua.IssuedIdentityToken:
		data, err := s.secret(ch, t.PolicyID, t.TokenData, t.EncryptionAlgorithm, nonce)
		if err != nil {
			return "", err
		}
		iv, ok := v.(IssuedTokenValidator)
		if !ok {
			return "", opcua.StatusBadIdentityTokenRejected
		}
		if err := iv.ValidateIssuedToken(data); err != nil {
			return "", fmt.Errorf("%w: %w", opcua.StatusBadIdentityTokenRejected, err)
		}
		sum := sha1.Sum(data)
		return "issued:" + hex.EncodeToString(sum[:8]), nil
	}
	return "", opcua.StatusBadIdentityTokenInvalid
}

// secret decrypts a password or issued token. Secrets without an
// encryption algorithm are plain text.
func (s *Server) secret(ch *uasc.SecureChannel, policyID string, data []byte, alg string, nonce []byte) ([]byte, error) {
	if alg == "" {
		return data, nil
	}
	p, err := s.tokenPolicy(ch, policyID)
	if err != nil || p.IsNone() || p.AsymmetricEncryption != alg || s.key == nil {
		return nil, opcua.StatusBadIdentityTokenInvalid
	}
	plain, err := p.DecryptSecret(s.key, data, nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", opcua.StatusBadIdentityTokenInvalid, err)
	}
	return plain, nil
}
