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
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"time"

	opcua "github.com/edgeo-scada/opcua-uasc"
)

// LoadCertificate loads a certificate from PEM encoded bytes. DER input is
// accepted as well.
func LoadCertificate(data []byte) (*x509.Certificate, []byte, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, nil, fmt.Errorf("expected CERTIFICATE, got %s", block.Type)
		}
		der = block.Bytes
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, der, nil
}

// LoadPrivateKey loads an RSA private key from PEM encoded bytes.
func LoadPrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS1 private key: %w", err)
		}
		return key, nil

	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS8 private key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
		return rsaKey, nil

	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
}

// Thumbprint computes the SHA-1 thumbprint of a DER encoded certificate.
func Thumbprint(derCert []byte) []byte {
	h := sha1.Sum(derCert)
	return h[:]
}

// PublicKey returns the RSA public key of a DER encoded certificate.
func PublicKey(derCert []byte) (*rsa.PublicKey, error) {
	if len(derCert) == 0 {
		return nil, opcua.ErrCertificateRequired
	}
	cert, err := x509.ParseCertificate(derCert)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", opcua.ErrSecurityChecksFailed, err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: certificate does not contain an RSA public key", opcua.ErrSecurityChecksFailed)
	}
	return pub, nil
}

// CertificateTemplate describes a self-signed application instance
// certificate.
type CertificateTemplate struct {
	CommonName     string
	Organization   string
	ApplicationURI string
	Hosts          []string
	KeyBits        int
	Validity       time.Duration
}

// GenerateCertificate creates a self-signed application instance
// certificate and returns it with its key, both PEM encoded.
func GenerateCertificate(t CertificateTemplate) (certPEM, keyPEM []byte, err error) {
	if t.KeyBits == 0 {
		t.KeyBits = 2048
	}
	if t.Validity == 0 {
		t.Validity = 365 * 24 * time.Hour
	}

	key, err := rsa.GenerateKey(rand.Reader, t.KeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("serial number: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   t.CommonName,
			Organization: []string{t.Organization},
		},
		NotBefore: now.Add(-time.Hour),
		NotAfter:  now.Add(t.Validity),
		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment |
			x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	if t.ApplicationURI != "" {
		u, err := url.Parse(t.ApplicationURI)
		if err != nil {
			return nil, nil, fmt.Errorf("application uri: %w", err)
		}
		tmpl.URIs = []*url.URL{u}
	}
	for _, h := range t.Hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM, nil
}
