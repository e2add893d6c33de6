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


package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/opcua-uasc/uasc"
)

var (
	certOutput    string
	keyOutput     string
	certName      string
	certOrg       string
	certAppURI    string
	certHosts     string
	certValidDays int
	certKeySize   int
)

var gencertCmd = &cobra.Command{
	Use:   "gencert",
	Short: "Generate a self-signed application instance certificate",
	Long: `Generate a self-signed X.509 certificate and RSA private key usable by
both the client and the serve command.

The certificate carries the application URI as a URI subject alternative
name and the key usages needed for asymmetric signing and encryption.

Examples:
  edgeo-opcua gencert
  edgeo-opcua gencert --out ./pki/server.pem --key-out ./pki/server-key.pem --app-uri urn:plant:server
  edgeo-opcua gencert --hosts "localhost,127.0.0.1,plc1.local" --key-size 4096`,
	RunE: runGencert,
}

func init() {
	f := gencertCmd.Flags()
	f.StringVar(&certOutput, "out", "cert.pem", "Output path for the certificate")
	f.StringVar(&keyOutput, "key-out", "key.pem", "Output path for the private key")
	f.StringVar(&certName, "cn", "edgeo-opcua", "Subject common name")
	f.StringVar(&certOrg, "org", "Edgeo SCADA", "Organization name")
	f.StringVar(&certAppURI, "app-uri", "urn:edgeo:opcua", "OPC UA application URI")
	f.StringVar(&certHosts, "hosts", "localhost,127.0.0.1", "Comma-separated DNS names and IP addresses")
	f.IntVar(&certValidDays, "days", 365, "Certificate validity in days")
	f.IntVar(&certKeySize, "key-size", 2048, "RSA key size in bits (2048 or 4096)")
}

func runGencert(cmd *cobra.Command, args []string) error {
	if certKeySize != 2048 && certKeySize != 4096 {
		return fmt.Errorf("key size must be 2048 or 4096, got %d", certKeySize)
	}
	if certValidDays <= 0 {
		return fmt.Errorf("validity must be positive, got %d days", certValidDays)
	}

	var hosts []string
	for _, h := range strings.Split(certHosts, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}

	certPEM, keyPEM, err := uasc.GenerateCertificate(uasc.CertificateTemplate{
		CommonName:     certName,
		Organization:   certOrg,
		ApplicationURI: certAppURI,
		Hosts:          hosts,
		KeyBits:        certKeySize,
		Validity:       time.Duration(certValidDays) * 24 * time.Hour,
	})
	if err != nil {
		return err
	}

	if err := writePEM(certOutput, certPEM, 0o644); err != nil {
		return err
	}
	if err := writePEM(keyOutput, keyPEM, 0o600); err != nil {
		return err
	}

	cert, der, err := uasc.LoadCertificate(certPEM)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Certificate: %s\n", certOutput)
	fmt.Fprintf(out, "Private Key: %s\n", keyOutput)
	fmt.Fprintf(out, "  Subject:         %s\n", cert.Subject)
	fmt.Fprintf(out, "  Application URI: %s\n", certAppURI)
	fmt.Fprintf(out, "  Valid Until:     %s\n", cert.NotAfter.Format(time.RFC3339))
	fmt.Fprintf(out, "  Key Size:        %d bits\n", certKeySize)
	fmt.Fprintf(out, "  Thumbprint:      %x\n", uasc.Thumbprint(der))
	return nil
}

func writePEM(path string, data []byte, perm os.FileMode) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
