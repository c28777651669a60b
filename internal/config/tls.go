package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"
)

// BuildTLS turns the TLS file material into a *tls.Config for the broker
// dial. Returns nil when TLS is disabled.
func (c *Config) BuildTLS() (*tls.Config, error) {
	if !c.TLS.Enabled {
		return nil, nil
	}

	tc := &tls.Config{MinVersion: tls.VersionTLS12}

	if c.TLS.CAFile != "" {
		pem, err := os.ReadFile(c.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca file %s: no certificates found", c.TLS.CAFile)
		}
		tc.RootCAs = pool
	}

	if c.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}

	if c.TLS.CRLFile != "" {
		der, err := os.ReadFile(c.TLS.CRLFile)
		if err != nil {
			return nil, fmt.Errorf("read crl file: %w", err)
		}
		crl, err := x509.ParseRevocationList(der)
		if err != nil {
			return nil, fmt.Errorf("parse crl file: %w", err)
		}
		tc.VerifyPeerCertificate = revocationCheck(crl)
	}

	return tc, nil
}

// revocationCheck rejects peers whose leaf certificate serial appears in
// the revocation list. The standard verifier has no CRL hook, so this runs
// after chain validation.
func revocationCheck(crl *x509.RevocationList) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if !crl.NextUpdate.IsZero() && time.Now().After(crl.NextUpdate) {
			return fmt.Errorf("revocation list expired at %s", crl.NextUpdate)
		}
		if len(rawCerts) == 0 {
			return nil
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("parse peer certificate: %w", err)
		}
		for _, revoked := range crl.RevokedCertificateEntries {
			if revoked.SerialNumber != nil && revoked.SerialNumber.Cmp(leaf.SerialNumber) == 0 {
				return fmt.Errorf("peer certificate serial %s is revoked", leaf.SerialNumber)
			}
		}
		return nil
	}
}
