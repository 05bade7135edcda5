package cert

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const caValidity = 10 * 365 * 24 * time.Hour

// CA is the root signing identity. The key is loaded once at startup and is
// read-only afterwards; signing never mutates it, so no lock is needed.
type CA struct {
	certPath string
	caCert   *x509.Certificate
	caKey    *ecdsa.PrivateKey
}

// NewCA loads the CA pair from the given paths, or generates and persists a
// fresh one when either file is absent. Files that exist but do not parse
// are an error and are never overwritten.
func NewCA(certPath, keyPath string) (*CA, error) {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	if os.IsNotExist(certErr) || os.IsNotExist(keyErr) {
		return createCA(certPath, keyPath)
	}
	return loadCA(certPath, keyPath)
}

// createCA generates a new ECDSA P-256 root and writes both PEM files
// atomically. The key file is created with owner-only permissions before it
// reaches its final name.
func createCA(certPath, keyPath string) (*CA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA private key: %w", err)
	}

	serial, err := NewSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "HTTPScope Proxy CA",
			Organization: []string{"HTTPScope"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}

	caCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CA private key: %w", err)
	}

	if err := writePEMFile(keyPath, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write CA private key: %w", err)
	}
	if err := writePEMFile(certPath, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write CA certificate: %w", err)
	}

	return &CA{certPath: certPath, caCert: caCert, caKey: key}, nil
}

// loadCA reads an existing CA pair from disk.
func loadCA(certPath, keyPath string) (*CA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("CA certificate %s is not a PEM CERTIFICATE block", certPath)
	}
	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA private key: %w", err)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("CA private key %s is not a PEM block", keyPath)
	}

	var key *ecdsa.PrivateKey
	switch keyBlock.Type {
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(keyBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse CA private key: %w", err)
		}
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse CA private key: %w", err)
		}
		ecKey, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("CA private key %s is not an ECDSA key", keyPath)
		}
		key = ecKey
	default:
		return nil, fmt.Errorf("unsupported CA key PEM block %q in %s", keyBlock.Type, keyPath)
	}

	return &CA{certPath: certPath, caCert: caCert, caKey: key}, nil
}

// Sign issues a certificate for the given template and public key. A fresh
// random serial is drawn when the template carries none. Safe for concurrent
// use.
func (ca *CA) Sign(template *x509.Certificate, pub crypto.PublicKey) ([]byte, error) {
	if template.SerialNumber == nil {
		serial, err := NewSerial()
		if err != nil {
			return nil, err
		}
		template.SerialNumber = serial
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.caCert, pub, ca.caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign certificate: %w", err)
	}
	return der, nil
}

// Certificate returns the root certificate, used for chain building and for
// verification in tests.
func (ca *CA) Certificate() *x509.Certificate {
	return ca.caCert
}

// CertPath returns the location of the PEM certificate so an external
// installer can add it to the OS trust store.
func (ca *CA) CertPath() string {
	return ca.certPath
}

// NewSerial draws a random 128-bit certificate serial number.
func NewSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}

// writePEMFile writes a PEM block via a temporary file and rename so a crash
// never leaves a half-written certificate or key behind.
func writePEMFile(path string, block *pem.Block, perm os.FileMode) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if err := pem.Encode(f, block); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
