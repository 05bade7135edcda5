package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Leaves are capped below the 398-day limit browsers enforce for publicly
// trusted certificates, minus a one-day margin.
const leafValidity = 397 * 24 * time.Hour

// Issuer mints per-hostname leaf certificates signed by the CA and caches
// them for the process lifetime. Concurrent requests for the same hostname
// are collapsed into a single signing operation.
type Issuer struct {
	ca     *CA
	mu     sync.RWMutex
	cache  map[string]*tls.Certificate
	group  singleflight.Group
	minted atomic.Int64
}

// NewIssuer creates a leaf issuer backed by the given CA.
func NewIssuer(ca *CA) *Issuer {
	return &Issuer{
		ca:    ca,
		cache: make(map[string]*tls.Certificate),
	}
}

// GetOrMint returns the cached certificate for hostname, minting it on first
// use. The returned chain is [leaf, ca] so clients see the issuer during the
// handshake. A mint failure leaves the cache untouched, so a later request
// retries.
func (is *Issuer) GetOrMint(hostname string) (*tls.Certificate, error) {
	is.mu.RLock()
	cached, ok := is.cache[hostname]
	is.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := is.group.Do(hostname, func() (interface{}, error) {
		is.mu.RLock()
		cached, ok := is.cache[hostname]
		is.mu.RUnlock()
		if ok {
			return cached, nil
		}

		minted, err := is.mint(hostname)
		if err != nil {
			return nil, err
		}

		is.mu.Lock()
		is.cache[hostname] = minted
		is.mu.Unlock()
		return minted, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

// GetCertificate implements the tls.Config callback. The SNI hostname picks
// the identity; fallbackHost is used for clients that send no SNI.
func (is *Issuer) GetCertificate(fallbackHost string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		host := hello.ServerName
		if host == "" {
			host = fallbackHost
		}
		return is.GetOrMint(host)
	}
}

// Minted returns how many leaf certificates have been signed so far.
func (is *Issuer) Minted() int64 {
	return is.minted.Load()
}

func (is *Issuer) mint(hostname string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate leaf key for %s: %w", hostname, err)
	}

	now := time.Now()
	template := x509.Certificate{
		Subject: pkix.Name{
			CommonName:   hostname,
			Organization: []string{"HTTPScope"},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(leafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(hostname); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{hostname}
	}

	der, err := is.ca.Sign(&template, &key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to mint leaf for %s: %w", hostname, err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse minted leaf for %s: %w", hostname, err)
	}

	is.minted.Add(1)

	return &tls.Certificate{
		Certificate: [][]byte{der, is.ca.Certificate().Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}
