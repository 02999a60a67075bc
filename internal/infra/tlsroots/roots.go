package tlsroots

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrNoCertsFound is returned when no certificates are found in a PEM file.
	ErrNoCertsFound = errors.New("tlsroots: no certificates found in PEM file")

	// ErrNoPeerCertificate is returned when a connection carries no verified
	// client certificate.
	ErrNoPeerCertificate = errors.New("tlsroots: no peer certificate")
)

// Pool manages a pool of trusted client CA certificates.
type Pool struct {
	certPool *x509.CertPool
	count    int
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{certPool: x509.NewCertPool()}
}

// LoadPool creates a pool from the CA certificates in a PEM file.
func LoadPool(caFile string) (*Pool, error) {
	p := NewPool()
	if err := p.AddCertFile(caFile); err != nil {
		return nil, err
	}
	return p, nil
}

// AddCertFile adds certificates from a PEM file.
// Multiple certificates in the same file are supported.
func (p *Pool) AddCertFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("tlsroots: read cert file %s: %w", path, err)
	}
	return p.AddCertPEM(data)
}

// AddCertPEM adds certificates from PEM-encoded data.
func (p *Pool) AddCertPEM(pemData []byte) error {
	var added int

	for len(pemData) > 0 {
		var block *pem.Block
		block, pemData = pem.Decode(pemData)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return fmt.Errorf("tlsroots: parse certificate: %w", err)
		}
		p.AddCert(cert)
		added++
	}

	if added == 0 {
		return ErrNoCertsFound
	}
	return nil
}

// AddCert adds a certificate directly.
func (p *Pool) AddCert(cert *x509.Certificate) {
	p.certPool.AddCert(cert)
	p.count++
}

// Len returns the number of certificates added.
func (p *Pool) Len() int {
	return p.count
}

// Pool returns the underlying x509.CertPool.
func (p *Pool) Pool() *x509.CertPool {
	return p.certPool
}

// ServerConfig builds a server config that requires and verifies a client
// certificate signed by clientCAs. The certificate is served by getCert so
// it can be swapped without restarting the listener.
func ServerConfig(clientCAs *x509.CertPool, getCert func(*tls.ClientHelloInfo) (*tls.Certificate, error)) *tls.Config {
	return &tls.Config{
		ClientCAs:      clientCAs,
		ClientAuth:     tls.RequireAndVerifyClientCert,
		GetCertificate: getCert,
		MinVersion:     tls.VersionTLS12,
	}
}

// StaticServerConfig loads a key pair and CA file once and returns a
// server mTLS config.
func StaticServerConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	pool, err := LoadPool(caFile)
	if err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("tlsroots: load key pair: %w", err)
	}
	return ServerConfig(pool.Pool(), func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		return &cert, nil
	}), nil
}

// PeerIdentity returns the verified client's identity: the leaf subject
// common name, else its first DNS name.
func PeerIdentity(state tls.ConnectionState) (string, error) {
	if len(state.PeerCertificates) == 0 {
		return "", ErrNoPeerCertificate
	}
	leaf := state.PeerCertificates[0]
	if leaf.Subject.CommonName != "" {
		return leaf.Subject.CommonName, nil
	}
	if len(leaf.DNSNames) > 0 {
		return leaf.DNSNames[0], nil
	}
	return "", nil
}
