package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"

	"blobshare/pkg/types"
)

var ErrPeerMismatch = errors.New("peer identity mismatch")

// Certificate returns a self-signed TLS certificate for this key. Trust
// comes from comparing the certificate key with an expected node id, not
// from a chain.
func (k *SecretKey) Certificate() (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial: %w", err)
	}
	id := k.Public()
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: id.String()},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"blobshare"},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, k.priv.Public(), k.priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: k.priv}, nil
}

// NodeIDFromCert extracts the node id from a peer's leaf certificate.
func NodeIDFromCert(rawCerts [][]byte) (types.NodeID, error) {
	if len(rawCerts) == 0 {
		return types.NodeID{}, fmt.Errorf("no certificates provided")
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return types.NodeID{}, fmt.Errorf("failed to parse peer certificate: %w", err)
	}
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return types.NodeID{}, fmt.Errorf("peer certificate key is %T, want ed25519", cert.PublicKey)
	}
	// Leaf certificates are not CAs, so CheckSignatureFrom would refuse them
	// as their own parent. Only the signature itself matters here.
	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return types.NodeID{}, fmt.Errorf("peer certificate is not self-signed: %w", err)
	}
	return types.NodeIDFromPublicKey(pub)
}

// ServerTLSConfig accepts any client; a client certificate, when sent,
// only identifies the requester.
func (k *SecretKey) ServerTLSConfig() (*tls.Config, error) {
	cert, err := k.Certificate()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequestClientCert,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientTLSConfig only completes handshakes with the server owning
// expected.
func (k *SecretKey) ClientTLSConfig(expected types.NodeID) (*tls.Config, error) {
	cert, err := k.Certificate()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		ServerName:   "blobshare",
		// The chain is self-signed; VerifyPeerCertificate does the pinning.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			got, err := NodeIDFromCert(rawCerts)
			if err != nil {
				return err
			}
			if got != expected {
				return fmt.Errorf("%w: expected %s, got %s", ErrPeerMismatch, expected.Short(), got.Short())
			}
			return nil
		},
	}, nil
}
