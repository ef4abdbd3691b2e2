package sdp

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/pion/dtls/v3/pkg/crypto/fingerprint"
	"github.com/pion/dtls/v3/pkg/crypto/selfsign"
)

// Identity is what a local description advertises about this endpoint.
type Identity struct {
	ICEUfrag string
	ICEPwd   string

	// FingerprintAlgorithm is e.g. "sha-256"; Fingerprint the colon
	// separated digest of the DTLS certificate.
	FingerprintAlgorithm string
	Fingerprint          string
}

// Certificate is a self-signed DTLS certificate and its SDP fingerprint.
type Certificate struct {
	TLS         tls.Certificate
	Algorithm   string
	Fingerprint string
}

// NewCertificate generates a fresh self-signed certificate. One is made per
// peer connection.
func NewCertificate() (*Certificate, error) {
	cert, err := selfsign.GenerateSelfSigned()
	if err != nil {
		return nil, fmt.Errorf("generate DTLS certificate: %w", err)
	}
	leaf := cert.Leaf
	if leaf == nil {
		if leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return nil, fmt.Errorf("parse DTLS certificate: %w", err)
		}
	}
	fp, err := fingerprint.Fingerprint(leaf, crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("fingerprint DTLS certificate: %w", err)
	}
	return &Certificate{TLS: cert, Algorithm: "sha-256", Fingerprint: fp}, nil
}
