// Package quic carries wire frames as unreliable QUIC datagrams. Snapshot
// loss is tolerated by the interpolation buffer, and control frames are
// best-effort since receivers create entities lazily on first snapshot.
package quic

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zeusync/ghostline/internal/core/protocol"
)

// ALPN is the application protocol negotiated during the handshake.
const ALPN = "ghostline-quic"

const handshakeIdleTimeout = 10 * time.Second

// GenerateSelfSignedTLS generates a self-signed TLS certificate for development
func GenerateSelfSignedTLS() (*tls.Config, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Ghostline"},
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour), // Valid for 1 year
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:              []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  privateKey,
		}},
		NextProtos: []string{ALPN},
		MinVersion: tls.VersionTLS13,
	}, nil
}

// LoadTLS loads a certificate pair from disk for the listener
func LoadTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientTLS returns the dialer side TLS config. insecure skips certificate
// verification, which is only suitable against a self-signed dev server.
func ClientTLS(serverName string, insecure bool) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecure, //nolint:gosec
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13, // QUIC requires TLS 1.3
	}
}

// buildQUICConfig builds a quic.Config from transport configuration
func buildQUICConfig(config protocol.Config) *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       config.IdleTimeout,
		KeepAlivePeriod:      config.KeepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
		EnableDatagrams:      true,
	}
}
