package relay

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPNProtocol is the ALPN identifier of MSNP2P over QUIC.
const ALPNProtocol = "msnp2p"

// preface is written first on the stream so the accepting side sees it;
// QUIC does not announce a stream until data flows.
var preface = []byte("MSNP")

func serverTLSConfig() (*tls.Config, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
		MinVersion:         tls.VersionTLS13,
	}
}

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 10 * time.Second,
		MaxIdleTimeout:  30 * time.Second,
	}
}

// generateSelfSignedCert generates an ephemeral self-signed certificate.
func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"msnp2p"}},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}

// quicStream closes its connection along with the stream.
type quicStream struct {
	*quic.Stream
	conn *quic.Conn
}

func (s quicStream) Close() error {
	return errors.Join(s.Stream.Close(), s.conn.CloseWithError(0, ""))
}

// DialQUIC connects to a QUIC listener at addr and opens the relay stream.
func DialQUIC(ctx context.Context, addr string) (*Stream, error) {
	conn, err := quic.DialAddr(ctx, addr, clientTLSConfig(), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("QUIC dial %s: %w", addr, err)
	}
	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("QUIC open stream: %w", err)
	}
	if _, err := st.Write(preface); err != nil {
		conn.CloseWithError(0, "preface failed")
		return nil, fmt.Errorf("QUIC preface: %w", err)
	}
	log.Debugf("QUIC relay connected to %s", addr)
	return NewStream(quicStream{st, conn}), nil
}

// QUICListener accepts QUIC relay streams.
type QUICListener struct {
	l *quic.Listener
}

// ListenQUIC listens for QUIC relay connections on addr.
func ListenQUIC(addr string) (*QUICListener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	l, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("QUIC listen %s: %w", addr, err)
	}
	log.Infof("QUIC relay listening on %s", l.Addr())
	return &QUICListener{l: l}, nil
}

// Addr returns the listening address.
func (l *QUICListener) Addr() net.Addr { return l.l.Addr() }

// Accept waits for a peer and its relay stream.
func (l *QUICListener) Accept(ctx context.Context) (*Stream, error) {
	conn, err := l.l.Accept(ctx)
	if err != nil {
		return nil, err
	}
	st, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return nil, fmt.Errorf("QUIC accept stream: %w", err)
	}

	got := make([]byte, len(preface))
	if _, err := io.ReadFull(st, got); err != nil || !bytes.Equal(got, preface) {
		conn.CloseWithError(0, "bad preface")
		return nil, fmt.Errorf("QUIC stream from %s: bad preface", conn.RemoteAddr())
	}
	log.Debugf("QUIC relay accepted from %s", conn.RemoteAddr())
	return NewStream(quicStream{st, conn}), nil
}

// Close stops accepting.
func (l *QUICListener) Close() error { return l.l.Close() }
