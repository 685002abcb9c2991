package agent

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// ServerName is the name the agent's certificate is issued for.
// Clients dial the agent by address but verify it under this name.
const ServerName = "elevhost"

const (
	caCertFile     = "ca.pem"
	caKeyFile      = "ca-key.pem"
	serverCertFile = "server.pem"
	serverKeyFile  = "server-key.pem"
	clientCertFile = "client.pem"
	clientKeyFile  = "client-key.pem"
)

// Certs contains the TLS client and server certs and keys for configuring mTLS on the client and server.
// Whoever holds the client cert may start processes on the agent, so handle carefully.
type Certs struct {
	CA     Cert
	Server Cert
	Client Cert
}

// Cert is a PEM-encoded certificate and its private key.
type Cert struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte
}

func ClientTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certificates found in PEM")
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		RootCAs:      caCertPool,
		ServerName:   ServerName,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func ServerTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certificates found in PEM")
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func serialNumber() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	return n, nil
}

func encodeCert(der []byte, key *ecdsa.PrivateKey) (Cert, error) {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if certPEM == nil {
		return Cert{}, errors.New("unable to encode certificate to PEM")
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return Cert{}, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if keyPEM == nil {
		return Cert{}, errors.New("unable to encode private key to PEM")
	}
	return Cert{CertPEMBytes: certPEM, KeyPEMBytes: keyPEM}, nil
}

func buildCACert(subject pkix.Name, validFor time.Duration) (*x509.Certificate, *ecdsa.PrivateKey, Cert, error) {
	serial, err := serialNumber()
	if err != nil {
		return nil, nil, Cert{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(validFor),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, Cert{}, fmt.Errorf("generating CA private key: %w", err)
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, Cert{}, fmt.Errorf("creating CA cert: %w", err)
	}
	cert, err := encodeCert(der, key)
	if err != nil {
		return nil, nil, Cert{}, err
	}
	return tmpl, key, cert, nil
}

func buildCert(ca *x509.Certificate, caKey *ecdsa.PrivateKey, subject pkix.Name, usage x509.ExtKeyUsage, validFor time.Duration) (Cert, error) {
	serial, err := serialNumber()
	if err != nil {
		return Cert{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      subject,
		DNSNames:     []string{ServerName},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Cert{}, fmt.Errorf("generating private key: %w", err)
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &key.PublicKey, caKey)
	if err != nil {
		return Cert{}, fmt.Errorf("creating cert: %w", err)
	}
	return encodeCert(der, key)
}

// GenerateCerts generates a CA and a server and client cert signed by it, valid for validFor.
func GenerateCerts(validFor time.Duration) (*Certs, error) {
	caX509, caKey, ca, err := buildCACert(pkix.Name{CommonName: "elevhost CA"}, validFor)
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}
	server, err := buildCert(caX509, caKey, pkix.Name{CommonName: ServerName}, x509.ExtKeyUsageServerAuth, validFor)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}
	client, err := buildCert(caX509, caKey, pkix.Name{CommonName: "elevhost client"}, x509.ExtKeyUsageClientAuth, validFor)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}
	return &Certs{CA: ca, Server: server, Client: client}, nil
}

func (c *Certs) files() map[string][]byte {
	return map[string][]byte{
		caCertFile:     c.CA.CertPEMBytes,
		caKeyFile:      c.CA.KeyPEMBytes,
		serverCertFile: c.Server.CertPEMBytes,
		serverKeyFile:  c.Server.KeyPEMBytes,
		clientCertFile: c.Client.CertPEMBytes,
		clientKeyFile:  c.Client.KeyPEMBytes,
	}
}

// WriteDir writes the certs and keys into dir as PEM files, readable only by the owner.
func (c *Certs) WriteDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating cert dir: %w", err)
	}
	for name, b := range c.files() {
		if len(b) == 0 {
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, name), b, 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}

// LoadCerts reads the certs written by WriteDir. Files that don't exist are left empty,
// so a client only needs ca.pem and its own key pair, and an agent ca.pem and the server pair.
func LoadCerts(dir string) (*Certs, error) {
	c := &Certs{}
	targets := map[string]*[]byte{
		caCertFile:     &c.CA.CertPEMBytes,
		caKeyFile:      &c.CA.KeyPEMBytes,
		serverCertFile: &c.Server.CertPEMBytes,
		serverKeyFile:  &c.Server.KeyPEMBytes,
		clientCertFile: &c.Client.CertPEMBytes,
		clientKeyFile:  &c.Client.KeyPEMBytes,
	}
	for name, dst := range targets {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		*dst = b
	}
	if len(c.CA.CertPEMBytes) == 0 {
		return nil, fmt.Errorf("no %s in %s", caCertFile, dir)
	}
	return c, nil
}
