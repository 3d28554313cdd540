package selfcert

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

var sep = string(os.PathSeparator)

// KeyPair is a node's certificate and private key.
type KeyPair struct {
	Name    string
	CertPEM []byte
	KeyPEM  []byte

	Cert *x509.Certificate
	TLS  tls.Certificate
}

func newKeyPair(name string, certPEM, keyPEM []byte) (*KeyPair, error) {
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("bad key pair for '%v': %w", name, err)
	}
	cert, err := parseCertPEM(certPEM)
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		Name:    name,
		CertPEM: certPEM,
		KeyPEM:  keyPEM,
		Cert:    cert,
		TLS:     pair,
	}, nil
}

func parseCertPEM(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to decode PEM block containing certificate")
	}
	return x509.ParseCertificate(block.Bytes)
}

// WriteDir saves ca.crt, and name.crt plus name.key for every
// pair, into dir. The CA key stays in memory; keep the CA if
// you want to sign more later.
func (ca *CA) WriteDir(dir string, pairs ...*KeyPair) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("could not MkdirAll '%v': %w", dir, err)
	}
	if err := writeFile(filepath.Join(dir, "ca.crt"), ca.CertPEM, 0644); err != nil {
		return err
	}
	for _, kp := range pairs {
		if err := writeFile(filepath.Join(dir, kp.Name+".crt"), kp.CertPEM, 0644); err != nil {
			return err
		}
		if err := writeFile(filepath.Join(dir, kp.Name+".key"), kp.KeyPEM, 0600); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(path string, data []byte, perm os.FileMode) error {
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("could not write '%v': %w", path, err)
	}
	return nil
}

// WriteDir makes a CA and one key pair called name for hosts,
// and saves them for LoadTLSConfig.
func WriteDir(dir, name string, hosts ...string) error {
	ca, err := NewCA(name + "-ca")
	if err != nil {
		return err
	}
	kp, err := ca.NewKeyPair(name, hosts...)
	if err != nil {
		return err
	}
	return ca.WriteDir(dir, kp)
}

// LoadKeyPair reads name.crt and name.key from dir.
func LoadKeyPair(dir, name string) (*KeyPair, error) {
	certPath := dir + sep + name + ".crt"
	keyPath := dir + sep + name + ".key"
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("error in LoadKeyPair: unable to read certificate file '%v': %w", certPath, err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("error in LoadKeyPair: unable to read key file '%v': %w", keyPath, err)
	}
	return newKeyPair(name, certPEM, keyPEM)
}

// LoadTLSConfig builds a server or client mutual-TLS config
// from ca.crt plus name.crt and name.key in dir.
func LoadTLSConfig(dir, name string, isServer bool) (*tls.Config, error) {
	kp, err := LoadKeyPair(dir, name)
	if err != nil {
		return nil, err
	}
	caPath := dir + sep + "ca.crt"
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("error in LoadTLSConfig: unable to read CA file '%v': %w", caPath, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("error in LoadTLSConfig: failed to parse PEM data in '%v'", caPath)
	}
	if isServer {
		return serverConfig(pool, kp), nil
	}
	return clientConfig(pool, kp), nil
}
