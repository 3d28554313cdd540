package selfcert

import (
	"crypto/tls"
	"crypto/x509"
)

func serverConfig(pool *x509.CertPool, kp *KeyPair) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{kp.TLS},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}
}

func clientConfig(pool *x509.CertPool, kp *KeyPair) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{kp.TLS},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}
}

// ServerConfig is mutual TLS 1.3: kp's certificate, and
// clients must present one signed by ca.
func (ca *CA) ServerConfig(kp *KeyPair) *tls.Config {
	return serverConfig(ca.Pool(), kp)
}

// ClientConfig trusts only ca, and presents kp.
func (ca *CA) ClientConfig(kp *KeyPair) *tls.Config {
	return clientConfig(ca.Pool(), kp)
}

// ServerAndClientTLS makes a throwaway CA with one server
// and one client key pair, and returns their configs.
func ServerAndClientTLS(hosts ...string) (server, client *tls.Config, err error) {
	ca, err := NewCA("offload-test-ca")
	if err != nil {
		return nil, nil, err
	}
	srv, err := ca.NewKeyPair("server", hosts...)
	if err != nil {
		return nil, nil, err
	}
	cli, err := ca.NewKeyPair("client", hosts...)
	if err != nil {
		return nil, nil, err
	}
	return ca.ServerConfig(srv), ca.ClientConfig(cli), nil
}
