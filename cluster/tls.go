package cluster

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// buildTLS configures server and client TLS from the security settings,
// including certificate/key loading, CA pools, cipher suites, and curves.
// The server config is nil when no key pair is configured.
func buildTLS(m TLSMode) (server, client *tls.Config, err error) {
	loadCertPool := func(p string) (*x509.CertPool, error) {
		if p == "" {
			return nil, nil
		}
		pem, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		ca := x509.NewCertPool()
		if !ca.AppendCertsFromPEM(pem) {
			return nil, errors.New("CA file contains no certificates")
		}
		return ca, nil
	}

	minVer := m.MinVersion
	if minVer == 0 {
		minVer = tls.VersionTLS13
	}

	var suites []uint16
	if len(m.CipherSuites) > 0 {
		suites = append(suites, m.CipherSuites...)
	} else if minVer < tls.VersionTLS13 {
		suites = []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		}
	}

	curves := []tls.CurveID{tls.X25519, tls.CurveP256}
	if len(m.CurvePreferences) > 0 {
		curves = append([]tls.CurveID(nil), m.CurvePreferences...)
	}

	ca, err := loadCertPool(m.CAFile)
	if err != nil {
		return nil, nil, err
	}

	var certs []tls.Certificate
	if m.CertFile != "" && m.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.CertFile, m.KeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load key pair: %w", err)
		}
		certs = []tls.Certificate{cert}

		server = &tls.Config{
			Certificates:             certs,
			MinVersion:               minVer,
			PreferServerCipherSuites: m.PreferServerCipherSuites,
			CipherSuites:             suites,
			CurvePreferences:         curves,
		}
		if m.RequireClientCert {
			server.ClientAuth = tls.RequireAndVerifyClientCert
			server.ClientCAs = ca
		}
	}

	client = &tls.Config{
		MinVersion:       minVer,
		RootCAs:          ca,
		Certificates:     certs,
		CipherSuites:     suites,
		CurvePreferences: curves,
	}
	return server, client, nil
}
