package grpc

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc/credentials"

	"github.com/eleven-am/graphflow/internal/domain"
)

func LoadServerTLSCredentials(config domain.TLSConfig) (credentials.TransportCredentials, error) {
	if !config.Enabled {
		return nil, domain.NewConfigError("grpc.tls.enabled", fmt.Errorf("TLS is not enabled"))
	}

	cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
	if err != nil {
		return nil, domain.NewConfigError("grpc.tls.cert_file", fmt.Errorf("failed to load server key pair: %w", err))
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
		MinVersion:   tls.VersionTLS12,
	}

	if config.CAFile != "" {
		pool, err := loadCertPool(config.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return credentials.NewTLS(tlsConfig), nil
}

func LoadClientTLSCredentials(config domain.TLSConfig) (credentials.TransportCredentials, error) {
	if !config.Enabled {
		return nil, domain.NewConfigError("grpc.tls.enabled", fmt.Errorf("TLS is not enabled"))
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.CAFile != "" {
		pool, err := loadCertPool(config.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	if config.CertFile != "" && config.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
		if err != nil {
			return nil, domain.NewConfigError("grpc.tls.cert_file", fmt.Errorf("failed to load client key pair: %w", err))
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return credentials.NewTLS(tlsConfig), nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	ca, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.NewConfigError("grpc.tls.ca_file", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return nil, domain.NewConfigError("grpc.tls.ca_file", fmt.Errorf("no certificates found in %s", path))
	}
	return pool, nil
}
