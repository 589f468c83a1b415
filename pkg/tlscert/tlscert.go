// Package tlscert builds *tls.Config values from security configuration.
// It supports operator-managed certificates, mutual TLS with CN
// allowlists, and ACME issuance with background renewal for the gateway
// listener.
package tlscert

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/Peleke/MindMirror-sub002/pkg/security"
)

// LoadServerTLSConfig creates a server TLS configuration from the
// operator-managed certificate files.
func LoadServerTLSConfig(cfg security.ServerTLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseTLSVersion(cfg.MinVersion),
	}

	return tlsConfig, nil
}

// LoadServerTLSConfigWithMTLS creates a server TLS configuration with
// client certificate verification enabled per the mTLS settings.
func LoadServerTLSConfigWithMTLS(cfg security.ServerTLSConfig) (*tls.Config, error) {
	tlsConfig, err := LoadServerTLSConfig(cfg)
	if err != nil || tlsConfig == nil {
		return tlsConfig, err
	}

	if err := applyMTLSConfig(tlsConfig, cfg.MTLS); err != nil {
		return nil, err
	}

	return tlsConfig, nil
}

// LoadClientTLSConfig creates a client TLS configuration trusting the
// system pool plus any additional CA files.
func LoadClientTLSConfig(cfg security.ClientTLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         parseTLSVersion(cfg.MinVersion),
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if len(cfg.CAFiles) > 0 {
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}

		for _, caFile := range cfg.CAFiles {
			caCert, err := os.ReadFile(caFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read CA file %s: %w", caFile, err)
			}
			if !pool.AppendCertsFromPEM(caCert) {
				return nil, fmt.Errorf("failed to parse CA certificate from %s", caFile)
			}
		}

		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// LoadClientTLSConfigWithMTLS creates a client TLS configuration that
// presents the configured client certificate during handshakes.
func LoadClientTLSConfigWithMTLS(cfg security.ClientTLSConfig) (*tls.Config, error) {
	tlsConfig, err := LoadClientTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.MTLS.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.MTLS.CertFile, cfg.MTLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// LoadServerTLSConfigWithACME creates a server TLS configuration backed
// by ACME issuance. The returned cleanup function stops the renewal loop
// and must be called on shutdown. Falls back to manual certificates when
// ACME is disabled.
func LoadServerTLSConfigWithACME(ctx context.Context, cfg security.ServerTLSConfig) (*tls.Config, func(), error) {
	if !cfg.Enabled {
		return nil, func() {}, nil
	}

	if cfg.Mode != "acme" || !cfg.ACME.Enabled {
		tlsConfig, err := LoadServerTLSConfigWithMTLS(cfg)
		return tlsConfig, func() {}, err
	}

	client, err := initACMEClient(cfg.ACME)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize ACME client: %w", err)
	}

	certPath, keyPath, err := client.ObtainCertificate(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to obtain ACME certificate: %w", err)
	}

	var mu sync.RWMutex
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load ACME certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		MinVersion: parseTLSVersion(cfg.MinVersion),
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			mu.RLock()
			defer mu.RUnlock()
			return &cert, nil
		},
	}

	if err := applyMTLSConfig(tlsConfig, cfg.MTLS); err != nil {
		return nil, nil, err
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	go client.StartRenewalLoop(renewCtx, 12*time.Hour, func(newCertPath, newKeyPath string) {
		newCert, loadErr := tls.LoadX509KeyPair(newCertPath, newKeyPath)
		if loadErr != nil {
			slog.Error("Failed to load renewed certificate", "error", loadErr)
			return
		}
		mu.Lock()
		cert = newCert
		mu.Unlock()
		slog.Info("Reloaded renewed ACME certificate", "cert", newCertPath)
	})

	return tlsConfig, cancel, nil
}

// applyMTLSConfig wires client certificate verification into an existing
// server TLS configuration.
func applyMTLSConfig(tlsConfig *tls.Config, cfg security.ServerMTLSConfig) error {
	if !cfg.Enabled {
		return nil
	}

	pool := x509.NewCertPool()
	for _, caFile := range cfg.ClientCAFiles {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return fmt.Errorf("failed to read client CA file %s: %w", caFile, err)
		}
		if !pool.AppendCertsFromPEM(caCert) {
			return fmt.Errorf("failed to parse client CA certificate from %s", caFile)
		}
	}
	tlsConfig.ClientCAs = pool

	if cfg.RequireClientCert {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	if len(cfg.AllowedClientCNs) > 0 {
		allowed := make(map[string]struct{}, len(cfg.AllowedClientCNs))
		for _, cn := range cfg.AllowedClientCNs {
			allowed[cn] = struct{}{}
		}
		tlsConfig.VerifyPeerCertificate = func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
			return verifyAllowedClientCN(verifiedChains, allowed)
		}
	}

	return nil
}

// verifyAllowedClientCN checks the leaf certificate CN against the
// allowlist. Requires at least one verified chain.
func verifyAllowedClientCN(verifiedChains [][]*x509.Certificate, allowed map[string]struct{}) error {
	if len(verifiedChains) == 0 || len(verifiedChains[0]) == 0 {
		return fmt.Errorf("no verified client certificate chain")
	}

	cn := verifiedChains[0][0].Subject.CommonName
	if _, ok := allowed[cn]; !ok {
		return fmt.Errorf("client certificate CN %q not in allowlist", cn)
	}

	return nil
}

// parseTLSVersion maps a configuration string to a tls version constant.
// Unrecognized values default to TLS 1.2.
func parseTLSVersion(version string) uint16 {
	switch version {
	case "1.3":
		return tls.VersionTLS13
	case "1.2":
		return tls.VersionTLS12
	default:
		return tls.VersionTLS12
	}
}
