package tlscert

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/challenge/tlsalpn01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/Peleke/MindMirror-sub002/pkg/security"
)

const (
	accountFile = "account.json"
	keyFile     = "account.key"
	certFile    = "certificate.pem"
	certKeyFile = "certificate.key"
)

// ACMEConfig holds resolved ACME client settings. RenewBefore is the
// window before expiry in which renewal is attempted.
type ACMEConfig struct {
	DirectoryURL  string
	Email         string
	Domains       []string
	ChallengeType string
	RenewBefore   time.Duration
	StoragePath   string
	CABundle      string
}

// Validate checks that the configuration can drive certificate issuance.
func (c *ACMEConfig) Validate() error {
	if c.Email == "" {
		return fmt.Errorf("acme email is required")
	}
	if len(c.Domains) == 0 {
		return fmt.Errorf("at least one acme domain is required")
	}
	if c.ChallengeType != "http-01" && c.ChallengeType != "tls-alpn-01" {
		return fmt.Errorf("unsupported acme challenge type %q", c.ChallengeType)
	}
	if c.StoragePath == "" {
		return fmt.Errorf("acme storage path is required")
	}
	return nil
}

// acmeAccount implements the lego registration.User interface. The
// private key lives next to the registration state under StoragePath.
type acmeAccount struct {
	Email        string                 `json:"email"`
	Registration *registration.Resource `json:"registration"`
	key          crypto.PrivateKey
}

func (a *acmeAccount) GetEmail() string                        { return a.Email }
func (a *acmeAccount) GetRegistration() *registration.Resource { return a.Registration }
func (a *acmeAccount) GetPrivateKey() crypto.PrivateKey        { return a.key }

// ACMEClient obtains and renews certificates from an ACME directory.
type ACMEClient struct {
	config  ACMEConfig
	lego    *lego.Client
	account *acmeAccount
}

// NewACMEClient creates an ACME client, loading or registering the
// account under the configured storage path.
func NewACMEClient(cfg ACMEConfig) (*ACMEClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.DirectoryURL == "" {
		cfg.DirectoryURL = lego.LEDirectoryProduction
	}
	if cfg.RenewBefore == 0 {
		cfg.RenewBefore = 30 * 24 * time.Hour
	}

	if err := os.MkdirAll(cfg.StoragePath, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create acme storage directory: %w", err)
	}

	account, err := loadOrCreateAccount(cfg)
	if err != nil {
		return nil, err
	}

	client := &ACMEClient{config: cfg, account: account}
	if err := client.initLego(); err != nil {
		return nil, err
	}

	return client, nil
}

// initACMEClient adapts listener security configuration to an ACME
// client. Used by LoadServerTLSConfigWithACME.
func initACMEClient(cfg security.ACMEConfig) (*ACMEClient, error) {
	renewBefore := 30 * 24 * time.Hour
	if cfg.RenewBefore != "" {
		parsed, err := time.ParseDuration(cfg.RenewBefore)
		if err != nil {
			return nil, fmt.Errorf("invalid renewBefore duration %q: %w", cfg.RenewBefore, err)
		}
		renewBefore = parsed
	}

	challengeType := cfg.ChallengeType
	if challengeType == "" {
		challengeType = "http-01"
	}

	return NewACMEClient(ACMEConfig{
		DirectoryURL:  cfg.DirectoryURL,
		Email:         cfg.Email,
		Domains:       cfg.Domains,
		ChallengeType: challengeType,
		RenewBefore:   renewBefore,
		StoragePath:   cfg.StoragePath,
		CABundle:      cfg.CABundle,
	})
}

// loadOrCreateAccount restores the account key and registration from
// disk, generating a fresh P-256 key for new accounts.
func loadOrCreateAccount(cfg ACMEConfig) (*acmeAccount, error) {
	keyPath := filepath.Join(cfg.StoragePath, keyFile)
	accountPath := filepath.Join(cfg.StoragePath, accountFile)

	if _, err := os.Stat(keyPath); err == nil {
		keyPEM, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read account key: %w", err)
		}
		block, _ := pem.Decode(keyPEM)
		if block == nil {
			return nil, fmt.Errorf("failed to decode account key PEM")
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse account key: %w", err)
		}

		account := &acmeAccount{Email: cfg.Email, key: key}
		if data, err := os.ReadFile(accountPath); err == nil {
			if err := json.Unmarshal(data, account); err != nil {
				return nil, fmt.Errorf("failed to parse account registration: %w", err)
			}
		}
		account.key = key
		return account, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate account key: %w", err)
	}

	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal account key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write account key: %w", err)
	}

	return &acmeAccount{Email: cfg.Email, key: key}, nil
}

// initLego configures the lego client for the account, challenge type,
// and optional private CA bundle, registering the account if needed.
func (c *ACMEClient) initLego() error {
	legoConfig := lego.NewConfig(c.account)
	legoConfig.CADirURL = c.config.DirectoryURL
	legoConfig.Certificate.KeyType = certcrypto.EC256

	if c.config.CABundle != "" {
		caCert, err := os.ReadFile(c.config.CABundle)
		if err != nil {
			return fmt.Errorf("failed to read acme CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return fmt.Errorf("failed to parse acme CA bundle")
		}
		legoConfig.HTTPClient.Transport = &http01ChallengeTransport{pool: pool}
	}

	client, err := lego.NewClient(legoConfig)
	if err != nil {
		return fmt.Errorf("failed to create acme client: %w", err)
	}

	switch c.config.ChallengeType {
	case "http-01":
		if err := client.Challenge.SetHTTP01Provider(http01.NewProviderServer("", "80")); err != nil {
			return fmt.Errorf("failed to set http-01 provider: %w", err)
		}
	case "tls-alpn-01":
		if err := client.Challenge.SetTLSALPN01Provider(tlsalpn01.NewProviderServer("", "443")); err != nil {
			return fmt.Errorf("failed to set tls-alpn-01 provider: %w", err)
		}
	}

	if c.account.Registration == nil {
		reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return fmt.Errorf("failed to register acme account: %w", err)
		}
		c.account.Registration = reg

		data, err := json.MarshalIndent(c.account, "", "  ")
		if err == nil {
			accountPath := filepath.Join(c.config.StoragePath, accountFile)
			if writeErr := os.WriteFile(accountPath, data, 0o600); writeErr != nil {
				slog.Warn("Failed to persist acme registration", "error", writeErr)
			}
		}
	}

	c.lego = client
	return nil
}

// ObtainCertificate requests a certificate for the configured domains
// and writes the bundle under the storage path. Returns certificate and
// key file paths.
func (c *ACMEClient) ObtainCertificate(ctx context.Context) (string, string, error) {
	certPath := filepath.Join(c.config.StoragePath, certFile)
	keyPath := filepath.Join(c.config.StoragePath, certKeyFile)

	if renewed, err := c.RenewCertificateIfNeeded(ctx); err == nil && !renewed {
		if _, statErr := os.Stat(certPath); statErr == nil {
			return certPath, keyPath, nil
		}
	}

	request := certificate.ObtainRequest{
		Domains: c.config.Domains,
		Bundle:  true,
	}

	certs, err := c.lego.Certificate.Obtain(request)
	if err != nil {
		return "", "", fmt.Errorf("failed to obtain certificate for %v: %w", c.config.Domains, err)
	}

	if err := os.WriteFile(certPath, certs.Certificate, 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, certs.PrivateKey, 0o600); err != nil {
		return "", "", fmt.Errorf("failed to write certificate key: %w", err)
	}

	slog.Info("Obtained ACME certificate", "domains", c.config.Domains, "cert", certPath)
	return certPath, keyPath, nil
}

// RenewCertificateIfNeeded renews the stored certificate when it is
// inside the renewal window. Returns true when a renewal happened.
func (c *ACMEClient) RenewCertificateIfNeeded(_ context.Context) (bool, error) {
	certPath := filepath.Join(c.config.StoragePath, certFile)

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, fmt.Errorf("no certificate to renew")
		}
		return false, fmt.Errorf("failed to read certificate: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return false, fmt.Errorf("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return false, fmt.Errorf("failed to parse certificate: %w", err)
	}

	if time.Now().Before(cert.NotAfter.Add(-c.config.RenewBefore)) {
		return false, nil
	}

	keyPath := filepath.Join(c.config.StoragePath, certKeyFile)
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return false, fmt.Errorf("failed to read certificate key: %w", err)
	}

	renewed, err := c.lego.Certificate.Renew(certificate.Resource{
		Domain:      c.config.Domains[0],
		Certificate: certPEM,
		PrivateKey:  keyPEM,
	}, true, false, "")
	if err != nil {
		return false, fmt.Errorf("failed to renew certificate: %w", err)
	}

	if err := os.WriteFile(certPath, renewed.Certificate, 0o644); err != nil {
		return false, fmt.Errorf("failed to write renewed certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, renewed.PrivateKey, 0o600); err != nil {
		return false, fmt.Errorf("failed to write renewed key: %w", err)
	}

	slog.Info("Renewed ACME certificate", "domains", c.config.Domains, "notAfter", cert.NotAfter)
	return true, nil
}

// StartRenewalLoop checks the renewal window on the given interval until
// the context is cancelled, invoking onRenewal with fresh file paths
// after each successful renewal.
func (c *ACMEClient) StartRenewalLoop(ctx context.Context, interval time.Duration, onRenewal func(certPath, keyPath string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := c.RenewCertificateIfNeeded(ctx)
			if err != nil {
				slog.Warn("Certificate renewal check failed", "error", err)
				continue
			}
			if renewed && onRenewal != nil {
				onRenewal(
					filepath.Join(c.config.StoragePath, certFile),
					filepath.Join(c.config.StoragePath, certKeyFile),
				)
			}
		}
	}
}

// http01ChallengeTransport pins the ACME directory to a private CA pool.
type http01ChallengeTransport struct {
	pool *x509.CertPool
}

func (t *http01ChallengeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	transport := &http.Transport{TLSClientConfig: &tls.Config{RootCAs: t.pool, MinVersion: tls.VersionTLS12}}
	return transport.RoundTrip(req)
}
