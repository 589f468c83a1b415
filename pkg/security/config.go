// Package security defines shared TLS and mTLS configuration types for
// Sway network listeners and clients. The gateway, the metrics endpoint,
// and the notifier client all embed these types so every component speaks
// the same configuration dialect.
package security

// Config is the top-level security configuration embedded by components
// that expose or consume network endpoints.
type Config struct {
	TLS TLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// TLSConfig groups server-side and client-side TLS settings.
type TLSConfig struct {
	Server ServerTLSConfig `json:"server,omitempty" yaml:"server,omitempty"`
	Client ClientTLSConfig `json:"client,omitempty" yaml:"client,omitempty"`
}

// ACMEConfig configures automatic certificate issuance for a server
// listener. Renewal windows are expressed as Go durations ("720h").
type ACMEConfig struct {
	Enabled       bool     `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	DirectoryURL  string   `json:"directoryUrl,omitempty" yaml:"directoryUrl,omitempty"`
	Email         string   `json:"email,omitempty" yaml:"email,omitempty"`
	Domains       []string `json:"domains,omitempty" yaml:"domains,omitempty"`
	ChallengeType string   `json:"challengeType,omitempty" yaml:"challengeType,omitempty"`
	RenewBefore   string   `json:"renewBefore,omitempty" yaml:"renewBefore,omitempty"`
	StoragePath   string   `json:"storagePath,omitempty" yaml:"storagePath,omitempty"`
	CABundle      string   `json:"caBundle,omitempty" yaml:"caBundle,omitempty"`
}

// ServerTLSConfig configures TLS termination for a listener. Mode selects
// between operator-managed certificates ("manual") and ACME issuance
// ("acme").
type ServerTLSConfig struct {
	Enabled    bool            `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Mode       string          `json:"mode,omitempty" yaml:"mode,omitempty"`
	CertFile   string          `json:"certFile,omitempty" yaml:"certFile,omitempty"`
	KeyFile    string          `json:"keyFile,omitempty" yaml:"keyFile,omitempty"`
	MinVersion string          `json:"minVersion,omitempty" yaml:"minVersion,omitempty"`
	ACME       ACMEConfig      `json:"acme,omitempty" yaml:"acme,omitempty"`
	MTLS       ServerMTLSConfig `json:"mtls,omitempty" yaml:"mtls,omitempty"`
}

// ServerMTLSConfig configures client certificate verification on a
// listener. When RequireClientCert is false, certificates are verified
// only if presented.
type ServerMTLSConfig struct {
	Enabled           bool     `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	ClientCAFiles     []string `json:"clientCaFiles,omitempty" yaml:"clientCaFiles,omitempty"`
	RequireClientCert bool     `json:"requireClientCert,omitempty" yaml:"requireClientCert,omitempty"`
	AllowedClientCNs  []string `json:"allowedClientCns,omitempty" yaml:"allowedClientCns,omitempty"`
}

// ClientTLSConfig configures outbound TLS for components that call other
// services, such as the notifier posting to webhook receivers.
type ClientTLSConfig struct {
	Mode               string           `json:"mode,omitempty" yaml:"mode,omitempty"`
	CAFiles            []string         `json:"caFiles,omitempty" yaml:"caFiles,omitempty"`
	InsecureSkipVerify bool             `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`
	MinVersion         string           `json:"minVersion,omitempty" yaml:"minVersion,omitempty"`
	MTLS               ClientMTLSConfig `json:"mtls,omitempty" yaml:"mtls,omitempty"`
}

// ClientMTLSConfig holds the client certificate presented during mutual
// TLS handshakes.
type ClientMTLSConfig struct {
	Enabled  bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	CertFile string `json:"certFile,omitempty" yaml:"certFile,omitempty"`
	KeyFile  string `json:"keyFile,omitempty" yaml:"keyFile,omitempty"`
}
