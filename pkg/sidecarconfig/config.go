// Resolves the sidecar's configuration from ENV exactly once, into an
// immutable validated value, before any other component is constructed.
package sidecarconfig

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/function61/gokit/envvar"
)

const DefaultSaTokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"

type Config struct {
	VaultAddr        string        `json:"vault_addr"`
	VaultAuthRole    string        `json:"vault_auth_role"`
	VaultAuthMount   string        `json:"vault_auth_mount"`
	VaultPkiRole     string        `json:"vault_pki_role"`
	VaultPkiMount    string        `json:"vault_pki_mount"`
	VaultNamespace   string        `json:"vault_namespace,omitempty"`
	VaultCaCert      string        `json:"vault_cacert,omitempty"`
	SaTokenPath      string        `json:"sa_token_path"`
	CertCommonName   string        `json:"cert_common_name"`
	CertAltNames     []string      `json:"cert_alt_names,omitempty"`
	CertIpSans       []string      `json:"cert_ip_sans,omitempty"`
	CertTtl          time.Duration `json:"cert_ttl"`
	CertDir          string        `json:"cert_dir"`
	ListenAddr       string        `json:"listen_addr"`
	BackendAddr      string        `json:"backend_addr"`
	RenewalThreshold float64       `json:"renewal_threshold"`
	ShutdownTimeout  time.Duration `json:"shutdown_timeout"`
}

func FromEnv() (*Config, error) {
	vaultAddr, err := envvar.Required("VAULT_ADDR")
	if err != nil {
		return nil, err
	}
	vaultAuthRole, err := envvar.Required("VAULT_AUTH_ROLE")
	if err != nil {
		return nil, err
	}
	vaultPkiRole, err := envvar.Required("VAULT_PKI_ROLE")
	if err != nil {
		return nil, err
	}
	commonName, err := envvar.Required("CERT_COMMON_NAME")
	if err != nil {
		return nil, err
	}

	certTtl, err := time.ParseDuration(optionalEnv("CERT_TTL", "24h"))
	if err != nil {
		return nil, fmt.Errorf("invalid CERT_TTL: %w", err)
	}
	if certTtl <= 0 {
		return nil, fmt.Errorf("CERT_TTL must be positive; got %s", certTtl)
	}

	threshold, err := strconv.ParseFloat(optionalEnv("RENEWAL_THRESHOLD", "0.66"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid RENEWAL_THRESHOLD: %w", err)
	}
	if threshold <= 0 || threshold >= 1 {
		return nil, fmt.Errorf("RENEWAL_THRESHOLD must be in (0, 1); got %v", threshold)
	}

	shutdownTimeout, err := time.ParseDuration(optionalEnv("SHUTDOWN_TIMEOUT", "15s"))
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	listenAddr := optionalEnv("LISTEN_ADDR", "0.0.0.0:8443")
	backendAddr := optionalEnv("BACKEND_ADDR", "127.0.0.1:8080")
	for _, addr := range []string{listenAddr, backendAddr} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", addr, err)
		}
	}

	ipSans := splitComma(os.Getenv("CERT_IP_SANS"))
	for _, ip := range ipSans {
		if net.ParseIP(ip) == nil {
			return nil, fmt.Errorf("invalid IP in CERT_IP_SANS: %q", ip)
		}
	}

	return &Config{
		VaultAddr:        strings.TrimRight(vaultAddr, "/"),
		VaultAuthRole:    vaultAuthRole,
		VaultAuthMount:   optionalEnv("VAULT_AUTH_MOUNT", "kubernetes"),
		VaultPkiRole:     vaultPkiRole,
		VaultPkiMount:    optionalEnv("VAULT_PKI_MOUNT", "pki"),
		VaultNamespace:   os.Getenv("VAULT_NAMESPACE"),
		VaultCaCert:      os.Getenv("VAULT_CACERT"),
		SaTokenPath:      optionalEnv("VAULT_SA_TOKEN_PATH", DefaultSaTokenPath),
		CertCommonName:   commonName,
		CertAltNames:     splitComma(os.Getenv("CERT_ALT_NAMES")),
		CertIpSans:       ipSans,
		CertTtl:          certTtl,
		CertDir:          optionalEnv("CERT_DIR", "/certs"),
		ListenAddr:       listenAddr,
		BackendAddr:      backendAddr,
		RenewalThreshold: threshold,
		ShutdownTimeout:  shutdownTimeout,
	}, nil
}

func optionalEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

func splitComma(value string) []string {
	if value == "" {
		return nil
	}

	items := []string{}
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}

	return items
}
