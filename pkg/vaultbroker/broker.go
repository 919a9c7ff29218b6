// Authenticates to Vault with the Kubernetes auth method and issues leaf
// certificates from its PKI secrets engine.
package vaultbroker

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/function61/certsidecar/pkg/certmaterial"
	"github.com/function61/certsidecar/pkg/sidecarconfig"
	"github.com/function61/gokit/logex"
	"github.com/hashicorp/vault/api"
)

type Broker struct {
	client *api.Client
	conf   *sidecarconfig.Config
	logl   *logex.Leveled

	mu           sync.Mutex
	token        string
	tokenRenewAt time.Time // zero if the token has no lease

	now func() time.Time
}

func New(conf *sidecarconfig.Config, logger *log.Logger) (*Broker, error) {
	apiConf := api.DefaultConfig()
	apiConf.Address = conf.VaultAddr

	if conf.VaultCaCert != "" {
		if err := apiConf.ConfigureTLS(&api.TLSConfig{CACert: conf.VaultCaCert}); err != nil {
			return nil, fmt.Errorf("vault CA bundle: %w", err)
		}
	}

	client, err := api.NewClient(apiConf)
	if err != nil {
		return nil, err
	}

	if conf.VaultNamespace != "" {
		client.SetNamespace(conf.VaultNamespace)
	}

	return &Broker{
		client: client,
		conf:   conf,
		logl:   logex.Levels(logger),
		now:    time.Now,
	}, nil
}

// exchanges the service account JWT for a Vault token. The token is cached and
// re-used until only a fifth of its lease remains (or Issue() sees it rejected).
func (b *Broker) Authenticate(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.token != "" && (b.tokenRenewAt.IsZero() || b.now().Before(b.tokenRenewAt)) {
		return nil
	}

	jwt, err := os.ReadFile(b.conf.SaTokenPath)
	if err != nil {
		return &Error{KindAuthFailed, fmt.Errorf("read service account token: %w", err)}
	}

	loginPath := fmt.Sprintf("auth/%s/login", b.conf.VaultAuthMount)

	secret, err := b.client.Logical().WriteWithContext(ctx, loginPath, map[string]interface{}{
		"role": b.conf.VaultAuthRole,
		"jwt":  strings.TrimSpace(string(jwt)),
	})
	if err != nil {
		return classify(err, KindAuthFailed)
	}
	if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
		return &Error{KindAuthFailed, fmt.Errorf("login to %s returned no token", loginPath)}
	}

	b.token = secret.Auth.ClientToken
	b.client.SetToken(b.token)

	if lease := time.Duration(secret.Auth.LeaseDuration) * time.Second; lease > 0 {
		b.tokenRenewAt = b.now().Add(lease * 4 / 5)
	} else {
		b.tokenRenewAt = time.Time{}
	}

	b.logl.Info.Printf("authenticated to Vault (token lease %ds)", secret.Auth.LeaseDuration)

	return nil
}

// requests a new leaf certificate. Callers are expected to have called
// Authenticate() first.
func (b *Broker) Issue(ctx context.Context) (*certmaterial.Material, error) {
	data := map[string]interface{}{
		"common_name": b.conf.CertCommonName,
		"ttl":         b.conf.CertTtl.String(),
	}
	if len(b.conf.CertAltNames) > 0 {
		data["alt_names"] = strings.Join(b.conf.CertAltNames, ",")
	}
	if len(b.conf.CertIpSans) > 0 {
		data["ip_sans"] = strings.Join(b.conf.CertIpSans, ",")
	}

	issuePath := fmt.Sprintf("%s/issue/%s", b.conf.VaultPkiMount, b.conf.VaultPkiRole)

	secret, err := b.client.Logical().WriteWithContext(ctx, issuePath, data)
	if err != nil {
		issueErr := classify(err, KindIssuanceDenied)
		if issueErr.Kind == KindIssuanceDenied {
			// could equally be an expired session token; force re-login on next attempt
			b.forgetToken()
		}
		return nil, issueErr
	}

	certificate, err := stringField(secret, "certificate")
	if err != nil {
		return nil, &Error{KindIssuanceDenied, err}
	}
	issuingCa, err := stringField(secret, "issuing_ca")
	if err != nil {
		return nil, &Error{KindIssuanceDenied, err}
	}
	privateKey, err := stringField(secret, "private_key")
	if err != nil {
		return nil, &Error{KindIssuanceDenied, err}
	}
	serial, _ := stringField(secret, "serial_number") // informational only

	// peers need the issuing CA to validate the leaf, so serve them as a bundle
	chain := strings.TrimSpace(certificate) + "\n" + strings.TrimSpace(issuingCa) + "\n"

	material, err := certmaterial.New(
		[]byte(chain),
		[]byte(privateKey),
		[]byte(strings.TrimSpace(issuingCa)+"\n"),
		serial,
		b.now())
	if err != nil {
		return nil, &Error{KindIssuanceDenied, fmt.Errorf("unparseable certificate from Vault: %w", err)}
	}

	b.logl.Info.Printf(
		"issued certificate serial=%s notAfter=%s",
		serial,
		material.NotAfter.Format(time.RFC3339))

	return material, nil
}

func (b *Broker) forgetToken() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.token = ""
	b.tokenRenewAt = time.Time{}
}

func stringField(secret *api.Secret, key string) (string, error) {
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("empty response from Vault; expected %q", key)
	}

	value, ok := secret.Data[key].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("response from Vault is missing %q", key)
	}

	return value, nil
}
