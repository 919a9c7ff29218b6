package sidecarconfig

import (
	"testing"
	"time"

	"github.com/function61/gokit/assert"
)

func TestDefaults(t *testing.T) {
	setRequired(t)

	conf, err := FromEnv()
	assert.Ok(t, err)

	assert.EqualString(t, conf.VaultAddr, "https://vault.example.com:8200")
	assert.EqualString(t, conf.VaultAuthMount, "kubernetes")
	assert.EqualString(t, conf.VaultPkiMount, "pki")
	assert.EqualString(t, conf.SaTokenPath, DefaultSaTokenPath)
	assert.EqualString(t, conf.CertDir, "/certs")
	assert.EqualString(t, conf.ListenAddr, "0.0.0.0:8443")
	assert.EqualString(t, conf.BackendAddr, "127.0.0.1:8080")
	assert.Assert(t, conf.CertTtl == 24*time.Hour)
	assert.Assert(t, conf.RenewalThreshold == 0.66)
	assert.Assert(t, conf.ShutdownTimeout == 15*time.Second)
	assert.Assert(t, len(conf.CertAltNames) == 0)
	assert.Assert(t, len(conf.CertIpSans) == 0)
}

func TestOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("CERT_TTL", "1h")
	t.Setenv("RENEWAL_THRESHOLD", "0.5")
	t.Setenv("CERT_ALT_NAMES", "a.example.com, b.example.com")
	t.Setenv("CERT_IP_SANS", "10.0.0.1,127.0.0.1")

	conf, err := FromEnv()
	assert.Ok(t, err)

	assert.Assert(t, conf.CertTtl == time.Hour)
	assert.Assert(t, conf.RenewalThreshold == 0.5)
	assert.Assert(t, len(conf.CertAltNames) == 2)
	assert.EqualString(t, conf.CertAltNames[1], "b.example.com")
	assert.Assert(t, len(conf.CertIpSans) == 2)
}

func TestRequiredMissing(t *testing.T) {
	setRequired(t)
	t.Setenv("CERT_COMMON_NAME", "")

	_, err := FromEnv()
	assert.Assert(t, err != nil)
}

func TestInvalidThreshold(t *testing.T) {
	setRequired(t)

	for _, invalid := range []string{"0", "1", "1.5", "-0.1", "oops"} {
		t.Setenv("RENEWAL_THRESHOLD", invalid)

		_, err := FromEnv()
		assert.Assert(t, err != nil)
	}
}

func TestInvalidAddress(t *testing.T) {
	setRequired(t)
	t.Setenv("LISTEN_ADDR", "not-an-address")

	_, err := FromEnv()
	assert.Assert(t, err != nil)
}

func TestInvalidIpSan(t *testing.T) {
	setRequired(t)
	t.Setenv("CERT_IP_SANS", "127.0.0.1,banana")

	_, err := FromEnv()
	assert.Assert(t, err != nil)
}

func setRequired(t *testing.T) {
	t.Setenv("VAULT_ADDR", "https://vault.example.com:8200/")
	t.Setenv("VAULT_AUTH_ROLE", "my-workload")
	t.Setenv("VAULT_PKI_ROLE", "my-workload")
	t.Setenv("CERT_COMMON_NAME", "my-workload.example.com")
}
