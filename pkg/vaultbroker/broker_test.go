package vaultbroker

import (
	"context"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/function61/certsidecar/pkg/certtest"
	"github.com/function61/certsidecar/pkg/sidecarconfig"
	"github.com/function61/gokit/assert"
)

func TestAuthenticateCachesToken(t *testing.T) {
	vault := newFakeVault(t)
	defer vault.server.Close()

	broker := testBroker(t, vault)

	assert.Ok(t, broker.Authenticate(context.Background()))
	assert.Ok(t, broker.Authenticate(context.Background()))
	assert.Ok(t, broker.Authenticate(context.Background()))

	assert.Assert(t, vault.logins == 1)

	// token nearing its lease end => re-login
	broker.now = func() time.Time { return time.Now().Add(59 * time.Minute) }

	assert.Ok(t, broker.Authenticate(context.Background()))
	assert.Assert(t, vault.logins == 2)
}

func TestIssue(t *testing.T) {
	vault := newFakeVault(t)
	defer vault.server.Close()

	broker := testBroker(t, vault)

	assert.Ok(t, broker.Authenticate(context.Background()))

	material, err := broker.Issue(context.Background())
	assert.Ok(t, err)

	assert.EqualString(t, material.Serial, vault.lastLeaf.Serial)
	assert.Assert(t, countPemBlocks(material.CertChainPEM) == 2) // leaf + issuing CA
	assert.Assert(t, countPemBlocks(material.IssuingCAPEM) == 1)
	assert.Assert(t, material.NotAfter.After(time.Now()))

	// request carried the identity attributes
	assert.EqualString(t, vault.lastIssueRequest["common_name"].(string), "app.example.com")
	assert.EqualString(t, vault.lastIssueRequest["ttl"].(string), "1h0m0s")
	assert.EqualString(t, vault.lastIssueRequest["alt_names"].(string), "alt.example.com")
	assert.EqualString(t, vault.lastIssueRequest["ip_sans"].(string), "10.0.0.1")
}

func TestIssueDeniedForgetsToken(t *testing.T) {
	vault := newFakeVault(t)
	defer vault.server.Close()

	broker := testBroker(t, vault)

	assert.Ok(t, broker.Authenticate(context.Background()))
	assert.Assert(t, vault.logins == 1)

	vault.denyIssuance = true

	_, err := broker.Issue(context.Background())

	brokerErr := &Error{}
	assert.Assert(t, errors.As(err, &brokerErr))
	assert.Assert(t, brokerErr.Kind == KindIssuanceDenied)

	// rejection could have been an expired session token, so it was dropped
	assert.Ok(t, broker.Authenticate(context.Background()))
	assert.Assert(t, vault.logins == 2)
}

func TestUnreachableVaultIsNetworkError(t *testing.T) {
	conf := testConf(t)
	conf.VaultAddr = "http://127.0.0.1:1" // nothing listens here

	broker, err := New(conf, nil)
	assert.Ok(t, err)

	err = broker.Authenticate(context.Background())

	brokerErr := &Error{}
	assert.Assert(t, errors.As(err, &brokerErr))
	assert.Assert(t, brokerErr.Kind == KindNetworkError)
}

type fakeVault struct {
	t      *testing.T
	ca     *certtest.CA
	server *httptest.Server

	logins           int
	denyIssuance     bool
	lastLeaf         *certtest.Leaf
	lastIssueRequest map[string]interface{}
}

func newFakeVault(t *testing.T) *fakeVault {
	ca, err := certtest.NewCA()
	assert.Ok(t, err)

	vault := &fakeVault{t: t, ca: ca}

	mux := http.NewServeMux()

	mux.HandleFunc("/v1/auth/kubernetes/login", func(w http.ResponseWriter, r *http.Request) {
		login := map[string]interface{}{}
		assert.Ok(t, json.NewDecoder(r.Body).Decode(&login))
		assert.EqualString(t, login["role"].(string), "my-workload")
		assert.EqualString(t, login["jwt"].(string), "dummyJwt")

		vault.logins++

		writeJson(t, w, map[string]interface{}{
			"auth": map[string]interface{}{
				"client_token":   "s.dummyToken",
				"lease_duration": 3600,
			},
		})
	})

	mux.HandleFunc("/v1/pki/issue/my-workload", func(w http.ResponseWriter, r *http.Request) {
		assert.EqualString(t, r.Header.Get("X-Vault-Token"), "s.dummyToken")

		if vault.denyIssuance {
			w.WriteHeader(http.StatusForbidden)
			writeJson(t, w, map[string]interface{}{"errors": []string{"permission denied"}})
			return
		}

		vault.lastIssueRequest = map[string]interface{}{}
		assert.Ok(t, json.NewDecoder(r.Body).Decode(&vault.lastIssueRequest))

		leaf, err := ca.Issue("app.example.com", time.Now().Add(-time.Minute), time.Now().Add(time.Hour))
		assert.Ok(t, err)
		vault.lastLeaf = leaf

		writeJson(t, w, map[string]interface{}{
			"lease_duration": 3600,
			"data": map[string]interface{}{
				"certificate":   string(leaf.LeafPEM),
				"issuing_ca":    string(ca.PEM),
				"private_key":   string(leaf.KeyPEM),
				"serial_number": leaf.Serial,
			},
		})
	})

	vault.server = httptest.NewServer(mux)

	return vault
}

func testBroker(t *testing.T, vault *fakeVault) *Broker {
	conf := testConf(t)
	conf.VaultAddr = vault.server.URL

	broker, err := New(conf, nil)
	assert.Ok(t, err)

	return broker
}

func testConf(t *testing.T) *sidecarconfig.Config {
	saTokenPath := filepath.Join(t.TempDir(), "token")
	assert.Ok(t, os.WriteFile(saTokenPath, []byte("dummyJwt\n"), 0600))

	return &sidecarconfig.Config{
		VaultAuthRole:  "my-workload",
		VaultAuthMount: "kubernetes",
		VaultPkiRole:   "my-workload",
		VaultPkiMount:  "pki",
		SaTokenPath:    saTokenPath,
		CertCommonName: "app.example.com",
		CertAltNames:   []string{"alt.example.com"},
		CertIpSans:     []string{"10.0.0.1"},
		CertTtl:        1 * time.Hour,
	}
}

func writeJson(t *testing.T, w http.ResponseWriter, value interface{}) {
	assert.Ok(t, json.NewEncoder(w).Encode(value))
}

func countPemBlocks(pemBytes []byte) int {
	count := 0
	for {
		var block *pem.Block
		block, pemBytes = pem.Decode(pemBytes)
		if block == nil {
			return count
		}
		count++
	}
}
