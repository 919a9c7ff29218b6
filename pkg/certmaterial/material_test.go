package certmaterial

import (
	"testing"
	"time"

	"github.com/function61/certsidecar/pkg/certtest"
	"github.com/function61/gokit/assert"
)

func TestNew(t *testing.T) {
	ca, err := certtest.NewCA()
	assert.Ok(t, err)

	issuedAt := time.Now()
	notBefore := issuedAt.Add(-1 * time.Minute)
	notAfter := issuedAt.Add(1 * time.Hour)

	leaf, err := ca.Issue("app.example.com", notBefore, notAfter)
	assert.Ok(t, err)

	material, err := New(leaf.ChainPEM, leaf.KeyPEM, ca.PEM, leaf.Serial, issuedAt)
	assert.Ok(t, err)

	assert.EqualString(t, material.Serial, leaf.Serial)
	// x509 truncates to seconds
	assert.Assert(t, material.NotAfter.Unix() == notAfter.Unix())
	assert.Assert(t, material.NotBefore.Unix() == notBefore.Unix())

	ttlDrift := material.TTL - time.Hour
	assert.Assert(t, ttlDrift > -2*time.Second && ttlDrift < 2*time.Second)
}

func TestNewWithGarbage(t *testing.T) {
	_, err := New([]byte("not a cert"), nil, nil, "", time.Now())
	assert.Assert(t, err != nil)
}
