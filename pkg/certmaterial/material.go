// The immutable certificate bundle that flows from issuance to the store and
// out to TLS handshakes. A renewal always constructs a new Material.
package certmaterial

import (
	"time"

	"github.com/function61/gokit/cryptoutil"
)

type Material struct {
	CertChainPEM  []byte // leaf + issuing CA
	PrivateKeyPEM []byte
	IssuingCAPEM  []byte
	Serial        string
	NotBefore     time.Time
	NotAfter      time.Time
	IssuedAt      time.Time
	TTL           time.Duration // actual validity left at issuance, not the requested TTL
}

// the validity window is read off the leaf; everything else (key matching the
// leaf, leaf being signed by the CA) is deliberately left to certstore.Publish()
// so a malformed bundle is rejected there instead of being lost here
func New(
	certChainPEM []byte,
	privateKeyPEM []byte,
	issuingCAPEM []byte,
	serial string,
	issuedAt time.Time,
) (*Material, error) {
	// parses the first PEM block, i.e. the leaf
	leaf, err := cryptoutil.ParsePemX509Certificate(certChainPEM)
	if err != nil {
		return nil, err
	}

	return &Material{
		CertChainPEM:  certChainPEM,
		PrivateKeyPEM: privateKeyPEM,
		IssuingCAPEM:  issuingCAPEM,
		Serial:        serial,
		NotBefore:     leaf.NotBefore,
		NotAfter:      leaf.NotAfter,
		IssuedAt:      issuedAt,
		TTL:           leaf.NotAfter.Sub(issuedAt),
	}, nil
}
