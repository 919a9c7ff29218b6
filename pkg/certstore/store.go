// Holds the currently-active certificate material behind an atomically
// swappable snapshot, and persists it for the workload to read.
//
// Exactly one writer (the renewal scheduler) ever calls Publish(); readers are
// the TLS handshakes of all in-flight connections, so reads must never lock or
// observe a half-swapped value.
package certstore

import (
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/function61/certsidecar/pkg/certmaterial"
	"github.com/function61/gokit/atomicfilewrite"
	"github.com/function61/gokit/cryptoutil"
	"github.com/function61/gokit/logex"
)

const (
	CertFile = "tls.crt" // leaf + issuing CA
	KeyFile  = "tls.key"
	CaFile   = "ca.crt"
)

// publish was refused because the material failed validation. The previously
// active material stays untouched.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "certificate material rejected: " + e.Reason
}

type snapshot struct {
	material *certmaterial.Material
	keypair  tls.Certificate
}

type Store struct {
	dir    string
	active atomic.Value // *snapshot
	logl   *logex.Leveled
	now    func() time.Time
}

func New(dir string, logger *log.Logger) *Store {
	return &Store{
		dir:  dir,
		logl: logex.Levels(logger),
		now:  time.Now,
	}
}

// Validates the material, swaps it in for new handshakes and writes the three
// artifacts to the certificate directory (each temp-write-then-renamed, so an
// external reader never sees a partial file).
//
// Validation failure => *RejectedError, previous material untouched, nothing
// written. A filesystem error after the swap is returned as-is; the caller
// treats it as fatal since the workload depends on those files.
func (s *Store) Publish(material *certmaterial.Material) error {
	keypair, err := tls.X509KeyPair(material.CertChainPEM, material.PrivateKeyPEM)
	if err != nil {
		return &RejectedError{fmt.Sprintf("private key does not match leaf: %v", err)}
	}

	leaf, err := cryptoutil.ParsePemX509Certificate(material.CertChainPEM)
	if err != nil {
		return &RejectedError{fmt.Sprintf("unparseable leaf: %v", err)}
	}

	issuingCa, err := cryptoutil.ParsePemX509Certificate(material.IssuingCAPEM)
	if err != nil {
		return &RejectedError{fmt.Sprintf("unparseable issuing CA: %v", err)}
	}

	if err := leaf.CheckSignatureFrom(issuingCa); err != nil {
		return &RejectedError{fmt.Sprintf("leaf not signed by supplied issuing CA: %v", err)}
	}

	if !leaf.NotAfter.After(leaf.NotBefore) {
		return &RejectedError{"notAfter not after notBefore"}
	}

	if !leaf.NotAfter.After(s.now()) {
		return &RejectedError{"already expired"}
	}

	s.active.Store(&snapshot{material, keypair})

	if err := s.writeArtifacts(material); err != nil {
		return err
	}

	s.logl.Info.Printf(
		"published certificate serial=%s notAfter=%s",
		material.Serial,
		material.NotAfter.Format(time.RFC3339))

	return nil
}

// the currently active material; nil before the first successful Publish()
func (s *Store) Current() *certmaterial.Material {
	snap, _ := s.active.Load().(*snapshot)
	if snap == nil {
		return nil
	}

	return snap.material
}

// for tls.Config's GetCertificate, so each handshake resolves whatever
// material is active at that moment
func (s *Store) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	snap, _ := s.active.Load().(*snapshot)
	if snap == nil {
		return nil, fmt.Errorf("no certificate published yet")
	}

	return &snap.keypair, nil
}

func (s *Store) writeArtifacts(material *certmaterial.Material) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("certificate dir: %w", err)
	}

	// each file is atomic on its own; there is no ordering guarantee across the
	// three, so an external reader can briefly see new cert alongside old key
	files := []struct {
		name    string
		content []byte
	}{
		{CertFile, material.CertChainPEM},
		{KeyFile, material.PrivateKeyPEM},
		{CaFile, material.IssuingCAPEM},
	}

	for _, file := range files {
		path := filepath.Join(s.dir, file.name)

		if err := atomicfilewrite.Write(path, func(w io.Writer) error {
			_, err := w.Write(file.content)
			return err
		}); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}

	return nil
}
