package auth

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/viant/afs"
	"github.com/viant/afs/storage"
)

// Certificate is a client certificate together with its private key.
type Certificate struct {
	Chain  []*x509.Certificate
	Key    crypto.PrivateKey
	Source string
}

// Leaf returns the certificate presented to the identity provider.
func (c Certificate) Leaf() *x509.Certificate {
	if len(c.Chain) == 0 {
		return nil
	}
	return c.Chain[0]
}

// CertificateStore looks up client certificates by subject name.
type CertificateStore interface {
	FindBySubject(ctx context.Context, subject string) ([]Certificate, error)
}

var certificateExtensions = map[string]bool{
	".pem": true,
	".crt": true,
	".cer": true,
	".pfx": true,
	".p12": true,
}

// DirStore is a read-only certificate store backed by a directory of PEM or
// PKCS#12 files. The directory may be any location afs can list.
type DirStore struct {
	fs       afs.Service
	location string
	password []byte
	log      *slog.Logger
}

// NewDirStore creates a store reading certificates under location.
// password decrypts PKCS#12 files and may be empty.
func NewDirStore(location, password string, log *slog.Logger) *DirStore {
	return &DirStore{
		fs:       afs.New(),
		location: location,
		password: []byte(password),
		log:      log,
	}
}

// FindBySubject returns every certificate whose subject contains subject,
// compared case-insensitively. Files that fail to parse or carry no private
// key are skipped.
func (s *DirStore) FindBySubject(ctx context.Context, subject string) ([]Certificate, error) {
	if subject == "" {
		return nil, nil
	}

	objects, err := s.fs.List(ctx, s.location)
	if err != nil {
		return nil, fmt.Errorf("list certificate store %s: %w", s.location, err)
	}

	needle := strings.ToLower(subject)
	var matches []Certificate
	for _, obj := range objects {
		if obj.IsDir() || !certificateExtensions[strings.ToLower(path.Ext(obj.Name()))] {
			continue
		}
		cert, ok := s.load(ctx, obj)
		if !ok {
			continue
		}
		if strings.Contains(strings.ToLower(cert.Leaf().Subject.String()), needle) {
			matches = append(matches, cert)
		}
	}
	return matches, nil
}

func (s *DirStore) load(ctx context.Context, obj storage.Object) (Certificate, bool) {
	data, err := s.fs.DownloadWithURL(ctx, obj.URL())
	if err != nil {
		s.log.Warn("read certificate", "file", obj.Name(), "err", err)
		return Certificate{}, false
	}
	certs, key, err := azidentity.ParseCertificates(data, s.password)
	if err != nil {
		s.log.Debug("skip certificate file", "file", obj.Name(), "err", err)
		return Certificate{}, false
	}
	if len(certs) == 0 || key == nil {
		return Certificate{}, false
	}
	return Certificate{Chain: certs, Key: key, Source: obj.URL()}, true
}
