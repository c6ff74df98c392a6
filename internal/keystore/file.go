package keystore

import (
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/oksifun/gis-300-sub001/pkg/transport"
)

// FileProvider loads the identity from PEM files at fixed on-disk
// locations. Loaded once, cached for the process lifetime.
type FileProvider struct {
	certFile string
	keyFile  string

	mu       sync.Mutex
	identity *transport.Identity
}

// NewFileProvider creates a provider over the given PEM file paths.
func NewFileProvider(certFile, keyFile string) *FileProvider {
	return &FileProvider{certFile: certFile, keyFile: keyFile}
}

// Identity loads and caches the client identity.
func (p *FileProvider) Identity() (*transport.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.identity != nil {
		return p.identity, nil
	}

	cert, err := tls.LoadX509KeyPair(p.certFile, p.keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading client certificate: %w", err)
	}
	identity, err := transport.NewIdentity(cert)
	if err != nil {
		return nil, err
	}
	p.identity = identity
	return identity, nil
}
