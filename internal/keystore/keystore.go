// Package keystore loads the organization's client identity: the
// certificate and private key used for mutual TLS against the GIS ZHKH
// endpoint.
//
// Two providers exist: PEM files on disk, and a PKCS#11 hardware token
// (GOST keys commonly live on tokens). The PKCS#11 provider is behind
// the pkcs11 build tag because it links against a native module.
package keystore

import (
	"fmt"

	"github.com/oksifun/gis-300-sub001/internal/config"
	"github.com/oksifun/gis-300-sub001/pkg/transport"
)

// Provider yields the client identity for session construction.
type Provider interface {
	Identity() (*transport.Identity, error)
}

// NewProvider creates a Provider based on the configuration.
func NewProvider(cfg *config.Config) (Provider, error) {
	switch cfg.Keystore.Mode {
	case "file":
		return NewFileProvider(cfg.GIS.TLS.CertFile, cfg.GIS.TLS.KeyFile), nil
	case "pkcs11":
		return newPKCS11Provider(&cfg.Keystore.PKCS11)
	default:
		return nil, fmt.Errorf("unknown keystore mode: %s", cfg.Keystore.Mode)
	}
}
