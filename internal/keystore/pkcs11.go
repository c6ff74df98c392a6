//go:build pkcs11

package keystore

import (
	"crypto/tls"
	"fmt"

	"github.com/ThalesGroup/crypto11"

	"github.com/oksifun/gis-300-sub001/internal/config"
	"github.com/oksifun/gis-300-sub001/pkg/transport"
)

// PKCS11Provider loads the identity from a hardware token. The private
// key never leaves the token; TLS handshakes sign through the module.
type PKCS11Provider struct {
	ctx      *crypto11.Context
	keyLabel string
}

func newPKCS11Provider(cfg *config.PKCS11Config) (Provider, error) {
	c11cfg := &crypto11.Config{
		Path: cfg.ModulePath,
		Pin:  cfg.PIN,
	}
	if cfg.SlotID > 0 {
		slot := int(cfg.SlotID)
		c11cfg.SlotNumber = &slot
	}
	if cfg.SlotLabel != "" {
		c11cfg.TokenLabel = cfg.SlotLabel
	}

	ctx, err := crypto11.Configure(c11cfg)
	if err != nil {
		return nil, fmt.Errorf("configuring PKCS#11: %w", err)
	}
	return &PKCS11Provider{ctx: ctx, keyLabel: cfg.KeyLabel}, nil
}

// Identity finds the key pair and matching certificate on the token and
// assembles a TLS client certificate around them.
func (p *PKCS11Provider) Identity() (*transport.Identity, error) {
	signer, err := p.ctx.FindKeyPair(nil, []byte(p.keyLabel))
	if err != nil {
		return nil, fmt.Errorf("finding key pair %q: %w", p.keyLabel, err)
	}
	if signer == nil {
		return nil, fmt.Errorf("no key pair labeled %q on token", p.keyLabel)
	}

	cert, err := p.ctx.FindCertificate(nil, []byte(p.keyLabel), nil)
	if err != nil {
		return nil, fmt.Errorf("finding certificate %q: %w", p.keyLabel, err)
	}
	if cert == nil {
		return nil, fmt.Errorf("no certificate labeled %q on token", p.keyLabel)
	}

	return transport.NewIdentity(tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  signer,
		Leaf:        cert,
	})
}

// Close releases the PKCS#11 session.
func (p *PKCS11Provider) Close() error {
	return p.ctx.Close()
}
