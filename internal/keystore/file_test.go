package keystore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oksifun/gis-300-sub001/internal/config"
)

// writeKeyPair writes a throwaway self-signed PEM pair and returns the
// file paths.
func writeKeyPair(t *testing.T) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test-org"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "client.crt")
	keyFile = filepath.Join(dir, "client.key")

	require.NoError(t, os.WriteFile(certFile,
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))
	require.NoError(t, os.WriteFile(keyFile,
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestFileProvider(t *testing.T) {
	certFile, keyFile := writeKeyPair(t)
	p := NewFileProvider(certFile, keyFile)

	identity, err := p.Identity()
	require.NoError(t, err)
	assert.Len(t, identity.Thumbprint, 40)

	// Loaded once, cached thereafter.
	again, err := p.Identity()
	require.NoError(t, err)
	assert.Same(t, identity, again)
}

func TestFileProvider_MissingFiles(t *testing.T) {
	p := NewFileProvider("/nonexistent.crt", "/nonexistent.key")
	_, err := p.Identity()
	assert.Error(t, err)
}

func TestNewProvider(t *testing.T) {
	certFile, keyFile := writeKeyPair(t)

	cfg := &config.Config{}
	cfg.Keystore.Mode = "file"
	cfg.GIS.TLS.CertFile = certFile
	cfg.GIS.TLS.KeyFile = keyFile

	p, err := NewProvider(cfg)
	require.NoError(t, err)
	assert.IsType(t, &FileProvider{}, p)

	cfg.Keystore.Mode = "vault"
	_, err = NewProvider(cfg)
	assert.Error(t, err)
}
