//go:build !pkcs11

package keystore

import (
	"fmt"

	"github.com/oksifun/gis-300-sub001/internal/config"
)

// newPKCS11Provider without the pkcs11 build tag always fails: the
// native module is not linked in.
func newPKCS11Provider(_ *config.PKCS11Config) (Provider, error) {
	return nil, fmt.Errorf("PKCS#11 support not compiled in (build with -tags pkcs11)")
}
