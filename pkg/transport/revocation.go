package transport

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/crypto/ocsp"
)

// ocspTimeout bounds one responder round trip during the handshake.
const ocspTimeout = 10 * time.Second

// ocspVerifier returns a VerifyPeerCertificate hook that checks the
// server leaf against its OCSP responder. A certificate without a
// responder URL passes; an unreachable responder is logged and passes
// (soft-fail). Only a definite "revoked" answer fails the handshake.
func ocspVerifier(logger *slog.Logger) func([][]byte, [][]*x509.Certificate) error {
	client := &http.Client{Timeout: ocspTimeout}
	return func(_ [][]byte, verifiedChains [][]*x509.Certificate) error {
		if len(verifiedChains) == 0 || len(verifiedChains[0]) < 2 {
			return nil
		}
		leaf, issuer := verifiedChains[0][0], verifiedChains[0][1]
		if len(leaf.OCSPServer) == 0 {
			return nil
		}

		status, err := queryOCSP(client, leaf, issuer)
		if err != nil {
			logger.Warn("OCSP check inconclusive", "error", err)
			return nil
		}
		if status == ocsp.Revoked {
			return fmt.Errorf("server certificate %s is revoked", leaf.Subject)
		}
		return nil
	}
}

func queryOCSP(client *http.Client, leaf, issuer *x509.Certificate) (int, error) {
	reqDER, err := ocsp.CreateRequest(leaf, issuer, nil)
	if err != nil {
		return ocsp.Unknown, fmt.Errorf("building OCSP request: %w", err)
	}

	resp, err := client.Post(leaf.OCSPServer[0], "application/ocsp-request", bytes.NewReader(reqDER))
	if err != nil {
		return ocsp.Unknown, fmt.Errorf("querying OCSP responder: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ocsp.Unknown, fmt.Errorf("reading OCSP response: %w", err)
	}

	parsed, err := ocsp.ParseResponseForCert(body, leaf, issuer)
	if err != nil {
		return ocsp.Unknown, fmt.Errorf("parsing OCSP response: %w", err)
	}
	return parsed.Status, nil
}
