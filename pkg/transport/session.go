package transport

import (
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/oksifun/gis-300-sub001/pkg/fault"
)

// GOST TLS 1.2 cipher suite identifiers (IANA assignments). Stock Go
// TLS does not implement these; a GOST-capable TLS build is required
// for the production endpoint without a tunnel.
const (
	TLS_GOSTR341112_256_WITH_KUZNYECHIK_CTR_OMAC uint16 = 0xC100
	TLS_GOSTR341112_256_WITH_MAGMA_CTR_OMAC      uint16 = 0xC101
	TLS_GOSTR341112_256_WITH_28147_CNT_IMIT      uint16 = 0xC102
)

// GOSTCipherSuites is the restricted cipher list mandated by the
// production endpoint.
var GOSTCipherSuites = []uint16{
	TLS_GOSTR341112_256_WITH_KUZNYECHIK_CTR_OMAC,
	TLS_GOSTR341112_256_WITH_MAGMA_CTR_OMAC,
	TLS_GOSTR341112_256_WITH_28147_CNT_IMIT,
}

// CipherPolicy selects the cipher list for the TLS adapter.
type CipherPolicy string

const (
	// CipherPolicyGOST restricts the session to the GOST suites.
	CipherPolicyGOST CipherPolicy = "gost"
	// CipherPolicyStandard leaves the Go defaults in place. Only
	// acceptable against the sandbox stands.
	CipherPolicyStandard CipherPolicy = "standard"
)

// maxRedirects caps silent redirect following; anything past the cap
// surfaces as an error instead of being followed.
const maxRedirects = 3

// thumbprintHeader carries the client certificate thumbprint when the
// session runs over a plaintext tunnel and the peer cannot see the TLS
// client certificate.
const thumbprintHeader = "X-Client-Cert-Thumbprint"

// Identity is the organization's cryptographic identity, loaded once at
// session construction and read-only thereafter.
type Identity struct {
	Certificate tls.Certificate
	Thumbprint  string
}

// NewIdentity derives the thumbprint from the leaf certificate.
func NewIdentity(cert tls.Certificate) (*Identity, error) {
	if len(cert.Certificate) == 0 {
		return nil, fmt.Errorf("identity certificate is empty")
	}
	sum := sha1.Sum(cert.Certificate[0])
	return &Identity{
		Certificate: cert,
		Thumbprint:  hex.EncodeToString(sum[:]),
	}, nil
}

// BasicAuth holds the credentials attached when targeting a sandbox
// stand.
type BasicAuth struct {
	Username string
	Password string
}

// TunnelConfig points the session at a trusted encrypting tunnel that
// terminates TLS on the client's behalf.
type TunnelConfig struct {
	Host string
	Port int
}

// Config describes everything needed to establish a session.
type Config struct {
	Environment Environment
	Tunnel      *TunnelConfig
	PreferIP    bool
	// DisableTLS selects the sandbox plaintext port. Ignored for
	// production.
	DisableTLS bool

	CipherPolicy CipherPolicy
	// TrustBundle is the path to the CA bundle used for server
	// verification. Empty skips verification with a logged warning.
	TrustBundle string
	// OCSPCheck enables revocation checking of the server leaf
	// certificate on verified connections.
	OCSPCheck bool

	SandboxAuth *BasicAuth

	// OperationTimeout bounds one business operation call end to end.
	OperationTimeout time.Duration

	Logger *slog.Logger
}

// Transport is the capability interface the SOAP and schema layers
// depend on. A Session implements it; tests substitute fakes.
type Transport interface {
	Get(ctx context.Context, url string) (*http.Response, error)
	Post(ctx context.Context, url, contentType string, headers map[string]string, body []byte) (*http.Response, error)
	// Load fetches a document with its own timeout budget, independent
	// of the operation timeout.
	Load(ctx context.Context, url string, timeout time.Duration) ([]byte, error)
}

// Session is a configured HTTP(S) client context bound to one resolved
// endpoint. It is safe for use by a single worker; workers do not share
// sessions.
type Session struct {
	client   *http.Client
	endpoint *RemoteEndpoint
	identity *Identity
	auth     *BasicAuth
	tunneled bool
	logger   *slog.Logger
}

// Establish builds the session: resolves the endpoint, loads the trust
// bundle, installs the TLS adapter (when not tunneling) and fixes the
// redirect policy. Configuration problems are fatal here; no request is
// attempted.
func Establish(cfg *Config, identity *Identity) (*Session, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if identity == nil {
		return nil, fmt.Errorf("identity is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	endpoint, err := ResolveEndpoint(cfg, logger)
	if err != nil {
		return nil, err
	}

	// No implicit inheritance of OS proxy settings: the endpoint is
	// reached directly or through the configured tunnel, never through
	// an environment proxy.
	httpTransport := &http.Transport{
		Proxy:               nil,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 30 * time.Second,
	}

	if !endpoint.Tunneled && endpoint.Scheme == "https" {
		tlsConfig, err := buildTLSConfig(cfg, identity, logger)
		if err != nil {
			return nil, err
		}
		httpTransport.TLSClientConfig = tlsConfig
	} else if endpoint.Tunneled {
		logger.Warn("server certificate verification delegated to tunnel",
			"tunnel", fmt.Sprintf("%s:%d", cfg.Tunnel.Host, cfg.Tunnel.Port))
	}

	timeout := cfg.OperationTimeout
	if timeout == 0 {
		timeout = defaultOperationTimeout(cfg.Environment)
	}

	s := &Session{
		endpoint: endpoint,
		identity: identity,
		tunneled: endpoint.Tunneled,
		logger:   logger,
		client: &http.Client{
			Transport: httpTransport,
			Timeout:   timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
	}
	if cfg.Environment.IsSandbox() {
		s.auth = cfg.SandboxAuth
	}
	return s, nil
}

// buildTLSConfig restricts the connection to TLS 1.2 with ALPN http/1.1
// and the configured cipher policy, and wires server verification
// against the trust bundle.
func buildTLSConfig(cfg *Config, identity *Identity, logger *slog.Logger) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
		Certificates: []tls.Certificate{identity.Certificate},
	}

	switch cfg.CipherPolicy {
	case CipherPolicyGOST, "":
		if !gostSuitesAvailable() {
			return nil, &fault.ConfigError{
				Reason: "GOST crypto engine not available: TLS stack lacks the GOST cipher suites",
			}
		}
		tlsConfig.CipherSuites = GOSTCipherSuites
	case CipherPolicyStandard:
		if !cfg.Environment.IsSandbox() {
			return nil, &fault.ConfigError{
				Reason: "standard cipher policy is only permitted against sandbox stands",
			}
		}
	default:
		return nil, &fault.ConfigError{Reason: fmt.Sprintf("unknown cipher policy %q", cfg.CipherPolicy)}
	}

	switch {
	case cfg.TrustBundle != "":
		pem, err := os.ReadFile(cfg.TrustBundle)
		if err != nil {
			return nil, &fault.ConfigError{Reason: "trust bundle not readable", Path: cfg.TrustBundle}
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, &fault.ConfigError{Reason: "trust bundle contains no certificates", Path: cfg.TrustBundle}
		}
		tlsConfig.RootCAs = pool
	default:
		logger.Warn("no trust bundle configured, server certificate verification disabled")
		tlsConfig.InsecureSkipVerify = true
	}

	if cfg.OCSPCheck && !tlsConfig.InsecureSkipVerify {
		tlsConfig.VerifyPeerCertificate = ocspVerifier(logger)
	}
	return tlsConfig, nil
}

// gostSuitesAvailable reports whether the running TLS stack implements
// any of the GOST suites. Stock Go does not; a patched build does.
func gostSuitesAvailable() bool {
	for _, suite := range tls.CipherSuites() {
		for _, id := range GOSTCipherSuites {
			if suite.ID == id {
				return true
			}
		}
	}
	for _, suite := range tls.InsecureCipherSuites() {
		for _, id := range GOSTCipherSuites {
			if suite.ID == id {
				return true
			}
		}
	}
	return false
}

func defaultOperationTimeout(env Environment) time.Duration {
	if env.IsSandbox() {
		return 2 * time.Minute
	}
	return 5 * time.Minute
}

// Endpoint returns the session's resolved endpoint.
func (s *Session) Endpoint() *RemoteEndpoint { return s.endpoint }

// Thumbprint returns the client certificate thumbprint.
func (s *Session) Thumbprint() string { return s.identity.Thumbprint }

// Get performs a GET through the session.
func (s *Session) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	s.decorate(req)
	return s.client.Do(req)
}

// Post performs a POST through the session. Extra headers (SOAPAction
// and friends) are supplied by the caller.
func (s *Session) Post(ctx context.Context, url, contentType string, headers map[string]string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	s.decorate(req)
	return s.client.Do(req)
}

// Load fetches a document (WSDL/XSD) with its own timeout budget.
func (s *Session) Load(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := s.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &fault.TransferError{StatusCode: resp.StatusCode, Reason: resp.Status}
	}
	return io.ReadAll(resp.Body)
}

// decorate attaches the per-environment request identity: basic auth on
// sandbox stands, the certificate thumbprint when tunneling.
func (s *Session) decorate(req *http.Request) {
	if s.auth != nil {
		req.SetBasicAuth(s.auth.Username, s.auth.Password)
	}
	if s.tunneled {
		req.Header.Set(thumbprintHeader, s.identity.Thumbprint)
	}
}
