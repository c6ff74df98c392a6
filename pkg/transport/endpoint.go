package transport

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"

	"github.com/miekg/dns"
)

// Environment selects which GIS ZHKH stand the session talks to.
type Environment string

const (
	// EnvProduction is the live service bus.
	EnvProduction Environment = "production"
	// EnvSIT1 and EnvSIT2 are the two public integration-test stands.
	EnvSIT1 Environment = "sit01"
	EnvSIT2 Environment = "sit02"
)

// IsSandbox reports whether the environment is one of the test stands.
func (e Environment) IsSandbox() bool {
	return e == EnvSIT1 || e == EnvSIT2
}

// Fixed per-environment hosts and ports. The sandbox stands expose a
// TLS port and a plaintext fallback port.
const (
	productionHost = "api.dom.gosuslugi.ru"
	productionPort = 443

	sandboxSecurePort   = 10082
	sandboxInsecurePort = 10081
)

var sandboxHosts = map[Environment]string{
	EnvSIT1: "sit01.dom.test.gosuslugi.ru",
	EnvSIT2: "sit02.dom.test.gosuslugi.ru",
}

// knownHostAddrs is the static allow-list consulted when PreferIP is
// set, so production traffic does not depend on DNS availability.
var knownHostAddrs = map[string]string{
	productionHost:                "217.107.108.147",
	"sit01.dom.test.gosuslugi.ru": "217.107.108.156",
	"sit02.dom.test.gosuslugi.ru": "217.107.108.160",
}

// RemoteEndpoint is the resolved, immutable target of a session. It is
// computed once at session construction and never mutated.
type RemoteEndpoint struct {
	Environment Environment
	Tunneled    bool
	Scheme      string
	Host        string
	Port        int
}

// URL returns the endpoint base URL.
func (e *RemoteEndpoint) URL() string {
	return (&url.URL{
		Scheme: e.Scheme,
		Host:   net.JoinHostPort(e.Host, strconv.Itoa(e.Port)),
	}).String()
}

// Secure reports whether the endpoint carries genuine TLS end to end.
// A tunneled endpoint is encrypted on the wire but the session itself
// speaks plaintext, which matters for payload signing.
func (e *RemoteEndpoint) Secure() bool {
	return !e.Tunneled && e.Scheme == "https"
}

// ResolveEndpoint picks the endpoint for the given configuration using
// the precedence tunnel > production > sandbox-secure >
// sandbox-insecure.
func ResolveEndpoint(cfg *Config, logger *slog.Logger) (*RemoteEndpoint, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ep := &RemoteEndpoint{Environment: cfg.Environment}
	switch {
	case cfg.Tunnel != nil:
		ep.Tunneled = true
		ep.Scheme = "http"
		ep.Host = cfg.Tunnel.Host
		ep.Port = cfg.Tunnel.Port
		return ep, nil

	case !cfg.Environment.IsSandbox():
		ep.Scheme = "https"
		ep.Host = productionHost
		ep.Port = productionPort

	case !cfg.DisableTLS:
		ep.Scheme = "https"
		ep.Host = sandboxHosts[cfg.Environment]
		ep.Port = sandboxSecurePort

	default:
		logger.Warn("sandbox endpoint without TLS", "environment", cfg.Environment)
		ep.Scheme = "http"
		ep.Host = sandboxHosts[cfg.Environment]
		ep.Port = sandboxInsecurePort
	}

	if ep.Host == "" {
		return nil, fmt.Errorf("no host known for environment %q", cfg.Environment)
	}

	if cfg.PreferIP {
		addr, err := resolveHostAddr(ep.Host)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", ep.Host, err)
		}
		ep.Host = addr
	}
	return ep, nil
}

// resolveHostAddr returns the statically known address for allow-listed
// hosts and falls back to an explicit A lookup otherwise.
func resolveHostAddr(host string) (string, error) {
	if addr, ok := knownHostAddrs[host]; ok {
		return addr, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", fmt.Errorf("reading resolver config: %w", err)
	}
	if len(conf.Servers) == 0 {
		return "", fmt.Errorf("no DNS servers configured")
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)

	client := new(dns.Client)
	resp, _, err := client.Exchange(msg, net.JoinHostPort(conf.Servers[0], conf.Port))
	if err != nil {
		return "", fmt.Errorf("DNS query: %w", err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("DNS query for %s failed: %s", host, dns.RcodeToString[resp.Rcode])
	}
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A.String(), nil
		}
	}
	return "", fmt.Errorf("no A record for %s", host)
}
