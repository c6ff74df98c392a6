/*
Package transport implements the HTTP(S) session layer for talking to
the GIS ZHKH service bus.

The session owns endpoint resolution, the TLS policy and the client
identity. Callers never touch net/http directly; they depend on the
small [Transport] capability interface (Get, Post, Load) that a
[Session] implements.

# Endpoint resolution

One of four endpoints is selected, in precedence order:

 1. the encrypting tunnel, when one is configured
 2. the production endpoint, when the environment is production
 3. the sandbox secure endpoint, when TLS is enabled
 4. the sandbox plaintext endpoint (logs a warning)

Ports are fixed per environment. With PreferIP set, hostnames on a
short allow-list are replaced by statically known addresses so the
session does not depend on DNS; other hosts are resolved explicitly.

# TLS policy

When not tunneling, the session speaks TLS 1.2 only (the one version
the GOST cipher suites support), advertises HTTP/1.1 via ALPN and
restricts the cipher list to the GOST national-cryptography suites.
A TLS stack without those suites is a fatal configuration error, not a
retryable one. Behind a trusted tunnel the session speaks plaintext
HTTP and attaches the client certificate thumbprint as a header so the
peer can still identify the caller.

Server certificates are verified against a configured trust bundle;
a configured-but-missing bundle fails session construction. With no
bundle configured (or when tunneling) verification is skipped with a
logged warning.
*/
package transport
