package ratelimit

import (
	"net"
	"net/http"
	"strings"

	"github.com/genxfx/genx-gateway/internal/httpmw"
)

// UnknownClient is the key used when a request carries no usable identity.
const UnknownClient = "unknown"

// KeyFunc derives the client key a request is accounted against.
type KeyFunc func(*http.Request) string

// ClientKey identifies the caller from forwarding headers, falling back to the
// transport peer: first X-Forwarded-For entry, then X-Real-IP, then the host
// part of RemoteAddr. Values are trimmed but not validated as addresses, so
// this is only safe behind a proxy that overwrites both headers.
func ClientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if k := strings.TrimSpace(first); k != "" {
			return k
		}
	}
	if k := strings.TrimSpace(r.Header.Get("X-Real-IP")); k != "" {
		return k
	}
	if k := peerHost(r.RemoteAddr); k != "" {
		return k
	}
	return UnknownClient
}

// ContextClientIP uses the address resolved by httpmw.ClientIPWithOptions,
// which only honours X-Forwarded-For from trusted hops.
func ContextClientIP(r *http.Request) string {
	if ip := httpmw.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	if k := peerHost(r.RemoteAddr); k != "" {
		return k
	}
	return UnknownClient
}

func peerHost(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		// no port, e.g. a unix socket peer or a bare address
		return addr
	}
	return host
}
