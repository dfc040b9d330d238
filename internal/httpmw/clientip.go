package httpmw

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type clientIPKey struct{}

// forwardingHeaders are dropped whenever they cannot be trusted so neither the
// limiter nor the upstream sees a spoofed client.
var forwardingHeaders = []string{"X-Forwarded-For", "X-Forwarded-Proto", "X-Real-IP"}

type ClientIPOptions struct {
	// TrustedHops is the number of reverse proxies in front of the gateway.
	// 0 ignores X-Forwarded-For, 1 takes its last entry (one load balancer),
	// 2 the one before it (CDN then load balancer), and so on.
	TrustedHops int
}

// ClientIP is ClientIPWithOptions with no trusted hops.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions resolves the caller address and stores it on the
// request context, see ClientIPFromContext.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolveClientIP(r, opts.TrustedHops)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

func stripForwarding(h http.Header) {
	for _, k := range forwardingHeaders {
		h.Del(k)
	}
}

// resolveClientIP only reads X-Forwarded-For when the peer is a private
// address and hops are configured. Any other case strips the forwarding
// headers and returns the peer.
func resolveClientIP(r *http.Request, trustedHops int) string {
	if r.RemoteAddr == "" {
		return "0.0.0.0"
	}
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	ip := net.ParseIP(peer)
	if ip == nil {
		return "0.0.0.0"
	}

	if !ip.IsPrivate() || trustedHops <= 0 {
		stripForwarding(r.Header)
		return peer
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return peer
	}
	parts := strings.Split(xff, ",")
	idx := len(parts) - trustedHops
	if idx < 0 {
		// shorter chain than proxies we run, someone is lying
		stripForwarding(r.Header)
		return peer
	}
	if candidate := strings.TrimSpace(parts[idx]); net.ParseIP(candidate) != nil {
		return candidate
	}
	return peer
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
