// Package upstream forwards admitted gateway traffic to the trading platform API.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/genxfx/genx-gateway/internal/health"
	"github.com/genxfx/genx-gateway/internal/httpmw"
	"github.com/genxfx/genx-gateway/internal/log"
	"github.com/genxfx/genx-gateway/internal/xerrors"
)

// Error kinds passed to Options.OnError and used as the metric label.
const (
	KindTimeout     = "timeout"
	KindUnavailable = "unavailable"
	KindCanceled    = "canceled"
)

// DefaultTimeout bounds the wait for upstream response headers.
const DefaultTimeout = 15 * time.Second

type Options struct {
	// Target is the base URL of the platform API, e.g. http://api:8000.
	Target *url.URL

	// Timeout is the response header timeout, DefaultTimeout when zero.
	Timeout time.Duration

	// Transport replaces the default otelhttp instrumented transport, used by tests.
	Transport http.RoundTripper

	// OnError is called once per failed proxy attempt with one of the Kind constants.
	OnError func(kind string)
}

// Proxy is an http.Handler that forwards to Options.Target.
type Proxy struct {
	target  *url.URL
	rp      *httputil.ReverseProxy
	onError func(kind string)
}

func New(opts Options) (*Proxy, error) {
	if opts.Target == nil || opts.Target.Scheme == "" || opts.Target.Host == "" {
		return nil, xerrors.New("upstream: target must be an absolute url")
	}
	if opts.Target.Scheme != "http" && opts.Target.Scheme != "https" {
		return nil, xerrors.Newf("upstream: unsupported scheme %q", opts.Target.Scheme)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	rt := opts.Transport
	if rt == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.ResponseHeaderTimeout = opts.Timeout
		tr.MaxIdleConnsPerHost = 64
		rt = otelhttp.NewTransport(tr)
	}

	p := &Proxy{target: opts.Target, onError: opts.OnError}
	p.rp = &httputil.ReverseProxy{
		Rewrite:      p.rewrite,
		Transport:    rt,
		ErrorHandler: p.handleError,
	}
	return p, nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.rp.ServeHTTP(w, r)
}

// rewrite keeps the inbound X-Forwarded-For chain, which ReverseProxy strips
// before Rewrite runs, and appends this hop to it.
func (p *Proxy) rewrite(pr *httputil.ProxyRequest) {
	pr.SetURL(p.target)
	pr.Out.Header["X-Forwarded-For"] = pr.In.Header["X-Forwarded-For"]
	pr.SetXForwarded()
	if ip := httpmw.ClientIPFromContext(pr.In.Context()); ip != "" {
		pr.Out.Header.Set("X-Real-IP", ip)
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	kind := classify(err)
	if p.onError != nil {
		p.onError(kind)
	}

	L := log.FromContext(r.Context())
	if kind == KindCanceled {
		L.Debug(r.Context(), "client went away before upstream answered")
		return
	}
	L.Error(r.Context(), err, "upstream request failed", "kind", kind, "upstream", p.target.Host)

	status, body := http.StatusBadGateway, errorBody{Error: "Bad gateway", Message: "Upstream service unavailable"}
	if kind == KindTimeout {
		status, body = http.StatusGatewayTimeout, errorBody{Error: "Gateway timeout", Message: "Upstream service did not respond in time"}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func classify(err error) string {
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return KindTimeout
	}
	return KindUnavailable
}

// Probe reports the upstream unreachable when a TCP connection to it cannot
// be opened. It does not send an HTTP request so it never counts against
// upstream quotas.
func (p *Proxy) Probe() health.CheckFunc {
	addr := p.target.Host
	if p.target.Port() == "" {
		port := "80"
		if p.target.Scheme == "https" {
			port = "443"
		}
		addr = net.JoinHostPort(p.target.Hostname(), port)
	}
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return xerrors.Wrapf(err, "upstream %s unreachable", addr)
		}
		return conn.Close()
	}
}
