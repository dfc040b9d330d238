package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/genxfx/genx-gateway/internal/log"
	"github.com/genxfx/genx-gateway/internal/ratelimit"
)

// EnvPrefix is prepended to every flag name to form its environment variable.
const EnvPrefix = "GENX_"

// Key sources.
const (
	KeySourceHeaders  = "headers"
	KeySourceClientIP = "clientip"
)

// Rate limit stores.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StoreFailover = "failover"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	HTTPPort          int
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int
	SSMPath           string

	RateLimitPerMinute  int
	RateLimitPerHour    int
	RateLimitBurst      int
	RateLimitCleanup    time.Duration
	RateLimitMaxClients int
	RateLimitBypass     string
	RateLimitKeySource  string
	TrustedHops         int

	RateLimitStore     string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	RedisPrefix        string
	BreakerFailures    uint
	BreakerOpenTimeout time.Duration

	UpstreamURL     string
	UpstreamTimeout time.Duration
	MaxBodyBytes    int64
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "gateway listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.StringVar(&c.SSMPath, "ssm-path", "", "SSM parameter path holding flag overrides, e.g. /genx/gateway (empty disables)")

	fs.IntVar(&c.RateLimitPerMinute, "rate-limit-per-minute", ratelimit.DefaultPerMinute, "requests per client per 60s window")
	fs.IntVar(&c.RateLimitPerHour, "rate-limit-per-hour", ratelimit.DefaultPerHour, "requests per client per 3600s window")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", ratelimit.DefaultBurst, "requests per client per 1s window")
	fs.DurationVar(&c.RateLimitCleanup, "rate-limit-cleanup-interval", ratelimit.DefaultCleanupInterval, "minimum time between sweeps of idle clients")
	fs.IntVar(&c.RateLimitMaxClients, "rate-limit-max-clients", 100000, "max tracked client keys, new clients beyond it get 429 (0 = unlimited)")
	fs.StringVar(&c.RateLimitBypass, "rate-limit-bypass", strings.Join(ratelimit.DefaultBypassPaths, ","), "comma separated paths never rate limited")
	fs.StringVar(&c.RateLimitKeySource, "rate-limit-key-source", KeySourceHeaders, "client key source: headers (X-Forwarded-For, X-Real-IP, peer) or clientip (trusted hops)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "trusted proxies in front of the gateway, used with -rate-limit-key-source=clientip")

	fs.StringVar(&c.RateLimitStore, "rate-limit-store", StoreMemory, "memory|redis|failover (redis with in-memory fallback)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "localhost:6379", "redis host:port for the redis and failover stores")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database number")
	fs.StringVar(&c.RedisPrefix, "redis-prefix", ratelimit.DefaultRedisPrefix, "prefix of every rate limit key in redis")
	fs.UintVar(&c.BreakerFailures, "breaker-failures", 5, "consecutive redis failures before the failover store switches to memory")
	fs.DurationVar(&c.BreakerOpenTimeout, "breaker-open-timeout", 30*time.Second, "time on the memory fallback before redis is probed again")

	fs.StringVar(&c.UpstreamURL, "upstream-url", "", "platform API base url to forward admitted requests to (empty serves JSON 404)")
	fs.DurationVar(&c.UpstreamTimeout, "upstream-timeout", 15*time.Second, "wait for upstream response headers")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 1<<20, "max request body size in bytes")
}

// Limits is the rate limiter configuration carried by c.
func (c App) Limits() ratelimit.Limits {
	return ratelimit.Limits{
		PerMinute:       c.RateLimitPerMinute,
		PerHour:         c.RateLimitPerHour,
		Burst:           c.RateLimitBurst,
		CleanupInterval: c.RateLimitCleanup,
		MaxClients:      c.RateLimitMaxClients,
	}
}

// BypassPaths splits RateLimitBypass, dropping blanks.
func (c App) BypassPaths() []string {
	var out []string
	for _, p := range strings.Split(c.RateLimitBypass, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// setFlags are the flags already given a value by the CLI or an earlier overlay.
func setFlags(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// overlay sets flag name from an outside source unless something with higher
// precedence already did. source names the origin in log lines.
func overlay(fs *flag.FlagSet, set map[string]bool, name, val, source string, logf func(string, ...any)) {
	f := fs.Lookup(name)
	if f == nil {
		return
	}
	if set[name] {
		if logf != nil {
			logf("flag -%s: value %q already set, ignoring %s=%q", name, f.Value.String(), source, val)
		}
		return
	}
	prev := f.Value.String()
	if err := fs.Set(name, val); err != nil {
		// restore without marking the flag as set so lower layers can still fill it
		_ = f.Value.Set(prev)
		if logf != nil {
			logf("flag -%s: ignoring invalid %s=%q: %v", name, source, val, err)
		}
		return
	}
	set[name] = true
}

// envKey is the environment variable read for flag name, "rate-limit-burst"
// becomes PREFIX_RATE_LIMIT_BURST.
func envKey(prefix, name string) string {
	return prefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// FillFromEnv sets every flag not given on the command line from its
// prefixed environment variable. Invalid values are logged and skipped.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	set := setFlags(fs)
	fs.VisitAll(func(f *flag.Flag) {
		key := envKey(prefix, f.Name)
		if v, ok := os.LookupEnv(key); ok {
			overlay(fs, set, f.Name, v, "env "+key, logf)
		}
	})
}

// LegacyEnvAliases maps the platform's older rate limit variables onto flags.
// RATE_LIMIT_WINDOW has always held the hourly request count.
var LegacyEnvAliases = map[string]string{
	"RATE_LIMIT_REQUESTS": "rate-limit-per-minute",
	"RATE_LIMIT_WINDOW":   "rate-limit-per-hour",
	"RATE_LIMIT_BURST":    "rate-limit-burst",
}

// FillFromAliases applies aliases (env var -> flag name) to flags still unset
// after the CLI and FillFromEnv.
func FillFromAliases(fs *flag.FlagSet, aliases map[string]string, logf func(string, ...any)) {
	set := setFlags(fs)
	for env, name := range aliases {
		if v, ok := os.LookupEnv(env); ok {
			overlay(fs, set, name, v, "env "+env, logf)
		}
	}
}

// Validate reports every out of range or malformed value at once.
func Validate(c App) error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	for name, port := range map[string]int{"HTTP_PORT": c.HTTPPort, "ADMIN_PORT": c.AdminPort} {
		if port < 1 || port > 65535 {
			bad("invalid %s %d (must be 1..65535)", name, port)
		}
	}
	if c.AdminPort == c.HTTPPort {
		bad("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort)
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		bad("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			bad("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err)
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		bad("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks)
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		bad("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample)
	}
	if c.EnableTracing {
		// the grpc exporter dials host:port, a scheme breaks it
		if c.OTLPEndpoint == "" {
			bad("OTLP_ENDPOINT required when ENABLE_TRACING=true")
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			bad("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err)
		}
	}
	if c.EnablePyroscope {
		if !isURL(c.PyroServer, "http", "https") {
			bad("PYRO_SERVER must be a URL when ENABLE_PYROSCOPE=true (got %q)", c.PyroServer)
		}
		if c.PyroTenantID == "" {
			bad("PYRO_TENANT required when ENABLE_PYROSCOPE=true")
		}
	}
	if c.SSMPath != "" && !strings.HasPrefix(c.SSMPath, "/") {
		bad("SSM_PATH must start with / (got %q)", c.SSMPath)
	}

	if err := c.Limits().Validate(); err != nil {
		bad("invalid rate limits: %w", err)
	}
	for _, p := range c.BypassPaths() {
		if !strings.HasPrefix(p, "/") {
			bad("RATE_LIMIT_BYPASS entry %q must start with /", p)
		}
	}
	if c.RateLimitKeySource != KeySourceHeaders && c.RateLimitKeySource != KeySourceClientIP {
		bad("invalid RATE_LIMIT_KEY_SOURCE %q (valid are %s|%s)", c.RateLimitKeySource, KeySourceHeaders, KeySourceClientIP)
	}
	if c.TrustedHops < 0 {
		bad("TRUSTED_HOPS must be >= 0 (got %d)", c.TrustedHops)
	}

	switch c.RateLimitStore {
	case StoreMemory:
	case StoreRedis, StoreFailover:
		if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
			bad("REDIS_ADDR must be host:port (got %q): %v", c.RedisAddr, err)
		}
		if c.RedisDB < 0 {
			bad("REDIS_DB must be >= 0 (got %d)", c.RedisDB)
		}
		if c.RedisPrefix == "" {
			bad("REDIS_PREFIX must not be empty")
		}
		if c.RateLimitStore == StoreFailover && c.BreakerFailures < 1 {
			bad("BREAKER_FAILURES must be >= 1")
		}
		if c.RateLimitStore == StoreFailover && c.BreakerOpenTimeout <= 0 {
			bad("BREAKER_OPEN_TIMEOUT must be > 0 (got %s)", c.BreakerOpenTimeout)
		}
	default:
		bad("invalid RATE_LIMIT_STORE %q (valid are %s|%s|%s)", c.RateLimitStore, StoreMemory, StoreRedis, StoreFailover)
	}

	if c.UpstreamURL != "" && !isURL(c.UpstreamURL, "http", "https") {
		bad("UPSTREAM_URL must be an http(s) URL (got %q)", c.UpstreamURL)
	}
	if c.UpstreamTimeout <= 0 {
		bad("UPSTREAM_TIMEOUT must be > 0 (got %s)", c.UpstreamTimeout)
	}
	if c.MaxBodyBytes < 1 {
		bad("MAX_BODY_BYTES must be >= 1 (got %d)", c.MaxBodyBytes)
	}
	return errors.Join(errs...)
}

func isURL(s string, schemes ...string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Host != "" && slices.Contains(schemes, u.Scheme)
}
