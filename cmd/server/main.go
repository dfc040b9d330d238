package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/genxfx/genx-gateway/internal/apihttp"
	"github.com/genxfx/genx-gateway/internal/cfg"
	"github.com/genxfx/genx-gateway/internal/health"
	"github.com/genxfx/genx-gateway/internal/httpmw"
	"github.com/genxfx/genx-gateway/internal/httpserver"
	"github.com/genxfx/genx-gateway/internal/log"
	"github.com/genxfx/genx-gateway/internal/metrics"
	"github.com/genxfx/genx-gateway/internal/opshttp"
	"github.com/genxfx/genx-gateway/internal/otelx"
	"github.com/genxfx/genx-gateway/internal/prof"
	"github.com/genxfx/genx-gateway/internal/ratelimit"
	"github.com/genxfx/genx-gateway/internal/upstream"
	v "github.com/genxfx/genx-gateway/internal/version"
	"github.com/genxfx/genx-gateway/internal/xerrors"
)

const (
	// drainPeriod is how long readiness fails before listeners close, so the
	// load balancer stops routing to us first.
	drainPeriod     = 20 * time.Second
	shutdownTimeout = 15 * time.Second
	upstreamProbe   = 2 * time.Second
)

func stderrf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()
	conf, showVersion, err := loadConfig(ctx, flag.CommandLine, os.Args[1:])
	if err != nil {
		stderrf("config error: %v", err)
		os.Exit(1)
	}
	if showVersion {
		fmt.Printf("%s %s\n", v.AppName, vi.String())
		return
	}

	lg, err := newLogger(conf, vi)
	if err != nil {
		stderrf("logger init error: %v", err)
		os.Exit(1)
	}
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	err = run(ctx, stop, conf, vi)
	if err != nil {
		L.Error(context.Background(), err, "gateway stopped with errors")
	} else {
		L.Info(context.Background(), "shutdown complete")
	}
	_ = lg.Sync()
	if err != nil {
		os.Exit(1)
	}
}

// loadConfig parses args into an App. Layers are applied highest first:
// CLI, GENX_* env, legacy RATE_LIMIT_* env, SSM, then flag defaults.
func loadConfig(ctx context.Context, fs *flag.FlagSet, args []string) (cfg.App, bool, error) {
	var conf cfg.App
	cfg.Register(fs, &conf)
	showVersion := fs.Bool("V", false, "Print version+build information and exit")
	if err := fs.Parse(args); err != nil {
		return conf, false, err
	}
	if *showVersion {
		return conf, true, nil
	}

	cfg.FillFromEnv(fs, cfg.EnvPrefix, stderrf)
	cfg.FillFromAliases(fs, cfg.LegacyEnvAliases, stderrf)
	if conf.SSMPath != "" {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return conf, false, xerrors.Wrap(err, "load aws config")
		}
		if err := cfg.FillFromSSM(ctx, fs, ssm.NewFromConfig(awsCfg), conf.SSMPath, stderrf); err != nil {
			return conf, false, err
		}
	}
	return conf, false, cfg.Validate(conf)
}

func newLogger(conf cfg.App, vi v.Info) (log.Logger, error) {
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, err
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		return nil, err
	}
	return log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildID:           vi.BuildId,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
}

// run wires the gateway, serves until ctx is cancelled, then drains and
// shuts everything down. Startup failures return before anything listens.
func run(ctx context.Context, stopSignals context.CancelFunc, conf cfg.App, vi v.Info) error {
	L := log.FromContext(ctx)
	limits := conf.Limits()
	L.Info(ctx, "initializing gateway",
		"version", vi.Version,
		"commit", vi.Commit,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"ssm_path", conf.SSMPath,
		"limits", fmt.Sprintf("%d/s %d/min %d/h", limits.Burst, limits.PerMinute, limits.PerHour),
		"cleanup_interval", limits.CleanupInterval.String(),
		"max_clients", limits.MaxClients,
		"key_source", conf.RateLimitKeySource,
		"store", conf.RateLimitStore,
		"upstream_url", conf.UpstreamURL,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"component":        "server",
			"version":          vi.Version,
			"ratelimit_store":  conf.RateLimitStore,
			"ratelimit_source": conf.RateLimitKeySource,
		},
	})
	// profiling is optional, the gateway runs without it
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer stopProf()

	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
		Attributes: map[string]string{
			"ratelimit.store":      conf.RateLimitStore,
			"ratelimit.key_source": conf.RateLimitKeySource,
		},
	})
	if err != nil {
		L.Error(ctx, err, "tracing disabled, otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}

	rls, err := newRateLimitStore(ctx, L, conf, m)
	if err != nil {
		return xerrors.Wrap(err, "rate limit store")
	}
	limiterOpts, clientIPMW := limiterOptions(conf, m, rls.store, L)
	limiter, err := ratelimit.New(limits, limiterOpts...)
	if err != nil {
		return xerrors.Wrap(err, "rate limiter")
	}
	go limiter.Run(ctx)

	checks := map[string]health.Probe{"ratelimit_store": rls.probe}
	fallback, err := upstreamHandler(conf, m, checks)
	if err != nil {
		return xerrors.Wrap(err, "upstream proxy")
	}
	api := apihttp.New(apihttp.Options{Limits: limits, Version: vi, Checks: checks})

	var gate health.ShutdownGate
	readiness := health.All(gate.Probe(), rls.ready)

	gatewayStop, err := httpserver.Start(ctx, httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncPanic,
		ClientIPMW:   clientIPMW,
		MetricsMW:    m.Middleware,
		RateLimitMW:  limiter.Middleware,
		MaxBodyBytes: conf.MaxBodyBytes,
		WriteTimeout: conf.UpstreamTimeout + 5*time.Second,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes:    api.RegisterRoutes,
		Fallback:     fallback,
	})
	if err != nil {
		return errors.Join(err, limiter.Close())
	}

	// the admin listener refuses public peers on its own, security groups
	// still come first
	opsStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		RateLimit:    limiter,
		UseRecoverMW: true,
		OnPanic:      m.IncPanic,
	})
	if err != nil {
		return errors.Join(err, gatewayStop(context.Background()), limiter.Close())
	}

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd not notified", "reason", err.Error())
	}

	<-ctx.Done()
	stopSignals()
	gate.Set("draining")
	drain(L, drainPeriod)

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return xerrors.Join(
		xerrors.Wrap(gatewayStop(sctx), "gateway http server shutdown"),
		xerrors.Wrap(opsStop(sctx), "ops http server shutdown"),
		xerrors.Wrap(limiter.Close(), "rate limit store close"),
		xerrors.Wrap(shutdownOTEL(sctx), "otel shutdown"),
	)
}

// limiterOptions binds the limiter hooks to metrics. When keys come from the
// trusted hop resolver the returned middleware must run ahead of the limiter;
// it strips forwarding headers from untrusted peers, so it is nil otherwise.
func limiterOptions(conf cfg.App, m *metrics.ServerMetrics, store ratelimit.Store, L log.Logger) ([]ratelimit.Option, httpmw.Middleware) {
	opts := []ratelimit.Option{
		ratelimit.WithStore(store),
		ratelimit.WithLogger(L.With("component", "ratelimit")),
		ratelimit.WithBypassPaths(append(conf.BypassPaths(), httpserver.ProbePaths...)...),
		ratelimit.WithOnAllowed(func(string, ratelimit.Decision) { m.IncRateLimitAllowed() }),
		ratelimit.WithOnDenied(func(_ string, d ratelimit.Decision) {
			if d.Capacity {
				m.IncRateLimitDenied("capacity")
				return
			}
			m.IncRateLimitDenied(d.Window.String())
		}),
		ratelimit.WithOnCapacity(func(string) { m.IncRateLimitCapacity() }),
		ratelimit.WithOnSweep(func(s ratelimit.SweepStats, took time.Duration) {
			m.ObserveRateLimitSweep(s.Removed, s.Remaining, took)
		}),
	}
	if conf.RateLimitKeySource != cfg.KeySourceClientIP {
		return opts, nil
	}
	mw := httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops})
	return append(opts, ratelimit.WithKeyFunc(ratelimit.ContextClientIP)), mw
}

// upstreamHandler serves unmatched requests: the reverse proxy when an
// upstream is configured, a JSON 404 otherwise. The proxy also registers an
// "upstream" check.
func upstreamHandler(conf cfg.App, m *metrics.ServerMetrics, checks map[string]health.Probe) (http.Handler, error) {
	if conf.UpstreamURL == "" {
		return http.HandlerFunc(apihttp.NotFound), nil
	}
	target, err := url.Parse(conf.UpstreamURL)
	if err != nil {
		return nil, err
	}
	proxy, err := upstream.New(upstream.Options{
		Target:  target,
		Timeout: conf.UpstreamTimeout,
		OnError: m.IncUpstreamError,
	})
	if err != nil {
		return nil, err
	}
	checks["upstream"] = health.Timeout(proxy.Probe(), upstreamProbe)
	return proxy, nil
}

// drain waits out period while readiness reports draining. A second signal
// cuts it short.
func drain(L log.Logger, period time.Duration) {
	ctx := context.Background()
	L.Info(ctx, "shutdown signal received, draining", "drain_period", period.String())

	again := make(chan os.Signal, 1)
	signal.Notify(again, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(again)

	t := time.NewTimer(period)
	defer t.Stop()
	select {
	case <-t.C:
		L.Info(ctx, "drain period complete")
	case <-again:
		L.Warn(ctx, "second signal received, skipping drain")
	}
}

// notifySystemd sends READY=1 for Type=notify units.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return errors.New("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return xerrors.Wrap(err, "dial notify socket")
	}
	_, err = conn.Write([]byte("READY=1"))
	return errors.Join(xerrors.Wrap(err, "write READY"), conn.Close())
}
