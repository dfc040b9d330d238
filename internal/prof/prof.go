// Package prof pushes continuous profiles of the gateway to Pyroscope.
package prof

import (
	"context"
	"net/url"
	"runtime"
	"sync"

	"github.com/grafana/pyroscope-go"

	"github.com/genxfx/genx-gateway/internal/log"
	"github.com/genxfx/genx-gateway/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	AuthToken     string
	TenantID      string
	// Tags label every profile, e.g. the rate limit store or key source.
	Tags map[string]string

	// ProfileMutexFraction and BlockProfileRate also turn on the matching
	// pyroscope profile types. Zero leaves both runtime settings untouched.
	ProfileMutexFraction int
	BlockProfileRate     int
}

// profileTypes lists what is pushed. Mutex and block profiles are empty unless
// their runtime sampling is on, so they are only sent when it is.
func profileTypes(opts Options) []pyroscope.ProfileType {
	types := []pyroscope.ProfileType{
		pyroscope.ProfileCPU,
		pyroscope.ProfileAllocObjects,
		pyroscope.ProfileAllocSpace,
		pyroscope.ProfileInuseObjects,
		pyroscope.ProfileInuseSpace,
		pyroscope.ProfileGoroutines,
	}
	if opts.ProfileMutexFraction > 0 {
		types = append(types, pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration)
	}
	if opts.BlockProfileRate > 0 {
		types = append(types, pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration)
	}
	return types
}

func validate(opts Options) error {
	u, err := url.Parse(opts.ServerAddress)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return xerrors.Newf("invalid server address (%q)", opts.ServerAddress)
	}
	if opts.AppName == "" {
		return xerrors.New("app name required")
	}
	return nil
}

// Start begins pushing profiles. The returned stop func is always non-nil and
// safe to call more than once, also when err is set.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	noop := func() {}

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		return noop, nil
	}
	if err := validate(opts); err != nil {
		L.Error(ctx, err, "pyroscope options")
		return noop, err
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	cfg := pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		AuthToken:       opts.AuthToken,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		ProfileTypes:    profileTypes(opts),
	}

	profiler, err := pyroscope.Start(cfg)
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed",
			"server_address", opts.ServerAddress,
			"app_name", opts.AppName,
		)
		return noop, err
	}

	L.Info(ctx, "pyroscope started",
		"server_address", opts.ServerAddress,
		"app_name", opts.AppName,
		"tags", opts.Tags,
	)

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = profiler.Stop()
			L.Info(context.Background(), "pyroscope stopped", "app_name", opts.AppName)
		})
	}, nil
}
