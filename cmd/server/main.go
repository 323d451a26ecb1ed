package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/go-chi/chi/v5"

	"github.com/letitrip/edgeguard/internal/cfg"
	"github.com/letitrip/edgeguard/internal/cryptoutil"
	"github.com/letitrip/edgeguard/internal/gateway"
	"github.com/letitrip/edgeguard/internal/health"
	"github.com/letitrip/edgeguard/internal/httpmw"
	"github.com/letitrip/edgeguard/internal/httpserver"
	"github.com/letitrip/edgeguard/internal/limitapi"
	"github.com/letitrip/edgeguard/internal/log"
	"github.com/letitrip/edgeguard/internal/metrics"
	"github.com/letitrip/edgeguard/internal/opshttp"
	"github.com/letitrip/edgeguard/internal/otelx"
	"github.com/letitrip/edgeguard/internal/policy"
	"github.com/letitrip/edgeguard/internal/prof"
	"github.com/letitrip/edgeguard/internal/ratelimit"
	"github.com/letitrip/edgeguard/internal/version"
	"github.com/letitrip/edgeguard/internal/xerrors"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := version.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.Service, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	L, err := newLogger(conf, vi)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer L.Sync()
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing edgeguard",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"trusted_hops", conf.TrustedHops,
		"upstream", conf.Upstream,
		"key_header", conf.KeyHeader,
		"key_header_cidrs", conf.KeyHeaderCIDRs,
		"sweep_interval", conf.SweepInterval.String(),
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"policy_ssm_param", conf.PolicySSMParam,
		"policy_s3_bucket", conf.PolicyS3Bucket,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(vi.Service, "server", &vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       vi.Service + ".server",
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
		ProfileMutexFraction: 5,
	})
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer stopProf()

	// collector runs on localhost, plaintext gRPC
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   vi.Service,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, spans will not be exported")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	tiers := resolveTiers(ctx, L, conf, m)

	registry := ratelimit.NewRegistry(tiers, nil, func(t ratelimit.Tier) []ratelimit.Option {
		tl := L.With("tier", string(t))
		return []ratelimit.Option{
			ratelimit.WithOnDecision(func(d ratelimit.Decision) {
				m.ObserveDecision(t, d.Allowed)
			}),
			// once per identifier per window
			ratelimit.WithOnFirstDenied(func(id string) {
				m.IncFirstDenied(t)
				tl.Warn(ctx, "rate limit triggered", "identifier", id)
			}),
		}
	})
	m.TrackRateLimiter(registry)
	for _, t := range registry.Tiers() {
		c := tiers.For(t)
		L.Info(ctx, "rate limit tier configured",
			"tier", string(t),
			"max_requests", c.MaxRequests,
			"window", c.Window.String(),
		)
	}

	sweepBeat := health.NewHeartbeat("rate limit sweeper")
	sweepBeat.Beat()
	sweeper := ratelimit.NewSweeper(ratelimit.SweeperOptions{
		Registry: registry,
		Logger:   L,
		Interval: conf.SweepInterval,
		OnSweep:  m.AddEvicted,
		OnSweepDone: func(d time.Duration) {
			m.ObserveSweep(d)
			sweepBeat.Beat()
		},
	})
	go func() { _ = sweeper.Run(ctx) }()

	exempt, err := ratelimit.ParseExemptNetworks(conf.ExemptCIDRs)
	if err != nil {
		L.Error(ctx, err, "invalid exempt networks")
		os.Exit(1)
	}

	gw, err := newGateway(conf, registry, exempt, m)
	if err != nil {
		L.Error(ctx, err, "failed to create gateway")
		os.Exit(1)
	}
	if gw == nil {
		L.Info(ctx, "no upstream configured, serving the decision api on the ops listener only")
	}

	api, err := limitapi.New(limitapi.Options{Registry: registry, Sweeper: sweeper})
	if err != nil {
		L.Error(ctx, err, "failed to create limit api")
		os.Exit(1)
	}

	var gate health.ShutdownGate
	// a stalled sweeper means memory grows without bound, pull the instance
	readiness := health.All(
		gate.Probe(),
		sweepBeat.Probe(3*sweeper.Interval()),
	)

	publicOpts := httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		APIRoutes:    api.RegisterRoutes,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		MetricsMW:    m.Middleware,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
	}
	if gw != nil {
		publicOpts.Gateway = gw
	}
	publicStop, err := httpserver.Start(ctx, publicOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start public http listener")
		os.Exit(1)
	}
	defer func() { _ = publicStop(context.Background()) }()

	// the security group limits the admin port to internal hosts, the
	// listener also rejects public peers in case that ever changes
	opsStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		// decisions share the gateway's buckets, keep them off the public port
		AdminRoutes: func(r chi.Router) {
			api.RegisterInternalRoutes(r)
			api.RegisterAdminRoutes(r)
		},
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd notify skipped", "reason", err.Error())
	}

	<-ctx.Done()
	stop()
	L.Info(context.Background(), "shutdown signal received")

	gate.Set("draining")
	L.Info(context.Background(), "readiness failing, draining", "drain", conf.ShutdownDrain.String())

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.ShutdownDrain):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := publicStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "public http server shutdown")
	}
	if err := opsStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	stopProf()

	L.Info(context.Background(), "shutdown complete")
}

func newLogger(conf cfg.App, vi version.Info) (log.Logger, error) {
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, err
	}
	stackLvl := slog.LevelError
	if conf.StacktraceLevel != "" {
		if stackLvl, err = log.ParseLevel(conf.StacktraceLevel); err != nil {
			return nil, err
		}
	}
	lg, err := log.New(log.Options{
		App:               vi.Service,
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaxErrorLinks:     conf.MaxErrorLinks,
	})
	if err != nil {
		return nil, err
	}
	return lg.With("component", "server"), nil
}

// resolveTiers overlays the remote policy on the flag quotas. Any failure
// keeps the flag quotas, a bad policy push must not take the edge down.
func resolveTiers(ctx context.Context, L log.Logger, conf cfg.App, m *metrics.ServerMetrics) ratelimit.TierConfigs {
	base := conf.TierConfigs()
	if !conf.PolicyEnabled() {
		m.SetPolicy("flags", "", false)
		return base
	}

	loaded, err := loadPolicy(ctx, L, conf)
	if err != nil {
		m.IncPolicyLoadError()
		m.SetPolicy("flags", "", false)
		L.Error(ctx, err, "rate limit policy not loaded, using flag quotas")
		return base
	}

	tiers, err := policy.Apply(base, loaded.Document)
	if err != nil {
		m.IncPolicyLoadError()
		m.SetPolicy("flags", "", false)
		L.Error(ctx, err, "rate limit policy rejected, using flag quotas",
			"policy_version", loaded.Document.Version,
			"sha256", loaded.SHA256,
		)
		return base
	}
	m.SetPolicy(loaded.Source, loaded.Document.Version, loaded.Signed)
	return tiers
}

func loadPolicy(ctx context.Context, L log.Logger, conf cfg.App) (*policy.Loaded, error) {
	loadCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	awsCfg, err := config.LoadDefaultConfig(loadCtx)
	if err != nil {
		return nil, xerrors.Wrap(err, "load aws config")
	}

	var src policy.Source
	if conf.PolicySSMParam != "" {
		src = policy.NewSSMSource(awsCfg, conf.PolicySSMParam)
	} else {
		src = policy.NewS3Source(awsCfg, conf.PolicyS3Bucket, conf.PolicyS3Key)
	}

	opts := policy.LoaderOptions{Source: src, Logger: L}
	if conf.PolicySigningKeyARN != "" {
		opts.Verifier = cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), conf.PolicySigningKeyARN)
	}
	return policy.Load(loadCtx, opts)
}

// newGateway returns nil, nil when no upstream is configured.
func newGateway(conf cfg.App, registry *ratelimit.Registry, exempt *ratelimit.ExemptNetworks, m *metrics.ServerMetrics) (*gateway.Gateway, error) {
	if conf.Upstream == "" {
		return nil, nil
	}
	upstream, err := url.Parse(conf.Upstream)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse upstream %q", conf.Upstream)
	}
	routes, err := gateway.ParseRoutes(conf.RouteTiers)
	if err != nil {
		return nil, err
	}
	key, err := keyFunc(conf.KeyHeader, conf.KeyHeaderCIDRs)
	if err != nil {
		return nil, err
	}
	return gateway.New(gateway.Options{
		Upstream:        upstream,
		Registry:        registry,
		Routes:          routes,
		Key:             key,
		Exempt:          exempt,
		UpstreamRPS:     conf.UpstreamRPS,
		UpstreamBurst:   conf.UpstreamBurst,
		OnUpstreamError: m.IncUpstreamError,
	})
}

func keyFunc(header, trustedCIDRs string) (ratelimit.KeyFunc, error) {
	if header == "" {
		return ratelimit.KeyByClientIP, nil
	}
	trusted, err := ratelimit.ParseExemptNetworks(trustedCIDRs)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse key header networks")
	}
	return ratelimit.KeyByHeader(header, trusted), nil
}

// notifySystemd sends READY=1 when started as a Type=notify unit.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return xerrors.New("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return xerrors.Wrap(err, "systemd notify dial")
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return xerrors.Wrap(err, "systemd notify write")
	}
	return nil
}
