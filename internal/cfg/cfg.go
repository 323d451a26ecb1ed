package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/letitrip/edgeguard/internal/gateway"
	"github.com/letitrip/edgeguard/internal/log"
	"github.com/letitrip/edgeguard/internal/ratelimit"
)

// EnvPrefix is prepended to upper-snake flag names: -sweep-interval -> EDGEGUARD_SWEEP_INTERVAL
const EnvPrefix = "EDGEGUARD_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	TrustedHops int
	// readiness fails for this long before listeners stop
	ShutdownDrain time.Duration

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	// per-tier quotas
	GeneralMax    int
	GeneralWindow time.Duration
	AuthMax       int
	AuthWindow    time.Duration
	StrictMax     int
	StrictWindow  time.Duration
	SweepInterval time.Duration

	KeyHeader      string
	KeyHeaderCIDRs string
	ExemptCIDRs    string

	// gateway, disabled when Upstream is empty
	Upstream      string
	RouteTiers    string
	UpstreamRPS   float64
	UpstreamBurst int

	// tier policy overrides, loaded once at startup
	PolicySSMParam      string
	PolicyS3Bucket      string
	PolicyS3Key         string
	PolicySigningKeyARN string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	def := ratelimit.DefaultTierConfigs()

	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "public listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "ops/admin listen TCP port (1..65535)")
	fs.DurationVar(&c.ShutdownDrain, "shutdown-drain", 15*time.Second, "how long readiness fails before listeners are closed on shutdown")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 1, "reverse proxies in front of us whose X-Forwarded-For entry is trusted (0 ignores the header)")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.IntVar(&c.GeneralMax, "general-max", def.General.MaxRequests, "general tier: requests per window")
	fs.DurationVar(&c.GeneralWindow, "general-window", def.General.Window, "general tier: window length")
	fs.IntVar(&c.AuthMax, "auth-max", def.Auth.MaxRequests, "auth tier: requests per window")
	fs.DurationVar(&c.AuthWindow, "auth-window", def.Auth.Window, "auth tier: window length")
	fs.IntVar(&c.StrictMax, "strict-max", def.Strict.MaxRequests, "strict tier: requests per window")
	fs.DurationVar(&c.StrictWindow, "strict-window", def.Strict.Window, "strict tier: window length")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", ratelimit.DefaultSweepInterval, "how often expired windows are evicted")

	fs.StringVar(&c.KeyHeader, "key-header", "", "request header to key limits on, honoured only for clients in -key-header-cidrs")
	fs.StringVar(&c.KeyHeaderCIDRs, "key-header-cidrs", "", "comma separated CIDRs of authenticators trusted to set -key-header")
	fs.StringVar(&c.ExemptCIDRs, "exempt-cidrs", "", "comma separated CIDRs that bypass rate limiting")

	fs.StringVar(&c.Upstream, "upstream", "", "marketplace API base url to proxy to (empty disables the gateway)")
	fs.StringVar(&c.RouteTiers, "route-tiers", "/api/auth=auth,/api/payouts=strict", "path prefix to tier rules, longest prefix wins")
	fs.Float64Var(&c.UpstreamRPS, "upstream-rps", 0, "aggregate requests/sec forwarded upstream (0 = unlimited)")
	fs.IntVar(&c.UpstreamBurst, "upstream-burst", 50, "burst allowance for -upstream-rps")

	fs.StringVar(&c.PolicySSMParam, "policy-ssm-param", "", "ssm parameter holding the tier policy document")
	fs.StringVar(&c.PolicyS3Bucket, "policy-s3-bucket", "", "s3 bucket holding the tier policy document")
	fs.StringVar(&c.PolicyS3Key, "policy-s3-key", "edgeguard/policy.json", "s3 key of the tier policy document")
	fs.StringVar(&c.PolicySigningKeyARN, "policy-signing-key-arn", "", "KMS key ARN the policy signature must verify against (empty skips verification)")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// EnvKey maps a flag name onto its environment variable.
func EnvKey(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

// TierConfigs returns the quotas from flags/env, before any policy overlay.
func (c App) TierConfigs() ratelimit.TierConfigs {
	return ratelimit.TierConfigs{
		General: ratelimit.Config{MaxRequests: c.GeneralMax, Window: c.GeneralWindow},
		Auth:    ratelimit.Config{MaxRequests: c.AuthMax, Window: c.AuthWindow},
		Strict:  ratelimit.Config{MaxRequests: c.StrictMax, Window: c.StrictWindow},
	}
}

// PolicyEnabled reports whether a policy source is configured.
func (c App) PolicyEnabled() bool {
	return c.PolicySSMParam != "" || c.PolicyS3Bucket != ""
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}
	if c.TrustedHops < 0 || c.TrustedHops > 8 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be 0..8 (got %d)", c.TrustedHops))
	}

	if c.ShutdownDrain < 0 || c.ShutdownDrain > 5*time.Minute {
		errs = append(errs, fmt.Errorf("SHUTDOWN_DRAIN must be 0..5m (got %s)", c.ShutdownDrain))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	// Tracing / profiling
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Tiers
	for _, tq := range []struct {
		name   string
		max    int
		window time.Duration
	}{
		{"GENERAL", c.GeneralMax, c.GeneralWindow},
		{"AUTH", c.AuthMax, c.AuthWindow},
		{"STRICT", c.StrictMax, c.StrictWindow},
	} {
		if tq.max < 1 {
			errs = append(errs, fmt.Errorf("%s_MAX must be >= 1 (got %d)", tq.name, tq.max))
		}
		if tq.window < time.Second {
			errs = append(errs, fmt.Errorf("%s_WINDOW must be >= 1s (got %s)", tq.name, tq.window))
		}
	}
	if c.SweepInterval < time.Second {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be >= 1s (got %s)", c.SweepInterval))
	}
	if _, err := ratelimit.ParseExemptNetworks(c.ExemptCIDRs); err != nil {
		errs = append(errs, fmt.Errorf("invalid EXEMPT_CIDRS: %w", err))
	}
	if trusted, err := ratelimit.ParseExemptNetworks(c.KeyHeaderCIDRs); err != nil {
		errs = append(errs, fmt.Errorf("invalid KEY_HEADER_CIDRS: %w", err))
	} else if c.KeyHeader != "" && trusted.Len() == 0 {
		// any client could rotate the header into a fresh quota
		errs = append(errs, errors.New("KEY_HEADER requires KEY_HEADER_CIDRS"))
	}

	// Gateway
	if c.Upstream != "" {
		if u, err := url.Parse(c.Upstream); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("UPSTREAM must be an http(s) URL (got %q)", c.Upstream))
		}
		if _, err := gateway.ParseRoutes(c.RouteTiers); err != nil {
			errs = append(errs, fmt.Errorf("invalid ROUTE_TIERS: %w", err))
		}
		if c.UpstreamRPS < 0 {
			errs = append(errs, fmt.Errorf("UPSTREAM_RPS must be >= 0 (got %v)", c.UpstreamRPS))
		}
		if c.UpstreamRPS > 0 && c.UpstreamBurst < 1 {
			errs = append(errs, fmt.Errorf("UPSTREAM_BURST must be >= 1 when UPSTREAM_RPS is set (got %d)", c.UpstreamBurst))
		}
	}

	// Policy
	if c.PolicySSMParam != "" && c.PolicyS3Bucket != "" {
		errs = append(errs, fmt.Errorf("POLICY_SSM_PARAM and POLICY_S3_BUCKET are mutually exclusive"))
	}
	if c.PolicyS3Bucket != "" && c.PolicyS3Key == "" {
		errs = append(errs, fmt.Errorf("POLICY_S3_KEY is required with POLICY_S3_BUCKET"))
	}
	if c.PolicySigningKeyARN != "" && !c.PolicyEnabled() {
		errs = append(errs, fmt.Errorf("POLICY_SIGNING_KEY_ARN set without a policy source"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
