// Package policy loads tier quota overrides from a JSON document kept in SSM
// Parameter Store or S3, optionally signed with a KMS key. A policy is read
// once at startup: limiter configs are immutable for the process lifetime.
package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/letitrip/edgeguard/internal/ratelimit"
	"github.com/letitrip/edgeguard/internal/xerrors"
)

// MinWindow is the shortest window a policy may set.
const MinWindow = time.Second

// Duration is a time.Duration that reads "90s"/"1m" strings or a number of
// milliseconds from JSON, and always writes the string form.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return xerrors.Wrapf(err, "invalid duration %q", s)
		}
		*d = Duration(v)
		return nil
	}
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return xerrors.Newf("duration must be a string like \"1m\" or integer milliseconds, got %s", b)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// TierPolicy overrides one tier. Zero fields keep the base value.
type TierPolicy struct {
	MaxRequests int      `json:"max_requests,omitempty"`
	Window      Duration `json:"window,omitempty"`
}

// Document is the policy file.
//
//	{"version":"2026-03-01","tiers":{"auth":{"max_requests":5,"window":"1m"}}}
type Document struct {
	Version string                        `json:"version"`
	Tiers   map[ratelimit.Tier]TierPolicy `json:"tiers"`
}

// Parse decodes a policy document. Unknown fields and unknown tiers are rejected
// so a typo cannot silently leave a tier at its default.
func Parse(data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, xerrors.Wrap(err, "decode policy document")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, xerrors.New("policy document has trailing data")
	}
	if doc.Version == "" {
		return nil, xerrors.New("policy document has no version")
	}
	// keys are matched case-insensitively, "Auth" and "auth" are the same tier
	norm := make(map[ratelimit.Tier]TierPolicy, len(doc.Tiers))
	for name, tp := range doc.Tiers {
		t, err := ratelimit.ParseTier(string(name))
		if err != nil {
			return nil, xerrors.Wrap(err, "policy document")
		}
		if _, dup := norm[t]; dup {
			return nil, xerrors.Newf("tier %s appears more than once", t)
		}
		norm[t] = tp
	}
	doc.Tiers = norm
	return &doc, nil
}

// Apply overlays doc on base and validates the result. base is not modified.
func Apply(base ratelimit.TierConfigs, doc *Document) (ratelimit.TierConfigs, error) {
	if doc == nil {
		return base, nil
	}
	out := base
	var errs []error
	for tier, tp := range doc.Tiers {
		cfg := out.For(tier)
		if tp.MaxRequests != 0 {
			cfg.MaxRequests = tp.MaxRequests
		}
		if tp.Window != 0 {
			cfg.Window = time.Duration(tp.Window)
		}
		if cfg.MaxRequests < 1 {
			errs = append(errs, fmt.Errorf("tier %s: max_requests must be >= 1 (got %d)", tier, cfg.MaxRequests))
		}
		if cfg.Window < MinWindow {
			errs = append(errs, fmt.Errorf("tier %s: window must be >= %s (got %s)", tier, MinWindow, cfg.Window))
		}
		switch tier {
		case ratelimit.TierGeneral:
			out.General = cfg
		case ratelimit.TierAuth:
			out.Auth = cfg
		case ratelimit.TierStrict:
			out.Strict = cfg
		}
	}
	if len(errs) > 0 {
		return base, xerrors.WithStack(errors.Join(errs...))
	}
	return out, nil
}
