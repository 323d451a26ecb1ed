package policy

import (
	"context"
	"time"

	"github.com/letitrip/edgeguard/internal/cryptoutil"
	"github.com/letitrip/edgeguard/internal/log"
	"github.com/letitrip/edgeguard/internal/xerrors"
)

type LoaderOptions struct {
	Source Source

	// Verifier, when set, makes a valid signature mandatory.
	Verifier cryptoutil.Verifier

	Logger log.Logger
}

// Loaded is a verified and parsed policy.
type Loaded struct {
	Document *Document
	Source   string
	SHA256   string
	Signed   bool
	LoadedAt time.Time
}

// Load fetches, verifies and parses the policy from opts.Source.
func Load(ctx context.Context, opts LoaderOptions) (*Loaded, error) {
	if opts.Source == nil {
		return nil, xerrors.New("policy source is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	src := opts.Source.Name()

	raw, rawSig, err := opts.Source.Fetch(ctx)
	if err != nil {
		return nil, xerrors.Wrapf(err, "fetch policy from %s", src)
	}
	digest := cryptoutil.SHA256Hex(raw)

	signed := false
	if opts.Verifier != nil {
		if rawSig == nil {
			return nil, xerrors.Newf("policy from %s is unsigned but a signing key is configured", src)
		}
		sig, err := cryptoutil.DecodeSignature(rawSig)
		if err != nil {
			return nil, xerrors.Wrapf(err, "policy signature from %s", src)
		}
		if err := opts.Verifier.VerifySignature(ctx, raw, sig); err != nil {
			return nil, xerrors.Wrapf(err, "verify policy signature (sha256 %s)", digest)
		}
		signed = true
	} else if rawSig != nil {
		opts.Logger.Warn(ctx, "policy signature present but no signing key configured, not verified",
			"source", src,
			"sha256", digest,
		)
	}

	doc, err := Parse(raw)
	if err != nil {
		return nil, xerrors.Wrapf(err, "policy from %s", src)
	}

	opts.Logger.Info(ctx, "loaded rate limit policy",
		"source", src,
		"version", doc.Version,
		"sha256", digest,
		"signed", signed,
		"tiers", len(doc.Tiers),
	)

	return &Loaded{
		Document: doc,
		Source:   src,
		SHA256:   digest,
		Signed:   signed,
		LoadedAt: time.Now().UTC(),
	}, nil
}
