package policy

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/letitrip/edgeguard/internal/xerrors"
)

// MaxDocumentSize caps how much of a policy object is read.
const MaxDocumentSize = 64 << 10

// Source fetches the raw policy document and its detached signature.
// sig is nil when no signature is stored.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (doc, sig []byte, err error)
}

// SSMAPI is the slice of the SSM client used by SSMSource.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// S3API is the slice of the S3 client used by S3Source.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SSMSource reads the document from parameter Param and the base64 signature
// from Param+"/sig". SecureString parameters are decrypted.
type SSMSource struct {
	Client SSMAPI
	Param  string
}

func (s *SSMSource) Name() string { return "ssm" }

func (s *SSMSource) Fetch(ctx context.Context) ([]byte, []byte, error) {
	doc, err := s.get(ctx, s.Param)
	if err != nil {
		return nil, nil, err
	}
	if doc == nil {
		return nil, nil, xerrors.Newf("SSM parameter %s not found", s.Param)
	}
	sig, err := s.get(ctx, strings.TrimRight(s.Param, "/")+"/sig")
	if err != nil {
		return nil, nil, err
	}
	return doc, sig, nil
}

// get returns nil, nil when the parameter does not exist
func (s *SSMSource) get(ctx context.Context, name string) ([]byte, error) {
	out, err := s.Client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var nf *ssmtypes.ParameterNotFound
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, xerrors.Newf("SSM parameter %s has no value", name)
	}
	v := strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return nil, xerrors.Newf("SSM parameter %s is empty", name)
	}
	return []byte(v), nil
}

// S3Source reads s3://Bucket/Key and the base64 signature at Key+".sig".
type S3Source struct {
	Client S3API
	Bucket string
	Key    string
}

func (s *S3Source) Name() string { return "s3" }

func (s *S3Source) Fetch(ctx context.Context) ([]byte, []byte, error) {
	doc, err := s.get(ctx, s.Key)
	if err != nil {
		return nil, nil, err
	}
	if doc == nil {
		return nil, nil, xerrors.Newf("policy object s3://%s/%s not found", s.Bucket, s.Key)
	}
	sig, err := s.get(ctx, s.Key+".sig")
	if err != nil {
		return nil, nil, err
	}
	return doc, sig, nil
}

// get returns nil, nil when the object does not exist
func (s *S3Source) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil
		}
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", s.Bucket, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, MaxDocumentSize+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read S3 object s3://%s/%s", s.Bucket, key)
	}
	if len(data) > MaxDocumentSize {
		return nil, xerrors.Newf("S3 object s3://%s/%s exceeds %d bytes", s.Bucket, key, MaxDocumentSize)
	}
	return data, nil
}

// NewSSMSource builds an SSMSource with a client from cfg.
func NewSSMSource(cfg aws.Config, param string) *SSMSource {
	return &SSMSource{Client: ssm.NewFromConfig(cfg), Param: param}
}

// NewS3Source builds an S3Source with a client from cfg.
func NewS3Source(cfg aws.Config, bucket, key string) *S3Source {
	return &S3Source{Client: s3.NewFromConfig(cfg), Bucket: bucket, Key: key}
}
