// Package s3remote keeps a copy of the append log in an S3 or S3-compatible
// bucket. Each entry is one object at <prefix>/<host>/<idx>, with the index
// zero-padded to 20 digits so lexical order matches index order.
package s3remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/loykin/histd/internal/store"
)

// DefaultAWSRegion applies when nothing else resolves a region for AWS S3.
const DefaultAWSRegion = "us-east-1"

var (
	ErrNotFound       = errors.New("object not found")
	ErrBucketNotFound = errors.New("bucket not found")
	ErrAccessDenied   = errors.New("access denied")
	ErrThrottled      = errors.New("request throttled")
)

// Config configures the bucket connection. Credentials follow the AWS SDK v2
// default chain unless AccessKeyID and SecretAccessKey are both set.
type Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

func (c Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("s3 remote: bucket is required")
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return errors.New("s3 remote: access_key_id and secret_access_key must be set together")
	}
	return nil
}

// API is the subset of *s3.Client the remote uses.
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type Remote struct {
	api    API
	bucket string
	prefix string
}

// New builds an S3 client from cfg.
func New(ctx context.Context, cfg Config) (*Remote, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &Error{Op: "New", Bucket: cfg.Bucket, Err: err}
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(api API, bucket, prefix string) *Remote {
	return &Remote{api: api, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = DefaultAWSRegion
	}
	return awsCfg, nil
}

func (r *Remote) root() string {
	if r.prefix == "" {
		return ""
	}
	return r.prefix + "/"
}

// Key returns the object key holding entry idx of host.
func (r *Remote) Key(host string, idx uint64) string {
	return fmt.Sprintf("%s%s/%020d", r.root(), host, idx)
}

// parseKey splits a key below the prefix into host and index.
func (r *Remote) parseKey(key string) (string, uint64, bool) {
	rest, ok := strings.CutPrefix(key, r.root())
	if !ok {
		return "", 0, false
	}
	host, idxText, ok := strings.Cut(rest, "/")
	if !ok || host == "" || len(idxText) != 20 {
		return "", 0, false
	}
	idx, err := strconv.ParseUint(idxText, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return host, idx, true
}

// Heads lists every entry object and reports max(idx)+1 per host.
func (r *Remote) Heads(ctx context.Context) (map[string]uint64, error) {
	heads := map[string]uint64{}
	p := s3.NewListObjectsV2Paginator(r.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
		Prefix: aws.String(r.root()),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, r.wrapError("Heads", r.root(), err)
		}
		for _, obj := range page.Contents {
			host, idx, ok := r.parseKey(aws.ToString(obj.Key))
			if !ok {
				continue
			}
			if idx+1 > heads[host] {
				heads[host] = idx + 1
			}
		}
	}
	return heads, nil
}

// Push uploads entries in order. Existing objects are left untouched; one
// holding a different entry id fails with store.ErrConflict.
func (r *Remote) Push(ctx context.Context, entries []store.Entry) error {
	for _, e := range entries {
		body, err := json.Marshal(e)
		if err != nil {
			return err
		}
		key := r.Key(e.Host, e.Idx)
		_, err = r.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(r.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(body),
			ContentLength: aws.Int64(int64(len(body))),
			ContentType:   aws.String("application/json"),
			IfNoneMatch:   aws.String("*"),
		})
		if err == nil {
			continue
		}
		if !isPreconditionFailed(err) {
			return r.wrapError("Push", key, err)
		}
		if err := r.sameEntry(ctx, key, e); err != nil {
			return err
		}
	}
	return nil
}

// sameEntry checks that the object already stored at key holds e.
func (r *Remote) sameEntry(ctx context.Context, key string, e store.Entry) error {
	obj, err := r.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(r.bucket), Key: aws.String(key)})
	if err != nil {
		return r.wrapError("Push", key, err)
	}
	var stored store.Entry
	err = json.NewDecoder(obj.Body).Decode(&stored)
	_ = obj.Body.Close()
	if err != nil {
		return &Error{Op: "Push", Bucket: r.bucket, Key: key, Err: fmt.Errorf("decode entry: %w", err)}
	}
	if stored.ID != e.ID {
		return &Error{Op: "Push", Bucket: r.bucket, Key: key, Err: fmt.Errorf("%w: stored id %s, got %s", store.ErrConflict, stored.ID, e.ID)}
	}
	return nil
}

// Pull fetches up to limit consecutive entries of host starting at from.
// It stops early at the first missing index.
func (r *Remote) Pull(ctx context.Context, host string, from uint64, limit int) ([]store.Entry, error) {
	out := make([]store.Entry, 0, limit)
	for idx := from; len(out) < limit; idx++ {
		key := r.Key(host, idx)
		obj, err := r.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(r.bucket), Key: aws.String(key)})
		if err != nil {
			werr := r.wrapError("Pull", key, err)
			if errors.Is(werr, ErrNotFound) {
				break
			}
			return out, werr
		}
		var e store.Entry
		err = json.NewDecoder(obj.Body).Decode(&e)
		_ = obj.Body.Close()
		if err != nil {
			return out, &Error{Op: "Pull", Bucket: r.bucket, Key: key, Err: fmt.Errorf("decode entry: %w", err)}
		}
		if e.Host != host || e.Idx != idx {
			return out, &Error{Op: "Pull", Bucket: r.bucket, Key: key, Err: fmt.Errorf("object holds %s/%d", e.Host, e.Idx)}
		}
		out = append(out, e)
	}
	return out, nil
}

// Error carries the bucket and key of a failed request.
type Error struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("s3 %s s3://%s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
	}
	return fmt.Sprintf("s3 %s s3://%s: %v", e.Op, e.Bucket, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed"
}

// wrapError maps S3 failures onto the package sentinels, keeping the
// original error in the chain.
func (r *Remote) wrapError(op, key string, err error) error {
	wrapped := &Error{Op: op, Bucket: r.bucket, Key: key, Err: err}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket
	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		wrapped.Err = fmt.Errorf("%w: %w", ErrNotFound, err)
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = fmt.Errorf("%w: %w", ErrBucketNotFound, err)
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			wrapped.Err = fmt.Errorf("%w: %w", ErrNotFound, err)
		case "NoSuchBucket":
			wrapped.Err = fmt.Errorf("%w: %w", ErrBucketNotFound, err)
		case "AccessDenied", "Forbidden":
			wrapped.Err = fmt.Errorf("%w: %w", ErrAccessDenied, err)
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = fmt.Errorf("%w: %w", ErrThrottled, err)
		}
	}
	return wrapped
}
