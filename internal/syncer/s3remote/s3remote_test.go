package s3remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/histd/internal/store"
)

// fakeS3 is an in-memory bucket.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	pageSize int
	failGet  error
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}, pageSize: 2} }

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet != nil {
		return nil, f.failGet
	}
	b, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	if _, exists := f.objects[key]; exists && aws.ToString(in.IfNoneMatch) == "*" {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "exists"}
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[key] = b
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) && k > aws.ToString(in.ContinuationToken) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{}
	if len(keys) > f.pageSize {
		keys = keys[:f.pageSize]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func entries(host string, from, n int) []store.Entry {
	out := make([]store.Entry, 0, n)
	for i := from; i < from+n; i++ {
		out = append(out, store.Entry{Host: host, Idx: uint64(i), ID: host + "-" + string(rune('a'+i)), Version: store.RecordVersion, Data: []byte{byte(i)}})
	}
	return out
}

func TestKeyLayout(t *testing.T) {
	r := NewWithClient(newFakeS3(), "bucket", "/team/history/")
	assert.Equal(t, "team/history/h1/00000000000000000007", r.Key("h1", 7))
	host, idx, ok := r.parseKey("team/history/h1/00000000000000000007")
	require.True(t, ok)
	assert.Equal(t, "h1", host)
	assert.Equal(t, uint64(7), idx)

	for _, bad := range []string{"other/h1/00000000000000000007", "team/history/h1/7", "team/history/h1", "team/history//00000000000000000001"} {
		_, _, ok := r.parseKey(bad)
		assert.False(t, ok, bad)
	}

	bare := NewWithClient(newFakeS3(), "bucket", "")
	assert.Equal(t, "h1/00000000000000000000", bare.Key("h1", 0))
}

func TestPushHeadsPull(t *testing.T) {
	ctx := context.Background()
	api := newFakeS3()
	r := NewWithClient(api, "bucket", "hist")

	heads, err := r.Heads(ctx)
	require.NoError(t, err)
	assert.Empty(t, heads)

	require.NoError(t, r.Push(ctx, entries("h1", 0, 5)))
	require.NoError(t, r.Push(ctx, entries("h2", 0, 1)))
	// replays are accepted and do not overwrite
	require.NoError(t, r.Push(ctx, entries("h1", 3, 2)))
	api.objects["hist/README"] = []byte("ignored")

	heads, err = r.Heads(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"h1": 5, "h2": 1}, heads)

	got, err := r.Pull(ctx, "h1", 1, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(1), got[0].Idx)
	assert.Equal(t, uint64(3), got[2].Idx)

	// stops at the first missing index
	got, err = r.Pull(ctx, "h1", 4, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = r.Pull(ctx, "nobody", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPushDetectsDivergedObject(t *testing.T) {
	ctx := context.Background()
	api := newFakeS3()
	r := NewWithClient(api, "bucket", "")
	require.NoError(t, r.Push(ctx, entries("h1", 0, 2)))

	diverged := entries("h1", 1, 1)
	diverged[0].ID = "someone-else"
	err := r.Push(ctx, diverged)
	require.ErrorIs(t, err, store.ErrConflict)
	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, r.Key("h1", 1), se.Key)

	// a replay of the same entry is still fine
	require.NoError(t, r.Push(ctx, entries("h1", 1, 1)))
}

func TestPullRejectsMisplacedObject(t *testing.T) {
	ctx := context.Background()
	api := newFakeS3()
	r := NewWithClient(api, "bucket", "")
	require.NoError(t, r.Push(ctx, entries("h1", 0, 1)))
	api.objects[r.Key("h1", 1)] = api.objects[r.Key("h1", 0)]

	_, err := r.Pull(ctx, "h1", 0, 5)
	require.Error(t, err)
}

func TestWrapError(t *testing.T) {
	r := NewWithClient(newFakeS3(), "bucket", "")
	tests := []struct {
		in   error
		want error
	}{
		{&types.NoSuchKey{}, ErrNotFound},
		{&types.NoSuchBucket{}, ErrBucketNotFound},
		{&smithy.GenericAPIError{Code: "AccessDenied"}, ErrAccessDenied},
		{&smithy.GenericAPIError{Code: "SlowDown"}, ErrThrottled},
	}
	for _, tt := range tests {
		err := r.wrapError("Op", "k", tt.in)
		assert.ErrorIs(t, err, tt.want)
		var se *Error
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "bucket", se.Bucket)
	}
	plain := errors.New("connection reset")
	assert.ErrorIs(t, r.wrapError("Op", "", plain), plain)
}

func TestPullSurfacesServerErrors(t *testing.T) {
	api := newFakeS3()
	api.failGet = &smithy.GenericAPIError{Code: "InternalError"}
	r := NewWithClient(api, "bucket", "")
	_, err := r.Pull(context.Background(), "h1", 0, 1)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{Bucket: "b", AccessKeyID: "id"}.Validate())
	assert.NoError(t, Config{Bucket: "b", AccessKeyID: "id", SecretAccessKey: "s"}.Validate())
}
