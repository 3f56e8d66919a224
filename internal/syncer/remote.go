package syncer

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/histd/internal/syncer/httpremote"
	"github.com/loykin/histd/internal/syncer/s3remote"
	tlsconf "github.com/loykin/histd/internal/tls"
)

var (
	_ Remote = (*httpremote.Remote)(nil)
	_ Remote = (*s3remote.Remote)(nil)
)

// RemoteConfig selects and configures a remote. URL is either
// "http(s)://host[:port]" or "s3://bucket[/prefix]"; S3 supplies the
// connection settings for the latter (its Bucket and Prefix come from URL).
type RemoteConfig struct {
	URL            string
	RequestTimeout time.Duration
	// CACert and SkipVerify apply to https remotes.
	CACert     string
	SkipVerify bool
	// Token, when set, supplies a bearer token per http request.
	Token func() (string, error)
	S3    s3remote.Config
}

func NewRemoteFromConfig(ctx context.Context, rc RemoteConfig) (Remote, error) {
	raw := strings.TrimSpace(rc.URL)
	if raw == "" {
		return nil, fmt.Errorf("sync remote: empty URL")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("sync remote: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if u.Host == "" {
			return nil, fmt.Errorf("sync remote: %q has no host", raw)
		}
		var opts []httpremote.Option
		if rc.Token != nil {
			opts = append(opts, httpremote.WithToken(rc.Token))
		}
		if strings.EqualFold(u.Scheme, "https") && (rc.CACert != "" || rc.SkipVerify) {
			tc, err := tlsconf.Client(rc.CACert, "", rc.SkipVerify)
			if err != nil {
				return nil, fmt.Errorf("sync remote: %w", err)
			}
			opts = append(opts, httpremote.WithTLS(tc))
		}
		return httpremote.New(raw, rc.RequestTimeout, opts...), nil
	case "s3":
		cfg := rc.S3
		cfg.Bucket = u.Host
		cfg.Prefix = strings.Trim(u.Path, "/")
		return s3remote.New(ctx, cfg)
	default:
		return nil, fmt.Errorf("sync remote: unsupported scheme %q", u.Scheme)
	}
}
