package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/skyborne/offline-hub/internal/cache"
	"github.com/skyborne/offline-hub/internal/server"
	"github.com/skyborne/offline-hub/internal/strategy"
)

// HTTPFetcher 把拦截请求转发到源站，并把响应完整读入内存快照。
type HTTPFetcher struct {
	client *http.Client
	origin *url.URL
	logger *logrus.Logger
}

// NewHTTPFetcher constructs a fetcher with the shared upstream client.
func NewHTTPFetcher(client *http.Client, origin *url.URL, logger *logrus.Logger) (*HTTPFetcher, error) {
	if client == nil {
		return nil, errors.New("http client is required")
	}
	if origin == nil || origin.Host == "" {
		return nil, errors.New("origin is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &HTTPFetcher{client: client, origin: origin, logger: logger}, nil
}

// Fetch 实现 strategy.Fetcher；任何传输层失败都会包装成 *strategy.NetworkError。
func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*cache.Snapshot, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	upstream := f.upstreamURL(req.URL)
	outbound, err := f.buildUpstreamRequest(ctx, req, upstream)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	started := time.Now()
	resp, err := f.client.Do(outbound)
	if err != nil {
		return nil, &strategy.NetworkError{URL: upstream.String(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &strategy.NetworkError{URL: upstream.String(), Err: err}
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	header.Del("Content-Length")

	f.logger.WithFields(logrus.Fields{
		"action":          "upstream",
		"upstream":        upstream.String(),
		"upstream_status": resp.StatusCode,
		"elapsed_ms":      time.Since(started).Milliseconds(),
		"bytes":           len(body),
	}).Debug("upstream_complete")

	return &cache.Snapshot{
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

// upstreamURL 把请求路径与查询参数挂到源站地址上，忽略调用方给出的 scheme/host。
func (f *HTTPFetcher) upstreamURL(target *url.URL) *url.URL {
	if target == nil {
		return f.origin
	}
	relative := &url.URL{Path: target.Path, RawPath: target.RawPath, RawQuery: target.RawQuery}
	if relative.Path == "" {
		relative.Path = "/"
	}
	return f.origin.ResolveReference(relative)
}

func (f *HTTPFetcher) buildUpstreamRequest(ctx context.Context, in *http.Request, upstream *url.URL) (*http.Request, error) {
	body := io.Reader(http.NoBody)
	if in.Body != nil && in.Body != http.NoBody {
		body = in.Body
	}

	req, err := http.NewRequestWithContext(ctx, in.Method, upstream.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, in.Header)
	req.Header.Del("Accept-Encoding")
	req.Host = upstream.Host
	req.Header.Set("Host", upstream.Host)
	return req, nil
}
