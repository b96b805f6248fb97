package server

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/skyborne/offline-hub/internal/config"
)

const defaultUpstreamTimeout = 30 * time.Second

// NewUpstreamClient 构建访问源站的 http.Client。UpstreamTimeout 同时约束拨号、
// TLS 握手、等待响应头与整个请求，避免离线场景下长时间卡在 TCP 建连阶段。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := defaultUpstreamTimeout
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: newUpstreamTransport(timeout),
	}
}

func newUpstreamTransport(timeout time.Duration) *http.Transport {
	handshake := 10 * time.Second
	if timeout < handshake {
		handshake = timeout
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   handshake,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
}

// hopByHopHeaders 是 RFC 7230 6.1 规定的逐跳头部，快照与转发请求都不保留。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {},
}

// CopyHeaders 把 src 中端到端的头部追加到 dst；固定的逐跳头部以及 src 的
// Connection 头里点名的字段都会被丢弃。
func CopyHeaders(dst, src http.Header) {
	listed := connectionTokens(src)
	for key, values := range src {
		if isHopByHopHeader(key) {
			continue
		}
		if _, ok := listed[textproto.CanonicalMIMEHeaderKey(key)]; ok {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// connectionTokens 解析 Connection 头声明的逐跳字段名。
func connectionTokens(h http.Header) map[string]struct{} {
	var out map[string]struct{}
	for _, value := range h.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			if out == nil {
				out = make(map[string]struct{})
			}
			out[textproto.CanonicalMIMEHeaderKey(token)] = struct{}{}
		}
	}
	return out
}

func isHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// IsHopByHopHeader 供写回响应时复用同一份逐跳头部列表。
func IsHopByHopHeader(key string) bool {
	return isHopByHopHeader(key)
}
