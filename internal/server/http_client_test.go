package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/skyborne/offline-hub/internal/config"
)

func TestNewUpstreamClientUsesConfigTimeout(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			UpstreamTimeout: config.Duration(45 * time.Second),
		},
	}

	client := NewUpstreamClient(cfg)
	if client.Timeout != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", client.Timeout)
	}
	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("unexpected transport type %T", client.Transport)
	}
	if transport.ResponseHeaderTimeout != 45*time.Second {
		t.Fatalf("响应头超时应与 UpstreamTimeout 一致，得到 %s", transport.ResponseHeaderTimeout)
	}
	if transport.TLSHandshakeTimeout != 10*time.Second {
		t.Fatalf("TLS 握手超时应封顶 10s，得到 %s", transport.TLSHandshakeTimeout)
	}
}

func TestNewUpstreamClientShortTimeoutCapsHandshake(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			UpstreamTimeout: config.Duration(2 * time.Second),
		},
	}

	transport := NewUpstreamClient(cfg).Transport.(*http.Transport)
	if transport.TLSHandshakeTimeout != 2*time.Second {
		t.Fatalf("短超时应同时约束 TLS 握手，得到 %s", transport.TLSHandshakeTimeout)
	}
}

func TestNewUpstreamClientDefaultsWithoutConfig(t *testing.T) {
	client := NewUpstreamClient(nil)
	if client.Timeout != defaultUpstreamTimeout {
		t.Fatalf("expected default timeout, got %s", client.Timeout)
	}
	if other := NewUpstreamClient(nil).Transport; other == client.Transport {
		t.Fatalf("每个 client 应持有独立的 transport")
	}
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if _, exists := dst["Connection"]; exists {
		t.Fatalf("connection header should not be copied")
	}
	if _, exists := dst["Keep-Alive"]; exists {
		t.Fatalf("keep-alive header should not be copied")
	}

	got := dst.Values("X-Test-Header")
	if len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
}

func TestCopyHeadersDropsConnectionListedFields(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "close, X-Hop-Trace")
	src.Add("Connection", " x-debug-token ")
	src.Set("X-Hop-Trace", "edge-1")
	src.Set("X-Debug-Token", "abc")
	src.Set("Cache-Control", "max-age=60")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if dst.Get("X-Hop-Trace") != "" || dst.Get("X-Debug-Token") != "" {
		t.Fatalf("Connection 中点名的字段不应透传: %v", dst)
	}
	if dst.Get("Cache-Control") != "max-age=60" {
		t.Fatalf("端到端头部应保留: %v", dst)
	}
}
