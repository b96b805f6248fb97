package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/skyborne/offline-hub/internal/classify"
	"github.com/skyborne/offline-hub/internal/logging"
	"github.com/skyborne/offline-hub/internal/server"
	"github.com/skyborne/offline-hub/internal/strategy"
	"github.com/skyborne/offline-hub/internal/worker"
)

// 响应头：告诉调用方内容来源与所属 generation。
const (
	HeaderSource     = "X-Offline-Hub-Source"
	HeaderGeneration = "X-Offline-Hub-Generation"
)

// Dispatcher 由 worker.Worker 实现，测试中可替换。
type Dispatcher interface {
	Dispatch(ctx context.Context, ev worker.Event) (*worker.Outcome, error)
}

// Handler 把 Fiber 请求转换成 fetch 事件，再把策略结果写回客户端。
type Handler struct {
	worker Dispatcher
	origin *url.URL
	logger *logrus.Logger
	port   int
}

// NewHandler constructs the intercepting handler. origin 决定缓存键中的绝对地址。
func NewHandler(w Dispatcher, origin *url.URL, logger *logrus.Logger, listenPort int) (*Handler, error) {
	if w == nil {
		return nil, errors.New("worker is required")
	}
	if origin == nil || origin.Host == "" {
		return nil, errors.New("origin is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Handler{worker: w, origin: origin, logger: logger, port: listenPort}, nil
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	req, err := h.buildInterceptedRequest(c)
	if err != nil {
		h.logger.WithError(err).WithField("request_id", requestID).Warn("request_rejected")
		return writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	out, err := h.worker.Dispatch(req.Context(), worker.Event{
		Kind:      worker.EventFetch,
		Request:   req,
		RequestID: requestID,
	})
	if err != nil {
		status, code := errorResponse(err)
		h.logResult(req, requestID, nil, status, started, err)
		return writeError(c, status, code)
	}
	if out == nil || out.Result == nil || out.Result.Snapshot == nil {
		h.logResult(req, requestID, nil, fiber.StatusBadGateway, started, errors.New("empty fetch result"))
		return writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	result := out.Result
	copyResponseHeaders(c, result.Snapshot.Header)
	c.Set(HeaderSource, string(result.Source))
	if result.Generation != "" {
		c.Set(HeaderGeneration, result.Generation)
	}
	h.logResult(req, requestID, result, result.Snapshot.Status, started, nil)
	c.Status(result.Snapshot.Status)
	if c.Method() == http.MethodHead {
		return nil
	}
	return c.Send(result.Snapshot.Body)
}

// buildInterceptedRequest 以源站地址重建请求，使缓存键与安装阶段写入的键一致。
func (h *Handler) buildInterceptedRequest(c fiber.Ctx) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	uri := c.Request().URI()
	clean := normalizeRequestPath(string(uri.Path()))
	relative := &url.URL{Path: clean}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	target := h.origin.ResolveReference(relative)

	body := io.Reader(http.NoBody)
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}
	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}

	req.Header = fiberHeadersAsHTTP(c)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	if h.port > 0 {
		req.Header.Set("X-Forwarded-Port", strconv.Itoa(h.port))
	}
	return req, nil
}

// errorResponse 把策略层错误映射为 HTTP 状态与错误码。
func errorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, strategy.ErrResourceUnavailableOffline):
		return fiber.StatusGatewayTimeout, "resource_unavailable_offline"
	case errors.Is(err, strategy.ErrNetworkUnavailable):
		return fiber.StatusBadGateway, "upstream_failed"
	case errors.Is(err, worker.ErrHandlerPanic):
		return fiber.StatusInternalServerError, "worker_panic"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(req *http.Request, requestID string, result *strategy.Result, status int, started time.Time, err error) {
	var fields logrus.Fields
	if result != nil {
		fields = logging.RequestFields(result.Class.String(), string(result.Strategy), string(result.Source), result.Generation, status)
	} else {
		class := classify.Classify(req)
		fields = logging.RequestFields(class.String(), string(strategy.For(class)), "", "", status)
	}
	fields["action"] = "fetch"
	fields["method"] = req.Method
	fields["url"] = req.URL.String()
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("fetch_failed")
		return
	}
	h.logger.WithFields(fields).Info("fetch_complete")
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		raw = "/"
	}
	clean := path.Clean("/" + raw)
	if clean != "/" && raw[len(raw)-1] == '/' {
		clean += "/"
	}
	return clean
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
