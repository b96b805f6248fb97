package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/skyborne/offline-hub/internal/classify"
	"github.com/skyborne/offline-hub/internal/clients"
)

// ProxyHandler 负责把拦截到的请求交给 worker 处理，测试中可注入假实现。
type ProxyHandler interface {
	Handle(fiber.Ctx) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// ClientTracker 记录前台页面；clients.Registry 实现该接口。
type ClientTracker interface {
	Touch(id, generation string) (string, bool)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger  *logrus.Logger
	Proxy   ProxyHandler
	Clients ClientTracker
	// ActiveGeneration 返回新客户端首次出现时所属的 generation。
	ActiveGeneration func() string
	ListenPort       int
}

const (
	contextKeyRequestID = "_offlinehub_request_id"
	contextKeyClientID  = "_offlinehub_client_id"

	clientCookieMaxAge = 365 * 24 * time.Hour
)

// NewApp builds a Fiber application that routes every non-control path to
// the proxy handler.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive:   true,
		StructValidator: NewStructValidator(),
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())
	if opts.Clients != nil {
		app.Use(clientMiddleware(opts))
	}

	app.All("/*", func(c fiber.Ctx) error {
		if isControlPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return opts.Proxy.Handle(c)
	})

	return app, nil
}

// requestContextMiddleware 为每个请求生成请求 ID 并回写到响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// clientMiddleware 在导航请求上识别或分配前台页面 id，并通过 cookie 持久化。
func clientMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		if isControlPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		existing := c.Cookies(clients.CookieName)
		if existing == "" && !isNavigationRequest(c) {
			return c.Next()
		}

		generation := ""
		if opts.ActiveGeneration != nil {
			generation = opts.ActiveGeneration()
		}
		id, created := opts.Clients.Touch(existing, generation)
		c.Locals(contextKeyClientID, id)
		if created || id != existing {
			c.Cookie(&fiber.Cookie{
				Name:     clients.CookieName,
				Value:    id,
				Path:     "/",
				Expires:  time.Now().Add(clientCookieMaxAge),
				HTTPOnly: true,
				SameSite: fiber.CookieSameSiteLaxMode,
			})
			opts.Logger.WithFields(logrus.Fields{
				"action":     "client_register",
				"client_id":  id,
				"generation": generation,
				"request_id": RequestID(c),
			}).Debug("client_registered")
		}
		return c.Next()
	}
}

func isNavigationRequest(c fiber.Ctx) bool {
	req := &http.Request{Method: c.Method(), Header: http.Header{}}
	for _, key := range []string{"Sec-Fetch-Mode", "Accept"} {
		if value := c.Get(key); value != "" {
			req.Header.Set(key, value)
		}
	}
	return classify.IsNavigation(req)
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// ClientID 返回当前请求所属的前台页面 id，未识别时为空。
func ClientID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyClientID); value != nil {
		if id, ok := value.(string); ok {
			return id
		}
	}
	return ""
}

func isControlPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
