package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/skyborne/offline-hub/internal/cache"
	"github.com/skyborne/offline-hub/internal/clients"
	"github.com/skyborne/offline-hub/internal/generation"
	"github.com/skyborne/offline-hub/internal/lifecycle"
	"github.com/skyborne/offline-hub/internal/server"
	"github.com/skyborne/offline-hub/internal/strategy"
	"github.com/skyborne/offline-hub/internal/worker"
)

func TestMessageGetVersion(t *testing.T) {
	app, _ := newControlApp(t, false)

	resp := postMessage(t, app, `{"type":"GET_VERSION"}`)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var reply lifecycle.Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Type != "VERSION" || reply.Version != "v2" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestMessageSkipWaitingActivatesWaitingGeneration(t *testing.T) {
	app, w := newControlApp(t, false)
	if _, err := w.Dispatch(context.Background(), worker.Event{Kind: worker.EventInstall}); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if state := w.Controller().State(); state != lifecycle.StateWaiting {
		t.Fatalf("without auto activation install should wait, got %s", state)
	}

	resp := postMessage(t, app, `{"type":"SKIP_WAITING"}`)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"ACK"`) {
		t.Fatalf("expected ACK reply, got %s", body)
	}
	if state := w.Controller().State(); state != lifecycle.StateActivated {
		t.Fatalf("SKIP_WAITING should activate, got %s", state)
	}
	if w.Registry().Active() != "v2" {
		t.Fatalf("v2 should be active, got %q", w.Registry().Active())
	}
}

func TestMessageRejectsUnknownAndMalformed(t *testing.T) {
	app, _ := newControlApp(t, false)

	for _, body := range []string{`{"type":"REFRESH"}`, `not-json`, `{}`} {
		resp := postMessage(t, app, body)
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, resp.StatusCode)
		}
	}
}

func TestStatusReportsLifecycle(t *testing.T) {
	app, w := newControlApp(t, true)
	if _, err := w.Dispatch(context.Background(), worker.Event{Kind: worker.EventInstall}); err != nil {
		t.Fatalf("install failed: %v", err)
	}

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://hub.local/-/status", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload struct {
		State  string   `json:"state"`
		Active string   `json:"active"`
		Stored []string `json:"stored_generations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if payload.State != "activated" || payload.Active != "v2" {
		t.Fatalf("unexpected status: %+v", payload)
	}
	if len(payload.Stored) != 1 || payload.Stored[0] != "v2" {
		t.Fatalf("unexpected stored generations: %v", payload.Stored)
	}
}

func newControlApp(t *testing.T, autoActivate bool) (*fiber.App, *worker.Worker) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := cache.NewMemoryStore()
	registry := generation.NewRegistry()
	fetcher := strategy.FetcherFunc(func(_ context.Context, req *http.Request) (*cache.Snapshot, error) {
		if req.URL.Path == "/down" {
			return nil, &strategy.NetworkError{URL: req.URL.String(), Err: errors.New("offline")}
		}
		return &cache.Snapshot{Status: http.StatusOK, Header: http.Header{}, Body: []byte(req.URL.Path)}, nil
	})
	engine, err := strategy.New(strategy.Options{Store: store, Registry: registry, Fetcher: fetcher, Logger: logger})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	reg := clients.NewRegistry()
	origin, _ := url.Parse("http://site.local")
	controller, err := lifecycle.New(lifecycle.Options{
		Store:             store,
		Registry:          registry,
		Fetcher:           fetcher,
		Clients:           reg,
		Logger:            logger,
		Origin:            origin,
		Generation:        "v2",
		CriticalResources: []string{"/"},
		AutoActivate:      autoActivate,
	})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	w, err := worker.New(worker.Options{
		Store:      store,
		Registry:   registry,
		Engine:     engine,
		Controller: controller,
		Clients:    reg,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("worker: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger: logger,
		Proxy: server.ProxyHandlerFunc(func(c fiber.Ctx) error {
			return c.SendStatus(fiber.StatusTeapot)
		}),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	RegisterControlRoutes(app, w)
	return app, w
}

func postMessage(t *testing.T, app *fiber.App, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "http://hub.local/-/message", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}
