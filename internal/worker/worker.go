// Package worker is the process-wide event loop of the hub: every inbound
// event (install, activate, fetch, message, error, unhandledrejection) is
// routed through one dispatch table built at startup.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/skyborne/offline-hub/internal/cache"
	"github.com/skyborne/offline-hub/internal/clients"
	"github.com/skyborne/offline-hub/internal/generation"
	"github.com/skyborne/offline-hub/internal/lifecycle"
	"github.com/skyborne/offline-hub/internal/strategy"
)

// EventKind 标识事件类型。
type EventKind string

const (
	EventInstall            EventKind = "install"
	EventActivate           EventKind = "activate"
	EventFetch              EventKind = "fetch"
	EventMessage            EventKind = "message"
	EventError              EventKind = "error"
	EventUnhandledRejection EventKind = "unhandledrejection"
)

var (
	// ErrUnknownEvent 表示分发表中没有对应的处理函数。
	ErrUnknownEvent = errors.New("unknown worker event")
	// ErrHandlerPanic 表示处理函数发生 panic，已被恢复并记录。
	ErrHandlerPanic = errors.New("worker handler panic")
)

// Event 是分发给 Worker 的单个事件，字段按 Kind 取用。
type Event struct {
	Kind EventKind
	// Request 仅用于 fetch。
	Request *http.Request
	// Message 仅用于 message。
	Message *lifecycle.Message
	// Err 用于 error / unhandledrejection。
	Err error
	// RequestID 便于把日志串联到 HTTP 请求。
	RequestID string
}

// Outcome 是事件处理的产出；fetch 返回 Result，message 可能返回 Reply。
type Outcome struct {
	Result *strategy.Result
	Reply  *lifecycle.Reply
}

// HandlerFunc 处理单个事件，w 是注入的进程级上下文。
type HandlerFunc func(ctx context.Context, w *Worker, ev Event) (*Outcome, error)

// Options 描述 Worker 持有的进程级依赖。
type Options struct {
	Store      cache.Store
	Registry   *generation.Registry
	Engine     *strategy.Engine
	Controller *lifecycle.Controller
	Clients    *clients.Registry
	Logger     *logrus.Logger
}

// Worker 持有 store / registry / engine / controller / clients，
// 并通过显式分发表处理事件。
type Worker struct {
	store      cache.Store
	registry   *generation.Registry
	engine     *strategy.Engine
	controller *lifecycle.Controller
	clients    *clients.Registry
	logger     *logrus.Logger

	handlers map[EventKind]HandlerFunc
}

// New 校验依赖并构建分发表。
func New(opts Options) (*Worker, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("generation registry is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("strategy engine is required")
	}
	if opts.Controller == nil {
		return nil, errors.New("lifecycle controller is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	reg := opts.Clients
	if reg == nil {
		reg = clients.NewRegistry()
	}
	w := &Worker{
		store:      opts.Store,
		registry:   opts.Registry,
		engine:     opts.Engine,
		controller: opts.Controller,
		clients:    reg,
		logger:     opts.Logger,
	}
	w.handlers = map[EventKind]HandlerFunc{
		EventInstall:            handleInstall,
		EventActivate:           handleActivate,
		EventFetch:              handleFetch,
		EventMessage:            handleMessage,
		EventError:              handleError,
		EventUnhandledRejection: handleUnhandledRejection,
	}
	return w, nil
}

// Engine 返回策略引擎。
func (w *Worker) Engine() *strategy.Engine { return w.engine }

// Controller 返回生命周期控制器。
func (w *Worker) Controller() *lifecycle.Controller { return w.controller }

// Clients 返回客户端表。
func (w *Worker) Clients() *clients.Registry { return w.clients }

// Registry 返回版本注册表。
func (w *Worker) Registry() *generation.Registry { return w.registry }

// Logger 返回共享 logger。
func (w *Worker) Logger() *logrus.Logger { return w.logger }

// Dispatch 执行事件对应的处理函数。panic 会被恢复并转成 unhandledrejection
// 事件记录，调用方只会收到 ErrHandlerPanic，不会被中断。
func (w *Worker) Dispatch(ctx context.Context, ev Event) (out *Outcome, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	handler, ok := w.handlers[EventKind(strings.ToLower(string(ev.Kind)))]
	if !ok {
		w.logger.WithFields(w.fields(ev)).Warn("worker_event_unknown")
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind)
	}

	defer func() {
		if r := recover(); r != nil {
			cause := fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			w.reportRejection(ctx, ev, cause, debug.Stack())
			out, err = nil, cause
		}
	}()
	return handler(ctx, w, ev)
}

// reportRejection 把 panic 作为 unhandledrejection 事件记录；该处理函数本身再 panic 也不会外抛。
func (w *Worker) reportRejection(ctx context.Context, origin Event, cause error, stack []byte) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.WithField("panic", fmt.Sprint(r)).Error("unhandled_rejection_handler_panic")
		}
	}()
	handler := w.handlers[EventUnhandledRejection]
	if handler == nil {
		return
	}
	_, _ = handler(ctx, w, Event{
		Kind:      EventUnhandledRejection,
		Err:       cause,
		RequestID: origin.RequestID,
		Request:   origin.Request,
		Message:   &lifecycle.Message{Type: string(origin.Kind)},
	})
	if len(stack) > 0 {
		w.logger.WithFields(w.fields(origin)).Debug(string(stack))
	}
}

func (w *Worker) fields(ev Event) logrus.Fields {
	fields := logrus.Fields{
		"action": "worker",
		"event":  string(ev.Kind),
	}
	if ev.RequestID != "" {
		fields["request_id"] = ev.RequestID
	}
	if ev.Request != nil && ev.Request.URL != nil {
		fields["url"] = ev.Request.URL.String()
	}
	return fields
}
