package worker

import (
	"context"
	"errors"

	"github.com/skyborne/offline-hub/internal/lifecycle"
)

func handleInstall(ctx context.Context, w *Worker, _ Event) (*Outcome, error) {
	if err := w.controller.Install(ctx); err != nil {
		return nil, err
	}
	if w.controller.SkipWaitingRequested() && w.controller.State() == lifecycle.StateWaiting {
		return w.Dispatch(ctx, Event{Kind: EventActivate})
	}
	return &Outcome{}, nil
}

func handleActivate(ctx context.Context, w *Worker, _ Event) (*Outcome, error) {
	if err := w.controller.Activate(ctx); err != nil {
		return nil, err
	}
	return &Outcome{}, nil
}

func handleFetch(ctx context.Context, w *Worker, ev Event) (*Outcome, error) {
	if ev.Request == nil {
		return nil, errors.New("fetch event without request")
	}
	result, err := w.engine.Handle(ctx, ev.Request)
	if err != nil {
		return nil, err
	}
	return &Outcome{Result: result}, nil
}

func handleMessage(ctx context.Context, w *Worker, ev Event) (*Outcome, error) {
	if ev.Message == nil {
		return nil, lifecycle.ErrUnknownMessage
	}
	reply, err := w.controller.HandleMessage(ctx, *ev.Message)
	if err != nil {
		return nil, err
	}
	return &Outcome{Reply: reply}, nil
}

func handleError(_ context.Context, w *Worker, ev Event) (*Outcome, error) {
	entry := w.logger.WithFields(w.fields(ev))
	if ev.Err != nil {
		entry = entry.WithError(ev.Err)
	}
	entry.Error("worker_error")
	return &Outcome{}, nil
}

func handleUnhandledRejection(_ context.Context, w *Worker, ev Event) (*Outcome, error) {
	fields := w.fields(ev)
	if ev.Message != nil && ev.Message.Type != "" {
		fields["origin"] = ev.Message.Type
	}
	entry := w.logger.WithFields(fields)
	if ev.Err != nil {
		entry = entry.WithError(ev.Err)
	}
	entry.Error("unhandled_rejection")
	return &Outcome{}, nil
}
