package routes

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/skyborne/offline-hub/internal/lifecycle"
	"github.com/skyborne/offline-hub/internal/server"
	"github.com/skyborne/offline-hub/internal/worker"
)

// replyAck 是 SKIP_WAITING 等无内容消息的应答类型。
const replyAck = "ACK"

// RegisterControlRoutes 暴露 /-/message 控制通道与 /-/status 诊断接口。
func RegisterControlRoutes(app *fiber.App, w *worker.Worker) {
	if app == nil || w == nil {
		return
	}

	app.Post("/-/message", func(c fiber.Ctx) error {
		var msg lifecycle.Message
		if err := c.Bind().JSON(&msg); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}

		out, err := w.Dispatch(c.Context(), worker.Event{
			Kind:      worker.EventMessage,
			Message:   &msg,
			RequestID: server.RequestID(c),
		})
		if err != nil {
			return renderMessageError(c, w.Logger(), msg, err)
		}
		if out == nil || out.Reply == nil {
			return c.Status(fiber.StatusAccepted).JSON(lifecycle.Reply{Type: replyAck})
		}
		return c.JSON(out.Reply)
	})

	app.Get("/-/status", func(c fiber.Ctx) error {
		status, err := w.Status(c.Context())
		if err != nil {
			w.Logger().WithError(err).WithField("action", "status").Error("status_failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "status_unavailable"})
		}
		return c.JSON(status)
	})
}

func renderMessageError(c fiber.Ctx, logger *logrus.Logger, msg lifecycle.Message, err error) error {
	if errors.Is(err, lifecycle.ErrUnknownMessage) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_message"})
	}
	logger.WithError(err).WithFields(logrus.Fields{
		"action":     "message",
		"type":       msg.Type,
		"request_id": server.RequestID(c),
	}).Error("message_failed")
	if errors.Is(err, lifecycle.ErrInvalidTransition) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "invalid_transition"})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "message_failed"})
}
