package routes

import (
	"context"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/host"
	"github.com/any-hub/offline-hub/internal/metrics"
	"github.com/any-hub/offline-hub/internal/version"
)

// StatusSource 提供 /-/status 所需的运行时快照，*host.Runtime 满足该接口。
type StatusSource interface {
	Status(ctx context.Context) (host.Status, error)
}

type statusPayload struct {
	Build string `json:"build"`
	host.Status
}

// RegisterDiagnosticsRoutes 暴露 /-/status 与 /-/metrics，供运维查询当前缓存代与计数器。
func RegisterDiagnosticsRoutes(app *fiber.App, source StatusSource, recorder *metrics.Recorder, logger *logrus.Logger) {
	if app == nil || source == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		status, err := source.Status(c.Context())
		if err != nil {
			if logger != nil {
				logger.WithFields(logrus.Fields{"action": "status"}).WithError(err).Warn("status_unavailable")
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "status_unavailable"})
		}
		if status.Generations == nil {
			status.Generations = []string{}
		}
		return c.JSON(statusPayload{Build: version.Full(), Status: status})
	})

	if recorder != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(recorder.Handler()))
	}
}
