package routes

import (
	"context"

	"github.com/gofiber/fiber/v3"

	"github.com/shellcache/shellcache/internal/lifecycle"
	"github.com/shellcache/shellcache/internal/messaging"
)

// Host 是诊断与消息路由需要的 lifecycle 能力，生产环境由 *lifecycle.Host 实现。
type Host interface {
	Snapshot() lifecycle.Status
	Generations(ctx context.Context) (lifecycle.GenerationReport, error)
	Deliver(env messaging.Envelope) error
	Hub() *messaging.Hub
}

// RegisterDiagnosticRoutes 暴露 /-/status 与 /-/generations，供运维查询 worker 状态与代际。
func RegisterDiagnosticRoutes(app *fiber.App, host Host) {
	if app == nil || host == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(host.Snapshot())
	})

	app.Get("/-/generations", func(c fiber.Ctx) error {
		report, err := host.Generations(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		return c.JSON(report)
	})
}
