package routes

import (
	"bufio"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/lifecycle"
	"github.com/shellcache/shellcache/internal/logging"
	"github.com/shellcache/shellcache/internal/messaging"
)

// HeaderClientID 由页面在 POST /-/messages 时回传 SSE 分配的客户端 ID。
const HeaderClientID = "X-Shellcache-Client"

const heartbeatInterval = 15 * time.Second

// RegisterMessageRoutes 暴露页面与 host 之间的两条通道：
// GET /-/events（SSE，host → 页面）与 POST /-/messages（页面 → host）。
func RegisterMessageRoutes(app *fiber.App, host Host, logger *logrus.Logger) {
	if app == nil || host == nil {
		return
	}
	log := logging.Component(logger, "messages")

	app.Get("/-/events", func(c fiber.Ctx) error {
		hub := host.Hub()
		client := hub.Connect()
		log.WithField("client_id", client.ID()).Debug("client_connected")

		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set(HeaderClientID, client.ID())

		return c.SendStreamWriter(func(w *bufio.Writer) {
			defer func() {
				hub.Disconnect(client.ID())
				log.WithField("client_id", client.ID()).Debug("client_disconnected")
			}()
			streamMessages(w, client, heartbeatInterval)
		})
	})

	app.Post("/-/messages", func(c fiber.Ctx) error {
		msg, ok, err := messaging.Parse(c.Body())
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}
		if !ok || msg.Type != messaging.TypeActivateNow {
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"ignored": true})
		}

		env := messaging.Envelope{ClientID: c.Get(HeaderClientID), Message: msg}
		if err := host.Deliver(env); err != nil {
			log.WithError(err).WithField("client_id", env.ClientID).Warn("message_dropped")
			if errors.Is(err, lifecycle.ErrClosed) {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "host_closed"})
			}
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "inbox_full"})
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"queued": true})
	})
}

// streamMessages 把客户端通道中的消息写成 SSE data 行，直到通道关闭或写入失败。
func streamMessages(w *bufio.Writer, client *messaging.Client, heartbeat time.Duration) {
	fmt.Fprintf(w, "event: ready\ndata: {\"client_id\":%q}\n\n", client.ID())
	if err := w.Flush(); err != nil {
		return
	}

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-client.Messages():
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg.Encode())
		case <-ticker.C:
			// 注释行作为心跳，断开的连接在 Flush 时暴露。
			fmt.Fprint(w, ": ping\n\n")
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}
