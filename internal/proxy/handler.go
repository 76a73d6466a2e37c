package proxy

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/logging"
	"github.com/shellcache/shellcache/internal/network"
	"github.com/shellcache/shellcache/internal/server"
	"github.com/shellcache/shellcache/internal/strategy"
)

var errEmptyResponse = errors.New("interceptor returned no response")

const (
	headerClass  = "X-Shellcache-Class"
	headerSource = "X-Shellcache-Source"
)

// Interceptor 是拦截请求的处理方，生产环境由 lifecycle.Host 实现。
type Interceptor interface {
	Fetch(ctx context.Context, req network.Request) (strategy.Result, error)
	ActiveVersion() string
}

// Handler 把 Fiber 请求转换为 network.Request，交给 Interceptor，
// 再把结果写回客户端并输出结构化日志。
type Handler struct {
	host   Interceptor
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler backed by the lifecycle host.
func NewHandler(host Interceptor, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		host:   host,
		logger: logger,
	}
}

// Handle 执行一次拦截；只有没有任何回退可用的失败才返回 502。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req := network.NewRequest(
		c.Method(),
		string(c.Request().RequestURI()),
		c.Get("Sec-Fetch-Mode"),
		c.Get("Sec-Fetch-Dest"),
		fiberHeadersAsHTTP(c),
		append([]byte(nil), c.Body()...),
	)

	result, err := h.host.Fetch(ctx, req)
	if err == nil && result.Response == nil {
		err = errEmptyResponse
	}
	if err != nil {
		h.logResult(req, result, requestID, 0, started, err)
		if result.Class != "" {
			c.Set(headerClass, string(result.Class))
		}
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	copyResponseHeaders(c, result.Response.Header)
	c.Set(headerClass, string(result.Class))
	c.Set(headerSource, string(result.Source))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}

	h.logResult(req, result, requestID, result.Response.Status, started, nil)
	c.Status(result.Response.Status)
	return c.Send(result.Response.Body)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	req network.Request,
	result strategy.Result,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(
		req.Method,
		req.URL,
		string(result.Class),
		string(result.Source),
		h.host.ActiveVersion(),
	)
	fields["action"] = "intercept"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("intercept_failed")
		return
	}
	h.logger.WithFields(fields).Info("intercept_complete")
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
		if network.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}
