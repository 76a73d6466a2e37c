package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component responsible for answering intercepted
// requests. It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger *logrus.Logger
	Proxy  ProxyHandler
	// Scope 是受控路径前缀，默认 "/"。
	Scope      string
	ListenPort int
}

const contextKeyRequestID = "_shellcache_request_id"

// NewApp builds a Fiber application with request-ID/scope middleware and
// structured error handling. Diagnostics routes under /-/ are registered by
// the caller after NewApp returns.
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
	if opts.Scope == "" {
		opts.Scope = "/"
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return opts.Proxy.Handle(c)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并拒绝作用域之外的路径。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		requestPath := string(c.Request().URI().Path())
		if isDiagnosticsPath(requestPath) {
			return c.Next()
		}
		if !inScope(opts.Scope, requestPath) {
			return renderOutOfScope(c, opts.Logger, requestPath, opts.Scope)
		}
		return c.Next()
	}
}

func renderOutOfScope(c fiber.Ctx, logger *logrus.Logger, path, scope string) error {
	logger.WithFields(logrus.Fields{
		"action": "scope_check",
		"path":   path,
		"scope":  scope,
	}).Warn("path out of scope")

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "out_of_scope",
	})
}

// inScope 判断 path 是否位于 scope 之下；"/PRIVACY" 本身也视为在 "/PRIVACY/" 内。
func inScope(scope, path string) bool {
	if scope == "/" || strings.HasPrefix(path, scope) {
		return true
	}
	return path == strings.TrimSuffix(scope, "/")
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

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
