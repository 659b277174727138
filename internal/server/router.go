package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/agent"
	"github.com/any-hub/offline-hub/internal/cache"
)

// Dispatcher 是 fetch 事件的分发入口，*host.Runtime 满足该接口；测试中可注入假实现。
type Dispatcher interface {
	Dispatch(ctx context.Context, clientID string, req *agent.Request) (*cache.Response, bool, error)
	Origin() *url.URL
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Dispatcher Dispatcher
	ListenPort int
}

const (
	contextKeyRequestID = "_offlinehub_request_id"
	contextKeyClientID  = "_offlinehub_client_id"

	// ClientCookie 保存页面的 client id，宿主据此判断页面是否受控。
	ClientCookie = "offline_hub_client"
	// CacheHitHeader 标记响应是否来自缓存代。
	CacheHitHeader = "X-Offline-Hub-Cache-Hit"
)

// NewApp builds a Fiber application with request-id/client-id middleware and
// a catch-all handler that turns requests into fetch events.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	h := &fetchHandler{dispatcher: opts.Dispatcher, logger: opts.Logger}
	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return h.Handle(c)
	})

	return app, nil
}

// requestContextMiddleware 生成请求 ID，并为首次出现的页面分配 client id cookie。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}

		clientID := strings.TrimSpace(c.Cookies(ClientCookie))
		if _, err := uuid.Parse(clientID); err != nil {
			clientID = uuid.NewString()
			c.Cookie(&fiber.Cookie{
				Name:     ClientCookie,
				Value:    clientID,
				Path:     "/",
				HTTPOnly: true,
				SameSite: fiber.CookieSameSiteLaxMode,
			})
		}
		c.Locals(contextKeyClientID, clientID)
		return c.Next()
	}
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

// ClientID returns the page identifier resolved from the client cookie.
func ClientID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyClientID); value != nil {
		if id, ok := value.(string); ok {
			return id
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
