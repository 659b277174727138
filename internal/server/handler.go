package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/agent"
	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/network"
)

// fetchHandler 把入站请求翻译成 fetch 事件，并把结果写回 Fiber 响应。
type fetchHandler struct {
	dispatcher Dispatcher
	logger     *logrus.Logger
}

// 由出站 http.Client 自行处理的请求头，不透传给源站。
var skippedRequestHeaders = map[string]struct{}{
	"Host":            {},
	"Accept-Encoding": {},
	"Content-Length":  {},
}

func (h *fetchHandler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := RequestID(c)

	origin := h.dispatcher.Origin()
	if origin == nil {
		return writeError(c, fiber.StatusServiceUnavailable, "origin_unconfigured")
	}

	req := buildRequest(c, origin)
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	resp, intercepted, err := h.dispatcher.Dispatch(ctx, ClientID(c), req)
	if err != nil {
		h.logResult(req, requestID, 0, intercepted, false, started, err)
		if errors.Is(err, network.ErrNetwork) {
			return writeError(c, fiber.StatusBadGateway, "network_failed")
		}
		return writeError(c, fiber.StatusInternalServerError, "fetch_failed")
	}

	h.logResult(req, requestID, resp.Status, intercepted, resp.FromCache, started, nil)
	return writeResponse(c, resp)
}

// buildRequest 用源站 scheme/host 加上入站路径与查询串拼出目标 URL。
func buildRequest(c fiber.Ctx, origin *url.URL) *agent.Request {
	uri := c.Request().URI()
	target := &url.URL{
		Scheme:   origin.Scheme,
		Host:     origin.Host,
		Path:     requestPath(c),
		RawQuery: string(uri.QueryString()),
	}

	req := agent.NewRequest(c.Method(), target)
	req.Mode = requestMode(c)
	c.Request().Header.VisitAll(func(key, value []byte) {
		name := http.CanonicalHeaderKey(string(key))
		if _, skip := skippedRequestHeaders[name]; skip || network.IsHopByHopHeader(name) {
			return
		}
		req.Header.Add(name, string(value))
	})
	if body := c.Body(); len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}
	return req
}

// requestMode 优先采用 Sec-Fetch-Mode；缺失时把接受 HTML 的 GET 视为导航。
func requestMode(c fiber.Ctx) agent.Mode {
	switch strings.ToLower(strings.TrimSpace(c.Get("Sec-Fetch-Mode"))) {
	case string(agent.ModeNavigate):
		return agent.ModeNavigate
	case string(agent.ModeSameOrigin):
		return agent.ModeSameOrigin
	case string(agent.ModeNoCORS):
		return agent.ModeNoCORS
	case string(agent.ModeCORS):
		return agent.ModeCORS
	}
	if c.Method() == fiber.MethodGet && strings.Contains(c.Get(fiber.HeaderAccept), "text/html") {
		return agent.ModeNavigate
	}
	return agent.ModeNoCORS
}

func requestPath(c fiber.Ctx) string {
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	pathVal := string(uri.Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

func writeResponse(c fiber.Ctx, resp *cache.Response) error {
	for key, values := range resp.Header {
		if network.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
	c.Set(CacheHitHeader, strconv.FormatBool(resp.FromCache))
	c.Status(resp.Status)
	return c.Send(resp.Body)
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *fetchHandler) logResult(
	req *agent.Request,
	requestID string,
	status int,
	intercepted bool,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logrus.Fields{
		"action":      "proxy",
		"method":      req.Method,
		"url":         req.URL.String(),
		"mode":        string(req.Mode),
		"status":      status,
		"intercepted": intercepted,
		"cache_hit":   cacheHit,
		"elapsed_ms":  time.Since(started).Milliseconds(),
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
