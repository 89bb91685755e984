package server

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler 负责把请求交给缓存代理，测试中可替换为假实现。
// route 为 nil 表示 Host 未映射且没有默认源站，由实现决定如何响应。
type ProxyHandler interface {
	Handle(fiber.Ctx, *Route) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *Route) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *Route) error {
	return f(c, route)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger *logrus.Logger
	Routes *RouteTable
	Proxy  ProxyHandler
}

const (
	localRoute     = "_edgecache_route"
	localHost      = "_edgecache_host"
	localRequestID = "_edgecache_request_id"
)

// NewApp 组装 Fiber 应用：recover、请求 ID 与 Host 解析之后，非 /-/ 请求全部交给
// ProxyHandler。诊断路由由调用方在返回的 app 上另行注册。
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Routes == nil {
		return nil, errors.New("route table is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}

	d := &dispatcher{routes: opts.Routes, proxy: opts.Proxy, logger: opts.Logger}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})
	app.Use(recover.New())
	app.Use(d.annotate)
	app.All("/*", d.forward)

	return app, nil
}

type dispatcher struct {
	routes *RouteTable
	proxy  ProxyHandler
	logger *logrus.Logger
}

// annotate 为每个请求分配 ID；代理请求额外记录 Host 与匹配到的 Route。
func (d *dispatcher) annotate(c fiber.Ctx) error {
	reqID := uuid.NewString()
	c.Locals(localRequestID, reqID)
	c.Set("X-Request-ID", reqID)

	if IsDiagnosticsPath(string(c.Request().URI().Path())) {
		return c.Next()
	}

	host := strings.TrimSpace(hostHeader(c))
	c.Locals(localHost, host)
	if route, ok := d.routes.Lookup(host); ok {
		c.Locals(localRoute, route)
		if route.Default && normalizeDomain(host) != route.Domain {
			d.logger.WithFields(logrus.Fields{
				"action": "host_lookup",
				"host":   host,
				"route":  route.Name,
			}).Debug("host served by origin route")
		}
	}
	return c.Next()
}

func (d *dispatcher) forward(c fiber.Ctx) error {
	if IsDiagnosticsPath(string(c.Request().URI().Path())) {
		return c.Next()
	}
	route, _ := RouteFromContext(c)
	return d.proxy.Handle(c, route)
}

func hostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

// RouteFromContext returns the route resolved for the request Host.
func RouteFromContext(c fiber.Ctx) (*Route, bool) {
	if route, ok := c.Locals(localRoute).(*Route); ok && route != nil {
		return route, true
	}
	return nil, false
}

// RequestHost returns the raw Host the route lookup was made with.
func RequestHost(c fiber.Ctx) string {
	host, _ := c.Locals(localHost).(string)
	return host
}

// RequestID returns the request identifier assigned by the router.
func RequestID(c fiber.Ctx) string {
	reqID, _ := c.Locals(localRequestID).(string)
	return reqID
}

// IsDiagnosticsPath 判断请求是否落在 /-/ 诊断命名空间。
func IsDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
