package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/postflow/edge-cache/internal/classify"
	"github.com/postflow/edge-cache/internal/logging"
	"github.com/postflow/edge-cache/internal/server"
)

// Resolver 是 Forwarder 依赖的代理核心，*Proxy 满足该接口。
type Resolver interface {
	Resolve(req *http.Request) (*http.Response, Outcome, error)
}

// Forwarder 把 Fiber 请求转换为指向路由上游的出站请求，交给 Resolver 处理后写回响应。
type Forwarder struct {
	resolver Resolver
	logger   *logrus.Logger
}

// NewForwarder 创建 Forwarder。
func NewForwarder(resolver Resolver, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		resolver: resolver,
		logger:   logging.OrDiscard(logger),
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.Route) (err error) {
	requestID := server.RequestID(c)
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = f.respondPanic(c, route, r, requestID)
		}
	}()

	if route == nil || route.Upstream == nil {
		return f.respondHostUnmapped(c, requestID)
	}

	req, err := buildUpstreamRequest(c, route)
	if err != nil {
		f.logResult(route, "", requestID, 0, "", started, err)
		return writeError(c, fiber.StatusBadRequest, "bad_request", requestID)
	}

	resp, outcome, err := f.resolver.Resolve(req)
	if err != nil {
		f.logResult(route, req.URL.String(), requestID, 0, outcome, started, err)
		c.Set("X-Edge-Cache", string(outcome))
		return writeError(c, fiber.StatusBadGateway, "upstream_failed", requestID)
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set("X-Edge-Cache", string(outcome))
	setRequestIDHeader(c, requestID)
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		f.logResult(route, req.URL.String(), requestID, resp.StatusCode, outcome, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	f.logResult(route, req.URL.String(), requestID, resp.StatusCode, outcome, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// respondHostUnmapped 处理 Host 未映射且没有页面源兜底的请求。
func (f *Forwarder) respondHostUnmapped(c fiber.Ctx, requestID string) error {
	host := server.RequestHost(c)
	fields := routeFields(nil, requestID)
	fields["action"] = "host_lookup"
	fields["host"] = host
	f.logger.WithFields(fields).Warn("host unmapped")
	if host != "" {
		c.Set("X-Edge-Cache-Host", host)
	}
	return writeError(c, fiber.StatusNotFound, "host_unmapped", requestID)
}

func (f *Forwarder) respondPanic(c fiber.Ctx, route *server.Route, recovered interface{}, requestID string) error {
	fields := routeFields(route, requestID)
	fields["action"] = "proxy"
	fields["error"] = "proxy_panic"
	f.logger.WithFields(fields).Error(fmt.Sprintf("panic: %v", recovered))
	return writeError(c, fiber.StatusInternalServerError, "proxy_panic", requestID)
}

func (f *Forwarder) logResult(
	route *server.Route,
	upstream string,
	requestID string,
	status int,
	outcome Outcome,
	started time.Time,
	err error,
) {
	fields := routeFields(route, requestID)
	fields["class"] = classOf(outcome)
	fields["outcome"] = string(outcome)
	fields["action"] = "proxy"
	fields["upstream"] = upstream
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		f.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	f.logger.WithFields(fields).Info("proxy_complete")
}

func routeFields(route *server.Route, requestID string) logrus.Fields {
	name := ""
	if route != nil {
		name = route.Name
	}
	fields := logging.RequestFields(name, "", "", "")
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}

func classOf(outcome Outcome) string {
	switch outcome {
	case "":
		return ""
	case OutcomeBypass:
		return string(classify.Bypass)
	default:
		return string(classify.Cacheable)
	}
}

func writeError(c fiber.Ctx, status int, code, requestID string) error {
	setRequestIDHeader(c, requestID)
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

// buildUpstreamRequest 以路由上游为基准重建请求 URL，并透传请求头与 body。
func buildUpstreamRequest(c fiber.Ctx, route *server.Route) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	target := upstreamURL(route.Upstream, requestPath(c), string(c.Request().URI().QueryString()))
	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Header.Del("Host")
	req.Host = target.Host
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	return req, nil
}

func upstreamURL(base *url.URL, path, rawQuery string) *url.URL {
	target := *base
	target.Path = strings.TrimRight(base.Path, "/") + path
	target.RawPath = ""
	target.RawQuery = rawQuery
	target.Fragment = ""
	return &target
}

func requestPath(c fiber.Ctx) string {
	pathVal := string(c.Request().URI().Path())
	if pathVal == "" {
		return "/"
	}
	if !strings.HasPrefix(pathVal, "/") {
		pathVal = "/" + pathVal
	}
	return pathVal
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(append([]byte(nil), b...))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 逐值追加，多值 header（Vary、Link 等）保持完整。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	out := &c.Response().Header
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		out.Del(key)
		for _, value := range values {
			out.Add(key, value)
		}
	}
}
