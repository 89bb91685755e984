package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/postflow/edge-cache/internal/config"
)

// DefaultRouteName 是页面源对应的兜底路由名。
const DefaultRouteName = "origin"

// Route 把 Host 映射到解析完成的上游地址，供代理层直接复用。
type Route struct {
	Name   string
	Domain string
	// Upstream 在构造 RouteTable 时提前解析。
	Upstream *url.URL
	// Default 标记页面源兜底路由。
	Default bool
}

// RouteTable 提供 Host/Host:port 到 Route 的查询能力，未映射的 Host 回落到页面源。
type RouteTable struct {
	routes   map[string]*Route
	ordered  []*Route
	fallback *Route
}

// NewRouteTable 根据配置构建 Host 映射。调用方应在启动阶段创建一次并复用。
func NewRouteTable(cfg *config.Config) (*RouteTable, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	table := &RouteTable{
		routes: make(map[string]*Route, len(cfg.Routes)),
	}

	if cfg.Global.Origin != "" {
		origin, err := parseUpstream(cfg.Global.Origin)
		if err != nil {
			return nil, fmt.Errorf("invalid origin: %w", err)
		}
		table.fallback = &Route{
			Name:     DefaultRouteName,
			Domain:   normalizeDomain(origin.Host),
			Upstream: origin,
			Default:  true,
		}
		table.ordered = append(table.ordered, table.fallback)
	}

	for _, rc := range cfg.Routes {
		normalizedHost := normalizeDomain(rc.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for route %s", rc.Name)
		}
		if _, exists := table.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}
		upstream, err := parseUpstream(rc.Upstream)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream for route %s: %w", rc.Name, err)
		}

		route := &Route{Name: rc.Name, Domain: normalizedHost, Upstream: upstream}
		table.routes[normalizedHost] = route
		table.ordered = append(table.ordered, route)
	}

	return table, nil
}

// Lookup 根据 Host 或 Host:port 查找 Route；未映射时返回页面源路由。
func (t *RouteTable) Lookup(host string) (*Route, bool) {
	if t == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if route, ok := t.routes[normalizedHost]; ok {
		return route, true
	}
	if t.fallback != nil {
		return t.fallback, true
	}
	return nil, false
}

// Default 返回页面源路由，未配置 Origin 时为 nil。
func (t *RouteTable) Default() *Route {
	if t == nil {
		return nil
	}
	return t.fallback
}

// List 返回当前路由（页面源在前，其余按配置顺序），用于诊断输出。
func (t *RouteTable) List() []Route {
	if t == nil || len(t.ordered) == 0 {
		return nil
	}

	result := make([]Route, len(t.ordered))
	for i, route := range t.ordered {
		result[i] = *route
	}
	return result
}

func parseUpstream(raw string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("upstream must be absolute: %s", raw)
	}
	return parsed, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
