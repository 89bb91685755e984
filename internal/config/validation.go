package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/postflow/edge-cache/internal/cache"
	"github.com/postflow/edge-cache/internal/classify"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("Global.LogLevel", "无法识别的日志级别")
		}
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if !isSupportedDriver(g.StoreDriver) {
		return newFieldError("Global.StoreDriver", "仅支持 "+strings.Join(cache.Drivers(), "|"))
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if err := validateUpstream(g.Origin); err != nil {
		return fmt.Errorf("Global.Origin: %w", err)
	}

	if err := c.validateCache(); err != nil {
		return err
	}
	if err := c.validateBypass(); err != nil {
		return err
	}
	return c.validateRoutes()
}

func (c *Config) validateCache() error {
	cc := c.Cache
	if err := cache.ValidateTag(cc.Version); err != nil {
		return newFieldError("Cache.Version", "不能为空且不能包含路径字符")
	}
	for _, seed := range cc.Seed {
		if strings.TrimSpace(seed) == "" {
			return newFieldError("Cache.Seed", "不允许空条目")
		}
		if _, err := url.Parse(seed); err != nil {
			return newFieldError("Cache.Seed", fmt.Sprintf("无法解析 %q", seed))
		}
	}
	if cc.MaxEntrySize < 0 {
		return newFieldError("Cache.MaxEntrySize", "不能为负数")
	}
	if cc.PersistTimeout.DurationValue() <= 0 {
		return newFieldError("Cache.PersistTimeout", "必须大于 0")
	}
	return nil
}

func (c *Config) validateBypass() error {
	for _, name := range c.Bypass.Rules {
		if _, ok := classify.Lookup(name); !ok {
			return newFieldError("Bypass.Rules", fmt.Sprintf("未注册规则: %s", name))
		}
	}
	return nil
}

func (c *Config) validateRoutes() error {
	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Routes {
		route := &c.Routes[i]
		if route.Name == "" {
			return newFieldError("Route[].Name", "不能为空")
		}
		if _, exists := seenNames[route.Name]; exists {
			return newFieldError(routeField(route.Name, "Name"), "重复")
		}
		seenNames[route.Name] = struct{}{}

		if err := validateDomain(route.Domain); err != nil {
			return fmt.Errorf("%s: %w", routeField(route.Name, "Domain"), err)
		}
		if _, exists := seenDomains[route.Domain]; exists {
			return newFieldError(routeField(route.Name, "Domain"), "重复")
		}
		seenDomains[route.Domain] = struct{}{}

		if err := validateUpstream(route.Upstream); err != nil {
			return fmt.Errorf("%s: %w", routeField(route.Name, "Upstream"), err)
		}
	}
	return nil
}

func isSupportedDriver(driver string) bool {
	for _, known := range cache.Drivers() {
		if driver == known {
			return true
		}
	}
	return false
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// OriginURL 返回解析后的页面源（假定 Validate 已经通过）。
func (c *Config) OriginURL() *url.URL {
	parsed, err := url.Parse(c.Global.Origin)
	if err != nil {
		return nil
	}
	return parsed
}
