package routes

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/postflow/edge-cache/internal/cache"
	"github.com/postflow/edge-cache/internal/classify"
	"github.com/postflow/edge-cache/internal/lifecycle"
	"github.com/postflow/edge-cache/internal/logging"
	"github.com/postflow/edge-cache/internal/server"
)

// Lifecycle 是诊断接口依赖的生命周期能力，*lifecycle.Controller 满足该接口。
type Lifecycle interface {
	Status() lifecycle.Status
	Install(ctx context.Context, manifest lifecycle.Manifest) error
	Activate(ctx context.Context) error
	Tags(ctx context.Context) ([]string, error)
}

// Options 描述诊断接口所需的依赖与配置。
type Options struct {
	Lifecycle Lifecycle
	// Manifest 是配置中的默认安装清单，请求体未覆盖的字段取此值。
	Manifest    lifecycle.Manifest
	SkipWaiting bool
	Rules       []classify.Rule
	Routes      *server.RouteTable
	Logger      *logrus.Logger
}

// RegisterDiagnosticsRoutes 暴露 /-/lifecycle、/-/cache、/-/rules 诊断接口。
func RegisterDiagnosticsRoutes(app *fiber.App, opts Options) {
	if app == nil || opts.Lifecycle == nil {
		return
	}
	logger := logging.OrDiscard(opts.Logger)

	app.Get("/-/lifecycle", func(c fiber.Ctx) error {
		return c.JSON(opts.Lifecycle.Status())
	})

	app.Post("/-/lifecycle/install", func(c fiber.Ctx) error {
		manifest, err := decodeManifest(c, opts.Manifest)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_manifest", "detail": err.Error()})
		}
		ctx := requestContext(c)
		if err := opts.Lifecycle.Install(ctx, manifest); err != nil {
			logger.WithFields(logging.LifecycleFields("install", manifest.Version, "")).
				WithField("request_id", server.RequestID(c)).
				WithError(err).Warn("diagnostics install failed")
			status := fiber.StatusBadGateway
			if errors.Is(err, cache.ErrInvalidTag) {
				status = fiber.StatusBadRequest
			}
			return c.Status(status).JSON(fiber.Map{
				"error":  "install_failed",
				"detail": err.Error(),
				"status": opts.Lifecycle.Status(),
			})
		}
		if opts.SkipWaiting {
			if err := opts.Lifecycle.Activate(ctx); err != nil {
				return respondActivateError(c, opts.Lifecycle, err)
			}
		}
		return c.JSON(opts.Lifecycle.Status())
	})

	app.Post("/-/lifecycle/activate", func(c fiber.Ctx) error {
		if err := opts.Lifecycle.Activate(requestContext(c)); err != nil {
			return respondActivateError(c, opts.Lifecycle, err)
		}
		return c.JSON(opts.Lifecycle.Status())
	})

	app.Get("/-/cache", func(c fiber.Ctx) error {
		tags, err := opts.Lifecycle.Tags(requestContext(c))
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "store_unavailable", "detail": err.Error()})
		}
		if tags == nil {
			tags = []string{}
		}
		status := opts.Lifecycle.Status()
		return c.JSON(fiber.Map{
			"tags":    tags,
			"active":  status.Active,
			"pending": status.Pending,
		})
	})

	app.Get("/-/rules", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"registered": encodeRules(classify.List()),
			"active":     encodeRules(opts.Rules),
			"routes":     encodeRoutes(opts.Routes.List()),
		})
	})
}

type manifestPayload struct {
	Version string   `json:"version"`
	Seed    []string `json:"seed"`
}

// decodeManifest 绑定可选的 JSON 请求体，空字段沿用配置值。
func decodeManifest(c fiber.Ctx, fallback lifecycle.Manifest) (lifecycle.Manifest, error) {
	manifest := lifecycle.Manifest{
		Version: fallback.Version,
		Seed:    append([]string(nil), fallback.Seed...),
	}
	if len(strings.TrimSpace(string(c.Body()))) == 0 {
		return manifest, nil
	}
	var payload manifestPayload
	if err := c.Bind().JSON(&payload); err != nil {
		return lifecycle.Manifest{}, err
	}
	if payload.Version != "" {
		manifest.Version = payload.Version
	}
	if payload.Seed != nil {
		manifest.Seed = payload.Seed
	}
	return manifest, nil
}

func respondActivateError(c fiber.Ctx, lc Lifecycle, err error) error {
	if errors.Is(err, lifecycle.ErrNothingToActivate) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "nothing_to_activate"})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error":  "reclaim_failed",
		"detail": err.Error(),
		"status": lc.Status(),
	})
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

type rulePayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type routePayload struct {
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	Upstream string `json:"upstream"`
	Default  bool   `json:"default"`
}

func encodeRules(rules []classify.Rule) []rulePayload {
	result := make([]rulePayload, 0, len(rules))
	for _, rule := range rules {
		result = append(result, rulePayload{Name: rule.Name, Description: rule.Description})
	}
	return result
}

func encodeRoutes(list []server.Route) []routePayload {
	result := make([]routePayload, 0, len(list))
	for _, route := range list {
		upstream := ""
		if route.Upstream != nil {
			upstream = route.Upstream.String()
		}
		result = append(result, routePayload{
			Name:     route.Name,
			Domain:   route.Domain,
			Upstream: upstream,
			Default:  route.Default,
		})
	}
	return result
}
