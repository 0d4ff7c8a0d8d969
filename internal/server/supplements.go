package server

import (
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/fragcache/fragcache/internal/content"
	"github.com/fragcache/fragcache/internal/fragment"
	"github.com/fragcache/fragcache/internal/helptext"
	"github.com/fragcache/fragcache/internal/message"
)

// registerSupplementRoutes 挂载基于缓存内容的读取接口：页面片段、帮助文本与消息文本。
func registerSupplementRoutes(app *fiber.App, svc *content.Service, logger *logrus.Logger) {
	app.Get("/fragments/*", func(c fiber.Ctx) error {
		path := wildcardPath(c)
		req := fragment.Request{
			AppName:     c.Query("appname", svc.AppName()),
			ActiveItem:  c.Query("activeitem"),
			UserRole:    c.Query("userrole"),
			SubmenuPath: c.Query(fragment.SubmenuName),
			Names:       splitList(c.Query("names")),
		}
		if len(req.Names) == 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "names_required"})
		}
		fragments, err := fragment.NewFetcher(svc, path, logger).Fetch(c.Context(), req)
		if err != nil {
			return renderLoadError(c, logger, path, err)
		}
		return c.JSON(fragments)
	})

	app.Get("/helptexts/*", func(c fiber.Ctx) error {
		reader := helptext.NewReader(svc, wildcardPath(c), logger)
		key := strings.TrimSpace(c.Query("key"))
		if key == "" {
			return c.JSON(reader.List(c.Context()))
		}
		item := reader.Get(c.Context(), key)
		if item == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "helptext_not_found"})
		}
		return c.JSON(item)
	})

	app.Get("/messages/*", func(c fiber.Ctx) error {
		path := wildcardPath(c)
		key := c.Query("key")
		if strings.TrimSpace(key) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "key_required"})
		}

		var value string
		if locale := c.Query("locale"); locale != "" {
			value = message.NewStrings(svc, path, logger).Retrieve(c.Context(), key, locale, c.Query("variant"))
		} else {
			value = message.NewBundle(svc, message.BundleOptions{
				Path:   path,
				Debug:  c.Query("debug") == "true",
				Logger: logger,
			}).Get(c.Context(), key)
		}
		return c.JSON(fiber.Map{"key": key, "value": value})
	})
}

func wildcardPath(c fiber.Ctx) string {
	return "/" + strings.TrimPrefix(c.Params("*"), "/")
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
