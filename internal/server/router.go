package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fragcache/fragcache/internal/cache"
	"github.com/fragcache/fragcache/internal/content"
)

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Service    *content.Service
	ListenPort int
}

const contextKeyRequestID = "_fragcache_request_id"

// NewApp builds a Fiber application serving cached content under /content and
// /properties, plus fragments, help texts and messages derived from it.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Service == nil {
		return nil, errors.New("content service is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	app.Get("/content/*", func(c fiber.Ctx) error {
		path := requestedPath(c)
		body, err := opts.Service.GetContent(c.Context(), path)
		if err != nil {
			return renderLoadError(c, opts.Logger, path, err)
		}
		c.Set(fiber.HeaderContentType, contentType(body))
		return c.SendString(body)
	})

	app.Get("/properties/*", func(c fiber.Ctx) error {
		path := requestedPath(c)
		props, err := opts.Service.GetProperties(c.Context(), path)
		if err != nil {
			return renderLoadError(c, opts.Logger, path, err)
		}
		return c.JSON(props)
	})

	registerSupplementRoutes(app, opts.Service, opts.Logger)

	return app, nil
}

// requestContextMiddleware 为每个请求生成请求 ID。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// requestedPath 把通配段与原始查询串还原为内容路径。
func requestedPath(c fiber.Ctx) string {
	path := wildcardPath(c)
	if rawQuery := c.Request().URI().QueryString(); len(rawQuery) > 0 {
		path += "?" + string(rawQuery)
	}
	return path
}

func renderLoadError(c fiber.Ctx, logger *logrus.Logger, path string, err error) error {
	fields := logrus.Fields{
		"action":     "content_load",
		"path":       path,
		"request_id": RequestID(c),
	}

	var (
		noValue  *cache.NoCachedValueError
		parseErr *content.ParseError
	)
	switch {
	case errors.As(err, &noValue):
		logger.WithError(err).WithFields(fields).Warn("no cached value")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_unavailable"})
	case errors.As(err, &parseErr):
		logger.WithError(err).WithFields(fields).Warn("properties not parseable")
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "invalid_properties"})
	default:
		logger.WithError(err).WithFields(fields).Error("content load failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
	}
}

func contentType(body string) string {
	head := strings.ToLower(strings.TrimLeft(body, " \t\r\n"))
	if strings.HasPrefix(head, "<?xml") || strings.HasPrefix(head, "<properties") || strings.HasPrefix(head, "<xml") {
		return fiber.MIMEApplicationXMLCharsetUTF8
	}
	return fiber.MIMETextHTMLCharsetUTF8
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
