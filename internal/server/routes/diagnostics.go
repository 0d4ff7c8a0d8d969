package routes

import (
	"errors"
	"sort"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/fragcache/fragcache/internal/content"
	"github.com/fragcache/fragcache/internal/status"
)

// RegisterDiagnosticsRoutes 暴露 /-/ 诊断接口，供运维查看缓存、回源状态与集群成员，并手动刷新或清空缓存。
func RegisterDiagnosticsRoutes(app *fiber.App, svc *content.Service, logger *logrus.Logger) {
	if app == nil || svc == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"app":         svc.AppName(),
			"group":       svc.Group(),
			"base_url":    svc.BaseURL(),
			"ttl_seconds": int64(svc.TTL().Seconds()),
			"statuses":    encodeStatuses(svc.Statuses()),
		})
	})

	app.Get("/-/cache", func(c fiber.Ctx) error {
		entries := svc.Entries()
		return c.JSON(fiber.Map{
			"count":   len(entries),
			"entries": entries,
		})
	})

	app.Get("/-/members", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"group":   svc.Group(),
			"members": svc.Members(),
		})
	})

	app.Post("/-/cache/refresh", func(c fiber.Ctx) error {
		broadcast := true
		if raw := c.Query("broadcast"); raw != "" {
			parsed, err := strconv.ParseBool(raw)
			if err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_broadcast"})
			}
			broadcast = parsed
		}

		err := svc.RefreshCache(c.Context(), broadcast)
		failures := splitErrors(err)
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"action":    "admin_refresh",
				"broadcast": broadcast,
				"failed":    len(failures),
			}).Info("manual cache refresh")
		}
		return c.JSON(fiber.Map{
			"broadcast": broadcast,
			"failures":  failures,
		})
	})

	app.Post("/-/cache/flush", func(c fiber.Ctx) error {
		count := len(svc.Entries())
		svc.FlushCache()
		if logger != nil {
			logger.WithFields(logrus.Fields{"action": "admin_flush", "entries": count}).Info("manual cache flush")
		}
		return c.JSON(fiber.Map{"flushed": count})
	})
}

type statusPayload struct {
	Key        string `json:"key"`
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Timestamp  string `json:"timestamp"`
	OK         bool   `json:"ok"`
}

func encodeStatuses(statuses map[string]status.FetchStatus) []statusPayload {
	result := make([]statusPayload, 0, len(statuses))
	for _, st := range statuses {
		result = append(result, statusPayload{
			Key:        st.Key,
			StatusCode: st.StatusCode,
			Message:    st.Message,
			Timestamp:  status.HumanTime(st.Timestamp),
			OK:         st.OK(),
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Key < result[j].Key
	})
	return result
}

// splitErrors 展开 errors.Join 合并的错误。
func splitErrors(err error) []string {
	if err == nil {
		return []string{}
	}
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(joined.Unwrap()))
	for _, e := range joined.Unwrap() {
		out = append(out, e.Error())
	}
	return out
}
