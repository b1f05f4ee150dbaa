package routes

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"github.com/photomate/imagecache/internal/server"
	"github.com/photomate/imagecache/internal/version"
	"github.com/photomate/imagecache/internal/worker"
)

// ControlOptions 汇总控制/诊断接口依赖。Metrics 为空时不注册 /-/metrics。
type ControlOptions struct {
	Worker   *worker.Worker
	Registry *server.ScopeRegistry
	Metrics  http.Handler
	Logger   *logrus.Logger
}

// RegisterControlRoutes 暴露 /-/messages、/-/status、/-/scopes 与 /-/metrics。
func RegisterControlRoutes(app *fiber.App, opts ControlOptions) {
	if app == nil || opts.Worker == nil {
		return
	}

	app.Post("/-/messages", messageHandler(opts))
	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(statusPayload{
			Version:     version.Full(),
			State:       string(opts.Worker.State()),
			Controlling: opts.Worker.Controlling(),
			CacheName:   opts.Worker.CacheName(),
		})
	})
	app.Get("/-/scopes", func(c fiber.Ctx) error {
		return c.JSON(scopesPayload{
			Scopes:    encodeScopes(opts.Registry.List()),
			AllowList: opts.Worker.Filter().Patterns(),
		})
	})
	if opts.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(opts.Metrics))
	}
}

// messageHandler 解析控制消息并把 worker 的回复作为响应体；被忽略的消息返回 204。
func messageHandler(opts ControlOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		var msg worker.Message
		if err := json.Unmarshal(c.Body(), &msg); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}
		msg.Type = strings.TrimSpace(msg.Type)

		var reply *worker.Confirmation
		handled := opts.Worker.HandleMessage(c.Context(), msg, worker.ReplierFunc(func(conf worker.Confirmation) {
			reply = &conf
		}))

		if opts.Logger != nil {
			opts.Logger.WithFields(logrus.Fields{
				"action":     "control_message",
				"type":       msg.Type,
				"handled":    handled,
				"request_id": server.RequestID(c),
			}).Info("control_message")
		}

		if !handled || reply == nil {
			return c.SendStatus(fiber.StatusNoContent)
		}
		return c.JSON(reply)
	}
}

type statusPayload struct {
	Version     string `json:"version"`
	State       string `json:"state"`
	Controlling bool   `json:"controlling"`
	CacheName   string `json:"cache_name"`
}

type scopesPayload struct {
	Scopes    []scopePayload `json:"scopes"`
	AllowList []string       `json:"allow_list"`
}

type scopePayload struct {
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	Upstream string `json:"upstream"`
	Port     int    `json:"port"`
}

func encodeScopes(scopes []server.Scope) []scopePayload {
	result := make([]scopePayload, 0, len(scopes))
	for _, scope := range scopes {
		result = append(result, scopePayload{
			Name:     scope.Name(),
			Domain:   scope.Domain(),
			Upstream: scope.UpstreamURL.String(),
			Port:     scope.ListenPort,
		})
	}
	return result
}
