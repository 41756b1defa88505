// Package routes 将告警中心的各类 HTTP 接口挂载到共享的 Fiber 应用上。
package routes

import (
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/alerthub/alerthub/internal/alerts"
	"github.com/alerthub/alerthub/internal/cache"
	"github.com/alerthub/alerthub/internal/logging"
	"github.com/alerthub/alerthub/internal/pubsub"
	"github.com/alerthub/alerthub/internal/websub"
)

const (
	defaultReadTTL   = 30 * time.Second
	defaultHeartbeat = 30 * time.Second
	defaultBuffer    = 64
)

// Deps 汇总路由需要的组件与调优参数。
type Deps struct {
	Broker     *pubsub.Broker
	Hub        *websub.Hub
	Cache      *cache.Proxy
	Dispatcher *alerts.Dispatcher
	Logger     *logrus.Logger

	// ReadTTL 是 topics/history 等只读接口的缓存时长。
	ReadTTL time.Duration
	// Heartbeat 是直播流心跳注释的间隔。
	Heartbeat time.Duration
	// StreamBuffer 是每个直播流会话的消息缓冲长度。
	StreamBuffer int
	// Shutdown 关闭时通知所有直播流结束。
	Shutdown <-chan struct{}
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	if d.ReadTTL <= 0 {
		d.ReadTTL = defaultReadTTL
	}
	if d.Heartbeat <= 0 {
		d.Heartbeat = defaultHeartbeat
	}
	if d.StreamBuffer <= 0 {
		d.StreamBuffer = defaultBuffer
	}
	return d
}

// Register 挂载全部路由；缺失的组件对应的接口不会注册。
func Register(app *fiber.App, deps Deps) {
	if app == nil {
		return
	}
	deps = deps.withDefaults()

	if deps.Hub != nil {
		RegisterWebSubRoutes(app, deps)
	}
	if deps.Broker != nil {
		RegisterAlertRoutes(app, deps)
	}
	RegisterDiagnosticsRoutes(app, deps)
}
