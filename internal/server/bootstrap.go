package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

// ShutdownTimeout 限制优雅退出时等待在途请求的时间。
const ShutdownTimeout = 10 * time.Second

// Serve 在 port 上运行 app，ctx 结束后优雅关闭。
func Serve(ctx context.Context, app *fiber.App, port int, logger *logrus.Logger) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen on %d: %w", port, err)
	}
	return ServeListener(ctx, app, ln, logger)
}

// ServeListener 与 Serve 相同，但使用调用方提供的监听器。
func ServeListener(ctx context.Context, app *fiber.App, ln net.Listener, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"addr":   ln.Addr().String(),
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("Fiber 服务已停止")
	return <-errCh
}
