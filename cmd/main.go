package main

import (
	"os"
	"os/signal"
	"syscall"

	"toolflow/internal/bootstrap"
	"toolflow/pkg/logger"
)

func main() {
	c := bootstrap.NewContainer()
	c.MustInit()
	defer logger.Sync()

	if err := c.Start(); err != nil {
		c.Log.Fatalf("Failed to start: %v", err)
	}

	waitForShutdown(c)
}

// waitForShutdown blocks until a signal arrives or a component cancels the
// application context, then shuts everything down in order.
func waitForShutdown(c *bootstrap.Container) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		c.Log.Infof("Received %s, shutting down...", sig)
	case <-c.Context.Done():
		c.Log.Warn("Application context cancelled, shutting down...")
	}

	c.Shutdown()
}
