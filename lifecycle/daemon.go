package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"

	"chainbridge/config"
)

const (
	lockFileName = ".lock"
	pidFileName  = "chainbridged.pid"
)

// runDaemon is the dedicated goroutine that owns the engine.
func (c *Controller) runDaemon(cfg config.Config) {
	defer c.finish()
	if err := c.daemon(cfg); err != nil {
		c.fatal(err)
	}
}

// daemon returns only fatal errors. Engine failures are logged and end in an
// orderly shutdown.
func (c *Controller) daemon(cfg config.Config) error {
	res, err := config.Resolve(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(res.NetDir, 0o755); err != nil {
		return fmt.Errorf("create network directory: %w", err)
	}

	lock := flock.New(filepath.Join(res.NetDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock data directory: %w", err)
	}
	if !locked {
		return fmt.Errorf("cannot obtain a lock on data directory %s, chainbridged is probably already running", res.NetDir)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			c.logger.Warn("release data directory lock", "error", err)
		}
	}()

	pidPath := filepath.Join(res.NetDir, pidFileName)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer func() {
		if err := os.Remove(pidPath); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("remove pid file", "path", pidPath, "error", err)
		}
	}()

	engine, err := c.factory(res, c.logger)
	if err != nil {
		c.logger.Error("build chain engine", "error", err)
		return nil
	}
	c.mu.Lock()
	c.resolved = res
	c.engine = engine
	stopping := c.stopping
	c.mu.Unlock()
	if stopping {
		engine.RequestShutdown()
	}

	c.logger.Info("daemon starting", "network", string(res.Network), "datadir", res.NetDir)
	if err := engine.Init(); err != nil {
		c.logger.Error("chain engine init failed, shutting down", "error", err)
	} else if err := engine.Run(context.Background()); err != nil {
		c.logger.Error("chain engine stopped with error", "error", err)
	}
	c.advance(ShuttingDown)
	if err := engine.Close(); err != nil {
		c.logger.Warn("close chain engine", "error", err)
	}
	c.logger.Info("daemon stopped")
	return nil
}

// finish marks shutdown complete and wakes every poller.
func (c *Controller) finish() {
	if !c.shutdownComplete.CompareAndSwap(false, true) {
		return
	}
	close(c.done)
	c.advance(Stopped)
	close(c.daemonExited)
}
